package audio

import (
	"fmt"
	"log"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"voxid/diar"
)

// Device описание устройства захвата
type Device struct {
	ID   string
	Name string
}

// MicConfig параметры захвата с микрофона
type MicConfig struct {
	Device     string // подстрока имени устройства, "" = системное по умолчанию
	SampleRate int
}

// DefaultMicConfig значения по умолчанию
func DefaultMicConfig() MicConfig {
	return MicConfig{SampleRate: diar.SampleRate}
}

// Mic источник PCM16 с микрофона через miniaudio. Драйвер отдаёт
// float32, конвертация в int16 происходит в колбэке устройства.
type Mic struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	rate   int

	out  chan Chunk
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	running bool
	pos     int64
}

// NewMic инициализирует контекст и устройство захвата, но не
// запускает его: поток пойдёт после Start.
func NewMic(cfg MicConfig) (*Mic, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = diar.SampleRate
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio context: %w", err)
	}

	m := &Mic{
		ctx:  ctx,
		rate: cfg.SampleRate,
		out:  make(chan Chunk, sourceQueueSize),
		done: make(chan struct{}),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if cfg.Device != "" {
		id, err := findCaptureDevice(ctx, cfg.Device)
		if err != nil {
			ctx.Uninit()
			ctx.Free()
			return nil, err
		}
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	onRecvFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		sampleCount := int(framecount)
		if len(pInputSamples) != sampleCount*4 {
			return
		}

		pcm := make([]int16, sampleCount)
		for i := 0; i < sampleCount; i++ {
			bits := uint32(pInputSamples[i*4]) | uint32(pInputSamples[i*4+1])<<8 | uint32(pInputSamples[i*4+2])<<16 | uint32(pInputSamples[i*4+3])<<24
			f := math.Float32frombits(bits)

			// Clamp
			if f > 1.0 {
				f = 1.0
			} else if f < -1.0 {
				f = -1.0
			}
			pcm[i] = int16(f * 32767)
		}

		m.mu.Lock()
		start := m.pos
		m.pos += int64(sampleCount)
		m.mu.Unlock()

		select {
		case m.out <- Chunk{PCM: pcm, StartSample: start}:
		case <-m.done:
		}
	}

	m.device, err = malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("capture device: %w", err)
	}
	return m, nil
}

// Start запускает захват
func (m *Mic) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("already running")
	}
	if err := m.device.Start(); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	m.running = true
	log.Printf("[Audio] microphone capture started (%d Hz)", m.rate)
	return nil
}

// Chunks канал порций аудио
func (m *Mic) Chunks() <-chan Chunk {
	return m.out
}

// Close останавливает захват и освобождает устройство
func (m *Mic) Close() error {
	m.once.Do(func() {
		close(m.done)
		m.device.Uninit()
		m.ctx.Uninit()
		m.ctx.Free()
		close(m.out)
		log.Println("[Audio] microphone capture stopped")
	})
	return nil
}

// Devices возвращает доступные устройства захвата
func Devices() ([]Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio context: %w", err)
	}
	defer func() {
		ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, Device{
			ID:   deviceIDString(info.ID),
			Name: info.Name(),
		})
	}
	return devices, nil
}

// findCaptureDevice ищет устройство по имени (частичное совпадение)
func findCaptureDevice(ctx *malgo.AllocatedContext, name string) (*malgo.DeviceID, error) {
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, err
	}

	nameLower := strings.ToLower(name)
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), nameLower) {
			id := info.ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", name)
}

func deviceIDString(id malgo.DeviceID) string {
	// Первые 32 байта ID как строка
	var b strings.Builder
	for _, c := range id[:32] {
		if c == 0 {
			break
		}
		b.WriteByte(c)
	}
	return b.String()
}
