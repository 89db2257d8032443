package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hajimehoshi/go-mp3"

	"voxid/diar"
)

// ReplayConfig параметры проигрывания файла в движок
type ReplayConfig struct {
	Path     string
	ChunkMs  int  // размер порции
	Realtime bool // выдерживать темп реального времени
}

// DefaultReplayConfig реальное время, порции по 100 мс
func DefaultReplayConfig(path string) ReplayConfig {
	return ReplayConfig{Path: path, ChunkMs: 100, Realtime: true}
}

// FileSource проигрывает WAV или MP3 файл как живой поток. Файл
// декодируется целиком, сводится в моно и ресемплируется в частоту
// движка.
type FileSource struct {
	pcm  []int16
	out  chan Chunk
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewFileSource открывает файл и начинает выдачу чанков
func NewFileSource(cfg ReplayConfig) (*FileSource, error) {
	if cfg.ChunkMs <= 0 {
		cfg.ChunkMs = 100
	}

	var (
		samples []float32
		rate    int
		err     error
	)
	switch strings.ToLower(filepath.Ext(cfg.Path)) {
	case ".wav":
		samples, rate, err = readWAVMono(cfg.Path)
	case ".mp3":
		samples, rate, err = readMP3Mono(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported audio format: %s", cfg.Path)
	}
	if err != nil {
		return nil, err
	}

	if rate != diar.SampleRate {
		samples = resampleLinear(samples, rate, diar.SampleRate)
	}

	s := &FileSource{
		pcm:  float32ToPCM16(samples),
		out:  make(chan Chunk, sourceQueueSize),
		done: make(chan struct{}),
	}
	log.Printf("[Audio] replay %s: %.1f sec (source %d Hz)",
		filepath.Base(cfg.Path), float64(len(s.pcm))/float64(diar.SampleRate), rate)

	s.wg.Add(1)
	go s.pump(int(diar.MsToSamples(int64(cfg.ChunkMs))), cfg.Realtime)
	return s, nil
}

// DurationMs длительность файла после ресемплинга
func (s *FileSource) DurationMs() int64 {
	return diar.SamplesToMs(int64(len(s.pcm)))
}

// Chunks канал порций аудио
func (s *FileSource) Chunks() <-chan Chunk {
	return s.out
}

// Close прерывает проигрывание
func (s *FileSource) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *FileSource) pump(chunkSamples int, realtime bool) {
	defer s.wg.Done()
	defer close(s.out)

	var ticker *time.Ticker
	if realtime {
		interval := time.Duration(chunkSamples) * time.Second / diar.SampleRate
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	for pos := 0; pos < len(s.pcm); pos += chunkSamples {
		end := pos + chunkSamples
		if end > len(s.pcm) {
			end = len(s.pcm)
		}
		select {
		case s.out <- Chunk{PCM: s.pcm[pos:end], StartSample: int64(pos)}:
		case <-s.done:
			return
		}
		if realtime {
			select {
			case <-ticker.C:
			case <-s.done:
				return
			}
		}
	}
}

// readWAVMono читает PCM16 WAV и возвращает моно float32 с исходной
// частотой дискретизации
func readWAVMono(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open WAV file: %w", err)
	}
	defer f.Close()

	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return nil, 0, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a WAV file: %s", path)
	}

	var (
		channels   int
		sampleRate int
		bits       int
		data       []byte
	)
	for data == nil || channels == 0 {
		var hdr [8]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, 0, fmt.Errorf("failed to read chunk header: %w", err)
		}
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch string(hdr[0:4]) {
		case "fmt ":
			buf := make([]byte, size)
			if _, err := io.ReadFull(f, buf); err != nil {
				return nil, 0, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			if format := binary.LittleEndian.Uint16(buf[0:2]); format != 1 {
				return nil, 0, fmt.Errorf("unsupported WAV format %d (PCM only)", format)
			}
			channels = int(binary.LittleEndian.Uint16(buf[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
			bits = int(binary.LittleEndian.Uint16(buf[14:16]))
		case "data":
			data = make([]byte, size)
			if _, err := io.ReadFull(f, data); err != nil {
				return nil, 0, fmt.Errorf("failed to read data chunk: %w", err)
			}
		default:
			// Чанки RIFF выровнены по 2 байта
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
				return nil, 0, err
			}
		}
	}

	if channels == 0 || data == nil {
		return nil, 0, fmt.Errorf("incomplete WAV file: %s", path)
	}
	if bits != 16 {
		return nil, 0, fmt.Errorf("unsupported WAV bit depth %d (16-bit only)", bits)
	}

	frames := len(data) / (2 * channels)
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			v := int16(binary.LittleEndian.Uint16(data[(i*channels+ch)*2:]))
			sum += float32(v) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono, sampleRate, nil
}

// readMP3Mono декодирует MP3 целиком и возвращает моно float32.
// go-mp3 всегда отдаёт signed 16-bit stereo, interleaved.
func readMP3Mono(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open MP3 file: %w", err)
	}
	defer f.Close()

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create MP3 decoder: %w", err)
	}

	pcmData := make([]byte, decoder.Length())
	n, err := io.ReadFull(decoder, pcmData)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, 0, fmt.Errorf("failed to read PCM data: %w", err)
	}
	pcmData = pcmData[:n]

	// 4 байта на сэмпл: по 2 на канал
	numSamples := n / 4
	mono := make([]float32, numSamples)
	for i := 0; i < numSamples; i++ {
		left := int16(binary.LittleEndian.Uint16(pcmData[i*4:]))
		right := int16(binary.LittleEndian.Uint16(pcmData[i*4+2:]))
		mono[i] = (float32(left) + float32(right)) / 2.0 / 32768.0
	}
	return mono, decoder.SampleRate(), nil
}

// resampleLinear выполняет линейную интерполяцию для ресемплинга
func resampleLinear(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate {
		return samples
	}

	ratio := float64(srcRate) / float64(dstRate)
	newLen := int(float64(len(samples)) / ratio)
	resampled := make([]float32, newLen)

	for i := 0; i < newLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		if srcIdx+1 < len(samples) {
			resampled[i] = samples[srcIdx]*(1-frac) + samples[srcIdx+1]*frac
		} else if srcIdx < len(samples) {
			resampled[i] = samples[srcIdx]
		}
	}

	return resampled
}

func float32ToPCM16(samples []float32) []int16 {
	pcm := make([]int16, len(samples))
	for i, s := range samples {
		// Clamp
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		pcm[i] = int16(s * 32767)
	}
	return pcm
}
