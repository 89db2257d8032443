package ai

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"
)

// SubprocessFrameModelConfig конфигурация внешнего процесса инференса
type SubprocessFrameModelConfig struct {
	BinaryPath     string
	Args           []string
	SampleRate     int
	FrameSamples   int
	FramesPerChunk int
	NumSpeakers    int
	StartTimeout   time.Duration // ожидание ready после запуска
	StepTimeout    time.Duration // ожидание ответа на чанк
}

// DefaultSubprocessFrameModelConfig возвращает конфигурацию по умолчанию
func DefaultSubprocessFrameModelConfig(binaryPath string) SubprocessFrameModelConfig {
	return SubprocessFrameModelConfig{
		BinaryPath:     binaryPath,
		SampleRate:     16000,
		FrameSamples:   1280,
		FramesPerChunk: 16,
		NumSpeakers:    4,
		StartTimeout:   30 * time.Second,
		StepTimeout:    5 * time.Second,
	}
}

// frameCommand команда для процесса инференса
type frameCommand struct {
	Command      string  `json:"command"` // init | step | reset | exit
	SampleRate   *int    `json:"sample_rate,omitempty"`
	FrameSamples *int    `json:"frame_samples,omitempty"`
	NumSpeakers  *int    `json:"num_speakers,omitempty"`
	PCMBase64    *string `json:"pcm_base64,omitempty"` // little-endian int16
}

// frameResponse ответ процесса инференса
type frameResponse struct {
	Type    string      `json:"type"` // ready | probs | error
	Probs   [][]float32 `json:"probs,omitempty"`
	Message *string     `json:"message,omitempty"`
}

// SubprocessFrameModel гоняет инференс во внешнем процессе.
// Протокол: JSON-строки через stdin/stdout, stderr уходит в лог.
// Нужен для моделей, которые нельзя загрузить в этот процесс
// (CoreML, python-сервинг)
type SubprocessFrameModel struct {
	config  SubprocessFrameModelConfig
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	resps   chan frameResponse
	mu      sync.Mutex
	running bool
}

// NewSubprocessFrameModel запускает процесс инференса и ждёт готовности
func NewSubprocessFrameModel(config SubprocessFrameModelConfig) (*SubprocessFrameModel, error) {
	if _, err := os.Stat(config.BinaryPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("inference binary not found: %s", config.BinaryPath)
	}

	m := &SubprocessFrameModel{
		config: config,
		resps:  make(chan frameResponse, 4),
	}

	m.cmd = exec.Command(config.BinaryPath, config.Args...)

	var err error
	m.stdin, err = m.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	m.stdout, err = m.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	m.stderr, err = m.cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := m.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start subprocess: %w", err)
	}
	m.running = true

	go m.readStderr()
	go m.readResponses()

	if err := m.initialize(); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}

	log.Printf("SubprocessFrameModel initialized: %s", config.BinaryPath)
	return m, nil
}

// initialize отправляет init и ждёт ready
func (m *SubprocessFrameModel) initialize() error {
	cmd := frameCommand{
		Command:      "init",
		SampleRate:   &m.config.SampleRate,
		FrameSamples: &m.config.FrameSamples,
		NumSpeakers:  &m.config.NumSpeakers,
	}
	if err := m.sendCommand(cmd); err != nil {
		return err
	}

	timeout := time.After(m.config.StartTimeout)
	for {
		select {
		case resp := <-m.resps:
			switch resp.Type {
			case "ready":
				return nil
			case "error":
				return fmt.Errorf("subprocess init error: %s", respMessage(resp))
			}
		case <-timeout:
			return fmt.Errorf("initialization timeout")
		}
	}
}

// Step отправляет чанк и синхронно ждёт вероятности [кадры][спикеры]
func (m *SubprocessFrameModel) Step(chunk []int16) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil, fmt.Errorf("subprocess not running")
	}

	want := m.config.FrameSamples * m.config.FramesPerChunk
	if len(chunk) != want {
		return nil, fmt.Errorf("chunk must be %d samples, got %d", want, len(chunk))
	}

	// Выбрасываем ответы, оставшиеся от шагов, не дождавшихся результата
	for {
		select {
		case stale := <-m.resps:
			log.Printf("SubprocessFrameModel: discarding stale %s response", stale.Type)
			continue
		default:
		}
		break
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, chunk)
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())

	cmd := frameCommand{
		Command:   "step",
		PCMBase64: &encoded,
	}
	if err := m.sendCommand(cmd); err != nil {
		return nil, err
	}

	timeout := time.After(m.config.StepTimeout)
	for {
		select {
		case resp := <-m.resps:
			switch resp.Type {
			case "probs":
				if len(resp.Probs) != m.config.FramesPerChunk {
					return nil, fmt.Errorf("unexpected probs shape: %d frames, want %d",
						len(resp.Probs), m.config.FramesPerChunk)
				}
				return resp.Probs, nil
			case "error":
				return nil, fmt.Errorf("subprocess step error: %s", respMessage(resp))
			}
		case <-timeout:
			return nil, fmt.Errorf("step timeout after %s", m.config.StepTimeout)
		}
	}
}

// ResetState просит процесс сбросить состояние модели
func (m *SubprocessFrameModel) ResetState() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	if err := m.sendCommand(frameCommand{Command: "reset"}); err != nil {
		log.Printf("SubprocessFrameModel: reset failed: %v", err)
	}
}

// Name возвращает имя бэкенда
func (m *SubprocessFrameModel) Name() string {
	return "subprocess"
}

// Close останавливает процесс инференса
func (m *SubprocessFrameModel) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false

	m.sendCommand(frameCommand{Command: "exit"})

	if m.stdin != nil {
		m.stdin.Close()
	}
	if m.cmd != nil && m.cmd.Process != nil {
		m.cmd.Wait()
	}
	log.Printf("SubprocessFrameModel closed")
}

// sendCommand пишет команду JSON-строкой в stdin процесса
func (m *SubprocessFrameModel) sendCommand(cmd frameCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	if _, err := m.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

// readResponses читает ответы из stdout в канал
func (m *SubprocessFrameModel) readResponses() {
	scanner := bufio.NewScanner(m.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var resp frameResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			log.Printf("SubprocessFrameModel: failed to parse response: %v", err)
			continue
		}
		select {
		case m.resps <- resp:
		default:
			log.Printf("SubprocessFrameModel: response queue full, dropping %s", resp.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("SubprocessFrameModel: scanner error: %v", err)
	}
}

// readStderr переносит stderr процесса в лог
func (m *SubprocessFrameModel) readStderr() {
	scanner := bufio.NewScanner(m.stderr)
	for scanner.Scan() {
		log.Printf("[frame-model] %s", scanner.Text())
	}
}

func respMessage(resp frameResponse) string {
	if resp.Message != nil {
		return *resp.Message
	}
	return "unknown error"
}
