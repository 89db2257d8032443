package ai

import (
	"fmt"
	"log"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	onnxInitMu      sync.Mutex
	onnxInitialized bool
)

// initONNXRuntime инициализирует ONNX Runtime (один раз на процесс)
func initONNXRuntime() error {
	onnxInitMu.Lock()
	defer onnxInitMu.Unlock()

	if onnxInitialized {
		return nil
	}

	// Путь к библиотеке из переменной окружения
	libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")

	// Если не задана, ищем рядом с исполняемым файлом
	if libPath == "" {
		searchPaths := []string{
			"./libonnxruntime.so",
			"./libonnxruntime.dylib",
			"./onnxruntime.dll",
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
		}
		for _, path := range searchPaths {
			if _, err := os.Stat(path); err == nil {
				libPath = path
				break
			}
		}
	}

	if libPath != "" {
		log.Printf("Using ONNX Runtime library: %s", libPath)
		ort.SetSharedLibraryPath(libPath)
	} else {
		log.Println("ONNX Runtime library not found, onnx backends will not be available")
		return fmt.Errorf("ONNX Runtime library not found")
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}

	onnxInitialized = true
	return nil
}

// OnnxFrameModelConfig конфигурация потоковой сегментационной модели
type OnnxFrameModelConfig struct {
	ModelPath      string
	SampleRate     int     // 16000
	FrameSamples   int     // сэмплов на кадр модели (80ms = 1280)
	FramesPerChunk int     // кадров в чанке
	NumSpeakers    int     // размер выходного вектора вероятностей
	ContextSamples int     // хвост предыдущего чанка, подаваемый вместе с новым
	StateShape     []int64 // форма рекуррентного состояния модели
}

// DefaultOnnxFrameModelConfig возвращает конфигурацию по умолчанию
func DefaultOnnxFrameModelConfig(modelPath string) OnnxFrameModelConfig {
	return OnnxFrameModelConfig{
		ModelPath:      modelPath,
		SampleRate:     16000,
		FrameSamples:   1280,
		FramesPerChunk: 16,
		NumSpeakers:    4,
		ContextSamples: 64,
		StateShape:     []int64{2, 1, 128},
	}
}

// OnnxFrameModel потоковая модель диаризации через onnxruntime.
// Контракт экспортированной модели:
//
//	inputs:  "input" [1, context+chunk] float32, "state" - рекуррентное состояние
//	outputs: "probs" [1, кадры, спикеры] float32, "stateN" - новое состояние
//
// Состояние и хвост аудио сохраняются между вызовами Step для streaming
type OnnxFrameModel struct {
	session *ort.DynamicAdvancedSession
	config  OnnxFrameModelConfig

	// Рекуррентное состояние модели
	state []float32

	// Последние ContextSamples сэмплов предыдущего чанка
	context []float32

	mu          sync.Mutex
	initialized bool
}

// NewOnnxFrameModel создаёт потоковую модель диаризации
func NewOnnxFrameModel(config OnnxFrameModelConfig) (*OnnxFrameModel, error) {
	if _, err := os.Stat(config.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", config.ModelPath)
	}
	if config.FrameSamples <= 0 || config.FramesPerChunk <= 0 || config.NumSpeakers <= 0 {
		return nil, fmt.Errorf("invalid frame geometry: %d x %d x %d",
			config.FrameSamples, config.FramesPerChunk, config.NumSpeakers)
	}

	if err := initONNXRuntime(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	inputNames := []string{"input", "state"}
	outputNames := []string{"probs", "stateN"}

	session, err := ort.NewDynamicAdvancedSession(
		config.ModelPath,
		inputNames,
		outputNames,
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	stateLen := int64(1)
	for _, d := range config.StateShape {
		stateLen *= d
	}

	m := &OnnxFrameModel{
		session:     session,
		config:      config,
		state:       make([]float32, stateLen),
		context:     make([]float32, config.ContextSamples),
		initialized: true,
	}

	log.Printf("OnnxFrameModel initialized: model=%s, frame=%d samples, chunk=%d frames, speakers=%d",
		config.ModelPath, config.FrameSamples, config.FramesPerChunk, config.NumSpeakers)
	return m, nil
}

// ResetState сбрасывает рекуррентное состояние и аудио-контекст
func (m *OnnxFrameModel) ResetState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state {
		m.state[i] = 0
	}
	for i := range m.context {
		m.context[i] = 0
	}
}

// Step обрабатывает один чанк PCM16 и возвращает вероятности [кадры][спикеры]
func (m *OnnxFrameModel) Step(chunk []int16) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("frame model not initialized")
	}

	want := m.config.FrameSamples * m.config.FramesPerChunk
	if len(chunk) != want {
		return nil, fmt.Errorf("chunk must be %d samples, got %d", want, len(chunk))
	}

	samples := pcm16ToFloat32(chunk)

	// Входной буфер: context + chunk
	ctxSize := len(m.context)
	inputData := make([]float32, ctxSize+len(samples))
	copy(inputData[:ctxSize], m.context)
	copy(inputData[ctxSize:], samples)

	// Контекст для следующего вызова
	if len(samples) >= ctxSize {
		copy(m.context, samples[len(samples)-ctxSize:])
	} else {
		copy(m.context, m.context[len(samples):])
		copy(m.context[ctxSize-len(samples):], samples)
	}

	inputShape := ort.NewShape(1, int64(len(inputData)))
	inputTensor, err := ort.NewTensor(inputShape, inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	stateShape := ort.NewShape(m.config.StateShape...)
	stateTensor, err := ort.NewTensor(stateShape, m.state)
	if err != nil {
		return nil, fmt.Errorf("failed to create state tensor: %w", err)
	}
	defer stateTensor.Destroy()

	outputs := []ort.Value{nil, nil}
	if err := m.session.Run([]ort.Value{inputTensor, stateTensor}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	probsData := outputs[0].(*ort.Tensor[float32]).GetData()
	stateN := outputs[1].(*ort.Tensor[float32]).GetData()
	copy(m.state, stateN)

	frames := m.config.FramesPerChunk
	speakers := m.config.NumSpeakers
	if len(probsData) < frames*speakers {
		return nil, fmt.Errorf("unexpected output size: %d, want %d", len(probsData), frames*speakers)
	}

	probs := make([][]float32, frames)
	for f := 0; f < frames; f++ {
		row := make([]float32, speakers)
		copy(row, probsData[f*speakers:(f+1)*speakers])
		probs[f] = row
	}

	return probs, nil
}

// Name возвращает имя бэкенда
func (m *OnnxFrameModel) Name() string {
	return "onnx"
}

// Close освобождает ресурсы модели
func (m *OnnxFrameModel) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	m.initialized = false
}
