// Package ai предоставляет модели диаризации и распознавания голоса.
// Все модели работают с PCM16 mono 16kHz и скрывают за интерфейсами
// конкретный бэкенд инференса (onnxruntime, sherpa-onnx, внешний процесс).
package ai

import (
	"fmt"
)

// FrameModel интерфейс потоковой модели диаризации.
// Модель принимает чанки аудио строго по порядку и возвращает для каждого
// кадра чанка вектор вероятностей активности локальных спикеров.
type FrameModel interface {
	// Step обрабатывает ровно один чанк PCM16 (FramesPerChunk * FrameSamples сэмплов)
	// и возвращает матрицу [кадры][спикеры] вероятностей
	Step(chunk []int16) ([][]float32, error)

	// ResetState сбрасывает внутреннее состояние модели
	// Вызывается после разрыва аудио-потока или переполнения очереди
	ResetState()

	// Close освобождает ресурсы модели
	Close()

	// Name возвращает имя бэкенда (для логирования)
	Name() string
}

// Encoder интерфейс модели speaker embedding
type Encoder interface {
	// Embed извлекает нормализованный вектор голоса из PCM16 аудио
	Embed(pcm []int16) ([]float32, error)

	// Close освобождает ресурсы
	Close()

	// Name возвращает имя бэкенда (для логирования)
	Name() string
}

// Backend тип бэкенда модели
type Backend string

const (
	// BackendONNX - модель через onnxruntime
	BackendONNX Backend = "onnx"
	// BackendSherpa - модель через sherpa-onnx
	BackendSherpa Backend = "sherpa"
	// BackendSubprocess - внешний процесс инференса (JSON через stdin/stdout)
	BackendSubprocess Backend = "subprocess"
	// BackendStub - детерминированная заглушка для тестов и разработки
	BackendStub Backend = "stub"
)

// FrameModelConfig конфигурация для создания модели диаризации
type FrameModelConfig struct {
	Backend        Backend // тип бэкенда
	ModelPath      string  // путь к сегментационной модели
	EmbeddingPath  string  // путь к модели эмбеддингов (нужна sherpa для кластеризации)
	BinaryPath     string  // путь к бинарнику инференса (для subprocess)
	SampleRate     int     // частота дискретизации
	FrameSamples   int     // сэмплов в одном кадре
	FramesPerChunk int     // кадров в одном чанке
	NumSpeakers    int     // максимум локальных спикеров
	NumThreads     int     // количество потоков инференса
	Provider       string  // ONNX provider: cpu, cuda, coreml, auto
}

// EncoderConfig конфигурация для создания энкодера голоса
type EncoderConfig struct {
	Backend    Backend // тип бэкенда
	ModelPath  string  // путь к модели эмбеддингов
	SampleRate int
	NumThreads int
	Provider   string
}

// NewFrameModel создаёт модель диаризации нужного бэкенда
func NewFrameModel(cfg FrameModelConfig) (FrameModel, error) {
	switch cfg.Backend {
	case BackendONNX:
		mcfg := DefaultOnnxFrameModelConfig(cfg.ModelPath)
		applyFrameGeometry(&mcfg.SampleRate, &mcfg.FrameSamples, &mcfg.FramesPerChunk, &mcfg.NumSpeakers, cfg)
		return NewOnnxFrameModel(mcfg)

	case BackendSherpa:
		mcfg := DefaultSherpaFrameModelConfig(cfg.ModelPath, cfg.EmbeddingPath)
		applyFrameGeometry(&mcfg.SampleRate, &mcfg.FrameSamples, &mcfg.FramesPerChunk, &mcfg.NumSpeakers, cfg)
		if cfg.NumThreads > 0 {
			mcfg.NumThreads = cfg.NumThreads
		}
		if cfg.Provider != "" {
			mcfg.Provider = cfg.Provider
		}
		return NewSherpaFrameModel(mcfg)

	case BackendSubprocess:
		mcfg := DefaultSubprocessFrameModelConfig(cfg.BinaryPath)
		applyFrameGeometry(&mcfg.SampleRate, &mcfg.FrameSamples, &mcfg.FramesPerChunk, &mcfg.NumSpeakers, cfg)
		return NewSubprocessFrameModel(mcfg)

	case BackendStub:
		mcfg := DefaultStubFrameModelConfig()
		applyFrameGeometry(&mcfg.SampleRate, &mcfg.FrameSamples, &mcfg.FramesPerChunk, &mcfg.NumSpeakers, cfg)
		return NewStubFrameModel(mcfg), nil

	default:
		return nil, fmt.Errorf("unsupported frame model backend: %s", cfg.Backend)
	}
}

// NewEncoder создаёт энкодер голоса нужного бэкенда
func NewEncoder(cfg EncoderConfig) (Encoder, error) {
	switch cfg.Backend {
	case BackendONNX:
		ecfg := DefaultSpeakerEncoderConfig(cfg.ModelPath)
		if cfg.SampleRate > 0 {
			ecfg.SampleRate = cfg.SampleRate
		}
		return NewSpeakerEncoder(ecfg)

	case BackendSherpa:
		ecfg := DefaultSherpaEncoderConfig(cfg.ModelPath)
		if cfg.SampleRate > 0 {
			ecfg.SampleRate = cfg.SampleRate
		}
		if cfg.NumThreads > 0 {
			ecfg.NumThreads = cfg.NumThreads
		}
		if cfg.Provider != "" {
			ecfg.Provider = cfg.Provider
		}
		return NewSherpaEncoder(ecfg)

	case BackendStub:
		return NewStubEncoder(DefaultStubEncoderConfig()), nil

	default:
		return nil, fmt.Errorf("unsupported encoder backend: %s", cfg.Backend)
	}
}

// applyFrameGeometry переносит ненулевые геометрические параметры из общей
// конфигурации в конфигурацию конкретного бэкенда
func applyFrameGeometry(sampleRate, frameSamples, framesPerChunk, numSpeakers *int, cfg FrameModelConfig) {
	if cfg.SampleRate > 0 {
		*sampleRate = cfg.SampleRate
	}
	if cfg.FrameSamples > 0 {
		*frameSamples = cfg.FrameSamples
	}
	if cfg.FramesPerChunk > 0 {
		*framesPerChunk = cfg.FramesPerChunk
	}
	if cfg.NumSpeakers > 0 {
		*numSpeakers = cfg.NumSpeakers
	}
}

// pcm16ToFloat32 конвертирует PCM16 сэмплы в float32 [-1, 1]
func pcm16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}
