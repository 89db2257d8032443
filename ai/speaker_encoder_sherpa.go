package ai

import (
	"fmt"
	"log"
	"os"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
)

// SherpaEncoderConfig конфигурация sherpa-onnx энкодера голоса
type SherpaEncoderConfig struct {
	ModelPath  string
	SampleRate int
	NumThreads int
	Provider   string // cpu, cuda, coreml, auto
}

// DefaultSherpaEncoderConfig возвращает конфигурацию по умолчанию
func DefaultSherpaEncoderConfig(modelPath string) SherpaEncoderConfig {
	return SherpaEncoderConfig{
		ModelPath:  modelPath,
		SampleRate: 16000,
		NumThreads: 2,
		Provider:   "auto",
	}
}

// SherpaEncoder извлекает вектор голоса через sherpa-onnx.
// Подходит для wespeaker и 3dspeaker моделей
type SherpaEncoder struct {
	config      SherpaEncoderConfig
	extractor   *sherpa.SpeakerEmbeddingExtractor
	mu          sync.Mutex
	initialized bool
}

// NewSherpaEncoder создаёт энкодер на базе sherpa-onnx
func NewSherpaEncoder(config SherpaEncoderConfig) (*SherpaEncoder, error) {
	if _, err := os.Stat(config.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", config.ModelPath)
	}

	provider := config.Provider
	if provider == "auto" || provider == "" {
		provider = detectBestProvider()
	}

	extractorConfig := sherpa.SpeakerEmbeddingExtractorConfig{
		Model:      config.ModelPath,
		NumThreads: config.NumThreads,
		Debug:      0,
		Provider:   provider,
	}

	extractor := sherpa.NewSpeakerEmbeddingExtractor(&extractorConfig)
	if extractor == nil {
		if provider != "cpu" {
			log.Printf("SherpaEncoder: %s provider failed, falling back to CPU", provider)
			extractorConfig.Provider = "cpu"
			extractor = sherpa.NewSpeakerEmbeddingExtractor(&extractorConfig)
		}
		if extractor == nil {
			return nil, fmt.Errorf("failed to create sherpa-onnx embedding extractor")
		}
	}

	log.Printf("SherpaEncoder initialized: model=%s, dim=%d", config.ModelPath, extractor.Dim())

	return &SherpaEncoder{
		config:      config,
		extractor:   extractor,
		initialized: true,
	}, nil
}

// Embed извлекает нормализованный вектор голоса из PCM16 аудио
func (e *SherpaEncoder) Embed(pcm []int16) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil, fmt.Errorf("encoder not initialized")
	}
	if len(pcm) < e.config.SampleRate/10 {
		return nil, fmt.Errorf("audio too short: %d samples", len(pcm))
	}

	stream := e.extractor.CreateStream()
	if stream == nil {
		return nil, fmt.Errorf("failed to create stream")
	}
	defer sherpa.DeleteOnlineStream(stream)

	stream.AcceptWaveform(e.config.SampleRate, pcm16ToFloat32(pcm))
	stream.InputFinished()

	if !e.extractor.IsReady(stream) {
		return nil, fmt.Errorf("not enough audio for embedding")
	}

	embedding := e.extractor.Compute(stream)
	if len(embedding) == 0 {
		return nil, fmt.Errorf("extractor returned empty embedding")
	}

	return normalizeVector(embedding), nil
}

// Name возвращает имя бэкенда
func (e *SherpaEncoder) Name() string {
	return "sherpa"
}

// Close освобождает ресурсы
func (e *SherpaEncoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.extractor != nil {
		sherpa.DeleteSpeakerEmbeddingExtractor(e.extractor)
		e.extractor = nil
	}
	e.initialized = false
}
