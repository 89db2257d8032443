package ai

import (
	"fmt"
	"sync"
)

// StubFrameModelConfig конфигурация стаб-модели диаризации
type StubFrameModelConfig struct {
	SampleRate     int
	FrameSamples   int
	FramesPerChunk int
	NumSpeakers    int
	SilenceFloor   float64 // средняя амплитуда ниже - тишина
	BandWidth      float64 // ширина полосы амплитуды на одного спикера
}

// DefaultStubFrameModelConfig возвращает конфигурацию по умолчанию
func DefaultStubFrameModelConfig() StubFrameModelConfig {
	return StubFrameModelConfig{
		SampleRate:     16000,
		FrameSamples:   1280,
		FramesPerChunk: 16,
		NumSpeakers:    4,
		SilenceFloor:   50,
		BandWidth:      1000,
	}
}

// StubFrameModel детерминированная модель диаризации без внешних зависимостей.
// Кадр относится к спикеру по полосе средней амплитуды сигнала: полоса 0
// (до BandWidth) - спикер 0, следующая - спикер 1 и так далее. Тихие кадры
// дают равномерно низкие вероятности. Позволяет гонять весь конвейер без
// файлов моделей
type StubFrameModel struct {
	config StubFrameModelConfig
	mu     sync.Mutex
	steps  int
	resets int
}

// NewStubFrameModel создаёт стаб-модель
func NewStubFrameModel(config StubFrameModelConfig) *StubFrameModel {
	return &StubFrameModel{config: config}
}

// Step возвращает вероятности по амплитудным полосам кадров чанка
func (m *StubFrameModel) Step(chunk []int16) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := m.config.FrameSamples * m.config.FramesPerChunk
	if len(chunk) != want {
		return nil, fmt.Errorf("chunk must be %d samples, got %d", want, len(chunk))
	}
	m.steps++

	n := m.config.NumSpeakers
	rows := make([][]float32, m.config.FramesPerChunk)
	for f := range rows {
		frame := chunk[f*m.config.FrameSamples : (f+1)*m.config.FrameSamples]
		amp := meanAbs(frame)

		row := make([]float32, n)
		if amp < m.config.SilenceFloor {
			for i := range row {
				row[i] = 1.0 / float32(n)
			}
			rows[f] = row
			continue
		}

		band := int(amp / m.config.BandWidth)
		if band >= n {
			band = n - 1
		}
		rest := float32(0.08)
		if n > 1 {
			rest /= float32(n - 1)
		}
		for i := range row {
			row[i] = rest
		}
		row[band] = 0.92
		rows[f] = row
	}
	return rows, nil
}

// ResetState сбрасывает счётчики (модель без состояния)
func (m *StubFrameModel) ResetState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
}

// Steps возвращает количество обработанных чанков
func (m *StubFrameModel) Steps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps
}

// Resets возвращает количество сбросов состояния
func (m *StubFrameModel) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

// Name возвращает имя бэкенда
func (m *StubFrameModel) Name() string {
	return "stub"
}

// Close ничего не делает
func (m *StubFrameModel) Close() {}

// StubEncoderConfig конфигурация стаб-энкодера
type StubEncoderConfig struct {
	SampleRate   int
	Dim          int     // размерность выходного вектора
	SilenceFloor float64 // средняя амплитуда ниже - нет сигнала
	BandWidth    float64 // полоса амплитуды на одну координату
}

// DefaultStubEncoderConfig возвращает конфигурацию по умолчанию
func DefaultStubEncoderConfig() StubEncoderConfig {
	return StubEncoderConfig{
		SampleRate:   16000,
		Dim:          8,
		SilenceFloor: 50,
		BandWidth:    1000,
	}
}

// StubEncoder детерминированный энкодер голоса: амплитудная полоса сигнала
// превращается в единичный орт. Одинаковая полоса даёт косинус 1.0,
// разные полосы - 0.0
type StubEncoder struct {
	config StubEncoderConfig
}

// NewStubEncoder создаёт стаб-энкодер
func NewStubEncoder(config StubEncoderConfig) *StubEncoder {
	return &StubEncoder{config: config}
}

// Embed возвращает орт по амплитудной полосе аудио
func (e *StubEncoder) Embed(pcm []int16) ([]float32, error) {
	if len(pcm) < e.config.SampleRate/10 {
		return nil, fmt.Errorf("audio too short: %d samples", len(pcm))
	}

	amp := meanAbs(pcm)
	if amp < e.config.SilenceFloor {
		return nil, fmt.Errorf("no speech signal")
	}

	band := int(amp / e.config.BandWidth)
	if band >= e.config.Dim {
		band = e.config.Dim - 1
	}

	emb := make([]float32, e.config.Dim)
	emb[band] = 1.0
	return emb, nil
}

// Name возвращает имя бэкенда
func (e *StubEncoder) Name() string {
	return "stub"
}

// Close ничего не делает
func (e *StubEncoder) Close() {}

// meanAbs средняя абсолютная амплитуда PCM16 сигнала
func meanAbs(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum / float64(len(pcm))
}
