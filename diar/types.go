// Package diar реализует стриминговую стабилизацию диаризации:
// выравнивание непрерывного аудиопотока в чанки фиксированного размера,
// гистерезисное сглаживание покадровых вероятностей модели и сборку
// непрерывных интервалов спикеров с переносом через границы чанков.
package diar

import "fmt"

// SampleRate частота дискретизации движка (PCM16 mono)
const SampleRate = 16000

// OverlapFlag степень наложения речи в интервале
type OverlapFlag string

const (
	OverlapNone     OverlapFlag = "none"
	OverlapPossible OverlapFlag = "possible"
	OverlapDefinite OverlapFlag = "definite"
)

// LabelUncertain метка кадров, где модель не дала уверенного спикера
const LabelUncertain = "uncertain"

// SpeakerLabel непрозрачная метка спикера по индексу модели.
// Метка стабильна только внутри окна непрерывности: после сброса
// состояния модель может переиспользовать индексы для других голосов.
func SpeakerLabel(idx int) string {
	return fmt.Sprintf("spk_%d", idx)
}

// Interval закоммиченный интервал одного спикера на таймлайне сессии
type Interval struct {
	StartSample int64       `json:"startSample"` // абсолютный сэмпл начала
	EndSample   int64       `json:"endSample"`   // абсолютный сэмпл конца (не включая)
	Label       string      `json:"label"`       // spk_N или uncertain
	Confidence  float32     `json:"confidence"`  // средняя top-вероятность кадров
	Overlap     OverlapFlag `json:"overlap"`
}

// DurationSamples длительность интервала в сэмплах
func (iv Interval) DurationSamples() int64 {
	return iv.EndSample - iv.StartSample
}

// StartMs начало интервала в миллисекундах от старта сессии
func (iv Interval) StartMs() int64 {
	return iv.StartSample * 1000 / SampleRate
}

// EndMs конец интервала в миллисекундах
func (iv Interval) EndMs() int64 {
	return iv.EndSample * 1000 / SampleRate
}

// StabilizerConfig параметры стабилизатора. Пороги подобраны
// эмпирически и вынесены в конфигурацию как настраиваемые.
type StabilizerConfig struct {
	FrameSamples   int `json:"frameSamples"`   // кадр модели (80 мс = 1280 сэмплов)
	FramesPerChunk int `json:"framesPerChunk"` // кадров в одном инференсе (16 = 1.28 с)
	NumSpeakers    int `json:"numSpeakers"`    // размер вектора вероятностей модели

	MinConfidence float32 `json:"minConfidence"` // минимальная top-вероятность уверенного кадра
	MinMargin     float32 `json:"minMargin"`     // минимальный отрыв от второго спикера
	OverlapRatio  float32 `json:"overlapRatio"`  // доля MinConfidence, выше которой второй спикер означает definite overlap
	SwitchFrames  int     `json:"switchFrames"`  // K подряд уверенных кадров для смены стабильного спикера

	GapResetMs   int `json:"gapResetMs"`   // разрыв во входном потоке больше порога -> полный сброс
	MaxBacklogMs int `json:"maxBacklogMs"` // необработанный бэклог больше порога -> drop + realign + reset модели

	CleanMinMs        int     `json:"cleanMinMs"`        // минимальная длина чистого сегмента для трека
	ReliableHorizonMs int     `json:"reliableHorizonMs"` // хвост, из которого собирается чистое аудио
	EmbedMinMs        int     `json:"embedMinMs"`        // сколько чистого аудио нужно для эмбеддинга
	CentroidAlpha     float32 `json:"centroidAlpha"`     // вес нового эмбеддинга в EMA центроида
	CentroidMaxUpdate int     `json:"centroidMaxUpdate"` // максимум обновлений центроида трека
	TrackBufMaxMs     int     `json:"trackBufMaxMs"`     // ёмкость буфера чистого аудио трека

	TimelineMaxSpanMs int `json:"timelineMaxSpanMs"` // охват таймлайна, старые интервалы вытесняются
	RingMs            int `json:"ringMs"`            // скользящее окно сырого аудио
}

// DefaultStabilizerConfig значения по умолчанию
func DefaultStabilizerConfig() StabilizerConfig {
	return StabilizerConfig{
		FrameSamples:   1280,
		FramesPerChunk: 16,
		NumSpeakers:    4,

		MinConfidence: 0.50,
		MinMargin:     0.20,
		OverlapRatio:  0.75,
		SwitchFrames:  3,

		GapResetMs:   1000,
		MaxBacklogMs: 10000,

		CleanMinMs:        600,
		ReliableHorizonMs: 10000,
		EmbedMinMs:        1500,
		CentroidAlpha:     0.3,
		CentroidMaxUpdate: 10,
		TrackBufMaxMs:     10000,

		TimelineMaxSpanMs: 300000,
		RingMs:            20000,
	}
}

// ChunkSamples размер одного чанка инференса в сэмплах
func (c *StabilizerConfig) ChunkSamples() int {
	return c.FrameSamples * c.FramesPerChunk
}

func msToSamples(ms int) int64 {
	return int64(ms) * SampleRate / 1000
}

// SamplesToMs перевод сэмплов в миллисекунды
func SamplesToMs(samples int64) int64 {
	return samples * 1000 / SampleRate
}

// MsToSamples перевод миллисекунд в сэмплы
func MsToSamples(ms int64) int64 {
	return ms * SampleRate / 1000
}
