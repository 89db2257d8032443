package session

import (
	"time"

	"voxid/diar"
	"voxid/voiceprint"
)

// EngineState состояние сессионного движка
type EngineState string

const (
	StateNotStarted EngineState = "not_started"
	StateStreaming  EngineState = "streaming"
	StateStopped    EngineState = "stopped"
)

// TranscriptWord слово с точными таймстемпами от внешнего распознавателя
type TranscriptWord struct {
	StartMs    int64  `json:"startMs"`
	EndMs      int64  `json:"endMs"`
	Text       string `json:"text"`
	SpeakerTag string `json:"speakerTag,omitempty"` // подсказка распознавателя, может отсутствовать
}

// TranscriptSegment фрагмент текста от внешнего распознавателя.
// Движок не управляет его таймингом: промежуточные (Final=false)
// версии приходят и заменяются по одному ID, финальная закрывает
// сегмент навсегда.
type TranscriptSegment struct {
	ID      string           `json:"id"`
	Text    string           `json:"text"`
	StartMs int64            `json:"startMs"`
	EndMs   int64            `json:"endMs"`
	Final   bool             `json:"final"`
	Words   []TranscriptWord `json:"words,omitempty"`
}

// DurationMs длительность сегмента
func (s TranscriptSegment) DurationMs() int64 {
	return s.EndMs - s.StartMs
}

// SpeakerSentence предложение с назначенным спикером
type SpeakerSentence struct {
	SegmentID  string  `json:"segmentId"`
	Text       string  `json:"text"`
	StartMs    int64   `json:"startMs"`
	EndMs      int64   `json:"endMs"`
	Speaker    string  `json:"speaker"`            // отображаемое имя: участник, Speaker N, overlap, uncertain
	Identity   string  `json:"identity,omitempty"` // UUID участника или анонимной личности
	Known      bool    `json:"known"`
	Confidence float32 `json:"confidence"`
	Coverage   float32 `json:"coverage"`
	Overlap    bool    `json:"overlap"`
	Uncertain  bool    `json:"uncertain"`
	Final      bool    `json:"final"`
	DiarLabel  string  `json:"diarLabel,omitempty"` // непрозрачная метка диаризации (spk_N)
}

// SpeakerStat говорильная статистика одного спикера за сессию
type SpeakerStat struct {
	Identity     string `json:"identity,omitempty"`
	DisplayName  string `json:"displayName"`
	Known        bool   `json:"known"`
	SegmentCount int    `json:"segmentCount"`
	TotalMs      int64  `json:"totalMs"`
}

// Summary итог остановленной сессии
type Summary struct {
	SessionID     string        `json:"sessionId"`
	StartedAt     time.Time     `json:"startedAt"`
	StoppedAt     time.Time     `json:"stoppedAt"`
	AudioMs       int64         `json:"audioMs"` // сколько аудио принято
	SentenceCount int           `json:"sentenceCount"`
	Resets        int           `json:"resets"`
	Speakers      []SpeakerStat `json:"speakers"`
}

// EngineConfig конфигурация сессионного движка. Пороги атрибуции
// подобраны эмпирически и вынесены в конфиг как tunables, а не как
// требование корректности.
type EngineConfig struct {
	Stabilizer diar.StabilizerConfig
	Resolver   voiceprint.ResolverConfig
	Boundary   BoundaryConfig

	// Атрибуция предложений по покрытию таймлайна
	OverlapRatio   float32 // доля наложения в покрытии для вердикта overlap
	UncertainRatio float32 // доля неопределённости для вердикта uncertain
	DominanceRatio float32 // минимальная доля доминирующего спикера от длины предложения

	// Разрезание предложения на смене спикера
	SplitMinPartMs int     // минимум на каждую половину
	SplitCosineMax float32 // половины остаются разрезанными только при сходстве ниже

	// Склейка соседних реплик одного голоса
	StitchGapMs int // пауза между репликами не больше этого

	// Отложенное разрешение: задержка модели плюс запас
	DeferTTL      time.Duration
	FlushInterval time.Duration
	DrainTimeout  time.Duration // ожидание хвоста эмбеддингов при остановке

	// Повторная атрибуция задним числом
	PatchWindowMs int // окно недавних предложений

	// Диаризация в отдельном воркере, чтобы приём аудио не ждал модель
	AsyncDiarization bool

	// Автообновление отпечатков уверенно узнанных участников
	AutoUpdatePrints   bool
	AutoUpdateMinScore float32
}

// DefaultEngineConfig возвращает конфигурацию по умолчанию.
// DeferTTL: чанк модели 1.28с плюс запас ~0.7с.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Stabilizer: diar.DefaultStabilizerConfig(),
		Resolver:   voiceprint.DefaultResolverConfig(),
		Boundary:   DefaultBoundaryConfig(),

		OverlapRatio:   0.5,
		UncertainRatio: 0.5,
		DominanceRatio: 0.5,

		SplitMinPartMs: 500,
		SplitCosineMax: 0.60,

		StitchGapMs: 1000,

		DeferTTL:      2 * time.Second,
		FlushInterval: 250 * time.Millisecond,
		DrainTimeout:  500 * time.Millisecond,

		PatchWindowMs: 10000,

		AsyncDiarization: true,

		AutoUpdatePrints:   true,
		AutoUpdateMinScore: voiceprint.ThresholdHigh,
	}
}
