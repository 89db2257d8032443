package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"voxid/session"
)

// Tuning эмпирически подобранные пороги движка, вынесенные в YAML.
// Нулевое поле оставляет значение по умолчанию.
type Tuning struct {
	Stabilizer  StabilizerTuning  `yaml:"stabilizer"`
	Identity    IdentityTuning    `yaml:"identity"`
	Boundary    BoundaryTuning    `yaml:"boundary"`
	Attribution AttributionTuning `yaml:"attribution"`
	Session     SessionTuning     `yaml:"session"`
}

// StabilizerTuning пороги стабилизатора диаризации
type StabilizerTuning struct {
	MinConfidence     float32 `yaml:"min_confidence"`
	MinMargin         float32 `yaml:"min_margin"`
	OverlapRatio      float32 `yaml:"overlap_ratio"`
	SwitchFrames      int     `yaml:"switch_frames"`
	GapResetMs        int     `yaml:"gap_reset_ms"`
	MaxBacklogMs      int     `yaml:"max_backlog_ms"`
	CleanMinMs        int     `yaml:"clean_min_ms"`
	ReliableHorizonMs int     `yaml:"reliable_horizon_ms"`
	EmbedMinMs        int     `yaml:"embed_min_ms"`
	CentroidAlpha     float32 `yaml:"centroid_alpha"`
	CentroidMaxUpdate int     `yaml:"centroid_max_update"`
	TimelineMaxSpanMs int     `yaml:"timeline_max_span_ms"`
	RingMs            int     `yaml:"ring_ms"`
}

// IdentityTuning пороги привязки меток к личностям
type IdentityTuning struct {
	AcceptThreshold    float32 `yaml:"accept_threshold"`
	SwitchMargin       float32 `yaml:"switch_margin"`
	SwitchObservations int     `yaml:"switch_observations"`
	SwitchWindowMs     int     `yaml:"switch_window_ms"`
	MappingTTLMs       int     `yaml:"mapping_ttl_ms"`
}

// BoundaryTuning пороги детектора границ предложений
type BoundaryTuning struct {
	WindowMs     int     `yaml:"window_ms"`
	SilenceRMS   float64 `yaml:"silence_rms"`
	MinSilenceMs int     `yaml:"min_silence_ms"`
	MinSpeechMs  int     `yaml:"min_speech_ms"`
}

// AttributionTuning пороги атрибуции и разрезания предложений
type AttributionTuning struct {
	OverlapRatio   float32 `yaml:"overlap_ratio"`
	UncertainRatio float32 `yaml:"uncertain_ratio"`
	DominanceRatio float32 `yaml:"dominance_ratio"`
	SplitMinPartMs int     `yaml:"split_min_part_ms"`
	SplitCosineMax float32 `yaml:"split_cosine_max"`
	StitchGapMs    int     `yaml:"stitch_gap_ms"`
}

// SessionTuning тайминги оркестратора
type SessionTuning struct {
	DeferTTLMs      int `yaml:"defer_ttl_ms"`
	FlushIntervalMs int `yaml:"flush_interval_ms"`
	DrainTimeoutMs  int `yaml:"drain_timeout_ms"`
	PatchWindowMs   int `yaml:"patch_window_ms"`

	// Указатель, чтобы явный false отличался от незаданного
	AutoUpdatePrints   *bool   `yaml:"auto_update_prints"`
	AutoUpdateMinScore float32 `yaml:"auto_update_min_score"`
}

// LoadTuning читает файл тюнинга. Пустой путь означает дефолты,
// возвращается nil без ошибки.
func LoadTuning(path string) (*Tuning, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tuning file: %w", err)
	}
	defer f.Close()

	var t Tuning
	if err := yaml.NewDecoder(f).Decode(&t); err != nil {
		return nil, fmt.Errorf("parse tuning file: %w", err)
	}
	return &t, nil
}

// EngineConfig строит конфигурацию движка: дефолты плюс ненулевые
// значения тюнинга поверх. Вызов на nil даёт чистые дефолты.
func (t *Tuning) EngineConfig() session.EngineConfig {
	cfg := session.DefaultEngineConfig()
	if t == nil {
		return cfg
	}

	s := t.Stabilizer
	if s.MinConfidence > 0 {
		cfg.Stabilizer.MinConfidence = s.MinConfidence
	}
	if s.MinMargin > 0 {
		cfg.Stabilizer.MinMargin = s.MinMargin
	}
	if s.OverlapRatio > 0 {
		cfg.Stabilizer.OverlapRatio = s.OverlapRatio
	}
	if s.SwitchFrames > 0 {
		cfg.Stabilizer.SwitchFrames = s.SwitchFrames
	}
	if s.GapResetMs > 0 {
		cfg.Stabilizer.GapResetMs = s.GapResetMs
	}
	if s.MaxBacklogMs > 0 {
		cfg.Stabilizer.MaxBacklogMs = s.MaxBacklogMs
	}
	if s.CleanMinMs > 0 {
		cfg.Stabilizer.CleanMinMs = s.CleanMinMs
	}
	if s.ReliableHorizonMs > 0 {
		cfg.Stabilizer.ReliableHorizonMs = s.ReliableHorizonMs
	}
	if s.EmbedMinMs > 0 {
		cfg.Stabilizer.EmbedMinMs = s.EmbedMinMs
	}
	if s.CentroidAlpha > 0 {
		cfg.Stabilizer.CentroidAlpha = s.CentroidAlpha
	}
	if s.CentroidMaxUpdate > 0 {
		cfg.Stabilizer.CentroidMaxUpdate = s.CentroidMaxUpdate
	}
	if s.TimelineMaxSpanMs > 0 {
		cfg.Stabilizer.TimelineMaxSpanMs = s.TimelineMaxSpanMs
	}
	if s.RingMs > 0 {
		cfg.Stabilizer.RingMs = s.RingMs
	}

	id := t.Identity
	if id.AcceptThreshold > 0 {
		cfg.Resolver.AcceptThreshold = id.AcceptThreshold
	}
	if id.SwitchMargin > 0 {
		cfg.Resolver.SwitchMargin = id.SwitchMargin
	}
	if id.SwitchObservations > 0 {
		cfg.Resolver.SwitchObservations = id.SwitchObservations
	}
	if id.SwitchWindowMs > 0 {
		cfg.Resolver.SwitchWindowMs = id.SwitchWindowMs
	}
	if id.MappingTTLMs > 0 {
		cfg.Resolver.MappingTTLMs = id.MappingTTLMs
	}

	b := t.Boundary
	if b.WindowMs > 0 {
		cfg.Boundary.WindowMs = b.WindowMs
	}
	if b.SilenceRMS > 0 {
		cfg.Boundary.SilenceRMS = b.SilenceRMS
	}
	if b.MinSilenceMs > 0 {
		cfg.Boundary.MinSilenceMs = b.MinSilenceMs
	}
	if b.MinSpeechMs > 0 {
		cfg.Boundary.MinSpeechMs = b.MinSpeechMs
	}

	a := t.Attribution
	if a.OverlapRatio > 0 {
		cfg.OverlapRatio = a.OverlapRatio
	}
	if a.UncertainRatio > 0 {
		cfg.UncertainRatio = a.UncertainRatio
	}
	if a.DominanceRatio > 0 {
		cfg.DominanceRatio = a.DominanceRatio
	}
	if a.SplitMinPartMs > 0 {
		cfg.SplitMinPartMs = a.SplitMinPartMs
	}
	if a.SplitCosineMax > 0 {
		cfg.SplitCosineMax = a.SplitCosineMax
	}
	if a.StitchGapMs > 0 {
		cfg.StitchGapMs = a.StitchGapMs
	}

	ses := t.Session
	if ses.DeferTTLMs > 0 {
		cfg.DeferTTL = time.Duration(ses.DeferTTLMs) * time.Millisecond
	}
	if ses.FlushIntervalMs > 0 {
		cfg.FlushInterval = time.Duration(ses.FlushIntervalMs) * time.Millisecond
	}
	if ses.DrainTimeoutMs > 0 {
		cfg.DrainTimeout = time.Duration(ses.DrainTimeoutMs) * time.Millisecond
	}
	if ses.PatchWindowMs > 0 {
		cfg.PatchWindowMs = ses.PatchWindowMs
	}
	if ses.AutoUpdatePrints != nil {
		cfg.AutoUpdatePrints = *ses.AutoUpdatePrints
	}
	if ses.AutoUpdateMinScore > 0 {
		cfg.AutoUpdateMinScore = ses.AutoUpdateMinScore
	}

	return cfg
}
