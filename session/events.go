package session

import (
	"encoding/json"
	"io"
	"log"
	"sync"
)

// SentenceEvent событие предложения для внешнего потребителя.
// Correction означает повторную атрибуцию уже выданного сегмента:
// потребитель заменяет предыдущую версию по SegmentID.
type SentenceEvent struct {
	Seq          int64   `json:"seq"`
	SegmentID    string  `json:"segmentId"`
	Text         string  `json:"text"`
	SpeakerLabel string  `json:"speakerLabel"`
	Identity     string  `json:"identity,omitempty"`
	Known        bool    `json:"known"`
	Confidence   float32 `json:"confidence"`
	Coverage     float32 `json:"coverage"`
	IsFinal      bool    `json:"isFinal"`
	OverlapFlag  bool    `json:"overlapFlag"`
	Uncertain    bool    `json:"uncertain"`
	Correction   bool    `json:"correction,omitempty"`
	StartMs      int64   `json:"startMs"`
	EndMs        int64   `json:"endMs"`
}

// DiarSegmentEvent событие закоммиченного интервала диаризации
type DiarSegmentEvent struct {
	Seq          int64   `json:"seq"`
	StartMs      int64   `json:"startMs"`
	EndMs        int64   `json:"endMs"`
	SpeakerLabel string  `json:"speakerLabel"`
	Confidence   float32 `json:"confidence"`
	Overlap      string  `json:"overlap,omitempty"`
}

// Sink потребитель событий движка. Вызовы строго упорядочены по Seq
// внутри сессии и идут из внутренних горутин движка: реализация не
// должна блокировать надолго.
type Sink interface {
	OnSentence(ev SentenceEvent)
	OnDiarSegment(ev DiarSegmentEvent)
}

// NullSink молча глотает события
type NullSink struct{}

func (NullSink) OnSentence(SentenceEvent)       {}
func (NullSink) OnDiarSegment(DiarSegmentEvent) {}

// JSONLSink пишет события строками JSON: {"event": "...", "data": {...}}
type JSONLSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLSink создаёт sink поверх произвольного writer (stdout, файл)
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

func (s *JSONLSink) OnSentence(ev SentenceEvent) {
	s.write("sentence", ev)
}

func (s *JSONLSink) OnDiarSegment(ev DiarSegmentEvent) {
	s.write("diar_segment", ev)
}

type jsonlRecord struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

func (s *JSONLSink) write(event string, data interface{}) {
	line, err := json.Marshal(jsonlRecord{Event: event, Data: data})
	if err != nil {
		log.Printf("JSONLSink: marshal failed: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		log.Printf("JSONLSink: write failed: %v", err)
	}
}

// FanoutSink рассылает события нескольким потребителям в порядке
// добавления
type FanoutSink struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewFanoutSink создаёт рассылку по указанным потребителям
func NewFanoutSink(sinks ...Sink) *FanoutSink {
	return &FanoutSink{sinks: sinks}
}

// Add подключает ещё одного потребителя
func (f *FanoutSink) Add(s Sink) {
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
}

func (f *FanoutSink) OnSentence(ev SentenceEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sinks {
		s.OnSentence(ev)
	}
}

func (f *FanoutSink) OnDiarSegment(ev DiarSegmentEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sinks {
		s.OnDiarSegment(ev)
	}
}
