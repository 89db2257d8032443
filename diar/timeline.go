package diar

import (
	"log"
	"sync"
)

// Timeline упорядоченная последовательность закоммиченных интервалов
// сессии. Только дописывается; периодически вытесняет старые интервалы,
// чтобы ограничить охват по сэмплам.
type Timeline struct {
	mu        sync.RWMutex
	intervals []Interval
	maxSpan   int64 // максимальный охват в сэмплах, 0 = без ограничения
	maxEnd    int64 // самый правый закоммиченный сэмпл
}

// NewTimeline создаёт таймлайн с ограничением охвата
func NewTimeline(maxSpanSamples int64) *Timeline {
	return &Timeline{maxSpan: maxSpanSamples}
}

// Append добавляет закоммиченный интервал. Интервалы обязаны идти в
// порядке неубывания начала; нарушители урезаются или отбрасываются.
func (t *Timeline) Append(iv Interval) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if iv.EndSample <= iv.StartSample {
		return
	}
	if n := len(t.intervals); n > 0 {
		last := t.intervals[n-1]
		if iv.StartSample < last.EndSample {
			if iv.EndSample <= last.EndSample {
				log.Printf("Timeline: dropping non-monotonic interval [%d:%d) %s", iv.StartSample, iv.EndSample, iv.Label)
				return
			}
			iv.StartSample = last.EndSample
		}
	}

	t.intervals = append(t.intervals, iv)
	if iv.EndSample > t.maxEnd {
		t.maxEnd = iv.EndSample
	}
	t.pruneLocked()
}

func (t *Timeline) pruneLocked() {
	if t.maxSpan <= 0 {
		return
	}
	cutoff := t.maxEnd - t.maxSpan
	drop := 0
	for drop < len(t.intervals) && t.intervals[drop].EndSample < cutoff {
		drop++
	}
	if drop > 0 {
		t.intervals = append(t.intervals[:0:0], t.intervals[drop:]...)
	}
}

// Query возвращает копию интервалов, пересекающих [startSample, endSample)
func (t *Timeline) Query(startSample, endSample int64) []Interval {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Interval
	for _, iv := range t.intervals {
		if iv.EndSample <= startSample {
			continue
		}
		if iv.StartSample >= endSample {
			break
		}
		out = append(out, iv)
	}
	return out
}

// MaxCommitted самый правый закоммиченный сэмпл (фронт диаризации)
func (t *Timeline) MaxCommitted() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxEnd
}

// Len текущее количество интервалов
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.intervals)
}

// Snapshot копия всего таймлайна
func (t *Timeline) Snapshot() []Interval {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Interval(nil), t.intervals...)
}

// Reset полностью очищает таймлайн
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.intervals = nil
	t.maxEnd = 0
}
