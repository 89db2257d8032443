package session

import (
	"log"
	"time"

	"voxid/diar"
)

// maxPending предел очереди отложенных сегментов: переполнение
// разрешается немедленно вместо накопления задержки
const maxPending = 64

// pendingEntry финализированный сегмент, ждущий, пока диаризация
// догонит его диапазон
type pendingEntry struct {
	seg      TranscriptSegment
	deadline time.Time
}

// flushLoop фоновый цикл отложенного разрешения. Просыпается на свежем
// выводе диаризации или по таймеру и дожимает очередь; заодно
// сбрасывает залежавшуюся склейку.
func (e *Engine) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-e.flushWake:
		case <-ticker.C:
		}
		e.flushPending(false)
		e.flushStaleHeld()
	}
}

// flushPending разрешает отложенные сегменты, чей диапазон уже
// обработан моделью, и дожимает просроченные с тем покрытием, какое
// есть. force разрешает всё немедленно (остановка сессии).
func (e *Engine) flushPending(force bool) {
	processed := e.stab.Processed()
	now := time.Now()

	e.mu.Lock()
	var ready, expired []TranscriptSegment
	kept := e.pending[:0]
	for _, p := range e.pending {
		switch {
		case force || processed >= diar.MsToSamples(p.seg.EndMs):
			ready = append(ready, p.seg)
		case now.After(p.deadline):
			expired = append(expired, p.seg)
		default:
			kept = append(kept, p)
		}
	}
	e.pending = kept
	e.mu.Unlock()

	for _, seg := range ready {
		e.resolveSegment(seg)
	}
	for _, seg := range expired {
		log.Printf("Engine: deferral expired for %s, emitting best effort", seg.ID)
		e.resolveSegment(seg)
	}
}

// deferSegment ставит сегмент в очередь отложенного разрешения
func (e *Engine) deferSegment(seg TranscriptSegment) {
	e.mu.Lock()
	e.pending = append(e.pending, pendingEntry{
		seg:      seg,
		deadline: time.Now().Add(e.cfg.DeferTTL),
	})
	overflow := len(e.pending) > maxPending
	if overflow {
		// старейший уходит немедленно, очередь остаётся ограниченной
		oldest := e.pending[0].seg
		e.pending = append(e.pending[:0], e.pending[1:]...)
		e.mu.Unlock()
		log.Printf("Engine: pending queue full, resolving %s immediately", oldest.ID)
		e.resolveSegment(oldest)
		return
	}
	e.mu.Unlock()
}

// flushStaleHeld выдаёт склейку, к которой давно не приходило
// продолжение
func (e *Engine) flushStaleHeld() {
	hold := time.Duration(e.cfg.StitchGapMs) * time.Millisecond
	e.mu.Lock()
	if e.held != nil && time.Since(e.heldAt) > hold {
		sent := *e.held
		e.held = nil
		e.deliverLocked(sent, false)
	}
	e.mu.Unlock()
}
