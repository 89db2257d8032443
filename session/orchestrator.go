// Package session собирает компоненты диаризации в один упорядоченный
// конвейер живой сессии: приём аудио, стабилизация интервалов,
// привязка личностей, атрибуция предложений и отложенное разрешение.
package session

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"voxid/ai"
	"voxid/diar"
	"voxid/voiceprint"
)

// embeddingUpdater реестр, умеющий вливать свежие эмбеддинги участников
type embeddingUpdater interface {
	UpdateEmbedding(id string, embedding []float32) error
}

// Engine движок одной живой сессии. Владеет всем изменяемым состоянием
// сессии монопольно: между сессиями ничего не разделяется. Модель и
// энкодер движку не принадлежат, их закрывает вызывающая сторона.
type Engine struct {
	cfg      EngineConfig
	id       string
	stab     *diar.Stabilizer
	encoder  ai.Encoder
	pool     *ai.EmbedPool
	resolver *voiceprint.Resolver
	updater  embeddingUpdater
	vad      *BoundaryDetector
	sink     Sink

	mu        sync.Mutex
	state     EngineState
	seq       int64
	startedAt time.Time
	highWater int64 // максимальный виденный абсолютный сэмпл
	resets    int
	sentences int
	pending   []pendingEntry
	recent    []SpeakerSentence // кольцо недавних для повторной атрибуции
	held      *SpeakerSentence  // слот склейки соседних реплик
	heldAt    time.Time
	stats     map[string]*SpeakerStat
	printSync map[string][]float32 // личность -> свежий центроид сессии

	stopChan  chan struct{}
	flushWake chan struct{}
	diarWake  chan struct{}
	wg        sync.WaitGroup
	embedWG   sync.WaitGroup
}

// NewEngine создаёт движок сессии. Модель диаризации обязательна,
// энкодер и реестр участников опциональны: без энкодера спикеры
// остаются анонимными, без реестра не узнаются известные голоса.
func NewEngine(model diar.FrameModel, encoder ai.Encoder, registry voiceprint.Registry, sink Sink, cfg EngineConfig) (*Engine, error) {
	if model == nil {
		return nil, fmt.Errorf("frame model is required")
	}
	if sink == nil {
		sink = NullSink{}
	}

	e := &Engine{
		cfg:       cfg,
		id:        uuid.New().String(),
		state:     StateNotStarted,
		encoder:   encoder,
		resolver:  voiceprint.NewResolver(voiceprint.NewMatcher(registry), cfg.Resolver),
		vad:       NewBoundaryDetector(cfg.Boundary),
		sink:      sink,
		stats:     make(map[string]*SpeakerStat),
		printSync: make(map[string][]float32),
		stopChan:  make(chan struct{}),
		flushWake: make(chan struct{}, 1),
		diarWake:  make(chan struct{}, 1),
	}
	e.stab = diar.NewStabilizer(model, cfg.Stabilizer)
	e.stab.SetOnReset(e.onDiarReset)

	if encoder != nil {
		e.pool = ai.NewEmbedPool(encoder, 1, 8)
	}
	if up, ok := registry.(embeddingUpdater); ok {
		e.updater = up
	}
	return e, nil
}

// ID идентификатор сессии
func (e *Engine) ID() string {
	return e.id
}

// State текущее состояние движка
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start переводит сессию в streaming и запускает фоновые циклы
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateNotStarted {
		return fmt.Errorf("session already %s", e.state)
	}
	e.state = StateStreaming
	e.startedAt = time.Now()

	e.wg.Add(1)
	go e.flushLoop()
	if e.cfg.AsyncDiarization {
		e.wg.Add(1)
		go e.diarWorker()
	}
	if e.pool != nil {
		e.embedWG.Add(1)
		go e.embedLoop()
	}
	log.Printf("Engine: session %s streaming", e.id)
	return nil
}

// ProcessAudio единственная точка входа аудио: выравнивание потока,
// поиск границ реплик и продвижение диаризации. Куски могут приходить
// с разрывами, перекрытиями и дубликатами.
func (e *Engine) ProcessAudio(pcm []int16, startSample int64) error {
	e.mu.Lock()
	if e.state != StateStreaming {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("session is %s, audio rejected", state)
	}
	e.mu.Unlock()

	e.stab.Push(pcm, startSample)

	end := startSample + int64(len(pcm))
	e.mu.Lock()
	if end > e.highWater {
		e.highWater = end
	}
	e.mu.Unlock()

	for _, b := range e.vad.Process(pcm, startSample) {
		e.noteBoundary(b)
	}

	if e.cfg.AsyncDiarization {
		select {
		case e.diarWake <- struct{}{}:
		default:
		}
	} else {
		e.drainDiar()
	}
	return nil
}

// ProcessTranscript принимает фрагмент текста от распознавателя.
// Финальный сегмент атрибутируется сразу, если модель уже обработала
// его диапазон, иначе откладывается до подхода диаризации.
func (e *Engine) ProcessTranscript(seg TranscriptSegment) error {
	e.mu.Lock()
	if e.state != StateStreaming {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("session is %s, transcript rejected", state)
	}
	e.mu.Unlock()

	if strings.TrimSpace(seg.Text) == "" {
		return nil
	}
	if seg.ID == "" {
		seg.ID = uuid.New().String()
	}

	if !seg.Final {
		// промежуточные версии уходят сразу с тем покрытием, какое есть
		e.emitSentence(e.attribute(seg))
		return nil
	}

	if e.stab.Processed() >= diar.MsToSamples(seg.EndMs) {
		e.resolveSegment(seg)
		return nil
	}
	e.deferSegment(seg)
	return nil
}

// Stop останавливает сессию: дожимает бэклог диаризации, закрывает
// открытый интервал, разрешает отложенные сегменты и возвращает итог
func (e *Engine) Stop() (*Summary, error) {
	e.mu.Lock()
	if e.state != StateStreaming {
		state := e.state
		e.mu.Unlock()
		return nil, fmt.Errorf("session is %s, nothing to stop", state)
	}
	e.state = StateStopped
	e.mu.Unlock()

	close(e.stopChan)
	e.wg.Wait()

	// хвост разговора не теряется: остаток бэклога и открытый интервал
	// коммитятся до разрешения отложенных сегментов
	e.drainDiar()
	e.handleStepResult(e.stab.Flush())

	if e.pool != nil {
		done := make(chan struct{})
		go func() {
			e.pool.Close()
			e.embedWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(e.cfg.DrainTimeout):
			log.Printf("Engine: embedding drain timed out")
		}
	}

	e.flushPending(true)

	e.mu.Lock()
	if e.held != nil {
		sent := *e.held
		e.held = nil
		e.deliverLocked(sent, false)
	}
	summary := e.summaryLocked()
	centroids := e.printSync
	e.printSync = make(map[string][]float32)
	e.mu.Unlock()

	e.syncPrints(centroids)

	log.Printf("Engine: session %s stopped, %d sentences, %d speakers",
		e.id, summary.SentenceCount, len(summary.Speakers))
	return summary, nil
}

// diarWorker гоняет инференс отдельно от приёма аудио, чтобы вход
// никогда не ждал модель
func (e *Engine) diarWorker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopChan:
			return
		case <-e.diarWake:
		}
		e.drainDiar()
	}
}

// drainDiar шагает модель, пока есть целые чанки. Шаги сериализованы
// самим стабилизатором.
func (e *Engine) drainDiar() {
	for {
		res, ok := e.stab.StepOnce()
		if !ok {
			return
		}
		e.handleStepResult(res)
	}
}

// handleStepResult применяет итог шага: эмбеддинги в пул, события
// интервалов наружу, повторная атрибуция задетых предложений и
// побудка отложенного разрешения
func (e *Engine) handleStepResult(res diar.StepResult) {
	if len(res.Intervals) == 0 && len(res.EmbedJobs) == 0 {
		return
	}

	if e.pool != nil {
		for _, job := range res.EmbedJobs {
			e.pool.Submit(ai.EmbedRequest{Label: job.Label, PCM: job.PCM})
		}
	}

	patchStart, patchEnd := int64(-1), int64(-1)
	for _, iv := range res.Intervals {
		e.emitDiarSegment(iv)
		if patchStart < 0 || iv.StartSample < patchStart {
			patchStart = iv.StartSample
		}
		if iv.EndSample > patchEnd {
			patchEnd = iv.EndSample
		}
	}

	if patchStart >= 0 {
		e.reattributeRecent(patchStart, patchEnd)
	}

	select {
	case e.flushWake <- struct{}{}:
	default:
	}
}

// embedLoop вливает готовые эмбеддинги в треки и наблюдения резолвера
func (e *Engine) embedLoop() {
	defer e.embedWG.Done()
	for res := range e.pool.Results() {
		if res.Err != nil {
			log.Printf("Engine: embedding for %s failed: %v", res.Label, res.Err)
			continue
		}
		e.applyEmbedding(res.Label, res.Embedding)
	}
}

func (e *Engine) applyEmbedding(label string, emb []float32) {
	centroid, ok := e.stab.Tracks().Blend(label, emb)
	if !ok {
		return
	}

	e.mu.Lock()
	at := e.highWater
	e.mu.Unlock()

	res := e.resolver.Observe(label, centroid, at)
	if !e.cfg.AutoUpdatePrints || e.updater == nil {
		return
	}
	if res.Known && res.Score >= e.cfg.AutoUpdateMinScore {
		e.mu.Lock()
		e.printSync[res.Identity] = centroid
		e.mu.Unlock()
	}
}

// onDiarReset вызывается стабилизатором после полного сброса: разрыв
// аудио обесценил таймлайн, треки и привязки личностей
func (e *Engine) onDiarReset(reason string) {
	e.resolver.Reset()
	e.vad.Reset()

	e.mu.Lock()
	e.resets++
	e.recent = e.recent[:0]
	// отложенные сегменты уже не дождутся покрытия, дожимаем их
	// ближайшим тиком с тем, что осталось
	now := time.Now()
	for i := range e.pending {
		e.pending[i].deadline = now
	}
	if e.held != nil {
		sent := *e.held
		e.held = nil
		e.deliverLocked(sent, false)
	}
	e.mu.Unlock()
	log.Printf("Engine: diarization state reset (%s)", reason)
}

// resolveSegment атрибутирует финальный сегмент, при смене спикера
// внутри диапазона предварительно разрезая его
func (e *Engine) resolveSegment(seg TranscriptSegment) {
	if left, right, ok := e.trySplit(seg); ok {
		e.emitSentence(e.attribute(left))
		e.emitSentence(e.attribute(right))
		return
	}
	e.emitSentence(e.attribute(seg))
}

// coverage интервалы, покрывающие диапазон: закоммиченные плюс
// текущий открытый
func (e *Engine) coverage(startSample, endSample int64) []diar.Interval {
	ivs := e.stab.Timeline().Query(startSample, endSample)
	if open, ok := e.stab.OpenInterval(); ok && open.StartSample < endSample && open.EndSample > startSample {
		ivs = append(ivs, open)
	}
	return ivs
}

// attribute строит предложение со спикером по текущему покрытию
func (e *Engine) attribute(seg TranscriptSegment) SpeakerSentence {
	startSample := diar.MsToSamples(seg.StartMs)
	endSample := diar.MsToSamples(seg.EndMs)
	att := AttributeSpan(e.coverage(startSample, endSample), startSample, endSample, &e.cfg)

	sent := SpeakerSentence{
		SegmentID:  seg.ID,
		Text:       seg.Text,
		StartMs:    seg.StartMs,
		EndMs:      seg.EndMs,
		Confidence: att.Confidence,
		Coverage:   att.Coverage,
		Overlap:    att.Overlap,
		Uncertain:  att.Uncertain,
		Final:      seg.Final,
		DiarLabel:  att.Label,
	}
	switch {
	case att.Overlap:
		sent.Speaker = LabelOverlap
	case att.Uncertain:
		sent.Speaker = diar.LabelUncertain
	default:
		res := e.resolveLabel(att.Label, endSample)
		sent.Speaker = res.DisplayName
		sent.Identity = res.Identity
		sent.Known = res.Known
	}
	return sent
}

// resolveLabel сводит метку диаризации к личности; метка без единого
// эмбеддинга получает анонима
func (e *Engine) resolveLabel(label string, atSample int64) voiceprint.Resolution {
	if res, ok := e.resolver.Resolve(label); ok {
		return res
	}
	return e.resolver.Observe(label, nil, atSample)
}

// emitSentence проводит предложение через склейку и выдаёт наружу
func (e *Engine) emitSentence(sent SpeakerSentence) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// промежуточные версии в склейке не участвуют
	if !sent.Final {
		e.deliverLocked(sent, false)
		return
	}

	if e.held != nil {
		if canStitch(*e.held, sent, e.cfg.StitchGapMs) {
			merged := stitchSentences(*e.held, sent)
			e.held = &merged
			e.heldAt = time.Now()
			return
		}
		prev := *e.held
		e.held = nil
		e.deliverLocked(prev, false)
	}

	// чистую финальную реплику придерживаем: следующая может оказаться
	// продолжением того же голоса
	if !sent.Overlap && !sent.Uncertain {
		e.held = &sent
		e.heldAt = time.Now()
		return
	}
	e.deliverLocked(sent, false)
}

// canStitch проверяет, что вторая реплика продолжает первую: тот же
// голос и пауза не больше StitchGapMs
func canStitch(a, b SpeakerSentence, gapMs int) bool {
	if !a.Final || !b.Final {
		return false
	}
	if a.Identity == "" || a.Identity != b.Identity {
		return false
	}
	if b.Overlap || b.Uncertain {
		return false
	}
	gap := b.StartMs - a.EndMs
	return gap >= 0 && gap <= int64(gapMs)
}

// stitchSentences сливает соседние реплики одного голоса в одну
func stitchSentences(a, b SpeakerSentence) SpeakerSentence {
	durA := float64(a.EndMs - a.StartMs)
	durB := float64(b.EndMs - b.StartMs)
	merged := a
	merged.Text = strings.TrimSpace(a.Text + " " + b.Text)
	if b.EndMs > merged.EndMs {
		merged.EndMs = b.EndMs
	}
	if total := durA + durB; total > 0 {
		merged.Confidence = float32((float64(a.Confidence)*durA + float64(b.Confidence)*durB) / total)
		merged.Coverage = float32((float64(a.Coverage)*durA + float64(b.Coverage)*durB) / total)
	}
	return merged
}

// noteBoundary реагирует на границу речи от VAD: продолжения после
// паузы не будет, придержанная склейка уходит наружу
func (e *Engine) noteBoundary(sample int64) {
	boundaryMs := diar.SamplesToMs(sample)
	e.mu.Lock()
	if e.held != nil && boundaryMs >= e.held.EndMs {
		sent := *e.held
		e.held = nil
		e.deliverLocked(sent, false)
	}
	e.mu.Unlock()
}

// deliverLocked выдаёт предложение в sink под общим порядком Seq.
// Вызывается с удержанным e.mu.
func (e *Engine) deliverLocked(sent SpeakerSentence, correction bool) {
	e.seq++
	ev := SentenceEvent{
		Seq:          e.seq,
		SegmentID:    sent.SegmentID,
		Text:         sent.Text,
		SpeakerLabel: sent.Speaker,
		Identity:     sent.Identity,
		Known:        sent.Known,
		Confidence:   sent.Confidence,
		Coverage:     sent.Coverage,
		IsFinal:      sent.Final,
		OverlapFlag:  sent.Overlap,
		Uncertain:    sent.Uncertain,
		Correction:   correction,
		StartMs:      sent.StartMs,
		EndMs:        sent.EndMs,
	}
	if sent.Final && !correction {
		e.sentences++
		e.bumpStatLocked(sent, 1)
		e.rememberLocked(sent)
	}
	e.sink.OnSentence(ev)
}

// emitDiarSegment выдаёт событие закоммиченного интервала
func (e *Engine) emitDiarSegment(iv diar.Interval) {
	label := iv.Label
	if label != diar.LabelUncertain {
		label = e.resolveLabel(iv.Label, iv.EndSample).DisplayName
	}

	e.mu.Lock()
	e.seq++
	ev := DiarSegmentEvent{
		Seq:          e.seq,
		StartMs:      iv.StartMs(),
		EndMs:        iv.EndMs(),
		SpeakerLabel: label,
		Confidence:   iv.Confidence,
		Overlap:      string(iv.Overlap),
	}
	e.sink.OnDiarSegment(ev)
	e.mu.Unlock()
}

// reattributeRecent прогоняет недавние предложения, задетые свежими
// интервалами, через атрибуцию заново и выдаёт поправки
func (e *Engine) reattributeRecent(startSample, endSample int64) {
	startMs := diar.SamplesToMs(startSample)
	endMs := diar.SamplesToMs(endSample)

	e.mu.Lock()
	var targets []SpeakerSentence
	for _, s := range e.recent {
		if s.StartMs < endMs && s.EndMs > startMs {
			targets = append(targets, s)
		}
	}
	e.mu.Unlock()

	for _, old := range targets {
		updated := e.attribute(TranscriptSegment{
			ID:      old.SegmentID,
			Text:    old.Text,
			StartMs: old.StartMs,
			EndMs:   old.EndMs,
			Final:   old.Final,
		})
		if updated.DiarLabel == old.DiarLabel && updated.Identity == old.Identity &&
			updated.Overlap == old.Overlap && updated.Uncertain == old.Uncertain {
			continue
		}
		log.Printf("Engine: re-attributed %s: %s -> %s", old.SegmentID, old.Speaker, updated.Speaker)
		e.applyCorrection(old, updated)
	}
}

// applyCorrection заменяет выданную атрибуцию и правит статистику
func (e *Engine) applyCorrection(old, updated SpeakerSentence) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.recent {
		if e.recent[i].SegmentID == old.SegmentID {
			e.recent[i] = updated
			break
		}
	}
	if old.Final {
		e.bumpStatLocked(old, -1)
		e.bumpStatLocked(updated, 1)
	}
	e.deliverLocked(updated, true)
}

// bumpStatLocked правит говорильную статистику спикера
func (e *Engine) bumpStatLocked(sent SpeakerSentence, delta int) {
	key := sent.Identity
	if key == "" {
		key = sent.Speaker
	}
	st := e.stats[key]
	if st == nil {
		if delta <= 0 {
			return
		}
		st = &SpeakerStat{Identity: sent.Identity}
		e.stats[key] = st
	}
	st.SegmentCount += delta
	st.TotalMs += int64(delta) * (sent.EndMs - sent.StartMs)
	if delta > 0 {
		st.DisplayName = sent.Speaker
		st.Known = sent.Known
	}
	if st.SegmentCount <= 0 {
		delete(e.stats, key)
	}
}

// rememberLocked кладёт предложение в кольцо недавних и подрезает
// старьё за окном повторной атрибуции
func (e *Engine) rememberLocked(sent SpeakerSentence) {
	e.recent = append(e.recent, sent)
	cutoff := sent.EndMs - int64(e.cfg.PatchWindowMs)
	kept := e.recent[:0]
	for _, s := range e.recent {
		if s.EndMs >= cutoff {
			kept = append(kept, s)
		}
	}
	e.recent = kept
	if len(e.recent) > 64 {
		e.recent = append(e.recent[:0:0], e.recent[len(e.recent)-64:]...)
	}
}

// summaryLocked собирает итог сессии, спикеры отсортированы по
// наговоренному времени
func (e *Engine) summaryLocked() *Summary {
	speakers := make([]SpeakerStat, 0, len(e.stats))
	for _, st := range e.stats {
		speakers = append(speakers, *st)
	}
	sort.Slice(speakers, func(i, j int) bool {
		if speakers[i].TotalMs != speakers[j].TotalMs {
			return speakers[i].TotalMs > speakers[j].TotalMs
		}
		return speakers[i].DisplayName < speakers[j].DisplayName
	})
	return &Summary{
		SessionID:     e.id,
		StartedAt:     e.startedAt,
		StoppedAt:     time.Now(),
		AudioMs:       diar.SamplesToMs(e.highWater),
		SentenceCount: e.sentences,
		Resets:        e.resets,
		Speakers:      speakers,
	}
}

// syncPrints вливает накопленные за сессию центроиды в реестр
func (e *Engine) syncPrints(centroids map[string][]float32) {
	if e.updater == nil || len(centroids) == 0 {
		return
	}
	for ident, emb := range centroids {
		if err := e.updater.UpdateEmbedding(ident, emb); err != nil {
			log.Printf("Engine: voiceprint update for %s failed: %v", ident, err)
		}
	}
}
