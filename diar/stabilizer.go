package diar

import (
	"log"
	"sync"
)

// FrameModel контракт чёрного ящика диаризации. Step принимает ровно
// один чанк PCM и возвращает вектор вероятностей спикеров на каждый
// кадр. Внутреннее рекуррентное состояние модели делает порядок
// вызовов значимым: шаги строго сериализуются, ResetState обязателен
// после любого разрыва аудиопотока.
type FrameModel interface {
	ResetState()
	Step(pcm []int16) ([][]float32, error)
}

// PushResult итог выравнивания одного входящего куска аудио
type PushResult struct {
	Reset          bool   // произошёл полный сброс состояния сессии
	ResetReason    string // "gap" или "backlog"
	DroppedSamples int64  // отброшено при выравнивании
}

// StepResult итог одного шага инференса
type StepResult struct {
	Intervals []Interval // закоммиченные на этом шаге интервалы
	EmbedJobs []*EmbedJob
}

// openInterval открытый интервал, переносимый между чанками
type openInterval struct {
	startSample int64
	endSample   int64
	label       string
	flag        OverlapFlag
	confSum     float64
	frames      int
}

func (o *openInterval) commit() Interval {
	conf := float32(0)
	if o.frames > 0 {
		conf = float32(o.confSum / float64(o.frames))
	}
	return Interval{
		StartSample: o.startSample,
		EndSample:   o.endSample,
		Label:       o.label,
		Confidence:  conf,
		Overlap:     o.flag,
	}
}

// Stabilizer превращает непрерывный поток PCM в выровненные чанки,
// прогоняет их через модель диаризации и строит стабильные интервалы
// спикеров. Владеет таймлайном, треками и скользящим окном сырого
// аудио сессии.
type Stabilizer struct {
	cfg   StabilizerConfig
	model FrameModel

	mu          sync.Mutex
	pending     []int16 // выровненное, но не обработанное аудио
	pendingBase int64   // абсолютный сэмпл начала pending
	started     bool
	inFlight    bool  // ровно один инференс одновременно
	needReset   bool  // модель требует ResetState перед следующим шагом
	epoch       int64 // растёт при полном сбросе; защищает результаты инференса

	sm        *smoother
	open      *openInterval
	unclaimed []Interval // закоммичено вне шага, ждёт выдачи в StepResult

	timeline *Timeline
	tracks   *TrackSet
	ring     *audioRing

	onReset func(reason string)
}

// NewStabilizer создаёт стабилизатор поверх модели диаризации
func NewStabilizer(model FrameModel, cfg StabilizerConfig) *Stabilizer {
	s := &Stabilizer{
		cfg:      cfg,
		model:    model,
		timeline: NewTimeline(msToSamples(cfg.TimelineMaxSpanMs)),
		ring:     newAudioRing(int(msToSamples(cfg.RingMs))),
	}
	s.sm = newSmoother(&s.cfg)
	s.tracks = newTrackSet(&s.cfg)
	return s
}

// Timeline таймлайн сессии
func (s *Stabilizer) Timeline() *Timeline { return s.timeline }

// Tracks треки спикеров сессии
func (s *Stabilizer) Tracks() *TrackSet { return s.tracks }

// SetOnReset колбэк полного сброса состояния (вызывается вне lock)
func (s *Stabilizer) SetOnReset(fn func(reason string)) {
	s.mu.Lock()
	s.onReset = fn
	s.mu.Unlock()
}

// Push выравнивает входящий кусок аудио по абсолютному сэмплу начала.
// Куски могут приходить с перекрытием (уже виденный префикс
// отбрасывается), с дубликатами (игнорируются) и с разрывами: короткий
// разрыв заполняется тишиной, разрыв больше GapResetMs означает полный
// сброс состояния сессии, т.к. рекуррентное состояние модели больше не
// соответствует реальному времени.
func (s *Stabilizer) Push(pcm []int16, startSample int64) PushResult {
	var res PushResult
	if len(pcm) == 0 {
		return res
	}

	s.mu.Lock()
	if !s.started {
		s.started = true
		s.pendingBase = startSample
	}

	expected := s.pendingBase + int64(len(s.pending))
	switch {
	case startSample == expected:
		// стык в стык

	case startSample < expected:
		// перекрытие или дубликат: убираем уже виденный префикс
		seen := expected - startSample
		if seen >= int64(len(pcm)) {
			res.DroppedSamples = int64(len(pcm))
			s.mu.Unlock()
			return res
		}
		pcm = pcm[seen:]
		res.DroppedSamples = seen

	default:
		gap := startSample - expected
		if gap > msToSamples(s.cfg.GapResetMs) {
			s.fullResetLocked()
			res.Reset = true
			res.ResetReason = "gap"
			s.pendingBase = startSample
			log.Printf("Stabilizer: gap of %d samples, full state reset", gap)
		} else {
			// короткий разрыв: тишина сохраняет сетку кадров
			s.pending = append(s.pending, make([]int16, gap)...)
		}
	}

	s.pending = append(s.pending, pcm...)

	// защита от слишком медленного инференса: бэклог ограничен,
	// лишнее старьё отбрасывается, модель пересбрасывается
	if max := msToSamples(s.cfg.MaxBacklogMs); int64(len(s.pending)) > max {
		drop := int64(len(s.pending)) - max
		s.pending = append(s.pending[:0:0], s.pending[drop:]...)
		s.pendingBase += drop
		s.needReset = true
		s.closeOpenLocked(nil)
		res.DroppedSamples += drop
		if !res.Reset {
			res.Reset = true
			res.ResetReason = "backlog"
		}
		log.Printf("Stabilizer: backlog overflow, dropped %d samples and realigned", drop)
	}

	fn := s.onReset
	s.mu.Unlock()

	if res.Reset && res.ResetReason == "gap" && fn != nil {
		fn(res.ResetReason)
	}
	return res
}

// fullResetLocked очищает всё состояние диаризации сессии: таймлайн,
// треки, гистерезис, открытый интервал и буферы. Маппинги на известных
// участников очищает владелец сессии через колбэк OnReset.
func (s *Stabilizer) fullResetLocked() {
	s.pending = nil
	s.open = nil
	s.unclaimed = nil
	s.sm.reset()
	s.needReset = true
	s.epoch++
	s.timeline.Reset()
	s.tracks.Reset()
	s.ring.reset()
}

// Backlogged сколько сэмплов ждёт инференса
func (s *Stabilizer) Backlogged() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pending))
}

// Processed абсолютный сэмпл, до которого аудио уже ушло в модель.
// Открытый интервал может заканчиваться раньше: он ждёт подтверждения
// следующим чанком.
func (s *Stabilizer) Processed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingBase
}

// OpenInterval снимок текущего открытого интервала. Во время монолога
// интервал не коммитится часами, поэтому потребителям покрытия нужен
// доступ к нему наравне с таймлайном.
func (s *Stabilizer) OpenInterval() (Interval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return Interval{}, false
	}
	return s.open.commit(), true
}

// StepOnce выполняет один шаг инференса, если накопился целый чанк.
// Возвращает false, когда шаг не выполнялся (нет данных или другой шаг
// в полёте). Сам вызов модели идёт вне lock: Push продолжает принимать
// аудио, пока модель считает.
func (s *Stabilizer) StepOnce() (StepResult, bool) {
	s.mu.Lock()
	chunk := s.cfg.ChunkSamples()
	if s.inFlight || len(s.pending) < chunk {
		s.mu.Unlock()
		return StepResult{}, false
	}
	s.inFlight = true
	doReset := s.needReset
	if doReset {
		s.needReset = false
		s.sm.reset()
		s.closeOpenLocked(nil)
	}
	pcm := make([]int16, chunk)
	copy(pcm, s.pending[:chunk])
	base := s.pendingBase
	s.pending = append(s.pending[:0:0], s.pending[chunk:]...)
	s.pendingBase += int64(chunk)
	epoch := s.epoch
	s.mu.Unlock()

	// модель трогает только этот метод, поэтому ResetState и Step
	// безопасны без lock и всегда идут в правильном порядке
	if doReset {
		s.model.ResetState()
	}
	probs, err := s.model.Step(pcm)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false

	if epoch != s.epoch {
		// во время инференса случился полный сброс: результат неактуален
		return StepResult{}, true
	}

	var res StepResult
	res.Intervals = append(res.Intervals, s.unclaimed...)
	s.unclaimed = nil

	if err != nil {
		// модель недоступна: шаг пропускаем, сессия живёт дальше
		log.Printf("Stabilizer: model step at sample %d failed: %v", base, err)
		s.needReset = true
		s.closeOpenLocked(nil)
		res.Intervals = append(res.Intervals, s.unclaimed...)
		s.unclaimed = nil
		return res, true
	}

	s.ring.write(base, pcm)
	s.applyChunkLocked(base, probs, &res)
	return res, true
}

// applyChunkLocked сглаживает кадры чанка и достраивает интервалы.
// Последний интервал остаётся открытым и переносится в следующий чанк,
// чтобы реплика спикера на границе чанков не дробилась.
func (s *Stabilizer) applyChunkLocked(base int64, probs [][]float32, res *StepResult) {
	frameLen := int64(s.cfg.FrameSamples)

	for i, vec := range probs {
		fc := s.cfg.classifyFrame(vec)
		fc = s.sm.apply(fc)

		fs := base + int64(i)*frameLen
		fe := fs + frameLen
		label := LabelUncertain
		if fc.speaker >= 0 {
			label = SpeakerLabel(fc.speaker)
		}

		if s.open != nil && s.open.label == label && s.open.flag == fc.flag && s.open.endSample == fs {
			s.open.endSample = fe
			s.open.confSum += float64(fc.conf)
			s.open.frames++
			continue
		}

		s.closeOpenLocked(res)
		s.open = &openInterval{
			startSample: fs,
			endSample:   fe,
			label:       label,
			flag:        fc.flag,
			confSum:     float64(fc.conf),
			frames:      1,
		}
	}
}

// closeOpenLocked коммитит открытый интервал в таймлайн и, для чистых
// сегментов достаточной длины в надёжном хвосте, в трек спикера.
// При res == nil интервал попадает в unclaimed и будет выдан следующим
// шагом, чтобы событие о нём не потерялось.
func (s *Stabilizer) closeOpenLocked(res *StepResult) {
	if s.open == nil {
		return
	}
	iv := s.open.commit()
	s.open = nil

	s.timeline.Append(iv)
	if res != nil {
		res.Intervals = append(res.Intervals, iv)
	} else {
		s.unclaimed = append(s.unclaimed, iv)
	}

	if iv.Label == LabelUncertain || iv.Overlap != OverlapNone {
		return
	}
	if iv.DurationSamples() < msToSamples(s.cfg.CleanMinMs) {
		return
	}
	frontier := s.pendingBase + int64(len(s.pending))
	if iv.EndSample < frontier-msToSamples(s.cfg.ReliableHorizonMs) {
		return
	}
	clean, ok := s.ring.slice(iv.StartSample, iv.EndSample)
	if !ok {
		return
	}
	if job := s.tracks.AddClean(iv.Label, clean, iv.EndSample); job != nil && res != nil {
		res.EmbedJobs = append(res.EmbedJobs, job)
	}
}

// Flush закрывает открытый интервал (остановка сессии), чтобы хвост
// разговора не потерялся
func (s *Stabilizer) Flush() StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res StepResult
	res.Intervals = append(res.Intervals, s.unclaimed...)
	s.unclaimed = nil
	s.closeOpenLocked(&res)
	return res
}

// AudioRange копия сырого аудио из скользящего окна,
// [startSample, endSample) в абсолютных сэмплах
func (s *Stabilizer) AudioRange(startSample, endSample int64) ([]int16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pcm, ok := s.ring.slice(startSample, endSample)
	if !ok {
		return nil, false
	}
	return append([]int16(nil), pcm...), true
}

// audioRing скользящее окно обработанного сырого аудио. Пишется строго
// последовательно (после выравнивания), читается для эмбеддингов
type audioRing struct {
	buf  []int16
	base int64 // абсолютный сэмпл начала buf
	cap  int
}

func newAudioRing(capSamples int) *audioRing {
	return &audioRing{cap: capSamples}
}

func (r *audioRing) write(startSample int64, pcm []int16) {
	if len(r.buf) == 0 {
		r.base = startSample
	}
	r.buf = append(r.buf, pcm...)
	if len(r.buf) > r.cap {
		drop := len(r.buf) - r.cap
		r.buf = append(r.buf[:0:0], r.buf[drop:]...)
		r.base += int64(drop)
	}
}

// slice возвращает срез окна без копирования; пустой результат, если
// диапазон уже вытеснен или ещё не записан
func (r *audioRing) slice(startSample, endSample int64) ([]int16, bool) {
	if startSample < r.base || endSample > r.base+int64(len(r.buf)) || startSample >= endSample {
		return nil, false
	}
	lo := startSample - r.base
	hi := endSample - r.base
	return r.buf[lo:hi], true
}

func (r *audioRing) reset() {
	r.buf = nil
	r.base = 0
}
