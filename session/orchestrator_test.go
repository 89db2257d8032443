package session

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"voxid/ai"
	"voxid/diar"
	"voxid/voiceprint"
)

// bandPCM меандр амплитуды amp: стаб-модель относит такой сигнал к
// спикеру по амплитудной полосе, 800 - полоса 0, 1800 - полоса 1
func bandPCM(amp int16, n int) []int16 {
	pcm := make([]int16, n)
	for i := range pcm {
		if i%2 == 0 {
			pcm[i] = amp
		} else {
			pcm[i] = -amp
		}
	}
	return pcm
}

// oneHot орт размерности стаб-энкодера: полоса i звучит как этот вектор
func oneHot(band int) []float32 {
	v := make([]float32, 8)
	v[band] = 1
	return v
}

// newPrintRegistry реестр с двумя участниками, чьи отпечатки совпадают
// с полосами стаб-энкодера
func newPrintRegistry(t *testing.T) *voiceprint.Store {
	t.Helper()
	store, err := voiceprint.NewStore(filepath.Join(t.TempDir(), "prints.json"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if _, err := store.Add("alice", oneHot(0), "enroll"); err != nil {
		t.Fatalf("Add alice failed: %v", err)
	}
	if _, err := store.Add("bob", oneHot(1), "enroll"); err != nil {
		t.Fatalf("Add bob failed: %v", err)
	}
	return store
}

// captureSink копит события сессии в памяти
type captureSink struct {
	mu        sync.Mutex
	sentences []SentenceEvent
	segments  []DiarSegmentEvent
}

func (s *captureSink) OnSentence(ev SentenceEvent) {
	s.mu.Lock()
	s.sentences = append(s.sentences, ev)
	s.mu.Unlock()
}

func (s *captureSink) OnDiarSegment(ev DiarSegmentEvent) {
	s.mu.Lock()
	s.segments = append(s.segments, ev)
	s.mu.Unlock()
}

func (s *captureSink) sentenceEvents() []SentenceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentenceEvent(nil), s.sentences...)
}

func (s *captureSink) segmentEvents() []DiarSegmentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DiarSegmentEvent(nil), s.segments...)
}

// finalSentences отбирает финальные предложения без поправок
func finalSentences(evs []SentenceEvent) []SentenceEvent {
	var out []SentenceEvent
	for _, ev := range evs {
		if ev.IsFinal && !ev.Correction {
			out = append(out, ev)
		}
	}
	return out
}

// newTestEngine движок на стабах: синхронная диаризация, быстрый цикл
// отложенного разрешения
func newTestEngine(t *testing.T, registry voiceprint.Registry, sink Sink, tweak func(*EngineConfig)) *Engine {
	t.Helper()
	cfg := DefaultEngineConfig()
	cfg.AsyncDiarization = false
	cfg.FlushInterval = 20 * time.Millisecond
	if tweak != nil {
		tweak(&cfg)
	}

	model := ai.NewStubFrameModel(ai.DefaultStubFrameModelConfig())
	encoder := ai.NewStubEncoder(ai.DefaultStubEncoderConfig())
	eng, err := NewEngine(model, encoder, registry, sink, cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return eng
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// TestEngineEndToEndKnownSpeakers сквозной сценарий: три голосовые фазы
// alice/bob/alice по три секунды, три финальных сегмента текста.
// Ожидаются три предложения с именами из реестра и высоким покрытием.
func TestEngineEndToEndKnownSpeakers(t *testing.T) {
	registry := newPrintRegistry(t)
	sink := &captureSink{}
	eng := newTestEngine(t, registry, sink, nil)
	if err := eng.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// 9 секунд аудио: alice, bob, снова alice
	if err := eng.ProcessAudio(bandPCM(800, 48000), 0); err != nil {
		t.Fatalf("ProcessAudio failed: %v", err)
	}
	if err := eng.ProcessAudio(bandPCM(1800, 48000), 48000); err != nil {
		t.Fatalf("ProcessAudio failed: %v", err)
	}
	if err := eng.ProcessAudio(bandPCM(800, 48000), 96000); err != nil {
		t.Fatalf("ProcessAudio failed: %v", err)
	}

	// эмбеддинги применяются асинхронно, ждём привязки меток к реестру
	waitFor(t, 3*time.Second, func() bool {
		a, okA := eng.resolver.Resolve(diar.SpeakerLabel(0))
		b, okB := eng.resolver.Resolve(diar.SpeakerLabel(1))
		return okA && okB && a.Known && b.Known
	}, "speaker labels to bind to enrolled voiceprints")

	segs := []TranscriptSegment{
		{ID: "s1", Text: "hello there", StartMs: 0, EndMs: 3000, Final: true},
		{ID: "s2", Text: "hi nice to meet you", StartMs: 3000, EndMs: 6000, Final: true},
		{ID: "s3", Text: "likewise indeed", StartMs: 6000, EndMs: 9000, Final: true},
	}
	for _, seg := range segs {
		if err := eng.ProcessTranscript(seg); err != nil {
			t.Fatalf("ProcessTranscript(%s) failed: %v", seg.ID, err)
		}
	}

	summary, err := eng.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	finals := finalSentences(sink.sentenceEvents())
	if len(finals) != 3 {
		t.Fatalf("Expected 3 final sentences, got %d: %+v", len(finals), finals)
	}

	wantSpeakers := []string{"alice", "bob", "alice"}
	for i, ev := range finals {
		if ev.SpeakerLabel != wantSpeakers[i] {
			t.Errorf("Sentence %d: expected speaker %s, got %s", i, wantSpeakers[i], ev.SpeakerLabel)
		}
		if !ev.Known {
			t.Errorf("Sentence %d: expected a known speaker", i)
		}
		if ev.Coverage <= 0.75 {
			t.Errorf("Sentence %d: coverage %f, want > 0.75", i, ev.Coverage)
		}
		t.Logf("Sentence %d: %s [%d..%d] speaker=%s coverage=%.2f", i, ev.Text, ev.StartMs, ev.EndMs, ev.SpeakerLabel, ev.Coverage)
	}

	// одна и та же личность в обеих фазах alice, у bob своя
	if finals[0].Identity != finals[2].Identity {
		t.Errorf("Both alice phases must map to one identity: %s vs %s", finals[0].Identity, finals[2].Identity)
	}
	if finals[0].Identity == finals[1].Identity {
		t.Error("alice and bob must not share an identity")
	}

	// события выдаются в строгом порядке Seq
	prev := int64(0)
	for _, ev := range sink.sentenceEvents() {
		if ev.Seq <= prev {
			t.Errorf("Sentence events out of order: %d after %d", ev.Seq, prev)
		}
		prev = ev.Seq
	}
	if len(sink.segmentEvents()) == 0 {
		t.Error("Expected diarization segment events")
	}

	if summary.SentenceCount != 3 {
		t.Errorf("Expected 3 sentences in summary, got %d", summary.SentenceCount)
	}
	if summary.AudioMs != 9000 {
		t.Errorf("Expected 9000ms audio, got %d", summary.AudioMs)
	}
	if summary.Resets != 0 {
		t.Errorf("Expected no resets, got %d", summary.Resets)
	}
	if len(summary.Speakers) != 2 {
		t.Fatalf("Expected 2 speakers in summary, got %d: %+v", len(summary.Speakers), summary.Speakers)
	}
	if summary.Speakers[0].DisplayName != "alice" || summary.Speakers[0].TotalMs != 6000 {
		t.Errorf("Top speaker should be alice with 6000ms, got %+v", summary.Speakers[0])
	}
	if summary.Speakers[1].DisplayName != "bob" || summary.Speakers[1].TotalMs != 3000 {
		t.Errorf("Second speaker should be bob with 3000ms, got %+v", summary.Speakers[1])
	}
}

// TestEngineGapResetsDiarizationState разрыв аудио дольше GapResetMs
// обесценивает всё: таймлайн, треки и привязки личностей пусты
func TestEngineGapResetsDiarizationState(t *testing.T) {
	sink := &captureSink{}
	eng := newTestEngine(t, nil, sink, nil)
	if err := eng.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// два голоса, чтобы первый интервал закоммитился до разрыва
	eng.ProcessAudio(bandPCM(800, 32000), 0)
	eng.ProcessAudio(bandPCM(1800, 16000), 32000)

	if eng.stab.Timeline().Len() == 0 {
		t.Fatal("Expected committed intervals before the gap")
	}
	if eng.stab.Tracks().Len() == 0 {
		t.Fatal("Expected speaker tracks before the gap")
	}
	waitFor(t, 2*time.Second, func() bool {
		return eng.resolver.MappingCount() > 0
	}, "a label mapping before the gap")

	// разрыв в две секунды
	eng.ProcessAudio(bandPCM(1800, 16000), 80000)

	if n := eng.stab.Timeline().Len(); n != 0 {
		t.Errorf("Timeline must be empty after gap, got %d intervals", n)
	}
	if n := eng.stab.Tracks().Len(); n != 0 {
		t.Errorf("Tracks must be empty after gap, got %d", n)
	}
	if n := eng.resolver.MappingCount(); n != 0 {
		t.Errorf("Mappings must be empty after gap, got %d", n)
	}
	if got := eng.stab.Timeline().Query(0, 48000); len(got) != 0 {
		t.Errorf("Pre-gap intervals must be gone, got %v", got)
	}

	summary, err := eng.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if summary.Resets != 1 {
		t.Errorf("Expected 1 reset in summary, got %d", summary.Resets)
	}
}

// TestEngineDefersUntilDiarizationCatchesUp финальный сегмент, чей
// диапазон ещё не обработан моделью, ждёт и разрешается после подхода
// аудио с полным покрытием
func TestEngineDefersUntilDiarizationCatchesUp(t *testing.T) {
	sink := &captureSink{}
	eng := newTestEngine(t, nil, sink, func(cfg *EngineConfig) {
		cfg.StitchGapMs = 50
	})
	if err := eng.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	seg := TranscriptSegment{ID: "d1", Text: "words before audio", StartMs: 0, EndMs: 1200, Final: true}
	if err := eng.ProcessTranscript(seg); err != nil {
		t.Fatalf("ProcessTranscript failed: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if n := len(sink.sentenceEvents()); n != 0 {
		t.Fatalf("Sentence emitted before diarization coverage: %d events", n)
	}

	// аудио догоняет диапазон сегмента
	eng.ProcessAudio(bandPCM(800, 41000), 0)

	waitFor(t, 2*time.Second, func() bool {
		return len(finalSentences(sink.sentenceEvents())) == 1
	}, "deferred sentence to resolve")

	ev := finalSentences(sink.sentenceEvents())[0]
	if ev.SegmentID != "d1" {
		t.Errorf("Expected segment d1, got %s", ev.SegmentID)
	}
	if ev.Uncertain {
		t.Error("Covered sentence must not be uncertain")
	}
	if ev.Coverage != 1.0 {
		t.Errorf("Expected coverage 1.0 from the open interval, got %f", ev.Coverage)
	}
	if ev.SpeakerLabel != "Speaker 1" {
		t.Errorf("Expected anonymous Speaker 1, got %s", ev.SpeakerLabel)
	}
	if ev.Known {
		t.Error("No registry means no known speakers")
	}
	eng.Stop()
}

// TestEngineDeferralExpiresBestEffort без аудио отложенный сегмент
// дожимается по TTL с тем покрытием, какое есть, то есть никаким
func TestEngineDeferralExpiresBestEffort(t *testing.T) {
	sink := &captureSink{}
	eng := newTestEngine(t, nil, sink, func(cfg *EngineConfig) {
		cfg.DeferTTL = 80 * time.Millisecond
	})
	if err := eng.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	seg := TranscriptSegment{ID: "d1", Text: "nothing heard", StartMs: 0, EndMs: 1200, Final: true}
	eng.ProcessTranscript(seg)

	waitFor(t, 2*time.Second, func() bool {
		return len(finalSentences(sink.sentenceEvents())) == 1
	}, "expired deferral to emit")

	ev := finalSentences(sink.sentenceEvents())[0]
	if !ev.Uncertain {
		t.Errorf("Expected uncertain verdict, got %+v", ev)
	}
	if ev.Coverage != 0 {
		t.Errorf("Expected zero coverage, got %f", ev.Coverage)
	}
	if ev.SpeakerLabel != diar.LabelUncertain {
		t.Errorf("Expected label %s, got %s", diar.LabelUncertain, ev.SpeakerLabel)
	}
	eng.Stop()
}

// TestEngineCorrectsAfterLateDiarization предложение, выданное как
// uncertain по истечении TTL, получает поправку, когда диаризация
// наконец накрывает его диапазон
func TestEngineCorrectsAfterLateDiarization(t *testing.T) {
	sink := &captureSink{}
	eng := newTestEngine(t, nil, sink, func(cfg *EngineConfig) {
		cfg.DeferTTL = 60 * time.Millisecond
		cfg.StitchGapMs = 50
	})
	if err := eng.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	seg := TranscriptSegment{ID: "d1", Text: "late coverage", StartMs: 0, EndMs: 1200, Final: true}
	eng.ProcessTranscript(seg)

	waitFor(t, 2*time.Second, func() bool {
		evs := finalSentences(sink.sentenceEvents())
		return len(evs) == 1 && evs[0].Uncertain
	}, "uncertain emission after TTL")

	// запоздавшее аудио: смена голоса коммитит интервал над d1
	eng.ProcessAudio(bandPCM(800, 20480), 0)
	eng.ProcessAudio(bandPCM(1800, 20480), 20480)

	waitFor(t, 2*time.Second, func() bool {
		for _, ev := range sink.sentenceEvents() {
			if ev.Correction && ev.SegmentID == "d1" {
				return true
			}
		}
		return false
	}, "correction event for d1")

	var corr SentenceEvent
	for _, ev := range sink.sentenceEvents() {
		if ev.Correction && ev.SegmentID == "d1" {
			corr = ev
		}
	}
	if corr.Uncertain {
		t.Error("Correction must carry the certain verdict")
	}
	if corr.Coverage != 1.0 {
		t.Errorf("Expected full coverage in correction, got %f", corr.Coverage)
	}

	summary, err := eng.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	// поправка не добавляет предложений
	if summary.SentenceCount != 1 {
		t.Errorf("Expected 1 sentence despite correction, got %d", summary.SentenceCount)
	}
}

// TestEngineStitchesAdjacentSameSpeaker две подряд финальные реплики
// одного голоса с короткой паузой склеиваются в одну
func TestEngineStitchesAdjacentSameSpeaker(t *testing.T) {
	sink := &captureSink{}
	eng := newTestEngine(t, nil, sink, nil)
	if err := eng.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	eng.ProcessAudio(bandPCM(800, 64000), 0)

	eng.ProcessTranscript(TranscriptSegment{ID: "p1", Text: "so first part", StartMs: 0, EndMs: 1400, Final: true})
	eng.ProcessTranscript(TranscriptSegment{ID: "p2", Text: "then the rest", StartMs: 1800, EndMs: 3000, Final: true})

	summary, err := eng.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	finals := finalSentences(sink.sentenceEvents())
	if len(finals) != 1 {
		t.Fatalf("Expected 1 stitched sentence, got %d: %+v", len(finals), finals)
	}
	m := finals[0]
	if m.Text != "so first part then the rest" {
		t.Errorf("Unexpected stitched text: %q", m.Text)
	}
	if m.SegmentID != "p1" || m.StartMs != 0 || m.EndMs != 3000 {
		t.Errorf("Unexpected stitched bounds: %+v", m)
	}
	if summary.SentenceCount != 1 {
		t.Errorf("Expected 1 sentence in summary, got %d", summary.SentenceCount)
	}
}

// TestEngineSplitsSentenceAtSpeakerChange сегмент распознавателя
// накрыл смену голоса: он режется по ближайшей границе слова, и
// половины уходят разным участникам
func TestEngineSplitsSentenceAtSpeakerChange(t *testing.T) {
	registry := newPrintRegistry(t)
	sink := &captureSink{}
	eng := newTestEngine(t, registry, sink, nil)
	if err := eng.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// alice две секунды, bob две с половиной, хвост alice коммитит
	// интервал bob и даёт ему эмбеддинг
	eng.ProcessAudio(bandPCM(800, 32000), 0)
	eng.ProcessAudio(bandPCM(1800, 40000), 32000)
	eng.ProcessAudio(bandPCM(800, 20480), 72000)

	waitFor(t, 3*time.Second, func() bool {
		a, okA := eng.resolver.Resolve(diar.SpeakerLabel(0))
		b, okB := eng.resolver.Resolve(diar.SpeakerLabel(1))
		return okA && okB && a.Known && b.Known
	}, "both speakers to bind to the registry")

	seg := TranscriptSegment{
		ID:      "m1",
		Text:    "hello friend thanks again",
		StartMs: 0,
		EndMs:   3000,
		Final:   true,
		Words: []TranscriptWord{
			{StartMs: 0, EndMs: 700, Text: "hello"},
			{StartMs: 750, EndMs: 1450, Text: "friend"},
			{StartMs: 2150, EndMs: 2600, Text: "thanks"},
			{StartMs: 2650, EndMs: 3000, Text: "again"},
		},
	}
	if err := eng.ProcessTranscript(seg); err != nil {
		t.Fatalf("ProcessTranscript failed: %v", err)
	}

	if _, err := eng.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	finals := finalSentences(sink.sentenceEvents())
	if len(finals) != 2 {
		t.Fatalf("Expected 2 sentences after split, got %d: %+v", len(finals), finals)
	}

	left, right := finals[0], finals[1]
	if left.SegmentID != "m1.a" || right.SegmentID != "m1.b" {
		t.Errorf("Unexpected split ids: %s, %s", left.SegmentID, right.SegmentID)
	}
	if left.Text != "hello friend" || right.Text != "thanks again" {
		t.Errorf("Unexpected split texts: %q | %q", left.Text, right.Text)
	}
	if left.SpeakerLabel != "alice" || right.SpeakerLabel != "bob" {
		t.Errorf("Expected alice | bob, got %s | %s", left.SpeakerLabel, right.SpeakerLabel)
	}
	if left.EndMs != 2150 || right.StartMs != 2150 {
		t.Errorf("Split must land on a word boundary: left end %d, right start %d", left.EndMs, right.StartMs)
	}
}

// TestEnginePartialBypassesStitching промежуточная версия уходит сразу
// и не считается предложением
func TestEnginePartialBypassesStitching(t *testing.T) {
	sink := &captureSink{}
	eng := newTestEngine(t, nil, sink, nil)
	if err := eng.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	eng.ProcessAudio(bandPCM(800, 41000), 0)
	eng.ProcessTranscript(TranscriptSegment{ID: "pp", Text: "typing in prog", StartMs: 0, EndMs: 1000, Final: false})

	evs := sink.sentenceEvents()
	if len(evs) != 1 || evs[0].IsFinal {
		t.Fatalf("Partial must be delivered immediately as non-final, got %+v", evs)
	}

	eng.ProcessTranscript(TranscriptSegment{ID: "pp", Text: "typing in progress", StartMs: 0, EndMs: 1000, Final: true})
	summary, err := eng.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if summary.SentenceCount != 1 {
		t.Errorf("Only the final version counts, got %d", summary.SentenceCount)
	}
}

// TestEngineIgnoresEmptyTranscript пустой текст не рождает событий
func TestEngineIgnoresEmptyTranscript(t *testing.T) {
	sink := &captureSink{}
	eng := newTestEngine(t, nil, sink, nil)
	eng.Start()

	if err := eng.ProcessTranscript(TranscriptSegment{ID: "e", Text: "   ", StartMs: 0, EndMs: 500, Final: true}); err != nil {
		t.Fatalf("Empty transcript must not error: %v", err)
	}

	summary, _ := eng.Stop()
	if len(sink.sentenceEvents()) != 0 {
		t.Errorf("Empty transcript produced events: %+v", sink.sentenceEvents())
	}
	if summary.SentenceCount != 0 {
		t.Errorf("Expected 0 sentences, got %d", summary.SentenceCount)
	}
}

// TestEngineLifecycleGuards вход вне streaming отклоняется, повторные
// переходы невозможны
func TestEngineLifecycleGuards(t *testing.T) {
	eng := newTestEngine(t, nil, &captureSink{}, nil)

	if eng.State() != StateNotStarted {
		t.Errorf("Fresh engine state = %s", eng.State())
	}
	if err := eng.ProcessAudio(bandPCM(800, 1600), 0); err == nil {
		t.Error("Audio before Start must be rejected")
	}
	if err := eng.ProcessTranscript(TranscriptSegment{Text: "x", EndMs: 100, Final: true}); err == nil {
		t.Error("Transcript before Start must be rejected")
	}
	if _, err := eng.Stop(); err == nil {
		t.Error("Stop before Start must fail")
	}

	if err := eng.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := eng.Start(); err == nil {
		t.Error("Second Start must fail")
	}
	if eng.State() != StateStreaming {
		t.Errorf("State after Start = %s", eng.State())
	}

	if _, err := eng.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if eng.State() != StateStopped {
		t.Errorf("State after Stop = %s", eng.State())
	}
	if _, err := eng.Stop(); err == nil {
		t.Error("Second Stop must fail")
	}
	if err := eng.ProcessAudio(bandPCM(800, 1600), 0); err == nil {
		t.Error("Audio after Stop must be rejected")
	}
}
