package session

import (
	"log"
	"strings"

	"voxid/diar"
	"voxid/voiceprint"
)

// splitPoint кандидат на разрез предложения по смене спикера
type splitPoint struct {
	sample int64  // абсолютный сэмпл границы
	left   string // метка до границы
	right  string // метка после границы
}

// findSpeakerChange ищет в покрытии диапазона уверенную смену метки,
// оставляющую не меньше minPart сэмплов с обеих сторон. Интервалы без
// спикера и с определённым наложением пропускаются: граница ищется
// только между двумя ясными голосами.
func findSpeakerChange(ivs []diar.Interval, startSample, endSample, minPart int64) (splitPoint, bool) {
	var cur string
	for _, iv := range ivs {
		if iv.Label == diar.LabelUncertain || iv.Overlap == diar.OverlapDefinite {
			continue
		}
		s, e := clipSpan(iv, startSample, endSample)
		if e <= s {
			continue
		}
		if cur == "" || iv.Label == cur {
			cur = iv.Label
			continue
		}
		boundary := s
		if boundary-startSample >= minPart && endSample-boundary >= minPart {
			return splitPoint{sample: boundary, left: cur, right: iv.Label}, true
		}
		cur = iv.Label
	}
	return splitPoint{}, false
}

// snapSplitToWord подбирает границу слов, ближайшую к смене спикера.
// Возвращает индекс первого слова правой половины.
func snapSplitToWord(words []TranscriptWord, boundaryMs int64) (int, bool) {
	if len(words) < 2 {
		return 0, false
	}
	bestIdx := -1
	bestDist := int64(-1)
	for i := 1; i < len(words); i++ {
		d := words[i].StartMs - boundaryMs
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist {
			bestIdx, bestDist = i, d
		}
	}
	return bestIdx, bestIdx > 0
}

// joinWords собирает текст из слов
func joinWords(words []TranscriptWord) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		parts = append(parts, w.Text)
	}
	return strings.Join(parts, " ")
}

// trySplit пытается разрезать предложение на смене спикера. Разрез
// остаётся в силе только когда эмбеддинги половин звучат как разные
// люди: одиночный сбой диаризации не должен дробить реплику. Без
// пословных таймстемпов от распознавателя резать не по чему.
func (e *Engine) trySplit(seg TranscriptSegment) (left, right TranscriptSegment, ok bool) {
	if len(seg.Words) < 2 || e.encoder == nil {
		return left, right, false
	}

	startSample := diar.MsToSamples(seg.StartMs)
	endSample := diar.MsToSamples(seg.EndMs)
	minPart := diar.MsToSamples(int64(e.cfg.SplitMinPartMs))

	ivs := e.coverage(startSample, endSample)
	change, found := findSpeakerChange(ivs, startSample, endSample, minPart)
	if !found {
		return left, right, false
	}

	idx, snapped := snapSplitToWord(seg.Words, diar.SamplesToMs(change.sample))
	if !snapped {
		return left, right, false
	}
	cutMs := seg.Words[idx].StartMs
	if cutMs-seg.StartMs < int64(e.cfg.SplitMinPartMs) || seg.EndMs-cutMs < int64(e.cfg.SplitMinPartMs) {
		return left, right, false
	}

	cutSample := diar.MsToSamples(cutMs)
	leftPCM, okL := e.stab.AudioRange(startSample, cutSample)
	rightPCM, okR := e.stab.AudioRange(cutSample, endSample)
	if !okL || !okR {
		return left, right, false
	}

	leftEmb, errL := e.encoder.Embed(leftPCM)
	rightEmb, errR := e.encoder.Embed(rightPCM)
	if errL != nil || errR != nil {
		log.Printf("Engine: split embedding failed for %s: %v %v", seg.ID, errL, errR)
		return left, right, false
	}
	if sim := voiceprint.CosineSimilarity(leftEmb, rightEmb); sim >= e.cfg.SplitCosineMax {
		log.Printf("Engine: split of %s rejected, halves sound alike (%.2f)", seg.ID, sim)
		return left, right, false
	}

	left = TranscriptSegment{
		ID:      seg.ID + ".a",
		Text:    joinWords(seg.Words[:idx]),
		StartMs: seg.StartMs,
		EndMs:   cutMs,
		Final:   seg.Final,
		Words:   seg.Words[:idx],
	}
	right = TranscriptSegment{
		ID:      seg.ID + ".b",
		Text:    joinWords(seg.Words[idx:]),
		StartMs: cutMs,
		EndMs:   seg.EndMs,
		Final:   seg.Final,
		Words:   seg.Words[idx:],
	}
	log.Printf("Engine: segment %s split at %d ms (%s | %s)", seg.ID, cutMs, change.left, change.right)
	return left, right, true
}
