package session

import (
	"voxid/diar"
)

// LabelOverlap вердикт атрибуции: одновременная речь нескольких спикеров
const LabelOverlap = "overlap"

// Attribution вердикт атрибуции одного текстового диапазона
type Attribution struct {
	Label      string  // spk_N, overlap или uncertain
	Confidence float32 // средневзвешенная по длительности уверенность метки
	Coverage   float32 // доля диапазона, покрытая решающей меткой
	Overlap    bool
	Uncertain  bool
}

// labelCover накопитель покрытия одной метки
type labelCover struct {
	dur     int64
	confSum float64
}

// AttributeSpan назначает диапазону [startSample, endSample) одну метку
// спикера по покрытию интервалами диаризации. Правила в порядке
// убывания приоритета: нет покрытия, перекрытие, неопределённость,
// слабая доминация, доминирующая метка. Интервалы с определённым
// наложением не дают голосовых улик и считаются отдельной долей;
// possible-наложение сохраняет метку лучшего спикера.
func AttributeSpan(ivs []diar.Interval, startSample, endSample int64, cfg *EngineConfig) Attribution {
	total := endSample - startSample
	if total <= 0 {
		return Attribution{Label: diar.LabelUncertain, Uncertain: true}
	}

	var covered, overlapDur, uncertainDur int64
	perLabel := make(map[string]*labelCover)

	for _, iv := range ivs {
		s, e := clipSpan(iv, startSample, endSample)
		if e <= s {
			continue
		}
		dur := e - s
		covered += dur

		switch {
		case iv.Overlap == diar.OverlapDefinite:
			overlapDur += dur
		case iv.Label == diar.LabelUncertain:
			uncertainDur += dur
		default:
			lc := perLabel[iv.Label]
			if lc == nil {
				lc = &labelCover{}
				perLabel[iv.Label] = lc
			}
			lc.dur += dur
			lc.confSum += float64(iv.Confidence) * float64(dur)
		}
	}

	if covered == 0 {
		return Attribution{Label: diar.LabelUncertain, Uncertain: true}
	}

	if float32(overlapDur)/float32(covered) >= cfg.OverlapRatio {
		return Attribution{
			Label:    LabelOverlap,
			Coverage: spanRatio(overlapDur, total),
			Overlap:  true,
		}
	}

	if float32(uncertainDur)/float32(covered) >= cfg.UncertainRatio {
		return Attribution{
			Label:     diar.LabelUncertain,
			Coverage:  spanRatio(uncertainDur, total),
			Uncertain: true,
		}
	}

	var bestLabel string
	var best *labelCover
	for label, lc := range perLabel {
		if best == nil || lc.dur > best.dur || (lc.dur == best.dur && label < bestLabel) {
			bestLabel, best = label, lc
		}
	}
	if best == nil {
		return Attribution{Label: diar.LabelUncertain, Uncertain: true}
	}

	coverage := spanRatio(best.dur, total)
	if coverage < cfg.DominanceRatio {
		return Attribution{Label: diar.LabelUncertain, Coverage: coverage, Uncertain: true}
	}

	return Attribution{
		Label:      bestLabel,
		Confidence: float32(best.confSum / float64(best.dur)),
		Coverage:   coverage,
	}
}

// clipSpan обрезает интервал до границ диапазона
func clipSpan(iv diar.Interval, startSample, endSample int64) (int64, int64) {
	s, e := iv.StartSample, iv.EndSample
	if s < startSample {
		s = startSample
	}
	if e > endSample {
		e = endSample
	}
	return s, e
}

func spanRatio(part, total int64) float32 {
	if total <= 0 {
		return 0
	}
	r := float32(part) / float32(total)
	if r > 1 {
		r = 1
	}
	return r
}
