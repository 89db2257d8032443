package diar

// frameClass решение по одному кадру модели до сглаживания
type frameClass struct {
	speaker int     // индекс argmax, -1 для неуверенного кадра
	conf    float32 // top-вероятность
	flag    OverlapFlag
}

// classifyFrame раскладывает вектор вероятностей на решение по кадру.
// Кадр ниже MinConfidence считается неуверенным (нет спикера). Второй
// по величине спикер выше OverlapRatio*MinConfidence означает
// одновременную речь; малый отрыв от второго - возможное наложение.
func (c *StabilizerConfig) classifyFrame(probs []float32) frameClass {
	best, second := -1, -1
	var bp, sp float32
	for i, p := range probs {
		switch {
		case best == -1 || p > bp:
			second, sp = best, bp
			best, bp = i, p
		case second == -1 || p > sp:
			second, sp = i, p
		}
	}

	if best < 0 || bp < c.MinConfidence {
		return frameClass{speaker: -1, conf: bp, flag: OverlapNone}
	}
	if second >= 0 && sp >= c.MinConfidence*c.OverlapRatio {
		return frameClass{speaker: best, conf: bp, flag: OverlapDefinite}
	}
	if second >= 0 && bp-sp < c.MinMargin {
		return frameClass{speaker: best, conf: bp, flag: OverlapPossible}
	}
	return frameClass{speaker: best, conf: bp, flag: OverlapNone}
}

// smoother гистерезис стабильного спикера. Текущий спикер сохраняется,
// пока кандидат не продержится SwitchFrames подряд уверенных кадров с
// достаточным отрывом; одиночные выбросы модели сглаживаются в пользу
// текущего спикера.
type smoother struct {
	cfg *StabilizerConfig

	stable    int // текущий стабильный спикер, -1 пока не назначен
	candidate int
	candRun   int
}

func newSmoother(cfg *StabilizerConfig) *smoother {
	return &smoother{cfg: cfg, stable: -1, candidate: -1}
}

func (s *smoother) reset() {
	s.stable = -1
	s.candidate = -1
	s.candRun = 0
}

func (s *smoother) dropCandidate() {
	s.candidate = -1
	s.candRun = 0
}

// apply возвращает сглаженное решение по кадру
func (s *smoother) apply(fc frameClass) frameClass {
	switch {
	case fc.speaker < 0:
		// неуверенный кадр прерывает серию кандидата
		s.dropCandidate()
		return fc

	case fc.flag != OverlapNone:
		// наложение не копит серию и не меняет стабильного спикера
		s.dropCandidate()
		if s.stable >= 0 {
			fc.speaker = s.stable
		}
		return fc

	case s.stable < 0:
		// первый уверенный кадр назначает спикера без ожидания серии
		s.stable = fc.speaker
		s.dropCandidate()
		return fc

	case fc.speaker == s.stable:
		s.dropCandidate()
		return fc

	default:
		if fc.speaker == s.candidate {
			s.candRun++
		} else {
			s.candidate = fc.speaker
			s.candRun = 1
		}
		if s.candRun >= s.cfg.SwitchFrames {
			s.stable = fc.speaker
			s.dropCandidate()
			return fc
		}
		// выброс короче K кадров: остаёмся на стабильном спикере
		fc.speaker = s.stable
		return fc
	}
}
