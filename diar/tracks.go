package diar

import (
	"log"
	"math"
	"sync"
)

// EmbedJob чистое аудио трека, готовое для вычисления эмбеддинга.
// Вычисление выполняется вне lock стабилизатора (CPU-тяжёлая работа),
// результат возвращается через TrackSet.Blend.
type EmbedJob struct {
	Label string
	PCM   []int16
}

// Track накопитель чистого аудио одного непрозрачного спикера и его
// центроидный эмбеддинг (EMA, нормированный на единичную длину)
type Track struct {
	Label      string
	clean      []int16   // буфер чистого (без наложений) аудио
	centroid   []float32 // nil пока эмбеддинг не посчитан
	updates    int       // сколько раз обновляли центроид
	pending    bool      // эмбеддинг буфера уже отправлен считаться
	lastSample int64     // абсолютный сэмпл последнего чистого аудио
	totalClean int64     // всего собрано чистых сэмплов
}

// Updates количество влитых в центроид эмбеддингов
func (t *Track) Updates() int { return t.updates }

// TrackSet треки всех спикеров сессии. Создаётся стабилизатором,
// очищается при полном сбросе состояния.
type TrackSet struct {
	mu     sync.Mutex
	cfg    *StabilizerConfig
	tracks map[string]*Track
}

func newTrackSet(cfg *StabilizerConfig) *TrackSet {
	return &TrackSet{cfg: cfg, tracks: make(map[string]*Track)}
}

// AddClean добавляет чистый сегмент аудио в трек метки. Если трек
// накопил достаточно аудио и центроид ещё не сошёлся, возвращает
// задание на вычисление эмбеддинга (буфер передаётся заданию).
func (ts *TrackSet) AddClean(label string, pcm []int16, endSample int64) *EmbedJob {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t := ts.tracks[label]
	if t == nil {
		t = &Track{Label: label}
		ts.tracks[label] = t
		log.Printf("Stabilizer: new speaker track %s", label)
	}

	t.clean = append(t.clean, pcm...)
	t.totalClean += int64(len(pcm))
	t.lastSample = endSample

	// буфер ограничен: старое аудио вытесняется
	if max := int(msToSamples(ts.cfg.TrackBufMaxMs)); len(t.clean) > max {
		t.clean = append(t.clean[:0:0], t.clean[len(t.clean)-max:]...)
	}

	if t.pending || t.updates >= ts.cfg.CentroidMaxUpdate {
		return nil
	}
	if int64(len(t.clean)) < msToSamples(ts.cfg.EmbedMinMs) {
		return nil
	}

	// буфер уходит в задание целиком, трек начинает копить заново
	job := &EmbedJob{Label: label, PCM: t.clean}
	t.clean = nil
	t.pending = true
	return job
}

// Blend вливает посчитанный эмбеддинг в центроид трека и возвращает
// копию обновлённого центроида. Пустой эмбеддинг (ошибка модели)
// оставляет центроид без изменений.
func (ts *TrackSet) Blend(label string, emb []float32) ([]float32, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t := ts.tracks[label]
	if t == nil {
		return nil, false
	}
	t.pending = false
	if len(emb) == 0 {
		return nil, false
	}

	if t.centroid == nil {
		t.centroid = normalizeVector(append([]float32(nil), emb...))
	} else {
		if len(emb) != len(t.centroid) {
			log.Printf("Stabilizer: embedding dim mismatch for %s: %d != %d", label, len(emb), len(t.centroid))
			return nil, false
		}
		a := ts.cfg.CentroidAlpha
		mixed := make([]float32, len(t.centroid))
		for i := range mixed {
			mixed[i] = (1-a)*t.centroid[i] + a*emb[i]
		}
		t.centroid = normalizeVector(mixed)
	}
	t.updates++

	return append([]float32(nil), t.centroid...), true
}

// Centroid копия текущего центроида метки
func (ts *TrackSet) Centroid(label string) ([]float32, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := ts.tracks[label]
	if t == nil || t.centroid == nil {
		return nil, false
	}
	return append([]float32(nil), t.centroid...), true
}

// Labels метки всех треков
func (ts *TrackSet) Labels() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]string, 0, len(ts.tracks))
	for label := range ts.tracks {
		out = append(out, label)
	}
	return out
}

// CleanSamples сколько чистых сэмплов сейчас в буфере метки
func (ts *TrackSet) CleanSamples(label string) int64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := ts.tracks[label]
	if t == nil {
		return 0
	}
	return int64(len(t.clean))
}

// Reset удаляет все треки
func (ts *TrackSet) Reset() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.tracks = make(map[string]*Track)
}

// Len количество треков
func (ts *TrackSet) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tracks)
}

// normalizeVector нормирует вектор на единичную длину (in place)
func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
