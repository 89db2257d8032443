package voiceprint

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// ResolverConfig параметры привязки меток диаризации к личностям.
// Время измеряется в аудио-времени сессии (сэмплы), а не в настенных
// часах: пауза в подаче аудио не должна старить маппинги.
type ResolverConfig struct {
	SampleRate         int     `json:"sampleRate"`
	AcceptThreshold    float32 `json:"acceptThreshold"`    // минимальное сходство для привязки
	SwitchMargin       float32 `json:"switchMargin"`       // насколько претендент должен превосходить текущего
	SwitchObservations int     `json:"switchObservations"` // подряд наблюдений для смены личности
	SwitchWindowMs     int     `json:"switchWindowMs"`     // окно, в котором наблюдения должны уложиться
	MappingTTLMs       int     `json:"mappingTtlMs"`       // срок жизни маппинга без подтверждений
}

// DefaultResolverConfig значения по умолчанию
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		SampleRate:         16000,
		AcceptThreshold:    ThresholdMin,
		SwitchMargin:       0.10,
		SwitchObservations: 3,
		SwitchWindowMs:     10000,
		MappingTTLMs:       300000,
	}
}

// Resolution итог привязки метки: известный участник или аноним
type Resolution struct {
	Identity    string  `json:"identity"`    // UUID участника или анонимной личности
	DisplayName string  `json:"displayName"` // имя участника или "Speaker N"
	Known       bool    `json:"known"`       // найден в реестре
	Score       float32 `json:"score"`       // сходство последнего подтверждения
}

// mapping привязка непрозрачной метки к личности
type mapping struct {
	identity   string
	score      float32
	lastUpdate int64 // сэмпл последнего подтверждения
}

// pendingSwitch серия наблюдений претендента на смену личности
type pendingSwitch struct {
	identity  string
	count     int
	firstSeen int64
}

// Resolver решает, какой известный участник скрывается за непрозрачной
// меткой диаризации, и удерживает это решение стабильным: смена
// личности требует отрыва по сходству и серии подтверждений,
// маппинги один-к-одному и истекают по TTL.
type Resolver struct {
	mu      sync.Mutex
	cfg     ResolverConfig
	matcher *Matcher

	labels  map[string]*mapping       // метка -> личность
	byIdent map[string]string         // личность -> метка (один-к-одному)
	pending map[string]*pendingSwitch // метка -> кандидат на смену
	aliases map[string][]string       // метка -> выданные ей анонимные личности

	// объединение анонимов: подтверждённая личность становится корнем
	// для всех алиасов метки, история переживает сбросы сессии
	parent  map[string]string
	names   map[string]string // личность -> отображаемое имя
	known   map[string]bool   // личность из реестра
	anonSeq int
}

// NewResolver создаёт резолвер поверх matcher
func NewResolver(matcher *Matcher, cfg ResolverConfig) *Resolver {
	return &Resolver{
		cfg:     cfg,
		matcher: matcher,
		labels:  make(map[string]*mapping),
		byIdent: make(map[string]string),
		pending: make(map[string]*pendingSwitch),
		aliases: make(map[string][]string),
		parent:  make(map[string]string),
		names:   make(map[string]string),
		known:   make(map[string]bool),
	}
}

// Observe учитывает свежий эмбеддинг метки и возвращает актуальную
// привязку. Пустой эмбеддинг или сходство ниже порога оставляют
// прежний маппинг на месте: деградация никогда не стирает решение.
func (r *Resolver) Observe(label string, embedding []float32, atSample int64) Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expireLocked(atSample)
	m := r.labels[label]

	var match *Match
	if len(embedding) > 0 {
		match = r.matcher.FindBest(embedding)
	}

	if match == nil || match.Similarity < r.cfg.AcceptThreshold {
		if m == nil {
			return r.assignAnonLocked(label, atSample)
		}
		if !r.known[m.identity] {
			// аноним подтверждается самим фактом наблюдения
			m.lastUpdate = atSample
		}
		return r.resolutionLocked(m)
	}

	ident := match.VoicePrint.ID
	r.names[ident] = match.VoicePrint.Name
	r.known[ident] = true

	switch {
	case m == nil:
		r.commitLocked(label, ident, match.Similarity, atSample)

	case m.identity == ident || r.findLocked(m.identity) == ident:
		m.score = match.Similarity
		m.lastUpdate = atSample
		delete(r.pending, label)
		// аноним, совпавший с участником, подтверждает объединение
		if m.identity != ident {
			r.commitLocked(label, ident, match.Similarity, atSample)
		}

	case !r.known[r.findLocked(m.identity)]:
		// анонимная привязка уступает уверенному известному голосу
		// сразу, гистерезис нужен только между участниками реестра
		r.commitLocked(label, ident, match.Similarity, atSample)

	default:
		r.trySwitchLocked(label, m, ident, match.Similarity, atSample)
	}

	return r.resolutionLocked(r.labels[label])
}

// trySwitchLocked гистерезис смены личности: претендент должен
// превосходить текущую привязку с запасом и продержаться лучшим
// SwitchObservations наблюдений внутри окна
func (r *Resolver) trySwitchLocked(label string, m *mapping, ident string, score float32, atSample int64) {
	if score <= m.score+r.cfg.SwitchMargin {
		// недостаточный отрыв прерывает серию претендента
		delete(r.pending, label)
		return
	}

	ps := r.pending[label]
	window := r.msToSamples(r.cfg.SwitchWindowMs)
	if ps == nil || ps.identity != ident || atSample-ps.firstSeen > window {
		ps = &pendingSwitch{identity: ident, firstSeen: atSample}
		r.pending[label] = ps
	}
	ps.count++
	if ps.count < r.cfg.SwitchObservations {
		return
	}

	delete(r.pending, label)
	log.Printf("[Resolver] %s switches %s -> %s after %d observations",
		label, r.displayLocked(m.identity), r.displayLocked(ident), ps.count)
	r.commitLocked(label, ident, score, atSample)
}

// commitLocked привязывает метку к личности, поддерживая инвариант
// один-к-одному: другая метка с той же личностью выселяется
func (r *Resolver) commitLocked(label, ident string, score float32, atSample int64) {
	if other, ok := r.byIdent[ident]; ok && other != label {
		delete(r.labels, other)
		delete(r.pending, other)
		log.Printf("[Resolver] evicted %s from %s", other, r.displayLocked(ident))
	}

	if old := r.labels[label]; old != nil && old.identity != ident {
		if r.byIdent[old.identity] == label {
			delete(r.byIdent, old.identity)
		}
	}

	// все анонимы, когда-либо выданные метке, сливаются с личностью
	for _, alias := range r.aliases[label] {
		r.unionLocked(alias, ident)
	}

	r.labels[label] = &mapping{identity: ident, score: score, lastUpdate: atSample}
	r.byIdent[ident] = label
}

// assignAnonLocked выдаёт метке свежую анонимную личность
func (r *Resolver) assignAnonLocked(label string, atSample int64) Resolution {
	r.anonSeq++
	ident := uuid.New().String()
	r.names[ident] = fmt.Sprintf("Speaker %d", r.anonSeq)
	r.aliases[label] = append(r.aliases[label], ident)
	r.labels[label] = &mapping{identity: ident, lastUpdate: atSample}
	r.byIdent[ident] = label
	log.Printf("[Resolver] %s assigned anonymous identity %s", label, r.names[ident])
	return r.resolutionLocked(r.labels[label])
}

// Resolve возвращает текущую привязку метки без наблюдения
func (r *Resolver) Resolve(label string) (Resolution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.labels[label]
	if m == nil {
		return Resolution{}, false
	}
	return r.resolutionLocked(m), true
}

// ResolveIdentity сводит личность (в т.ч. анонимный алиас) к корню
// объединения: алиас, слитый с участником, отображается как участник
func (r *Resolver) ResolveIdentity(ident string) Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	root := r.findLocked(ident)
	return Resolution{
		Identity:    root,
		DisplayName: r.displayLocked(root),
		Known:       r.known[root],
	}
}

func (r *Resolver) resolutionLocked(m *mapping) Resolution {
	if m == nil {
		return Resolution{DisplayName: "unknown"}
	}
	root := r.findLocked(m.identity)
	return Resolution{
		Identity:    root,
		DisplayName: r.displayLocked(root),
		Known:       r.known[root],
		Score:       m.score,
	}
}

func (r *Resolver) displayLocked(ident string) string {
	root := r.findLocked(ident)
	if name, ok := r.names[root]; ok {
		return name
	}
	return root
}

// expireLocked выбрасывает маппинги старше TTL: метка, доставшаяся
// новому голосу после ухода старого, не должна наследовать личность
func (r *Resolver) expireLocked(atSample int64) {
	ttl := r.msToSamples(r.cfg.MappingTTLMs)
	for label, m := range r.labels {
		if atSample-m.lastUpdate > ttl {
			if r.byIdent[m.identity] == label {
				delete(r.byIdent, m.identity)
			}
			delete(r.labels, label)
			delete(r.pending, label)
			log.Printf("[Resolver] mapping %s -> %s expired", label, r.displayLocked(m.identity))
		}
	}
}

// Reset очищает привязки сессии (полный сброс диаризации). История
// объединения анонимов сохраняется: уже слитые с участником алиасы
// продолжают резолвиться в него.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels = make(map[string]*mapping)
	r.byIdent = make(map[string]string)
	r.pending = make(map[string]*pendingSwitch)
	r.aliases = make(map[string][]string)
}

// MappingCount количество активных привязок
func (r *Resolver) MappingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.labels)
}

// findLocked корень объединения с сжатием пути
func (r *Resolver) findLocked(x string) string {
	p, ok := r.parent[x]
	if !ok || p == x {
		return x
	}
	root := r.findLocked(p)
	r.parent[x] = root
	return root
}

// unionLocked сливает два дерева; известная личность предпочитается
// как корень
func (r *Resolver) unionLocked(a, b string) {
	ra, rb := r.findLocked(a), r.findLocked(b)
	if ra == rb {
		return
	}
	// корнем становится известный участник
	if r.known[ra] && !r.known[rb] {
		ra, rb = rb, ra
	}
	r.parent[ra] = rb
}

func (r *Resolver) msToSamples(ms int) int64 {
	return int64(ms) * int64(r.cfg.SampleRate) / 1000
}
