package voiceprint

import (
	"log"
	"math"
	"sort"
)

// Matcher выполняет поиск совпадений по реестру участников
type Matcher struct {
	registry Registry
}

// NewMatcher создаёт matcher поверх реестра
func NewMatcher(registry Registry) *Matcher {
	return &Matcher{registry: registry}
}

// FindBest ищет лучшее и второе по качеству совпадение для embedding.
// Возвращает nil, если ни одно сходство не дотянуло до ThresholdMin.
// Второй кандидат нужен для отрыва (margin) - меры различимости.
func (m *Matcher) FindBest(embedding []float32) *Match {
	if m.registry == nil || len(embedding) == 0 {
		return nil
	}

	// pgvector умеет искать ближайших на стороне БД
	if s, ok := m.registry.(Searcher); ok {
		matches, err := s.Search(embedding, 2)
		if err != nil {
			log.Printf("[VoicePrint] search failed, falling back to scan: %v", err)
		} else {
			return pickBest(matches)
		}
	}

	voiceprints := m.registry.GetAll()
	if len(voiceprints) == 0 {
		return nil
	}

	var best, second *Match
	for i := range voiceprints {
		vp := &voiceprints[i]
		similarity := CosineSimilarity(embedding, vp.Embedding)
		cand := &Match{VoicePrint: vp, Similarity: similarity}
		switch {
		case best == nil || similarity > best.Similarity:
			second = best
			best = cand
		case second == nil || similarity > second.Similarity:
			second = cand
		}
	}
	return finishMatch(best, second)
}

func pickBest(matches []Match) *Match {
	var best, second *Match
	if len(matches) > 0 {
		best = &matches[0]
	}
	if len(matches) > 1 {
		second = &matches[1]
	}
	return finishMatch(best, second)
}

func finishMatch(best, second *Match) *Match {
	if best == nil || best.Similarity < ThresholdMin {
		return nil
	}
	// Копируем чтобы не отдавать указатель внутрь чужого slice
	vpCopy := *best.VoicePrint
	out := &Match{
		VoicePrint: &vpCopy,
		Similarity: best.Similarity,
		Confidence: GetConfidence(best.Similarity),
	}
	if second != nil {
		out.Margin = best.Similarity - second.Similarity
	} else {
		out.Margin = best.Similarity
	}
	return out
}

// FindAll возвращает все совпадения выше порога, по убыванию сходства
func (m *Matcher) FindAll(embedding []float32, threshold float32) []Match {
	if m.registry == nil {
		return nil
	}

	voiceprints := m.registry.GetAll()
	var matches []Match
	for i := range voiceprints {
		vp := &voiceprints[i]
		similarity := CosineSimilarity(embedding, vp.Embedding)
		if similarity >= threshold {
			vpCopy := *vp
			matches = append(matches, Match{
				VoicePrint: &vpCopy,
				Similarity: similarity,
				Confidence: GetConfidence(similarity),
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	return matches
}

// CosineSimilarity вычисляет косинусное сходство между двумя векторами.
// Возвращает значение от -1 до 1, где 1 = идентичные.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// CosineDistance = 1 - CosineSimilarity
func CosineDistance(a, b []float32) float64 {
	return 1.0 - float64(CosineSimilarity(a, b))
}
