package voiceprint

import (
	"fmt"
	"log"
)

// Embedder извлекает вектор голоса из PCM16. Реализуется моделями
// пакета ai, здесь только контракт.
type Embedder interface {
	Embed(pcm []int16) ([]float32, error)
}

// Adder хранилище, умеющее регистрировать новые отпечатки
type Adder interface {
	Add(name string, embedding []float32, source string) (*VoicePrint, error)
}

// minEnrollSamples минимум аудио для энроллмента: 1.5 с при 16 кГц,
// столько же, сколько нужно трекам сессии для первого эмбеддинга
const minEnrollSamples = 24000

// Enroll извлекает эмбеддинг из записи и регистрирует участника
func Enroll(store Adder, enc Embedder, name string, pcm []int16, source string) (*VoicePrint, error) {
	if name == "" {
		return nil, fmt.Errorf("participant name is empty")
	}
	if len(pcm) < minEnrollSamples {
		return nil, fmt.Errorf("enrollment audio too short: %d samples, need %d", len(pcm), minEnrollSamples)
	}

	emb, err := enc.Embed(pcm)
	if err != nil {
		return nil, fmt.Errorf("enrollment embedding: %w", err)
	}

	vp, err := store.Add(name, emb, source)
	if err != nil {
		return nil, err
	}

	log.Printf("[VoicePrint] enrolled %s (%s), embedding dim %d", vp.Name, vp.ID, len(emb))
	return vp, nil
}
