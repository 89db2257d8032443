// Package voiceprint предоставляет реестр голосовых отпечатков
// известных участников и резолвер, привязывающий непрозрачные метки
// диаризации к личностям по сходству эмбеддингов
package voiceprint

import "time"

// VoicePrint сохранённый голосовой отпечаток участника
type VoicePrint struct {
	ID         string    `json:"id"`         // UUID
	Name       string    `json:"name"`       // Имя участника
	Embedding  []float32 `json:"embedding"`  // нормированный вектор голоса
	CreatedAt  time.Time `json:"createdAt"`  // Время создания
	UpdatedAt  time.Time `json:"updatedAt"`  // Время последнего обновления
	LastSeenAt time.Time `json:"lastSeenAt"` // Время последнего распознавания
	SeenCount  int       `json:"seenCount"`  // Количество встреч (для усреднения)
	Source     string    `json:"source,omitempty"` // "mic" или "file" - откуда записан
}

// storeFile формат JSON файла реестра
type storeFile struct {
	Version     int          `json:"version"`     // Версия формата (для миграций)
	VoicePrints []VoicePrint `json:"voiceprints"` // Список голосовых отпечатков
}

// Match результат поиска совпадения
type Match struct {
	VoicePrint *VoicePrint
	Similarity float32 // косинусное сходство (0-1)
	Margin     float32 // отрыв от второго кандидата
	Confidence string  // "high", "medium", "low", "none"
}

// Registry источник известных участников. Реализуется JSON-файлом и
// Postgres-хранилищем; резолверу всё равно, откуда берутся отпечатки.
type Registry interface {
	GetAll() []VoicePrint
	UpdateEmbedding(id string, embedding []float32) error
}

// Searcher опциональная серверная векторная выборка (pgvector).
// Возвращает ближайшие отпечатки по убыванию сходства.
type Searcher interface {
	Search(embedding []float32, limit int) ([]Match, error)
}

// Пороги для matching (косинусное сходство)
const (
	ThresholdHigh   float32 = 0.85 // Высокая уверенность - автообновление отпечатка
	ThresholdMedium float32 = 0.70 // Средняя уверенность
	ThresholdLow    float32 = 0.50 // Низкая - возможное совпадение
	ThresholdMin    float32 = 0.50 // Минимальный порог для любого matching
)

// GetConfidence возвращает уровень уверенности для similarity
func GetConfidence(similarity float32) string {
	switch {
	case similarity >= ThresholdHigh:
		return "high"
	case similarity >= ThresholdMedium:
		return "medium"
	case similarity >= ThresholdLow:
		return "low"
	default:
		return "none"
	}
}

// CurrentVersion текущая версия формата хранения
const CurrentVersion = 1
