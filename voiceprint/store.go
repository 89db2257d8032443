package voiceprint

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store файловый реестр голосовых отпечатков (JSON)
type Store struct {
	path string
	data storeFile
	mu   sync.RWMutex
}

// NewStore открывает реестр по пути к JSON файлу.
// Отсутствующий файл не ошибка: реестр начинается пустым.
func NewStore(path string) (*Store, error) {
	store := &Store{
		path: path,
		data: storeFile{Version: CurrentVersion},
	}

	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load voiceprints: %w", err)
	}

	log.Printf("[VoicePrint] Store initialized: %s (%d voiceprints)", path, len(store.data.VoicePrints))
	return store, nil
}

// load загружает данные из файла
func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &s.data); err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.path, err)
	}

	// Миграция если нужна
	if s.data.Version < CurrentVersion {
		s.data.Version = CurrentVersion
		return s.saveUnsafe()
	}
	return nil
}

// saveUnsafe сохраняет без блокировки (вызывать только при удержании lock).
// Запись атомарная: временный файл + rename.
func (s *Store) saveUnsafe() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal voiceprints: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath) // Cleanup
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// GetAll возвращает копию всех voiceprints
func (s *Store) GetAll() []VoicePrint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]VoicePrint, len(s.data.VoicePrints))
	copy(result, s.data.VoicePrints)
	return result
}

// Get возвращает voiceprint по ID
func (s *Store) Get(id string) (*VoicePrint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.data.VoicePrints {
		if s.data.VoicePrints[i].ID == id {
			vp := s.data.VoicePrints[i]
			return &vp, nil
		}
	}
	return nil, fmt.Errorf("voiceprint not found: %s", id)
}

// Add регистрирует нового участника
func (s *Store) Add(name string, embedding []float32, source string) (*VoicePrint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	vp := VoicePrint{
		ID:         uuid.New().String(),
		Name:       name,
		Embedding:  normalizeEmbedding(append([]float32(nil), embedding...)),
		CreatedAt:  now,
		UpdatedAt:  now,
		LastSeenAt: now,
		SeenCount:  1,
		Source:     source,
	}

	s.data.VoicePrints = append(s.data.VoicePrints, vp)
	if err := s.saveUnsafe(); err != nil {
		// Откатываем изменения
		s.data.VoicePrints = s.data.VoicePrints[:len(s.data.VoicePrints)-1]
		return nil, err
	}

	log.Printf("[VoicePrint] Added: %s (%s)", vp.Name, vp.ID[:8])
	return &vp, nil
}

// UpdateName обновляет имя участника
func (s *Store) UpdateName(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.VoicePrints {
		if s.data.VoicePrints[i].ID == id {
			s.data.VoicePrints[i].Name = name
			s.data.VoicePrints[i].UpdatedAt = time.Now()
			return s.saveUnsafe()
		}
	}
	return fmt.Errorf("voiceprint not found: %s", id)
}

// UpdateEmbedding вливает свежий embedding в отпечаток участника
// взвешенным усреднением. Новый вектор имеет вес 1, старый - вес
// seenCount, но не больше 10, чтобы отпечаток не застывал.
func (s *Store) UpdateEmbedding(id string, newEmbedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.VoicePrints {
		if s.data.VoicePrints[i].ID != id {
			continue
		}
		vp := &s.data.VoicePrints[i]
		if len(newEmbedding) != len(vp.Embedding) {
			return fmt.Errorf("embedding dim mismatch: %d != %d", len(newEmbedding), len(vp.Embedding))
		}

		oldWeight := float32(min(vp.SeenCount, 10))
		totalWeight := oldWeight + 1
		for j := range vp.Embedding {
			vp.Embedding[j] = (vp.Embedding[j]*oldWeight + newEmbedding[j]) / totalWeight
		}
		vp.Embedding = normalizeEmbedding(vp.Embedding)

		vp.SeenCount++
		vp.LastSeenAt = time.Now()
		vp.UpdatedAt = time.Now()

		log.Printf("[VoicePrint] Embedding updated: %s (seenCount=%d)", vp.Name, vp.SeenCount)
		return s.saveUnsafe()
	}
	return fmt.Errorf("voiceprint not found: %s", id)
}

// Delete удаляет участника из реестра
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.VoicePrints {
		if s.data.VoicePrints[i].ID == id {
			name := s.data.VoicePrints[i].Name
			s.data.VoicePrints = append(s.data.VoicePrints[:i], s.data.VoicePrints[i+1:]...)
			if err := s.saveUnsafe(); err != nil {
				return err
			}
			log.Printf("[VoicePrint] Deleted: %s (%s)", name, id[:8])
			return nil
		}
	}
	return fmt.Errorf("voiceprint not found: %s", id)
}

// Count количество сохранённых отпечатков
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.VoicePrints)
}

// normalizeEmbedding нормализует вектор до единичной длины
func normalizeEmbedding(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq < 1e-10 {
		return v
	}
	norm := float32(1.0 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= norm
	}
	return v
}
