package voiceprint

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// PgStore реестр отпечатков в Postgres с расширением pgvector.
// Реализует Registry и Searcher: поиск ближайших голосов выполняется
// на стороне БД оператором <=> (косинусное расстояние).
type PgStore struct {
	mu   sync.Mutex
	conn *pgx.Conn
	dim  int
}

// NewPgStore подключается к Postgres и готовит схему.
// dim - размерность эмбеддингов модели (фиксирована для таблицы).
func NewPgStore(ctx context.Context, dbURL string, dim int) (*PgStore, error) {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PgStore{conn: conn, dim: dim}
	if err := s.ensureSchema(ctx); err != nil {
		conn.Close(ctx)
		return nil, err
	}

	log.Printf("[VoicePrint] PgStore initialized (%d voiceprints)", s.Count())
	return s, nil
}

func (s *PgStore) ensureSchema(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	_, err := s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS voiceprints (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_seen_at TIMESTAMPTZ NOT NULL,
			seen_count INT NOT NULL DEFAULT 1,
			source TEXT NOT NULL DEFAULT ''
		)
	`, s.dim))
	if err != nil {
		return fmt.Errorf("create voiceprints table: %w", err)
	}
	return nil
}

// Close закрывает соединение с БД
func (s *PgStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close(context.Background())
}

// Add регистрирует нового участника
func (s *PgStore) Add(name string, embedding []float32, source string) (*VoicePrint, error) {
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

	_, err := s.conn.Exec(context.Background(), `
		INSERT INTO voiceprints (id, name, embedding, created_at, updated_at, last_seen_at, seen_count, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, vp.ID, vp.Name, pgvector.NewVector(vp.Embedding), vp.CreatedAt, vp.UpdatedAt, vp.LastSeenAt, vp.SeenCount, vp.Source)
	if err != nil {
		return nil, fmt.Errorf("insert voiceprint: %w", err)
	}

	log.Printf("[VoicePrint] Added: %s (%s)", vp.Name, vp.ID[:8])
	return &vp, nil
}

// GetAll возвращает все отпечатки (реестры небольшие)
func (s *PgStore) GetAll() []VoicePrint {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(context.Background(), `
		SELECT id, name, embedding, created_at, updated_at, last_seen_at, seen_count, source
		FROM voiceprints
	`)
	if err != nil {
		log.Printf("[VoicePrint] query failed: %v", err)
		return nil
	}
	defer rows.Close()

	var out []VoicePrint
	for rows.Next() {
		vp, err := scanVoicePrint(rows)
		if err != nil {
			continue
		}
		out = append(out, vp)
	}
	return out
}

// Search возвращает ближайшие отпечатки по убыванию косинусного
// сходства (считается в БД)
func (s *PgStore) Search(embedding []float32, limit int) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 2
	}
	vec := pgvector.NewVector(embedding)
	rows, err := s.conn.Query(context.Background(), `
		SELECT id, name, embedding, created_at, updated_at, last_seen_at, seen_count, source,
			   1 - (embedding <=> $1) as similarity
		FROM voiceprints
		ORDER BY embedding <=> $1
		LIMIT $2
	`, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var vp VoicePrint
		var raw pgvector.Vector
		var similarity float64
		err := rows.Scan(&vp.ID, &vp.Name, &raw, &vp.CreatedAt, &vp.UpdatedAt, &vp.LastSeenAt, &vp.SeenCount, &vp.Source, &similarity)
		if err != nil {
			continue
		}
		vp.Embedding = raw.Slice()
		vpCopy := vp
		matches = append(matches, Match{
			VoicePrint: &vpCopy,
			Similarity: float32(similarity),
			Confidence: GetConfidence(float32(similarity)),
		})
	}
	return matches, nil
}

// UpdateEmbedding взвешенное усреднение как в файловом реестре:
// читаем текущий вектор, смешиваем и пишем обратно
func (s *PgStore) UpdateEmbedding(id string, newEmbedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	var raw pgvector.Vector
	var seenCount int
	var name string
	err := s.conn.QueryRow(ctx,
		`SELECT name, embedding, seen_count FROM voiceprints WHERE id = $1`, id,
	).Scan(&name, &raw, &seenCount)
	if err != nil {
		return fmt.Errorf("voiceprint not found: %s: %w", id, err)
	}

	embedding := raw.Slice()
	if len(newEmbedding) != len(embedding) {
		return fmt.Errorf("embedding dim mismatch: %d != %d", len(newEmbedding), len(embedding))
	}
	oldWeight := float32(min(seenCount, 10))
	totalWeight := oldWeight + 1
	for j := range embedding {
		embedding[j] = (embedding[j]*oldWeight + newEmbedding[j]) / totalWeight
	}
	embedding = normalizeEmbedding(embedding)

	now := time.Now()
	_, err = s.conn.Exec(ctx, `
		UPDATE voiceprints
		SET embedding = $2, seen_count = seen_count + 1, last_seen_at = $3, updated_at = $3
		WHERE id = $1
	`, id, pgvector.NewVector(embedding), now)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}

	log.Printf("[VoicePrint] Embedding updated: %s (seenCount=%d)", name, seenCount+1)
	return nil
}

// Delete удаляет участника
func (s *PgStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(context.Background(), `DELETE FROM voiceprints WHERE id = $1`, id)
	return err
}

// Count количество отпечатков в реестре
func (s *PgStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.conn.QueryRow(context.Background(), `SELECT count(*) FROM voiceprints`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func scanVoicePrint(rows pgx.Rows) (VoicePrint, error) {
	var vp VoicePrint
	var raw pgvector.Vector
	err := rows.Scan(&vp.ID, &vp.Name, &raw, &vp.CreatedAt, &vp.UpdatedAt, &vp.LastSeenAt, &vp.SeenCount, &vp.Source)
	if err != nil {
		return vp, err
	}
	vp.Embedding = raw.Slice()
	return vp, nil
}
