package voiceprint

import (
	"math"
	"path/filepath"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1.0},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0.0},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, -1.0},
		{"scaled", []float32{2, 0, 0}, []float32{0.5, 0, 0}, 1.0},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0.0},
		{"empty", nil, nil, 0.0},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 0, 0}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Errorf("CosineSimilarity = %f, want %f", got, tt.want)
			}
		})
	}
}

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "speakers.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestFindBestWithMargin(t *testing.T) {
	store := testStore(t)
	if _, err := store.Add("alice", []float32{1, 0, 0}, "file"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Add("bob", []float32{0, 1, 0}, "file"); err != nil {
		t.Fatal(err)
	}
	m := NewMatcher(store)

	// ближе к alice, но bob тоже заметен
	match := m.FindBest([]float32{0.8, 0.6, 0})
	if match == nil {
		t.Fatal("expected a match")
	}
	if match.VoicePrint.Name != "alice" {
		t.Errorf("best = %s, want alice", match.VoicePrint.Name)
	}
	if math.Abs(float64(match.Similarity-0.8)) > 1e-5 {
		t.Errorf("similarity = %f, want 0.8", match.Similarity)
	}
	if math.Abs(float64(match.Margin-0.2)) > 1e-5 {
		t.Errorf("margin = %f, want 0.2", match.Margin)
	}
}

func TestFindBestBelowThreshold(t *testing.T) {
	store := testStore(t)
	if _, err := store.Add("alice", []float32{1, 0, 0}, "file"); err != nil {
		t.Fatal(err)
	}
	m := NewMatcher(store)

	if match := m.FindBest([]float32{0.2, 0.98, 0}); match != nil {
		t.Errorf("match = %+v, want nil below ThresholdMin", match)
	}
	if match := m.FindBest(nil); match != nil {
		t.Error("empty embedding must not match")
	}
}

func TestFindBestEmptyRegistry(t *testing.T) {
	m := NewMatcher(testStore(t))
	if match := m.FindBest([]float32{1, 0, 0}); match != nil {
		t.Error("empty registry must not match")
	}
}

func TestFindAllSorted(t *testing.T) {
	store := testStore(t)
	store.Add("far", []float32{0.6, 0.8, 0}, "file")
	store.Add("near", []float32{1, 0, 0}, "file")
	store.Add("mid", []float32{0.8, 0.6, 0}, "file")
	m := NewMatcher(store)

	matches := m.FindAll([]float32{1, 0, 0}, 0.5)
	if len(matches) != 3 {
		t.Fatalf("matches = %d, want 3", len(matches))
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Similarity > matches[i-1].Similarity {
			t.Errorf("matches not sorted at %d", i)
		}
	}
	if matches[0].VoicePrint.Name != "near" {
		t.Errorf("best = %s, want near", matches[0].VoicePrint.Name)
	}
}

func TestGetConfidence(t *testing.T) {
	tests := []struct {
		sim  float32
		want string
	}{
		{0.9, "high"},
		{0.75, "medium"},
		{0.55, "low"},
		{0.3, "none"},
	}
	for _, tt := range tests {
		if got := GetConfidence(tt.sim); got != tt.want {
			t.Errorf("GetConfidence(%.2f) = %s, want %s", tt.sim, got, tt.want)
		}
	}
}
