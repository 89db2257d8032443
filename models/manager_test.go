package models

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestRegistryLookups(t *testing.T) {
	for _, m := range Registry {
		if m.ID == "" || m.DownloadURL == "" || m.Role == "" {
			t.Errorf("registry entry %q is incomplete", m.ID)
		}
		if m.Role == RoleEmbedding && m.EmbeddingDim <= 0 {
			t.Errorf("embedding model %q has no dimension", m.ID)
		}
	}

	if info := ByID("wespeaker-voxceleb-resnet34"); info == nil {
		t.Fatal("expected wespeaker model in registry")
	} else if info.EmbeddingDim != 256 {
		t.Errorf("wespeaker dim = %d, want 256", info.EmbeddingDim)
	}
	if ByID("no-such-model") != nil {
		t.Error("expected nil for unknown model")
	}

	if got := len(ByRole(RoleEmbedding)); got != 2 {
		t.Errorf("embedding models = %d, want 2", got)
	}
	rec := RecommendedByRole(RoleSegmentation)
	if rec == nil || rec.ID != "pyannote-segmentation-3.0" {
		t.Errorf("recommended segmentation model = %v", rec)
	}
}

func TestManagerPathsAndStatus(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if mgr.IsDownloaded("silero-vad-v5") {
		t.Error("model reported downloaded in empty dir")
	}

	// Обычная модель: один .onnx файл рядом с остальными
	wantPath := filepath.Join(dir, "silero-vad-v5.onnx")
	if got := mgr.ModelPath("silero-vad-v5"); got != wantPath {
		t.Errorf("ModelPath = %s, want %s", got, wantPath)
	}
	if err := os.WriteFile(wantPath, make([]byte, 1_500_000), 0644); err != nil {
		t.Fatal(err)
	}
	if !mgr.IsDownloaded("silero-vad-v5") {
		t.Error("model not reported downloaded after write")
	}

	// Обрубленный файл не считается скачанной моделью
	if err := os.WriteFile(filepath.Join(dir, "wespeaker-voxceleb-resnet34.onnx"), []byte("tiny"), 0644); err != nil {
		t.Fatal(err)
	}
	if mgr.IsDownloaded("wespeaker-voxceleb-resnet34") {
		t.Error("truncated file reported as downloaded")
	}

	// Архивная модель: .onnx лежит внутри распакованной директории
	extractDir := filepath.Join(dir, "pyannote-segmentation-3.0", "inner")
	if err := os.MkdirAll(extractDir, 0755); err != nil {
		t.Fatal(err)
	}
	onnxPath := filepath.Join(extractDir, "model.onnx")
	if err := os.WriteFile(onnxPath, []byte("onnx"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := mgr.ModelPath("pyannote-segmentation-3.0"); got != onnxPath {
		t.Errorf("archive ModelPath = %s, want %s", got, onnxPath)
	}
	if !mgr.IsDownloaded("pyannote-segmentation-3.0") {
		t.Error("archive model not reported downloaded")
	}

	if mgr.ModelPath("no-such-model") != "" {
		t.Error("expected empty path for unknown model")
	}
}

func TestManagerStates(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "silero-vad-v5.onnx"), make([]byte, 1_500_000), 0644); err != nil {
		t.Fatal(err)
	}

	states := mgr.States()
	if len(states) != len(Registry) {
		t.Fatalf("states = %d, want %d", len(states), len(Registry))
	}
	for _, st := range states {
		want := ModelStatusNotDownloaded
		if st.ID == "silero-vad-v5" {
			want = ModelStatusDownloaded
		}
		if st.Status != want {
			t.Errorf("status of %s = %s, want %s", st.ID, st.Status, want)
		}
	}
}

func TestManagerDelete(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := mgr.Delete("silero-vad-v5"); err == nil {
		t.Error("expected error deleting model that is not downloaded")
	}

	path := filepath.Join(dir, "silero-vad-v5.onnx")
	if err := os.WriteFile(path, make([]byte, 1_500_000), 0644); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Delete("silero-vad-v5"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("model file still exists after delete")
	}
}

func TestDownloadFile(t *testing.T) {
	payload := []byte("fake onnx model bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.onnx")
	var reported bool
	err := DownloadFile(context.Background(), srv.URL, dest, int64(len(payload)), func(p float64) {
		reported = true
	})
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Errorf("downloaded content mismatch: %q", got)
	}
	if !reported {
		t.Error("progress callback never called")
	}
	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestDownloadFileBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.onnx")
	if err := DownloadFile(context.Background(), srv.URL, dest, 0, nil); err == nil {
		t.Fatal("expected error for 404 response")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("destination file created despite error")
	}
}

func TestFindOnnxModelInDir(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	if _, err := FindOnnxModelInDir(dir); err == nil {
		t.Error("expected error when no .onnx present")
	}

	want := filepath.Join(nested, "model.onnx")
	if err := os.WriteFile(want, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := FindOnnxModelInDir(dir)
	if err != nil {
		t.Fatalf("FindOnnxModelInDir: %v", err)
	}
	if got != want {
		t.Errorf("found %s, want %s", got, want)
	}
}

func TestStripArchiveRoot(t *testing.T) {
	cases := []struct {
		name string
		want string
		ok   bool
	}{
		{"sherpa-onnx-pyannote-segmentation-3-0/model.onnx", "model.onnx", true},
		{"root/sub/weights.bin", filepath.Join("sub", "weights.bin"), true},
		{"model.onnx", "model.onnx", true},
		{"../escape", "", false},
		{"/absolute/path", "", false},
	}
	for _, c := range cases {
		got, ok := stripArchiveRoot(c.name)
		if ok != c.ok || got != c.want {
			t.Errorf("stripArchiveRoot(%q) = (%q, %v), want (%q, %v)", c.name, got, ok, c.want, c.ok)
		}
	}
}
