package ai

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// writeFakeInferenceScript создаёт shell-скрипт, говорящий на протоколе
// процесса инференса: отвечает ready на init и фиксированными
// вероятностями на каждый step
func writeFakeInferenceScript(t *testing.T, framesPerChunk, numSpeakers int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("Skipping: requires /bin/sh")
	}

	row := make([]string, numSpeakers)
	for i := range row {
		row[i] = "0.02"
	}
	row[0] = "0.9"
	rows := make([]string, framesPerChunk)
	for i := range rows {
		rows[i] = "[" + strings.Join(row, ",") + "]"
	}
	probs := "[" + strings.Join(rows, ",") + "]"

	script := fmt.Sprintf(`#!/bin/sh
while read line; do
  case "$line" in
    *'"command":"init"'*) echo '{"type":"ready"}' ;;
    *'"command":"step"'*) echo '{"type":"probs","probs":%s}' ;;
    *'"command":"exit"'*) exit 0 ;;
  esac
done
`, probs)

	path := filepath.Join(t.TempDir(), "fake-frame-model.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func TestSubprocessFrameModelRoundTrip(t *testing.T) {
	cfg := DefaultSubprocessFrameModelConfig(writeFakeInferenceScript(t, 16, 4))

	m, err := NewSubprocessFrameModel(cfg)
	if err != nil {
		t.Fatalf("NewSubprocessFrameModel failed: %v", err)
	}
	defer m.Close()

	if m.Name() != "subprocess" {
		t.Errorf("Name = %s, want subprocess", m.Name())
	}

	chunk := make([]int16, cfg.FrameSamples*cfg.FramesPerChunk)
	rows, err := m.Step(chunk)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if len(rows) != cfg.FramesPerChunk {
		t.Fatalf("got %d rows, want %d", len(rows), cfg.FramesPerChunk)
	}
	if rows[0][0] != 0.9 {
		t.Errorf("probs[0][0] = %v, want 0.9", rows[0][0])
	}

	// Несколько шагов подряд
	for i := 0; i < 3; i++ {
		if _, err := m.Step(chunk); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
	}

	// reset не ломает протокол
	m.ResetState()
	if _, err := m.Step(chunk); err != nil {
		t.Fatalf("Step after reset failed: %v", err)
	}
}

func TestSubprocessFrameModelWrongChunkSize(t *testing.T) {
	cfg := DefaultSubprocessFrameModelConfig(writeFakeInferenceScript(t, 16, 4))

	m, err := NewSubprocessFrameModel(cfg)
	if err != nil {
		t.Fatalf("NewSubprocessFrameModel failed: %v", err)
	}
	defer m.Close()

	if _, err := m.Step(make([]int16, 100)); err == nil {
		t.Error("expected error for wrong chunk size")
	}
}

func TestSubprocessFrameModelMissingBinary(t *testing.T) {
	cfg := DefaultSubprocessFrameModelConfig("/nonexistent/inference-binary")
	if _, err := NewSubprocessFrameModel(cfg); err == nil {
		t.Error("expected error for missing binary")
	}
}
