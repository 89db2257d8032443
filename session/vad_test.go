package session

import (
	"math"
	"testing"

	"voxid/diar"
)

// TestBoundaryDetectorFindsPause проверяет базовый сценарий: речь,
// потом достаточно длинная пауза - граница в середине паузы
func TestBoundaryDetectorFindsPause(t *testing.T) {
	d := NewBoundaryDetector(DefaultBoundaryConfig())

	// 500мс речи и 400мс тишины
	pcm := append(bandPCM(800, 8000), make([]int16, 6400)...)
	found := d.Process(pcm, 0)

	if len(found) != 1 {
		t.Fatalf("Expected 1 boundary, got %d: %v", len(found), found)
	}
	// тишина с сэмпла 8000, граница в середине минимальной паузы
	want := int64(8000) + diar.MsToSamples(300)/2
	if found[0] != want {
		t.Errorf("Expected boundary at sample %d, got %d", want, found[0])
	}

	last, ok := d.LastBoundary()
	if !ok || last != want {
		t.Errorf("LastBoundary = (%d, %v), want (%d, true)", last, ok, want)
	}
}

// TestBoundaryDetectorShortSilence короткая заминка не считается границей
func TestBoundaryDetectorShortSilence(t *testing.T) {
	d := NewBoundaryDetector(DefaultBoundaryConfig())

	pcm := append(bandPCM(800, 8000), make([]int16, 3200)...) // 200мс тишины
	pcm = append(pcm, bandPCM(800, 4800)...)

	if found := d.Process(pcm, 0); len(found) != 0 {
		t.Errorf("Short silence must not fire a boundary, got %v", found)
	}
}

// TestBoundaryDetectorSilenceOnly тишина без речи перед ней границы не даёт
func TestBoundaryDetectorSilenceOnly(t *testing.T) {
	d := NewBoundaryDetector(DefaultBoundaryConfig())

	if found := d.Process(make([]int16, 16000), 0); len(found) != 0 {
		t.Errorf("Silence without preceding speech must not fire, got %v", found)
	}
}

// TestBoundaryDetectorOncePerPause одна пауза даёт ровно одну границу,
// сколько бы она ни тянулась
func TestBoundaryDetectorOncePerPause(t *testing.T) {
	d := NewBoundaryDetector(DefaultBoundaryConfig())

	pcm := append(bandPCM(800, 8000), make([]int16, 12800)...) // 800мс тишины
	if found := d.Process(pcm, 0); len(found) != 1 {
		t.Fatalf("Expected exactly 1 boundary, got %d", len(found))
	}

	// пауза продолжается в следующем куске
	if found := d.Process(make([]int16, 8000), 20800); len(found) != 0 {
		t.Errorf("Continued pause must not fire again, got %v", found)
	}
}

// TestBoundaryDetectorSplitAcrossCalls кусочная подача не меняет итог
func TestBoundaryDetectorSplitAcrossCalls(t *testing.T) {
	d := NewBoundaryDetector(DefaultBoundaryConfig())

	pcm := append(bandPCM(800, 8000), make([]int16, 6400)...)
	var found []int64
	found = append(found, d.Process(pcm[:7000], 0)...)
	found = append(found, d.Process(pcm[7000:], 7000)...)

	if len(found) != 1 {
		t.Fatalf("Expected 1 boundary across calls, got %d", len(found))
	}
	want := int64(8000) + diar.MsToSamples(300)/2
	if found[0] != want {
		t.Errorf("Expected boundary at %d, got %d", want, found[0])
	}
}

// TestBoundaryDetectorStreamGapResets разрыв потока сбрасывает
// накопленную речь: детектор не доверяет склейке через дыру
func TestBoundaryDetectorStreamGapResets(t *testing.T) {
	d := NewBoundaryDetector(DefaultBoundaryConfig())

	d.Process(bandPCM(800, 8000), 0)
	// кусок пришёл с дырой, речь до разрыва не считается
	if found := d.Process(make([]int16, 8000), 32000); len(found) != 0 {
		t.Errorf("Silence after stream gap must not fire, got %v", found)
	}
}

func TestBoundaryDetectorReset(t *testing.T) {
	d := NewBoundaryDetector(DefaultBoundaryConfig())

	pcm := append(bandPCM(800, 8000), make([]int16, 6400)...)
	d.Process(pcm, 0)
	if _, ok := d.LastBoundary(); !ok {
		t.Fatal("Expected a boundary before reset")
	}

	d.Reset()
	if _, ok := d.LastBoundary(); ok {
		t.Error("Reset must clear the last boundary")
	}
}

func TestPCM16RMS(t *testing.T) {
	if rms := pcm16RMS(make([]int16, 1600)); rms != 0 {
		t.Errorf("Silence RMS = %f, want 0", rms)
	}

	// постоянный уровень ~0.1 от полной шкалы
	pcm := make([]int16, 1600)
	for i := range pcm {
		pcm[i] = 3277
	}
	if rms := pcm16RMS(pcm); math.Abs(rms-0.1) > 0.001 {
		t.Errorf("RMS = %f, want ~0.1", rms)
	}
}
