package diar

import (
	"math"
	"testing"
)

func TestTrackEmbedJobAfterEnoughCleanAudio(t *testing.T) {
	cfg := testCfg()
	cfg.EmbedMinMs = 1000
	ts := newTrackSet(&cfg)

	half := make([]int16, MsToSamples(600))
	if job := ts.AddClean("spk_0", half, 9600); job != nil {
		t.Fatal("job issued below the clean audio threshold")
	}
	job := ts.AddClean("spk_0", half, 19200)
	if job == nil {
		t.Fatal("expected an embed job after 1.2s of clean audio")
	}
	if job.Label != "spk_0" {
		t.Errorf("job label = %s", job.Label)
	}
	if int64(len(job.PCM)) != 2*MsToSamples(600) {
		t.Errorf("job pcm = %d samples, want the whole clean buffer", len(job.PCM))
	}

	// буфер передан заданию, трек копит заново
	if got := ts.CleanSamples("spk_0"); got != 0 {
		t.Errorf("clean buffer = %d after job, want 0", got)
	}
	// до Blend второй джоб не выдаётся
	if job := ts.AddClean("spk_0", make([]int16, MsToSamples(1500)), 43200); job != nil {
		t.Error("second job issued while the first is still pending")
	}
}

func TestTrackCentroidBlend(t *testing.T) {
	cfg := testCfg()
	cfg.CentroidAlpha = 0.3
	ts := newTrackSet(&cfg)
	ts.AddClean("spk_1", make([]int16, 10), 10)

	c1, ok := ts.Blend("spk_1", []float32{1, 0, 0})
	if !ok {
		t.Fatal("first blend failed")
	}
	if c1[0] != 1 {
		t.Errorf("first centroid = %v, want unit x", c1)
	}

	c2, ok := ts.Blend("spk_1", []float32{0, 1, 0})
	if !ok {
		t.Fatal("second blend failed")
	}
	// (0.7, 0.3, 0) нормированный
	norm := math.Sqrt(0.7*0.7 + 0.3*0.3)
	if math.Abs(float64(c2[0])-0.7/norm) > 1e-5 || math.Abs(float64(c2[1])-0.3/norm) > 1e-5 {
		t.Errorf("blended centroid = %v", c2)
	}

	// единичная длина сохраняется
	var sum float64
	for _, x := range c2 {
		sum += float64(x) * float64(x)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("centroid norm^2 = %f, want 1", sum)
	}
}

func TestTrackCentroidUpdateCap(t *testing.T) {
	cfg := testCfg()
	cfg.EmbedMinMs = 100
	cfg.CentroidMaxUpdate = 2
	ts := newTrackSet(&cfg)

	pcm := make([]int16, MsToSamples(200))
	for i := 0; i < 5; i++ {
		job := ts.AddClean("spk_0", pcm, int64(i))
		if job == nil {
			if i < 2 {
				t.Fatalf("iteration %d: expected a job", i)
			}
			continue
		}
		if i >= 2 {
			t.Fatalf("iteration %d: job issued past the update cap", i)
		}
		ts.Blend("spk_0", []float32{1, 0})
	}

	if got, _ := ts.Centroid("spk_0"); got == nil {
		t.Fatal("centroid missing")
	}
}

func TestTrackBlendErrorGraceful(t *testing.T) {
	cfg := testCfg()
	cfg.EmbedMinMs = 100
	ts := newTrackSet(&cfg)

	if job := ts.AddClean("spk_0", make([]int16, MsToSamples(200)), 0); job == nil {
		t.Fatal("expected a job")
	}
	// модель эмбеддингов не справилась: центроида нет, трек живёт
	if _, ok := ts.Blend("spk_0", nil); ok {
		t.Error("blend of an empty embedding must fail")
	}
	if _, ok := ts.Centroid("spk_0"); ok {
		t.Error("centroid must stay unset")
	}
	// после неудачи задания выдаются снова
	if job := ts.AddClean("spk_0", make([]int16, MsToSamples(200)), 1); job == nil {
		t.Error("expected a new job after the failed blend")
	}
}

func TestTrackDimensionMismatch(t *testing.T) {
	cfg := testCfg()
	ts := newTrackSet(&cfg)
	ts.AddClean("spk_0", make([]int16, 10), 0)

	ts.Blend("spk_0", []float32{1, 0, 0})
	if _, ok := ts.Blend("spk_0", []float32{1, 0}); ok {
		t.Error("dimension mismatch must be rejected")
	}
	c, _ := ts.Centroid("spk_0")
	if len(c) != 3 {
		t.Errorf("centroid dim = %d, want 3", len(c))
	}
}
