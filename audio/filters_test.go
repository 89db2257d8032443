package audio

import (
	"testing"
)

// meanderPCM меандр +-amp, нулевое среднее и RMS == amp
func meanderPCM(amp int16, n int) []int16 {
	pcm := make([]int16, n)
	for i := range pcm {
		if i%2 == 0 {
			pcm[i] = amp
		} else {
			pcm[i] = -amp
		}
	}
	return pcm
}

func TestHighPassRemovesDCOffset(t *testing.T) {
	pcm := make([]int16, 16000)
	for i := range pcm {
		pcm[i] = 3000
	}

	cfg := FilterConfig{HighPassEnabled: true, HighPassCutoff: 80}
	out := ApplyFilters(pcm, 16000, cfg)

	before := AnalyzeQuality(pcm)
	after := AnalyzeQuality(out)
	if before.DCOffset < 0.09 {
		t.Fatalf("test input DC offset = %.4f, expected ~0.0916", before.DCOffset)
	}
	if after.DCOffset > 0.01 {
		t.Errorf("DC offset after high-pass = %.4f, want ~0", after.DCOffset)
	}
}

func TestDeClickInterpolatesSpike(t *testing.T) {
	pcm := make([]int16, 1000)
	for i := range pcm {
		pcm[i] = 500
	}
	pcm[100] = 30000

	cfg := FilterConfig{DeClickEnabled: true, DeClickThreshold: 0.4}
	out := ApplyFilters(pcm, 16000, cfg)

	if out[100] < 498 || out[100] > 502 {
		t.Errorf("spike sample = %d, want ~500 after de-click", out[100])
	}
	if out[99] < 498 || out[99] > 502 {
		t.Errorf("neighbor sample = %d, want untouched ~500", out[99])
	}
}

func TestNormalizationReachesTargetPeak(t *testing.T) {
	pcm := meanderPCM(8000, 1600)

	cfg := FilterConfig{NormalizationEnabled: true, TargetPeakLevel: 0.9}
	out := ApplyFilters(pcm, 16000, cfg)

	var peak int16
	for _, v := range out {
		if v > peak {
			peak = v
		}
	}
	wantLevel := 0.9 * 32767
	want := int16(wantLevel)
	if peak < want-30 || peak > want+30 {
		t.Errorf("peak after normalization = %d, want ~%d", peak, want)
	}
}

func TestNoiseGateAttenuatesQuietTail(t *testing.T) {
	loud := meanderPCM(6000, 8000)
	quiet := meanderPCM(50, 8000)
	pcm := append(append([]int16{}, loud...), quiet...)

	cfg := FilterConfig{NoiseGateEnabled: true, NoiseGateThreshold: 0.008}
	out := ApplyFilters(pcm, 16000, cfg)

	var loudPeak, quietPeak int16
	for _, v := range out[:8000] {
		if v > loudPeak {
			loudPeak = v
		}
	}
	for _, v := range out[8000:] {
		if v > quietPeak {
			quietPeak = v
		}
	}

	if loudPeak < 5990 {
		t.Errorf("loud head peak = %d, gate must not touch it", loudPeak)
	}
	if quietPeak > 25 {
		t.Errorf("quiet tail peak = %d, want attenuated below 25", quietPeak)
	}
}

func TestAnalyzeQualitySilence(t *testing.T) {
	if m := AnalyzeQuality(make([]int16, 16000)); !m.IsSilent {
		t.Error("zeros must be reported as silent")
	}
	if m := AnalyzeQuality(nil); !m.IsSilent {
		t.Error("empty input must be reported as silent")
	}

	m := AnalyzeQuality(meanderPCM(3000, 16000))
	if m.IsSilent {
		t.Error("voiced-level signal reported as silent")
	}
	wantRMS := float32(3000) / 32768.0
	if m.RMS < wantRMS*0.99 || m.RMS > wantRMS*1.01 {
		t.Errorf("RMS = %.4f, want ~%.4f", m.RMS, wantRMS)
	}
}

func TestApplyFiltersKeepsInputIntact(t *testing.T) {
	pcm := meanderPCM(2000, 1000)
	orig := append([]int16{}, pcm...)

	ApplyFilters(pcm, 16000, DefaultFilterConfig())

	for i := range pcm {
		if pcm[i] != orig[i] {
			t.Fatalf("input modified at %d: %d != %d", i, pcm[i], orig[i])
		}
	}
}
