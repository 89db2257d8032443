package ai

import (
	"math"
	"testing"
)

func testMelConfig() MelConfig {
	return MelConfig{
		SampleRate: 16000,
		NMels:      80,
		HopLength:  160,
		WinLength:  400,
		NFFT:       512,
	}
}

// sinePCM генерирует синусоиду заданной частоты и амплитуды
func sinePCM(sampleRate int, durationSec, freq, amp float64) []float32 {
	samples := make([]float32, int(float64(sampleRate)*durationSec))
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = float32(amp * math.Sin(2*math.Pi*freq*t))
	}
	return samples
}

func TestMelComputeFrameCount(t *testing.T) {
	p := NewMelProcessor(testMelConfig())

	// 1 секунда: (16000 - 400) / 160 + 1 = 98 кадров
	mel := p.Compute(sinePCM(16000, 1.0, 440, 0.5))
	if len(mel) != 98 {
		t.Errorf("numFrames = %d, want 98", len(mel))
	}
	for i, row := range mel {
		if len(row) != 80 {
			t.Fatalf("frame %d has %d mels, want 80", i, len(row))
		}
	}

	// Короче окна - один кадр
	mel = p.Compute(make([]float32, 100))
	if len(mel) != 1 {
		t.Errorf("numFrames = %d for short input, want 1", len(mel))
	}
}

// peakMelBin возвращает индекс mel-полосы с максимальной средней энергией
func peakMelBin(mel [][]float32) int {
	if len(mel) == 0 {
		return -1
	}
	sums := make([]float64, len(mel[0]))
	for _, row := range mel {
		for m, v := range row {
			sums[m] += float64(v)
		}
	}
	best := 0
	for m, s := range sums {
		if s > sums[best] {
			best = m
		}
	}
	return best
}

func TestMelComputeFrequencyOrdering(t *testing.T) {
	p := NewMelProcessor(testMelConfig())

	// Более высокая частота должна давать пик в более высокой mel-полосе
	low := peakMelBin(p.Compute(sinePCM(16000, 0.5, 300, 0.5)))
	high := peakMelBin(p.Compute(sinePCM(16000, 0.5, 3000, 0.5)))

	if low < 0 || high < 0 {
		t.Fatal("empty spectrogram")
	}
	if high <= low {
		t.Errorf("peak bin for 3000Hz (%d) must be above peak bin for 300Hz (%d)", high, low)
	}
}

func TestMelComputeFinite(t *testing.T) {
	p := NewMelProcessor(testMelConfig())

	// Тишина не должна давать NaN/Inf (лог клампится снизу)
	mel := p.Compute(make([]float32, 16000))
	for f, row := range mel {
		for m, v := range row {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("mel[%d][%d] = %v", f, m, v)
			}
		}
	}
}

func TestComputeFromPCM16MatchesFloat(t *testing.T) {
	p := NewMelProcessor(testMelConfig())

	pcm := make([]int16, 8000)
	for i := range pcm {
		pcm[i] = int16(5000 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}

	a := p.ComputeFromPCM16(pcm)
	b := p.Compute(pcm16ToFloat32(pcm))

	if len(a) != len(b) {
		t.Fatalf("frame count mismatch: %d vs %d", len(a), len(b))
	}
	for f := range a {
		for m := range a[f] {
			if a[f][m] != b[f][m] {
				t.Fatalf("mel[%d][%d]: %v != %v", f, m, a[f][m], b[f][m])
			}
		}
	}
}

func TestHannWindowShape(t *testing.T) {
	w := hannWindow(400)
	if len(w) != 400 {
		t.Fatalf("window size = %d, want 400", len(w))
	}
	if w[0] > 1e-9 {
		t.Errorf("window edge = %v, want ~0", w[0])
	}
	mid := w[200]
	if mid < 0.99 {
		t.Errorf("window middle = %v, want ~1", mid)
	}
}

func BenchmarkMelCompute(b *testing.B) {
	p := NewMelProcessor(testMelConfig())
	samples := sinePCM(16000, 1.0, 440, 0.5)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Compute(samples)
	}
}
