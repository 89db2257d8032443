package audio

import (
	"log"
	"math"
)

// FilterConfig конфигурация фильтров очистки записи перед
// извлечением голосового вектора
type FilterConfig struct {
	// High-pass убирает DC-смещение и низкочастотный гул
	HighPassEnabled bool
	HighPassCutoff  float32 // частота среза, Гц

	// De-click интерполирует одиночные щелчки
	DeClickEnabled   bool
	DeClickThreshold float32 // порог резкого скачка амплитуды

	// Noise gate приглушает окна тише порога
	NoiseGateEnabled   bool
	NoiseGateThreshold float32 // порог RMS окна

	// Нормализация к целевому пику
	NormalizationEnabled bool
	TargetPeakLevel      float32
}

// DefaultFilterConfig значения по умолчанию
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		HighPassEnabled:      true,
		HighPassCutoff:       80, // гул ниже 80 Гц
		DeClickEnabled:       true,
		DeClickThreshold:     0.4,
		NoiseGateEnabled:     true,
		NoiseGateThreshold:   0.008,
		NormalizationEnabled: true,
		TargetPeakLevel:      0.9,
	}
}

// ApplyFilters применяет включённые фильтры к PCM16, исходный срез не
// изменяется. Порядок фиксирован: high-pass, de-click, gate,
// нормализация.
func ApplyFilters(pcm []int16, sampleRate int, cfg FilterConfig) []int16 {
	if len(pcm) == 0 {
		return pcm
	}

	samples := make([]float32, len(pcm))
	for i, v := range pcm {
		samples[i] = float32(v) / 32768.0
	}

	if cfg.HighPassEnabled {
		samples = applyHighPass(samples, sampleRate, cfg.HighPassCutoff)
	}
	if cfg.DeClickEnabled {
		samples = applyDeClick(samples, cfg.DeClickThreshold)
	}
	if cfg.NoiseGateEnabled {
		samples = applyNoiseGate(samples, sampleRate, cfg.NoiseGateThreshold)
	}
	if cfg.NormalizationEnabled {
		samples = applyNormalization(samples, cfg.TargetPeakLevel)
	}

	return float32ToPCM16(samples)
}

// Metrics базовые метрики качества записи
type Metrics struct {
	RMS      float32
	Peak     float32
	DCOffset float32
	IsSilent bool
}

// AnalyzeQuality оценивает пригодность записи: тихий канал с шумовым
// пиком непригоден для энроллмента
func AnalyzeQuality(pcm []int16) Metrics {
	var m Metrics
	if len(pcm) == 0 {
		m.IsSilent = true
		return m
	}

	var sum, sumSq float64
	var peak float32
	for _, v := range pcm {
		s := float32(v) / 32768.0
		sum += float64(s)
		sumSq += float64(s) * float64(s)
		if a := abs32(s); a > peak {
			peak = a
		}
	}

	n := float64(len(pcm))
	m.DCOffset = float32(sum / n)
	m.RMS = float32(math.Sqrt(sumSq / n))
	m.Peak = peak
	m.IsSilent = m.RMS < 0.005 && m.Peak < 0.05
	return m
}

// applyHighPass IIR-фильтр первого порядка
func applyHighPass(samples []float32, sampleRate int, cutoffHz float32) []float32 {
	if len(samples) == 0 || cutoffHz <= 0 {
		return samples
	}

	// alpha = RC / (RC + dt), RC = 1 / (2 * PI * cutoff)
	rc := 1.0 / (2.0 * math.Pi * float64(cutoffHz))
	dt := 1.0 / float64(sampleRate)
	alpha := float32(rc / (rc + dt))

	result := make([]float32, len(samples))
	result[0] = samples[0]

	prevInput := samples[0]
	prevOutput := samples[0]
	for i := 1; i < len(samples); i++ {
		// y[i] = alpha * (y[i-1] + x[i] - x[i-1])
		result[i] = alpha * (prevOutput + samples[i] - prevInput)
		prevInput = samples[i]
		prevOutput = result[i]
	}
	return result
}

// applyDeClick интерполирует одиночные резкие выбросы между соседями
func applyDeClick(samples []float32, threshold float32) []float32 {
	if len(samples) < 3 {
		return samples
	}

	result := make([]float32, len(samples))
	copy(result, samples)

	clickCount := 0
	for i := 1; i < len(samples)-1; i++ {
		diffPrev := abs32(samples[i] - samples[i-1])
		diffNext := abs32(samples[i] - samples[i+1])

		// Резкий скачок в обе стороны - щелчок
		if diffPrev > threshold && diffNext > threshold {
			result[i] = (samples[i-1] + samples[i+1]) / 2
			clickCount++
		}
	}

	if clickCount > 0 {
		log.Printf("[Audio] de-click removed %d clicks (threshold=%.2f)", clickCount, threshold)
	}
	return result
}

// applyNoiseGate плавно приглушает окна 10 мс с RMS ниже порога
func applyNoiseGate(samples []float32, sampleRate int, threshold float32) []float32 {
	if len(samples) == 0 {
		return samples
	}

	windowSize := sampleRate / 100
	if windowSize < 1 {
		windowSize = 1
	}

	result := make([]float32, len(samples))
	copy(result, samples)

	for i := 0; i < len(samples); i += windowSize {
		end := i + windowSize
		if end > len(samples) {
			end = len(samples)
		}

		rms := calculateRMS(samples[i:end])
		if rms >= threshold {
			continue
		}

		// Затухание вместо обнуления, чтобы не плодить артефакты
		attenuation := rms / threshold
		if attenuation < 0.1 {
			attenuation = 0.1
		}
		for j := i; j < end; j++ {
			result[j] *= attenuation
		}
	}
	return result
}

// applyNormalization подтягивает пик к целевому уровню
func applyNormalization(samples []float32, targetPeak float32) []float32 {
	if len(samples) == 0 || targetPeak <= 0 {
		return samples
	}

	var maxAbs float32
	for _, s := range samples {
		if a := abs32(s); a > maxAbs {
			maxAbs = a
		}
	}

	if maxAbs < 0.001 {
		// Усиливать нечего, только шум поднимем
		return samples
	}

	gain := targetPeak / maxAbs
	if gain > 20 {
		gain = 20
	}

	result := make([]float32, len(samples))
	for i, s := range samples {
		v := s * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		result[i] = v
	}

	log.Printf("[Audio] normalization applied (gain=%.2fx, peak %.4f -> %.4f)", gain, maxAbs, targetPeak)
	return result
}

func calculateRMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
