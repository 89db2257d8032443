package ai

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// MelConfig параметры вычисления лог-мел спектрограммы
type MelConfig struct {
	SampleRate int
	NMels      int
	HopLength  int // обычно SampleRate / 100 (10ms)
	WinLength  int // обычно SampleRate / 40 (25ms)
	NFFT       int
}

// MelProcessor вычисляет лог-мел признаки для speaker encoder.
// Фильтробанк, окно и FFT план создаются один раз и переиспользуются
type MelProcessor struct {
	config     MelConfig
	filterbank [][]float64
	window     []float64
	fft        *fourier.FFT
}

// NewMelProcessor создаёт процессор с предрассчитанным фильтробанком
func NewMelProcessor(config MelConfig) *MelProcessor {
	return &MelProcessor{
		config:     config,
		filterbank: melFilterbank(config.NFFT, config.NMels, config.SampleRate),
		window:     hannWindow(config.WinLength),
		fft:        fourier.NewFFT(config.NFFT),
	}
}

// Compute вычисляет лог-мел спектрограмму [numFrames][NMels]
// Кадры выровнены по левому краю, без центрирования
func (p *MelProcessor) Compute(samples []float32) [][]float32 {
	numFrames := 1
	if len(samples) >= p.config.WinLength {
		numFrames = (len(samples)-p.config.WinLength)/p.config.HopLength + 1
	}

	numBins := p.config.NFFT/2 + 1
	frameData := make([]float64, p.config.NFFT)
	power := make([]float64, numBins)
	mel := make([][]float32, numFrames)

	for t := 0; t < numFrames; t++ {
		start := t * p.config.HopLength

		// Кадр с оконной функцией, остаток до NFFT нулями
		for i := range frameData {
			frameData[i] = 0
		}
		for i := 0; i < p.config.WinLength; i++ {
			idx := start + i
			if idx < len(samples) {
				frameData[i] = float64(samples[idx]) * p.window[i]
			}
		}

		// Спектр мощности по положительным частотам
		coeffs := p.fft.Coefficients(nil, frameData)
		for k := 0; k < numBins; k++ {
			re := real(coeffs[k])
			im := imag(coeffs[k])
			power[k] = re*re + im*im
		}

		row := make([]float32, p.config.NMels)
		for m := 0; m < p.config.NMels; m++ {
			var sum float64
			for k := 0; k < numBins; k++ {
				sum += power[k] * p.filterbank[m][k]
			}
			if sum < 1e-9 {
				sum = 1e-9
			}
			row[m] = float32(math.Log(sum))
		}
		mel[t] = row
	}

	return mel
}

// ComputeFromPCM16 вычисляет признаки напрямую из PCM16 аудио
func (p *MelProcessor) ComputeFromPCM16(pcm []int16) [][]float32 {
	return p.Compute(pcm16ToFloat32(pcm))
}

// melFilterbank строит треугольные mel-фильтры
// Формула HTK, разбиение в Hz как в torchaudio
func melFilterbank(nFFT, nMels, sampleRate int) [][]float64 {
	hzToMel := func(hz float64) float64 {
		return 2595.0 * math.Log10(1.0+hz/700.0)
	}
	melToHz := func(mel float64) float64 {
		return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
	}

	numBins := nFFT/2 + 1
	fMax := float64(sampleRate) / 2.0

	// Частота каждого FFT бина
	binFreqs := make([]float64, numBins)
	for i := range binFreqs {
		binFreqs[i] = float64(i) * fMax / float64(numBins-1)
	}

	// nMels + 2 опорных точки: левый край, центры, правый край
	mMin := hzToMel(0)
	mMax := hzToMel(fMax)
	edges := make([]float64, nMels+2)
	for i := range edges {
		edges[i] = melToHz(mMin + float64(i)*(mMax-mMin)/float64(nMels+1))
	}

	filters := make([][]float64, nMels)
	for m := 0; m < nMels; m++ {
		filters[m] = make([]float64, numBins)
		for k := 0; k < numBins; k++ {
			lower := (binFreqs[k] - edges[m]) / (edges[m+1] - edges[m])
			upper := (edges[m+2] - binFreqs[k]) / (edges[m+2] - edges[m+1])
			val := math.Min(lower, upper)
			if val < 0 {
				val = 0
			}
			filters[m][k] = val
		}
	}

	return filters
}

// hannWindow окно Ханна
func hannWindow(size int) []float64 {
	window := make([]float64, size)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size-1)))
	}
	return window
}
