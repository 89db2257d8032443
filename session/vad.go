package session

import (
	"math"

	"voxid/diar"
)

// BoundaryConfig параметры поиска границ реплик по энергии сигнала
type BoundaryConfig struct {
	WindowMs     int     // окно RMS-анализа
	SilenceRMS   float64 // порог тишины, сигнал нормирован в [-1, 1]
	MinSilenceMs int     // тишина не короче этого образует границу
	MinSpeechMs  int     // перед границей должна быть речь не короче этого
}

// DefaultBoundaryConfig возвращает параметры по умолчанию
func DefaultBoundaryConfig() BoundaryConfig {
	return BoundaryConfig{
		WindowMs:     100,
		SilenceRMS:   0.008,
		MinSilenceMs: 300,
		MinSpeechMs:  200,
	}
}

// BoundaryDetector ищет кандидатов границ предложений в сыром PCM:
// достаточно длинную паузу после достаточно длинной речи. Работает
// независимо от распознавателя, границы нужны оркестратору для сброса
// склейки реплик.
type BoundaryDetector struct {
	cfg           BoundaryConfig
	windowSamples int

	buf  []int16 // неполное окно
	next int64   // ожидаемый абсолютный сэмпл следующего куска, -1 до первого

	speechMs  int64 // речь перед текущей тишиной
	silenceMs int64
	silenceAt int64 // абсолютный сэмпл начала текущей тишины
	fired     bool  // граница в этой тишине уже выдана

	last    int64
	hasLast bool
}

// NewBoundaryDetector создаёт детектор границ
func NewBoundaryDetector(cfg BoundaryConfig) *BoundaryDetector {
	ws := diar.SampleRate * cfg.WindowMs / 1000
	if ws <= 0 {
		ws = 1
	}
	return &BoundaryDetector{cfg: cfg, windowSamples: ws, next: -1}
}

// Process сканирует очередной кусок аудио и возвращает найденные
// границы (абсолютные сэмплы). Кусок с разрывом или перекрытием
// сбрасывает накопленное окно: детектор доверяет только непрерывному
// потоку.
func (d *BoundaryDetector) Process(pcm []int16, startSample int64) []int64 {
	if len(pcm) == 0 {
		return nil
	}
	if d.next >= 0 && startSample != d.next {
		d.resetRuns()
		d.buf = d.buf[:0]
	}
	d.next = startSample + int64(len(pcm))

	d.buf = append(d.buf, pcm...)
	base := d.next - int64(len(d.buf))

	var found []int64
	for len(d.buf) >= d.windowSamples {
		rms := pcm16RMS(d.buf[:d.windowSamples])
		winStart := base
		base += int64(d.windowSamples)
		d.buf = d.buf[d.windowSamples:]

		if rms < d.cfg.SilenceRMS {
			if d.silenceMs == 0 {
				d.silenceAt = winStart
			}
			d.silenceMs += int64(d.cfg.WindowMs)
			if !d.fired && d.silenceMs >= int64(d.cfg.MinSilenceMs) && d.speechMs >= int64(d.cfg.MinSpeechMs) {
				// середина подтверждённой паузы, как в нарезке чанков
				b := d.silenceAt + diar.MsToSamples(int64(d.cfg.MinSilenceMs))/2
				found = append(found, b)
				d.last = b
				d.hasLast = true
				d.fired = true
			}
			continue
		}

		if d.silenceMs > 0 {
			d.speechMs = 0
			d.silenceMs = 0
		}
		d.fired = false
		d.speechMs += int64(d.cfg.WindowMs)
	}

	// хвост короче окна переносится в следующий вызов
	d.buf = append(d.buf[:0:0], d.buf...)
	return found
}

// LastBoundary последняя найденная граница
func (d *BoundaryDetector) LastBoundary() (int64, bool) {
	return d.last, d.hasLast
}

// Reset очищает состояние детектора
func (d *BoundaryDetector) Reset() {
	d.buf = nil
	d.next = -1
	d.hasLast = false
	d.last = 0
	d.resetRuns()
}

func (d *BoundaryDetector) resetRuns() {
	d.speechMs = 0
	d.silenceMs = 0
	d.fired = false
}

// pcm16RMS энергия окна, нормированная в [0, 1]
func pcm16RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
