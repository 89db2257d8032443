// Прогон аудиофайла через движок диаризации
// Запуск: go run ./cmd/voxreplay -in recording.wav
// Остановка: Ctrl+C (или дождаться конца файла)
//
// События печатаются в консоль построчно, итог в конце.

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"voxid/ai"
	"voxid/audio"
	"voxid/session"
	"voxid/voiceprint"
)

// consoleSink печатает реплики в человекочитаемом виде
type consoleSink struct{}

func (consoleSink) OnSentence(ev session.SentenceEvent) {
	marker := ""
	if !ev.IsFinal {
		marker = " ~"
	}
	if ev.Correction {
		marker = " [испр.]"
	}
	flags := ""
	if ev.OverlapFlag {
		flags += " +overlap"
	}
	if ev.Uncertain {
		flags += " +uncertain"
	}
	fmt.Printf("[%6.1f-%6.1f] %s%s: %s (conf %.2f)%s\n",
		float64(ev.StartMs)/1000, float64(ev.EndMs)/1000,
		ev.SpeakerLabel, marker, ev.Text, ev.Confidence, flags)
}

func (consoleSink) OnDiarSegment(ev session.DiarSegmentEvent) {}

func main() {
	input := flag.String("in", "", "WAV или MP3 файл для прогона")
	prints := flag.String("prints", "/tmp/voxreplay_prints.json", "Реестр голосовых отпечатков")
	frameBackend := flag.String("frame-backend", "stub", "Бэкенд модели диаризации")
	encoderBackend := flag.String("encoder-backend", "stub", "Бэкенд энкодера эмбеддингов")
	segModel := flag.String("seg-model", "", "Путь к сегментационной модели")
	embedModel := flag.String("embed-model", "", "Путь к модели эмбеддингов")
	realtime := flag.Bool("realtime", false, "Выдерживать темп записи")
	flag.Parse()

	if *input == "" {
		log.Fatal("Укажите файл: -in recording.wav")
	}

	log.Println("=== Прогон файла через диаризацию ===")
	log.Printf("Файл: %s", *input)
	log.Printf("Бэкенды: frame=%s, encoder=%s", *frameBackend, *encoderBackend)

	store, err := voiceprint.NewStore(*prints)
	if err != nil {
		log.Fatalf("Ошибка открытия реестра: %v", err)
	}
	log.Printf("Реестр: %s (%d отпечатков)", *prints, store.Count())

	model, err := ai.NewFrameModel(ai.FrameModelConfig{
		Backend:   ai.Backend(*frameBackend),
		ModelPath: *segModel,
	})
	if err != nil {
		log.Fatalf("Ошибка загрузки модели: %v", err)
	}
	defer model.Close()

	encoder, err := ai.NewEncoder(ai.EncoderConfig{
		Backend:   ai.Backend(*encoderBackend),
		ModelPath: *embedModel,
	})
	if err != nil {
		log.Fatalf("Ошибка загрузки энкодера: %v", err)
	}
	defer encoder.Close()

	engine, err := session.NewEngine(model, encoder, store, consoleSink{}, session.DefaultEngineConfig())
	if err != nil {
		log.Fatalf("Ошибка создания движка: %v", err)
	}
	if err := engine.Start(); err != nil {
		log.Fatalf("Ошибка запуска движка: %v", err)
	}

	replayCfg := audio.DefaultReplayConfig(*input)
	replayCfg.Realtime = *realtime
	source, err := audio.NewFileSource(replayCfg)
	if err != nil {
		log.Fatalf("Ошибка открытия файла: %v", err)
	}
	log.Printf("Длительность: %.1f сек", float64(source.DurationMs())/1000)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range source.Chunks() {
			if err := engine.ProcessAudio(chunk.PCM, chunk.StartSample); err != nil {
				log.Printf("Ошибка обработки аудио: %v", err)
				return
			}
		}
	}()

	// Обработка сигнала остановки
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stopChan:
		log.Println("\nОстановка...")
		source.Close()
		<-done
	case <-done:
		log.Println("Файл закончился")
	}

	summary, err := engine.Stop()
	if err != nil {
		log.Fatalf("Ошибка остановки движка: %v", err)
	}

	log.Println()
	log.Println("=== Результаты ===")
	log.Printf("Аудио: %.1f сек", float64(summary.AudioMs)/1000)
	log.Printf("Реплик: %d", summary.SentenceCount)
	log.Printf("Сбросов диаризации: %d", summary.Resets)
	for _, sp := range summary.Speakers {
		known := ""
		if sp.Known {
			known = " (известный)"
		}
		log.Printf("  %s%s: %d реплик, %.1f сек", sp.DisplayName, known, sp.SegmentCount, float64(sp.TotalMs)/1000)
	}
}
