// Живая диаризация с микрофона и запись голосовых отпечатков
//
// Запуск: go run ./cmd/voxmic
// Список устройств: go run ./cmd/voxmic -list
// Запись отпечатка: go run ./cmd/voxmic -enroll "Иван" -sec 5
// Остановка: Ctrl+C

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
	"voxid/diar"
	"voxid/session"
	"voxid/voiceprint"
)

// turnSink печатает смены спикеров: без фида транскрипции
// движок выдаёт только диар-сегменты
type turnSink struct{}

func (turnSink) OnSentence(ev session.SentenceEvent) {}

func (turnSink) OnDiarSegment(ev session.DiarSegmentEvent) {
	overlap := ""
	if ev.Overlap != string(diar.OverlapNone) {
		overlap = " +overlap"
	}
	fmt.Printf("[%6.1f-%6.1f] %s (conf %.2f)%s\n",
		float64(ev.StartMs)/1000, float64(ev.EndMs)/1000,
		ev.SpeakerLabel, ev.Confidence, overlap)
}

func main() {
	list := flag.Bool("list", false, "Показать устройства захвата и выйти")
	device := flag.String("device", "", "Имя устройства захвата (подстрока)")
	enroll := flag.String("enroll", "", "Записать отпечаток с этим именем и выйти")
	sec := flag.Int("sec", 5, "Сколько секунд писать для отпечатка")
	prints := flag.String("prints", "data/prints.json", "Реестр голосовых отпечатков")
	vadModel := flag.String("vad-model", "", "Путь к модели Silero VAD для проверки записи (опционально)")
	frameBackend := flag.String("frame-backend", "stub", "Бэкенд модели диаризации")
	encoderBackend := flag.String("encoder-backend", "stub", "Бэкенд энкодера эмбеддингов")
	segModel := flag.String("seg-model", "", "Путь к сегментационной модели")
	embedModel := flag.String("embed-model", "", "Путь к модели эмбеддингов")
	flag.Parse()

	if *list {
		listDevices()
		return
	}

	if *enroll != "" {
		enrollPrint(*enroll, *device, *sec, *prints, *encoderBackend, *embedModel, *vadModel)
		return
	}

	liveDiarization(*device, *prints, *frameBackend, *encoderBackend, *segModel, *embedModel)
}

func listDevices() {
	devices, err := audio.Devices()
	if err != nil {
		log.Fatalf("Ошибка перечисления устройств: %v", err)
	}
	log.Println("=== Устройства захвата ===")
	for i, d := range devices {
		log.Printf("%d: %s", i, d.Name)
	}
}

// recordSeconds собирает ровно seconds секунд PCM с микрофона
func recordSeconds(device string, seconds int) ([]int16, error) {
	micCfg := audio.DefaultMicConfig()
	micCfg.Device = device
	mic, err := audio.NewMic(micCfg)
	if err != nil {
		return nil, err
	}
	defer mic.Close()

	if err := mic.Start(); err != nil {
		return nil, err
	}

	need := seconds * diar.SampleRate
	pcm := make([]int16, 0, need)
	for chunk := range mic.Chunks() {
		pcm = append(pcm, chunk.PCM...)
		if len(pcm) >= need {
			break
		}
	}
	if len(pcm) < need {
		return nil, fmt.Errorf("capture stopped early: got %d of %d samples", len(pcm), need)
	}
	return pcm[:need], nil
}

func enrollPrint(name, device string, sec int, printsPath, encoderBackend, embedModel, vadModel string) {
	log.Println("=== Запись голосового отпечатка ===")
	log.Printf("Имя: %s", name)
	log.Printf("Говорите в микрофон %d секунд...", sec)

	pcm, err := recordSeconds(device, sec)
	if err != nil {
		log.Fatalf("Ошибка записи: %v", err)
	}

	// Чистим запись перед извлечением эмбеддинга
	filtered := audio.ApplyFilters(pcm, diar.SampleRate, audio.DefaultFilterConfig())
	metrics := audio.AnalyzeQuality(filtered)
	log.Printf("Качество: RMS=%.4f, peak=%.4f", metrics.RMS, metrics.Peak)
	if metrics.IsSilent {
		log.Fatal("Запись слишком тихая, отпечаток не сохранён. Проверьте микрофон и попробуйте снова.")
	}
	if vadModel != "" {
		checkSpeech(filtered, vadModel)
	}

	store, err := voiceprint.NewStore(printsPath)
	if err != nil {
		log.Fatalf("Ошибка открытия реестра: %v", err)
	}

	encoder, err := ai.NewEncoder(ai.EncoderConfig{
		Backend:   ai.Backend(encoderBackend),
		ModelPath: embedModel,
	})
	if err != nil {
		log.Fatalf("Ошибка загрузки энкодера: %v", err)
	}
	defer encoder.Close()

	vp, err := voiceprint.Enroll(store, encoder, name, filtered, "mic")
	if err != nil {
		log.Fatalf("Ошибка записи отпечатка: %v", err)
	}

	log.Printf("Готово! Отпечаток сохранён: %s (id %s)", vp.Name, vp.ID)
	log.Printf("В реестре %d отпечатков", store.Count())
}

// checkSpeech меряет длительность речи в записи через Silero VAD
func checkSpeech(pcm []int16, modelPath string) {
	cfg := ai.DefaultSileroVADConfig()
	cfg.ModelPath = modelPath
	vad, err := ai.NewSileroVAD(cfg)
	if err != nil {
		log.Printf("Silero VAD недоступен, пропускаем проверку речи: %v", err)
		return
	}
	defer vad.Close()

	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = float32(s) / 32768.0
	}
	segments, err := vad.DetectSpeechRegions(samples)
	if err != nil {
		log.Printf("Ошибка VAD, пропускаем проверку речи: %v", err)
		return
	}

	var speechMs int64
	for _, seg := range segments {
		speechMs += seg.EndMs - seg.StartMs
	}
	log.Printf("Речь: %.1f сек в %d участках", float64(speechMs)/1000, len(segments))
	if speechMs < 1000 {
		log.Fatal("В записи меньше секунды речи, отпечаток не сохранён. Говорите ближе к микрофону.")
	}
}

func liveDiarization(device, printsPath, frameBackend, encoderBackend, segModel, embedModel string) {
	log.Println("=== Живая диаризация с микрофона ===")
	log.Println("Нажмите Ctrl+C для остановки...")

	store, err := voiceprint.NewStore(printsPath)
	if err != nil {
		log.Fatalf("Ошибка открытия реестра: %v", err)
	}
	log.Printf("Реестр: %s (%d отпечатков)", printsPath, store.Count())

	model, err := ai.NewFrameModel(ai.FrameModelConfig{
		Backend:   ai.Backend(frameBackend),
		ModelPath: segModel,
	})
	if err != nil {
		log.Fatalf("Ошибка загрузки модели: %v", err)
	}
	defer model.Close()

	encoder, err := ai.NewEncoder(ai.EncoderConfig{
		Backend:   ai.Backend(encoderBackend),
		ModelPath: embedModel,
	})
	if err != nil {
		log.Fatalf("Ошибка загрузки энкодера: %v", err)
	}
	defer encoder.Close()

	engine, err := session.NewEngine(model, encoder, store, turnSink{}, session.DefaultEngineConfig())
	if err != nil {
		log.Fatalf("Ошибка создания движка: %v", err)
	}
	if err := engine.Start(); err != nil {
		log.Fatalf("Ошибка запуска движка: %v", err)
	}

	micCfg := audio.DefaultMicConfig()
	micCfg.Device = device
	mic, err := audio.NewMic(micCfg)
	if err != nil {
		log.Fatalf("Ошибка открытия микрофона: %v", err)
	}
	if err := mic.Start(); err != nil {
		log.Fatalf("Ошибка запуска микрофона: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range mic.Chunks() {
			if err := engine.ProcessAudio(chunk.PCM, chunk.StartSample); err != nil {
				log.Printf("Ошибка обработки аудио: %v", err)
				return
			}
		}
	}()

	// Обработка сигнала остановки
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)

	<-stopChan
	log.Println("\nОстановка...")

	mic.Close()
	<-done

	summary, err := engine.Stop()
	if err != nil {
		log.Fatalf("Ошибка остановки движка: %v", err)
	}

	log.Println()
	log.Println("=== Результаты ===")
	log.Printf("Аудио: %.1f сек", float64(summary.AudioMs)/1000)
	for _, sp := range summary.Speakers {
		known := ""
		if sp.Known {
			known = " (известный)"
		}
		log.Printf("  %s%s: %d сегментов, %.1f сек", sp.DisplayName, known, sp.SegmentCount, float64(sp.TotalMs)/1000)
	}
}
