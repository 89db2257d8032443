package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"voxid/ai"
	"voxid/audio"
	"voxid/internal/config"
	"voxid/models"
	"voxid/session"
	"voxid/transcript"
	"voxid/voiceprint"
)

// resolveModelPath возвращает путь из флага, если файл существует, иначе
// ищет скачанную рекомендуемую модель нужной роли в каталоге менеджера
func resolveModelPath(mgr *models.Manager, flagPath string, role models.Role) string {
	if _, err := os.Stat(flagPath); err == nil {
		return flagPath
	}
	if rec := models.RecommendedByRole(role); rec != nil && mgr.IsDownloaded(rec.ID) {
		return mgr.ModelPath(rec.ID)
	}
	return flagPath
}

func main() {
	log.Println("voxid engine starting...")

	cfg := config.Load()
	log.Printf("Models directory: %s", cfg.ModelsDir)

	// Тюнинг порогов движка (nil = дефолты)
	tuning, err := config.LoadTuning(cfg.TuningPath)
	if err != nil {
		log.Fatalf("Failed to load tuning: %v", err)
	}
	engCfg := tuning.EngineConfig()

	// Реестр голосовых отпечатков: Postgres приоритетнее файла
	var registry voiceprint.Registry
	if cfg.PrintsDB != "" {
		log.Println("Connecting to voiceprint registry (postgres)...")
		pgStore, err := voiceprint.NewPgStore(context.Background(), cfg.PrintsDB, cfg.EmbedDim)
		if err != nil {
			log.Fatalf("Failed to open postgres registry: %v", err)
		}
		defer pgStore.Close()
		registry = pgStore
	} else {
		log.Printf("Opening voiceprint registry: %s", cfg.PrintsPath)
		store, err := voiceprint.NewStore(cfg.PrintsPath)
		if err != nil {
			log.Fatalf("Failed to open voiceprint registry: %v", err)
		}
		registry = store
	}

	// Каталог моделей: файлы, не заданные флагами явно, ищем среди
	// скачанных через voxmodels
	modelMgr, err := models.NewManager(cfg.ModelsDir)
	if err != nil {
		log.Fatalf("Failed to init model manager: %v", err)
	}
	segModel := resolveModelPath(modelMgr, cfg.SegModel, models.RoleSegmentation)
	embedModel := resolveModelPath(modelMgr, cfg.EmbedModel, models.RoleEmbedding)

	// Модель диаризации
	log.Printf("Loading frame model (%s)...", cfg.FrameBackend)
	model, err := ai.NewFrameModel(ai.FrameModelConfig{
		Backend:       ai.Backend(cfg.FrameBackend),
		ModelPath:     segModel,
		EmbeddingPath: embedModel,
		BinaryPath:    cfg.FrameBinary,
		Provider:      cfg.Provider,
	})
	if err != nil {
		log.Fatalf("Failed to load frame model: %v", err)
	}
	defer model.Close()
	log.Printf("Frame model loaded: %s", model.Name())

	// Энкодер эмбеддингов. Без него спикеры остаются анонимными,
	// поэтому ошибка не фатальна.
	var encoder ai.Encoder
	enc, err := ai.NewEncoder(ai.EncoderConfig{
		Backend:   ai.Backend(cfg.EncoderBackend),
		ModelPath: embedModel,
		Provider:  cfg.Provider,
	})
	if err != nil {
		log.Printf("Warning: failed to load speaker encoder: %v", err)
	} else {
		encoder = enc
		defer enc.Close()
		log.Printf("Speaker encoder loaded: %s", enc.Name())
	}

	// Движок сессии: события уходят JSONL-строками в stdout
	engine, err := session.NewEngine(model, encoder, registry, session.NewJSONLSink(os.Stdout), engCfg)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	if err := engine.Start(); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	// Источник аудио: файл или сырой PCM16 со stdin
	var source audio.Source
	if cfg.Input == "-" {
		log.Println("Reading raw PCM16 from stdin")
		source = audio.NewReaderSource(os.Stdin, 0)
	} else {
		replayCfg := audio.DefaultReplayConfig(cfg.Input)
		replayCfg.Realtime = cfg.Realtime
		fileSource, err := audio.NewFileSource(replayCfg)
		if err != nil {
			log.Fatalf("Failed to open audio input: %v", err)
		}
		source = fileSource
	}

	// Фид транскрипции: WebSocket приоритетнее gRPC
	var feed transcript.Feed
	if cfg.FeedWS != "" {
		wsFeed, err := transcript.NewWSFeed(transcript.DefaultWSFeedConfig(cfg.FeedWS))
		if err != nil {
			log.Fatalf("Failed to connect transcript feed: %v", err)
		}
		feed = wsFeed
	} else {
		grpcFeed, err := transcript.NewGRPCFeed(cfg.FeedAddr)
		if err != nil {
			log.Fatalf("Failed to start transcript feed: %v", err)
		}
		feed = grpcFeed
	}

	// Горутина для аудио: закрытие канала означает конец входа
	audioDone := make(chan struct{})
	go func() {
		defer close(audioDone)
		for chunk := range source.Chunks() {
			if err := engine.ProcessAudio(chunk.PCM, chunk.StartSample); err != nil {
				log.Printf("Audio rejected: %v", err)
				return
			}
		}
	}()

	// Горутина для сегментов транскрипции
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		for seg := range feed.Updates() {
			if err := engine.ProcessTranscript(seg); err != nil {
				log.Printf("Transcript rejected: %v", err)
				return
			}
		}
	}()

	// Обработка сигнала остановки
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)

	// Работаем до сигнала или до исчерпания аудио-входа
	select {
	case <-stopChan:
		log.Println("\nStopping session...")
	case <-audioDone:
		log.Println("Audio input finished, stopping session...")
	}

	// Порядок важен: сначала глушим входы, потом движок
	feed.Close()
	source.Close()
	<-feedDone
	<-audioDone

	summary, err := engine.Stop()
	if err != nil {
		log.Fatalf("Failed to stop engine: %v", err)
	}

	log.Printf("Session %s: %.1f sec audio, %d sentences, %d resets",
		summary.SessionID, float64(summary.AudioMs)/1000, summary.SentenceCount, summary.Resets)
	for _, sp := range summary.Speakers {
		marker := ""
		if sp.Known {
			marker = " [known]"
		}
		log.Printf("  %s%s: %d segments, %.1f sec", sp.DisplayName, marker, sp.SegmentCount, float64(sp.TotalMs)/1000)
	}
}
