// Package config собирает конфигурацию процесса: флаги командной
// строки и YAML-файл тюнинга порогов движка.
package config

import (
	"flag"
	"path/filepath"
)

// Config параметры процесса
type Config struct {
	PrintsPath string // JSON-реестр голосовых отпечатков
	PrintsDB   string // Postgres DSN реестра, приоритетнее файла
	TuningPath string // YAML тюнинга движка, "" = дефолты
	ModelsDir  string // директория файлов моделей

	Input    string // WAV/MP3 файл или "-" = сырой PCM16 со stdin
	Realtime bool   // выдерживать темп файла при проигрывании

	FeedAddr string // адрес gRPC-фида транскрипции
	FeedWS   string // URL WebSocket-фида, приоритетнее gRPC

	FrameBackend   string // onnx | sherpa | subprocess | stub
	EncoderBackend string // onnx | sherpa | stub
	SegModel       string // сегментационная модель диаризации
	EmbedModel     string // модель голосовых эмбеддингов
	EmbedDim       int    // размерность эмбеддингов (ширина pgvector-колонки)
	FrameBinary    string // бинарник инференса для subprocess
	Provider       string // ONNX provider: cpu, cuda, coreml, auto
}

// Load разбирает флаги командной строки
func Load() *Config {
	prints := flag.String("prints", "data/prints.json", "Path to voiceprint registry JSON")
	printsDB := flag.String("prints-db", "", "Postgres DSN for the voiceprint registry (overrides -prints)")
	tuning := flag.String("tuning", "", "Path to engine tuning YAML (defaults when empty)")
	modelsDir := flag.String("models", "", "Directory with model files (default: prints dir + /models)")

	input := flag.String("in", "-", "Audio input: WAV/MP3 file or '-' for raw PCM16 on stdin")
	realtime := flag.Bool("realtime", true, "Pace file replay at real time")

	feed := flag.String("feed", "", "Transcript gRPC feed address (unix:/path, npipe:..., host:port)")
	feedWS := flag.String("feed-ws", "", "Transcript WebSocket feed URL (overrides -feed)")

	frameBackend := flag.String("frame-backend", "stub", "Diarization frame model backend: onnx|sherpa|subprocess|stub")
	encoderBackend := flag.String("encoder-backend", "stub", "Speaker encoder backend: onnx|sherpa|stub")
	segModel := flag.String("seg-model", "", "Segmentation model path (default: models dir + /segmentation.onnx)")
	embedModel := flag.String("embed-model", "", "Embedding model path (default: models dir + /embedding.onnx)")
	embedDim := flag.Int("embed-dim", 256, "Embedding dimension (pgvector column width)")
	frameBinary := flag.String("frame-bin", "", "Inference binary for the subprocess backend")
	provider := flag.String("provider", "auto", "ONNX execution provider: cpu, cuda, coreml, auto")
	flag.Parse()

	// Директория моделей рядом с реестром, если не задана
	finalModelsDir := *modelsDir
	if finalModelsDir == "" {
		finalModelsDir = filepath.Join(filepath.Dir(*prints), "models")
	}

	segPath := *segModel
	if segPath == "" {
		segPath = filepath.Join(finalModelsDir, "segmentation.onnx")
	}
	embedPath := *embedModel
	if embedPath == "" {
		embedPath = filepath.Join(finalModelsDir, "embedding.onnx")
	}

	return &Config{
		PrintsPath: *prints,
		PrintsDB:   *printsDB,
		TuningPath: *tuning,
		ModelsDir:  finalModelsDir,

		Input:    *input,
		Realtime: *realtime,

		FeedAddr: *feed,
		FeedWS:   *feedWS,

		FrameBackend:   *frameBackend,
		EncoderBackend: *encoderBackend,
		SegModel:       segPath,
		EmbedModel:     embedPath,
		EmbedDim:       *embedDim,
		FrameBinary:    *frameBinary,
		Provider:       *provider,
	}
}
