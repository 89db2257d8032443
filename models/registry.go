// Package models предоставляет каталог и скачивание моделей диаризации
package models

// Role роль модели в конвейере диаризации
type Role string

const (
	RoleSegmentation Role = "segmentation" // покадровая сегментация спикеров
	RoleEmbedding    Role = "embedding"    // голосовые эмбеддинги
	RoleVAD          Role = "vad"          // детекция голосовой активности
)

// ModelInfo информация о модели из каталога
type ModelInfo struct {
	ID           string
	Name         string
	Role         Role
	Size         string
	SizeBytes    int64
	Description  string
	EmbeddingDim int  // размерность вектора (только для embedding-моделей)
	IsArchive    bool // tar.bz2 архив с .onnx внутри
	Recommended  bool
	DownloadURL  string
}

// ModelStatus статус модели на диске
type ModelStatus string

const (
	ModelStatusNotDownloaded ModelStatus = "not_downloaded"
	ModelStatusDownloading   ModelStatus = "downloading"
	ModelStatusDownloaded    ModelStatus = "downloaded"
	ModelStatusError         ModelStatus = "error"
)

// ModelState состояние модели с информацией
type ModelState struct {
	ModelInfo
	Status   ModelStatus
	Progress float64 // 0-100
	Error    string
	Path     string // путь к скачанной модели
}

// Registry каталог поддерживаемых моделей
var Registry = []ModelInfo{
	// ===== Сегментация спикеров =====
	{
		ID:          "pyannote-segmentation-3.0",
		Name:        "Pyannote Segmentation 3.0",
		Role:        RoleSegmentation,
		Size:        "5.9 MB",
		SizeBytes:   5_900_000,
		Description: "Покадровая сегментация спикеров (pyannote.audio)",
		IsArchive:   true,
		Recommended: true,
		DownloadURL: "https://github.com/k2-fsa/sherpa-onnx/releases/download/speaker-segmentation-models/sherpa-onnx-pyannote-segmentation-3-0.tar.bz2",
	},

	// ===== Голосовые эмбеддинги =====
	{
		ID:           "3dspeaker-speech-eres2net",
		Name:         "3D-Speaker ERes2Net",
		Role:         RoleEmbedding,
		Size:         "25 MB",
		SizeBytes:    25_000_000,
		Description:  "Speaker embedding (3D-Speaker, Alibaba)",
		EmbeddingDim: 512,
		DownloadURL:  "https://github.com/k2-fsa/sherpa-onnx/releases/download/speaker-recongition-models/3dspeaker_speech_eres2net_base_sv_zh-cn_3dspeaker_16k.onnx",
	},
	{
		ID:           "wespeaker-voxceleb-resnet34",
		Name:         "WeSpeaker ResNet34",
		Role:         RoleEmbedding,
		Size:         "26 MB",
		SizeBytes:    26_851_029,
		Description:  "Speaker embedding (WeSpeaker ResNet34)",
		EmbeddingDim: 256,
		Recommended:  true,
		DownloadURL:  "https://github.com/k2-fsa/sherpa-onnx/releases/download/speaker-recongition-models/wespeaker_en_voxceleb_resnet34.onnx",
	},

	// ===== Детекция голосовой активности =====
	{
		ID:          "silero-vad-v5",
		Name:        "Silero VAD v5",
		Role:        RoleVAD,
		Size:        "2.2 MB",
		SizeBytes:   2_327_524,
		Description: "Enterprise-grade Voice Activity Detector (Silero)",
		Recommended: true,
		DownloadURL: "https://github.com/snakers4/silero-vad/raw/master/src/silero_vad/data/silero_vad.onnx",
	},
}

// ByID возвращает модель по ID
func ByID(id string) *ModelInfo {
	for _, m := range Registry {
		if m.ID == id {
			return &m
		}
	}
	return nil
}

// ByRole возвращает модели одной роли
func ByRole(role Role) []ModelInfo {
	var result []ModelInfo
	for _, m := range Registry {
		if m.Role == role {
			result = append(result, m)
		}
	}
	return result
}

// RecommendedByRole возвращает рекомендуемую модель роли
func RecommendedByRole(role Role) *ModelInfo {
	for _, m := range Registry {
		if m.Role == role && m.Recommended {
			return &m
		}
	}
	return nil
}
