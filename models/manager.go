package models

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// ProgressCallback функция обратного вызова для прогресса скачивания
type ProgressCallback func(modelID string, progress float64, status ModelStatus, err error)

// Manager менеджер моделей на диске
type Manager struct {
	modelsDir  string
	downloads  map[string]context.CancelFunc // активные загрузки
	mu         sync.RWMutex
	onProgress ProgressCallback
}

// NewManager создаёт менеджер моделей
func NewManager(modelsDir string) (*Manager, error) {
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}

	return &Manager{
		modelsDir: modelsDir,
		downloads: make(map[string]context.CancelFunc),
	}, nil
}

// SetProgressCallback устанавливает callback для прогресса
func (m *Manager) SetProgressCallback(cb ProgressCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onProgress = cb
}

// ModelsDir возвращает путь к директории моделей
func (m *Manager) ModelsDir() string {
	return m.modelsDir
}

// ModelPath возвращает путь к файлу модели
func (m *Manager) ModelPath(modelID string) string {
	info := ByID(modelID)
	if info == nil {
		return ""
	}

	// Для архивных моделей ищем .onnx в распакованной директории
	if info.IsArchive {
		extractDir := filepath.Join(m.modelsDir, modelID)
		onnxPath, err := FindOnnxModelInDir(extractDir)
		if err == nil {
			return onnxPath
		}
		return filepath.Join(extractDir, "model.onnx")
	}

	return filepath.Join(m.modelsDir, modelID+".onnx")
}

// IsDownloaded проверяет, скачана ли модель
func (m *Manager) IsDownloaded(modelID string) bool {
	info := ByID(modelID)
	if info == nil {
		return false
	}

	// Для архивных моделей проверяем распакованную директорию
	if info.IsArchive {
		extractDir := filepath.Join(m.modelsDir, modelID)
		if stat, err := os.Stat(extractDir); err != nil || !stat.IsDir() {
			return false
		}
		_, err := FindOnnxModelInDir(extractDir)
		return err == nil
	}

	stat, err := os.Stat(m.ModelPath(modelID))
	if err != nil {
		return false
	}
	// Обрубленный файл меньше мегабайта моделью не считается
	return stat.Size() >= 1_000_000
}

// States возвращает состояние всех моделей каталога
func (m *Manager) States() []ModelState {
	m.mu.RLock()
	downloads := make(map[string]bool)
	for id := range m.downloads {
		downloads[id] = true
	}
	m.mu.RUnlock()

	states := make([]ModelState, len(Registry))
	for i, info := range Registry {
		state := ModelState{
			ModelInfo: info,
			Path:      m.ModelPath(info.ID),
		}

		if downloads[info.ID] {
			state.Status = ModelStatusDownloading
		} else if m.IsDownloaded(info.ID) {
			state.Status = ModelStatusDownloaded
		} else {
			state.Status = ModelStatusNotDownloaded
		}

		states[i] = state
	}

	return states
}

// Download запускает скачивание модели в фоне. Итог и прогресс
// приходят через ProgressCallback.
func (m *Manager) Download(modelID string) error {
	info := ByID(modelID)
	if info == nil {
		return fmt.Errorf("unknown model: %s", modelID)
	}

	m.mu.Lock()
	if _, exists := m.downloads[modelID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("model %s is already downloading", modelID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.downloads[modelID] = cancel
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.downloads, modelID)
			m.mu.Unlock()
		}()

		progressCb := func(progress float64) {
			m.notifyProgress(modelID, progress, ModelStatusDownloading, nil)
		}

		var err error
		if info.IsArchive {
			extractDir := filepath.Join(m.modelsDir, modelID)
			err = DownloadAndExtractTarBz2(ctx, info.DownloadURL, extractDir, info.SizeBytes, progressCb)
		} else {
			err = DownloadFile(ctx, info.DownloadURL, m.ModelPath(modelID), info.SizeBytes, progressCb)
		}

		if err != nil {
			if ctx.Err() == context.Canceled {
				log.Printf("Download cancelled for model: %s", modelID)
				m.notifyProgress(modelID, 0, ModelStatusNotDownloaded, nil)
				m.cleanupPartialDownload(modelID)
			} else {
				log.Printf("Download failed for model %s: %v", modelID, err)
				m.notifyProgress(modelID, 0, ModelStatusError, err)
			}
			return
		}

		log.Printf("Download completed for model: %s", modelID)
		m.notifyProgress(modelID, 100, ModelStatusDownloaded, nil)
	}()

	return nil
}

// CancelDownload отменяет скачивание модели
func (m *Manager) CancelDownload(modelID string) error {
	m.mu.Lock()
	cancel, exists := m.downloads[modelID]
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("model %s is not downloading", modelID)
	}

	cancel()
	return nil
}

// Delete удаляет скачанную модель
func (m *Manager) Delete(modelID string) error {
	if !m.IsDownloaded(modelID) {
		return fmt.Errorf("model %s is not downloaded", modelID)
	}

	info := ByID(modelID)
	if info == nil {
		return fmt.Errorf("unknown model: %s", modelID)
	}

	if info.IsArchive {
		extractDir := filepath.Join(m.modelsDir, modelID)
		if err := os.RemoveAll(extractDir); err != nil {
			return fmt.Errorf("failed to delete model directory: %w", err)
		}
		log.Printf("Model deleted: %s", modelID)
		return nil
	}

	if err := os.Remove(m.ModelPath(modelID)); err != nil {
		return fmt.Errorf("failed to delete model: %w", err)
	}

	log.Printf("Model deleted: %s", modelID)
	return nil
}

// notifyProgress уведомляет о прогрессе
func (m *Manager) notifyProgress(modelID string, progress float64, status ModelStatus, err error) {
	m.mu.RLock()
	cb := m.onProgress
	m.mu.RUnlock()

	if cb != nil {
		cb(modelID, progress, status, err)
	}
}

// cleanupPartialDownload удаляет частично скачанный файл
func (m *Manager) cleanupPartialDownload(modelID string) {
	info := ByID(modelID)
	if info == nil {
		return
	}

	if info.IsArchive {
		os.RemoveAll(filepath.Join(m.modelsDir, modelID))
		return
	}

	modelPath := m.ModelPath(modelID)
	os.Remove(modelPath)
	os.Remove(modelPath + ".tmp")
}
