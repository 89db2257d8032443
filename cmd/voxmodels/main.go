// Управление моделями диаризации
//
// Список моделей: go run ./cmd/voxmodels -list
// Скачивание: go run ./cmd/voxmodels -fetch wespeaker-voxceleb-resnet34
// Удаление: go run ./cmd/voxmodels -delete silero-vad-v5

package main

import (
	"errors"
	"flag"
	"log"

	"voxid/models"
)

func main() {
	dir := flag.String("dir", "data/models", "Директория моделей")
	list := flag.Bool("list", false, "Показать каталог моделей и их статусы")
	fetch := flag.String("fetch", "", "Скачать модель по ID")
	remove := flag.String("delete", "", "Удалить скачанную модель по ID")
	flag.Parse()

	mgr, err := models.NewManager(*dir)
	if err != nil {
		log.Fatalf("Ошибка создания менеджера моделей: %v", err)
	}

	switch {
	case *fetch != "":
		fetchModel(mgr, *fetch)
	case *remove != "":
		if err := mgr.Delete(*remove); err != nil {
			log.Fatalf("Ошибка удаления: %v", err)
		}
	case *list:
		listModels(mgr)
	default:
		listModels(mgr)
	}
}

func listModels(mgr *models.Manager) {
	log.Println("=== Каталог моделей ===")
	for _, st := range mgr.States() {
		mark := " "
		if st.Status == models.ModelStatusDownloaded {
			mark = "+"
		}
		rec := ""
		if st.Recommended {
			rec = " (рекомендуется)"
		}
		log.Printf("[%s] %-28s %-12s %-8s %s%s", mark, st.ID, st.Role, st.Size, st.Name, rec)
	}
	log.Println()
	log.Printf("Директория: %s", mgr.ModelsDir())
}

func fetchModel(mgr *models.Manager, id string) {
	if mgr.IsDownloaded(id) {
		log.Printf("Модель уже скачана: %s", mgr.ModelPath(id))
		return
	}

	info := models.ByID(id)
	if info == nil {
		log.Fatalf("Неизвестная модель: %s (смотрите -list)", id)
	}

	log.Printf("Скачивание %s (%s)...", info.Name, info.Size)

	// Скачивание асинхронное, ждём итогового статуса через callback
	done := make(chan error, 1)
	mgr.SetProgressCallback(func(modelID string, progress float64, status models.ModelStatus, err error) {
		switch status {
		case models.ModelStatusDownloading:
			log.Printf("  %.0f%%", progress)
		case models.ModelStatusDownloaded:
			done <- nil
		case models.ModelStatusError:
			done <- err
		case models.ModelStatusNotDownloaded:
			done <- errors.New("download cancelled")
		}
	})

	if err := mgr.Download(id); err != nil {
		log.Fatalf("Ошибка запуска скачивания: %v", err)
	}
	if err := <-done; err != nil {
		log.Fatalf("Ошибка скачивания: %v", err)
	}

	log.Printf("Готово: %s", mgr.ModelPath(id))
}
