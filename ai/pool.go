package ai

import (
	"log"
	"sync"
)

// EmbedRequest задание на вычисление эмбеддинга
type EmbedRequest struct {
	Label string  // локальная метка спикера
	PCM   []int16 // чистое аудио спикера
}

// EmbedResult результат вычисления эмбеддинга
type EmbedResult struct {
	Label     string
	Embedding []float32
	Err       error
}

// EmbedPool ограниченный пул воркеров для инференса энкодера.
// Вычисление эмбеддинга занимает десятки миллисекунд и не должно
// блокировать аудио-поток: задания кладутся в ограниченную очередь,
// при переполнении новое задание отбрасывается с логом
type EmbedPool struct {
	encoder  Encoder
	jobs     chan EmbedRequest
	results  chan EmbedResult
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewEmbedPool создаёт пул с указанным числом воркеров и размером очереди
func NewEmbedPool(encoder Encoder, workers, queueSize int) *EmbedPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 8
	}

	p := &EmbedPool{
		encoder: encoder,
		jobs:    make(chan EmbedRequest, queueSize),
		results: make(chan EmbedResult, queueSize),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit ставит задание в очередь без блокировки.
// Возвращает false если очередь переполнена и задание отброшено
func (p *EmbedPool) Submit(req EmbedRequest) bool {
	select {
	case p.jobs <- req:
		return true
	default:
		log.Printf("EmbedPool: queue full, dropping job for %s", req.Label)
		return false
	}
}

// Results возвращает канал результатов
func (p *EmbedPool) Results() <-chan EmbedResult {
	return p.results
}

func (p *EmbedPool) worker() {
	defer p.wg.Done()
	for req := range p.jobs {
		emb, err := p.encoder.Embed(req.PCM)
		select {
		case p.results <- EmbedResult{Label: req.Label, Embedding: emb, Err: err}:
		default:
			log.Printf("EmbedPool: results queue full, dropping result for %s", req.Label)
		}
	}
}

// Close останавливает пул, дожидается воркеров и закрывает канал результатов
func (p *EmbedPool) Close() {
	p.stopOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
		close(p.results)
	})
}
