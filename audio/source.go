// Package audio поставляет PCM16-аудио движку: захват с микрофона,
// проигрывание файлов и чтение сырого потока. Все источники отдают
// чанки 16 кГц моно с абсолютной позицией потока в сэмплах.
package audio

import (
	"encoding/binary"
	"io"
	"log"
	"sync"

	"voxid/diar"
)

// Chunk порция PCM16 с привязкой к позиции потока сессии
type Chunk struct {
	PCM         []int16
	StartSample int64
}

// Source источник аудио. Chunks закрывается, когда источник иссяк
// или остановлен; после Close канал дочитывается без блокировки.
type Source interface {
	Chunks() <-chan Chunk
	Close() error
}

// sourceQueueSize буфер канала чанков, чтобы не терять данные при
// краткой паузе потребителя
const sourceQueueSize = 256

// ReaderSource читает сырой PCM16 little-endian из io.Reader
// (обычно stdin). Темп задаёт производитель потока.
type ReaderSource struct {
	out  chan Chunk
	done chan struct{}
	once sync.Once
}

// NewReaderSource оборачивает поток сырого PCM16 16 кГц моно.
// chunkMs задаёт размер порции, <=0 означает 100 мс.
func NewReaderSource(r io.Reader, chunkMs int) *ReaderSource {
	if chunkMs <= 0 {
		chunkMs = 100
	}
	s := &ReaderSource{
		out:  make(chan Chunk, sourceQueueSize),
		done: make(chan struct{}),
	}
	go s.pump(r, int(diar.MsToSamples(int64(chunkMs))))
	return s
}

func (s *ReaderSource) pump(r io.Reader, chunkSamples int) {
	defer close(s.out)

	buf := make([]byte, chunkSamples*2)
	var pos int64
	for {
		n, err := io.ReadFull(r, buf)
		n -= n % 2 // неполный сэмпл на конце потока отбрасывается
		if n > 0 {
			pcm := bytesToPCM16(buf[:n])
			select {
			case s.out <- Chunk{PCM: pcm, StartSample: pos}:
			case <-s.done:
				return
			}
			pos += int64(len(pcm))
		}
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				log.Printf("[Audio] reader source: %v", err)
			}
			return
		}
	}
}

// Chunks канал порций аудио
func (s *ReaderSource) Chunks() <-chan Chunk {
	return s.out
}

// Close останавливает выдачу. Чтение из нижележащего Reader не
// прерывается: застрявший в Read пайп освобождается его писателем.
func (s *ReaderSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func bytesToPCM16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm
}
