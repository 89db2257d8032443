// Package transcript принимает текст от внешних распознавателей речи.
// Распознаватель для движка чёрный ящик: фиды этого пакета только
// доставляют его сегменты, ничего не зная о качестве и задержках.
package transcript

import (
	"voxid/session"
)

// Типы кадров протокола фида
const (
	MsgTranscript = "transcript"
	MsgPing       = "ping"
	MsgError      = "error"
	MsgBye        = "bye"
)

// Message кадр протокола между распознавателем и фидом. Обе стороны
// шлют JSON-объекты, неизвестные типы игнорируются
type Message struct {
	Type    string                     `json:"type"`
	Segment *session.TranscriptSegment `json:"segment,omitempty"`
	Error   string                     `json:"error,omitempty"`
}

// Feed источник сегментов транскрипции. Updates закрывается, когда
// источник иссяк или фид остановлен; после Close канал дочитывается
// до конца без блокировки.
type Feed interface {
	Updates() <-chan session.TranscriptSegment
	Close() error
}

// feedQueueSize буфер на случай всплеска сегментов от распознавателя
const feedQueueSize = 64
