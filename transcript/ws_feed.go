package transcript

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxid/session"
)

// WSFeedConfig параметры подключения к распознавателю по WebSocket
type WSFeedConfig struct {
	URL          string // ws://host/stream
	Header       http.Header
	DialTimeout  time.Duration
	PingInterval time.Duration // keepalive, 0 отключает
}

// DefaultWSFeedConfig возвращает параметры по умолчанию
func DefaultWSFeedConfig(url string) WSFeedConfig {
	return WSFeedConfig{
		URL:          url,
		DialTimeout:  5 * time.Second,
		PingInterval: 20 * time.Second,
	}
}

// WSFeed фид поверх WebSocket: движок подключается клиентом к потоку
// распознавателя и читает кадры Message
type WSFeed struct {
	conn *websocket.Conn
	out  chan session.TranscriptSegment
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
	mu   sync.Mutex // записи в conn не конкурентны
}

// NewWSFeed подключается к распознавателю и начинает читать поток
func NewWSFeed(cfg WSFeedConfig) (*WSFeed, error) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, _, err := dialer.Dial(cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("transcript feed dial %s: %w", cfg.URL, err)
	}

	f := &WSFeed{
		conn: conn,
		out:  make(chan session.TranscriptSegment, feedQueueSize),
		done: make(chan struct{}),
	}
	f.wg.Add(1)
	go f.readLoop()
	if cfg.PingInterval > 0 {
		f.wg.Add(1)
		go f.pingLoop(cfg.PingInterval)
	}
	log.Printf("[WSFeed] connected to %s", cfg.URL)
	return f, nil
}

// Updates канал входящих сегментов
func (f *WSFeed) Updates() <-chan session.TranscriptSegment {
	return f.out
}

func (f *WSFeed) readLoop() {
	defer f.wg.Done()
	defer close(f.out)
	for {
		var msg Message
		if err := f.conn.ReadJSON(&msg); err != nil {
			select {
			case <-f.done:
				// штатная остановка
			default:
				log.Printf("[WSFeed] read: %v", err)
			}
			return
		}

		switch msg.Type {
		case MsgTranscript:
			if msg.Segment == nil {
				continue
			}
			select {
			case f.out <- *msg.Segment:
			case <-f.done:
				return
			}
		case MsgError:
			log.Printf("[WSFeed] recognizer error: %s", msg.Error)
		case MsgBye:
			return
		}
	}
}

func (f *WSFeed) pingLoop(interval time.Duration) {
	defer f.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.mu.Lock()
			err := f.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			f.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close разрывает соединение; Updates закрывается следом
func (f *WSFeed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		f.mu.Lock()
		f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		f.mu.Unlock()
		err = f.conn.Close()
		f.wg.Wait()
	})
	return err
}
