package admin

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mrcgq/battlegrounds/internal/handler"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub 把会话事件广播给 websocket 订阅者
// Publish 不阻塞，慢订阅者的事件被丢弃
type Hub struct {
	mu   sync.Mutex
	subs map[chan handler.Event]struct{}
	log  *zap.Logger
}

// NewHub 创建 Hub
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subs: make(map[chan handler.Event]struct{}),
		log:  log,
	}
}

// Publish 广播事件，可作为 handler 的观察者
func (h *Hub) Publish(ev handler.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers 当前订阅者数量
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) subscribe() chan handler.Event {
	ch := make(chan handler.Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan handler.Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// ServeHTTP 升级为 websocket 并推送事件
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events := h.subscribe()
	defer h.unsubscribe(events)

	// 读协程只用于发现对端关闭
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug("事件推送失败", zap.Error(err))
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
