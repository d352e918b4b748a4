package handler

import "time"

// 事件类型
const (
	EventOpened      = "opened"
	EventAuth        = "auth"
	EventEstablished = "established"
	EventClosed      = "closed"
)

// Event 会话生命周期事件
type Event struct {
	Kind    string    `json:"kind"`
	Session uint32    `json:"session"`
	Remote  string    `json:"remote,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Time    time.Time `json:"time"`
}

// SetObserver 设置事件观察者，在循环内同步调用，不能阻塞
func (h *Handler) SetObserver(fn func(Event)) {
	h.observer = fn
}

func (h *Handler) emit(kind string, c *Conn, reason string) {
	if h.observer == nil {
		return
	}
	ev := Event{Kind: kind, Session: c.id, Reason: reason, Time: time.Now()}
	if c.remote != nil {
		ev.Remote = c.remote.String()
	}
	h.observer(ev)
}
