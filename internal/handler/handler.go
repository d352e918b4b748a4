package handler

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/battlegrounds/internal/loop"
	"github.com/mrcgq/battlegrounds/internal/metrics"
	"github.com/mrcgq/battlegrounds/internal/protocol"
	"github.com/mrcgq/battlegrounds/internal/session"
)

// SendFunc 发送函数
type SendFunc func(data []byte, addr *net.UDPAddr) error

// 错误定义
var (
	ErrSessionExists   = errors.New("session already registered")
	ErrSessionNotFound = errors.New("session not found")
	ErrChannelNotOpen  = errors.New("channel not open")
	ErrNoSender        = errors.New("sender not set")
)

// DefaultTimeoutDelay 空闲超时默认值
const DefaultTimeoutDelay = 500 * time.Millisecond

// 关闭原因
const (
	ReasonTimeout    = "timeout"
	ReasonByClient   = "closed by client"
	ReasonByRegistry = "closed by registry"
	ReasonShutdown   = "server shutdown"
)

// Config 处理器配置
type Config struct {
	TimeoutDelay time.Duration
	// RegistrationGrace 注册后等待首个 Auth 的时长，<= 0 时等于 TimeoutDelay
	RegistrationGrace time.Duration
	// Timestamp 写入 AuthOk/Pong 的游戏时钟，nil 时为 0
	Timestamp func() uint64
}

// Info 会话快照
type Info struct {
	ID         uint32
	Status     session.Status
	Remote     string
	LastAction time.Time
	Channels   []uint8
}

// Handler 会话注册表，按 session id 分发数据报
//
// conns 只在循环内访问；导出的注册表方法通过 loop.Call 切换到循环。
// Set* 与 OnEstablished 需在服务启动前调用。
type Handler struct {
	loop    *loop.Loop
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	sealer        session.Sealer
	sender        SendFunc
	onEstablished func(*Conn)
	observer      func(Event)

	conns map[uint32]*Conn
}

// New 创建处理器并启动循环，注册表方法在端点启动前即可使用
func New(l *loop.Loop, cfg Config, log *zap.Logger) *Handler {
	if cfg.TimeoutDelay <= 0 {
		cfg.TimeoutDelay = DefaultTimeoutDelay
	}
	if cfg.RegistrationGrace <= 0 {
		cfg.RegistrationGrace = cfg.TimeoutDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	l.Start()
	return &Handler{
		loop:  l,
		cfg:   cfg,
		log:   log,
		conns: make(map[uint32]*Conn),
	}
}

// SetSender 设置发送函数
func (h *Handler) SetSender(fn SendFunc) {
	h.sender = fn
}

// SetSealer 启用应用通道加密；nil 关闭
func (h *Handler) SetSealer(s session.Sealer) {
	h.sealer = s
}

// SetMetrics 设置指标
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// OnEstablished 会话建立时在循环内回调
// 回调中可以用 Conn.Channel 取得数据通道，阻塞操作需另起 goroutine
func (h *Handler) OnEstablished(fn func(*Conn)) {
	h.onEstablished = fn
}

// Open 注册会话，初始状态 created
func (h *Handler) Open(id uint32) error {
	var err error
	if cerr := h.loop.Call(func() { err = h.open(id) }); cerr != nil {
		return cerr
	}
	return err
}

// Close 关闭并移除会话，不存在时无操作
func (h *Handler) Close(id uint32) error {
	return h.loop.Call(func() { h.closeConn(id, ReasonByRegistry, true) })
}

// Status 会话状态
func (h *Handler) Status(id uint32) (session.Status, bool) {
	var (
		st session.Status
		ok bool
	)
	_ = h.loop.Call(func() {
		var c *Conn
		if c, ok = h.conns[id]; ok {
			st = c.status
		}
	})
	return st, ok
}

// Len 已注册会话数
func (h *Handler) Len() int {
	n := 0
	_ = h.loop.Call(func() { n = len(h.conns) })
	return n
}

// Info 会话快照
func (h *Handler) Info(id uint32) (Info, bool) {
	var (
		info Info
		ok   bool
	)
	_ = h.loop.Call(func() {
		var c *Conn
		if c, ok = h.conns[id]; ok {
			info = c.info()
		}
	})
	return info, ok
}

// List 全部会话快照，按 id 升序
func (h *Handler) List() []Info {
	var list []Info
	_ = h.loop.Call(func() {
		list = make([]Info, 0, len(h.conns))
		for _, c := range h.conns {
			list = append(list, c.info())
		}
	})
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Channel 取得会话的数据通道
func (h *Handler) Channel(id uint32, channelID uint8) (*session.Channel, error) {
	var (
		ch  *session.Channel
		err error
	)
	if cerr := h.loop.Call(func() {
		c, ok := h.conns[id]
		if !ok {
			err = fmt.Errorf("%w: %d", ErrSessionNotFound, id)
			return
		}
		if ch, ok = c.Channel(channelID); !ok {
			err = fmt.Errorf("%w: session %d channel %d", ErrChannelNotOpen, id, channelID)
		}
	}); cerr != nil {
		return nil, cerr
	}
	return ch, err
}

// HandlePacket 处理一个数据报，只在循环内调用
func (h *Handler) HandlePacket(data []byte, from *net.UDPAddr) {
	id, ok := protocol.PeekSessionID(data)
	if !ok || len(data) < protocol.HeaderSize {
		h.drop(metrics.DropShort, 0, nil)
		return
	}

	c, ok := h.conns[id]
	if !ok {
		h.drop(metrics.DropUnknownSession, id, nil)
		return
	}
	c.dispatch(data, from)
}

// Shutdown 关闭全部会话，只在循环内调用
func (h *Handler) Shutdown() {
	for id := range h.conns {
		h.closeConn(id, ReasonShutdown, true)
	}
}

func (h *Handler) open(id uint32) error {
	if _, ok := h.conns[id]; ok {
		return fmt.Errorf("%w: %d", ErrSessionExists, id)
	}
	c := newConn(id, h)
	h.conns[id] = c
	c.schedule(h.cfg.RegistrationGrace)
	h.metrics.SessionOpened()
	h.emit(EventOpened, c, "")
	h.log.Debug("会话注册", zap.Uint32("session", id))
	return nil
}

// closeConn notify 为 true 时先向对端发送 Close
func (h *Handler) closeConn(id uint32, reason string, notify bool) {
	c, ok := h.conns[id]
	if !ok {
		return
	}
	delete(h.conns, id)
	c.close(reason, notify)

	if f, ok := h.sealer.(interface{ Forget(uint32) }); ok {
		f.Forget(id)
	}
	h.metrics.SessionClosed(reason)
	h.emit(EventClosed, c, reason)
	h.log.Info("会话关闭", zap.Uint32("session", id), zap.String("reason", reason))
}

func (h *Handler) send(data []byte, addr *net.UDPAddr) error {
	if h.sender == nil {
		return ErrNoSender
	}
	return h.sender(data, addr)
}

func (h *Handler) timestamp() uint64 {
	if h.cfg.Timestamp == nil {
		return 0
	}
	return h.cfg.Timestamp()
}

func (h *Handler) drop(reason string, id uint32, err error) {
	h.metrics.Drop(reason)
	if ce := h.log.Check(zap.DebugLevel, "丢弃数据报"); ce != nil {
		ce.Write(zap.String("reason", reason), zap.Uint32("session", id), zap.Error(err))
	}
}

func (h *Handler) violation(id uint32, err error) {
	h.metrics.Drop(metrics.DropViolation)
	h.log.Warn("协议违规", zap.Uint32("session", id), zap.Error(err))
}
