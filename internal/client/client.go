// Package client 客户端连接：握手、保活和数据通道
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/battlegrounds/internal/clock"
	"github.com/mrcgq/battlegrounds/internal/loop"
	"github.com/mrcgq/battlegrounds/internal/metrics"
	"github.com/mrcgq/battlegrounds/internal/protocol"
	"github.com/mrcgq/battlegrounds/internal/session"
)

// 关闭原因
const (
	ReasonCouldNotConnect = "could not connect"
	ReasonTimeout         = "connection timeout"
	ReasonByServer        = "closed by server"
	ReasonByUser          = "closed by user"
)

// Config 客户端参数
type Config struct {
	SessionID         uint32
	HandshakeAttempts int
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	// DisconnectTimeout 距上次 Pong 超过该值时断开，<= 0 时取默认值
	DisconnectTimeout time.Duration
}

// DefaultConfig 默认参数
func DefaultConfig(sessionID uint32) Config {
	return Config{
		SessionID:         sessionID,
		HandshakeAttempts: 10,
		HandshakeTimeout:  50 * time.Millisecond,
		PingInterval:      500 * time.Millisecond,
		DisconnectTimeout: 1500 * time.Millisecond,
	}
}

// Option 可选项
type Option func(*Client)

// WithLogger 设置日志
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithSealer 启用应用通道加密
func WithSealer(s session.Sealer) Option {
	return func(c *Client) { c.sealer = s }
}

// Client 客户端连接：(unconnected) → auth-sent → established → closed
type Client struct {
	cfg     Config
	conn    *net.UDPConn
	loop    *loop.Loop
	log     *zap.Logger
	metrics *metrics.Metrics
	sealer  session.Sealer
	clock   *clock.Estimator

	// 以下字段只在循环内访问
	channels *session.Channels
	control  *session.Channel
	cancel   context.CancelFunc
	closed   bool

	status      atomic.Int32
	established chan struct{}
	closing     chan struct{}
	done        chan struct{}

	mu  sync.Mutex
	err error

	wg sync.WaitGroup
}

// Connect 连接服务器并启动后台握手/保活任务，不等待握手完成
func Connect(ctx context.Context, addr string, cfg Config, opts ...Option) (*Client, error) {
	def := DefaultConfig(cfg.SessionID)
	if cfg.HandshakeAttempts <= 0 {
		cfg.HandshakeAttempts = def.HandshakeAttempts
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = def.DisconnectTimeout
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("连接失败: %w", err)
	}

	c := &Client{
		cfg:         cfg,
		conn:        nc.(*net.UDPConn),
		loop:        loop.New(0),
		log:         zap.NewNop(),
		clock:       clock.New(),
		established: make(chan struct{}),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.Uint32("session", cfg.SessionID))
	c.status.Store(int32(session.StatusCreated))

	c.loop.Start()
	bg, cancel := context.WithCancel(context.Background())
	if err := c.loop.Call(func() {
		c.channels = session.NewChannels(c, c.loop)
		c.control, _ = c.channels.Open(protocol.ControlChannel)
		c.cancel = cancel
	}); err != nil {
		cancel()
		c.loop.Stop()
		c.conn.Close()
		return nil, err
	}
	c.metrics.SessionOpened()

	c.wg.Add(2)
	go c.reader()
	go c.run(bg)
	return c, nil
}

// SessionID 会话 ID
func (c *Client) SessionID() uint32 {
	return c.cfg.SessionID
}

// LocalAddr 本地地址
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Status 当前状态
func (c *Client) Status() session.Status {
	return session.Status(c.status.Load())
}

// Established 握手完成后关闭
func (c *Client) Established() <-chan struct{} {
	return c.established
}

// Done 连接关闭且资源释放后关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err 关闭原因，未关闭时为 nil
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Clock 时钟校准结果
func (c *Client) Clock() *clock.Estimator {
	return c.clock
}

// WaitEstablished 等待握手完成
func (c *Client) WaitEstablished(ctx context.Context) error {
	select {
	case <-c.established:
		return nil
	case <-c.closing:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channel 取得已打开的通道；数据通道在建立后才存在
func (c *Client) Channel(id uint8) (*session.Channel, error) {
	var (
		ch *session.Channel
		ok bool
	)
	if err := c.loop.Call(func() { ch, ok = c.channels.Lookup(id) }); err != nil {
		return nil, c.closedErr()
	}
	if !ok {
		return nil, fmt.Errorf("channel %d not open", id)
	}
	return ch, nil
}

// Close 关闭连接并等待资源释放，可重复调用
func (c *Client) Close(reason string) error {
	c.closeAsync(reason)
	<-c.done
	return nil
}

func (c *Client) closeAsync(reason string) {
	_ = c.loop.Call(func() { c.shutdown(reason, true) })
}

// SendPacket 编码并发往服务器，只在循环内调用
func (c *Client) SendPacket(channelID uint8, p protocol.Packet) error {
	if c.closed {
		return c.closedErr()
	}
	data, err := session.EncodeFrame(c.cfg.SessionID, channelID, p, c.sealer)
	if err != nil {
		return err
	}
	if _, ok := p.(protocol.Auth); ok && c.Status() == session.StatusCreated {
		c.setStatus(session.StatusAuthSent)
	}
	n, err := c.conn.Write(data)
	if err != nil {
		return err
	}
	c.metrics.Out(n)
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	if err := c.handshake(ctx); err != nil {
		if ctx.Err() == nil && errors.Is(err, session.ErrTimeout) {
			c.log.Warn("握手失败", zap.Int("attempts", c.cfg.HandshakeAttempts))
			c.closeAsync(ReasonCouldNotConnect)
		}
		return
	}
	c.keepalive(ctx)
}

func (c *Client) handshake(ctx context.Context) error {
	for i := 0; i < c.cfg.HandshakeAttempts; i++ {
		sent := time.Now()
		res, err := c.control.Request(ctx, protocol.Auth{}, protocol.OpAuthOk, c.cfg.HandshakeTimeout)
		if errors.Is(err, session.ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		// 可能是之前某次 Auth 的应答，后续 Ping 会继续校准
		c.observe(sent, time.Now(), res.Packet.(protocol.AuthOk).Timestamp)
		return c.loop.Call(c.establish)
	}
	return session.ErrTimeout
}

func (c *Client) establish() {
	if c.closed {
		return
	}
	for _, id := range []uint8{1, 2} {
		if _, err := c.channels.Open(id); err != nil {
			c.log.Error("打开通道失败", zap.Error(err))
		}
	}
	c.setStatus(session.StatusEstablished)
	close(c.established)
	c.metrics.SessionEstablished()
	c.log.Info("会话建立", zap.Duration("rtt", c.clock.RTT()))
}

func (c *Client) keepalive(ctx context.Context) {
	interval := c.cfg.PingInterval
	lastPong := time.Now()
	var seq uint8

	for {
		lastPing := time.Now()
		seq++
		pong, err := c.ping(ctx, seq, lastPing.Add(interval))
		switch {
		case err == nil:
			lastPong = time.Now()
			c.observe(lastPing, lastPong, pong.Timestamp)
		case errors.Is(err, session.ErrTimeout):
			if time.Since(lastPong) > c.cfg.DisconnectTimeout {
				c.log.Warn("保活超时", zap.Duration("since_pong", time.Since(lastPong)))
				c.closeAsync(ReasonTimeout)
				return
			}
		default:
			return
		}

		if sleep := interval - time.Since(lastPing); sleep > 0 {
			t := time.NewTimer(sleep)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			}
		}
	}
}

// ping 发送 Ping 并等待同序号的 Pong，过期的 Pong 被跳过
func (c *Client) ping(ctx context.Context, seq uint8, deadline time.Time) (protocol.Pong, error) {
	// 0 表示不限时，截止时间已过时仍要发出 Ping
	timeout := max(time.Until(deadline), time.Nanosecond)
	res, err := c.control.RequestMatching(ctx, protocol.Ping{Seq: seq}, protocol.OpPong, timeout,
		func(p protocol.Packet) bool { return p.(protocol.Pong).Seq == seq })
	if err != nil {
		return protocol.Pong{}, err
	}
	return res.Packet.(protocol.Pong), nil
}

func (c *Client) observe(sent, recv time.Time, remote uint64) {
	c.clock.Observe(sent, recv, remote)
	c.metrics.RTT(recv.Sub(sent))
}

func (c *Client) reader() {
	defer c.wg.Done()

	buf := make([]byte, 65535)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.closing:
				return
			default:
			}
			// 对端未监听时会收到 ICMP 错误，继续读取
			c.log.Debug("读取失败", zap.Error(err))
			continue
		}
		c.metrics.In(n)

		data := make([]byte, n)
		copy(data, buf[:n])
		if err := c.loop.Post(func() { c.handle(data) }); err != nil {
			return
		}
	}
}

// handle 只在循环内调用
func (c *Client) handle(data []byte) {
	id, ok := protocol.PeekSessionID(data)
	if !ok || len(data) < protocol.HeaderSize {
		c.drop(metrics.DropShort, nil)
		return
	}
	if id != c.cfg.SessionID {
		c.drop(metrics.DropForeignSession, nil)
		return
	}
	if c.closed {
		return
	}

	hdr, p, err := session.DecodeFrame(data, c.sealer)
	if err != nil {
		c.drop(metrics.DropDecode, err)
		return
	}

	if hdr.ChannelID == protocol.ControlChannel {
		if _, ok := p.(protocol.Close); ok {
			c.shutdown(ReasonByServer, false)
			return
		}
	} else if c.Status() != session.StatusEstablished {
		c.violation(session.Violation("channel %d traffic before established", hdr.ChannelID))
		return
	}

	fed, err := c.channels.Route(hdr, p)
	if err != nil {
		c.violation(err)
		return
	}
	if !fed {
		c.drop(metrics.DropNoWaiter, nil)
	}
}

// shutdown 只在循环内调用
func (c *Client) shutdown(reason string, notify bool) {
	if c.closed {
		return
	}
	if notify {
		// 尽力通知服务器
		if err := c.SendPacket(protocol.ControlChannel, protocol.Close{}); err != nil {
			c.log.Debug("发送 Close 失败", zap.Error(err))
		}
	}
	c.closed = true
	c.cancel()
	c.channels.CloseAll(reason)
	c.setStatus(session.StatusClosed)

	c.mu.Lock()
	c.err = session.Closed(reason)
	c.mu.Unlock()
	c.metrics.SessionClosed(reason)
	c.log.Info("连接关闭", zap.String("reason", reason))

	close(c.closing)
	go c.release()
}

func (c *Client) release() {
	c.loop.Stop()
	c.conn.Close()
	c.wg.Wait()
	<-c.loop.Done()
	close(c.done)
}

func (c *Client) setStatus(st session.Status) {
	c.status.Store(int32(st))
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return session.Closed("connection closed")
}

func (c *Client) drop(reason string, err error) {
	c.metrics.Drop(reason)
	if ce := c.log.Check(zap.DebugLevel, "丢弃数据报"); ce != nil {
		ce.Write(zap.String("reason", reason), zap.Error(err))
	}
}

func (c *Client) violation(err error) {
	c.metrics.Drop(metrics.DropViolation)
	c.log.Warn("协议违规", zap.Error(err))
}
