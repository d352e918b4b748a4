package session

import (
	"context"
	"time"

	"github.com/mrcgq/battlegrounds/internal/loop"
	"github.com/mrcgq/battlegrounds/internal/protocol"
)

// Owner 通道所属连接提供的发送原语，只在循环内调用
type Owner interface {
	SendPacket(channelID uint8, p protocol.Packet) error
}

// Result 等待到的包
type Result struct {
	Header protocol.Header
	Packet protocol.Packet
}

type outcome struct {
	res Result
	err error
}

// waiter 挂起的等待者，done 只在循环内读写
type waiter struct {
	ch    chan outcome
	match func(protocol.Packet) bool
	done  bool
}

func (w *waiter) accepts(p protocol.Packet) bool {
	return w.match == nil || w.match(p)
}

func (w *waiter) resolve(o outcome) {
	w.done = true
	w.ch <- o
}

// Channel 连接内的逻辑子流
type Channel struct {
	id    uint8
	owner Owner
	loop  *loop.Loop

	// 以下字段只在循环内访问
	waiters map[uint8][]*waiter
	closed  error
}

func newChannel(id uint8, owner Owner, l *loop.Loop) *Channel {
	return &Channel{
		id:      id,
		owner:   owner,
		loop:    l,
		waiters: make(map[uint8][]*waiter),
	}
}

// ID 通道号
func (c *Channel) ID() uint8 {
	return c.id
}

// Feed 把包交给最早注册且接受该包的同类型等待者，只在循环内调用
// 没有等待者时丢弃，重复包、重传包和乱序包都在这里被吸收
func (c *Channel) Feed(h protocol.Header, p protocol.Packet) bool {
	op := p.OpCode()
	queue := c.waiters[op]
	live := queue[:0]
	fed := false
	for _, w := range queue {
		if w.done {
			continue
		}
		if !fed && w.accepts(p) {
			w.resolve(outcome{res: Result{Header: h, Packet: p}})
			fed = true
			continue
		}
		live = append(live, w)
	}
	for i := len(live); i < len(queue); i++ {
		queue[i] = nil
	}
	c.setQueue(op, live)
	return fed
}

func (c *Channel) setQueue(op uint8, queue []*waiter) {
	if len(queue) == 0 {
		delete(c.waiters, op)
		return
	}
	c.waiters[op] = queue
}

// Pending 指定类型的等待者数量，只在循环内调用
func (c *Channel) Pending(op uint8) int {
	return len(c.waiters[op])
}

func (c *Channel) register(op uint8, w *waiter) {
	if c.closed != nil {
		w.resolve(outcome{err: c.closed})
		return
	}
	c.waiters[op] = append(c.waiters[op], w)
}

func (c *Channel) remove(op uint8, w *waiter) {
	queue := c.waiters[op]
	for i, q := range queue {
		if q == w {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	c.setQueue(op, queue)
}

// Wait 等待下一个 op 类型的包
// timeout <= 0 表示只受 ctx 约束。不能在循环 goroutine 内调用。
func (c *Channel) Wait(ctx context.Context, op uint8, timeout time.Duration) (Result, error) {
	return c.await(ctx, op, timeout, nil, nil)
}

// Request 注册 op 类型的等待者后发送 req，再等待应答
// 注册与发送在同一个循环任务内完成，应答不会先于等待者到达
func (c *Channel) Request(ctx context.Context, req protocol.Packet, op uint8, timeout time.Duration) (Result, error) {
	return c.await(ctx, op, timeout, req, nil)
}

// RequestMatching 同 Request，但只接受 match 返回 true 的应答
// 不匹配的包留给后面的等待者，等待者本身不出队
func (c *Channel) RequestMatching(ctx context.Context, req protocol.Packet, op uint8, timeout time.Duration, match func(protocol.Packet) bool) (Result, error) {
	return c.await(ctx, op, timeout, req, match)
}

func (c *Channel) await(ctx context.Context, op uint8, timeout time.Duration, req protocol.Packet, match func(protocol.Packet) bool) (Result, error) {
	w := &waiter{ch: make(chan outcome, 1), match: match}
	var sendErr error
	if err := c.loop.Call(func() {
		c.register(op, w)
		if req == nil || w.done {
			return
		}
		if sendErr = c.send(req); sendErr != nil {
			w.done = true
			c.remove(op, w)
		}
	}); err != nil {
		return Result{}, fromLoop(err)
	}
	if sendErr != nil {
		return Result{}, sendErr
	}

	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case o := <-w.ch:
		return o.res, o.err
	case <-expire:
		return c.abandon(op, w, ErrTimeout)
	case <-ctx.Done():
		return c.abandon(op, w, ctx.Err())
	}
}

// abandon 超时或取消时移除等待者；若已被并发满足则返回结果
func (c *Channel) abandon(op uint8, w *waiter, cause error) (Result, error) {
	removed := false
	err := c.loop.Call(func() {
		if !w.done {
			w.done = true
			c.remove(op, w)
			removed = true
		}
	})
	if removed {
		return Result{}, cause
	}

	select {
	case o := <-w.ch:
		return o.res, o.err
	default:
	}
	if err != nil {
		return Result{}, fromLoop(err)
	}
	return Result{}, cause
}

// Send 编码并通过所属连接发送。不能在循环 goroutine 内调用。
func (c *Channel) Send(p protocol.Packet) error {
	var sendErr error
	if err := c.loop.Call(func() {
		sendErr = c.send(p)
	}); err != nil {
		return fromLoop(err)
	}
	return sendErr
}

// send 循环内发送
func (c *Channel) send(p protocol.Packet) error {
	if c.closed != nil {
		return c.closed
	}
	return c.owner.SendPacket(c.id, p)
}

// Close 让所有等待者以 ClosedError 失败，只在循环内调用
func (c *Channel) Close(reason string) {
	if c.closed != nil {
		return
	}
	c.closed = Closed(reason)
	for op, queue := range c.waiters {
		for _, w := range queue {
			if !w.done {
				w.resolve(outcome{err: c.closed})
			}
		}
		delete(c.waiters, op)
	}
}
