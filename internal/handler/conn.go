package handler

import (
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/battlegrounds/internal/loop"
	"github.com/mrcgq/battlegrounds/internal/metrics"
	"github.com/mrcgq/battlegrounds/internal/protocol"
	"github.com/mrcgq/battlegrounds/internal/session"
)

var errNoPeer = errors.New("peer address unknown")

// Conn 服务端连接：created → auth-recv → established → closed
// 所有字段和方法只在循环内访问
type Conn struct {
	id uint32
	h  *Handler

	status     session.Status
	remote     *net.UDPAddr
	lastAction time.Time
	channels   *session.Channels
	timer      *loop.Timer
}

func newConn(id uint32, h *Handler) *Conn {
	c := &Conn{
		id:         id,
		h:          h,
		status:     session.StatusCreated,
		lastAction: time.Now(),
	}
	c.channels = session.NewChannels(c, h.loop)
	return c
}

// ID 会话 ID
func (c *Conn) ID() uint32 {
	return c.id
}

// Status 当前状态
func (c *Conn) Status() session.Status {
	return c.status
}

// Remote 对端地址，首个 Auth 之前为 nil
func (c *Conn) Remote() *net.UDPAddr {
	return c.remote
}

// Channel 已打开的数据通道
func (c *Conn) Channel(id uint8) (*session.Channel, bool) {
	return c.channels.Lookup(id)
}

// SendPacket 编码并发往对端
func (c *Conn) SendPacket(channelID uint8, p protocol.Packet) error {
	if c.status == session.StatusClosed {
		return session.Closed("connection closed")
	}
	if c.remote == nil {
		return errNoPeer
	}
	data, err := session.EncodeFrame(c.id, channelID, p, c.h.sealer)
	if err != nil {
		return err
	}
	return c.h.send(data, c.remote)
}

func (c *Conn) dispatch(data []byte, from *net.UDPAddr) {
	hdr, p, err := session.DecodeFrame(data, c.h.sealer)
	if err != nil {
		c.h.drop(metrics.DropDecode, c.id, err)
		return
	}
	c.lastAction = time.Now()

	if hdr.ChannelID == protocol.ControlChannel {
		c.control(p, from)
		return
	}

	if c.status != session.StatusEstablished {
		c.h.violation(c.id, session.Violation("channel %d traffic in state %s", hdr.ChannelID, c.status))
		return
	}
	fed, err := c.channels.Route(hdr, p)
	if err != nil {
		c.h.violation(c.id, err)
		return
	}
	if !fed {
		c.h.drop(metrics.DropNoWaiter, c.id, nil)
	}
}

func (c *Conn) control(p protocol.Packet, from *net.UDPAddr) {
	switch pkt := p.(type) {
	case protocol.Auth:
		// AuthOk 可能丢失，建立前每个 Auth 都应答
		if c.status == session.StatusEstablished {
			c.h.drop(metrics.DropNoWaiter, c.id, nil)
			return
		}
		if c.status == session.StatusCreated {
			c.status = session.StatusAuthRecv
			c.remote = from
			// 注册宽限期结束，改用空闲超时
			c.timer.Stop()
			c.schedule(c.h.cfg.TimeoutDelay)
			c.h.emit(EventAuth, c, "")
			c.h.log.Info("新连接", zap.Uint32("session", c.id), zap.Stringer("addr", from))
		}
		c.reply(protocol.AuthOk{Timestamp: c.h.timestamp()})

	case protocol.Ping:
		if c.status == session.StatusCreated {
			c.h.violation(c.id, session.Violation("ping before auth"))
			return
		}
		if c.status == session.StatusAuthRecv {
			c.establish()
		}
		c.reply(protocol.Pong{Seq: pkt.Seq, Timestamp: c.h.timestamp()})

	case protocol.Close:
		if c.status != session.StatusEstablished {
			c.h.violation(c.id, session.Violation("close in state %s", c.status))
			return
		}
		c.h.closeConn(c.id, ReasonByClient, false)

	default:
		c.h.violation(c.id, session.Violation("unexpected %s on control channel", protocol.OpName(p.OpCode())))
	}
}

func (c *Conn) establish() {
	for _, id := range []uint8{1, 2} {
		if _, err := c.channels.Open(id); err != nil {
			c.h.log.Error("打开通道失败", zap.Uint32("session", c.id), zap.Error(err))
		}
	}
	c.status = session.StatusEstablished
	c.h.metrics.SessionEstablished()
	c.h.emit(EventEstablished, c, "")
	c.h.log.Info("会话建立", zap.Uint32("session", c.id), zap.Stringer("addr", c.remote))

	if c.h.onEstablished != nil {
		c.h.onEstablished(c)
	}
}

func (c *Conn) reply(p protocol.Packet) {
	if err := c.SendPacket(protocol.ControlChannel, p); err != nil {
		c.h.log.Debug("发送失败", zap.Uint32("session", c.id), zap.Error(err))
	}
}

// schedule 空闲检查定时器，每个连接独立重排
func (c *Conn) schedule(d time.Duration) {
	c.timer = c.h.loop.AfterFunc(d, c.checkIdle)
}

func (c *Conn) checkIdle() {
	delay := c.h.cfg.TimeoutDelay
	if c.status == session.StatusCreated {
		delay = c.h.cfg.RegistrationGrace
	}
	idle := time.Since(c.lastAction)
	if idle > delay {
		c.h.closeConn(c.id, ReasonTimeout, true)
		return
	}
	c.schedule(delay - idle)
}

func (c *Conn) close(reason string, notify bool) {
	if c.status == session.StatusClosed {
		return
	}
	if notify && c.remote != nil {
		// 尽力通知对端
		c.reply(protocol.Close{})
	}
	c.timer.Stop()
	c.timer = nil
	c.status = session.StatusClosed
	c.channels.CloseAll(reason)
}

func (c *Conn) info() Info {
	info := Info{
		ID:         c.id,
		Status:     c.status,
		LastAction: c.lastAction,
		Channels:   c.channels.IDs(),
	}
	if c.remote != nil {
		info.Remote = c.remote.String()
	}
	return info
}
