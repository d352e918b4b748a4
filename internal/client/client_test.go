package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mrcgq/battlegrounds/internal/crypto"
	"github.com/mrcgq/battlegrounds/internal/handler"
	"github.com/mrcgq/battlegrounds/internal/loop"
	"github.com/mrcgq/battlegrounds/internal/protocol"
	"github.com/mrcgq/battlegrounds/internal/server"
	"github.com/mrcgq/battlegrounds/internal/session"
)

const opEcho = 0x10

func startServer(t *testing.T, sealer session.Sealer) (*server.Server, *handler.Handler) {
	t.Helper()
	l := loop.New(0)
	h := handler.New(l, handler.Config{TimeoutDelay: time.Second}, nil)
	h.SetSealer(sealer)

	// 通道 1 上的回显服务
	h.OnEstablished(func(c *handler.Conn) {
		ch, ok := c.Channel(1)
		if !ok {
			return
		}
		go func() {
			for {
				res, err := ch.Wait(context.Background(), opEcho, 0)
				if err != nil {
					return
				}
				d := res.Packet.(protocol.Data)
				if err := ch.Send(protocol.Data{Op: opEcho + 1, Payload: d.Payload}); err != nil {
					return
				}
			}
		}()
	})

	s := server.New("127.0.0.1:0", l, h, nil, nil)
	h.SetSender(s.SendTo)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, h
}

func testConfig(id uint32) Config {
	cfg := DefaultConfig(id)
	cfg.PingInterval = 50 * time.Millisecond
	cfg.DisconnectTimeout = 200 * time.Millisecond
	return cfg
}

func connect(t *testing.T, addr string, cfg Config, opts ...Option) *Client {
	t.Helper()
	c, err := Connect(context.Background(), addr, cfg, opts...)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(ReasonByUser) })
	return c
}

func waitEstablished(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitEstablished(ctx); err != nil {
		t.Fatalf("握手失败: %v", err)
	}
}

func waitDone(t *testing.T, c *Client) *session.ClosedError {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("连接未关闭")
	}
	var ce *session.ClosedError
	if !errors.As(c.Err(), &ce) {
		t.Fatalf("关闭原因类型错误: %v", c.Err())
	}
	return ce
}

func eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectEstablishes(t *testing.T) {
	s, h := startServer(t, nil)
	_ = h.Open(7)

	c := connect(t, s.Addr().String(), testConfig(7))
	waitEstablished(t, c)

	if st := c.Status(); st != session.StatusEstablished {
		t.Fatalf("客户端状态错误: %s", st)
	}
	if c.Clock().Samples() == 0 {
		t.Error("握手应产生一个校准样本")
	}
	for _, id := range []uint8{0, 1, 2} {
		if _, err := c.Channel(id); err != nil {
			t.Errorf("通道 %d 未打开: %v", id, err)
		}
	}

	// 第一个 Ping 到达后服务端建立
	eventually(t, "服务端未建立", func() bool {
		st, _ := h.Status(7)
		return st == session.StatusEstablished
	})

	// 保活持续产生样本
	eventually(t, "保活未产生样本", func() bool { return c.Clock().Samples() >= 3 })
}

func TestCouldNotConnect(t *testing.T) {
	s, _ := startServer(t, nil)

	cfg := testConfig(7)
	cfg.HandshakeAttempts = 3
	cfg.HandshakeTimeout = 10 * time.Millisecond
	c := connect(t, s.Addr().String(), cfg)

	ce := waitDone(t, c)
	if ce.Reason != ReasonCouldNotConnect {
		t.Fatalf("关闭原因错误: %s", ce.Reason)
	}
	if st := c.Status(); st != session.StatusClosed {
		t.Fatalf("状态错误: %s", st)
	}
	if err := c.WaitEstablished(context.Background()); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("期望 ErrClosed, got %v", err)
	}
}

func TestCloseNotifiesServer(t *testing.T) {
	s, h := startServer(t, nil)
	_ = h.Open(7)

	c := connect(t, s.Addr().String(), testConfig(7))
	waitEstablished(t, c)
	eventually(t, "服务端未建立", func() bool {
		st, _ := h.Status(7)
		return st == session.StatusEstablished
	})

	ch, err := c.Channel(1)
	if err != nil {
		t.Fatalf("取通道失败: %v", err)
	}
	if err := c.Close(ReasonByUser); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}

	eventually(t, "服务端未移除会话", func() bool { return h.Len() == 0 })

	if err := ch.Send(protocol.Data{Op: opEcho}); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("关闭后发送应失败, got %v", err)
	}
	if _, err := c.Channel(1); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("关闭后取通道应失败, got %v", err)
	}
	// 重复关闭
	_ = c.Close(ReasonByUser)
}

func TestClosedByServer(t *testing.T) {
	s, h := startServer(t, nil)
	_ = h.Open(7)

	c := connect(t, s.Addr().String(), testConfig(7))
	waitEstablished(t, c)

	ch, _ := c.Channel(1)
	waitErr := make(chan error, 1)
	go func() {
		_, err := ch.Wait(context.Background(), opEcho+1, 0)
		waitErr <- err
	}()

	_ = h.Close(7)

	ce := waitDone(t, c)
	if ce.Reason != ReasonByServer {
		t.Fatalf("关闭原因错误: %s", ce.Reason)
	}
	select {
	case err := <-waitErr:
		if !errors.Is(err, session.ErrClosed) {
			t.Fatalf("等待者应以 ErrClosed 结束, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("等待者未结束")
	}
}

func TestEcho(t *testing.T) {
	tests := []struct {
		name   string
		sealed bool
	}{
		{"plain", false},
		{"sealed", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sealer session.Sealer
			if tt.sealed {
				psk, err := crypto.GeneratePSK()
				if err != nil {
					t.Fatalf("生成 PSK 失败: %v", err)
				}
				cry, err := crypto.New(psk)
				if err != nil {
					t.Fatalf("创建 Crypto 失败: %v", err)
				}
				sealer = cry
			}

			s, h := startServer(t, sealer)
			_ = h.Open(7)
			c := connect(t, s.Addr().String(), testConfig(7), WithSealer(sealer))
			waitEstablished(t, c)
			eventually(t, "服务端未建立", func() bool {
				st, _ := h.Status(7)
				return st == session.StatusEstablished
			})

			ch, err := c.Channel(1)
			if err != nil {
				t.Fatalf("取通道失败: %v", err)
			}
			// 服务端回显协程可能尚未开始等待，超时重发
			var res session.Result
			for i := 0; i < 5; i++ {
				res, err = ch.Request(context.Background(),
					protocol.Data{Op: opEcho, Payload: []byte("move 3 4")}, opEcho+1, 200*time.Millisecond)
				if !errors.Is(err, session.ErrTimeout) {
					break
				}
			}
			if err != nil {
				t.Fatalf("请求失败: %v", err)
			}
			if got := string(res.Packet.(protocol.Data).Payload); got != "move 3 4" {
				t.Fatalf("回显错误: %q", got)
			}
		})
	}
}

// fakeServer 只应答 Auth，不应答 Ping；先发一个其它会话的 AuthOk
func fakeServer(t *testing.T) *net.UDPConn {
	t.Helper()
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 64)
		for {
			n, addr, err := pc.ReadFromUDP(buf)
			if err != nil {
				return
			}
			h, err := protocol.DecodeHeader(buf[:n], 0)
			if err != nil || h.OpCode != protocol.OpAuth {
				continue
			}
			foreign := protocol.AuthOk{Timestamp: 1}
			_, _ = pc.WriteToUDP(protocol.Frame(protocol.HeaderFor(h.SessionID+1, 0, foreign), foreign), addr)
			ok := protocol.AuthOk{Timestamp: 1}
			_, _ = pc.WriteToUDP(protocol.Frame(protocol.HeaderFor(h.SessionID, 0, ok), ok), addr)
		}
	}()
	return pc
}

func TestKeepAliveTimeout(t *testing.T) {
	pc := fakeServer(t)

	cfg := testConfig(7)
	cfg.PingInterval = 20 * time.Millisecond
	cfg.DisconnectTimeout = 60 * time.Millisecond
	c := connect(t, pc.LocalAddr().String(), cfg)
	waitEstablished(t, c)

	ce := waitDone(t, c)
	if ce.Reason != ReasonTimeout {
		t.Fatalf("关闭原因错误: %s", ce.Reason)
	}
}

// pingLog 记录脚本服务端收到的 Ping
type pingLog struct {
	mu   sync.Mutex
	seqs []uint8
	at   []time.Time
}

func (l *pingLog) snapshot() ([]uint8, []time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint8(nil), l.seqs...), append([]time.Time(nil), l.at...)
}

// scriptedServer 应答 Auth；每个 Ping 延迟 delay 后按 pongs 返回的序号依次回 Pong
func scriptedServer(t *testing.T, delay time.Duration, pongs func(seq uint8) []uint8) (*net.UDPConn, *pingLog) {
	t.Helper()
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	log := &pingLog{}
	reply := func(id uint32, p protocol.Packet, addr *net.UDPAddr) {
		_, _ = pc.WriteToUDP(protocol.Frame(protocol.HeaderFor(id, 0, p), p), addr)
	}
	go func() {
		buf := make([]byte, 64)
		for {
			n, addr, err := pc.ReadFromUDP(buf)
			if err != nil {
				return
			}
			h, p, err := protocol.ParseFrame(buf[:n])
			if err != nil {
				continue
			}
			switch pkt := p.(type) {
			case protocol.Auth:
				reply(h.SessionID, protocol.AuthOk{Timestamp: 1}, addr)
			case protocol.Ping:
				log.mu.Lock()
				log.seqs = append(log.seqs, pkt.Seq)
				log.at = append(log.at, time.Now())
				log.mu.Unlock()
				if delay > 0 {
					time.Sleep(delay)
				}
				for _, seq := range pongs(pkt.Seq) {
					reply(h.SessionID, protocol.Pong{Seq: seq, Timestamp: 1}, addr)
				}
			}
		}
	}()
	return pc, log
}

func TestKeepAliveSkipsStalePong(t *testing.T) {
	tests := []struct {
		name  string
		pongs func(seq uint8) []uint8
		alive bool
	}{
		// 先回上一个序号，再回当前序号
		{"stale_then_match", func(seq uint8) []uint8 { return []uint8{seq - 1, seq} }, true},
		// 只回错误序号，等同于没有应答
		{"stale_only", func(seq uint8) []uint8 { return []uint8{seq - 1, seq + 100} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, _ := scriptedServer(t, 0, tt.pongs)

			cfg := testConfig(7)
			cfg.PingInterval = 20 * time.Millisecond
			cfg.DisconnectTimeout = 100 * time.Millisecond
			c := connect(t, pc.LocalAddr().String(), cfg)
			waitEstablished(t, c)

			if !tt.alive {
				if ce := waitDone(t, c); ce.Reason != ReasonTimeout {
					t.Fatalf("关闭原因错误: %s", ce.Reason)
				}
				if n := c.Clock().Samples(); n != 1 {
					t.Fatalf("错误序号的 Pong 不应产生样本: %d", n)
				}
				return
			}

			select {
			case <-c.Done():
				t.Fatalf("连接不应断开: %v", c.Err())
			case <-time.After(400 * time.Millisecond):
			}
			if st := c.Status(); st != session.StatusEstablished {
				t.Fatalf("状态错误: %s", st)
			}
			if n := c.Clock().Samples(); n < 5 {
				t.Fatalf("匹配的 Pong 应产生样本: %d", n)
			}
		})
	}
}

func TestPingSequenceWraps(t *testing.T) {
	pc, log := scriptedServer(t, 0, func(seq uint8) []uint8 { return []uint8{seq} })

	cfg := testConfig(7)
	cfg.PingInterval = time.Millisecond
	cfg.DisconnectTimeout = 5 * time.Second
	c := connect(t, pc.LocalAddr().String(), cfg)
	waitEstablished(t, c)

	deadline := time.Now().Add(10 * time.Second)
	for {
		if seqs, _ := log.snapshot(); len(seqs) > 300 {
			break
		}
		if time.Now().After(deadline) {
			seqs, _ := log.snapshot()
			t.Fatalf("Ping 数量不足: %d", len(seqs))
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = c.Close(ReasonByUser)

	seqs, _ := log.snapshot()
	if seqs[0] != 1 {
		t.Fatalf("首个序号应为 1, got %d", seqs[0])
	}
	wrapped := false
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("序号不连续: 第 %d 个 %d 之后是 %d", i-1, seqs[i-1], seqs[i])
		}
		if seqs[i-1] == 255 && seqs[i] == 0 {
			wrapped = true
		}
	}
	if !wrapped {
		t.Fatal("序号应从 255 回绕到 0")
	}
}

func TestPingIntervalIncludesWait(t *testing.T) {
	const (
		interval = 80 * time.Millisecond
		delay    = 40 * time.Millisecond
	)
	pc, log := scriptedServer(t, delay, func(seq uint8) []uint8 { return []uint8{seq} })

	cfg := testConfig(7)
	cfg.PingInterval = interval
	cfg.DisconnectTimeout = time.Second
	c := connect(t, pc.LocalAddr().String(), cfg)
	waitEstablished(t, c)

	time.Sleep(8*interval + interval/2)
	_ = c.Close(ReasonByUser)

	_, at := log.snapshot()
	if len(at) < 5 {
		t.Fatalf("Ping 数量不足: %d", len(at))
	}
	// 等待 Pong 的时间计入间隔：平均间隔接近 interval 而不是 interval+delay
	mean := at[len(at)-1].Sub(at[0]) / time.Duration(len(at)-1)
	if mean < interval-10*time.Millisecond || mean > interval+delay/2 {
		t.Fatalf("Ping 平均间隔 %v, want ≈%v", mean, interval)
	}
}

func TestConnectBadAddress(t *testing.T) {
	if _, err := Connect(context.Background(), "not-an-address", DefaultConfig(1)); err == nil {
		t.Fatal("非法地址应失败")
	}
}
