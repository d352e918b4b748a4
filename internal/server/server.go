package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/battlegrounds/internal/loop"
	"github.com/mrcgq/battlegrounds/internal/metrics"
)

// MaxDatagramSize 单个数据报上限
const MaxDatagramSize = 65535

// PacketHandler 数据包处理接口，HandlePacket 在循环内调用
type PacketHandler interface {
	HandlePacket(data []byte, from *net.UDPAddr)
	Shutdown()
}

// Server UDP 端点，独占监听套接字
type Server struct {
	addr    string
	handler PacketHandler
	loop    *loop.Loop
	log     *zap.Logger
	metrics *metrics.Metrics

	conn     *net.UDPConn
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New 创建服务器；loop 由调用方创建，Start 时启动
func New(addr string, l *loop.Loop, h PacketHandler, log *zap.Logger, m *metrics.Metrics) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		addr:    addr,
		handler: h,
		loop:    l,
		log:     log,
		metrics: m,
		stopCh:  make(chan struct{}),
	}
}

// Start 启动服务器；ctx 取消等同于调用 Stop
func (s *Server) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return fmt.Errorf("解析地址: %w", err)
	}

	s.conn, err = net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}

	// 优化缓冲区（忽略错误，非关键）
	_ = s.conn.SetReadBuffer(4 * 1024 * 1024)
	_ = s.conn.SetWriteBuffer(4 * 1024 * 1024)

	s.loop.Start()

	// 单个读协程，保证同一会话的数据报按到达顺序进入循环
	s.wg.Add(1)
	go s.reader(ctx)
	go s.watch(ctx)

	s.log.Info("UDP 监听", zap.Stringer("addr", s.conn.LocalAddr()))
	return nil
}

// watch 不计入 wg，Stop 会等待 wg
func (s *Server) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.log.Info("上下文取消，停止服务")
		s.Stop()
	case <-s.stopCh:
	}
}

func (s *Server) reader(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, MaxDatagramSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Warn("读取失败", zap.Error(err))
				continue
			}
		}

		s.metrics.In(n)

		// 复制数据
		data := make([]byte, n)
		copy(data, buf[:n])

		if err := s.loop.Post(func() { s.handler.HandlePacket(data, addr) }); err != nil {
			return
		}
	}
}

// SendTo 发送数据到指定地址
func (s *Server) SendTo(data []byte, addr *net.UDPAddr) error {
	if s.conn == nil {
		return fmt.Errorf("连接未初始化")
	}
	n, err := s.conn.WriteToUDP(data, addr)
	if err != nil {
		return err
	}
	s.metrics.Out(n)
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Stop 关闭全部会话后停止循环和套接字，可重复调用
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if err := s.loop.Call(s.handler.Shutdown); err != nil {
			s.log.Debug("关闭会话失败", zap.Error(err))
		}
		close(s.stopCh)
		s.loop.Stop()
		if s.conn != nil {
			s.conn.Close()
		}
		s.wg.Wait()
		<-s.loop.Done()
	})
}
