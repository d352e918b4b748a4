package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mrcgq/battlegrounds/internal/admin"
	"github.com/mrcgq/battlegrounds/internal/config"
	"github.com/mrcgq/battlegrounds/internal/crypto"
	"github.com/mrcgq/battlegrounds/internal/handler"
	"github.com/mrcgq/battlegrounds/internal/logging"
	"github.com/mrcgq/battlegrounds/internal/loop"
	"github.com/mrcgq/battlegrounds/internal/metrics"
	"github.com/mrcgq/battlegrounds/internal/protocol"
	"github.com/mrcgq/battlegrounds/internal/server"
)

func serverCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "运行 UDP 会话服务器",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultServer()
			if configPath != "" {
				var err error
				if cfg, err = config.LoadServer(configPath); err != nil {
					return fmt.Errorf("配置错误: %w", err)
				}
			}
			return runServer(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "配置文件路径")
	return cmd
}

func runServer(cfg *config.ServerConfig) error {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("日志初始化失败: %w", err)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg, "server")

	// 游戏时钟：启动以来的毫秒数
	start := time.Now()
	l := loop.New(0)
	h := handler.New(l, handler.Config{
		TimeoutDelay:      cfg.TimeoutDelay,
		RegistrationGrace: cfg.RegistrationGrace,
		Timestamp:         func() uint64 { return uint64(time.Since(start).Milliseconds()) },
	}, log.Named("handler"))
	h.SetMetrics(m)
	if cfg.PSK != "" {
		cry, err := crypto.New(cfg.PSK)
		if err != nil {
			return fmt.Errorf("加密模块错误: %w", err)
		}
		h.SetSealer(cry)
	}
	h.OnEstablished(echoService(log.Named("echo")))

	hub := admin.NewHub(log.Named("events"))
	h.SetObserver(hub.Publish)

	srv := server.New(cfg.Listen, l, h, log.Named("server"), m)
	h.SetSender(srv.SendTo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}
	defer srv.Stop()

	for _, id := range cfg.Sessions {
		if err := h.Open(id); err != nil {
			return fmt.Errorf("注册会话 %d: %w", id, err)
		}
	}

	adminAddr := "disabled"
	if cfg.Admin.Listen != "" {
		api := admin.New(h, reg, hub, log.Named("admin"))
		as, err := admin.Listen(cfg.Admin.Listen, api.Router(), log.Named("admin"))
		if err != nil {
			return fmt.Errorf("管理接口启动失败: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = as.Shutdown(sctx)
		}()
		adminAddr = as.Addr().String()
	}

	sealing := "off"
	if cfg.PSK != "" {
		sealing = "ChaCha20-Poly1305"
	}
	printBanner(fmt.Sprintf("battlegrounds server v%s", Version), [][2]string{
		{"监听", srv.Addr().String() + " (UDP)"},
		{"超时", cfg.TimeoutDelay.String()},
		{"预注册", sessionList(cfg.Sessions)},
		{"加密", sealing},
		{"管理接口", adminAddr},
	})

	<-ctx.Done()
	pterm.Info.Println("正在关闭...")
	return nil
}

// echoService 把通道 1 上的回显请求原样返回
func echoService(log *zap.Logger) func(*handler.Conn) {
	return func(c *handler.Conn) {
		ch, ok := c.Channel(echoChannel)
		if !ok {
			return
		}
		id := c.ID()
		go func() {
			for {
				res, err := ch.Wait(context.Background(), opEchoReq, 0)
				if err != nil {
					log.Debug("回显结束", zap.Uint32("session", id), zap.Error(err))
					return
				}
				d := res.Packet.(protocol.Data)
				if err := ch.Send(protocol.Data{Op: opEchoResult, Payload: d.Payload}); err != nil {
					return
				}
			}
		}()
	}
}

func sessionList(ids []uint32) string {
	if len(ids) == 0 {
		return "none"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}
