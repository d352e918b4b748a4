package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mrcgq/battlegrounds/internal/client"
	"github.com/mrcgq/battlegrounds/internal/config"
	"github.com/mrcgq/battlegrounds/internal/crypto"
	"github.com/mrcgq/battlegrounds/internal/logging"
	"github.com/mrcgq/battlegrounds/internal/protocol"
	"github.com/mrcgq/battlegrounds/internal/session"
)

func clientCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
		sessionID  uint32
		message    string
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "连接服务器并保持会话",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultClient()
			if configPath != "" {
				var err error
				if cfg, err = config.LoadClient(configPath); err != nil {
					return fmt.Errorf("配置错误: %w", err)
				}
			}
			if cmd.Flags().Changed("server") {
				cfg.Server = serverAddr
			}
			if cmd.Flags().Changed("session") {
				cfg.SessionID = sessionID
			}
			return runClient(cfg, message)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "配置文件路径")
	cmd.Flags().StringVarP(&serverAddr, "server", "s", "", "服务器地址")
	cmd.Flags().Uint32VarP(&sessionID, "session", "i", 0, "会话 ID")
	cmd.Flags().StringVarP(&message, "echo", "e", "", "建立后在通道 1 上发送的回显消息")
	return cmd
}

func runClient(cfg *config.ClientConfig, message string) error {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("日志初始化失败: %w", err)
	}
	defer log.Sync()

	opts := []client.Option{client.WithLogger(log.Named("client"))}
	if cfg.PSK != "" {
		cry, err := crypto.New(cfg.PSK)
		if err != nil {
			return fmt.Errorf("加密模块错误: %w", err)
		}
		opts = append(opts, client.WithSealer(cry))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.Connect(ctx, cfg.Server, client.Config{
		SessionID:         cfg.SessionID,
		HandshakeAttempts: cfg.HandshakeAttempts,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		PingInterval:      cfg.PingInterval,
		DisconnectTimeout: cfg.DisconnectTimeout,
	}, opts...)
	if err != nil {
		return err
	}
	defer c.Close(client.ReasonByUser)

	if err := c.WaitEstablished(ctx); err != nil {
		return fmt.Errorf("握手失败: %w", err)
	}
	pterm.Success.Printfln("会话 %d 已建立 (rtt %s)", cfg.SessionID, c.Clock().RTT())

	if message != "" {
		if err := echo(ctx, c, message); err != nil {
			log.Warn("回显失败", zap.Error(err))
		}
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			est := c.Clock()
			pterm.Info.Printfln("rtt=%s latency=%s offset=%s samples=%d",
				est.RTT(), est.Latency(), est.Offset(), est.Samples())
		case <-c.Done():
			var ce *session.ClosedError
			if errors.As(c.Err(), &ce) {
				pterm.Warning.Printfln("连接关闭: %s", ce.Reason)
			}
			return nil
		case <-ctx.Done():
			pterm.Info.Println("正在关闭...")
			return nil
		}
	}
}

func echo(ctx context.Context, c *client.Client, message string) error {
	ch, err := c.Channel(echoChannel)
	if err != nil {
		return err
	}
	sent := time.Now()
	res, err := ch.Request(ctx, protocol.Data{Op: opEchoReq, Payload: []byte(message)}, opEchoResult, time.Second)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("回显 %q (%s)", res.Packet.(protocol.Data).Payload, time.Since(sent))
	return nil
}
