// Package config 服务端/客户端 YAML 配置
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig 日志配置
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level"`
	// Format: console 或 json
	Format string `yaml:"format"`
	// Outputs: stdout, stderr 或文件路径
	Outputs     []string       `yaml:"outputs"`
	Rotation    RotationConfig `yaml:"rotation"`
	Development bool           `yaml:"development"`
}

// RotationConfig 文件日志轮转
type RotationConfig struct {
	Enable     bool `yaml:"enable"`
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// AdminConfig 管理接口
type AdminConfig struct {
	// 为空表示不启用
	Listen string `yaml:"listen"`
}

// ServerConfig 服务端配置
type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	TimeoutDelay time.Duration `yaml:"timeout_delay"`
	// RegistrationGrace 预注册会话等待首个 Auth 的时长，0 表示与 timeout_delay 相同
	RegistrationGrace time.Duration `yaml:"registration_grace"`
	// 启动时预注册的会话
	Sessions []uint32    `yaml:"sessions"`
	PSK      string      `yaml:"psk"`
	Admin    AdminConfig `yaml:"admin"`
	Log      LogConfig   `yaml:"log"`
}

// ClientConfig 客户端配置
type ClientConfig struct {
	Server            string        `yaml:"server"`
	SessionID         uint32        `yaml:"session_id"`
	HandshakeAttempts int           `yaml:"handshake_attempts"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	PSK               string        `yaml:"psk"`
	Log               LogConfig     `yaml:"log"`
}

// DefaultLog 默认日志配置
func DefaultLog() LogConfig {
	return LogConfig{
		Level:   "info",
		Format:  "console",
		Outputs: []string{"stdout"},
		Rotation: RotationConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// DefaultServer 默认服务端配置
func DefaultServer() *ServerConfig {
	return &ServerConfig{
		Listen:            "127.0.0.1:9999",
		TimeoutDelay:      500 * time.Millisecond,
		RegistrationGrace: 30 * time.Second,
		Log:               DefaultLog(),
	}
}

// DefaultClient 默认客户端配置
func DefaultClient() *ClientConfig {
	return &ClientConfig{
		Server:            "127.0.0.1:9999",
		HandshakeAttempts: 10,
		HandshakeTimeout:  50 * time.Millisecond,
		PingInterval:      500 * time.Millisecond,
		DisconnectTimeout: 1500 * time.Millisecond,
		Log:               DefaultLog(),
	}
}

// LoadServer 读取服务端配置
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServer()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient 读取客户端配置
func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClient()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取失败: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("解析失败: %w", err)
	}
	return nil
}

// Validate 校验服务端配置
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen 不能为空")
	}
	if c.TimeoutDelay <= 0 {
		return fmt.Errorf("timeout_delay 必须大于 0")
	}
	if c.RegistrationGrace < 0 {
		return fmt.Errorf("registration_grace 不能为负")
	}
	seen := make(map[uint32]struct{}, len(c.Sessions))
	for _, id := range c.Sessions {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("sessions 中 %d 重复", id)
		}
		seen[id] = struct{}{}
	}
	return c.Log.Validate()
}

// Validate 校验客户端配置
func (c *ClientConfig) Validate() error {
	if strings.TrimSpace(c.Server) == "" {
		return fmt.Errorf("server 不能为空")
	}
	if c.HandshakeAttempts < 1 {
		return fmt.Errorf("handshake_attempts 至少为 1")
	}
	if c.HandshakeTimeout <= 0 || c.PingInterval <= 0 {
		return fmt.Errorf("handshake_timeout 和 ping_interval 必须大于 0")
	}
	if c.DisconnectTimeout < 0 {
		return fmt.Errorf("disconnect_timeout 不能为负")
	}
	return c.Log.Validate()
}

// Validate 校验日志配置
func (c LogConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("未知日志级别: %s", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("未知日志格式: %s", c.Format)
	}
	return nil
}
