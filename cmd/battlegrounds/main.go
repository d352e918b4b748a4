// cmd/battlegrounds/main.go
package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	Version   = "0.3.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 通道 1 上的回显协议
const (
	echoChannel  = 1
	opEchoReq    = 0x10
	opEchoResult = 0x11
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "battlegrounds",
		Short: "多人游戏原型的 UDP 会话引擎",
		Long: `battlegrounds 运行 UDP 会话服务器或测试客户端。

  • 8 字节头部的二进制协议
  • 握手、保活与空闲超时
  • 数据通道多路复用与请求/应答匹配
  • 可选的 ChaCha20-Poly1305 通道加密`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serverCmd(),
		clientCmd(),
		genPSKCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

func printBanner(title string, rows [][2]string) {
	body := ""
	for i, row := range rows {
		if i > 0 {
			body += "\n"
		}
		body += fmt.Sprintf("%-10s %s", row[0]+":", row[1])
	}
	body += "\n\n按 Ctrl+C 停止"
	pterm.DefaultBox.WithTitle(title).Println(body)
}
