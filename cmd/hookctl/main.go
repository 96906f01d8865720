package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/apk-analysis/hookshell/internal/protocol"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	host         string
	port         int
	portFile     string
	dialTimeout  time.Duration
	pingInterval time.Duration
	debugMode    bool
)

var rootCmd = &cobra.Command{
	Use:   "hookctl",
	Short: "hookshell 命令服务客户端",
	Long: `hookctl 连接 hookshell 的命令服务并执行命令。

exec 使用交互式帧协议, 支持服务端请求输入和密码;
text 使用纯文本协议, 只输出结果。

Example:
  hookctl exec hook list
  hookctl exec interactive_test
  hookctl text --port 11451 echo hello
  hookctl port --port-file ./data/methods_port`,
	SilenceUsage: true,
}

var execCmd = &cobra.Command{
	Use:   "exec <command...>",
	Short: "通过交互式协议执行命令",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd.Context(), func(ctx context.Context, conn net.Conn) error {
			client := protocol.NewClient(conn, pingInterval, newLogger())
			return client.Run(ctx, strings.Join(args, " "), protocol.Handler{
				Output: func(text string) { fmt.Fprint(os.Stdout, text) },
				Error:  func(text string) { fmt.Fprint(os.Stderr, text) },
				Input:  readInput,
			})
		})
	},
}

var textCmd = &cobra.Command{
	Use:   "text <command...>",
	Short: "通过纯文本协议执行命令",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd.Context(), func(ctx context.Context, conn net.Conn) error {
			return protocol.RunText(ctx, conn, strings.Join(args, " "), os.Stdout)
		})
	},
}

var portCmd = &cobra.Command{
	Use:   "port",
	Short: "显示服务端当前端口",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := resolvePort()
		if err != nil {
			return err
		}
		fmt.Println(p)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&host, "host", "127.0.0.1", "服务端地址")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "服务端端口 (默认读取端口文件)")
	rootCmd.PersistentFlags().StringVar(&portFile, "port-file", "./data/methods_port", "端口文件路径")
	rootCmd.PersistentFlags().DurationVar(&dialTimeout, "timeout", 5*time.Second, "连接超时")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "输出调试日志")
	execCmd.Flags().DurationVar(&pingInterval, "ping", 5*time.Second, "心跳间隔, 0 表示不发送")

	rootCmd.AddCommand(execCmd, textCmd, portCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}
	return logger
}

// resolvePort --port 优先, 否则读取端口文件
func resolvePort() (int, error) {
	if port > 0 {
		return port, nil
	}
	data, err := os.ReadFile(portFile)
	if err != nil {
		return 0, fmt.Errorf("读取端口文件失败: %w", err)
	}
	p, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || p <= 0 || p > 65535 {
		return 0, fmt.Errorf("端口文件内容无效: %q", strings.TrimSpace(string(data)))
	}
	return p, nil
}

func withConn(ctx context.Context, fn func(ctx context.Context, conn net.Conn) error) error {
	p, err := resolvePort()
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(p))

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("连接 %s 失败: %w", addr, err)
	}
	defer conn.Close()
	return fn(ctx, conn)
}

var stdin = bufio.NewReader(os.Stdin)

// readInput 响应服务端的输入请求, 密码输入在终端下不回显
func readInput(req protocol.InputRequest) (string, error) {
	fmt.Fprint(os.Stdout, req.Prompt)

	fd := int(os.Stdin.Fd())
	if req.Password && term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stdout)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	line, err := stdin.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
