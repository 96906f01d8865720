// Package session 单个客户端连接的会话处理
package session

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/hookshell/internal/command"
	"github.com/apk-analysis/hookshell/internal/metrics"
	"github.com/apk-analysis/hookshell/internal/protocol"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTimeout 客户端在超时窗口内没有任何响应
	ErrTimeout = errors.New("session liveness timeout")
	// ErrClosed 会话已关闭
	ErrClosed = errors.New("session closed")
	// ErrInputTimeout 输入请求超时
	ErrInputTimeout = errors.New("input request timeout")

	errClientClosed = errors.New("client closed connection")
	errClientEnded  = errors.New("client sent COMMAND_END")
)

// Executor 命令执行接口
type Executor interface {
	Execute(ctx context.Context, text string, out command.Output)
}

// Config 会话参数
type Config struct {
	PingInterval      time.Duration
	LivenessTimeout   time.Duration
	InputTimeout      time.Duration
	PasswordTimeout   time.Duration
	FirstFrameTimeout time.Duration
	CloseWait         time.Duration
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		PingInterval:      5 * time.Second,
		LivenessTimeout:   30 * time.Second,
		InputTimeout:      30 * time.Second,
		PasswordTimeout:   60 * time.Second,
		FirstFrameTimeout: 5 * time.Second,
		CloseWait:         5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = d.LivenessTimeout
	}
	if c.InputTimeout <= 0 {
		c.InputTimeout = d.InputTimeout
	}
	if c.PasswordTimeout <= 0 {
		c.PasswordTimeout = d.PasswordTimeout
	}
	if c.FirstFrameTimeout <= 0 {
		c.FirstFrameTimeout = d.FirstFrameTimeout
	}
	if c.CloseWait <= 0 {
		c.CloseWait = d.CloseWait
	}
	return c
}

// Handler 连接处理器, 按首字节选择交互式协议或纯文本协议
type Handler struct {
	exec    Executor
	cfg     Config
	metrics *metrics.Metrics
	logger  *logrus.Logger

	active atomic.Int64
}

// NewHandler 创建连接处理器
func NewHandler(exec Executor, cfg Config, m *metrics.Metrics, logger *logrus.Logger) *Handler {
	return &Handler{
		exec:    exec,
		cfg:     cfg.withDefaults(),
		metrics: m,
		logger:  logger,
	}
}

// Serve 处理一个连接直到会话结束, 返回时连接已关闭
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	h.active.Add(1)
	defer h.active.Add(-1)
	defer conn.Close()

	log := h.logger.WithField("remote", conn.RemoteAddr().String())

	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.FirstFrameTimeout))
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		log.WithError(err).Debug("Connection closed before first byte")
		return
	}

	if first[0] == protocol.StartMarker[0] {
		log.Info("Using interactive protocol")
		h.metrics.RecordSessionOpened("interactive")
		defer h.metrics.RecordSessionClosed()
		h.serveInteractive(ctx, conn, br, log)
		return
	}

	log.Info("Using plain text protocol")
	h.metrics.RecordSessionOpened("text")
	defer h.metrics.RecordSessionClosed()
	h.serveText(ctx, conn, br, log)
}

// Active 当前正在处理的连接数
func (h *Handler) Active() int64 {
	return h.active.Load()
}

func (h *Handler) serveInteractive(ctx context.Context, conn net.Conn, br *bufio.Reader, log *logrus.Entry) {
	reader := protocol.NewReader(br)
	msg, err := reader.ReadMessage()
	if err != nil {
		if errors.Is(err, protocol.ErrProtocol) {
			h.metrics.RecordProtocolError()
		}
		log.WithError(err).Warn("Failed to read first frame")
		return
	}
	if msg.Type != protocol.TypeClientCommand || len(msg.Payload) == 0 {
		h.metrics.RecordProtocolError()
		log.WithField("type", msg.Type.String()).Warn("First frame is not a valid command")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	s := newInteractiveSession(h, conn, reader, log)
	s.run(ctx, msg.Text())
}
