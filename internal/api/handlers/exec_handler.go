package handlers

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apk-analysis/hookshell/internal/command"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Executor 命令执行接口
type Executor interface {
	Execute(ctx context.Context, text string, out command.Output)
}

// ExecHandler 通过 HTTP 和 WebSocket 执行命令
type ExecHandler struct {
	exec     Executor
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// NewExecHandler 创建命令执行处理器
func NewExecHandler(exec Executor, logger *logrus.Logger) *ExecHandler {
	return &ExecHandler{
		exec:   exec,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源
			},
		},
	}
}

// ExecRequest 命令执行请求体
type ExecRequest struct {
	Command string `json:"command" binding:"required"`
}

// Exec 执行一条命令并返回全部输出
// POST /api/v1/exec
func (h *ExecHandler) Exec(c *gin.Context) {
	var req ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误: " + err.Error()})
		return
	}

	start := time.Now()
	out := command.NewBufferOutput()
	h.exec.Execute(c.Request.Context(), req.Command, out)

	c.JSON(http.StatusOK, gin.H{
		"command":     req.Command,
		"output":      out.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// wsWriter 每次写入作为一条文本消息发送
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsWriter) close(code int, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

// HandleWebSocket 流式执行命令
// GET /ws/exec
//
// 客户端发送一条 {"command": "..."} 消息, 服务端把输出逐条推送, 命令结束后正常关闭。
// 客户端断开时取消命令。
func (h *ExecHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	var req ExecRequest
	if err := conn.ReadJSON(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "expected {\"command\": \"...\"}"),
			time.Now().Add(time.Second))
		return
	}

	log := h.logger.WithFields(logrus.Fields{
		"remote":  c.Request.RemoteAddr,
		"command": req.Command,
	})
	log.Info("WebSocket exec started")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		// 只用于感知断开
		for {
			if _, _, err := conn.NextReader(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Debug("WebSocket read error")
				}
				cancel()
				return
			}
		}
	}()

	w := &wsWriter{conn: conn}
	out := command.NewWriterOutput(w)
	h.exec.Execute(ctx, req.Command, out)

	if err := out.Err(); err != nil {
		log.WithError(err).Warn("WebSocket client gone before command finished")
		return
	}
	w.close(websocket.CloseNormalClosure, "")
	log.Info("WebSocket exec finished")
}
