package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/apk-analysis/hookshell/internal/command"
	"github.com/apk-analysis/hookshell/internal/protocol"
	"github.com/sirupsen/logrus"
)

// serveText 纯文本协议: 读取一行命令, 输出原样写回, 结束后关闭连接
func (h *Handler) serveText(ctx context.Context, conn net.Conn, br *bufio.Reader, log *logrus.Entry) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.LivenessTimeout))

	line, err := ReadCommandLine(br)
	if err != nil {
		log.WithError(err).Warn("Failed to read text command")
		return
	}
	if strings.TrimSpace(line) == "" {
		log.Warn("Received empty command")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log.WithField("command", line).Debug("Text protocol command")
	h.exec.Execute(ctx, line, command.NewWriterOutput(conn))
}

// ReadCommandLine 读取一行, 以 \n 或 \r 结束, 对端关闭时返回已读内容
func ReadCommandLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		c, _, err := r.ReadRune()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return sb.String(), nil
			}
			return "", err
		}
		if c == '\n' || c == '\r' {
			return sb.String(), nil
		}
		if sb.Len() >= protocol.MaxPayload {
			return "", errors.New("command line too long")
		}
		sb.WriteRune(c)
	}
}
