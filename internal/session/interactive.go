package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/hookshell/internal/protocol"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// interactiveSession 交互式协议会话, 同时实现 command.Output
//
// 状态: 等待首帧 → streaming → closed。closed 之后所有写入被丢弃,
// 等待中的输入请求立即返回 ErrClosed。
type interactiveSession struct {
	h      *Handler
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer
	log    *logrus.Entry

	lastSeen     atomic.Int64
	inputWaiting atomic.Int32
	closed       atomic.Bool

	mu      sync.Mutex
	pending map[string]chan string
}

func newInteractiveSession(h *Handler, conn net.Conn, reader *protocol.Reader, log *logrus.Entry) *interactiveSession {
	s := &interactiveSession{
		h:       h,
		conn:    conn,
		reader:  reader,
		writer:  protocol.NewWriter(conn),
		log:     log,
		pending: make(map[string]chan string),
	}
	s.touch()
	return s
}

func (s *interactiveSession) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *interactiveSession) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastSeen.Load()))
}

// run 执行命令并维持会话, 直到命令结束、客户端断开或超时
func (s *interactiveSession) run(parent context.Context, text string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.readLoop)
	g.Go(func() error { return s.pingLoop(gctx) })

	cmdDone := make(chan struct{})
	go func() {
		defer close(cmdDone)
		s.h.exec.Execute(gctx, text, s)
	}()

	select {
	case <-cmdDone:
		if err := s.writer.Send(protocol.TypeCommandEnd, nil); err != nil {
			s.log.WithError(err).Debug("Failed to send COMMAND_END")
		}
	case <-gctx.Done():
	}

	s.teardown()
	cancel()
	err := g.Wait()

	switch {
	case errors.Is(err, ErrTimeout):
		s.h.metrics.RecordSessionTimeout()
		s.log.WithField("idle", s.idle().String()).Error("⏰ Client response timeout, closing session")
	case errors.Is(err, protocol.ErrProtocol):
		s.h.metrics.RecordProtocolError()
		s.log.WithError(err).Warn("Protocol error, closing session")
	case errors.Is(err, errClientClosed), errors.Is(err, errClientEnded):
		s.log.WithError(err).Info("Client ended session")
	case err != nil && !errors.Is(err, context.Canceled):
		s.log.WithError(err).Warn("Session ended with error")
	}

	select {
	case <-cmdDone:
		s.log.Info("Command completed")
	case <-time.After(s.h.cfg.CloseWait):
		s.log.Warn("⚠️ Command still running after session close")
	}
}

// teardown 进入 closed 状态: 释放等待中的输入请求并关闭连接
func (s *interactiveSession) teardown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.pending = nil
	s.mu.Unlock()

	_ = s.conn.Close()
}

// pendingCount 等待中的输入请求数量
func (s *interactiveSession) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *interactiveSession) readLoop() error {
	for {
		msg, err := s.reader.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errClientClosed
			}
			return err
		}
		s.touch()

		switch msg.Type {
		case protocol.TypeInputResponse:
			id, value, err := protocol.ParseInputResponse(msg.Text())
			if err != nil {
				s.log.WithError(err).Warn("Ignoring malformed input response")
				continue
			}
			s.deliver(id, value)
		case protocol.TypeClientPong, protocol.TypeInputPong:
		case protocol.TypeClientPing:
			if err := s.writer.Send(protocol.TypeServerPong, nil); err != nil {
				return fmt.Errorf("send pong: %w", err)
			}
		case protocol.TypeCommandEnd:
			return errClientEnded
		default:
			s.log.WithField("type", msg.Type.String()).Warn("Unknown client message type")
		}
	}
}

func (s *interactiveSession) pingLoop(ctx context.Context) error {
	interval := s.h.cfg.PingInterval
	poll := interval
	if q := s.h.cfg.LivenessTimeout / 4; q < poll {
		poll = q
	}
	if poll > time.Second {
		poll = time.Second
	}
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	lastPing := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if s.idle() > s.h.cfg.LivenessTimeout {
			return ErrTimeout
		}
		if time.Since(lastPing) < interval {
			continue
		}
		lastPing = time.Now()
		if err := s.writer.Send(protocol.TypeServerPing, nil); err != nil {
			return fmt.Errorf("send ping: %w", err)
		}
		if s.inputWaiting.Load() > 0 {
			if err := s.writer.Send(protocol.TypeInputPing, nil); err != nil {
				return fmt.Errorf("send input ping: %w", err)
			}
		}
	}
}

func (s *interactiveSession) deliver(id, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.pending[id]
	if !ok {
		s.log.WithField("request_id", id).Debug("Input response for unknown request")
		return
	}
	select {
	case ch <- value:
	default:
	}
}

func (s *interactiveSession) request(ctx context.Context, prompt string, password bool, timeout time.Duration) (string, error) {
	id := uuid.NewString()
	ch := make(chan string, 1)

	s.mu.Lock()
	if s.pending == nil {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	s.inputWaiting.Add(1)
	defer s.inputWaiting.Add(-1)

	req := protocol.InputRequest{ID: id, Prompt: prompt, Password: password}
	if err := s.writer.SendText(protocol.TypeServerInputRequest, req.Encode()); err != nil {
		return "", fmt.Errorf("send input request: %w", err)
	}
	s.log.WithField("request_id", id).Debug("Input request sent")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v, ok := <-ch:
		if !ok {
			return "", ErrClosed
		}
		return v, nil
	case <-timer.C:
		s.log.WithField("request_id", id).Warn("Input request timeout")
		return "", fmt.Errorf("%w: 输入请求 %s 超时 (%s)", ErrInputTimeout, id, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *interactiveSession) send(typ protocol.MessageType, text string) {
	if text == "" || s.closed.Load() {
		return
	}
	if err := s.writer.SendText(typ, text); err != nil {
		s.log.WithError(err).Debug("Failed to send output")
	}
}

func (s *interactiveSession) Println(line string) { s.send(protocol.TypeServerOutput, line+"\n") }

func (s *interactiveSession) Print(text string) { s.send(protocol.TypeServerOutput, text) }

func (s *interactiveSession) Printf(format string, args ...any) {
	s.send(protocol.TypeServerOutput, fmt.Sprintf(format, args...))
}

func (s *interactiveSession) Error(text string) { s.send(protocol.TypeServerError, text) }

func (s *interactiveSession) ReadLine(ctx context.Context, prompt string) (string, error) {
	return s.request(ctx, prompt, false, s.h.cfg.InputTimeout)
}

func (s *interactiveSession) ReadPassword(ctx context.Context, prompt string) (string, error) {
	return s.request(ctx, prompt, true, s.h.cfg.PasswordTimeout)
}

func (s *interactiveSession) Interactive() bool { return true }
