package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/hookshell/internal/lifecycle"
	"github.com/apk-analysis/hookshell/internal/metrics"
	"github.com/apk-analysis/hookshell/internal/worker"
	"github.com/sirupsen/logrus"
)

// ConnHandler 处理一个已接受的连接, 返回前负责关闭连接
type ConnHandler interface {
	Serve(ctx context.Context, conn net.Conn)
}

// SocketServer TCP 命令服务
type SocketServer struct {
	host    string
	ports   PortRegistry
	handler ConnHandler
	pool    *worker.Pool
	tracker *lifecycle.Tracker
	metrics *metrics.Metrics
	logger  *logrus.Logger

	// 会话的生命周期跟随服务而不是单次 Start
	baseCtx context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	listener   net.Listener
	acceptDone chan struct{}
	running    atomic.Bool
	restarting atomic.Bool
	connSeq    atomic.Int64
}

// NewSocketServer 创建服务, 连接在 pool 中处理
func NewSocketServer(host string, ports PortRegistry, handler ConnHandler, pool *worker.Pool, tracker *lifecycle.Tracker, m *metrics.Metrics, logger *logrus.Logger) *SocketServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketServer{
		host:    host,
		ports:   ports,
		handler: handler,
		pool:    pool,
		tracker: tracker,
		metrics: m,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Start 绑定当前端口并开始接受连接
//
// 已在运行或正在重启时直接返回。当前端口被占用时改用 FindAvailablePort 的结果并写入端口文件。
func (s *SocketServer) Start(ctx context.Context) error {
	if s.running.Load() || !s.restarting.CompareAndSwap(false, true) {
		s.logger.Warn("Socket server already running or restarting, skip start")
		return nil
	}
	defer s.restarting.Store(false)

	outcome, err := s.tracker.Guard(func() error { return s.listen(ctx, true) })
	if outcome == lifecycle.Skipped {
		s.logger.Info("Socket server start skipped during early init")
		return ErrSkipped
	}
	return err
}

func (s *SocketServer) listen(ctx context.Context, fallback bool) error {
	port := s.ports.Current()
	if fallback && !s.ports.IsPortAvailable(port) {
		alt := s.ports.FindAvailablePort(port)
		if alt < 0 {
			s.logger.WithField("port", port).Error("❌ No available port, socket server not started")
			return fmt.Errorf("no available port (preferred %d)", port)
		}
		s.logger.WithFields(logrus.Fields{
			"old_port": port,
			"new_port": alt,
		}).Warn("⚠️ Port in use, switching port")
		s.ports.SetCurrent(alt)
		s.ports.Persist(ctx, 3)
		port = alt
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.acceptDone = make(chan struct{})
	done := s.acceptDone
	s.mu.Unlock()

	s.running.Store(true)
	go s.acceptLoop(ln, done)

	s.logger.WithField("port", port).Info("🚀 Socket server started")
	return nil
}

func (s *SocketServer) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Listener closed, accept loop exiting")
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			s.logger.WithError(err).Warn("Accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.dispatch(conn)
	}
}

func (s *SocketServer) dispatch(conn net.Conn) {
	id := fmt.Sprintf("conn-%d", s.connSeq.Add(1))
	s.logger.WithFields(logrus.Fields{
		"conn_id": id,
		"remote":  conn.RemoteAddr().String(),
	}).Debug("Accepted connection")

	err := s.pool.Submit(&worker.Task{ID: id, Run: func(ctx context.Context) error {
		s.handler.Serve(s.baseCtx, conn)
		return nil
	}})
	if err != nil {
		s.metrics.RecordConnectionRejected()
		s.logger.WithError(err).WithField("conn_id", id).Warn("Connection rejected")
		_ = conn.Close()
	}
	s.metrics.UpdateWorkerPoolStats(s.pool.Size(), s.pool.GetQueueSize())
}

// Stop 关闭监听并等待 accept 循环退出, 已建立的会话不受影响
func (s *SocketServer) Stop() {
	s.mu.Lock()
	ln, done := s.listener, s.acceptDone
	s.listener = nil
	s.mu.Unlock()

	if ln == nil {
		return
	}
	s.running.Store(false)
	s.logger.WithField("port", s.ports.Current()).Info("Stopping socket server")
	if err := ln.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close listener")
	}
	<-done
}

// Shutdown 停止监听并取消所有会话
func (s *SocketServer) Shutdown() {
	s.Stop()
	s.cancel()
}

// IsRunning 是否正在监听
func (s *SocketServer) IsRunning() bool {
	return s.running.Load()
}

// Addr 监听地址, 未运行时为 nil
func (s *SocketServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// RestartWithNewPort 切换到新端口, 新端口启动失败时回退到旧端口并返回 false
func (s *SocketServer) RestartWithNewPort(ctx context.Context, port int) bool {
	old := s.ports.Current()
	if port == old && s.IsRunning() {
		s.logger.WithField("port", port).Info("Port unchanged, no restart needed")
		return true
	}

	log := s.logger.WithFields(logrus.Fields{
		"old_port": old,
		"new_port": port,
	})
	log.Info("Restarting socket server on new port")

	if !s.ports.UpdatePort(ctx, port) {
		log.Error("New port unavailable")
		return false
	}

	s.Stop()
	err := s.startExact(ctx)
	if err == nil {
		log.Info("✅ Port switched")
		return true
	}
	log.WithError(err).Error("❌ Failed to start on new port, rolling back")

	s.ports.SetCurrent(old)
	s.ports.Persist(ctx, 3)
	if err := s.Start(ctx); err != nil {
		log.WithError(err).Error("Rollback start failed")
	}
	return false
}

// startExact 只在当前端口上启动, 不做端口回退
func (s *SocketServer) startExact(ctx context.Context) error {
	if !s.restarting.CompareAndSwap(false, true) {
		return errors.New("socket server is restarting")
	}
	defer s.restarting.Store(false)

	outcome, err := s.tracker.Guard(func() error { return s.listen(ctx, false) })
	if outcome == lifecycle.Skipped {
		return ErrSkipped
	}
	return err
}
