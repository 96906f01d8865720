// Package server 命令服务: TCP 监听、端口管理和事务接口
package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/hookshell/internal/lifecycle"
	"github.com/apk-analysis/hookshell/internal/metrics"
	"github.com/apk-analysis/hookshell/internal/retry"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPort = 11451
	MinPort     = 1024
	MaxPort     = 65535
)

// ErrSkipped 早期启动阶段跳过
var ErrSkipped = errors.New("skipped during early init phase")

// PortRegistry 端口的查询、探测与持久化
type PortRegistry interface {
	Current() int
	SetCurrent(port int)
	IsValidPort(port int) bool
	IsPortAvailable(port int) bool
	// FindAvailablePort 优先返回 preferred, 否则在随机范围内尝试, 都不可用时返回 -1
	FindAvailablePort(preferred int) int
	// UpdatePort 校验并切换到新端口, 成功后写入端口文件
	UpdatePort(ctx context.Context, port int) bool
	// Persist 写入端口文件并回读校验
	Persist(ctx context.Context, attempts int) bool
	PortFile() string
}

// PortOptions 端口管理参数
type PortOptions struct {
	Host           string
	DefaultPort    int
	PortFile       string
	RandomMin      int // 随机端口范围 [RandomMin, RandomMax)
	RandomMax      int
	RandomAttempts int
	RetryInterval  time.Duration
	Tracker        *lifecycle.Tracker
	Metrics        *metrics.Metrics
}

// PortManager 基于端口文件的 PortRegistry 实现
type PortManager struct {
	opts    PortOptions
	logger  *logrus.Logger
	current atomic.Int64

	randIntN func(n int) int
}

// NewPortManager 创建端口管理器, 当前端口为默认端口, 调用 InitializePort 读取端口文件
func NewPortManager(opts PortOptions, logger *logrus.Logger) *PortManager {
	if opts.DefaultPort == 0 {
		opts.DefaultPort = DefaultPort
	}
	if opts.RandomMin == 0 {
		opts.RandomMin = 20000
	}
	if opts.RandomMax <= opts.RandomMin {
		opts.RandomMax = opts.RandomMin + 10000
	}
	if opts.RandomAttempts == 0 {
		opts.RandomAttempts = 10
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	p := &PortManager{
		opts:     opts,
		logger:   logger,
		randIntN: rand.IntN,
	}
	p.current.Store(int64(opts.DefaultPort))
	return p
}

// InitializePort 读取端口文件中的端口, 无效时使用默认端口, 然后写回端口文件
func (p *PortManager) InitializePort(ctx context.Context) int {
	port, err := p.readPortFile()
	if err != nil {
		port = p.opts.DefaultPort
		p.logger.WithError(err).WithField("port", port).Info("Using default port")
	} else {
		p.logger.WithField("port", port).Info("Port loaded from port file")
	}
	p.SetCurrent(port)

	if !p.Persist(ctx, 3) {
		p.logger.Error("Failed to initialize port file, continuing startup")
	}
	return port
}

func (p *PortManager) Current() int {
	return int(p.current.Load())
}

func (p *PortManager) SetCurrent(port int) {
	p.current.Store(int64(port))
}

func (p *PortManager) PortFile() string {
	return p.opts.PortFile
}

func (p *PortManager) IsValidPort(port int) bool {
	return port >= MinPort && port <= MaxPort
}

// IsPortAvailable 尝试绑定端口
func (p *PortManager) IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(p.opts.Host, strconv.Itoa(port)))
	if err != nil {
		p.logger.WithError(err).WithField("port", port).Debug("Port unavailable")
		return false
	}
	_ = ln.Close()
	return true
}

func (p *PortManager) FindAvailablePort(preferred int) int {
	if p.IsValidPort(preferred) && p.IsPortAvailable(preferred) {
		return preferred
	}

	p.logger.WithField("port", preferred).Warn("⚠️ Preferred port in use, trying random ports")
	span := p.opts.RandomMax - p.opts.RandomMin
	for i := 0; i < p.opts.RandomAttempts; i++ {
		port := p.opts.RandomMin + p.randIntN(span)
		if p.IsPortAvailable(port) {
			p.logger.WithField("port", port).Info("Found available port")
			return port
		}
	}
	return -1
}

func (p *PortManager) UpdatePort(ctx context.Context, port int) bool {
	if port == p.Current() {
		return true
	}
	if !p.IsValidPort(port) {
		p.logger.WithField("port", port).Error("Invalid port, must be within 1024-65535")
		return false
	}
	if !p.IsPortAvailable(port) {
		p.logger.WithField("port", port).Error("Port unavailable or already in use")
		return false
	}
	p.SetCurrent(port)
	p.Persist(ctx, 3)
	p.logger.WithField("port", port).Info("Port updated")
	return true
}

// Persist 早期启动阶段返回 false 且不创建文件
func (p *PortManager) Persist(ctx context.Context, attempts int) bool {
	if p.opts.PortFile == "" {
		return false
	}

	cfg := retry.Fixed("write_port_file", attempts, p.opts.RetryInterval, p.logger)
	cfg.OnRetry = func(attempt int, err error) {
		p.opts.Metrics.RecordRetryAttempt("write_port_file", attempt)
	}

	outcome, err := p.opts.Tracker.Guard(func() error {
		return retry.Do(ctx, cfg, func(ctx context.Context) error {
			want := p.Current()
			if err := p.writePortFile(want); err != nil {
				return err
			}
			got, err := p.readPortFile()
			if err != nil {
				return err
			}
			if got != want {
				return fmt.Errorf("port file verification failed: got %d, want %d", got, want)
			}
			return nil
		})
	})
	if outcome == lifecycle.Skipped {
		p.logger.Debug("Skipping port file write during early init")
		return false
	}
	if err != nil {
		p.logger.WithError(err).Error("❌ Failed to write port file after retries")
		return false
	}

	p.logger.WithFields(logrus.Fields{
		"port_file": p.opts.PortFile,
		"port":      p.Current(),
	}).Debug("Port file written")
	return true
}

func (p *PortManager) writePortFile(port int) error {
	dir := filepath.Dir(p.opts.PortFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create port file dir: %w", err)
	}
	tmp := p.opts.PortFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(port)), 0o644); err != nil {
		return fmt.Errorf("write port file: %w", err)
	}
	return os.Rename(tmp, p.opts.PortFile)
}

func (p *PortManager) readPortFile() (int, error) {
	if p.opts.PortFile == "" {
		return 0, errors.New("port file not configured")
	}
	data, err := os.ReadFile(p.opts.PortFile)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, errors.New("port file is empty")
	}
	port, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("port file content is not a number: %w", err)
	}
	if !p.IsValidPort(port) {
		return 0, fmt.Errorf("invalid port in port file: %d", port)
	}
	return port, nil
}
