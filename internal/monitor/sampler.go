// Package monitor 运行时与 Hook 调用统计的周期采样
package monitor

import (
	"runtime"
	"sync"
	"time"

	"github.com/apk-analysis/hookshell/internal/domain"
	"github.com/apk-analysis/hookshell/internal/lifecycle"
	"github.com/apk-analysis/hookshell/internal/metrics"
	"github.com/apk-analysis/hookshell/internal/store"
	"github.com/sirupsen/logrus"
)

// Stats 一次采样结果
type Stats struct {
	Alloc       uint64 `json:"alloc"`       // 当前分配的内存 (字节)
	TotalAlloc  uint64 `json:"total_alloc"` // 累计分配的内存
	Sys         uint64 `json:"sys"`         // 从系统获取的内存
	NumGC       uint32 `json:"num_gc"`
	Goroutines  int    `json:"goroutines"`
	AllocMB     uint64 `json:"alloc_mb"`
	SysMB       uint64 `json:"sys_mb"`
	HookCount   int    `json:"hook_count"`
	ActiveHooks int    `json:"active_hooks"`
	HookCalls   int64  `json:"hook_calls"` // 所有 Hook 的累计调用次数
	SampledAt   int64  `json:"sampled_at"`
}

// HookSource 提供 Hook 快照
type HookSource interface {
	Snapshot() []domain.HookInfo
}

// DocumentWriter 性能文档写入
type DocumentWriter interface {
	Write(name string, patch map[string]any) error
}

// highMemoryMB 超过后记录警告
const highMemoryMB = 1536

// Sampler 周期采样并写入 performance 文档和 Prometheus 指标
type Sampler struct {
	hooks    HookSource
	docs     DocumentWriter
	tracker  *lifecycle.Tracker
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	interval time.Duration

	mu       sync.RWMutex
	stats    Stats
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSampler 创建采样器, docs 可以为 nil
func NewSampler(hooks HookSource, docs DocumentWriter, tracker *lifecycle.Tracker, m *metrics.Metrics, interval time.Duration, logger *logrus.Logger) *Sampler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sampler{
		hooks:    hooks,
		docs:     docs,
		tracker:  tracker,
		metrics:  m,
		logger:   logger,
		interval: interval,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start 启动采样协程, 早期阶段不启动
func (s *Sampler) Start() bool {
	if s.tracker.IsEarlyPhase() {
		s.logger.Debug("Skipping sampler start during early init")
		return false
	}
	go s.loop()
	return true
}

// Stop 停止采样
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// Done 采样协程退出后关闭
func (s *Sampler) Done() <-chan struct{} {
	return s.done
}

func (s *Sampler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Sample()
		}
	}
}

// Sample 立即采样一次
func (s *Sampler) Sample() Stats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	st := Stats{
		Alloc:      ms.Alloc,
		TotalAlloc: ms.TotalAlloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
		SysMB:      ms.Sys / 1024 / 1024,
		SampledAt:  time.Now().UnixMilli(),
	}
	if s.hooks != nil {
		hooks := s.hooks.Snapshot()
		st.HookCount = len(hooks)
		for _, h := range hooks {
			st.HookCalls += h.CallCount
			if h.Active && h.Enabled {
				st.ActiveHooks++
			}
		}
	}

	s.mu.Lock()
	s.stats = st
	s.mu.Unlock()

	s.metrics.UpdateRuntimeStats(st.Alloc, st.Goroutines, st.NumGC)
	s.metrics.SetHooksActive(st.ActiveHooks)
	s.logStats(st)
	s.persist(st)
	return st
}

func (s *Sampler) logStats(st Stats) {
	s.logger.WithFields(logrus.Fields{
		"alloc_mb":   st.AllocMB,
		"sys_mb":     st.SysMB,
		"num_gc":     st.NumGC,
		"goroutines": st.Goroutines,
		"hook_calls": st.HookCalls,
	}).Debug("Runtime stats")

	if st.AllocMB > highMemoryMB {
		s.logger.WithFields(logrus.Fields{
			"alloc_mb": st.AllocMB,
			"sys_mb":   st.SysMB,
		}).Warn("High memory usage detected")
	}
}

func (s *Sampler) persist(st Stats) {
	if s.docs == nil {
		return
	}
	_, err := s.tracker.Guard(func() error {
		return s.docs.Write(store.DocPerformance, map[string]any{
			"memory": map[string]any{
				"alloc":       st.Alloc,
				"total_alloc": st.TotalAlloc,
				"sys":         st.Sys,
				"num_gc":      st.NumGC,
			},
			"goroutines":   st.Goroutines,
			"hook_count":   st.HookCount,
			"active_hooks": st.ActiveHooks,
			"hook_calls":   st.HookCalls,
			"sampled_at":   st.SampledAt,
		})
	})
	if err != nil {
		s.logger.WithError(err).Warn("Failed to write performance document")
	}
}

// GetStats 最近一次采样结果
func (s *Sampler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
