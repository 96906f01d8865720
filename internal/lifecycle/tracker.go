package lifecycle

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Outcome 受保护操作的执行结果
type Outcome int

const (
	Done    Outcome = iota // 已执行
	Skipped                // 处于早期启动阶段, 未执行
)

func (o Outcome) String() string {
	if o == Skipped {
		return "skipped"
	}
	return "done"
}

// Track 单条只进不退的阶段轨迹: not-started → started → completed
type Track struct {
	started     atomic.Bool
	completed   atomic.Bool
	startedAt   atomic.Int64 // unix 毫秒
	completedAt atomic.Int64
}

// MarkStarted 标记开始, 重复调用无效果; 返回本次是否生效
func (t *Track) MarkStarted() bool {
	if !t.started.CompareAndSwap(false, true) {
		return false
	}
	t.startedAt.Store(time.Now().UnixMilli())
	return true
}

// MarkCompleted 标记完成, 未开始时会先补记开始
func (t *Track) MarkCompleted() bool {
	t.MarkStarted()
	if !t.completed.CompareAndSwap(false, true) {
		return false
	}
	t.completedAt.Store(time.Now().UnixMilli())
	return true
}

func (t *Track) Started() bool   { return t.started.Load() }
func (t *Track) Completed() bool { return t.completed.Load() }

// Duration 开始到完成的耗时, 未完成返回 0
func (t *Track) Duration() time.Duration {
	if !t.Completed() {
		return 0
	}
	return time.Duration(t.completedAt.Load()-t.startedAt.Load()) * time.Millisecond
}

// Tracker 进程启动阶段追踪器
//
// 早期启动阶段 (early-init 已开始但未完成) 内进行文件 IO、写日志文件或启动后台协程
// 都是不安全的，所有带副作用的操作都要先经过 Guard 检查。
type Tracker struct {
	EarlyInit   Track
	HooksSetup  Track
	PackageLoad Track

	totalLoads   atomic.Int64
	successLoads atomic.Int64
	failedLoads  atomic.Int64
}

// NewTracker 创建追踪器
func NewTracker() *Tracker {
	return &Tracker{}
}

// NewReadyTracker 创建已越过早期启动阶段的追踪器
func NewReadyTracker() *Tracker {
	t := &Tracker{}
	t.EarlyInit.MarkCompleted()
	return t
}

// IsEarlyPhase early-init 已开始且未完成
func (t *Tracker) IsEarlyPhase() bool {
	if t == nil {
		return false
	}
	return t.EarlyInit.Started() && !t.EarlyInit.Completed()
}

// Guard 早期阶段直接返回 Skipped, 不调用 fn
func (t *Tracker) Guard(fn func() error) (Outcome, error) {
	if t.IsEarlyPhase() {
		return Skipped, nil
	}
	return Done, fn()
}

// RecordPackageLoad 记录一次包加载结果
func (t *Tracker) RecordPackageLoad(ok bool) {
	t.PackageLoad.MarkStarted()
	t.totalLoads.Add(1)
	if ok {
		t.successLoads.Add(1)
	} else {
		t.failedLoads.Add(1)
	}
}

// Status 启动状态快照 (写入 module_status 文档)
func (t *Tracker) Status() map[string]any {
	return map[string]any{
		"zygote_init_started":      t.EarlyInit.Started(),
		"zygote_init_completed":    t.EarlyInit.Completed(),
		"zygote_init_duration":     t.EarlyInit.Duration().Milliseconds(),
		"is_zygote_phase":          t.IsEarlyPhase(),
		"hooks_setup_completed":    t.HooksSetup.Completed(),
		"hooks_setup_duration":     t.HooksSetup.Duration().Milliseconds(),
		"package_load_started":     t.PackageLoad.Started(),
		"package_load_completed":   t.PackageLoad.Completed(),
		"total_packages_loaded":    t.totalLoads.Load(),
		"successful_package_loads": t.successLoads.Load(),
		"failed_package_loads":     t.failedLoads.Load(),
	}
}

// LogStatus 输出启动状态
func (t *Tracker) LogStatus(logger *logrus.Logger) {
	logger.WithFields(logrus.Fields(t.Status())).Info("Boot status")
}
