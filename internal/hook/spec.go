package hook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/hookshell/internal/domain"
	"github.com/apk-analysis/hookshell/internal/script"
	"github.com/apk-analysis/hookshell/internal/target"
)

// AddRequest 添加 Hook 的请求
type AddRequest struct {
	Space      *target.Space
	ClassName  string
	MethodName string
	Signature  string // 逗号分隔的参数类型, 为空时按方法名查找
	Phases     map[domain.Phase]domain.PhaseSource
}

// RequestFromInfo 由信息视图还原添加请求
func RequestFromInfo(info domain.HookInfo, space *target.Space) AddRequest {
	phases := make(map[domain.Phase]domain.PhaseSource, len(info.Phases))
	for p, src := range info.Phases {
		phases[p] = src
	}
	return AddRequest{
		Space:      space,
		ClassName:  info.ClassName,
		MethodName: info.MethodName,
		Signature:  info.Signature,
		Phases:     phases,
	}
}

// HookSpec 一个已注册的 Hook
type HookSpec struct {
	ID         string
	ClassName  string
	MethodName string
	Signature  string
	Space      *target.Space
	Phases     map[domain.Phase]domain.PhaseSource
	CreatedAt  time.Time

	callCount atomic.Int64
	active    atomic.Bool
	enabled   atomic.Bool

	mu        sync.RWMutex
	fragments map[domain.Phase]*script.Fragment
	method    *target.Method
	unhook    target.Unhook

	runtime *script.Runtime
	output  *outputBuffer
}

// CallCount 调用计数
func (s *HookSpec) CallCount() int64 { return s.callCount.Load() }

// Active 是否已织入
func (s *HookSpec) Active() bool { return s.active.Load() }

// Enabled 是否启用
func (s *HookSpec) Enabled() bool { return s.enabled.Load() }

// Live 阶段是否应当执行
func (s *HookSpec) Live() bool { return s.enabled.Load() && s.active.Load() }

// Has 是否指定了某个阶段
func (s *HookSpec) Has(p domain.Phase) bool {
	src, ok := s.Phases[p]
	return ok && !src.IsEmpty()
}

// Mode 织入方式
func (s *HookSpec) Mode() domain.HookMode {
	if s.Has(domain.PhaseReplace) {
		return domain.HookModeReplace
	}
	return domain.HookModePlain
}

// Method 解析得到的目标方法
func (s *HookSpec) Method() *target.Method {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.method
}

func (s *HookSpec) fragment(p domain.Phase) *script.Fragment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fragments[p]
}

func (s *HookSpec) setFragment(p domain.Phase, f *script.Fragment) {
	s.mu.Lock()
	s.fragments[p] = f
	s.mu.Unlock()
}

// Info 信息视图
func (s *HookSpec) Info() domain.HookInfo {
	phases := make(map[domain.Phase]domain.PhaseSource, len(s.Phases))
	for p, src := range s.Phases {
		phases[p] = src
	}
	spaceName := ""
	if s.Space != nil {
		spaceName = s.Space.Name()
	}
	return domain.HookInfo{
		ID:         s.ID,
		ClassName:  s.ClassName,
		MethodName: s.MethodName,
		Signature:  s.Signature,
		Space:      spaceName,
		CreateTime: s.CreatedAt,
		CallCount:  s.CallCount(),
		Active:     s.Active(),
		Enabled:    s.Enabled(),
		HasBefore:  s.Has(domain.PhaseBefore),
		HasAfter:   s.Has(domain.PhaseAfter),
		HasReplace: s.Has(domain.PhaseReplace),
		Phases:     phases,
	}
}

// DisplayInfo 展示文本
func (s *HookSpec) DisplayInfo() string {
	return s.Info().DisplayInfo()
}

// outputBuffer 保留最近 N 行脚本输出
type outputBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newOutputBuffer(max int) *outputBuffer {
	if max <= 0 {
		max = 200
	}
	return &outputBuffer{max: max}
}

func (b *outputBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append([]string(nil), b.lines[over:]...)
	}
}

// last 返回最近 n 行, n <= 0 返回全部
func (b *outputBuffer) last(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]string, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}
