package hook

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/apk-analysis/hookshell/internal/domain"
)

const idPrefix = domain.HookIDPrefix

// Registry 当前已注册的 Hook 集合
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]*HookSpec
	seq   atomic.Int64
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string]*HookSpec)}
}

// NextID 生成下一个 id
func (r *Registry) NextID() string {
	return fmt.Sprintf("%s%d", idPrefix, r.seq.Add(1))
}

// Reserve 确保后续生成的 id 不与已有 id 冲突
func (r *Registry) Reserve(id string) {
	n, ok := idNumber(id)
	if !ok {
		return
	}
	for {
		cur := r.seq.Load()
		if cur >= n || r.seq.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Put 注册
func (r *Registry) Put(spec *HookSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[spec.ID]; exists {
		return fmt.Errorf("hook %s already registered", spec.ID)
	}
	r.hooks[spec.ID] = spec
	return nil
}

// Get 查询
func (r *Registry) Get(id string) (*HookSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.hooks[id]
	return spec, ok
}

// Delete 移除并返回被移除的 Hook
func (r *Registry) Delete(id string) (*HookSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.hooks[id]
	if ok {
		delete(r.hooks, id)
	}
	return spec, ok
}

// Len Hook 数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}

// List 按 id 序号排序
func (r *Registry) List() []*HookSpec {
	r.mu.RLock()
	out := make([]*HookSpec, 0, len(r.hooks))
	for _, spec := range r.hooks {
		out = append(out, spec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, okA := idNumber(out[i].ID)
		b, okB := idNumber(out[j].ID)
		if okA && okB {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func idNumber(id string) (int64, bool) {
	return domain.HookSeq(id)
}
