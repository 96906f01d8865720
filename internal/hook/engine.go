package hook

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/apk-analysis/hookshell/internal/domain"
	"github.com/apk-analysis/hookshell/internal/lifecycle"
	"github.com/apk-analysis/hookshell/internal/metrics"
	"github.com/apk-analysis/hookshell/internal/script"
	"github.com/apk-analysis/hookshell/internal/target"
	"github.com/sirupsen/logrus"
)

// Interceptor 拦截安装器
type Interceptor interface {
	Install(m *target.Method, cb target.Callback) (target.Unhook, error)
}

// Options 引擎参数
type Options struct {
	Imports       []string
	ScriptTimeout time.Duration
	OutputLines   int
	Notifier      Notifier
	Metrics       *metrics.Metrics
}

// Engine Hook 管理器
type Engine struct {
	registry    *Registry
	interceptor Interceptor
	loader      script.Loader
	tracker     *lifecycle.Tracker
	resolver    *resolver
	opts        Options
	notifier    notifierSlot
	logger      *logrus.Logger

	// 串行化 add/remove, 运行时分发不经过这把锁
	mu sync.Mutex
}

// NewEngine 创建 Hook 管理器
func NewEngine(interceptor Interceptor, loader script.Loader, tracker *lifecycle.Tracker, opts Options, logger *logrus.Logger) *Engine {
	if interceptor == nil {
		interceptor = target.MethodHooker{}
	}
	if len(opts.Imports) == 0 {
		opts.Imports = DefaultImports
	}
	e := &Engine{
		registry:    NewRegistry(),
		interceptor: interceptor,
		loader:      loader,
		tracker:     tracker,
		resolver:    &resolver{imports: opts.Imports, logger: logger},
		opts:        opts,
		logger:      logger,
	}
	e.notifier.store(opts.Notifier)
	return e
}

// Registry 注册表
func (e *Engine) Registry() *Registry {
	return e.registry
}

// AddHook 校验、注册、解析并织入一个 Hook
//
// 任一阶段代码编译失败则整体拒绝, 不分配 id。解析或织入失败时注册表回滚。
func (e *Engine) AddHook(ctx context.Context, req AddRequest) (*HookSpec, error) {
	return e.add(ctx, req, "")
}

// Restore 按保存的信息视图恢复 Hook, 保留原 id、启用状态和调用计数
func (e *Engine) Restore(ctx context.Context, info domain.HookInfo, space *target.Space) (*HookSpec, error) {
	if info.ID == "" {
		return nil, validationError("", errors.New("hook id is required for restore"))
	}
	e.registry.Reserve(info.ID)

	spec, err := e.add(ctx, RequestFromInfo(info, space), info.ID)
	if err != nil {
		return nil, err
	}
	if !info.CreateTime.IsZero() {
		spec.CreatedAt = info.CreateTime
	}
	spec.callCount.Store(info.CallCount)
	if !info.Enabled {
		spec.enabled.Store(false)
	}
	return spec, nil
}

func (e *Engine) add(ctx context.Context, req AddRequest, id string) (*HookSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fragments, phases, err := e.compilePhases(req)
	if err != nil {
		e.opts.Metrics.RecordHookInstall(string(KindValidation))
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if id == "" {
		id = e.registry.NextID()
	}
	spec := &HookSpec{
		ID:         id,
		ClassName:  req.ClassName,
		MethodName: req.MethodName,
		Signature:  req.Signature,
		Space:      req.Space,
		Phases:     phases,
		CreatedAt:  time.Now(),
		fragments:  fragments,
		runtime:    script.NewRuntime(e.opts.ScriptTimeout),
		output:     newOutputBuffer(e.opts.OutputLines),
	}
	spec.enabled.Store(true)

	if err := e.registry.Put(spec); err != nil {
		e.opts.Metrics.RecordHookInstall(string(KindValidation))
		return nil, validationError("", err)
	}

	method, err := e.resolver.resolveMethod(req.Space, req.ClassName, req.MethodName, req.Signature)
	if err != nil {
		e.registry.Delete(id)
		e.opts.Metrics.RecordHookInstall(string(KindResolution))
		e.logger.WithError(err).WithFields(logrus.Fields{
			"class":  req.ClassName,
			"method": req.MethodName,
		}).Warn("Hook target resolution failed")
		return nil, withHookID(err, id)
	}

	var cb target.Callback = &plainCallback{e: e, spec: spec}
	if spec.Mode() == domain.HookModeReplace {
		cb = &replaceCallback{e: e, spec: spec}
	}

	unhook, err := e.interceptor.Install(method, cb)
	if err != nil {
		e.registry.Delete(id)
		e.opts.Metrics.RecordHookInstall(string(KindWiring))
		e.logger.WithError(err).WithFields(logrus.Fields{
			"hook_id": id,
			"method":  method.String(),
		}).Error("❌ Hook wiring failed")
		return nil, wiringError(id, err)
	}

	spec.mu.Lock()
	spec.method = method
	spec.unhook = unhook
	spec.mu.Unlock()
	spec.active.Store(true)

	e.opts.Metrics.RecordHookInstall("ok")
	e.opts.Metrics.SetHooksActive(e.registry.Len())
	e.logger.WithFields(logrus.Fields{
		"hook_id": id,
		"method":  method.String(),
		"mode":    spec.Mode(),
	}).Info("✅ Hook installed")
	e.notify(EventHookAdded, spec, "", nil)
	return spec, nil
}

// compilePhases 加载并编译所有阶段代码
func (e *Engine) compilePhases(req AddRequest) (map[domain.Phase]*script.Fragment, map[domain.Phase]domain.PhaseSource, error) {
	if req.ClassName == "" || req.MethodName == "" {
		return nil, nil, validationError("", errors.New("class name and method name are required"))
	}

	fragments := make(map[domain.Phase]*script.Fragment)
	phases := make(map[domain.Phase]domain.PhaseSource)
	for _, phase := range domain.AllPhases {
		src, ok := req.Phases[phase]
		if !ok || src.IsEmpty() {
			continue
		}
		frag, err := e.compile(req.ClassName, req.MethodName, phase, src)
		if err != nil {
			return nil, nil, validationError(string(phase), err)
		}
		fragments[phase] = frag
		phases[phase] = src
	}
	if len(fragments) == 0 {
		return nil, nil, validationError("", ErrNoPhase)
	}
	return fragments, phases, nil
}

func (e *Engine) compile(className, methodName string, phase domain.Phase, src domain.PhaseSource) (*script.Fragment, error) {
	code := src.Code
	if src.Codebase != "" {
		if e.loader == nil {
			return nil, fmt.Errorf("codebase %s: %w", src.Codebase, script.ErrCodebaseNotFound)
		}
		loaded, err := e.loader.Load(src.Codebase)
		if err != nil {
			return nil, fmt.Errorf("无法加载 codebase 文件: %s: %w", src.Codebase, err)
		}
		code = loaded
	}
	return script.Compile(fmt.Sprintf("%s.%s#%s", className, methodName, phase), code)
}

// RemoveHook 卸载并注销, id 不存在时返回 false
func (e *Engine) RemoveHook(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remove(id)
}

func (e *Engine) remove(id string) bool {
	spec, ok := e.registry.Delete(id)
	if !ok {
		return false
	}

	spec.active.Store(false)
	spec.mu.Lock()
	unhook := spec.unhook
	spec.unhook = nil
	spec.runtime = nil
	spec.mu.Unlock()
	if unhook != nil {
		unhook()
	}

	e.opts.Metrics.SetHooksActive(e.registry.Len())
	e.logger.WithField("hook_id", id).Info("Hook removed")
	e.notify(EventHookRemoved, spec, "", nil)
	return true
}

// ClearAll 移除全部 Hook, 返回移除数量
func (e *Engine) ClearAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, spec := range e.registry.List() {
		if e.remove(spec.ID) {
			n++
		}
	}
	return n
}

// Enable 启用
func (e *Engine) Enable(id string) bool {
	return e.setEnabled(id, true)
}

// Disable 禁用, 拦截保持织入但阶段代码不再执行
func (e *Engine) Disable(id string) bool {
	return e.setEnabled(id, false)
}

func (e *Engine) setEnabled(id string, enabled bool) bool {
	spec, ok := e.registry.Get(id)
	if !ok {
		return false
	}
	spec.enabled.Store(enabled)
	event := EventHookEnabled
	if !enabled {
		event = EventHookDisabled
	}
	e.notify(event, spec, "", nil)
	return true
}

// HookInfo 查询单个 Hook 的信息视图
func (e *Engine) HookInfo(id string) (domain.HookInfo, bool) {
	spec, ok := e.registry.Get(id)
	if !ok {
		return domain.HookInfo{}, false
	}
	return spec.Info(), true
}

// ListHooks 全部 Hook, 按 id 排序
func (e *Engine) ListHooks() []*HookSpec {
	return e.registry.List()
}

// Snapshot 全部 Hook 的信息视图
func (e *Engine) Snapshot() []domain.HookInfo {
	specs := e.registry.List()
	out := make([]domain.HookInfo, 0, len(specs))
	for _, spec := range specs {
		out = append(out, spec.Info())
	}
	return out
}

// Output 最近 n 行脚本输出
func (e *Engine) Output(id string, n int) ([]string, bool) {
	spec, ok := e.registry.Get(id)
	if !ok {
		return nil, false
	}
	return spec.output.last(n), true
}

// ReloadCodebase 重新编译引用了该 codebase 的阶段, 返回成功替换的数量
//
// 编译失败的阶段保留旧代码。
func (e *Engine) ReloadCodebase(name string) int {
	base := filepath.Base(name)
	reloaded := 0
	for _, spec := range e.registry.List() {
		for phase, src := range spec.Phases {
			if src.Codebase == "" || (src.Codebase != name && filepath.Base(src.Codebase) != base) {
				continue
			}
			frag, err := e.compile(spec.ClassName, spec.MethodName, phase, src)
			if err != nil {
				e.logger.WithError(err).WithFields(logrus.Fields{
					"hook_id":  spec.ID,
					"phase":    phase,
					"codebase": src.Codebase,
				}).Warn("⚠️ Codebase reload failed, keeping previous code")
				continue
			}
			spec.setFragment(phase, frag)
			reloaded++
			e.logger.WithFields(logrus.Fields{
				"hook_id":  spec.ID,
				"phase":    phase,
				"codebase": src.Codebase,
			}).Info("🔄 Codebase reloaded")
		}
	}
	return reloaded
}

func withHookID(err error, id string) error {
	var he *Error
	if errors.As(err, &he) && he.HookID == "" {
		return &Error{Kind: he.Kind, HookID: id, Phase: he.Phase, Err: he.Err}
	}
	return err
}
