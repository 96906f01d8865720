package hook

import (
	"fmt"
	"time"

	"github.com/apk-analysis/hookshell/internal/domain"
	"github.com/apk-analysis/hookshell/internal/script"
	"github.com/apk-analysis/hookshell/internal/target"
	"github.com/sirupsen/logrus"
)

// plainCallback before/after 织入
type plainCallback struct {
	e    *Engine
	spec *HookSpec
}

func (c *plainCallback) Before(call *target.Call) {
	if c.spec.Has(domain.PhaseBefore) {
		c.e.runPhase(c.spec, domain.PhaseBefore, call)
	}
}

func (c *plainCallback) After(call *target.Call) {
	if c.spec.Has(domain.PhaseAfter) {
		c.e.runPhase(c.spec, domain.PhaseAfter, call)
	}
}

type replaceState int

const (
	afterPending replaceState = iota + 1
	afterDone
)

// replaceCallback replace 织入
//
// 顺序固定为 before → replace → after。replace 成功时原方法被跳过, after 紧接着执行;
// replace 失败时原方法照常执行, after 在原方法之后执行。
type replaceCallback struct {
	e    *Engine
	spec *HookSpec
}

func (c *replaceCallback) Before(call *target.Call) {
	if c.spec.Has(domain.PhaseBefore) {
		c.e.runPhase(c.spec, domain.PhaseBefore, call)
	}

	// before 已经给出结果
	if call.ReturnEarly() {
		c.finish(call)
		return
	}

	if !c.e.runPhase(c.spec, domain.PhaseReplace, call) || !call.ReturnEarly() {
		call.SetState(c, afterPending)
		return
	}
	c.finish(call)
}

func (c *replaceCallback) finish(call *target.Call) {
	if c.spec.Has(domain.PhaseAfter) {
		c.e.runPhase(c.spec, domain.PhaseAfter, call)
	}
	call.SetState(c, afterDone)
}

func (c *replaceCallback) After(call *target.Call) {
	if st, _ := call.State(c).(replaceState); st == afterDone {
		return
	}
	if c.spec.Has(domain.PhaseAfter) {
		c.e.runPhase(c.spec, domain.PhaseAfter, call)
	}
}

// runPhase 执行一个阶段, 成功返回 true
//
// 已禁用或未织入的 Hook 不执行也不计数。脚本出错时记录日志, 调用现场保持不变。
func (e *Engine) runPhase(spec *HookSpec, phase domain.Phase, call *target.Call) bool {
	if !spec.Live() {
		return false
	}
	frag := spec.fragment(phase)
	spec.mu.RLock()
	rt := spec.runtime
	spec.mu.RUnlock()
	if frag == nil || rt == nil {
		return false
	}

	count := spec.callCount.Add(1)
	b := newBinding(call)
	start := time.Now()
	res, err := e.execute(spec, phase, rt, frag, b, count)
	e.opts.Metrics.RecordHookDispatch(string(phase), time.Since(start), err != nil)
	if err != nil {
		e.dispatchFailed(spec, phase, call, err)
		return false
	}

	b.commit()
	if phase == domain.PhaseReplace && !b.resultSet && !b.thrownSet {
		call.SetResult(res)
	}
	return true
}

func (e *Engine) execute(spec *HookSpec, phase domain.Phase, rt *script.Runtime, frag *script.Fragment, b *binding, count int64) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	spaceName := ""
	if spec.Space != nil {
		spaceName = spec.Space.Name()
	}
	return rt.Run(frag, &script.Binding{
		Phase:     string(phase),
		HookID:    spec.ID,
		CallCount: count,
		Space:     spaceName,
		Info:      spec.bindingInfo(),
		Call:      b,
		Print: func(line string) {
			spec.output.add(line)
			e.logger.WithField("hook_id", spec.ID).Debug(line)
		},
	})
}

func (e *Engine) dispatchFailed(spec *HookSpec, phase domain.Phase, call *target.Call, err error) {
	derr := &Error{Kind: KindDispatch, HookID: spec.ID, Phase: string(phase), Err: err}
	e.logger.WithError(err).WithFields(logrus.Fields{
		"hook_id": spec.ID,
		"phase":   phase,
		"method":  call.Method.String(),
	}).Error("Hook code execution failed")
	spec.output.add(fmt.Sprintf("[%s] %v", phase, err))
	e.notify(EventHookDispatchError, spec, string(phase), derr)
}

// bindingInfo 脚本中 getHookInfo() 返回的内容
func (s *HookSpec) bindingInfo() map[string]any {
	spaceName := ""
	if s.Space != nil {
		spaceName = s.Space.Name()
	}
	return map[string]any{
		"id":          s.ID,
		"class_name":  s.ClassName,
		"method_name": s.MethodName,
		"signature":   s.Signature,
		"space":       spaceName,
		"call_count":  s.CallCount(),
		"enabled":     s.Enabled(),
		"active":      s.Active(),
		"has_before":  s.Has(domain.PhaseBefore),
		"has_after":   s.Has(domain.PhaseAfter),
		"has_replace": s.Has(domain.PhaseReplace),
	}
}
