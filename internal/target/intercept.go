package target

import (
	"errors"
	"fmt"
)

// Callback 方法拦截回调
//
// Before 在原方法之前执行, 调用 Call.SetResult / Call.SetErr 会跳过原方法;
// After 在原方法 (或被跳过) 之后按安装的逆序执行。
type Callback interface {
	Before(call *Call)
	After(call *Call)
}

// Unhook 卸载一次安装
type Unhook func()

// Call 一次被拦截调用的现场
type Call struct {
	Method *Method
	This   any
	Args   []any

	result      any
	err         error
	returnEarly bool
	state       map[any]any
}

// Result 当前返回值
func (c *Call) Result() any { return c.result }

// Err 当前异常
func (c *Call) Err() error { return c.err }

// SetResult 设置返回值并清除异常, 在 Before 中调用会跳过原方法
func (c *Call) SetResult(v any) {
	c.result = v
	c.err = nil
	c.returnEarly = true
}

// SetErr 设置异常, 在 Before 中调用会跳过原方法
func (c *Call) SetErr(err error) {
	c.err = err
	c.returnEarly = true
}

// ReturnEarly 原方法是否会被 (或已被) 跳过
func (c *Call) ReturnEarly() bool { return c.returnEarly }

// SetState 保存回调在本次调用内的私有状态
func (c *Call) SetState(key, value any) {
	if c.state == nil {
		c.state = make(map[any]any)
	}
	c.state[key] = value
}

// State 读取回调私有状态
func (c *Call) State(key any) any {
	if c.state == nil {
		return nil
	}
	return c.state[key]
}

type hookEntry struct {
	id int
	cb Callback
}

// Hook 在方法上安装回调
func (m *Method) Hook(cb Callback) Unhook {
	m.mu.Lock()
	m.seq++
	id := m.seq
	hooks := make([]*hookEntry, 0, len(m.hooks)+1)
	hooks = append(hooks, m.hooks...)
	m.hooks = append(hooks, &hookEntry{id: id, cb: cb})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		kept := make([]*hookEntry, 0, len(m.hooks))
		for _, h := range m.hooks {
			if h.id != id {
				kept = append(kept, h)
			}
		}
		m.hooks = kept
	}
}

// HookCount 当前安装的回调数量
func (m *Method) HookCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hooks)
}

// Invoke 调用方法, 依次经过已安装的回调, 回调在调用方协程上同步执行
func (m *Method) Invoke(this any, args ...any) (any, error) {
	m.mu.RLock()
	hooks := m.hooks
	m.mu.RUnlock()

	if len(hooks) == 0 {
		return m.call(this, args)
	}

	call := &Call{Method: m, This: this, Args: args}
	ran := 0
	for _, h := range hooks {
		h.cb.Before(call)
		ran++
		if call.returnEarly {
			break
		}
	}

	if !call.returnEarly {
		call.result, call.err = m.call(this, call.Args)
	}

	for i := ran - 1; i >= 0; i-- {
		hooks[i].cb.After(call)
	}

	return call.result, call.err
}

func (m *Method) call(this any, args []any) (any, error) {
	if m.impl == nil {
		return nil, fmt.Errorf("method %s has no body", m)
	}
	return m.impl(this, args)
}

// ErrNoBody 方法没有可拦截的方法体
var ErrNoBody = errors.New("method has no body")

// MethodHooker 基于进程内方法表的拦截实现
type MethodHooker struct{}

// Install 在方法上安装回调
func (MethodHooker) Install(m *Method, cb Callback) (Unhook, error) {
	if m == nil {
		return nil, errors.New("nil method")
	}
	if !m.HasBody() {
		return nil, fmt.Errorf("cannot hook %s: %w", m, ErrNoBody)
	}
	return m.Hook(cb), nil
}
