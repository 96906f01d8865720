package script

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

var (
	// ErrBindingExpired 内置函数在所属调用结束后被调用
	ErrBindingExpired = errors.New("binding expired")
	// ErrTimeout 脚本执行超时
	ErrTimeout = errors.New("script execution timeout")
)

// Fragment 编译后的代码片段
type Fragment struct {
	Name    string
	Source  string
	program *goja.Program
}

// Compile 编译代码片段, 编译错误原样返回
func Compile(name, source string) (*Fragment, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("%s: empty source", name)
	}
	prog, err := goja.Compile(name, source, false)
	if err != nil {
		return nil, err
	}
	return &Fragment{Name: name, Source: source, program: prog}, nil
}

// CallSurface 当前被拦截调用的数据面
type CallSurface interface {
	Args() []any
	SetArg(i int, v any) error
	This() any
	MethodName() string
	ReturnValue() any
	SetReturnValue(v any)
	Throwable() error
	SetThrowable(err error)
}

// Binding 单次执行的绑定集
type Binding struct {
	Phase     string
	HookID    string
	CallCount int64
	Space     string
	Info      map[string]any
	Call      CallSurface
	Print     func(line string)
}

type liveBinding struct {
	b       *Binding
	expired atomic.Bool
}

// Runtime 脚本运行时, 变量在多次 Run 之间保留
//
// 同一 Runtime 的 Run 调用串行执行。
type Runtime struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	timeout time.Duration
}

// NewRuntime 创建运行时, timeout 为 0 表示不限制执行时间
func NewRuntime(timeout time.Duration) *Runtime {
	return &Runtime{vm: goja.New(), timeout: timeout}
}

// Run 执行代码片段, 返回全局变量 result 的值 (未定义时为 nil)
func (r *Runtime) Run(f *Fragment, b *Binding) (result any, err error) {
	if f == nil || f.program == nil {
		return nil, errors.New("nil fragment")
	}
	if b == nil {
		b = &Binding{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	live := &liveBinding{b: b}
	defer live.expired.Store(true)

	r.install(live)
	if err := r.vm.Set("result", goja.Undefined()); err != nil {
		return nil, err
	}

	if r.timeout > 0 {
		timer := time.AfterFunc(r.timeout, func() {
			r.vm.Interrupt(ErrTimeout)
		})
		defer func() {
			timer.Stop()
			r.vm.ClearInterrupt()
		}()
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("script panic: %v", rec)
		}
	}()

	if _, err := r.vm.RunProgram(f.program); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("%s: %w", f.Name, ErrTimeout)
		}
		return nil, err
	}

	return export(r.vm.Get("result")), nil
}

// Get 读取全局变量
func (r *Runtime) Get(name string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return export(r.vm.Get(name))
}

func export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// install 安装内置函数, 每个函数只在本次调用内有效
func (r *Runtime) install(l *liveBinding) {
	vm := r.vm

	set := func(name string, fn func(call goja.FunctionCall) goja.Value) {
		_ = vm.Set(name, func(call goja.FunctionCall) goja.Value {
			if l.expired.Load() {
				panic(vm.NewGoError(fmt.Errorf("%s: %w", name, ErrBindingExpired)))
			}
			return fn(call)
		})
	}
	b := l.b

	set("getPhase", func(goja.FunctionCall) goja.Value { return vm.ToValue(b.Phase) })
	set("getHookId", func(goja.FunctionCall) goja.Value { return vm.ToValue(b.HookID) })
	set("getCallCount", func(goja.FunctionCall) goja.Value { return vm.ToValue(b.CallCount) })
	set("getLoadPackageParam", func(goja.FunctionCall) goja.Value { return vm.ToValue(b.Space) })
	set("getHookInfo", func(goja.FunctionCall) goja.Value { return vm.ToValue(copyMap(b.Info)) })

	set("getArgs", func(goja.FunctionCall) goja.Value {
		if b.Call == nil {
			return vm.ToValue([]any{})
		}
		return vm.ToValue(copyArgs(b.Call.Args()))
	})
	set("getArg", func(call goja.FunctionCall) goja.Value {
		if b.Call == nil {
			return goja.Undefined()
		}
		i := int(call.Argument(0).ToInteger())
		args := b.Call.Args()
		if i < 0 || i >= len(args) {
			panic(vm.NewGoError(fmt.Errorf("getArg: index %d out of range [0,%d)", i, len(args))))
		}
		return vm.ToValue(args[i])
	})
	set("setArg", func(call goja.FunctionCall) goja.Value {
		if b.Call == nil {
			return goja.Undefined()
		}
		i := int(call.Argument(0).ToInteger())
		if err := b.Call.SetArg(i, export(call.Argument(1))); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	set("getThisObject", func(goja.FunctionCall) goja.Value {
		if b.Call == nil {
			return goja.Null()
		}
		return vm.ToValue(b.Call.This())
	})
	set("getMethodHookParam", func(goja.FunctionCall) goja.Value {
		param := map[string]any{"args": []any{}, "thisObject": nil, "method": ""}
		if b.Call != nil {
			param["args"] = copyArgs(b.Call.Args())
			param["thisObject"] = b.Call.This()
			param["method"] = b.Call.MethodName()
		}
		return vm.ToValue(param)
	})

	set("getReturnValue", func(goja.FunctionCall) goja.Value {
		if b.Call == nil {
			return goja.Undefined()
		}
		return vm.ToValue(b.Call.ReturnValue())
	})
	set("setReturnValue", func(call goja.FunctionCall) goja.Value {
		if b.Call != nil {
			b.Call.SetReturnValue(export(call.Argument(0)))
		}
		return goja.Undefined()
	})
	set("getThrowable", func(goja.FunctionCall) goja.Value {
		if b.Call == nil || b.Call.Throwable() == nil {
			return goja.Null()
		}
		return vm.ToValue(b.Call.Throwable().Error())
	})
	set("setThrowable", func(call goja.FunctionCall) goja.Value {
		if b.Call != nil {
			b.Call.SetThrowable(toError(call.Argument(0)))
		}
		return goja.Undefined()
	})

	set("println", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		if b.Print != nil {
			b.Print(strings.Join(parts, " "))
		}
		return goja.Undefined()
	})
}

// toError 把脚本抛出的对象转换为 error
func toError(v goja.Value) error {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return errors.New("null throwable")
	}
	if err, ok := v.Export().(error); ok {
		return err
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return errors.New(msg.String())
		}
	}
	return errors.New(v.String())
}

func copyArgs(args []any) []any {
	out := make([]any, len(args))
	copy(out, args)
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
