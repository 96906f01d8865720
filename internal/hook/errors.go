package hook

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind string

const (
	KindValidation Kind = "validation" // Hook 代码编译失败
	KindResolution Kind = "resolution" // 目标类/方法不存在或不支持
	KindWiring     Kind = "wiring"     // 拦截安装失败
	KindDispatch   Kind = "dispatch"   // Hook 代码运行时出错
)

var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrResolution = &Error{Kind: KindResolution}
	ErrWiring     = &Error{Kind: KindWiring}
	ErrDispatch   = &Error{Kind: KindDispatch}

	// ErrNoPhase 未指定任何阶段
	ErrNoPhase = errors.New("hook requires at least one phase")
)

// Error Hook 引擎错误
type Error struct {
	Kind   Kind
	HookID string
	Phase  string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.HookID != "" {
		msg += " [" + e.HookID
		if e.Phase != "" {
			msg += "/" + e.Phase
		}
		msg += "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 按 Kind 匹配, 使 errors.Is(err, ErrValidation) 成立
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.HookID == "" || t.HookID == e.HookID)
}

func validationError(phase string, err error) error {
	return &Error{Kind: KindValidation, Phase: phase, Err: err}
}

func resolutionError(format string, args ...any) error {
	return &Error{Kind: KindResolution, Err: fmt.Errorf(format, args...)}
}

func wiringError(id string, err error) error {
	return &Error{Kind: KindWiring, HookID: id, Err: err}
}
