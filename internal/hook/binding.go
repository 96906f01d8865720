package hook

import (
	"fmt"

	"github.com/apk-analysis/hookshell/internal/target"
)

// binding 单次调用的数据面
//
// 脚本对参数、返回值和异常的修改先暂存, 只有脚本正常结束才提交到调用现场,
// 出错的脚本不会留下部分修改。
type binding struct {
	call *target.Call

	args      []any
	argsDirty bool

	result    any
	resultSet bool
	thrown    error
	thrownSet bool
}

func newBinding(call *target.Call) *binding {
	args := make([]any, len(call.Args))
	copy(args, call.Args)
	return &binding{call: call, args: args}
}

func (b *binding) Args() []any { return b.args }

func (b *binding) SetArg(i int, v any) error {
	if i < 0 || i >= len(b.args) {
		return fmt.Errorf("setArg: index %d out of range [0,%d)", i, len(b.args))
	}
	b.args[i] = v
	b.argsDirty = true
	return nil
}

func (b *binding) This() any { return b.call.This }

func (b *binding) MethodName() string { return b.call.Method.Name }

func (b *binding) ReturnValue() any {
	if b.resultSet {
		return b.result
	}
	return b.call.Result()
}

func (b *binding) SetReturnValue(v any) {
	b.result = v
	b.resultSet = true
	b.thrown = nil
	b.thrownSet = false
}

func (b *binding) Throwable() error {
	if b.thrownSet {
		return b.thrown
	}
	return b.call.Err()
}

func (b *binding) SetThrowable(err error) {
	b.thrown = err
	b.thrownSet = true
}

// commit 把暂存修改写回调用现场
func (b *binding) commit() {
	if b.argsDirty {
		copy(b.call.Args, b.args)
	}
	switch {
	case b.thrownSet:
		b.call.SetErr(b.thrown)
	case b.resultSet:
		b.call.SetResult(b.result)
	}
}
