package script

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCall 测试用调用现场
type fakeCall struct {
	args   []any
	this   any
	ret    any
	thrown error
}

func (f *fakeCall) Args() []any { return f.args }
func (f *fakeCall) SetArg(i int, v any) error {
	if i < 0 || i >= len(f.args) {
		return errors.New("out of range")
	}
	f.args[i] = v
	return nil
}
func (f *fakeCall) This() any { return f.this }
func (f *fakeCall) MethodName() string { return "max" }
func (f *fakeCall) ReturnValue() any { return f.ret }
func (f *fakeCall) SetReturnValue(v any) { f.ret = v }
func (f *fakeCall) Throwable() error { return f.thrown }
func (f *fakeCall) SetThrowable(e error) { f.thrown = e }

// TestCompile_SyntaxError 测试编译错误原样返回
func TestCompile_SyntaxError(t *testing.T) {
	_, err := Compile("bad.js", "result = (1 + ;")
	require.Error(t, err)
	assert.NotEmpty(t, err.Error())

	_, err = Compile("empty.js", "   ")
	assert.Error(t, err)

	f, err := Compile("ok.js", "result = 1 + 2")
	require.NoError(t, err)
	assert.Equal(t, "ok.js", f.Name)
}

// TestRuntime_ResultVariable 测试返回 result 变量
func TestRuntime_ResultVariable(t *testing.T) {
	rt := NewRuntime(time.Second)

	f, err := Compile("sum.js", "result = getArg(0) + getArg(1)")
	require.NoError(t, err)

	v, err := rt.Run(f, &Binding{Call: &fakeCall{args: []any{int64(2), int64(5)}}})
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	f2, err := Compile("none.js", "var x = 1")
	require.NoError(t, err)
	v, err = rt.Run(f2, &Binding{})
	require.NoError(t, err)
	assert.Nil(t, v, "result resets between runs")
}

// TestRuntime_Builtins 测试内置函数
func TestRuntime_Builtins(t *testing.T) {
	rt := NewRuntime(time.Second)
	call := &fakeCall{args: []any{int64(1), "a"}, this: "self", ret: int64(9)}
	var printed []string

	src := `
		if (getPhase() !== "after") throw new Error("bad phase");
		if (getHookId() !== "hook_1") throw new Error("bad id");
		if (getCallCount() !== 3) throw new Error("bad count");
		if (getLoadPackageParam() !== "system") throw new Error("bad space");
		if (getHookInfo().class_name !== "java.lang.Math") throw new Error("bad info");
		var p = getMethodHookParam();
		if (p.method !== "max" || p.thisObject !== "self") throw new Error("bad param");
		setArg(1, "b");
		setReturnValue(getReturnValue() * 2);
		println("args", getArgs().length);
	`
	f, err := Compile("builtins.js", src)
	require.NoError(t, err)

	_, err = rt.Run(f, &Binding{
		Phase:     "after",
		HookID:    "hook_1",
		CallCount: 3,
		Space:     "system",
		Info:      map[string]any{"class_name": "java.lang.Math"},
		Call:      call,
		Print:     func(line string) { printed = append(printed, line) },
	})
	require.NoError(t, err)

	assert.Equal(t, "b", call.args[1])
	assert.Equal(t, int64(18), call.ret)
	assert.Equal(t, []string{"args 2"}, printed)
}

// TestRuntime_SetThrowable 测试设置异常
func TestRuntime_SetThrowable(t *testing.T) {
	rt := NewRuntime(time.Second)
	call := &fakeCall{}

	f, err := Compile("throw.js", `setThrowable(new Error("denied"))`)
	require.NoError(t, err)
	_, err = rt.Run(f, &Binding{Call: call})
	require.NoError(t, err)
	require.Error(t, call.thrown)
	assert.Equal(t, "denied", call.thrown.Error())
}

// TestRuntime_RuntimeError 测试运行时错误返回给调用方
func TestRuntime_RuntimeError(t *testing.T) {
	rt := NewRuntime(time.Second)
	f, err := Compile("err.js", `undefinedFunction()`)
	require.NoError(t, err)

	_, err = rt.Run(f, &Binding{})
	assert.Error(t, err)
}

// TestRuntime_StateSurvivesRuns 测试变量在多次执行之间保留
func TestRuntime_StateSurvivesRuns(t *testing.T) {
	rt := NewRuntime(time.Second)
	f, err := Compile("counter.js", `counter = (typeof counter === "undefined") ? 1 : counter + 1; result = counter`)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		v, err := rt.Run(f, &Binding{})
		require.NoError(t, err)
		assert.Equal(t, int64(i), v)
	}
	assert.Equal(t, int64(3), rt.Get("counter"))
}

// TestRuntime_BindingExpires 测试内置函数不能逃逸出所属调用
func TestRuntime_BindingExpires(t *testing.T) {
	rt := NewRuntime(time.Second)

	save, err := Compile("save.js", `saved = getHookId`)
	require.NoError(t, err)
	_, err = rt.Run(save, &Binding{HookID: "hook_1"})
	require.NoError(t, err)

	use, err := Compile("use.js", `result = saved()`)
	require.NoError(t, err)
	_, err = rt.Run(use, &Binding{HookID: "hook_2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binding expired")
}

// TestRuntime_Timeout 测试执行超时
func TestRuntime_Timeout(t *testing.T) {
	rt := NewRuntime(50 * time.Millisecond)
	f, err := Compile("loop.js", `for (;;) {}`)
	require.NoError(t, err)

	_, err = rt.Run(f, &Binding{})
	assert.ErrorIs(t, err, ErrTimeout)

	// 超时后运行时仍可使用
	ok, err := Compile("ok.js", `result = "fine"`)
	require.NoError(t, err)
	v, err := rt.Run(ok, &Binding{})
	require.NoError(t, err)
	assert.Equal(t, "fine", v)
}

// TestFileLoader_Resolve 测试 codebase 解析规则
func TestFileLoader_Resolve(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "monitor.js"), []byte("result = 1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(other, "outside.js"), []byte("result = 2"), 0644))

	loader := NewFileLoader(dir)

	src, err := loader.Load("monitor.js")
	require.NoError(t, err)
	assert.Equal(t, "result = 1", src)

	// 含路径时优先按文件名在脚本目录查找
	src, err = loader.Load("/some/where/monitor.js")
	require.NoError(t, err)
	assert.Equal(t, "result = 1", src)

	// 找不到再按完整路径
	src, err = loader.Load(filepath.Join(other, "outside.js"))
	require.NoError(t, err)
	assert.Equal(t, "result = 2", src)

	_, err = loader.Load("missing.js")
	assert.ErrorIs(t, err, ErrCodebaseNotFound)

	// 不含分隔符时不在当前目录查找
	_, err = loader.Load("outside.js")
	assert.ErrorIs(t, err, ErrCodebaseNotFound)
}
