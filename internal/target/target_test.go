package target

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCallback struct {
	name   string
	log    *[]string
	before func(call *Call)
}

func (r *recordingCallback) Before(call *Call) {
	*r.log = append(*r.log, r.name+".before")
	if r.before != nil {
		r.before(call)
	}
}

func (r *recordingCallback) After(call *Call) {
	*r.log = append(*r.log, r.name+".after")
}

// TestSpace_LookupDelegatesToParent 测试父空间委托
func TestSpace_LookupDelegatesToParent(t *testing.T) {
	sys := NewSystemSpace()
	app := NewSpace("com.example.app", sys)
	require.NoError(t, app.Define(NewClass("com.example.Foo")))

	_, ok := app.Lookup("java.lang.String")
	assert.True(t, ok)
	_, ok = app.Lookup("com.example.Foo")
	assert.True(t, ok)
	_, ok = sys.Lookup("com.example.Foo")
	assert.False(t, ok)

	assert.Error(t, app.Define(NewClass("com.example.Foo")), "duplicate define")
}

// TestMethod_InvokeWithoutHooks 测试无拦截调用
func TestMethod_InvokeWithoutHooks(t *testing.T) {
	sys := NewSystemSpace()

	v, err := sys.Invoke("java.lang.Math", "max", nil, int64(3), int64(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	v, err = sys.Invoke("java.lang.String", "concat", "foo", "bar")
	require.NoError(t, err)
	assert.Equal(t, "foobar", v)

	_, err = sys.Invoke("java.lang.Nope", "x", nil)
	assert.Error(t, err)
}

// TestMethod_HookOrder 测试回调顺序: Before 正序, After 逆序
func TestMethod_HookOrder(t *testing.T) {
	var log []string
	m := NewClass("demo.A").AddMethod("run", nil, func(any, []any) (any, error) {
		log = append(log, "original")
		return "ok", nil
	}).Methods[0]

	m.Hook(&recordingCallback{name: "h1", log: &log})
	unhook := m.Hook(&recordingCallback{name: "h2", log: &log})

	v, err := m.Invoke(nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, []string{"h1.before", "h2.before", "original", "h2.after", "h1.after"}, log)

	unhook()
	assert.Equal(t, 1, m.HookCount())
}

// TestMethod_ReturnEarlySkipsOriginal 测试 Before 设置结果后跳过原方法
func TestMethod_ReturnEarlySkipsOriginal(t *testing.T) {
	var log []string
	m := NewClass("demo.B").AddMethod("run", nil, func(any, []any) (any, error) {
		log = append(log, "original")
		return "orig", nil
	}).Methods[0]

	m.Hook(&recordingCallback{name: "h1", log: &log, before: func(c *Call) { c.SetResult("replaced") }})
	m.Hook(&recordingCallback{name: "h2", log: &log})

	v, err := m.Invoke(nil)
	require.NoError(t, err)
	assert.Equal(t, "replaced", v)
	assert.Equal(t, []string{"h1.before", "h1.after"}, log)

	boom := errors.New("boom")
	m2 := NewClass("demo.C").AddMethod("run", nil, func(any, []any) (any, error) { return 1, nil }).Methods[0]
	m2.Hook(&recordingCallback{name: "x", log: &log, before: func(c *Call) { c.SetErr(boom) }})
	_, err = m2.Invoke(nil)
	assert.ErrorIs(t, err, boom)
}

// TestMethodHooker_RejectsBodyless 测试无方法体的方法不能被安装
func TestMethodHooker_RejectsBodyless(t *testing.T) {
	sys := NewSystemSpace()
	c, ok := sys.Lookup("java.lang.String")
	require.True(t, ok)

	m := c.FindMethod("isEmpty", nil)
	require.NotNil(t, m)

	_, err := MethodHooker{}.Install(m, &recordingCallback{log: new([]string)})
	assert.ErrorIs(t, err, ErrNoBody)
}

// TestConvertArg 测试命令行参数转换
func TestConvertArg(t *testing.T) {
	v, err := ConvertArg("int", "42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = ConvertArg("boolean", "true")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = ConvertArg("java.lang.String", "null")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = ConvertArg("int", "x")
	assert.Error(t, err)
}
