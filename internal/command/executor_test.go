package command

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/apk-analysis/hookshell/internal/lifecycle"
	"github.com/apk-analysis/hookshell/internal/target"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	e := NewExecutor(target.NewSystemSpace(), newTestLogger())
	RegisterBuiltins(e, lifecycle.NewReadyTracker())
	return e
}

func run(e *Executor, line string) string {
	out := NewBufferOutput()
	e.Execute(context.Background(), line, out)
	return out.String()
}

// TestTokenize 测试命令行切分
func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"echo hi", []string{"echo", "hi"}},
		{"  echo   a\tb  ", []string{"echo", "a", "b"}},
		{`hook add A m before code 'println("x y");'`, []string{"hook", "add", "A", "m", "before", "code", `println("x y");`}},
		{`echo "a \"quoted\" word"`, []string{"echo", `a "quoted" word`}},
		{`echo ''`, []string{"echo", ""}},
		{`echo a"b c"d`, []string{"echo", "ab cd"}},
		{`echo a\ b`, []string{"echo", "a b"}},
		{"echo a;b", []string{"echo", "a;b"}},
		{"echo a | b", []string{"echo", "a", "|", "b"}},
		{"echo 中文;x", []string{"echo", "中文;x"}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Tokenize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Tokenize(`echo "oops`)
	assert.ErrorIs(t, err, ErrUnterminatedQuote)
}

// TestExecutor_EmptyAndUnknown 测试空命令和未知命令
func TestExecutor_EmptyAndUnknown(t *testing.T) {
	e := newTestExecutor(t)

	assert.Equal(t, "没有指定命令 (可以用help来获取帮助)\n", run(e, "   "))
	assert.Equal(t, "未知的命令: nope, 输入help获取帮助\n", run(e, "nope 1 2"))
	assert.Equal(t, "没有指定命令 (可以用help来获取帮助)\n", run(e, "-cl system"))
}

// TestExecutor_Echo 测试 echo
func TestExecutor_Echo(t *testing.T) {
	e := newTestExecutor(t)
	assert.Equal(t, "hi\n", run(e, "echo hi"))
	assert.Equal(t, "a b\n", run(e, `echo "a b"`))
}

// TestExecutor_ClassLoaderOption 测试 -cl 选择加载空间
func TestExecutor_ClassLoaderOption(t *testing.T) {
	e := newTestExecutor(t)
	app := target.NewSpace("com.example.app", nil)
	require.NoError(t, app.Define(target.NewClass("com.example.Only")))
	e.RegisterSpace(app)

	var seen string
	e.Register(&Command{Name: "where", Run: func(c *Context) (string, error) {
		seen = c.Space.Name()
		return "", nil
	}})

	run(e, "-cl com.example.app where")
	assert.Equal(t, "com.example.app", seen)

	run(e, "-classloader missing where")
	assert.Equal(t, target.SystemSpaceName, seen)

	run(e, "-x where")
	assert.Equal(t, target.SystemSpaceName, seen)

	out := run(e, "-cl com.example.app classes Only")
	assert.Contains(t, out, "[com.example.app] com.example.Only")
	assert.Contains(t, out, "总计: 1 个类")
}

// TestExecutor_ErrorBanner 测试命令出错时输出错误横幅
func TestExecutor_ErrorBanner(t *testing.T) {
	e := newTestExecutor(t)
	e.Register(
		&Command{Name: "fail", Run: func(*Context) (string, error) { return "", errors.New("kaboom") }},
		&Command{Name: "panic", Run: func(*Context) (string, error) { panic("bad state") }},
	)

	out := run(e, "fail")
	assert.Contains(t, out, "执行命令时出现错误!")
	assert.Contains(t, out, "kaboom")

	out = run(e, "panic")
	assert.Contains(t, out, "执行命令时出现错误!")
	assert.Contains(t, out, "bad state")
}

// TestExecutor_Help 测试 help
func TestExecutor_Help(t *testing.T) {
	e := newTestExecutor(t)

	out := run(e, "help")
	for _, name := range []string{"help", "echo", "boot", "classes", "invoke", "interactive_test"} {
		assert.Contains(t, out, name)
	}

	assert.Contains(t, run(e, "help echo"), "语法: echo")
	assert.Contains(t, run(e, "help nope"), "未知的命令: nope")
}

// TestExecutor_Invoke 测试 invoke 调用系统方法
func TestExecutor_Invoke(t *testing.T) {
	e := newTestExecutor(t)

	assert.Equal(t, "返回值: 7\n", run(e, "invoke java.lang.Math max 3 7"))
	assert.Contains(t, run(e, "invoke java.lang.Nope max 1 2"), "类不存在")
	assert.Contains(t, run(e, "invoke java.lang.Math max 1"), "方法不存在")
	assert.Contains(t, run(e, "invoke java.lang.Math max a b"), "参数 0 转换失败")
	assert.Contains(t, run(e, "invoke java.lang.String isEmpty"), "执行命令时出现错误!")
}

// TestExecutor_Boot 测试 boot
func TestExecutor_Boot(t *testing.T) {
	e := newTestExecutor(t)
	out := run(e, "boot")
	assert.Contains(t, out, "zygote_init_completed: true")
	assert.Contains(t, out, "is_zygote_phase: false")
}

// scriptedOutput 按预设答案响应输入请求的交互输出端
type scriptedOutput struct {
	BufferOutput
	answers []string
	prompts []string
}

func (o *scriptedOutput) next(prompt string) (string, error) {
	o.prompts = append(o.prompts, prompt)
	if len(o.answers) == 0 {
		return "", errors.New("no more input")
	}
	a := o.answers[0]
	o.answers = o.answers[1:]
	return a, nil
}

func (o *scriptedOutput) ReadLine(_ context.Context, prompt string) (string, error) {
	return o.next(prompt)
}

func (o *scriptedOutput) ReadPassword(_ context.Context, prompt string) (string, error) {
	return o.next(prompt)
}

func (o *scriptedOutput) Interactive() bool { return true }

// TestExecutor_InteractiveTest 测试交互式示例命令
func TestExecutor_InteractiveTest(t *testing.T) {
	e := newTestExecutor(t)

	out := &scriptedOutput{answers: []string{"小明", "18", "秘密123"}}
	e.Execute(context.Background(), "interactive_test", out)

	text := out.String()
	assert.Contains(t, text, "=== 交互式示例 ===")
	assert.Contains(t, text, "你好, 小明!")
	assert.Contains(t, text, "你的年龄是: 18 岁")
	assert.Contains(t, text, "密码长度: 5 个字符")
	assert.True(t, strings.HasSuffix(text, "交互命令执行完成\n"))
	assert.Equal(t, []string{"请输入你的名字: ", "请输入你的年龄: ", "请输入密码: "}, out.prompts)

	out = &scriptedOutput{answers: []string{"x", "abc", "p"}}
	e.Execute(context.Background(), "interactive_test", out)
	assert.Contains(t, out.String(), "无效的年龄输入")

	// 非交互输出端
	assert.Contains(t, run(e, "interactive_test"), "当前连接不支持交互式输入")
}
