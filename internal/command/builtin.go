package command

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/apk-analysis/hookshell/internal/lifecycle"
	"github.com/apk-analysis/hookshell/internal/target"
)

// RegisterBuiltins 注册内置命令
func RegisterBuiltins(e *Executor, tracker *lifecycle.Tracker) {
	e.Register(
		helpCommand(),
		echoCommand(),
		bootCommand(tracker),
		classesCommand(),
		invokeCommand(),
		interactiveCommand(),
	)
}

func helpCommand() *Command {
	return &Command{
		Name:    "help",
		Summary: "获取帮助",
		Help: `语法: help [cmd_name]

获取帮助.

示例:
    help               - 显示所有命令的帮助
    help hook          - 显示hook命令的详细帮助`,
		Run: func(c *Context) (string, error) {
			if len(c.Args) == 0 {
				return c.executor.HelpText(), nil
			}
			if cmd, ok := c.executor.Command(c.Args[0]); ok {
				if cmd.Help != "" {
					return cmd.Help, nil
				}
				return cmd.Summary, nil
			}
			var sb strings.Builder
			sb.WriteString("未知的命令: " + c.Args[0] + "\n\n可用命令:\n")
			for _, cmd := range c.executor.Commands() {
				sb.WriteString("  " + cmd.Name + "\n")
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	}
}

func echoCommand() *Command {
	return &Command{
		Name:    "echo",
		Summary: "原样输出参数",
		Help:    "语法: echo [text...]",
		Run: func(c *Context) (string, error) {
			return strings.Join(c.Args, " "), nil
		},
	}
}

func bootCommand(tracker *lifecycle.Tracker) *Command {
	return &Command{
		Name:    "boot",
		Summary: "显示启动阶段状态",
		Help:    "语法: boot\n\n显示早期启动、Hook 安装和包加载的状态。",
		Run: func(c *Context) (string, error) {
			if tracker == nil {
				return "启动状态不可用", nil
			}
			status := tracker.Status()
			keys := make([]string, 0, len(status))
			for k := range status {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			var sb strings.Builder
			sb.WriteString("===== 启动状态 =====\n")
			for _, k := range keys {
				fmt.Fprintf(&sb, "%s: %v\n", k, status[k])
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	}
}

func classesCommand() *Command {
	return &Command{
		Name:    "classes",
		Summary: "列出加载空间中的类",
		Help:    "语法: classes [filter]\n\n列出当前加载空间 (含父空间) 中定义的类, filter 按子串过滤。",
		Run: func(c *Context) (string, error) {
			if c.Space == nil {
				return "没有可用的加载空间", nil
			}
			filter := ""
			if len(c.Args) > 0 {
				filter = c.Args[0]
			}

			var sb strings.Builder
			count := 0
			for s := c.Space; s != nil; s = s.Parent() {
				for _, class := range s.Classes() {
					if filter != "" && !strings.Contains(class.Name, filter) {
						continue
					}
					fmt.Fprintf(&sb, "[%s] %s (%d 个方法, %d 个构造函数)\n", s.Name(), class.Name, len(class.Methods), len(class.Constructors))
					count++
				}
			}
			fmt.Fprintf(&sb, "总计: %d 个类", count)
			return sb.String(), nil
		},
	}
}

func invokeCommand() *Command {
	return &Command{
		Name:    "invoke",
		Summary: "调用方法 (会经过已安装的 Hook)",
		Help:    "语法: invoke <class_name> <method_name> [args...]\n\n按参数个数选择重载, 参数按形参类型转换。",
		Run: func(c *Context) (string, error) {
			if len(c.Args) < 2 {
				return "错误: 需要指定类名和方法名\n用法: invoke <类名> <方法名> [参数...]", nil
			}
			if c.Space == nil {
				return "没有可用的加载空间", nil
			}
			className, methodName, raw := c.Args[0], c.Args[1], c.Args[2:]

			class, ok := c.Space.Lookup(className)
			if !ok {
				return "类不存在: " + className, nil
			}

			var method *target.Method
			for _, m := range class.MethodsNamed(methodName) {
				if len(m.ParamTypes) == len(raw) {
					method = m
					break
				}
			}
			if method == nil {
				return fmt.Sprintf("方法不存在: %s.%s (%d 个参数)", className, methodName, len(raw)), nil
			}

			args := make([]any, len(raw))
			for i, v := range raw {
				converted, err := target.ConvertArg(method.ParamTypes[i], v)
				if err != nil {
					return fmt.Sprintf("参数 %d 转换失败: %v", i, err), nil
				}
				args[i] = converted
			}

			result, err := method.Invoke(nil, args...)
			if err != nil {
				return "", fmt.Errorf("%s: %w", method, err)
			}
			return fmt.Sprintf("返回值: %v", result), nil
		},
	}
}

func interactiveCommand() *Command {
	return &Command{
		Name:    "interactive_test",
		Summary: "交互式输入示例",
		Help:    "语法: interactive_test\n\n交互式测试命令，演示如何使用交互式输入。",
		Run: func(c *Context) (string, error) {
			if !c.Out.Interactive() {
				return "", errors.New("当前连接不支持交互式输入")
			}

			c.Out.Println("=== 交互式示例 ===")

			name, err := c.ReadLine("请输入你的名字: ")
			if err != nil {
				return "", err
			}
			c.Out.Println("你好, " + name + "!")

			ageStr, err := c.ReadLine("请输入你的年龄: ")
			if err != nil {
				return "", err
			}
			if age, err := strconv.Atoi(strings.TrimSpace(ageStr)); err == nil {
				c.Out.Println(fmt.Sprintf("你的年龄是: %d 岁", age))
			} else {
				c.Out.Println("无效的年龄输入")
			}

			password, err := c.ReadPassword("请输入密码: ")
			if err != nil {
				return "", err
			}
			c.Out.Println(fmt.Sprintf("密码长度: %d 个字符", len([]rune(password))))

			c.Out.Println("=== 交互完成 ===")
			return "交互命令执行完成", nil
		},
	}
}
