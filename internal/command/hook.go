package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/apk-analysis/hookshell/internal/domain"
	"github.com/apk-analysis/hookshell/internal/hook"
)

const defaultOutputCount = 10

// HookCommand hook 子命令集
type HookCommand struct {
	engine     *hook.Engine
	scriptsDir string
	// onChange 在 Hook 集合变化后调用, 用于持久化快照
	onChange func()
}

// NewHookCommand 创建 hook 命令
func NewHookCommand(engine *hook.Engine, scriptsDir string, onChange func()) *Command {
	h := &HookCommand{engine: engine, scriptsDir: scriptsDir, onChange: onChange}
	return &Command{
		Name:    "hook",
		Summary: "动态 Hook 注入器",
		Help:    h.helpText(),
		Run:     h.run,
	}
}

func (h *HookCommand) helpText() string {
	return fmt.Sprintf(`语法: hook <subcmd> [args...]

动态Hook注入器，通过脚本灵活地实现 Hook 功能.

子命令:
    add <class_name> <method_name> [sig <signature>]
            [before (code <code> | codebase <file>)]
            [after (code <code> | codebase <file>)]
            [replace (code <code> | codebase <file>)]
                                - 添加Hook，每个阶段可以单独指定code或codebase
    remove <id>                 - 移除指定 Hook
    list                        - 列出所有 Hook
    info <id>                   - 显示 Hook 详细信息
    output <id> [count]         - 获取 Hook 输出
    enable <id>                 - 启用Hook
    disable <id>                - 禁用Hook
    clear                       - 清除所有Hook

示例:
    hook add com.example.Calc add before code 'println("add called");'
    hook add com.example.Calc add sig "int,int" replace code 'result = 999;'
    hook add com.example.Calc add after codebase calc_after.js
    hook list
    hook remove hook_1

提示:
    - 每个阶段只能指定一次，不能重复
    - codebase 可以是脚本名称 (在 %s 下查找) 或完整文件路径
    - 内置函数: getMethodHookParam() getArgs() getArg(i) setArg(i, v) getThisObject()
               getReturnValue() setReturnValue(v) getThrowable() setThrowable(e)
               getPhase() getHookId() getCallCount() getHookInfo() getLoadPackageParam() println(...)`, h.scriptsDir)
}

func (h *HookCommand) run(c *Context) (string, error) {
	if len(c.Args) < 1 {
		return h.helpText(), nil
	}

	sub := c.Args[0]
	switch sub {
	case "add":
		return h.add(c), nil
	case "remove":
		return h.withID(c.Args, "remove", func(id string) string {
			if !h.engine.RemoveHook(id) {
				return "Hook 不存在: " + id
			}
			h.changed()
			return "Hook 移除成功: " + id
		}), nil
	case "list":
		return h.list(), nil
	case "info":
		return h.withID(c.Args, "info", func(id string) string {
			info, ok := h.engine.HookInfo(id)
			if !ok {
				return "Hook 不存在: " + id
			}
			return info.DisplayInfo()
		}), nil
	case "output":
		return h.output(c.Args), nil
	case "enable":
		return h.withID(c.Args, "enable", func(id string) string {
			if !h.engine.Enable(id) {
				return "Hook 不存在: " + id
			}
			h.changed()
			return "Hook 已启用: " + id
		}), nil
	case "disable":
		return h.withID(c.Args, "disable", func(id string) string {
			if !h.engine.Disable(id) {
				return "Hook 不存在: " + id
			}
			h.changed()
			return "Hook 已禁用: " + id
		}), nil
	case "clear":
		n := h.engine.ClearAll()
		h.changed()
		return fmt.Sprintf("已清除 %d 个 Hook", n), nil
	default:
		return "未知子命令: " + sub + "\n" + h.helpText(), nil
	}
}

func (h *HookCommand) changed() {
	if h.onChange != nil {
		h.onChange()
	}
}

func (h *HookCommand) withID(args []string, sub string, fn func(id string) string) string {
	if len(args) < 2 {
		return fmt.Sprintf("错误: 需要指定 Hook ID\n用法: hook %s <id>", sub)
	}
	return fn(args[1])
}

// ParseAddArgs 解析 hook add 的参数 (不含 "add" 本身)
//
// 返回的字符串非空时表示用户输入错误。
func ParseAddArgs(args []string) (className, methodName, signature string, phases map[domain.Phase]domain.PhaseSource, problem string) {
	if len(args) < 2 {
		return "", "", "", nil, "错误: 需要指定类名和方法名\n用法: hook add <类名> <方法名> [sig <签名>] [before code <代码>|before codebase <文件>] [after code <代码>|after codebase <文件>] [replace code <代码>|replace codebase <文件>]"
	}

	className, methodName = args[0], args[1]
	phases = make(map[domain.Phase]domain.PhaseSource)

	for i := 2; i < len(args); {
		arg := args[i]
		if arg == "sig" && i+1 < len(args) {
			signature = args[i+1]
			i += 2
			continue
		}

		phase, ok := domain.ParsePhase(arg)
		if !ok || arg != string(phase) || i+2 >= len(args) {
			return "", "", "", nil, "错误: 无效参数 '" + arg + "'"
		}
		if _, dup := phases[phase]; dup {
			return "", "", "", nil, fmt.Sprintf("错误: %s 阶段已经指定过，不能重复指定", phase)
		}

		switch kind, value := args[i+1], args[i+2]; kind {
		case "code":
			phases[phase] = domain.PhaseSource{Code: value}
		case "codebase":
			phases[phase] = domain.PhaseSource{Codebase: value}
		default:
			return "", "", "", nil, fmt.Sprintf("错误: %s 参数必须为 'code' 或 'codebase'", phase)
		}
		i += 3
	}

	if len(phases) == 0 {
		return "", "", "", nil, "错误: 需要指定至少一个 Hook 阶段（before/after/replace）"
	}
	return className, methodName, signature, phases, ""
}

func (h *HookCommand) add(c *Context) string {
	className, methodName, signature, phases, problem := ParseAddArgs(c.Args[1:])
	if problem != "" {
		if strings.HasPrefix(problem, "错误: 无效参数") {
			return problem + "\n" + h.helpText()
		}
		return problem
	}

	spec, err := h.engine.AddHook(c.Ctx, hook.AddRequest{
		Space:      c.Space,
		ClassName:  className,
		MethodName: methodName,
		Signature:  signature,
		Phases:     phases,
	})
	if err != nil {
		if errors.Is(err, hook.ErrValidation) {
			return "Hook 代码验证失败: " + err.Error()
		}
		return "Hook 添加失败: " + err.Error()
	}

	h.changed()
	return "Hook 添加成功\nID: " + spec.ID + "\n" + spec.DisplayInfo()
}

func (h *HookCommand) list() string {
	specs := h.engine.ListHooks()
	if len(specs) == 0 {
		return "没有活动的 Hook"
	}

	var sb strings.Builder
	sb.WriteString("===== Hook 列表 =====\n\n")
	for _, spec := range specs {
		sb.WriteString(spec.DisplayInfo())
		sb.WriteString("\n------------------------\n\n")
	}
	fmt.Fprintf(&sb, "总计: %d 个 Hook", len(specs))
	return sb.String()
}

func (h *HookCommand) output(args []string) string {
	if len(args) < 2 {
		return "错误: 需要指定 Hook ID\n用法: hook output <id> [count]"
	}
	id := args[1]
	count := defaultOutputCount
	if len(args) >= 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return "错误: count 必须是数字"
		}
		count = n
	}

	lines, ok := h.engine.Output(id, count)
	if !ok {
		return "Hook 不存在: " + id
	}
	info, _ := h.engine.HookInfo(id)
	if len(lines) == 0 {
		return fmt.Sprintf("Hook %s 暂无输出 (调用次数: %d)", id, info.CallCount)
	}
	return fmt.Sprintf("===== Hook %s 输出 (最近 %d 行, 调用次数: %d) =====\n%s", id, len(lines), info.CallCount, strings.Join(lines, "\n"))
}
