package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/apk-analysis/hookshell/internal/target"
	"github.com/mattn/go-shellwords"
	"github.com/sirupsen/logrus"
)

const (
	msgNoCommand = "没有指定命令 (可以用help来获取帮助)"
	errorBanner  = "==============================================="
)

// Context 一次命令执行的上下文
type Context struct {
	Ctx   context.Context
	Name  string
	Args  []string
	Space *target.Space
	Out   Output

	executor *Executor
}

// ReadLine 向客户端请求一行输入
func (c *Context) ReadLine(prompt string) (string, error) {
	return c.Out.ReadLine(c.Ctx, prompt)
}

// ReadPassword 向客户端请求不回显的输入
func (c *Context) ReadPassword(prompt string) (string, error) {
	return c.Out.ReadPassword(c.Ctx, prompt)
}

// Command 一条可执行命令
type Command struct {
	Name    string
	Summary string
	Help    string
	// Run 返回的文本会输出给客户端, 返回 error 时输出错误横幅
	Run func(c *Context) (string, error)
}

// Executor 命令执行器
type Executor struct {
	mu           sync.RWMutex
	commands     map[string]*Command
	spaces       map[string]*target.Space
	defaultSpace *target.Space
	logger       *logrus.Logger
}

// NewExecutor 创建执行器, defaultSpace 是未指定 -cl 时使用的加载空间
func NewExecutor(defaultSpace *target.Space, logger *logrus.Logger) *Executor {
	e := &Executor{
		commands:     make(map[string]*Command),
		spaces:       make(map[string]*target.Space),
		defaultSpace: defaultSpace,
		logger:       logger,
	}
	if defaultSpace != nil {
		e.spaces[defaultSpace.Name()] = defaultSpace
	}
	return e
}

// Register 注册命令, 同名命令后注册的覆盖先注册的
func (e *Executor) Register(cmds ...*Command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cmd := range cmds {
		e.commands[cmd.Name] = cmd
	}
}

// RegisterSpace 注册可通过 -cl 选择的加载空间
func (e *Executor) RegisterSpace(space *target.Space) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spaces[space.Name()] = space
}

// Space 按名称查找加载空间, 空名称和 default 返回默认空间
func (e *Executor) Space(name string) (*target.Space, bool) {
	if name == "" || name == "default" {
		return e.defaultSpace, e.defaultSpace != nil
	}
	if e.defaultSpace != nil && e.defaultSpace.Name() == name {
		return e.defaultSpace, true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.spaces[name]
	return s, ok
}

// Command 按名称查找命令
func (e *Executor) Command(name string) (*Command, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cmd, ok := e.commands[name]
	return cmd, ok
}

// Commands 全部命令, 按名称排序
func (e *Executor) Commands() []*Command {
	e.mu.RLock()
	out := make([]*Command, 0, len(e.commands))
	for _, cmd := range e.commands {
		out = append(out, cmd)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HelpText 命令总览
func (e *Executor) HelpText() string {
	var sb strings.Builder
	sb.WriteString("可用命令:\n")
	for _, cmd := range e.Commands() {
		fmt.Fprintf(&sb, "  %-18s %s\n", cmd.Name, cmd.Summary)
	}
	sb.WriteString("\n输入 help <命令名> 查看详细帮助")
	return sb.String()
}

// Execute 解析并执行一条命令, 结果写入 out
func (e *Executor) Execute(ctx context.Context, text string, out Output) {
	text = strings.TrimSpace(text)
	if text == "" {
		out.Println(msgNoCommand)
		return
	}

	e.logger.WithField("command", text).Info("Executing command")

	args, err := Tokenize(text)
	if err != nil {
		out.Println("命令解析失败: " + err.Error())
		return
	}

	space, args := e.parseOptions(args)
	if len(args) == 0 {
		out.Println(msgNoCommand)
		return
	}

	cmd, ok := e.Command(args[0])
	if !ok {
		out.Println(fmt.Sprintf("未知的命令: %s, 输入help获取帮助", args[0]))
		return
	}

	c := &Context{
		Ctx:      ctx,
		Name:     args[0],
		Args:     args[1:],
		Space:    space,
		Out:      out,
		executor: e,
	}

	result, err := e.run(cmd, c)
	if err != nil {
		e.logger.WithError(err).WithField("command", cmd.Name).Warn("Command failed")
		out.Println("\n" + errorBanner)
		out.Println("执行命令时出现错误!")
		out.Println("错误信息:")
		out.Println(err.Error())
		out.Println(errorBanner)
		return
	}
	if result != "" {
		out.Println(result)
	}
}

func (e *Executor) run(cmd *Command, c *Context) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = ""
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cmd.Run(c)
}

// parseOptions 处理命令前的选项, 目前只有 -cl/-classloader <space>
func (e *Executor) parseOptions(args []string) (*target.Space, []string) {
	space := e.defaultSpace
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		opt := args[0]
		switch opt {
		case "-cl", "-classloader":
			if len(args) < 2 {
				e.logger.Warn("Class-loading option given without a name")
				return space, nil
			}
			if s, ok := e.Space(args[1]); ok {
				space = s
			} else {
				e.logger.WithField("space", args[1]).Warn("Unknown class-loading context, using default")
			}
			args = args[2:]
		default:
			e.logger.WithField("option", opt).Warn("Ignoring invalid option")
			args = args[1:]
		}
	}
	return space, args
}

// ErrUnterminatedQuote 引号未闭合或括号不匹配
var ErrUnterminatedQuote = errors.New("unterminated quote")

// Tokenize 按 shell 规则切分命令行, 引号去掉, 引号内的空白保留
//
// 单引号内按原样保留, 双引号内支持反斜杠转义。不加引号的 ; & | < > 按普通字符处理。
func Tokenize(line string) ([]string, error) {
	var tokens []string
	rest := []rune(line)
	glued := false

	for {
		p := shellwords.NewParser()
		args, err := p.Parse(string(rest))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnterminatedQuote, err)
		}
		// 操作符之后紧跟的参数接到上一个参数末尾
		if glued && len(args) > 0 && len(rest) > 0 && !unicode.IsSpace(rest[0]) {
			tokens[len(tokens)-1] += args[0]
			args = args[1:]
		}
		tokens = append(tokens, args...)

		if p.Position < 0 || p.Position >= len(rest) {
			break
		}
		op := string(rest[p.Position])
		if len(tokens) > 0 && p.Position > 0 && !unicode.IsSpace(rest[p.Position-1]) {
			tokens[len(tokens)-1] += op
		} else {
			tokens = append(tokens, op)
		}
		rest = rest[p.Position+1:]
		glued = true
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	return tokens, nil
}
