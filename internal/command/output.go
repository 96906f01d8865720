package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrNotInteractive 输出端不支持交互输入
var ErrNotInteractive = errors.New("output is not interactive")

// Output 命令输出端
type Output interface {
	Println(line string)
	Print(text string)
	Printf(format string, args ...any)
	Error(text string)
	ReadLine(ctx context.Context, prompt string) (string, error)
	ReadPassword(ctx context.Context, prompt string) (string, error)
	Interactive() bool
}

// BufferOutput 收集全部输出的非交互输出端
type BufferOutput struct {
	mu sync.Mutex
	sb strings.Builder
}

// NewBufferOutput 创建缓冲输出端
func NewBufferOutput() *BufferOutput {
	return &BufferOutput{}
}

func (o *BufferOutput) Println(line string) { o.Print(line + "\n") }

func (o *BufferOutput) Print(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sb.WriteString(text)
}

func (o *BufferOutput) Printf(format string, args ...any) { o.Print(fmt.Sprintf(format, args...)) }

func (o *BufferOutput) Error(text string) { o.Print(text) }

func (o *BufferOutput) ReadLine(context.Context, string) (string, error) {
	return "", ErrNotInteractive
}

func (o *BufferOutput) ReadPassword(context.Context, string) (string, error) {
	return "", ErrNotInteractive
}

func (o *BufferOutput) Interactive() bool { return false }

// String 已收集的输出
func (o *BufferOutput) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sb.String()
}

// WriterOutput 把输出原样写入 io.Writer 的非交互输出端
//
// 第一次写失败后后续输出全部丢弃。
type WriterOutput struct {
	mu  sync.Mutex
	w   io.Writer
	err error
}

// NewWriterOutput 创建流式输出端
func NewWriterOutput(w io.Writer) *WriterOutput {
	return &WriterOutput{w: w}
}

func (o *WriterOutput) Println(line string) { o.Print(line + "\n") }

func (o *WriterOutput) Print(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil || text == "" {
		return
	}
	_, o.err = io.WriteString(o.w, text)
}

func (o *WriterOutput) Printf(format string, args ...any) { o.Print(fmt.Sprintf(format, args...)) }

func (o *WriterOutput) Error(text string) { o.Print(text) }

func (o *WriterOutput) ReadLine(context.Context, string) (string, error) {
	return "", ErrNotInteractive
}

func (o *WriterOutput) ReadPassword(context.Context, string) (string, error) {
	return "", ErrNotInteractive
}

func (o *WriterOutput) Interactive() bool { return false }

// Err 第一次写失败的错误
func (o *WriterOutput) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}
