package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apk-analysis/hookshell/internal/command"
	"github.com/apk-analysis/hookshell/internal/metrics"
	"github.com/apk-analysis/hookshell/internal/retry"
	"github.com/sirupsen/logrus"
)

// 事务接口描述符与事务码
const (
	Descriptor = "com.justnothing.testmodule.ShellService"

	InterfaceTransaction uint32 = 0x5f4e5446
	FirstCallTransaction uint32 = 1

	TransactionExecuteFile   = FirstCallTransaction + 1
	TransactionExecuteStream = FirstCallTransaction + 2
	TransactionWritePortFile = FirstCallTransaction + 3
	TransactionUpdatePort    = FirstCallTransaction + 4
	TransactionWriteHookData = FirstCallTransaction + 6
)

// UPDATE_PORT 回复码
const (
	UpdatePortOK            int32 = 0
	UpdatePortInvalid       int32 = -1
	UpdatePortInUse         int32 = -2
	UpdatePortNoOutput      int32 = -3
	UpdatePortRestartFailed int32 = -4
)

// Executor 命令执行接口
type Executor interface {
	Execute(ctx context.Context, text string, out command.Output)
}

// Restarter 能够切换监听端口的服务
type Restarter interface {
	RestartWithNewPort(ctx context.Context, port int) bool
}

// HookDataWriter 写入 Hook 配置与状态
type HookDataWriter interface {
	WriteHookData(ctx context.Context) error
}

// TransactionOptions 权限修复参数
type TransactionOptions struct {
	DataDir       string
	ChmodAttempts int
	ChmodInterval time.Duration
}

// TransactionHandler 按事务码分发请求
type TransactionHandler struct {
	exec      Executor
	ports     PortRegistry
	restarter Restarter
	hooks     HookDataWriter
	opts      TransactionOptions
	metrics   *metrics.Metrics
	logger    *logrus.Logger
}

// NewTransactionHandler 创建事务处理器
func NewTransactionHandler(exec Executor, ports PortRegistry, restarter Restarter, hooks HookDataWriter, opts TransactionOptions, m *metrics.Metrics, logger *logrus.Logger) *TransactionHandler {
	if opts.ChmodAttempts <= 0 {
		opts.ChmodAttempts = 3
	}
	if opts.ChmodInterval <= 0 {
		opts.ChmodInterval = 2 * time.Second
	}
	return &TransactionHandler{
		exec:      exec,
		ports:     ports,
		restarter: restarter,
		hooks:     hooks,
		opts:      opts,
		metrics:   m,
		logger:    logger,
	}
}

// Transact 处理一个事务, 未知事务码返回 false
//
// 除 INTERFACE_TRANSACTION 外都先校验接口描述符, 校验失败只记录警告并从头读取数据。
func (h *TransactionHandler) Transact(ctx context.Context, code uint32, data, reply *Parcel) bool {
	log := h.logger.WithField("code", fmt.Sprintf("0x%x", code))
	log.Debug("Transaction received")

	if code == InterfaceTransaction {
		reply.WriteString(Descriptor)
		h.metrics.RecordTransaction(code, 0)
		return true
	}

	if err := data.EnforceInterface(Descriptor); err != nil {
		log.WithError(err).Warn("Interface check failed, continuing")
		data.SetDataPosition(0)
	}

	var (
		handled bool
		result  int32
	)
	switch code {
	case TransactionExecuteFile:
		handled, result = h.executeFile(ctx, data, reply)
	case TransactionExecuteStream:
		handled = h.executeStream(ctx, data, reply)
	case TransactionWritePortFile:
		handled, result = h.writePortFile(ctx, reply)
	case TransactionUpdatePort:
		handled, result = h.updatePort(ctx, data, reply)
	case TransactionWriteHookData:
		handled, result = h.writeHookData(ctx, data, reply)
	default:
		log.Warn("Unknown transaction code")
		return false
	}
	h.metrics.RecordTransaction(code, int(result))
	return handled
}

func (h *TransactionHandler) executeFile(ctx context.Context, data, reply *Parcel) (bool, int32) {
	line, _, err := data.ReadString()
	if err != nil {
		reply.WriteException(err)
		return false, -1
	}

	code := int32(1)
	rest, ok := strings.CutPrefix(line, "FILE:")
	if in, out, found := strings.Cut(rest, ":"); ok && found {
		code = h.executeFileMode(ctx, in, out)
	} else {
		h.logger.WithField("command", line).Error("Invalid file mode command")
	}
	reply.WriteNoException()
	reply.WriteInt(code)
	return true, code
}

// executeFileMode 0 成功, 1 参数错误或命令为空, 2 读写文件失败
func (h *TransactionHandler) executeFileMode(ctx context.Context, in, out string) int32 {
	log := h.logger.WithFields(logrus.Fields{
		"input":  in,
		"output": out,
	})
	if in == "" || out == "" {
		log.Error("File mode arguments missing")
		return 1
	}

	raw, err := os.ReadFile(in)
	if err != nil {
		log.WithError(err).Error("Failed to read input file")
		return 2
	}
	line := strings.TrimSpace(string(raw))
	if line == "" {
		log.Error("Input file is empty")
		return 1
	}

	start := time.Now()
	result := h.run(ctx, line)
	log.WithFields(logrus.Fields{
		"duration_ms": time.Since(start).Milliseconds(),
		"length":      len(result),
	}).Info("File command executed")

	if err := os.MkdirAll(filepath.Dir(out), 0o777); err != nil {
		log.WithError(err).Error("Failed to create output dir")
		return 2
	}
	if err := os.WriteFile(out, []byte(result), 0o644); err != nil {
		log.WithError(err).Error("Failed to write output file")
		return 2
	}
	return 0
}

func (h *TransactionHandler) run(ctx context.Context, line string) (result string) {
	buf := command.NewBufferOutput()
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithField("panic", r).Error("Command panicked")
			result = fmt.Sprintf("命令执行时出现错误: \n%v", r)
		}
	}()
	h.exec.Execute(ctx, line, buf)
	return buf.String()
}

func (h *TransactionHandler) executeStream(ctx context.Context, data, reply *Parcel) bool {
	line, _, err := data.ReadString()
	if err != nil {
		reply.WriteException(err)
		return false
	}

	pr, pw := io.Pipe()
	go func() {
		out := command.NewWriterOutput(pw)
		defer func() {
			if r := recover(); r != nil {
				h.logger.WithField("panic", r).Error("Stream command panicked")
				out.Println(fmt.Sprint(r))
			}
			_ = pw.Close()
		}()
		h.exec.Execute(ctx, line, out)
		if err := out.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			h.logger.WithError(err).Debug("Stream writer failed")
		}
	}()

	reply.WriteNoException()
	reply.WriteStream(pr)
	return true
}

func (h *TransactionHandler) writePortFile(ctx context.Context, reply *Parcel) (bool, int32) {
	code := int32(1)
	if h.ports.Persist(ctx, 5) {
		code = 0
	}
	reply.WriteNoException()
	reply.WriteInt(code)
	return true, code
}

func (h *TransactionHandler) updatePort(ctx context.Context, data, reply *Parcel) (bool, int32) {
	port, err := data.ReadInt()
	if err != nil {
		reply.WriteException(err)
		return false, -1
	}
	path, _, err := data.ReadString()
	if err != nil {
		reply.WriteException(err)
		return false, -1
	}

	log := h.logger.WithField("port", port)
	log.Info("Update port requested")

	if path == "" {
		log.Error("Output file path is empty")
		reply.WriteNoException()
		reply.WriteInt(UpdatePortNoOutput)
		return true, UpdatePortNoOutput
	}

	code, lines := h.switchPort(ctx, int(port))
	if err := writeStatusFile(path, lines); err != nil {
		log.WithError(err).Warn("Failed to write update port status file")
	}
	reply.WriteNoException()
	reply.WriteInt(code)
	return true, code
}

func (h *TransactionHandler) switchPort(ctx context.Context, port int) (int32, []string) {
	current := h.ports.Current()
	if !h.ports.IsValidPort(port) {
		return UpdatePortInvalid, []string{fmt.Sprintf("端口号无效，必须在%d-%d范围内: %d", MinPort, MaxPort, port)}
	}
	if port != current && !h.ports.IsPortAvailable(port) {
		return UpdatePortInUse, []string{fmt.Sprintf("端口 %d 已被占用", port)}
	}

	h.logger.WithFields(logrus.Fields{
		"old_port": current,
		"new_port": port,
	}).Info("Switching port")
	if !h.restarter.RestartWithNewPort(ctx, port) {
		return UpdatePortRestartFailed, []string{
			"端口更新失败，服务器重启失败",
			fmt.Sprintf("当前端口仍为: %d", h.ports.Current()),
			"建议：请检查端口是否被其他程序占用",
		}
	}
	return UpdatePortOK, []string{
		fmt.Sprintf("端口更新成功，新端口: %d", h.ports.Current()),
		"端口文件已更新: " + h.ports.PortFile(),
		"服务器已重启，正在监听新端口",
	}
}

func writeStatusFile(path string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

func (h *TransactionHandler) writeHookData(ctx context.Context, data, reply *Parcel) (bool, int32) {
	fix, err := data.ReadInt()
	if err != nil {
		reply.WriteException(err)
		return false, -1
	}

	if fix == 1 {
		if err := h.fixPermissions(ctx); err != nil {
			h.logger.WithError(err).Warn("⚠️ Permission fix failed, writing hook data anyway")
		}
	}

	if err := h.hooks.WriteHookData(ctx); err != nil {
		h.logger.WithError(err).Error("Hook data write failed")
		reply.WriteNoException()
		reply.WriteInt(-1)
		reply.WriteString("Hook数据写入失败")
		return true, -1
	}
	reply.WriteNoException()
	reply.WriteInt(0)
	reply.WriteString("Hook数据写入成功")
	return true, 0
}

// fixPermissions 递归把数据目录设为 0777
func (h *TransactionHandler) fixPermissions(ctx context.Context) error {
	dir := h.opts.DataDir
	if dir == "" {
		return errors.New("data dir not configured")
	}

	cfg := retry.Fixed("chmod", h.opts.ChmodAttempts, h.opts.ChmodInterval, h.logger)
	cfg.OnRetry = func(attempt int, err error) {
		h.metrics.RecordRetryAttempt("chmod", attempt)
	}
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return retry.Permanent(err)
			}
			return os.Chmod(path, 0o777)
		})
	})
	if err != nil {
		return err
	}
	h.logger.WithField("dir", dir).Info("Data directory permissions fixed")
	return nil
}
