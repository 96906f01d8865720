package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/apk-analysis/hookshell/internal/lifecycle"
	"github.com/sirupsen/logrus"
)

// FileLogHook 把日志追加到数据目录下的 module_log.txt
type FileLogHook struct {
	path      string
	tracker   *lifecycle.Tracker
	formatter logrus.Formatter

	mu   sync.Mutex
	file *os.File
}

// NewFileLogHook 文件在第一条日志写入时打开
func NewFileLogHook(dir string, tracker *lifecycle.Tracker) *FileLogHook {
	return &FileLogHook{
		path:    filepath.Join(dir, LogFileName),
		tracker: tracker,
		formatter: &logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		},
	}
}

// Path 日志文件路径
func (h *FileLogHook) Path() string {
	return h.path
}

func (h *FileLogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 早期启动阶段丢弃日志
func (h *FileLogHook) Fire(entry *logrus.Entry) error {
	if h.tracker.IsEarlyPhase() {
		return nil
	}
	line, err := h.formatter.Format(entry)
	if err != nil {
		return fmt.Errorf("format log entry: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open module log: %w", err)
		}
		h.file = f
	}
	_, err = h.file.Write(line)
	return err
}

// Close 关闭日志文件
func (h *FileLogHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}
