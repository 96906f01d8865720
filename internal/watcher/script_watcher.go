// Package watcher 脚本目录监控, codebase 文件变化后重新编译引用它的 Hook
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apk-analysis/hookshell/internal/lifecycle"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Reloader 按 codebase 文件名重新编译
type Reloader interface {
	ReloadCodebase(name string) int
}

// ScriptWatcher 脚本目录监控器
type ScriptWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	pattern  string // 文件匹配模式 (如 "*.js"), "*" 表示全部
	reloader Reloader
	tracker  *lifecycle.Tracker
	logger   *logrus.Logger
	debounce time.Duration

	mu       sync.Mutex
	timers   map[string]*time.Timer
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewScriptWatcher 创建监控器, 目录不存在时创建
func NewScriptWatcher(dir, pattern string, reloader Reloader, tracker *lifecycle.Tracker, logger *logrus.Logger) (*ScriptWatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scripts directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}
	if pattern == "" {
		pattern = "*"
	}

	logger.WithFields(logrus.Fields{
		"dir":     dir,
		"pattern": pattern,
	}).Info("Script watcher created")

	return &ScriptWatcher{
		watcher:  w,
		dir:      dir,
		pattern:  pattern,
		reloader: reloader,
		tracker:  tracker,
		logger:   logger,
		debounce: 300 * time.Millisecond,
		timers:   make(map[string]*time.Timer),
		stopChan: make(chan struct{}),
	}, nil
}

// SetDebounce 设置防抖时间
func (sw *ScriptWatcher) SetDebounce(d time.Duration) {
	sw.debounce = d
}

// Start 启动事件循环, 早期阶段返回 false
func (sw *ScriptWatcher) Start(ctx context.Context) bool {
	if sw.tracker.IsEarlyPhase() {
		sw.logger.Debug("Skipping script watcher start during early init")
		return false
	}
	go sw.eventLoop(ctx)
	sw.logger.Info("Script watcher started")
	return true
}

func (sw *ScriptWatcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.stopChan:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(event.Name)
			if !sw.matchPattern(name) {
				continue
			}
			sw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  name,
			}).Debug("Script event detected")
			sw.schedule(name)

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 同一文件在防抖时间内多次变化只重新编译一次
func (sw *ScriptWatcher) schedule(name string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if t, ok := sw.timers[name]; ok {
		t.Stop()
	}
	sw.timers[name] = time.AfterFunc(sw.debounce, func() {
		sw.mu.Lock()
		delete(sw.timers, name)
		sw.mu.Unlock()

		n := sw.reloader.ReloadCodebase(name)
		sw.logger.WithFields(logrus.Fields{
			"file":     name,
			"reloaded": n,
		}).Info("Script changed")
	})
}

func (sw *ScriptWatcher) matchPattern(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	if sw.pattern == "*" {
		return true
	}
	if ext, ok := strings.CutPrefix(sw.pattern, "*"); ok {
		return strings.HasSuffix(strings.ToLower(name), strings.ToLower(ext))
	}
	return name == sw.pattern
}

// Stop 停止监控并取消尚未触发的重新编译
func (sw *ScriptWatcher) Stop() error {
	var err error
	sw.stopOnce.Do(func() {
		close(sw.stopChan)
		sw.mu.Lock()
		for name, t := range sw.timers {
			t.Stop()
			delete(sw.timers, name)
		}
		sw.mu.Unlock()
		err = sw.watcher.Close()
		sw.logger.Info("Script watcher stopped")
	})
	return err
}

// Dir 监控目录
func (sw *ScriptWatcher) Dir() string {
	return sw.dir
}
