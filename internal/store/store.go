// Package store 数据目录下的 JSON 状态文档
//
// 每个文档一个文件, 读带短 TTL 缓存 (文件 mtime 更新时失效),
// 写为读取-合并-原子替换。早期启动阶段所有读写都被跳过。
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/apk-analysis/hookshell/internal/lifecycle"
	"github.com/apk-analysis/hookshell/internal/metrics"
	"github.com/sirupsen/logrus"
)

// 已知文档
const (
	DocModuleStatus     = "module_status"
	DocPerformance      = "performance"
	DocClientHookConfig = "client_hook_config"
	DocServerHookConfig = "server_hook_config"
	DocHookConfig       = "hook_config"
)

// LogFileName 模块日志文件名
const LogFileName = "module_log.txt"

var fileNames = map[string]string{
	DocModuleStatus:     "module_status.json",
	DocPerformance:      "performance_data.json",
	DocClientHookConfig: "client_hook_config.json",
	DocServerHookConfig: "server_hook_config.json",
	DocHookConfig:       "hook_config.json",
}

var validName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ErrInvalidDocument 文档名不合法
var ErrInvalidDocument = errors.New("invalid document name")

// Options 存储参数
type Options struct {
	CacheTTL    time.Duration // 默认 5s
	LogCooldown time.Duration // 相同错误日志的最小间隔, 默认 30s
	Tracker     *lifecycle.Tracker
	Metrics     *metrics.Metrics
}

// Store 文档存储
type Store struct {
	dir      string
	opts     Options
	logger   *logrus.Logger
	cooldown *Cooldown

	mu   sync.Mutex
	docs map[string]*document

	now func() time.Time
}

type document struct {
	mu       sync.RWMutex
	cache    map[string]any
	cachedAt time.Time
}

// New 创建存储, 目录在第一次写入时创建
func New(dir string, opts Options, logger *logrus.Logger) *Store {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Second
	}
	if opts.LogCooldown <= 0 {
		opts.LogCooldown = 30 * time.Second
	}
	s := &Store{
		dir:    dir,
		opts:   opts,
		logger: logger,
		docs:   make(map[string]*document),
		now:    time.Now,
	}
	s.cooldown = NewCooldown(opts.LogCooldown, func() time.Time { return s.now() })
	return s
}

// Dir 数据目录
func (s *Store) Dir() string {
	return s.dir
}

// Tracker 用于守卫的生命周期追踪器
func (s *Store) Tracker() *lifecycle.Tracker {
	return s.opts.Tracker
}

// Path 文档对应的文件路径
func (s *Store) Path(name string) string {
	if f, ok := fileNames[name]; ok {
		return filepath.Join(s.dir, f)
	}
	return filepath.Join(s.dir, name+".json")
}

func (s *Store) doc(name string) (*document, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDocument, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[name]
	if !ok {
		d = &document{}
		s.docs[name] = d
	}
	return d, nil
}

// Read 读取文档, 返回副本
//
// 文件不存在时返回空文档; 文件损坏时返回最近一次成功读取的内容。
func (s *Store) Read(name string) (map[string]any, error) {
	d, err := s.doc(name)
	if err != nil {
		return nil, err
	}
	if s.opts.Tracker.IsEarlyPhase() {
		return map[string]any{}, nil
	}

	path := s.Path(name)
	d.mu.RLock()
	if s.cacheValid(d, path) {
		out := maps.Clone(d.cache)
		d.mu.RUnlock()
		return out, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if s.cacheValid(d, path) {
		return maps.Clone(d.cache), nil
	}

	loaded, err := readFile(path)
	if err != nil {
		s.warn(name, "read", err)
		if d.cache != nil {
			return maps.Clone(d.cache), nil
		}
		return map[string]any{}, err
	}
	d.cache = loaded
	d.cachedAt = s.now()
	return maps.Clone(loaded), nil
}

// Write 合并写入: 已有的键保留, patch 中的键覆盖
func (s *Store) Write(name string, patch map[string]any) error {
	return s.write(name, patch, true)
}

// Replace 整体替换文档内容
func (s *Store) Replace(name string, doc map[string]any) error {
	return s.write(name, doc, false)
}

func (s *Store) write(name string, patch map[string]any, merge bool) error {
	d, err := s.doc(name)
	if err != nil {
		return err
	}

	outcome, err := s.opts.Tracker.Guard(func() error {
		d.mu.Lock()
		defer d.mu.Unlock()

		path := s.Path(name)
		merged := make(map[string]any, len(patch))
		if merge {
			existing, err := readFile(path)
			if err != nil {
				// 文件损坏时以最近一次成功的内容为基础
				s.warn(name, "parse", err)
				existing = d.cache
			}
			maps.Copy(merged, existing)
		}
		maps.Copy(merged, patch)

		// 写入失败保留原缓存
		if err := s.atomicWrite(path, merged); err != nil {
			s.warn(name, "write", err)
			return err
		}
		d.cache = merged
		d.cachedAt = s.now()
		return nil
	})
	if outcome == lifecycle.Skipped {
		s.logger.WithField("document", name).Debug("Skipping document write during early init")
	}
	return err
}

func (s *Store) cacheValid(d *document, path string) bool {
	if d.cache == nil {
		return false
	}
	if s.now().Sub(d.cachedAt) >= s.opts.CacheTTL {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return !info.ModTime().After(d.cachedAt)
}

func (s *Store) atomicWrite(path string, doc map[string]any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename document: %w", err)
	}
	return nil
}

func (s *Store) warn(name, op string, err error) {
	s.opts.Metrics.RecordStoreError(name, op)
	// 错误文本含临时文件名, 按文档和操作去重
	if !s.cooldown.Allow(name + " " + op) {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"document": name,
		"op":       op,
	}).WithError(err).Warn("Document store error")
}

// readFile 文件不存在或为空时返回空文档
func readFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]any{}, nil
		}
		return map[string]any{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	doc := map[string]any{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return map[string]any{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return doc, nil
}
