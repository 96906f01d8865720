package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apk-analysis/hookshell/internal/lifecycle"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), Options{CacheTTL: time.Minute, Tracker: lifecycle.NewReadyTracker()}, newTestLogger())
}

// TestStore_WriteMerges 测试写入合并已有键
func TestStore_WriteMerges(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write(DocModuleStatus, map[string]any{"hooks": float64(1), "state": "running"}))
	require.NoError(t, s.Write(DocModuleStatus, map[string]any{"hooks": float64(2)}))

	doc, err := s.Read(DocModuleStatus)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"hooks": float64(2), "state": "running"}, doc)

	data, err := os.ReadFile(filepath.Join(s.Dir(), "module_status.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state": "running"`)
}

// TestStore_Replace 测试整体替换
func TestStore_Replace(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write(DocHookConfig, map[string]any{"a": "1", "b": "2"}))
	require.NoError(t, s.Replace(DocHookConfig, map[string]any{"b": "3"}))

	doc, err := s.Read(DocHookConfig)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"b": "3"}, doc)
}

// TestStore_ReadMissing 测试读取不存在的文档
func TestStore_ReadMissing(t *testing.T) {
	s := newTestStore(t)

	doc, err := s.Read(DocPerformance)
	require.NoError(t, err)
	assert.Empty(t, doc)
	assert.Equal(t, filepath.Join(s.Dir(), "performance_data.json"), s.Path(DocPerformance))
}

// TestStore_ReadReturnsCopy 测试修改返回值不影响缓存
func TestStore_ReadReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(DocModuleStatus, map[string]any{"k": "v"}))

	doc, err := s.Read(DocModuleStatus)
	require.NoError(t, err)
	doc["k"] = "changed"

	again, err := s.Read(DocModuleStatus)
	require.NoError(t, err)
	assert.Equal(t, "v", again["k"])
}

// TestStore_CacheInvalidation 测试 TTL 缓存与 mtime 失效
func TestStore_CacheInvalidation(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Write(DocModuleStatus, map[string]any{"v": "1"}))
	path := s.Path(DocModuleStatus)

	// 外部修改但 mtime 早于缓存时间: 仍然命中缓存
	require.NoError(t, os.WriteFile(path, []byte(`{"v":"2"}`), 0o644))
	require.NoError(t, os.Chtimes(path, now.Add(-time.Hour), now.Add(-time.Hour)))
	doc, err := s.Read(DocModuleStatus)
	require.NoError(t, err)
	assert.Equal(t, "1", doc["v"])

	// mtime 更新: 缓存失效
	require.NoError(t, os.Chtimes(path, now.Add(time.Second), now.Add(time.Second)))
	doc, err = s.Read(DocModuleStatus)
	require.NoError(t, err)
	assert.Equal(t, "2", doc["v"])

	// TTL 到期: 重新读取
	require.NoError(t, os.WriteFile(path, []byte(`{"v":"3"}`), 0o644))
	require.NoError(t, os.Chtimes(path, now.Add(-time.Hour), now.Add(-time.Hour)))
	now = now.Add(2 * time.Minute)
	doc, err = s.Read(DocModuleStatus)
	require.NoError(t, err)
	assert.Equal(t, "3", doc["v"])
}

// TestStore_CorruptFileServesLastGood 测试文件损坏时返回最近一次的内容
func TestStore_CorruptFileServesLastGood(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(DocServerHookConfig, map[string]any{"ok": true}))

	path := s.Path(DocServerHookConfig)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	doc, err := s.Read(DocServerHookConfig)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, doc)

	fresh := newTestStore(t)
	require.NoError(t, os.WriteFile(fresh.Path(DocServerHookConfig), []byte("{not json"), 0o644))
	doc, err = fresh.Read(DocServerHookConfig)
	assert.Error(t, err)
	assert.Empty(t, doc)

	// 损坏的文件在合并写入时被覆盖
	require.NoError(t, fresh.Write(DocServerHookConfig, map[string]any{"x": "y"}))
	doc, err = fresh.Read(DocServerHookConfig)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": "y"}, doc)
}

// TestStore_MergeOntoLastGood 测试文件损坏时合并写入保留缓存中的键
func TestStore_MergeOntoLastGood(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(DocModuleStatus, map[string]any{"hooks": float64(3), "state": "running"}))

	path := s.Path(DocModuleStatus)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	require.NoError(t, s.Write(DocModuleStatus, map[string]any{"performance": "ok"}))

	onDisk, err := readFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"hooks": float64(3), "state": "running", "performance": "ok"}, onDisk)
}

// replaceWithDir 用目录占住文档路径, 之后的重命名都会失败
func replaceWithDir(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o755))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
}

// TestStore_WriteFailureKeepsCache 测试写入失败不丢弃缓存
func TestStore_WriteFailureKeepsCache(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(DocServerHookConfig, map[string]any{"ok": true}))
	replaceWithDir(t, s.Path(DocServerHookConfig))

	assert.Error(t, s.Write(DocServerHookConfig, map[string]any{"x": "y"}))

	doc, err := s.Read(DocServerHookConfig)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, doc)
}

// TestStore_WarnCooldownIgnoresTempNames 测试重复写入失败只记录一次
func TestStore_WarnCooldownIgnoresTempNames(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	s := New(t.TempDir(), Options{CacheTTL: time.Minute, Tracker: lifecycle.NewReadyTracker()}, logger)
	require.NoError(t, s.Write(DocPerformance, map[string]any{"n": float64(1)}))
	replaceWithDir(t, s.Path(DocPerformance))

	for i := 0; i < 3; i++ {
		assert.Error(t, s.Write(DocPerformance, map[string]any{"n": float64(i)}))
	}

	writes := 0
	for _, entry := range hook.AllEntries() {
		if entry.Data["op"] == "write" {
			writes++
		}
	}
	assert.Equal(t, 1, writes)
	assert.Len(t, s.cooldown.last, 2) // parse + write
}

// TestStore_InvalidName 测试非法文档名
func TestStore_InvalidName(t *testing.T) {
	s := newTestStore(t)

	for _, name := range []string{"", "../etc", "a/b", "Upper"} {
		_, err := s.Read(name)
		assert.ErrorIs(t, err, ErrInvalidDocument, name)
		assert.ErrorIs(t, s.Write(name, map[string]any{}), ErrInvalidDocument, name)
	}
}

// TestStore_EarlyPhaseSkipped 测试早期阶段不创建任何文件
func TestStore_EarlyPhaseSkipped(t *testing.T) {
	tracker := lifecycle.NewTracker()
	tracker.EarlyInit.MarkStarted()
	dir := filepath.Join(t.TempDir(), "data")
	s := New(dir, Options{Tracker: tracker}, newTestLogger())

	require.NoError(t, s.Write(DocModuleStatus, map[string]any{"k": "v"}))
	doc, err := s.Read(DocModuleStatus)
	require.NoError(t, err)
	assert.Empty(t, doc)

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	tracker.EarlyInit.MarkCompleted()
	require.NoError(t, s.Write(DocModuleStatus, map[string]any{"k": "v"}))
	assert.FileExists(t, s.Path(DocModuleStatus))
}

// TestCooldown_Allow 测试冷却间隔
func TestCooldown_Allow(t *testing.T) {
	now := time.Now()
	c := NewCooldown(30*time.Second, func() time.Time { return now })

	assert.True(t, c.Allow("disk full"))
	assert.False(t, c.Allow("disk full"))
	assert.True(t, c.Allow("other"))

	now = now.Add(31 * time.Second)
	assert.True(t, c.Allow("disk full"))
}

// TestFileLogHook 测试日志写入 module_log.txt
func TestFileLogHook(t *testing.T) {
	dir := t.TempDir()
	tracker := lifecycle.NewTracker()
	tracker.EarlyInit.MarkStarted()

	hook := NewFileLogHook(dir, tracker)
	defer hook.Close()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
	logger.AddHook(hook)

	logger.Info("during zygote")
	assert.NoFileExists(t, hook.Path())

	tracker.EarlyInit.MarkCompleted()
	logger.WithField("hook_id", "hook_1").Warn("after boot")

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "after boot")
	assert.Contains(t, string(data), "hook_id=hook_1")
	assert.NotContains(t, string(data), "during zygote")
}
