package repository

import (
	"context"
	"testing"
	"time"

	"github.com/apk-analysis/hookshell/internal/config"
	"github.com/apk-analysis/hookshell/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestDB 创建测试数据库
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "Failed to open test database")
	require.NoError(t, AutoMigrate(db, newTestLogger()))
	return db
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func sampleHook(id, method string) domain.HookInfo {
	return domain.HookInfo{
		ID:         id,
		ClassName:  "java.lang.Math",
		MethodName: method,
		Signature:  "int,int",
		Space:      "default",
		CreateTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		CallCount:  7,
		Active:     true,
		Enabled:    true,
		HasBefore:  true,
		Phases: map[domain.Phase]domain.PhaseSource{
			domain.PhaseBefore: {Code: `println("hi")`},
		},
	}
}

// TestHookRepository_SaveAndLoad 测试快照保存与读取
func TestHookRepository_SaveAndLoad(t *testing.T) {
	repo := NewHookRepository(setupTestDB(t), newTestLogger())
	ctx := context.Background()

	hooks := []domain.HookInfo{sampleHook("hook_10", "min"), sampleHook("hook_2", "max")}
	require.NoError(t, repo.SaveSnapshot(ctx, hooks))

	loaded, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "hook_2", loaded[0].ID, "should be ordered by hook sequence")
	assert.Equal(t, "hook_10", loaded[1].ID)

	got := loaded[0]
	assert.Equal(t, "max", got.MethodName)
	assert.Equal(t, "int,int", got.Signature)
	assert.Equal(t, int64(7), got.CallCount)
	assert.True(t, got.HasBefore)
	assert.False(t, got.HasReplace)
	assert.Equal(t, `println("hi")`, got.Phases[domain.PhaseBefore].Code)
	assert.True(t, got.CreateTime.Equal(hooks[1].CreateTime))
}

// TestHookRepository_SnapshotReplaces 测试快照覆盖旧记录并删除消失的 Hook
func TestHookRepository_SnapshotReplaces(t *testing.T) {
	repo := NewHookRepository(setupTestDB(t), newTestLogger())
	ctx := context.Background()

	require.NoError(t, repo.SaveSnapshot(ctx, []domain.HookInfo{sampleHook("hook_1", "max"), sampleHook("hook_2", "min")}))

	updated := sampleHook("hook_1", "max")
	updated.Enabled = false
	updated.CallCount = 99
	require.NoError(t, repo.SaveSnapshot(ctx, []domain.HookInfo{updated}))

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, err := repo.FindByID(ctx, "hook_1")
	require.NoError(t, err)
	assert.False(t, rec.Enabled)
	assert.Equal(t, int64(99), rec.CallCount)

	_, err = repo.FindByID(ctx, "hook_2")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	require.NoError(t, repo.SaveSnapshot(ctx, nil))
	n, err = repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

// TestHookRepository_Delete 测试删除
func TestHookRepository_Delete(t *testing.T) {
	repo := NewHookRepository(setupTestDB(t), newTestLogger())
	ctx := context.Background()

	require.NoError(t, repo.SaveSnapshot(ctx, []domain.HookInfo{sampleHook("hook_1", "max")}))
	require.NoError(t, repo.Delete(ctx, "hook_1"))
	require.NoError(t, repo.Delete(ctx, "hook_1"))

	loaded, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

// TestInitDB_SQLite 测试 sqlite 初始化
func TestInitDB_SQLite(t *testing.T) {
	cfg := &config.DatabaseConfig{Type: "sqlite", Path: t.TempDir() + "/nested/hooks.db"}
	db, err := InitDB(cfg, newTestLogger())
	require.NoError(t, err)

	repo := NewHookRepository(db, newTestLogger())
	require.NoError(t, repo.SaveSnapshot(context.Background(), []domain.HookInfo{sampleHook("hook_1", "abs")}))

	_, err = InitDB(&config.DatabaseConfig{Type: "postgres"}, newTestLogger())
	assert.Error(t, err)
}
