package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/apk-analysis/hookshell/internal/domain"
	"github.com/apk-analysis/hookshell/internal/hook"
	"github.com/apk-analysis/hookshell/internal/lifecycle"
	"github.com/apk-analysis/hookshell/internal/store"
	"github.com/apk-analysis/hookshell/internal/target"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockHookRepository Mock Repository
type MockHookRepository struct {
	mock.Mock
}

func (m *MockHookRepository) SaveSnapshot(ctx context.Context, hooks []domain.HookInfo) error {
	args := m.Called(ctx, hooks)
	return args.Error(0)
}

func (m *MockHookRepository) LoadAll(ctx context.Context) ([]domain.HookInfo, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.HookInfo), args.Error(1)
}

func (m *MockHookRepository) FindByID(ctx context.Context, hookID string) (*domain.HookRecord, error) {
	args := m.Called(ctx, hookID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.HookRecord), args.Error(1)
}

func (m *MockHookRepository) Delete(ctx context.Context, hookID string) error {
	args := m.Called(ctx, hookID)
	return args.Error(0)
}

func (m *MockHookRepository) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type fixture struct {
	engine  *hook.Engine
	docs    *store.Store
	space   *target.Space
	tracker *lifecycle.Tracker
	logger  *logrus.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	tracker := lifecycle.NewReadyTracker()
	return &fixture{
		engine:  hook.NewEngine(target.MethodHooker{}, nil, tracker, hook.Options{}, logger),
		docs:    store.New(t.TempDir(), store.Options{Tracker: tracker}, logger),
		space:   target.NewSystemSpace(),
		tracker: tracker,
		logger:  logger,
	}
}

func (f *fixture) lookup(name string) (*target.Space, bool) {
	if name == "" || name == f.space.Name() {
		return f.space, true
	}
	return nil, false
}

func (f *fixture) service(repo *MockHookRepository) HookService {
	if repo == nil {
		return NewHookService(f.engine, f.docs, nil, f.lookup, f.tracker, f.logger)
	}
	return NewHookService(f.engine, f.docs, repo, f.lookup, f.tracker, f.logger)
}

func (f *fixture) addMaxHook(t *testing.T) *hook.HookSpec {
	t.Helper()
	spec, err := f.engine.AddHook(context.Background(), hook.AddRequest{
		Space:      f.space,
		ClassName:  "java.lang.Math",
		MethodName: "max",
		Phases: map[domain.Phase]domain.PhaseSource{
			domain.PhaseReplace: {Code: "result = 100;"},
		},
	})
	require.NoError(t, err)
	return spec
}

// TestHookService_WriteHookData 测试写入文档和数据库快照
func TestHookService_WriteHookData(t *testing.T) {
	f := newFixture(t)
	spec := f.addMaxHook(t)

	repo := new(MockHookRepository)
	repo.On("SaveSnapshot", mock.Anything, mock.MatchedBy(func(hooks []domain.HookInfo) bool {
		return len(hooks) == 1 && hooks[0].ID == spec.ID
	})).Return(nil).Once()

	require.NoError(t, f.service(repo).WriteHookData(context.Background()))
	repo.AssertExpectations(t)

	cfg, err := f.docs.Read(store.DocHookConfig)
	require.NoError(t, err)
	hooks, ok := cfg["hooks"].([]any)
	require.True(t, ok)
	require.Len(t, hooks, 1)

	server, err := f.docs.Read(store.DocServerHookConfig)
	require.NoError(t, err)
	assert.EqualValues(t, 1, server["hook_count"])

	status, err := f.docs.Read(store.DocModuleStatus)
	require.NoError(t, err)
	assert.EqualValues(t, 1, status["active_hook_count"])
	assert.Contains(t, status, "is_zygote_phase")
}

// TestHookService_WriteHookDataRepoError 测试数据库失败时返回错误但文档仍被写入
func TestHookService_WriteHookDataRepoError(t *testing.T) {
	f := newFixture(t)
	f.addMaxHook(t)

	repo := new(MockHookRepository)
	repo.On("SaveSnapshot", mock.Anything, mock.Anything).Return(errors.New("db down"))

	err := f.service(repo).WriteHookData(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.FileExists(t, f.docs.Path(store.DocHookConfig))
}

// TestHookService_RestoreFromDatabase 测试从数据库恢复
func TestHookService_RestoreFromDatabase(t *testing.T) {
	source := newFixture(t)
	spec := source.addMaxHook(t)
	require.True(t, source.engine.Disable(spec.ID))
	saved := source.engine.Snapshot()

	f := newFixture(t)
	repo := new(MockHookRepository)
	repo.On("LoadAll", mock.Anything).Return(saved, nil)

	n, err := f.service(repo).RestoreHooks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info, ok := f.engine.HookInfo(spec.ID)
	require.True(t, ok)
	assert.False(t, info.Enabled)
	assert.True(t, info.Active)
}

// TestHookService_RestoreFromDocument 测试数据库为空时从 hook_config 文档恢复
func TestHookService_RestoreFromDocument(t *testing.T) {
	source := newFixture(t)
	source.addMaxHook(t)
	require.NoError(t, source.service(nil).WriteHookData(context.Background()))

	f := newFixture(t)
	f.docs = source.docs
	repo := new(MockHookRepository)
	repo.On("LoadAll", mock.Anything).Return([]domain.HookInfo{}, nil)

	n, err := f.service(repo).RestoreHooks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := f.space.Invoke("java.lang.Math", "max", nil, 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 100, res)
}

// TestHookService_RestoreSkipsBroken 测试无法恢复的记录被跳过
func TestHookService_RestoreSkipsBroken(t *testing.T) {
	f := newFixture(t)
	repo := new(MockHookRepository)
	repo.On("LoadAll", mock.Anything).Return([]domain.HookInfo{
		{ID: "hook_1", ClassName: "java.lang.Nope", MethodName: "x", Space: "system",
			Phases: map[domain.Phase]domain.PhaseSource{domain.PhaseBefore: {Code: "1"}}},
		{ID: "hook_4", ClassName: "java.lang.Math", MethodName: "min", Space: "missing", Enabled: true,
			CreateTime: time.Now(), Phases: map[domain.Phase]domain.PhaseSource{domain.PhaseBefore: {Code: "1"}}},
	}, nil)

	n, err := f.service(repo).RestoreHooks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := f.engine.HookInfo("hook_4")
	assert.True(t, ok)
}

// TestHookService_EarlyPhase 测试早期阶段不写文件也不访问数据库
func TestHookService_EarlyPhase(t *testing.T) {
	f := newFixture(t)
	f.addMaxHook(t)
	f.tracker = lifecycle.NewTracker()
	f.tracker.EarlyInit.MarkStarted()

	repo := new(MockHookRepository)
	svc := f.service(repo)

	require.NoError(t, svc.WriteHookData(context.Background()))
	n, err := svc.RestoreHooks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	repo.AssertNotCalled(t, "SaveSnapshot", mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "LoadAll", mock.Anything)
	assert.NoFileExists(t, f.docs.Path(store.DocHookConfig))
}

// TestHooksFromDocument 测试解析 hook_config 文档
func TestHooksFromDocument(t *testing.T) {
	doc := map[string]any{
		"hooks": []any{
			map[string]any{
				"id":          "hook_10",
				"class_name":  "java.lang.Math",
				"method_name": "max",
				"phases":      map[string]any{"after": map[string]any{"code": "1"}},
			},
			map[string]any{
				"id":          "hook_2",
				"class_name":  "java.lang.Math",
				"method_name": "abs",
				"phases":      map[string]any{"before": map[string]any{"codebase": "abs_hook"}},
			},
			"not an object",
			map[string]any{"id": 42},
		},
	}

	hooks, errs := HooksFromDocument(doc)
	require.Len(t, hooks, 2)
	assert.Len(t, errs, 2)
	assert.Equal(t, "hook_2", hooks[0].ID)
	assert.True(t, hooks[0].HasBefore)
	assert.Equal(t, "hook_10", hooks[1].ID)
	assert.True(t, hooks[1].HasAfter)
	assert.False(t, hooks[1].HasReplace)

	hooks, errs = HooksFromDocument(map[string]any{})
	assert.Empty(t, hooks)
	assert.Empty(t, errs)
}
