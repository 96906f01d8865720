package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTrack_Idempotent 测试阶段标记幂等
func TestTrack_Idempotent(t *testing.T) {
	var tr Track

	assert.True(t, tr.MarkStarted())
	assert.False(t, tr.MarkStarted(), "second start must be a no-op")
	assert.True(t, tr.Started())
	assert.False(t, tr.Completed())

	assert.True(t, tr.MarkCompleted())
	assert.False(t, tr.MarkCompleted())
	assert.True(t, tr.Completed())
	assert.GreaterOrEqual(t, tr.Duration().Milliseconds(), int64(0))
}

// TestTrack_ConcurrentMarks 测试并发标记只生效一次
func TestTrack_ConcurrentMarks(t *testing.T) {
	var tr Track
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.MarkStarted() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

// TestTracker_IsEarlyPhase 测试早期阶段判定
func TestTracker_IsEarlyPhase(t *testing.T) {
	tr := NewTracker()
	assert.False(t, tr.IsEarlyPhase(), "not started")

	tr.EarlyInit.MarkStarted()
	assert.True(t, tr.IsEarlyPhase())

	tr.EarlyInit.MarkCompleted()
	assert.False(t, tr.IsEarlyPhase())

	// 不可回退
	tr.EarlyInit.MarkStarted()
	assert.False(t, tr.IsEarlyPhase())
}

// TestTracker_GuardSkipsSideEffects 测试早期阶段的受保护操作不产生文件
func TestTracker_GuardSkipsSideEffects(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")

	tr := NewTracker()
	tr.EarlyInit.MarkStarted()

	called := false
	outcome, err := tr.Guard(func() error {
		called = true
		return os.WriteFile(path, []byte("{}"), 0644)
	})

	require.NoError(t, err)
	assert.Equal(t, Skipped, outcome)
	assert.False(t, called)
	assert.NoFileExists(t, path)

	tr.EarlyInit.MarkCompleted()
	outcome, err = tr.Guard(func() error {
		return os.WriteFile(path, []byte("{}"), 0644)
	})
	require.NoError(t, err)
	assert.Equal(t, Done, outcome)
	assert.FileExists(t, path)
}

// TestTracker_GuardPropagatesError 测试非早期阶段返回操作本身的错误
func TestTracker_GuardPropagatesError(t *testing.T) {
	tr := NewReadyTracker()
	boom := errors.New("boom")

	outcome, err := tr.Guard(func() error { return boom })
	assert.Equal(t, Done, outcome)
	assert.ErrorIs(t, err, boom)
}

// TestTracker_Status 测试状态快照
func TestTracker_Status(t *testing.T) {
	tr := NewTracker()
	tr.EarlyInit.MarkStarted()
	tr.RecordPackageLoad(true)
	tr.RecordPackageLoad(false)
	tr.RecordPackageLoad(true)

	status := tr.Status()
	assert.Equal(t, true, status["zygote_init_started"])
	assert.Equal(t, false, status["zygote_init_completed"])
	assert.Equal(t, true, status["is_zygote_phase"])
	assert.Equal(t, int64(3), status["total_packages_loaded"])
	assert.Equal(t, int64(2), status["successful_package_loads"])
	assert.Equal(t, int64(1), status["failed_package_loads"])
	assert.Equal(t, "skipped", Skipped.String())
}

// TestTracker_NilIsReady 测试 nil 追踪器视为已就绪
func TestTracker_NilIsReady(t *testing.T) {
	var tr *Tracker
	assert.False(t, tr.IsEarlyPhase())
	outcome, err := tr.Guard(func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, Done, outcome)
}
