package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// TestPool_RunsTasks 测试任务被执行, Stop 等待队列中的任务完成
func TestPool_RunsTasks(t *testing.T) {
	p := NewPool(3, 16, newTestLogger())
	p.Start(context.Background())

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(&Task{ID: "t", Run: func(ctx context.Context) error {
			count.Add(1)
			return nil
		}}))
	}
	p.Stop()

	assert.Equal(t, int32(10), count.Load())
	assert.ErrorIs(t, p.Submit(&Task{ID: "late", Run: func(context.Context) error { return nil }}), ErrStopped)
	p.Stop()
}

// TestPool_QueueFull 测试队列满时拒绝任务
func TestPool_QueueFull(t *testing.T) {
	p := NewPool(1, 1, newTestLogger())
	p.Start(context.Background())
	defer p.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	block := &Task{ID: "block", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	require.NoError(t, p.Submit(block))
	<-started
	assert.Equal(t, 1, p.Busy())

	require.NoError(t, p.Submit(&Task{ID: "queued", Run: func(context.Context) error { return nil }}))
	err := p.Submit(&Task{ID: "rejected", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, p.GetQueueSize())

	close(release)
}

// TestPool_SubmitAndWait 测试同步提交返回任务结果
func TestPool_SubmitAndWait(t *testing.T) {
	p := NewPool(2, 4, newTestLogger())
	p.Start(context.Background())
	defer p.Stop()

	boom := errors.New("boom")
	err := p.SubmitAndWait(context.Background(), &Task{ID: "fail", Run: func(context.Context) error { return boom }})
	assert.ErrorIs(t, err, boom)

	err = p.SubmitAndWait(context.Background(), &Task{ID: "panic", Run: func(context.Context) error { panic("oops") }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	assert.NoError(t, p.SubmitAndWait(context.Background(), &Task{ID: "ok", Run: func(context.Context) error { return nil }}))
}

// TestPool_SubmitAndWaitContext 测试等待结果时上下文取消
func TestPool_SubmitAndWaitContext(t *testing.T) {
	p := NewPool(1, 1, newTestLogger())
	p.Start(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	release := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.SubmitAndWait(ctx, &Task{ID: "slow", Run: func(context.Context) error {
		defer wg.Done()
		<-release
		return nil
	}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	wg.Wait()
	p.Stop()
	assert.Equal(t, 1, p.Size())
}
