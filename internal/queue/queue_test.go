package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/apk-analysis/hookshell/internal/hook"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// MockChannel Mock amqp channel
type MockChannel struct {
	mock.Mock
}

func (m *MockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	args := m.Called(ctx, exchange, key, mandatory, immediate, msg)
	return args.Error(0)
}

func (m *MockChannel) Close() error {
	args := m.Called()
	return args.Error(0)
}

type recordingPublisher struct {
	mu       sync.Mutex
	keys     []string
	bodies   [][]byte
	fail     error
	blockFor chan struct{}
}

func (r *recordingPublisher) Publish(ctx context.Context, key string, body []byte) error {
	if r.blockFor != nil {
		<-r.blockFor
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.keys = append(r.keys, key)
	r.bodies = append(r.bodies, body)
	return nil
}

func (r *recordingPublisher) snapshot() ([]string, [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...), append([][]byte(nil), r.bodies...)
}

// TestAMQPURL 测试连接 URL 拼接
func TestAMQPURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  RabbitMQConfig
		want string
	}{
		{"url wins", RabbitMQConfig{URL: "amqp://x", Host: "ignored"}, "amqp://x"},
		{"default vhost", RabbitMQConfig{Host: "mq", Port: 5673, User: "u", Password: "p", VHost: "/"}, "amqp://u:p@mq:5673/"},
		{"named vhost", RabbitMQConfig{Host: "mq", User: "u", Password: "p", VHost: "hooks"}, "amqp://u:p@mq:5672/hooks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, amqpURL(&tt.cfg))
		})
	}
}

// TestRabbitMQ_Publish 测试发布到配置的 exchange
func TestRabbitMQ_Publish(t *testing.T) {
	ch := new(MockChannel)
	mq := &RabbitMQ{
		config:  &RabbitMQConfig{Exchange: "hookshell.events"},
		logger:  newTestLogger(),
		channel: ch,
		done:    make(chan struct{}),
	}

	ch.On("PublishWithContext", mock.Anything, "hookshell.events", "hook.added", false, false,
		mock.MatchedBy(func(msg amqp.Publishing) bool {
			return msg.ContentType == "application/json" && msg.MessageId != "" && string(msg.Body) == `{"a":1}`
		})).Return(nil).Once()
	ch.On("Close").Return(nil).Once()

	require.NoError(t, mq.Publish(context.Background(), "hook.added", []byte(`{"a":1}`)))
	require.NoError(t, mq.Close())
	assert.ErrorIs(t, mq.Publish(context.Background(), "hook.added", nil), ErrNotConnected)
	require.NoError(t, mq.Close())
	ch.AssertExpectations(t)
}

// TestEventPublisher_Publishes 测试事件按类型作为 routing key 发布
func TestEventPublisher_Publishes(t *testing.T) {
	rec := &recordingPublisher{}
	p := NewEventPublisher(rec, 8, newTestLogger())
	p.Start()

	p.Notify(hook.Event{Type: hook.EventHookAdded, HookID: "hook_1", ClassName: "java.lang.Math", MethodName: "max", Time: time.Now()})
	p.Notify(hook.Event{Type: hook.EventHookRemoved, HookID: "hook_1"})
	p.Close()

	keys, bodies := rec.snapshot()
	assert.Equal(t, []string{"hook.added", "hook.removed"}, keys)

	var evt hook.Event
	require.NoError(t, json.Unmarshal(bodies[0], &evt))
	assert.Equal(t, "hook_1", evt.HookID)
	assert.Equal(t, "max", evt.MethodName)

	published, dropped := p.Stats()
	assert.EqualValues(t, 2, published)
	assert.Zero(t, dropped)

	// 关闭后的事件被忽略
	p.Notify(hook.Event{Type: hook.EventHookAdded})
	p.Close()
}

// TestEventPublisher_DropsWhenFull 测试缓冲区满时丢弃而不阻塞
func TestEventPublisher_DropsWhenFull(t *testing.T) {
	rec := &recordingPublisher{blockFor: make(chan struct{})}
	p := NewEventPublisher(rec, 1, newTestLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			p.Notify(hook.Event{Type: hook.EventHookEnabled})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked")
	}

	_, dropped := p.Stats()
	assert.EqualValues(t, 4, dropped)

	p.Start()
	close(rec.blockFor)
	p.Close()
	published, _ := p.Stats()
	assert.EqualValues(t, 1, published)
}

// TestEventPublisher_PublishError 测试发布失败不影响后续事件
func TestEventPublisher_PublishError(t *testing.T) {
	rec := &recordingPublisher{fail: errors.New("broker down")}
	p := NewEventPublisher(rec, 4, newTestLogger())
	p.Start()
	p.Notify(hook.Event{Type: hook.EventHookDispatchError, HookID: "hook_2", Error: "boom"})
	p.Close()

	published, dropped := p.Stats()
	assert.Zero(t, published)
	assert.Zero(t, dropped)
}
