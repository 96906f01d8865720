package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/hookshell/internal/hook"
	"github.com/sirupsen/logrus"
)

// Publisher 按 routing key 发布消息
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// EventPublisher 把 Hook 事件异步发布到消息队列, 实现 hook.Notifier
//
// Notify 只入队, 队列满时丢弃事件。
type EventPublisher struct {
	pub     Publisher
	events  chan hook.Event
	timeout time.Duration
	logger  *logrus.Logger

	dropped   atomic.Int64
	published atomic.Int64

	once sync.Once
	mu   sync.RWMutex
	stop bool
	wg   sync.WaitGroup
}

// NewEventPublisher 创建事件发布器, 调用 Start 后开始发送
func NewEventPublisher(pub Publisher, bufferSize int, logger *logrus.Logger) *EventPublisher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventPublisher{
		pub:     pub,
		events:  make(chan hook.Event, bufferSize),
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Start 启动发送协程
func (p *EventPublisher) Start() {
	p.wg.Add(1)
	go p.loop()
}

func (p *EventPublisher) Notify(evt hook.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stop {
		return
	}
	select {
	case p.events <- evt:
	default:
		p.dropped.Add(1)
		p.logger.WithFields(logrus.Fields{
			"type":    evt.Type,
			"hook_id": evt.HookID,
		}).Debug("Event buffer full, dropping event")
	}
}

func (p *EventPublisher) loop() {
	defer p.wg.Done()
	for evt := range p.events {
		p.publish(evt)
	}
}

func (p *EventPublisher) publish(evt hook.Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		p.logger.WithError(err).Error("Failed to marshal hook event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.pub.Publish(ctx, string(evt.Type), body); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"type":    evt.Type,
			"hook_id": evt.HookID,
		}).Warn("Failed to publish hook event")
		return
	}
	p.published.Add(1)
}

// Close 停止接收事件, 等待已入队的事件发送完
func (p *EventPublisher) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.stop = true
		close(p.events)
		p.mu.Unlock()
		p.wg.Wait()
	})
}

// Stats 已发布与丢弃的事件数
func (p *EventPublisher) Stats() (published, dropped int64) {
	return p.published.Load(), p.dropped.Load()
}
