package hook

import (
	"sync/atomic"
	"time"
)

// EventType Hook 事件类型
type EventType string

const (
	EventHookAdded         EventType = "hook.added"
	EventHookRemoved       EventType = "hook.removed"
	EventHookEnabled       EventType = "hook.enabled"
	EventHookDisabled      EventType = "hook.disabled"
	EventHookDispatchError EventType = "hook.dispatch_error"
)

// Event Hook 生命周期事件
type Event struct {
	Type       EventType `json:"type"`
	HookID     string    `json:"hook_id"`
	ClassName  string    `json:"class_name"`
	MethodName string    `json:"method_name"`
	Phase      string    `json:"phase,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Notifier 事件接收方, 实现不应阻塞调用方
type Notifier interface {
	Notify(evt Event)
}

type notifierBox struct {
	n Notifier
}

// notifierSlot 运行时可替换的 Notifier, 分发路径无锁读取
type notifierSlot struct {
	p atomic.Pointer[notifierBox]
}

func (s *notifierSlot) load() Notifier {
	if b := s.p.Load(); b != nil {
		return b.n
	}
	return nil
}

func (s *notifierSlot) store(n Notifier) {
	s.p.Store(&notifierBox{n: n})
}

// SetNotifier 替换事件接收方, nil 关闭通知
//
// 消息队列在 early-init 之后才连接, 因此通知方可以晚于引擎设置。
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier.store(n)
}

func (e *Engine) notify(typ EventType, spec *HookSpec, phase string, err error) {
	n := e.notifier.load()
	if n == nil || e.tracker.IsEarlyPhase() {
		return
	}
	evt := Event{
		Type:       typ,
		HookID:     spec.ID,
		ClassName:  spec.ClassName,
		MethodName: spec.MethodName,
		Phase:      phase,
		Time:       time.Now(),
	}
	if err != nil {
		evt.Error = err.Error()
	}
	n.Notify(evt)
}
