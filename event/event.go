package event

import (
	"time"

	"pricemesh/logger"
)

// EventType 事件类型
type EventType string

const (
	EventTypeDiscrepancyDetected EventType = "discrepancy_detected"
	EventTypeResetRunStarted     EventType = "reset_run_started"
	EventTypeResetBrokerDone     EventType = "reset_broker_done"
	EventTypeResetBrokerSkipped  EventType = "reset_broker_skipped"
	EventTypeResetRunCompleted   EventType = "reset_run_completed"
	EventTypeBrokerRegistered    EventType = "broker_registered"
	EventTypeBrokerDeleted       EventType = "broker_deleted"
	EventTypeStoreNotReady       EventType = "store_not_ready"
	EventTypeSystemStart         EventType = "system_start"
	EventTypeSystemStop          EventType = "system_stop"
)

// Event 事件结构
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// EventBus 事件总线
type EventBus struct {
	eventCh    chan *Event
	bufferSize int
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000 // 默认1000
	}
	return &EventBus{
		eventCh:    make(chan *Event, bufferSize),
		bufferSize: bufferSize,
	}
}

// Publish 发布事件（非阻塞）
func (eb *EventBus) Publish(event *Event) {
	if event == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case eb.eventCh <- event:
		// 成功发布
	default:
		// Channel 满了，记录警告但不阻塞
		logger.Warn("⚠️ 事件队列已满，丢弃事件: %s", event.Type)
	}
}

// Emit 发布事件的便捷方法
func (eb *EventBus) Emit(eventType EventType, data map[string]interface{}) {
	eb.Publish(&Event{Type: eventType, Timestamp: time.Now(), Data: data})
}

// Subscribe 订阅事件（返回 channel）
func (eb *EventBus) Subscribe() <-chan *Event {
	return eb.eventCh
}

// Close 关闭事件总线
func (eb *EventBus) Close() {
	close(eb.eventCh)
}
