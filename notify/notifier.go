package notify

import (
	"context"
	"sync"

	"pricemesh/config"
	"pricemesh/event"
	"pricemesh/logger"
)

// Notifier 通知接口
type Notifier interface {
	Send(event *event.Event) error
	Name() string
}

// NotificationService 通知服务，把事件总线上的事件扇出到各通知渠道
type NotificationService struct {
	notifiers []Notifier
	cfg       *config.Config
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// NewNotificationService 创建通知服务
func NewNotificationService(cfg *config.Config) *NotificationService {
	ns := &NotificationService{cfg: cfg}

	// 初始化启用的通知渠道
	if cfg.Notifications.Enabled {
		if cfg.Notifications.Telegram.Enabled && cfg.Notifications.Telegram.BotToken != "" {
			telegramNotifier, err := NewTelegramNotifier(cfg)
			if err != nil {
				logger.Warn("⚠️ 初始化 Telegram 通知失败: %v", err)
			} else {
				ns.notifiers = append(ns.notifiers, telegramNotifier)
				logger.Info("✅ Telegram 通知已启用")
			}
		}

		if cfg.Notifications.Webhook.Enabled && cfg.Notifications.Webhook.URL != "" {
			webhookNotifier, err := NewWebhookNotifier(cfg)
			if err != nil {
				logger.Warn("⚠️ 初始化 Webhook 通知失败: %v", err)
			} else {
				ns.notifiers = append(ns.notifiers, webhookNotifier)
				logger.Info("✅ Webhook 通知已启用")
			}
		}
	}

	return ns
}

// Start 订阅事件总线并开始转发
func (ns *NotificationService) Start(ctx context.Context, bus *event.EventBus) {
	runCtx, cancel := context.WithCancel(ctx)
	ns.cancel = cancel

	ns.wg.Add(1)
	go func() {
		defer ns.wg.Done()
		ch := bus.Subscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if ns.shouldNotify(evt.Type) {
					ns.Send(evt)
				}
			}
		}
	}()
}

// Stop 停止转发
func (ns *NotificationService) Stop() {
	if ns.cancel != nil {
		ns.cancel()
	}
	ns.wg.Wait()
}

// shouldNotify 检查事件类型是否需要通知
// 差异检测事件量大，只通知重置相关和异常事件
func (ns *NotificationService) shouldNotify(eventType event.EventType) bool {
	if !ns.cfg.Notifications.Enabled {
		return false
	}

	switch eventType {
	case event.EventTypeResetRunStarted,
		event.EventTypeResetRunCompleted,
		event.EventTypeResetBrokerSkipped,
		event.EventTypeStoreNotReady:
		return true
	default:
		return false
	}
}

// Send 发送通知到全部渠道，失败只记录日志，绝不致命
func (ns *NotificationService) Send(evt *event.Event) {
	for _, n := range ns.notifiers {
		if err := n.Send(evt); err != nil {
			logger.Warn("⚠️ %s 通知发送失败: %v", n.Name(), err)
		}
	}
}
