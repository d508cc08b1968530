package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pricemesh/event"
	"pricemesh/logger"
	"pricemesh/store"
)

// SnapshotSink 网关对状态存储的依赖契约
type SnapshotSink interface {
	SaveBrokerSnapshot(ctx context.Context, snap *store.BrokerSnapshot) error
	DeleteBroker(ctx context.Context, name string) (bool, error)
	Subscribe(ctx context.Context, channel string, handler func(channel, payload string)) error
	Unsubscribe(channel string)
}

// Gateway 行情推送网关
// 终端客户端通过 WebSocket 推送报价批次，网关把批次写入状态存储，
// 并把该终端重置频道上的指令转发回连接；连接关闭时删除对应终端
type Gateway struct {
	sink     SnapshotSink
	events   *event.EventBus
	upgrader websocket.Upgrader
	srv      *http.Server
}

// pushMessage 终端推送的一个报价批次
type pushMessage struct {
	Meta  store.BrokerMetadata `json:"meta"`
	Ticks []store.PriceTick    `json:"ticks"`
}

// NewGateway 创建行情网关
func NewGateway(sink SnapshotSink, events *event.EventBus) *Gateway {
	return &Gateway{
		sink:   sink,
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 4 * 1024,
			// 终端客户端来自内网网关进程
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start 启动网关监听
func (g *Gateway) Start(listen, path string) error {
	mux := http.NewServeMux()
	mux.HandleFunc(path, g.handleConnection)

	g.srv = &http.Server{
		Addr:    listen,
		Handler: mux,
	}

	go func() {
		if err := g.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("❌ 行情网关异常退出: %v", err)
		}
	}()

	logger.Info("📡 行情网关已启动: %s%s", listen, path)
	return nil
}

// Stop 关闭网关
func (g *Gateway) Stop(ctx context.Context) error {
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown(ctx)
}

// handleConnection 处理一个终端连接的完整生命周期
func (g *Gateway) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("⚠️ WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	var brokerName string
	var resetChannel string

	defer func() {
		if resetChannel != "" {
			g.sink.Unsubscribe(resetChannel)
		}
		// 连接关闭即删除终端，过期兜底由快照 TTL 负责
		if brokerName != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := g.sink.DeleteBroker(ctx, brokerName); err != nil {
				logger.Warn("⚠️ 删除终端 %s 失败: %v", brokerName, err)
			}
			cancel()
			if g.events != nil {
				g.events.Emit(event.EventTypeBrokerDeleted, map[string]interface{}{"broker": brokerName})
			}
			logger.Info("🔌 终端 %s 已断开", brokerName)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("终端连接读取结束: %v", err)
			}
			return
		}

		var msg pushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("⚠️ 解析终端推送失败: %v", err)
			continue
		}

		msg.Meta.UpdatedAt = time.Now().UnixMilli()
		snap := &store.BrokerSnapshot{Meta: msg.Meta, Ticks: msg.Ticks}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		err = g.sink.SaveBrokerSnapshot(ctx, snap)
		cancel()

		if err != nil {
			if errors.Is(err, store.ErrNotReady) && g.events != nil {
				g.events.Emit(event.EventTypeStoreNotReady, map[string]interface{}{"broker": snap.Meta.Name})
			}
			logger.Error("❌ 保存终端 %s 快照失败: %v", snap.Meta.Name, err)
			continue
		}

		if brokerName == "" {
			brokerName = snap.Meta.Name
			logger.Info("🔗 终端 %s 已接入 (序号 %d, 端口 %d)", brokerName, msg.Meta.Index, msg.Meta.Port)
			if g.events != nil {
				g.events.Emit(event.EventTypeBrokerRegistered, map[string]interface{}{"broker": brokerName})
			}
			resetChannel = g.forwardResets(r.Context(), conn, msg.Meta.Port)
		}
	}
}

// forwardResets 订阅终端的重置频道并把指令转发到连接
// 读循环从不写连接，订阅处理器是唯一写方
func (g *Gateway) forwardResets(ctx context.Context, conn *websocket.Conn, port int) string {
	channel := fmt.Sprintf("reset:%d", port)
	err := g.sink.Subscribe(ctx, channel, func(_, payload string) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			logger.Warn("⚠️ 转发重置指令到端口 %d 失败: %v", port, err)
		}
	})
	if err != nil {
		logger.Warn("⚠️ 订阅重置频道 %s 失败: %v", channel, err)
		return ""
	}
	logger.Debug("终端重置频道已订阅: %s", channel)
	return channel
}
