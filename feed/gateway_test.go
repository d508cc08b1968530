package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pricemesh/store"
)

// fakeSink 内存状态存储，记录快照写入与频道订阅
type fakeSink struct {
	mu         sync.Mutex
	snapshots  []*store.BrokerSnapshot
	deleted    []string
	subscribed map[string]func(channel, payload string)
	unsubbed   []string
}

func newFakeSink() *fakeSink {
	return &fakeSink{subscribed: make(map[string]func(channel, payload string))}
}

func (f *fakeSink) SaveBrokerSnapshot(ctx context.Context, snap *store.BrokerSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeSink) DeleteBroker(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return true, nil
}

func (f *fakeSink) Subscribe(ctx context.Context, channel string, handler func(channel, payload string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[channel] = handler
	return nil
}

func (f *fakeSink) Unsubscribe(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubbed = append(f.unsubbed, channel)
	delete(f.subscribed, channel)
}

func (f *fakeSink) publish(channel, payload string) bool {
	f.mu.Lock()
	handler, ok := f.subscribed[channel]
	f.mu.Unlock()
	if !ok {
		return false
	}
	handler(channel, payload)
	return true
}

func (f *fakeSink) snapshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots)
}

func (f *fakeSink) deletedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeSink) unsubscribedChannels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubbed...)
}

func dialGateway(t *testing.T, g *Gateway) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(g.handleConnection))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("连接网关失败: %v", err)
	}
	return conn, srv
}

func pushBatch(t *testing.T, conn *websocket.Conn, name string, port int) {
	t.Helper()
	msg := pushMessage{
		Meta: store.BrokerMetadata{
			Name:        name,
			Index:       1,
			Port:        port,
			Status:      store.StatusConnected,
			SymbolCount: 1,
		},
		Ticks: []store.PriceTick{{Symbol: "EURUSD", Bid: 1.1, Ask: 1.2}},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("编码推送失败: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("发送推送失败: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestGatewaySavesAndForwardsResets(t *testing.T) {
	sink := newFakeSink()
	g := NewGateway(sink, nil)

	conn, srv := dialGateway(t, g)
	defer srv.Close()
	defer conn.Close()

	pushBatch(t, conn, "alpha", 9101)

	// 首批保存成功后网关应订阅该终端的重置频道
	waitFor(t, func() bool { return sink.snapshotCount() == 1 }, "快照未保存")
	waitFor(t, func() bool { return sink.publish("reset:9101", `{"action":"reset"}`) }, "重置频道未订阅")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读取转发指令失败: %v", err)
	}
	if string(data) != `{"action":"reset"}` {
		t.Errorf("转发载荷不正确: %s", data)
	}
}

func TestGatewayCleansUpOnDisconnect(t *testing.T) {
	sink := newFakeSink()
	g := NewGateway(sink, nil)

	conn, srv := dialGateway(t, g)
	defer srv.Close()

	pushBatch(t, conn, "beta", 9102)
	waitFor(t, func() bool { return sink.snapshotCount() == 1 }, "快照未保存")

	conn.Close()

	// 断开后删除终端并退订重置频道
	waitFor(t, func() bool { return len(sink.deletedNames()) == 1 }, "断开后未删除终端")
	if got := sink.deletedNames()[0]; got != "beta" {
		t.Errorf("删除的终端名不正确: %s", got)
	}
	waitFor(t, func() bool { return len(sink.unsubscribedChannels()) == 1 }, "断开后未退订重置频道")
	if got := sink.unsubscribedChannels()[0]; got != "reset:9102" {
		t.Errorf("退订的频道不正确: %s", got)
	}
}
