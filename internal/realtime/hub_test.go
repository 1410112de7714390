package realtime

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/domain"
)

type hubDeviceStore struct {
	mu      sync.Mutex
	device  *domain.Device
	online  int
	offline int
}

func (s *hubDeviceStore) GetBySerial(_ context.Context, serial string) (*domain.Device, error) {
	if s.device != nil && s.device.SerialNumber == serial {
		return s.device, nil
	}
	return nil, sql.ErrNoRows
}

func (s *hubDeviceStore) MarkOnline(_ context.Context, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online++
	return nil
}

func (s *hubDeviceStore) MarkOffline(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline++
	return nil
}

func (s *hubDeviceStore) offlineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

func rtDevice() *domain.Device {
	return &domain.Device{
		DeviceID:     "dev-rt-1",
		TenantID:     "default",
		SerialNumber: "RT001",
		DeviceName:   "Gate",
		Protocol:     domain.ProtocolRealtime,
		IsActive:     true,
	}
}

// dialStatus 建一条连接并用 DEVICE_STATUS 把它绑定到 RT001
func dialStatus(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(map[string]any{"type": TypeDeviceStatus, "deviceId": "RT001"}))
	var ack map[string]any
	require.NoError(t, ws.ReadJSON(&ack))
	require.Equal(t, "ACK", ack["type"])
	return ws
}

func TestReconnect_ReplacedConnectionKeepsDeviceOnline(t *testing.T) {
	store := &hubDeviceStore{device: rtDevice()}
	hub := NewHub(store, nil, nil, 15*time.Minute, zap.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ws1 := dialStatus(t, wsURL)
	defer ws1.Close()

	stale := make(chan struct{})
	go func() {
		for {
			if _, _, err := ws1.ReadMessage(); err != nil {
				close(stale)
				return
			}
		}
	}()

	// 重连替换旧连接，旧连接被服务端关闭
	ws2 := dialStatus(t, wsURL)
	defer ws2.Close()
	select {
	case <-stale:
	case <-time.After(2 * time.Second):
		t.Fatal("replaced connection was never closed")
	}

	// 旧连接的读循环退出不把仍在线的设备置离线，新连接保持在册
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, store.offlineCount())
	_, registered := hub.Snapshot()["RT001"]
	assert.True(t, registered)

	// 新连接真正断开才离线
	require.NoError(t, ws2.Close())
	require.Eventually(t, func() bool {
		return store.offlineCount() == 1
	}, 2*time.Second, 50*time.Millisecond)
}
