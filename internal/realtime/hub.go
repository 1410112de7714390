package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/command"
	"github.com/alpesh15gb/apextime-core/internal/domain"
	"github.com/alpesh15gb/apextime-core/internal/ingest"
)

// DeviceStore 长连接适配器的设备存取接口
type DeviceStore interface {
	GetBySerial(ctx context.Context, serial string) (*domain.Device, error)
	MarkOnline(ctx context.Context, deviceID string, at time.Time) error
	MarkOffline(ctx context.Context, deviceID string) error
}

// Hub RealTime 长连接适配器。每台终端保持一条 WebSocket，
// 首条 DEVICE_STATUS 把连接绑定到设备；重连替换旧连接，
// 断开置离线。
type Hub struct {
	devices    DeviceStore
	ingestor   *ingest.Ingestor
	commands   *command.Service
	offlineGap time.Duration
	logger     *zap.Logger

	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*connection // serial → 活跃连接
}

type connection struct {
	ws        *websocket.Conn
	device    *domain.Device
	connected time.Time

	writeMu sync.Mutex
}

// NewHub 创建长连接适配器
func NewHub(devices DeviceStore, ingestor *ingest.Ingestor, commands *command.Service, offlineGap time.Duration, logger *zap.Logger) *Hub {
	return &Hub{
		devices:    devices,
		ingestor:   ingestor,
		commands:   commands,
		offlineGap: offlineGap,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 终端固件不发 Origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		connections: make(map[string]*connection),
	}
}

// ServeHTTP 升级 /realtime-ws 连接并进入消息循环
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	h.logger.Info("RealTime device connecting", zap.String("remote", r.RemoteAddr))
	go h.readLoop(ws)
}

func (h *Hub) readLoop(ws *websocket.Conn) {
	conn := &connection{ws: ws}
	defer h.closeConnection(conn)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.handleMessage(conn, raw)
	}
}

func (h *Hub) handleMessage(conn *connection, raw []byte) {
	ctx := context.Background()
	msg := Parse(raw)
	if msg == nil {
		h.logger.Warn("Unparseable realtime message",
			zap.String("payload", truncate(string(raw), 200)))
		return
	}

	switch msg.Type {
	case TypeDeviceStatus:
		h.handleStatus(ctx, conn, msg)
	case TypeAttendanceLog:
		h.handleAttendance(ctx, conn, msg)
	case TypeCommandRequest:
		h.handleCommandRequest(ctx, conn)
	default:
		h.logger.Warn("Unknown realtime message type", zap.String("type", msg.Type))
	}
}

// handleStatus 心跳/状态：绑定连接、置在线、离线太久补拉日志
func (h *Hub) handleStatus(ctx context.Context, conn *connection, msg *Message) {
	device, err := h.devices.GetBySerial(ctx, msg.DeviceID)
	if err != nil || device.Protocol != domain.ProtocolRealtime {
		h.logger.Warn("Unknown realtime device", zap.String("serial_number", msg.DeviceID))
		// 连接保持打开，终端可能随后用正确的序列号重报
		conn.send(h.logger, map[string]any{"type": "ERROR", "message": "Device not registered"})
		return
	}

	offlineSince := time.Duration(0)
	if device.LastSeen.Valid {
		offlineSince = time.Since(device.LastSeen.Time)
	}

	conn.device = device
	conn.connected = time.Now()
	h.register(device.SerialNumber, conn)

	if err := h.devices.MarkOnline(ctx, device.DeviceID, time.Now()); err != nil {
		h.logger.Error("Failed to mark realtime device online",
			zap.String("device_id", device.DeviceID), zap.Error(err))
	}
	h.logger.Info("RealTime device online", zap.String("serial_number", device.SerialNumber))

	// 离线窗口内终端本地囤了日志，不等管理员手工补拉
	if device.LastSeen.Valid && offlineSince > h.offlineGap {
		if _, err := h.commands.FetchLogsSince(ctx, device.TenantID, device.DeviceID, device.LastSeen.Time); err != nil {
			h.logger.Error("Failed to enqueue log recovery command",
				zap.String("device_id", device.DeviceID), zap.Error(err))
		} else {
			h.logger.Info("Auto-enqueued log recovery after offline gap",
				zap.String("device_id", device.DeviceID),
				zap.Duration("offline", offlineSince))
		}
	}

	conn.send(h.logger, map[string]any{"type": "ACK", "status": "OK"})
}

func (h *Hub) handleAttendance(ctx context.Context, conn *connection, msg *Message) {
	if conn.device == nil {
		h.logger.Warn("Attendance log received before device identification")
		return
	}

	punchTime, err := ingest.ParseTerminalTime(msg.Time, h.ingestor.Location())
	if err != nil {
		h.logger.Warn("Realtime punch with unparseable time",
			zap.String("serial_number", conn.device.SerialNumber),
			zap.String("time", msg.Time))
		conn.send(h.logger, map[string]any{"type": "ACK", "transId": msg.TransID})
		return
	}

	punchType := "0"
	if msg.IOMode == "OUT" {
		punchType = "1"
	}
	h.ingestor.IngestOne(ctx, conn.device, ingest.ParsedPunch{
		DeviceUserID: msg.UserID,
		PunchTime:    punchTime,
		PunchType:    punchType,
	}, "")

	conn.send(h.logger, map[string]any{"type": "ACK", "transId": msg.TransID})
}

// handleCommandRequest 命令轮询：一次回一条
func (h *Hub) handleCommandRequest(ctx context.Context, conn *connection) {
	if conn.device == nil {
		conn.send(h.logger, map[string]any{"type": "NO_COMMAND"})
		return
	}

	cmd, err := h.commands.DrainOne(ctx, conn.device.DeviceID)
	if err != nil {
		h.logger.Error("Failed to drain command for realtime device",
			zap.String("device_id", conn.device.DeviceID), zap.Error(err))
		conn.send(h.logger, map[string]any{"type": "NO_COMMAND"})
		return
	}
	if cmd == nil {
		conn.send(h.logger, map[string]any{"type": "NO_COMMAND"})
		return
	}

	line, err := command.FormatCommand(cmd)
	if err != nil {
		h.logger.Error("Failed to format command",
			zap.String("command_id", cmd.CommandID), zap.Error(err))
		conn.send(h.logger, map[string]any{"type": "NO_COMMAND"})
		return
	}
	conn.send(h.logger, map[string]any{
		"type":    "CMD",
		"id":      command.NumericID(cmd.CommandID),
		"command": line,
	})
}

// register 登记连接；同序列号的旧连接被替换并关闭
func (h *Hub) register(serial string, conn *connection) {
	h.mu.Lock()
	prev := h.connections[serial]
	h.connections[serial] = conn
	h.mu.Unlock()

	if prev != nil && prev != conn {
		prev.ws.Close()
		h.logger.Info("Replaced stale realtime connection", zap.String("serial_number", serial))
	}
}

func (h *Hub) closeConnection(conn *connection) {
	conn.ws.Close()
	if conn.device == nil {
		return
	}

	serial := conn.device.SerialNumber
	h.mu.Lock()
	current := h.connections[serial] == conn
	if current {
		delete(h.connections, serial)
	}
	h.mu.Unlock()

	// 重连已经替换过映射：旧连接退出时设备仍在线，不置离线也
	// 不动新连接
	if !current {
		return
	}

	if err := h.devices.MarkOffline(context.Background(), conn.device.DeviceID); err != nil {
		h.logger.Error("Failed to mark realtime device offline",
			zap.String("device_id", conn.device.DeviceID), zap.Error(err))
	}
	h.logger.Info("RealTime device disconnected", zap.String("serial_number", serial))
}

// Snapshot 序列号 → 连接建立时间（管理面状态接口用）
func (h *Hub) Snapshot() map[string]time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]time.Time, len(h.connections))
	for serial, conn := range h.connections {
		out[serial] = conn.connected
	}
	return out
}

func (c *connection) send(logger *zap.Logger, v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		logger.Warn("Failed to write realtime message", zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
