package domain

import (
	"database/sql"
	"time"
)

// 设备协议类型
const (
	ProtocolIclock    = "ICLOCK"           // ADMS / iClock HTTP 推送协议（ESSL、Matrix 等）
	ProtocolHikvision = "HIKVISION_DIRECT" // Hikvision HTTP Host 事件推送
	ProtocolRealtime  = "REALTIME_DIRECT"  // RealTime WebSocket 长连接协议
	ProtocolSQLLogs   = "SQL_LOGS"         // 厂家自带数据库（同步桥）
)

// 设备在线状态
const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// Device 考勤终端领域模型（对应 devices 表）
type Device struct {
	DeviceID     string         `db:"device_id"`
	TenantID     string         `db:"tenant_id"`
	SerialNumber string         `db:"serial_number"`
	DeviceName   string         `db:"device_name"`
	Protocol     string         `db:"protocol"`
	Status       string         `db:"status"` // NOT NULL, default 'offline'
	LastSeen     sql.NullTime   `db:"last_seen"`
	IsActive     bool           `db:"is_active"`
	Config       sql.NullString `db:"config"` // JSONB，厂家特有参数
}

// ToJSON 转换为JSON格式（用于HTTP响应）
func (d *Device) ToJSON() map[string]any {
	m := map[string]any{
		"device_id":     d.DeviceID,
		"tenant_id":     d.TenantID,
		"serial_number": d.SerialNumber,
		"device_name":   d.DeviceName,
		"protocol":      d.Protocol,
		"status":        d.Status,
		"is_active":     d.IsActive,
	}
	if d.LastSeen.Valid {
		m["last_seen"] = d.LastSeen.Time.Format(time.RFC3339)
	} else {
		m["last_seen"] = nil
	}
	return m
}
