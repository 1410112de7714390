package domain

import (
	"database/sql"
	"time"
)

// 命令类型
const (
	CmdUploadUser    = "UPLOAD_USER"
	CmdDeleteUser    = "DELETE_USER"
	CmdClearAllUsers = "CLEAR_ALL_USERS"
	CmdSyncTime      = "SYNC_TIME"
	CmdRestart       = "RESTART"
	CmdGetLogs       = "GET_LOGS"
	CmdGetUsers      = "GET_USERS"
)

// 命令状态机：PENDING → SENT → COMPLETED|FAILED，终态不自动重试
const (
	CmdPending   = "PENDING"
	CmdSent      = "SENT"
	CmdCompleted = "COMPLETED"
	CmdFailed    = "FAILED"
)

// DeviceCommand 设备出站命令（对应 device_commands 表）
type DeviceCommand struct {
	CommandID   string         `db:"command_id"`
	TenantID    string         `db:"tenant_id"`
	DeviceID    string         `db:"device_id"`
	CommandType string         `db:"command_type"`
	Payload     string         `db:"payload"` // JSONB
	Priority    int            `db:"priority"`
	Status      string         `db:"status"`
	CreatedAt   time.Time      `db:"created_at"`
	SentAt      sql.NullTime   `db:"sent_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	Result      sql.NullString `db:"result"`
	ErrorText   sql.NullString `db:"error_text"`
}

// CommandPriority 按命令类型取派发优先级
func CommandPriority(commandType string) int {
	switch commandType {
	case CmdRestart:
		return 10
	case CmdSyncTime:
		return 9
	case CmdClearAllUsers:
		return 8
	case CmdDeleteUser:
		return 7
	case CmdUploadUser:
		return 5
	case CmdGetLogs:
		return 3
	case CmdGetUsers:
		return 2
	default:
		return 1
	}
}

// ToJSON 转换为JSON格式（用于HTTP响应）
func (c *DeviceCommand) ToJSON() map[string]any {
	m := map[string]any{
		"command_id":   c.CommandID,
		"device_id":    c.DeviceID,
		"command_type": c.CommandType,
		"priority":     c.Priority,
		"status":       c.Status,
		"created_at":   c.CreatedAt.Format(time.RFC3339),
	}
	if c.SentAt.Valid {
		m["sent_at"] = c.SentAt.Time.Format(time.RFC3339)
	}
	if c.CompletedAt.Valid {
		m["completed_at"] = c.CompletedAt.Time.Format(time.RFC3339)
	}
	if c.Result.Valid {
		m["result"] = c.Result.String
	}
	if c.ErrorText.Valid {
		m["error"] = c.ErrorText.String
	}
	return m
}
