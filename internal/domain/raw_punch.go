package domain

import (
	"database/sql"
	"fmt"
	"time"
)

// RawPunch 原始打卡事件（对应 raw_punches 表）
// punch_id 是 (协议, 设备序列号, 设备用户号, 打卡时间) 的确定性组合键，
// 重复投递时 upsert 为空操作。除 is_processed 外写入后不可变。
type RawPunch struct {
	PunchID      string         `db:"punch_id"`
	TenantID     string         `db:"tenant_id"`
	DeviceID     string         `db:"device_id"`
	DeviceUserID string         `db:"device_user_id"`
	UserName     sql.NullString `db:"user_name"`
	PunchTime    time.Time      `db:"punch_time"`
	PunchType    string         `db:"punch_type"` // 进/出提示位，终端上报常不可靠
	Source       string         `db:"source"`     // 协议或同步表名
	IsProcessed  bool           `db:"is_processed"`
}

// PunchKey 生成确定性组合键
func PunchKey(protocol, serial, deviceUserID string, punchTime time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%d", protocol, serial, deviceUserID, punchTime.Unix())
}
