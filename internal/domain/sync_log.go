package domain

import "time"

// 同步运行结果
const (
	SyncSuccess = "success"
	SyncPartial = "partial" // 个别来源表失败，其余表已入库
	SyncFailed  = "failed"
)

// SyncLog 同步水位与运行统计（对应 sync_logs 表，追加写）
// 最近一条成功记录的 watermark 是下一次运行的游标。
type SyncLog struct {
	SyncID           string    `db:"sync_id"`
	TenantID         string    `db:"tenant_id"`
	StartedAt        time.Time `db:"started_at"`
	Watermark        time.Time `db:"watermark"` // 本次运行消费到的时间边界
	RecordsSynced    int       `db:"records_synced"`
	EmployeesCreated int       `db:"employees_created"`
	TablesScanned    int       `db:"tables_scanned"`
	TablesFailed     int       `db:"tables_failed"`
	Status           string    `db:"status"`
	Message          string    `db:"message"`
	CreatedAt        time.Time `db:"created_at"`
}

// ToJSON 转换为JSON格式（用于HTTP响应）
func (s *SyncLog) ToJSON() map[string]any {
	return map[string]any{
		"sync_id":           s.SyncID,
		"started_at":        s.StartedAt.Format(time.RFC3339),
		"watermark":         s.Watermark.Format(time.RFC3339),
		"records_synced":    s.RecordsSynced,
		"employees_created": s.EmployeesCreated,
		"tables_scanned":    s.TablesScanned,
		"tables_failed":     s.TablesFailed,
		"status":            s.Status,
		"message":           s.Message,
	}
}
