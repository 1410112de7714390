package domain

import (
	"database/sql"
	"time"
)

// 考勤状态
const (
	StatusAbsent          = "Absent"
	StatusShiftIncomplete = "Shift Incomplete" // 只有一次打卡，开班未闭合
	StatusHalfDay         = "Half Day"
	StatusPresent         = "Present"
)

// AttendanceRecord 每人每天一行的考勤结果（对应 attendance_records 表）
// (employee_id, att_date) 唯一约束是核心正确性不变量：重算永远不会产生第二行。
type AttendanceRecord struct {
	RecordID            string          `db:"record_id"`
	TenantID            string          `db:"tenant_id"`
	EmployeeID          string          `db:"employee_id"`
	AttDate             time.Time       `db:"att_date"` // 部署时区的日历日，存为 date
	FirstIn             sql.NullTime    `db:"first_in"`
	LastOut             sql.NullTime    `db:"last_out"`
	WorkingHours        sql.NullFloat64 `db:"working_hours"`
	TotalPunches        int             `db:"total_punches"`
	LateArrivalHours    float64         `db:"late_arrival_hours"`
	EarlyDepartureHours float64         `db:"early_departure_hours"`
	Status              string          `db:"status"`
	PunchLog            string          `db:"punch_log"` // JSONB，当日打卡序列快照
}

// ToJSON 转换为JSON格式（用于HTTP响应）
func (a *AttendanceRecord) ToJSON() map[string]any {
	m := map[string]any{
		"record_id":             a.RecordID,
		"employee_id":           a.EmployeeID,
		"date":                  a.AttDate.Format("2006-01-02"),
		"total_punches":         a.TotalPunches,
		"late_arrival_hours":    a.LateArrivalHours,
		"early_departure_hours": a.EarlyDepartureHours,
		"status":                a.Status,
	}
	if a.FirstIn.Valid {
		m["first_in"] = a.FirstIn.Time.Format(time.RFC3339)
	} else {
		m["first_in"] = nil
	}
	if a.LastOut.Valid {
		m["last_out"] = a.LastOut.Time.Format(time.RFC3339)
	} else {
		m["last_out"] = nil
	}
	if a.WorkingHours.Valid {
		m["working_hours"] = a.WorkingHours.Float64
	} else {
		m["working_hours"] = nil
	}
	return m
}
