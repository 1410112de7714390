package domain

import (
	"database/sql"
	"strings"
)

// Employee 员工领域模型（对应 employees 表）
// device_user_id 同一时刻最多映射一个终端用户号；历史数据中曾混用
// 纯数字旧编码与带前缀的正式编码，由 resolver 的合并流程消除重复。
type Employee struct {
	EmployeeID       string         `db:"employee_id"`
	TenantID         string         `db:"tenant_id"`
	EmployeeCode     string         `db:"employee_code"`
	FirstName        string         `db:"first_name"`
	LastName         string         `db:"last_name"`
	DeviceUserID     sql.NullString `db:"device_user_id"`
	SourceEmployeeID sql.NullString `db:"source_employee_id"` // 厂家库内部员工号
	ShiftID          sql.NullString `db:"shift_id"`
	IsActive         bool           `db:"is_active"`
}

// FullName 返回显示名
func (e *Employee) FullName() string {
	return strings.TrimSpace(e.FirstName + " " + e.LastName)
}

// HasPlaceholderName 名字仍是自动建档占位符（"Employee" 或纯数字）
func (e *Employee) HasPlaceholderName() bool {
	if e.FirstName == "Employee" {
		return true
	}
	return isAllDigits(e.FirstName)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ToJSON 转换为JSON格式（用于HTTP响应）
func (e *Employee) ToJSON() map[string]any {
	m := map[string]any{
		"employee_id":   e.EmployeeID,
		"tenant_id":     e.TenantID,
		"employee_code": e.EmployeeCode,
		"first_name":    e.FirstName,
		"last_name":     e.LastName,
		"is_active":     e.IsActive,
	}
	if e.DeviceUserID.Valid {
		m["device_user_id"] = e.DeviceUserID.String
	}
	if e.SourceEmployeeID.Valid {
		m["source_employee_id"] = e.SourceEmployeeID.String
	}
	if e.ShiftID.Valid {
		m["shift_id"] = e.ShiftID.String
	}
	return m
}
