package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alpesh15gb/apextime-core/internal/domain"

	"go.uber.org/zap"
)

// AttendanceRepository 考勤结果仓库。
// (employee_id, att_date) 上有唯一约束，Upsert 保证任意次重算
// 都只更新同一行，绝不派生第二行。
type AttendanceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAttendanceRepository 创建考勤仓库
func NewAttendanceRepository(db *sql.DB, logger *zap.Logger) *AttendanceRepository {
	return &AttendanceRepository{db: db, logger: logger}
}

const attendanceColumns = `
	a.record_id,
	a.tenant_id,
	a.employee_id,
	a.att_date,
	a.first_in,
	a.last_out,
	a.working_hours,
	a.total_punches,
	a.late_arrival_hours,
	a.early_departure_hours,
	a.status,
	a.punch_log
`

func scanAttendance(row interface{ Scan(...any) error }) (*domain.AttendanceRecord, error) {
	a := &domain.AttendanceRecord{}
	err := row.Scan(
		&a.RecordID,
		&a.TenantID,
		&a.EmployeeID,
		&a.AttDate,
		&a.FirstIn,
		&a.LastOut,
		&a.WorkingHours,
		&a.TotalPunches,
		&a.LateArrivalHours,
		&a.EarlyDepartureHours,
		&a.Status,
		&a.PunchLog,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Upsert 按 (employee_id, att_date) 写入或整行覆盖
func (r *AttendanceRepository) Upsert(ctx context.Context, rec *domain.AttendanceRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (
			record_id, tenant_id, employee_id, att_date,
			first_in, last_out, working_hours, total_punches,
			late_arrival_hours, early_departure_hours, status, punch_log
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (employee_id, att_date) DO UPDATE SET
			first_in = EXCLUDED.first_in,
			last_out = EXCLUDED.last_out,
			working_hours = EXCLUDED.working_hours,
			total_punches = EXCLUDED.total_punches,
			late_arrival_hours = EXCLUDED.late_arrival_hours,
			early_departure_hours = EXCLUDED.early_departure_hours,
			status = EXCLUDED.status,
			punch_log = EXCLUDED.punch_log`,
		rec.RecordID, rec.TenantID, rec.EmployeeID, rec.AttDate,
		rec.FirstIn, rec.LastOut, rec.WorkingHours, rec.TotalPunches,
		rec.LateArrivalHours, rec.EarlyDepartureHours, rec.Status, rec.PunchLog,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert attendance record: %w", err)
	}
	return nil
}

// GetByEmployeeDate 取某员工某考勤日的结果行
func (r *AttendanceRepository) GetByEmployeeDate(ctx context.Context, employeeID string, attDate time.Time) (*domain.AttendanceRecord, error) {
	query := `SELECT ` + attendanceColumns + `
		FROM attendance_records a
		WHERE a.employee_id = $1 AND a.att_date = $2
		LIMIT 1`
	rec, err := scanAttendance(r.db.QueryRowContext(ctx, query, employeeID, attDate))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to query attendance record: %w", err)
	}
	return rec, nil
}

// ListByEmployeeRange 取某员工一段日期的结果（升序）
func (r *AttendanceRepository) ListByEmployeeRange(ctx context.Context, employeeID string, from, to time.Time) ([]*domain.AttendanceRecord, error) {
	query := `SELECT ` + attendanceColumns + `
		FROM attendance_records a
		WHERE a.employee_id = $1 AND a.att_date >= $2 AND a.att_date <= $3
		ORDER BY a.att_date ASC`
	rows, err := r.db.QueryContext(ctx, query, employeeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance records: %w", err)
	}
	defer rows.Close()

	var records []*domain.AttendanceRecord
	for rows.Next() {
		rec, err := scanAttendance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attendance record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListDatesByEmployee 取某员工已有结果的全部考勤日（合并冲突检查用）
func (r *AttendanceRepository) ListDatesByEmployee(ctx context.Context, employeeID string) ([]time.Time, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT att_date FROM attendance_records WHERE employee_id = $1 ORDER BY att_date`,
		employeeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan attendance date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// Reassign 把一个员工某天的结果行迁移到另一个员工（合并流程用）。
// 目标员工同日已有结果时直接返回错误，由调用方决定跳过。
func (r *AttendanceRepository) Reassign(ctx context.Context, fromEmployeeID, toEmployeeID string, attDate time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE attendance_records SET employee_id = $1 WHERE employee_id = $2 AND att_date = $3`,
		toEmployeeID, fromEmployeeID, attDate,
	)
	if err != nil {
		return fmt.Errorf("failed to reassign attendance record: %w", err)
	}
	return nil
}

// DeleteByEmployee 清除某员工全部结果行（合并收尾）
func (r *AttendanceRepository) DeleteByEmployee(ctx context.Context, employeeID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM attendance_records WHERE employee_id = $1`, employeeID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete attendance records: %w", err)
	}
	return nil
}
