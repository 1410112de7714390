package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alpesh15gb/apextime-core/internal/domain"

	"go.uber.org/zap"
)

// ShiftRepository 班次仓库（只读，班次维护不在本服务范围内）
type ShiftRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewShiftRepository 创建班次仓库
func NewShiftRepository(db *sql.DB, logger *zap.Logger) *ShiftRepository {
	return &ShiftRepository{db: db, logger: logger}
}

const shiftColumns = `
	s.shift_id,
	s.tenant_id,
	s.shift_name,
	s.start_time,
	s.end_time,
	s.grace_in_minutes,
	s.grace_out_minutes,
	s.is_night_shift,
	s.half_day_hours,
	s.is_default,
	s.is_active
`

func scanShift(row interface{ Scan(...any) error }) (*domain.Shift, error) {
	s := &domain.Shift{}
	err := row.Scan(
		&s.ShiftID,
		&s.TenantID,
		&s.ShiftName,
		&s.StartTime,
		&s.EndTime,
		&s.GraceInMinutes,
		&s.GraceOutMinutes,
		&s.IsNightShift,
		&s.HalfDayHours,
		&s.IsDefault,
		&s.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByID 按ID查班次
func (r *ShiftRepository) GetByID(ctx context.Context, shiftID string) (*domain.Shift, error) {
	query := `SELECT ` + shiftColumns + ` FROM shifts s WHERE s.shift_id = $1 LIMIT 1`
	s, err := scanShift(r.db.QueryRowContext(ctx, query, shiftID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("shift not found: %s", shiftID)
		}
		return nil, fmt.Errorf("failed to query shift: %w", err)
	}
	return s, nil
}

// GetDefault 取租户默认班次（员工未排班时的回退）
func (r *ShiftRepository) GetDefault(ctx context.Context, tenantID string) (*domain.Shift, error) {
	query := `SELECT ` + shiftColumns + `
		FROM shifts s
		WHERE s.tenant_id = $1 AND s.is_default = TRUE AND s.is_active = TRUE
		LIMIT 1`
	s, err := scanShift(r.db.QueryRowContext(ctx, query, tenantID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to query default shift: %w", err)
	}
	return s, nil
}
