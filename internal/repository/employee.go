package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alpesh15gb/apextime-core/internal/domain"

	"go.uber.org/zap"
)

// EmployeeRepository 员工仓库
type EmployeeRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEmployeeRepository 创建员工仓库
func NewEmployeeRepository(db *sql.DB, logger *zap.Logger) *EmployeeRepository {
	return &EmployeeRepository{db: db, logger: logger}
}

const employeeColumns = `
	e.employee_id,
	e.tenant_id,
	e.employee_code,
	e.first_name,
	e.last_name,
	e.device_user_id,
	e.source_employee_id,
	e.shift_id,
	e.is_active
`

func scanEmployee(row interface{ Scan(...any) error }) (*domain.Employee, error) {
	e := &domain.Employee{}
	err := row.Scan(
		&e.EmployeeID,
		&e.TenantID,
		&e.EmployeeCode,
		&e.FirstName,
		&e.LastName,
		&e.DeviceUserID,
		&e.SourceEmployeeID,
		&e.ShiftID,
		&e.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetByID 按内部ID查员工
func (r *EmployeeRepository) GetByID(ctx context.Context, employeeID string) (*domain.Employee, error) {
	query := `SELECT ` + employeeColumns + ` FROM employees e WHERE e.employee_id = $1 LIMIT 1`
	e, err := scanEmployee(r.db.QueryRowContext(ctx, query, employeeID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("employee not found: %s", employeeID)
		}
		return nil, fmt.Errorf("failed to query employee: %w", err)
	}
	return e, nil
}

// GetByDeviceUserID 按终端用户号查员工（解析链第一跳）
func (r *EmployeeRepository) GetByDeviceUserID(ctx context.Context, tenantID, deviceUserID string) (*domain.Employee, error) {
	query := `SELECT ` + employeeColumns + `
		FROM employees e
		WHERE e.tenant_id = $1 AND e.device_user_id = $2 AND e.is_active = TRUE
		LIMIT 1`
	e, err := scanEmployee(r.db.QueryRowContext(ctx, query, tenantID, deviceUserID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to query employee by device user: %w", err)
	}
	return e, nil
}

// GetBySourceEmployeeID 按厂家库员工号查员工（SID 重挂链第二跳）
func (r *EmployeeRepository) GetBySourceEmployeeID(ctx context.Context, tenantID, sourceEmployeeID string) (*domain.Employee, error) {
	query := `SELECT ` + employeeColumns + `
		FROM employees e
		WHERE e.tenant_id = $1 AND e.source_employee_id = $2 AND e.is_active = TRUE
		LIMIT 1`
	e, err := scanEmployee(r.db.QueryRowContext(ctx, query, tenantID, sourceEmployeeID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to query employee by source id: %w", err)
	}
	return e, nil
}

// ListActive 列出租户下全部激活员工（合并扫描与模糊名匹配用）
func (r *EmployeeRepository) ListActive(ctx context.Context, tenantID string) ([]*domain.Employee, error) {
	query := `SELECT ` + employeeColumns + `
		FROM employees e
		WHERE e.tenant_id = $1 AND e.is_active = TRUE
		ORDER BY e.employee_code`
	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list employees: %w", err)
	}
	defer rows.Close()

	var employees []*domain.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan employee: %w", err)
		}
		employees = append(employees, e)
	}
	return employees, rows.Err()
}

// Create 创建员工（自动建档与同步均走此入口）
func (r *EmployeeRepository) Create(ctx context.Context, e *domain.Employee) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO employees (
			employee_id, tenant_id, employee_code, first_name, last_name,
			device_user_id, source_employee_id, shift_id, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.EmployeeID, e.TenantID, e.EmployeeCode, e.FirstName, e.LastName,
		e.DeviceUserID, e.SourceEmployeeID, e.ShiftID, e.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to create employee: %w", err)
	}
	r.logger.Info("Employee created",
		zap.String("employee_id", e.EmployeeID),
		zap.String("employee_code", e.EmployeeCode))
	return nil
}

// UpdateName 覆盖姓名（终端上报真实姓名后替换占位名）
func (r *EmployeeRepository) UpdateName(ctx context.Context, employeeID, firstName, lastName string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE employees SET first_name = $1, last_name = $2 WHERE employee_id = $3`,
		firstName, lastName, employeeID,
	)
	if err != nil {
		return fmt.Errorf("failed to update employee name: %w", err)
	}
	return nil
}

// UpdateDeviceUserID 重挂终端用户号（SID 重挂与合并迁移用）
func (r *EmployeeRepository) UpdateDeviceUserID(ctx context.Context, employeeID string, deviceUserID sql.NullString) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE employees SET device_user_id = $1 WHERE employee_id = $2`,
		deviceUserID, employeeID,
	)
	if err != nil {
		return fmt.Errorf("failed to update device user id: %w", err)
	}
	return nil
}

// UpdateCode 覆盖员工编码（数字旧编码换带前缀正式编码）
func (r *EmployeeRepository) UpdateCode(ctx context.Context, employeeID, employeeCode string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE employees SET employee_code = $1 WHERE employee_id = $2`,
		employeeCode, employeeID,
	)
	if err != nil {
		return fmt.Errorf("failed to update employee code: %w", err)
	}
	return nil
}

// Delete 物理删除员工（仅合并流程在考勤迁移完成后调用）
func (r *EmployeeRepository) Delete(ctx context.Context, employeeID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM employees WHERE employee_id = $1`, employeeID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete employee: %w", err)
	}
	return nil
}
