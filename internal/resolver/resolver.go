package resolver

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/domain"
	"github.com/alpesh15gb/apextime-core/internal/names"
)

// EmployeeStore 解析链使用的员工存取接口
type EmployeeStore interface {
	GetByDeviceUserID(ctx context.Context, tenantID, deviceUserID string) (*domain.Employee, error)
	GetBySourceEmployeeID(ctx context.Context, tenantID, sourceEmployeeID string) (*domain.Employee, error)
	ListActive(ctx context.Context, tenantID string) ([]*domain.Employee, error)
	Create(ctx context.Context, e *domain.Employee) error
	UpdateName(ctx context.Context, employeeID, firstName, lastName string) error
	UpdateDeviceUserID(ctx context.Context, employeeID string, deviceUserID sql.NullString) error
	UpdateCode(ctx context.Context, employeeID, employeeCode string) error
	Delete(ctx context.Context, employeeID string) error
}

// ShiftStore 自动建档取默认班次
type ShiftStore interface {
	GetDefault(ctx context.Context, tenantID string) (*domain.Shift, error)
}

// RefInfo 厂家库参考资料：终端用户号 → 真实姓名与厂家员工号
type RefInfo struct {
	Name       string
	SourceID   string
	Department string
}

// Resolver 员工解析器工厂。解析过程本身有状态（缓存），
// 每次摄入/同步运行单独 NewRun，运行结束缓存随之丢弃。
type Resolver struct {
	employees EmployeeStore
	shifts    ShiftStore
	logger    *zap.Logger
}

// NewResolver 创建解析器
func NewResolver(employees EmployeeStore, shifts ShiftStore, logger *zap.Logger) *Resolver {
	return &Resolver{employees: employees, shifts: shifts, logger: logger}
}

// Run 一次解析运行。缓存只在本次运行内有效，绝不跨运行、跨租户共享。
type Run struct {
	r        *Resolver
	tenantID string

	byDeviceUserID map[string]string // deviceUserID → employeeID
	bySourceID     map[string]string // "SID:"+sourceID → employeeID
	byCode         map[string]string // "CODE:"+code → employeeID
	rows           map[string]*domain.Employee
	reference      map[string]RefInfo

	Created int // 本次运行自动建档数
}

// NewRun 开启一次解析运行
func (r *Resolver) NewRun(tenantID string) *Run {
	return &Run{
		r:              r,
		tenantID:       tenantID,
		byDeviceUserID: make(map[string]string),
		bySourceID:     make(map[string]string),
		byCode:         make(map[string]string),
		rows:           make(map[string]*domain.Employee),
		reference:      make(map[string]RefInfo),
	}
}

// LoadReference 装入厂家库参考资料（同步桥在扫描人员表后调用）
func (run *Run) LoadReference(ref map[string]RefInfo) {
	for k, v := range ref {
		run.reference[k] = v
	}
}

// Resolve 把终端用户号解析为员工，必要时自动建档。
// 解析顺序从最精确到最宽松：
//  1. 已有 device_user_id 映射
//  2. 厂家员工号命中 → 把该员工的 device_user_id 重挂到新号
//  3. 规范化姓名模糊匹配 → 关联，优先保留非纯数字编码
//  4. 自动建档：生成编码、默认班次、占位姓名
func (run *Run) Resolve(ctx context.Context, deviceUserID, observedName string) (*domain.Employee, error) {
	if deviceUserID == "" {
		return nil, fmt.Errorf("empty device user id")
	}

	if ref, ok := run.reference[deviceUserID]; ok && observedName == "" {
		observedName = ref.Name
	}

	if id, ok := run.byDeviceUserID[deviceUserID]; ok {
		return run.found(ctx, id, deviceUserID, observedName)
	}

	// 1. 精确映射
	emp, err := run.r.employees.GetByDeviceUserID(ctx, run.tenantID, deviceUserID)
	if err == nil {
		run.remember(emp)
		return run.upgrade(ctx, emp, observedName)
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	// 2. 厂家员工号重挂
	if ref, ok := run.reference[deviceUserID]; ok && ref.SourceID != "" {
		emp, err = run.r.employees.GetBySourceEmployeeID(ctx, run.tenantID, ref.SourceID)
		if err == nil {
			if err := run.r.employees.UpdateDeviceUserID(ctx, emp.EmployeeID,
				sql.NullString{String: deviceUserID, Valid: true}); err != nil {
				return nil, err
			}
			emp.DeviceUserID = sql.NullString{String: deviceUserID, Valid: true}
			run.r.logger.Info("Relinked employee by source id",
				zap.String("employee_id", emp.EmployeeID),
				zap.String("source_id", ref.SourceID),
				zap.String("device_user_id", deviceUserID))
			run.remember(emp)
			return run.upgrade(ctx, emp, observedName)
		}
		if err != sql.ErrNoRows {
			return nil, err
		}
	}

	// 3. 规范化姓名模糊匹配
	if observedName != "" {
		emp, err = run.matchByName(ctx, deviceUserID, observedName)
		if err != nil {
			return nil, err
		}
		if emp != nil {
			run.remember(emp)
			return emp, nil
		}
	}

	// 4. 自动建档
	emp, err = run.provision(ctx, deviceUserID, observedName)
	if err != nil {
		return nil, err
	}
	run.remember(emp)
	return emp, nil
}

func (run *Run) found(ctx context.Context, employeeID, deviceUserID, observedName string) (*domain.Employee, error) {
	if emp, ok := run.rows[employeeID]; ok {
		return run.upgrade(ctx, emp, observedName)
	}
	emp, err := run.r.employees.GetByDeviceUserID(ctx, run.tenantID, deviceUserID)
	if err != nil {
		return nil, err
	}
	run.remember(emp)
	return run.upgrade(ctx, emp, observedName)
}

func (run *Run) matchByName(ctx context.Context, deviceUserID, observedName string) (*domain.Employee, error) {
	first, last := names.Parse(observedName)
	target := names.Normalize(first, last)
	if target == "" || names.IsNumeric(observedName) {
		return nil, nil
	}

	all, err := run.r.employees.ListActive(ctx, run.tenantID)
	if err != nil {
		return nil, err
	}

	var match *domain.Employee
	for _, e := range all {
		if names.Normalize(e.FirstName, e.LastName) != target {
			continue
		}
		// 同名多行时优先非纯数字编码的那一行（正式编码）
		if match == nil || (names.IsNumeric(match.EmployeeCode) && !names.IsNumeric(e.EmployeeCode)) {
			match = e
		}
	}
	if match == nil {
		return nil, nil
	}

	if err := run.r.employees.UpdateDeviceUserID(ctx, match.EmployeeID,
		sql.NullString{String: deviceUserID, Valid: true}); err != nil {
		return nil, err
	}
	match.DeviceUserID = sql.NullString{String: deviceUserID, Valid: true}
	run.r.logger.Info("Linked device user to employee by name",
		zap.String("employee_id", match.EmployeeID),
		zap.String("device_user_id", deviceUserID),
		zap.String("name", observedName))
	return match, nil
}

func (run *Run) provision(ctx context.Context, deviceUserID, observedName string) (*domain.Employee, error) {
	firstName := "Employee"
	lastName := deviceUserID
	if observedName != "" && !names.IsNumeric(observedName) {
		firstName, lastName = names.Parse(observedName)
	}

	emp := &domain.Employee{
		EmployeeID:   uuid.New().String(),
		TenantID:     run.tenantID,
		EmployeeCode: names.PrefixedCode("EMP", deviceUserID, 4),
		FirstName:    firstName,
		LastName:     lastName,
		DeviceUserID: sql.NullString{String: deviceUserID, Valid: true},
		IsActive:     true,
	}
	if ref, ok := run.reference[deviceUserID]; ok && ref.SourceID != "" {
		emp.SourceEmployeeID = sql.NullString{String: ref.SourceID, Valid: true}
	}

	shift, err := run.r.shifts.GetDefault(ctx, run.tenantID)
	if err == nil {
		emp.ShiftID = sql.NullString{String: shift.ShiftID, Valid: true}
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	if err := run.r.employees.Create(ctx, emp); err != nil {
		return nil, err
	}
	run.Created++
	run.r.logger.Info("Auto-provisioned employee",
		zap.String("employee_id", emp.EmployeeID),
		zap.String("employee_code", emp.EmployeeCode),
		zap.String("device_user_id", deviceUserID))
	return emp, nil
}

// upgrade 终端报来真实姓名时替换占位名
func (run *Run) upgrade(ctx context.Context, emp *domain.Employee, observedName string) (*domain.Employee, error) {
	if observedName == "" || names.IsNumeric(observedName) || !emp.HasPlaceholderName() {
		return emp, nil
	}
	first, last := names.Parse(observedName)
	if err := run.r.employees.UpdateName(ctx, emp.EmployeeID, first, last); err != nil {
		return nil, err
	}
	emp.FirstName = first
	emp.LastName = last
	run.r.logger.Info("Upgraded placeholder employee name",
		zap.String("employee_id", emp.EmployeeID),
		zap.String("name", observedName))
	return emp, nil
}

func (run *Run) remember(emp *domain.Employee) {
	if emp.DeviceUserID.Valid {
		run.byDeviceUserID[emp.DeviceUserID.String] = emp.EmployeeID
	}
	if emp.SourceEmployeeID.Valid {
		run.bySourceID["SID:"+emp.SourceEmployeeID.String] = emp.EmployeeID
	}
	run.byCode["CODE:"+emp.EmployeeCode] = emp.EmployeeID
	run.rows[emp.EmployeeID] = emp
}
