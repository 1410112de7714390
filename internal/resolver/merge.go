package resolver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/domain"
	"github.com/alpesh15gb/apextime-core/internal/names"
)

// AttendanceStore 合并流程迁移考勤结果的最小接口
type AttendanceStore interface {
	ListDatesByEmployee(ctx context.Context, employeeID string) ([]time.Time, error)
	Reassign(ctx context.Context, fromEmployeeID, toEmployeeID string, attDate time.Time) error
	DeleteByEmployee(ctx context.Context, employeeID string) error
}

// MergeResult 一次合并运行的统计
type MergeResult struct {
	NameGroupsMerged  int `json:"name_groups_merged"`
	CodesUpgraded     int `json:"codes_upgraded"`
	SourceIDMerged    int `json:"source_id_merged"`
	RecordsMigrated   int `json:"records_migrated"`
	EmployeesDeleted  int `json:"employees_deleted"`
	CollisionsSkipped int `json:"collisions_skipped"`
}

// Merger 员工去重维护。历史数据里同一个人可能有两行：
// 纯数字旧编码的一行和带前缀正式编码的一行，三趟扫描把它们收敛为一行。
type Merger struct {
	employees  EmployeeStore
	attendance AttendanceStore
	logger     *zap.Logger
}

// NewMerger 创建合并器
func NewMerger(employees EmployeeStore, attendance AttendanceStore, logger *zap.Logger) *Merger {
	return &Merger{employees: employees, attendance: attendance, logger: logger}
}

// MergeDuplicates 三趟合并：
//  1. 按规范化姓名分组，留非数字名的那行，迁移考勤后删除重复行
//  2. 纯数字编码存在补零带前缀的等价行时，旧行并入新行
//  3. 按厂家员工号分组再合并一次
//
// 每趟都跳过幸存者已有结果的日期，迁移不会撞 (employee, date)
// 唯一约束把整次运行打断在半途。
func (m *Merger) MergeDuplicates(ctx context.Context, tenantID string) (*MergeResult, error) {
	res := &MergeResult{}

	if err := m.mergeByName(ctx, tenantID, res); err != nil {
		return res, err
	}
	if err := m.upgradeNumericCodes(ctx, tenantID, res); err != nil {
		return res, err
	}
	if err := m.mergeBySourceID(ctx, tenantID, res); err != nil {
		return res, err
	}

	m.logger.Info("Duplicate employee merge finished",
		zap.String("tenant_id", tenantID),
		zap.Int("name_groups", res.NameGroupsMerged),
		zap.Int("codes_upgraded", res.CodesUpgraded),
		zap.Int("source_id_groups", res.SourceIDMerged),
		zap.Int("records_migrated", res.RecordsMigrated),
		zap.Int("employees_deleted", res.EmployeesDeleted))
	return res, nil
}

func (m *Merger) mergeByName(ctx context.Context, tenantID string, res *MergeResult) error {
	all, err := m.employees.ListActive(ctx, tenantID)
	if err != nil {
		return err
	}

	groups := make(map[string][]*domain.Employee)
	for _, e := range all {
		key := names.Normalize(e.FirstName, e.LastName)
		if key == "" {
			continue
		}
		groups[key] = append(groups[key], e)
	}

	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		survivor := pickSurvivor(group)
		for _, dup := range group {
			if dup.EmployeeID == survivor.EmployeeID {
				continue
			}
			if err := m.absorb(ctx, dup, survivor, res); err != nil {
				return err
			}
		}
		res.NameGroupsMerged++
	}
	return nil
}

func (m *Merger) upgradeNumericCodes(ctx context.Context, tenantID string, res *MergeResult) error {
	all, err := m.employees.ListActive(ctx, tenantID)
	if err != nil {
		return err
	}

	byCode := make(map[string]*domain.Employee, len(all))
	for _, e := range all {
		byCode[e.EmployeeCode] = e
	}

	for _, e := range all {
		if !names.IsNumeric(e.EmployeeCode) {
			continue
		}
		// 补零加前缀后的等价编码已存在 → 数字行并入正式行
		for _, prefix := range codePrefixes {
			target, ok := byCode[names.PrefixedCode(prefix, e.EmployeeCode, 3)]
			if !ok || target.EmployeeID == e.EmployeeID {
				continue
			}
			if err := m.absorb(ctx, e, target, res); err != nil {
				return err
			}
			res.CodesUpgraded++
			break
		}
	}
	return nil
}

func (m *Merger) mergeBySourceID(ctx context.Context, tenantID string, res *MergeResult) error {
	all, err := m.employees.ListActive(ctx, tenantID)
	if err != nil {
		return err
	}

	groups := make(map[string][]*domain.Employee)
	for _, e := range all {
		if !e.SourceEmployeeID.Valid || e.SourceEmployeeID.String == "" {
			continue
		}
		groups[e.SourceEmployeeID.String] = append(groups[e.SourceEmployeeID.String], e)
	}

	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		survivor := pickSurvivor(group)
		for _, dup := range group {
			if dup.EmployeeID == survivor.EmployeeID {
				continue
			}
			if err := m.absorb(ctx, dup, survivor, res); err != nil {
				return err
			}
		}
		res.SourceIDMerged++
	}
	return nil
}

// absorb 把 dup 的考勤结果迁给 survivor 后删除 dup。
// 幸存者已有结果的日期原样保留，重复日期的 dup 行随 dup 一起删除。
func (m *Merger) absorb(ctx context.Context, dup, survivor *domain.Employee, res *MergeResult) error {
	taken := make(map[string]bool)
	dates, err := m.attendance.ListDatesByEmployee(ctx, survivor.EmployeeID)
	if err != nil {
		return err
	}
	for _, d := range dates {
		taken[d.Format("2006-01-02")] = true
	}

	dupDates, err := m.attendance.ListDatesByEmployee(ctx, dup.EmployeeID)
	if err != nil {
		return err
	}
	for _, d := range dupDates {
		if taken[d.Format("2006-01-02")] {
			res.CollisionsSkipped++
			continue
		}
		if err := m.attendance.Reassign(ctx, dup.EmployeeID, survivor.EmployeeID, d); err != nil {
			return err
		}
		res.RecordsMigrated++
	}

	// 重复行残留的考勤结果（冲突日期）连同员工一起清掉
	if err := m.attendance.DeleteByEmployee(ctx, dup.EmployeeID); err != nil {
		return err
	}

	// 正式行没有终端映射时继承重复行的
	if !survivor.DeviceUserID.Valid && dup.DeviceUserID.Valid {
		if err := m.employees.UpdateDeviceUserID(ctx, survivor.EmployeeID, dup.DeviceUserID); err != nil {
			return err
		}
		survivor.DeviceUserID = dup.DeviceUserID
	}

	if err := m.employees.Delete(ctx, dup.EmployeeID); err != nil {
		return err
	}
	res.EmployeesDeleted++

	m.logger.Info("Merged duplicate employee",
		zap.String("survivor_id", survivor.EmployeeID),
		zap.String("survivor_code", survivor.EmployeeCode),
		zap.String("deleted_id", dup.EmployeeID),
		zap.String("deleted_code", dup.EmployeeCode))
	return nil
}

// 正式编码使用过的前缀（按部署历史排列）
var codePrefixes = []string{"HO", "EMP"}

// pickSurvivor 留显示名非纯数字的那行；全是数字名时留第一行
func pickSurvivor(group []*domain.Employee) *domain.Employee {
	for _, e := range group {
		if !names.IsNumeric(e.FirstName) && e.FirstName != "Employee" {
			return e
		}
	}
	for _, e := range group {
		if !names.IsNumeric(e.EmployeeCode) {
			return e
		}
	}
	return group[0]
}
