package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/domain"
)

// 夜班打卡归属窗口在班次边界外的余量：提前到岗和加班晚走都
// 还算进本班
const nightSlack = 8 * time.Hour

// 键级互斥锁的分片数
const lockStripes = 64

// PunchReader 重算读取原始打卡的最小接口
type PunchReader interface {
	ListByUserWindow(ctx context.Context, tenantID, deviceUserID string, from, to time.Time) ([]*domain.RawPunch, error)
}

// EmployeeReader 重算读取员工的最小接口
type EmployeeReader interface {
	GetByID(ctx context.Context, employeeID string) (*domain.Employee, error)
	ListActive(ctx context.Context, tenantID string) ([]*domain.Employee, error)
}

// ShiftReader 重算读取班次的最小接口
type ShiftReader interface {
	GetByID(ctx context.Context, shiftID string) (*domain.Shift, error)
	GetDefault(ctx context.Context, tenantID string) (*domain.Shift, error)
}

// RecordWriter 考勤结果写入的最小接口
type RecordWriter interface {
	Upsert(ctx context.Context, rec *domain.AttendanceRecord) error
}

// Service 考勤推导服务。增量重算、批量重算和同步回填都收敛到
// RecomputeDay 一个入口；同一 (employee, date) 的并发重算由
// 分片互斥锁串行化，不同键大概率并行，锁内存有固定上界。
type Service struct {
	punches   PunchReader
	employees EmployeeReader
	shifts    ShiftReader
	records   RecordWriter
	loc       *time.Location
	logger    *zap.Logger

	locks [lockStripes]sync.Mutex
}

// NewService 创建考勤服务
func NewService(punches PunchReader, employees EmployeeReader, shifts ShiftReader, records RecordWriter, loc *time.Location, logger *zap.Logger) *Service {
	return &Service{
		punches:   punches,
		employees: employees,
		shifts:    shifts,
		records:   records,
		loc:       loc,
		logger:    logger,
	}
}

func (s *Service) lockFor(employeeID string, date time.Time) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(employeeID))
	h.Write([]byte(date.Format("2006-01-02")))
	return &s.locks[h.Sum32()%lockStripes]
}

// RecomputeDay 重算某员工某个日历日的考勤结果。
// 每次都重读该日全部原始打卡，迟到的历史补卡自然并入。
// 夜班横跨午夜：读取窗口改用班次窗口加前后余量，次日凌晨的
// 下班卡才能闭合本日班次。
func (s *Service) RecomputeDay(ctx context.Context, employeeID string, date time.Time) (*domain.AttendanceRecord, error) {
	day := CivilDate(date, s.loc)
	l := s.lockFor(employeeID, day)
	l.Lock()
	defer l.Unlock()

	emp, err := s.employees.GetByID(ctx, employeeID)
	if err != nil {
		return nil, err
	}

	shift, err := s.shiftFor(ctx, emp)
	if err != nil {
		return nil, err
	}

	windowFrom, windowTo := day, day.AddDate(0, 0, 1)
	if shift != nil {
		shiftStart, shiftEnd, werr := shift.WindowFor(day, s.loc)
		if werr != nil {
			return nil, fmt.Errorf("failed to compute shift window for %s on %s: %w",
				employeeID, day.Format("2006-01-02"), werr)
		}
		if !CivilDate(shiftEnd, s.loc).Equal(day) {
			// 相邻两个夜班日的窗口在 start-nightSlack 处无缝衔接，
			// 每条打卡恰好归属一个考勤日
			windowFrom, windowTo = shiftStart.Add(-nightSlack), shiftEnd.Add(nightSlack)
		}
	}

	var punches []*domain.RawPunch
	if emp.DeviceUserID.Valid {
		punches, err = s.punches.ListByUserWindow(ctx, emp.TenantID, emp.DeviceUserID.String, windowFrom, windowTo)
		if err != nil {
			return nil, err
		}
	}

	result, err := Compute(punches, shift, day, s.loc)
	if err != nil {
		return nil, fmt.Errorf("failed to compute attendance for %s on %s: %w",
			employeeID, day.Format("2006-01-02"), err)
	}

	rec := buildRecord(emp, day, result)
	if err := s.records.Upsert(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Debug("Attendance recomputed",
		zap.String("employee_id", employeeID),
		zap.String("date", day.Format("2006-01-02")),
		zap.String("status", rec.Status),
		zap.Int("punches", rec.TotalPunches))
	return rec, nil
}

// RecomputeForPunch 由一条打卡触发的增量重算。打卡落在的日历日
// 一定重算；夜班的凌晨下班卡同时落在前一考勤日的班次窗口里，
// 前一日一并重算。
func (s *Service) RecomputeForPunch(ctx context.Context, employeeID string, punchTime time.Time) error {
	day := CivilDate(punchTime, s.loc)
	if _, err := s.RecomputeDay(ctx, employeeID, day); err != nil {
		return err
	}

	emp, err := s.employees.GetByID(ctx, employeeID)
	if err != nil {
		return err
	}
	shift, err := s.shiftFor(ctx, emp)
	if err != nil || shift == nil {
		return err
	}

	prev := day.AddDate(0, 0, -1)
	prevStart, prevEnd, err := shift.WindowFor(prev, s.loc)
	if err != nil {
		return err
	}
	if CivilDate(prevEnd, s.loc).Equal(prev) {
		return nil // 非夜班
	}
	t := punchTime.In(s.loc)
	if t.Before(prevStart) || !t.Before(prevEnd.Add(nightSlack)) {
		return nil
	}
	_, err = s.RecomputeDay(ctx, employeeID, prev)
	return err
}

// Recalculate 批量重算：指定租户、日期范围，可选限定员工集合。
// 返回重算成功的记录数。
func (s *Service) Recalculate(ctx context.Context, tenantID string, from, to time.Time, employeeIDs []string) (int, error) {
	var employees []*domain.Employee
	if len(employeeIDs) > 0 {
		for _, id := range employeeIDs {
			emp, err := s.employees.GetByID(ctx, id)
			if err != nil {
				s.logger.Warn("Skipping unknown employee in recalculate",
					zap.String("employee_id", id), zap.Error(err))
				continue
			}
			employees = append(employees, emp)
		}
	} else {
		var err error
		employees, err = s.employees.ListActive(ctx, tenantID)
		if err != nil {
			return 0, err
		}
	}

	count := 0
	start := CivilDate(from, s.loc)
	end := CivilDate(to, s.loc)
	for _, emp := range employees {
		for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
			select {
			case <-ctx.Done():
				return count, ctx.Err()
			default:
			}
			if _, err := s.RecomputeDay(ctx, emp.EmployeeID, day); err != nil {
				s.logger.Error("Failed to recompute attendance",
					zap.String("employee_id", emp.EmployeeID),
					zap.String("date", day.Format("2006-01-02")),
					zap.Error(err))
				continue
			}
			count++
		}
	}
	return count, nil
}

// RecomputePairs 重算指定 (employee, punch time) 集合（同步回填
// 入口）。夜班归属由 RecomputeForPunch 决定。
func (s *Service) RecomputePairs(ctx context.Context, pairs map[string][]time.Time) (int, error) {
	count := 0
	for employeeID, dates := range pairs {
		for _, d := range dates {
			select {
			case <-ctx.Done():
				return count, ctx.Err()
			default:
			}
			if err := s.RecomputeForPunch(ctx, employeeID, d); err != nil {
				s.logger.Error("Failed to recompute touched pair",
					zap.String("employee_id", employeeID),
					zap.String("date", d.Format("2006-01-02")),
					zap.Error(err))
				continue
			}
			count++
		}
	}
	return count, nil
}

// Location 部署固定时区（适配器解析终端时间戳共用）
func (s *Service) Location() *time.Location {
	return s.loc
}

func (s *Service) shiftFor(ctx context.Context, emp *domain.Employee) (*domain.Shift, error) {
	if emp.ShiftID.Valid {
		shift, err := s.shifts.GetByID(ctx, emp.ShiftID.String)
		if err == nil {
			return shift, nil
		}
		s.logger.Warn("Assigned shift not found, falling back to default",
			zap.String("employee_id", emp.EmployeeID),
			zap.String("shift_id", emp.ShiftID.String))
	}
	shift, err := s.shifts.GetDefault(ctx, emp.TenantID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // 无班次时只统计工时，不算迟到早退
		}
		return nil, err
	}
	return shift, nil
}

func buildRecord(emp *domain.Employee, day time.Time, result *Result) *domain.AttendanceRecord {
	rec := &domain.AttendanceRecord{
		RecordID:            uuid.New().String(),
		TenantID:            emp.TenantID,
		EmployeeID:          emp.EmployeeID,
		AttDate:             day,
		TotalPunches:        result.TotalPunches,
		LateArrivalHours:    result.LateArrivalHours,
		EarlyDepartureHours: result.EarlyDepartureHours,
		Status:              result.Status,
		PunchLog:            serializePunchLog(result.Punches),
	}
	if result.FirstIn != nil {
		rec.FirstIn = sql.NullTime{Time: *result.FirstIn, Valid: true}
	}
	if result.LastOut != nil {
		rec.LastOut = sql.NullTime{Time: *result.LastOut, Valid: true}
	}
	if result.WorkingHours != nil {
		rec.WorkingHours = sql.NullFloat64{Float64: *result.WorkingHours, Valid: true}
	}
	return rec
}

func serializePunchLog(punches []*domain.RawPunch) string {
	type entry struct {
		Time   string `json:"time"`
		Type   string `json:"type"`
		Source string `json:"source"`
	}
	entries := make([]entry, 0, len(punches))
	for _, p := range punches {
		entries = append(entries, entry{
			Time:   p.PunchTime.Format(time.RFC3339),
			Type:   p.PunchType,
			Source: p.Source,
		})
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "[]"
	}
	return string(b)
}
