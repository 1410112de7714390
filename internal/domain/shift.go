package domain

import (
	"fmt"
	"time"
)

// Shift 班次（对应 shifts 表），考勤计算的只读输入
type Shift struct {
	ShiftID         string  `db:"shift_id"`
	TenantID        string  `db:"tenant_id"`
	ShiftName       string  `db:"shift_name"`
	StartTime       string  `db:"start_time"` // "HH:MM"
	EndTime         string  `db:"end_time"`   // "HH:MM"
	GraceInMinutes  int     `db:"grace_in_minutes"`
	GraceOutMinutes int     `db:"grace_out_minutes"`
	IsNightShift    bool    `db:"is_night_shift"`
	HalfDayHours    float64 `db:"half_day_hours"`
	IsDefault       bool    `db:"is_default"`
	IsActive        bool    `db:"is_active"`
}

// WindowFor 计算某个考勤日的班次起止时刻。
// end <= start 或夜班标记置位时，班次结束滚动到次日。
func (s *Shift) WindowFor(date time.Time, loc *time.Location) (start, end time.Time, err error) {
	sh, sm, err := parseClock(s.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid shift start %q: %w", s.StartTime, err)
	}
	eh, em, err := parseClock(s.EndTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid shift end %q: %w", s.EndTime, err)
	}

	y, m, d := date.In(loc).Date()
	start = time.Date(y, m, d, sh, sm, 0, 0, loc)
	end = time.Date(y, m, d, eh, em, 0, 0, loc)
	if !end.After(start) || s.IsNightShift {
		end = end.AddDate(0, 0, 1)
	}
	return start, end, nil
}

func parseClock(v string) (hour, min int, err error) {
	if _, err = fmt.Sscanf(v, "%d:%d", &hour, &min); err != nil {
		return 0, 0, err
	}
	if hour < 0 || hour > 23 || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("out of range")
	}
	return hour, min, nil
}
