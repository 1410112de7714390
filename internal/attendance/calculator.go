package attendance

import (
	"sort"
	"time"

	"github.com/alpesh15gb/apextime-core/internal/domain"
)

// 单次打卡与闭合班次的最小间隔：一分钟内的第二次刷卡视为抖动
const minOutGap = 60 * time.Second

// Result 一次考勤推导的纯输出
type Result struct {
	FirstIn             *time.Time
	LastOut             *time.Time
	WorkingHours        *float64
	TotalPunches        int
	LateArrivalHours    float64
	EarlyDepartureHours float64
	Status              string
	Punches             []*domain.RawPunch // 排序后的当日打卡
}

// Compute 由一人一天的原始打卡推导考勤结果。
// 纯函数：同样的输入永远产出同样的结果，增量重算、批量重算
// 和历史回填共用这一条代码路径。
func Compute(punches []*domain.RawPunch, shift *domain.Shift, date time.Time, loc *time.Location) (*Result, error) {
	sorted := make([]*domain.RawPunch, len(punches))
	copy(sorted, punches)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PunchTime.Before(sorted[j].PunchTime)
	})

	res := &Result{
		TotalPunches: len(sorted),
		Status:       domain.StatusAbsent,
		Punches:      sorted,
	}
	if len(sorted) == 0 {
		return res, nil
	}

	firstIn := sorted[0].PunchTime
	res.FirstIn = &firstIn

	// 单次打卡或一分钟内的复刷不闭合班次
	last := sorted[len(sorted)-1].PunchTime
	if len(sorted) > 1 && last.Sub(firstIn) > minOutGap {
		res.LastOut = &last
		hours := last.Sub(firstIn).Hours()
		if hours < 0 || hours > 24 {
			hours = 0 // 时钟异常防护
		}
		res.WorkingHours = &hours
	}

	if shift != nil {
		shiftStart, shiftEnd, err := shift.WindowFor(date, loc)
		if err != nil {
			return nil, err
		}

		// 迟到早退以真实班次边界计量，宽限期只决定算不算
		graceIn := time.Duration(shift.GraceInMinutes) * time.Minute
		if firstIn.After(shiftStart.Add(graceIn)) {
			res.LateArrivalHours = firstIn.Sub(shiftStart).Hours()
		}
		if res.LastOut != nil {
			graceOut := time.Duration(shift.GraceOutMinutes) * time.Minute
			if res.LastOut.Before(shiftEnd.Add(-graceOut)) {
				res.EarlyDepartureHours = shiftEnd.Sub(*res.LastOut).Hours()
			}
		}
	}

	switch {
	case res.LastOut == nil:
		res.Status = domain.StatusShiftIncomplete
	case shift != nil && shift.HalfDayHours > 0 && *res.WorkingHours < shift.HalfDayHours:
		res.Status = domain.StatusHalfDay
	default:
		res.Status = domain.StatusPresent
	}
	return res, nil
}

// CivilDate 把打卡时刻归到部署时区的日历日（零点，保留时区）
func CivilDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
