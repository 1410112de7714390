package attendance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpesh15gb/apextime-core/internal/domain"
)

// 部署固定时区（IST）
var testLoc = time.FixedZone("PUNCH", 330*60)

func punchAt(t time.Time) *domain.RawPunch {
	return &domain.RawPunch{
		PunchID:      domain.PunchKey(domain.ProtocolIclock, "CJXE201360845", "38", t),
		DeviceUserID: "38",
		PunchTime:    t,
		PunchType:    "0",
		Source:       domain.ProtocolIclock,
	}
}

func dayShift(start, end string, graceIn, graceOut int, halfDay float64) *domain.Shift {
	return &domain.Shift{
		ShiftID:         "shift-1",
		ShiftName:       "General",
		StartTime:       start,
		EndTime:         end,
		GraceInMinutes:  graceIn,
		GraceOutMinutes: graceOut,
		HalfDayHours:    halfDay,
		IsActive:        true,
	}
}

func TestCompute_NoPunches(t *testing.T) {
	date := time.Date(2026, 1, 15, 0, 0, 0, 0, testLoc)

	res, err := Compute(nil, dayShift("09:30", "18:30", 15, 15, 4), date, testLoc)

	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbsent, res.Status)
	assert.Nil(t, res.FirstIn)
	assert.Nil(t, res.LastOut)
	assert.Zero(t, res.TotalPunches)
}

func TestCompute_SinglePunchIsIncomplete(t *testing.T) {
	date := time.Date(2026, 1, 15, 0, 0, 0, 0, testLoc)
	in := time.Date(2026, 1, 15, 9, 5, 0, 0, testLoc)

	res, err := Compute([]*domain.RawPunch{punchAt(in)}, nil, date, testLoc)

	require.NoError(t, err)
	require.NotNil(t, res.FirstIn)
	assert.True(t, res.FirstIn.Equal(in))
	assert.Nil(t, res.LastOut)
	assert.Nil(t, res.WorkingHours)
	assert.Equal(t, domain.StatusShiftIncomplete, res.Status)
}

func TestCompute_SecondPunchWithinMinuteIsNotOut(t *testing.T) {
	date := time.Date(2026, 1, 15, 0, 0, 0, 0, testLoc)
	in := time.Date(2026, 1, 15, 9, 5, 0, 0, testLoc)
	again := in.Add(30 * time.Second)

	res, err := Compute([]*domain.RawPunch{punchAt(in), punchAt(again)}, nil, date, testLoc)

	require.NoError(t, err)
	assert.Nil(t, res.LastOut)
	assert.Equal(t, domain.StatusShiftIncomplete, res.Status)
	assert.Equal(t, 2, res.TotalPunches)
}

func TestCompute_TwoPunchDayWithinGrace(t *testing.T) {
	date := time.Date(2026, 1, 15, 0, 0, 0, 0, testLoc)
	punches := []*domain.RawPunch{
		punchAt(time.Date(2026, 1, 15, 9, 40, 0, 0, testLoc)),
		punchAt(time.Date(2026, 1, 15, 18, 20, 0, 0, testLoc)),
	}

	res, err := Compute(punches, dayShift("09:30", "18:30", 15, 15, 4), date, testLoc)

	require.NoError(t, err)
	assert.Equal(t, domain.StatusPresent, res.Status)
	assert.Zero(t, res.LateArrivalHours)
	assert.Zero(t, res.EarlyDepartureHours)
	require.NotNil(t, res.WorkingHours)
	assert.InDelta(t, 8.67, *res.WorkingHours, 0.01)
}

func TestCompute_LateArrivalMeasuredFromShiftStart(t *testing.T) {
	date := time.Date(2026, 1, 15, 0, 0, 0, 0, testLoc)
	punches := []*domain.RawPunch{
		punchAt(time.Date(2026, 1, 15, 9, 41, 0, 0, testLoc)),
		punchAt(time.Date(2026, 1, 15, 18, 30, 0, 0, testLoc)),
	}

	res, err := Compute(punches, dayShift("09:30", "18:30", 10, 0, 4), date, testLoc)

	require.NoError(t, err)
	// 超出宽限后迟到从 09:30 算起，而不是从宽限边界算
	assert.InDelta(t, 11.0/60.0, res.LateArrivalHours, 0.001)
}

func TestCompute_OvernightShift(t *testing.T) {
	date := time.Date(2026, 1, 15, 0, 0, 0, 0, testLoc)
	night := &domain.Shift{
		ShiftID:         "shift-night",
		ShiftName:       "Night",
		StartTime:       "22:00",
		EndTime:         "06:00",
		GraceInMinutes:  15,
		GraceOutMinutes: 15,
		IsNightShift:    true,
		HalfDayHours:    4,
		IsActive:        true,
	}
	punches := []*domain.RawPunch{
		punchAt(time.Date(2026, 1, 15, 22, 10, 0, 0, testLoc)),
		punchAt(time.Date(2026, 1, 16, 6, 5, 0, 0, testLoc)),
	}

	res, err := Compute(punches, night, date, testLoc)

	require.NoError(t, err)
	assert.Equal(t, domain.StatusPresent, res.Status)
	assert.Zero(t, res.EarlyDepartureHours)
	require.NotNil(t, res.WorkingHours)
	assert.InDelta(t, 7.92, *res.WorkingHours, 0.01)
}

func TestCompute_EarlyDepartureBeyondGrace(t *testing.T) {
	date := time.Date(2026, 1, 15, 0, 0, 0, 0, testLoc)
	punches := []*domain.RawPunch{
		punchAt(time.Date(2026, 1, 15, 9, 30, 0, 0, testLoc)),
		punchAt(time.Date(2026, 1, 15, 17, 0, 0, 0, testLoc)),
	}

	res, err := Compute(punches, dayShift("09:30", "18:30", 15, 15, 4), date, testLoc)

	require.NoError(t, err)
	// 18:30 前 1.5 小时离岗，超出 15 分钟宽限
	assert.InDelta(t, 1.5, res.EarlyDepartureHours, 0.001)
}

func TestCompute_HalfDayBelowThreshold(t *testing.T) {
	date := time.Date(2026, 1, 15, 0, 0, 0, 0, testLoc)
	punches := []*domain.RawPunch{
		punchAt(time.Date(2026, 1, 15, 9, 30, 0, 0, testLoc)),
		punchAt(time.Date(2026, 1, 15, 12, 30, 0, 0, testLoc)),
	}

	res, err := Compute(punches, dayShift("09:30", "18:30", 15, 15, 4), date, testLoc)

	require.NoError(t, err)
	assert.Equal(t, domain.StatusHalfDay, res.Status)
}

func TestCompute_ClockAnomalyClampsHours(t *testing.T) {
	date := time.Date(2026, 1, 15, 0, 0, 0, 0, testLoc)
	punches := []*domain.RawPunch{
		punchAt(time.Date(2026, 1, 15, 9, 0, 0, 0, testLoc)),
		punchAt(time.Date(2026, 1, 16, 10, 30, 0, 0, testLoc)),
	}

	res, err := Compute(punches, nil, date, testLoc)

	require.NoError(t, err)
	require.NotNil(t, res.WorkingHours)
	assert.Zero(t, *res.WorkingHours)
}

func TestCompute_Idempotent(t *testing.T) {
	date := time.Date(2026, 1, 15, 0, 0, 0, 0, testLoc)
	shift := dayShift("09:30", "18:30", 15, 15, 4)
	punches := []*domain.RawPunch{
		punchAt(time.Date(2026, 1, 15, 18, 20, 0, 0, testLoc)),
		punchAt(time.Date(2026, 1, 15, 9, 40, 0, 0, testLoc)),
	}

	first, err := Compute(punches, shift, date, testLoc)
	require.NoError(t, err)
	second, err := Compute(punches, shift, date, testLoc)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, *first.WorkingHours, *second.WorkingHours)
	assert.True(t, first.FirstIn.Equal(*second.FirstIn))
	assert.True(t, first.LastOut.Equal(*second.LastOut))
}

func TestCivilDate_BucketsInDeploymentZone(t *testing.T) {
	// UTC 23:00 在 IST 是次日 04:30
	utc := time.Date(2026, 1, 14, 23, 0, 0, 0, time.UTC)

	day := CivilDate(utc, testLoc)

	assert.Equal(t, "2026-01-15", day.Format("2006-01-02"))
}
