package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/domain"
)

func setupMockAttendanceDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AttendanceRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewAttendanceRepository(db, logger)

	return db, mock, repo
}

func TestUpsertAttendance(t *testing.T) {
	db, mock, repo := setupMockAttendanceDB(t)
	defer db.Close()

	ctx := context.Background()
	attDate := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	rec := &domain.AttendanceRecord{
		RecordID:     uuid.New().String(),
		TenantID:     uuid.New().String(),
		EmployeeID:   uuid.New().String(),
		AttDate:      attDate,
		FirstIn:      sql.NullTime{Time: attDate.Add(9 * time.Hour), Valid: true},
		LastOut:      sql.NullTime{Time: attDate.Add(18 * time.Hour), Valid: true},
		WorkingHours: sql.NullFloat64{Float64: 9, Valid: true},
		TotalPunches: 2,
		Status:       domain.StatusPresent,
		PunchLog:     `[]`,
	}

	mock.ExpectExec(`INSERT INTO attendance_records`).
		WithArgs(rec.RecordID, rec.TenantID, rec.EmployeeID, rec.AttDate,
			rec.FirstIn, rec.LastOut, rec.WorkingHours, rec.TotalPunches,
			rec.LateArrivalHours, rec.EarlyDepartureHours, rec.Status, rec.PunchLog).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Upsert(ctx, rec)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByEmployeeDate_NotFound(t *testing.T) {
	db, mock, repo := setupMockAttendanceDB(t)
	defer db.Close()

	employeeID := uuid.New().String()
	attDate := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT`).
		WithArgs(employeeID, attDate).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByEmployeeDate(context.Background(), employeeID, attDate)

	assert.Equal(t, sql.ErrNoRows, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReassign(t *testing.T) {
	db, mock, repo := setupMockAttendanceDB(t)
	defer db.Close()

	fromID := uuid.New().String()
	toID := uuid.New().String()
	attDate := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE attendance_records SET employee_id`).
		WithArgs(toID, fromID, attDate).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Reassign(context.Background(), fromID, toID, attDate)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
