package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/domain"
	"github.com/alpesh15gb/apextime-core/internal/legacy"
	"github.com/alpesh15gb/apextime-core/internal/resolver"
	"github.com/alpesh15gb/apextime-core/internal/store"
)

type fakeSyncLogs struct {
	latest *domain.SyncLog
	recent []*domain.SyncLog
}

func (f *fakeSyncLogs) LatestSuccessful(_ context.Context, _ string) (*domain.SyncLog, error) {
	if f.latest == nil {
		return nil, sql.ErrNoRows
	}
	return f.latest, nil
}

func (f *fakeSyncLogs) ListRecent(_ context.Context, _ string, _ int) ([]*domain.SyncLog, error) {
	return f.recent, nil
}

type fakeRecalc struct {
	count    int
	err      error
	lastFrom time.Time
	lastTo   time.Time
}

func (f *fakeRecalc) Recalculate(_ context.Context, _ string, from, to time.Time, _ []string) (int, error) {
	f.lastFrom, f.lastTo = from, to
	return f.count, f.err
}

type fakeMerger struct {
	result *resolver.MergeResult
}

func (f *fakeMerger) MergeDuplicates(_ context.Context, _ string) (*resolver.MergeResult, error) {
	return f.result, nil
}

type fakeRecords struct {
	rows []*domain.AttendanceRecord
}

func (f *fakeRecords) GetByEmployeeDate(_ context.Context, employeeID string, attDate time.Time) (*domain.AttendanceRecord, error) {
	for _, r := range f.rows {
		if r.EmployeeID == employeeID && r.AttDate.Equal(attDate) {
			return r, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeRecords) ListByEmployeeRange(_ context.Context, employeeID string, from, to time.Time) ([]*domain.AttendanceRecord, error) {
	var out []*domain.AttendanceRecord
	for _, r := range f.rows {
		if r.EmployeeID == employeeID && !r.AttDate.Before(from) && !r.AttDate.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeHub struct {
	snapshot map[string]time.Time
}

func (f *fakeHub) Snapshot() map[string]time.Time { return f.snapshot }

type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", store.ErrMiss
	}
	return v, nil
}

func (m *memKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

func (m *memKV) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func newTestAdminHandler(t *testing.T, recalc *fakeRecalc, devices *fakeDevices, hub HubSnapshot) (*AdminHandler, *memKV) {
	t.Helper()
	kv := &memKV{}
	syncFn := func(_ context.Context, _ bool) (*legacy.Result, error) {
		return &legacy.Result{Status: domain.SyncSuccess, RecordsSynced: 3}, nil
	}
	h := NewAdminHandler(syncFn, &fakeSyncLogs{}, recalc, &fakeMerger{result: &resolver.MergeResult{}},
		nil, devices, &fakeEmployees{}, &fakeRecords{}, hub, kv, "default", testLoc, zap.NewNop())
	return h, kv
}

func TestTriggerSync_ReturnsResult(t *testing.T) {
	h, _ := newTestAdminHandler(t, &fakeRecalc{}, &fakeDevices{}, &fakeHub{})

	rec := httptest.NewRecorder()
	h.TriggerSync(rec, httptest.NewRequest(http.MethodPost, "/api/sync/trigger",
		strings.NewReader(`{"full": true}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.SyncSuccess, resp["status"])
	assert.Equal(t, float64(3), resp["records_synced"])
}

func TestSyncStatus_IncludesWatermark(t *testing.T) {
	watermark := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	logs := &fakeSyncLogs{
		latest: &domain.SyncLog{SyncID: "s1", Watermark: watermark, Status: domain.SyncSuccess},
		recent: []*domain.SyncLog{
			{SyncID: "s1", Watermark: watermark, Status: domain.SyncSuccess},
		},
	}
	employees := &fakeEmployees{rows: map[string]*domain.Employee{
		"38": {EmployeeID: "emp-1", DeviceUserID: sql.NullString{String: "38", Valid: true}},
	}}
	h := NewAdminHandler(nil, logs, &fakeRecalc{}, &fakeMerger{result: &resolver.MergeResult{}},
		nil, &fakeDevices{}, employees, &fakeRecords{}, &fakeHub{}, &memKV{}, "default", testLoc, zap.NewNop())

	rec := httptest.NewRecorder()
	h.SyncStatus(rec, httptest.NewRequest(http.MethodGet, "/api/sync/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, watermark.Format(time.RFC3339), resp["watermark"])
	assert.Len(t, resp["recent_runs"], 1)
	stats := resp["employees"].(map[string]any)
	assert.Equal(t, float64(1), stats["active"])
	assert.Equal(t, float64(1), stats["mapped"])
}

func TestRecalculate_ParsesDateRange(t *testing.T) {
	recalc := &fakeRecalc{count: 12}
	h, _ := newTestAdminHandler(t, recalc, &fakeDevices{}, &fakeHub{})

	rec := httptest.NewRecorder()
	h.Recalculate(rec, httptest.NewRequest(http.MethodPost, "/api/attendance/recalculate",
		strings.NewReader(`{"from": "2026-01-01", "to": "2026-01-15"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 12, resp["records"])
	assert.Equal(t, 2026, recalc.lastFrom.Year())
	assert.Equal(t, 15, recalc.lastTo.Day())
}

func TestRecalculate_RejectsBadDate(t *testing.T) {
	h, _ := newTestAdminHandler(t, &fakeRecalc{}, &fakeDevices{}, &fakeHub{})

	rec := httptest.NewRecorder()
	h.Recalculate(rec, httptest.NewRequest(http.MethodPost, "/api/attendance/recalculate",
		strings.NewReader(`{"from": "01/15/2026", "to": "2026-01-15"}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReprocess_TaskLifecycle(t *testing.T) {
	recalc := &fakeRecalc{count: 40}
	h, _ := newTestAdminHandler(t, recalc, &fakeDevices{}, &fakeHub{})

	rec := httptest.NewRecorder()
	h.Reprocess(rec, httptest.NewRequest(http.MethodPost, "/api/attendance/reprocess",
		strings.NewReader(`{"from": "2026-01-01"}`)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	taskID := resp["taskId"]
	require.NotEmpty(t, taskID)

	// 任务在后台跑，轮询到终态
	var task taskRecord
	require.Eventually(t, func() bool {
		statusRec := httptest.NewRecorder()
		h.TaskStatus(statusRec, httptest.NewRequest(http.MethodGet, "/api/tasks/"+taskID, nil), taskID)
		if statusRec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(statusRec.Body.Bytes(), &task); err != nil {
			return false
		}
		return task.State == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 40, task.Records)
}

func TestTaskStatus_UnknownTask(t *testing.T) {
	h, _ := newTestAdminHandler(t, &fakeRecalc{}, &fakeDevices{}, &fakeHub{})

	rec := httptest.NewRecorder()
	h.TaskStatus(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/nope", nil), "nope")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterDevice_CreatesOffline(t *testing.T) {
	devices := &fakeDevices{}
	h, _ := newTestAdminHandler(t, &fakeRecalc{}, devices, &fakeHub{})

	rec := httptest.NewRecorder()
	h.RegisterDevice(rec, httptest.NewRequest(http.MethodPost, "/api/devices",
		strings.NewReader(`{"serialNumber": "CJXE201360845", "deviceName": "Main Gate", "protocol": "ICLOCK"}`)))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, devices.created, 1)
	created := devices.created[0]
	assert.Equal(t, "CJXE201360845", created.SerialNumber)
	assert.Equal(t, domain.DeviceOffline, created.Status)
	assert.True(t, created.IsActive)
	assert.NotEmpty(t, created.DeviceID)
}

func TestRegisterDevice_RequiresSerial(t *testing.T) {
	h, _ := newTestAdminHandler(t, &fakeRecalc{}, &fakeDevices{}, &fakeHub{})

	rec := httptest.NewRecorder()
	h.RegisterDevice(rec, httptest.NewRequest(http.MethodPost, "/api/devices",
		strings.NewReader(`{"protocol": "ICLOCK"}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueCommand_UsesDeviceTenant(t *testing.T) {
	device := iclockDevice()
	devices := &fakeDevices{devices: []*domain.Device{device}}

	mock, commands, closeDB := newMockCommandService(t)
	defer closeDB()
	mock.ExpectExec(`INSERT INTO device_commands`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	h := NewAdminHandler(nil, &fakeSyncLogs{}, &fakeRecalc{}, &fakeMerger{result: &resolver.MergeResult{}},
		commands, devices, &fakeEmployees{}, &fakeRecords{}, &fakeHub{}, &memKV{}, "default", testLoc, zap.NewNop())

	rec := httptest.NewRecorder()
	h.EnqueueCommand(rec, httptest.NewRequest(http.MethodPost,
		"/api/devices/"+device.DeviceID+"/commands",
		strings.NewReader(`{"type": "RESTART"}`)), device.DeviceID)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.CmdRestart, resp["command_type"])
	assert.Equal(t, float64(10), resp["priority"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRealtimeStatus_MergesSnapshot(t *testing.T) {
	connectedAt := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)
	devices := &fakeDevices{devices: []*domain.Device{
		{DeviceID: "d1", SerialNumber: "RT001", Protocol: domain.ProtocolRealtime},
		{DeviceID: "d2", SerialNumber: "RT002", Protocol: domain.ProtocolRealtime},
	}}
	hub := &fakeHub{snapshot: map[string]time.Time{"RT001": connectedAt}}
	h, _ := newTestAdminHandler(t, &fakeRecalc{}, devices, hub)

	rec := httptest.NewRecorder()
	h.RealtimeStatus(rec, httptest.NewRequest(http.MethodGet, "/api/realtime/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Devices []map[string]any `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Devices, 2)
	bySerial := map[string]map[string]any{}
	for _, d := range resp.Devices {
		bySerial[d["serial_number"].(string)] = d
	}
	assert.Equal(t, true, bySerial["RT001"]["ws_connected"])
	assert.Equal(t, connectedAt.Format(time.RFC3339), bySerial["RT001"]["connected_since"])
	assert.Equal(t, false, bySerial["RT002"]["ws_connected"])
}

func TestAttendanceRecords_RangeAndDay(t *testing.T) {
	day := time.Date(2026, 1, 15, 0, 0, 0, 0, testLoc)
	records := &fakeRecords{rows: []*domain.AttendanceRecord{
		{RecordID: "r1", EmployeeID: "emp-1", AttDate: day, Status: domain.StatusPresent},
		{RecordID: "r2", EmployeeID: "emp-1", AttDate: day.AddDate(0, 0, 1), Status: domain.StatusAbsent},
	}}
	h := NewAdminHandler(nil, &fakeSyncLogs{}, &fakeRecalc{}, &fakeMerger{result: &resolver.MergeResult{}},
		nil, &fakeDevices{}, &fakeEmployees{}, records, &fakeHub{}, &memKV{}, "default", testLoc, zap.NewNop())

	rec := httptest.NewRecorder()
	h.AttendanceRecords(rec, httptest.NewRequest(http.MethodGet,
		"/api/attendance/records?employeeId=emp-1&from=2026-01-15&to=2026-01-16", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Records []map[string]any `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Records, 2)

	rec = httptest.NewRecorder()
	h.AttendanceRecords(rec, httptest.NewRequest(http.MethodGet,
		"/api/attendance/records?employeeId=emp-1&date=2026-01-15", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var single map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &single))
	assert.Equal(t, "r1", single["record_id"])

	rec = httptest.NewRecorder()
	h.AttendanceRecords(rec, httptest.NewRequest(http.MethodGet,
		"/api/attendance/records?employeeId=emp-1&date=2026-02-01", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasks_ReadsKV(t *testing.T) {
	h, kv := newTestAdminHandler(t, &fakeRecalc{}, &fakeDevices{}, &fakeHub{})
	require.NoError(t, kv.Set(context.Background(), "task:reprocess:abc",
		`{"state":"completed","records":7}`, time.Hour))

	rec := httptest.NewRecorder()
	h.ListTasks(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Tasks []map[string]any `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "abc", resp.Tasks[0]["taskId"])
	assert.Equal(t, "completed", resp.Tasks[0]["state"])
	assert.Equal(t, float64(7), resp.Tasks[0]["records"])
}
