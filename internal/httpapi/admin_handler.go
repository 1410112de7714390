package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/command"
	"github.com/alpesh15gb/apextime-core/internal/domain"
	"github.com/alpesh15gb/apextime-core/internal/legacy"
	"github.com/alpesh15gb/apextime-core/internal/resolver"
	"github.com/alpesh15gb/apextime-core/internal/store"
)

// 异步任务状态记录的保留时长
const taskTTL = 24 * time.Hour

// SyncFunc 触发一次同步桥运行
type SyncFunc func(ctx context.Context, fullResync bool) (*legacy.Result, error)

// SyncLogReader 同步历史查询
type SyncLogReader interface {
	LatestSuccessful(ctx context.Context, tenantID string) (*domain.SyncLog, error)
	ListRecent(ctx context.Context, tenantID string, limit int) ([]*domain.SyncLog, error)
}

// Recalculator 批量重算入口
type Recalculator interface {
	Recalculate(ctx context.Context, tenantID string, from, to time.Time, employeeIDs []string) (int, error)
}

// Deduplicator 员工合并入口
type Deduplicator interface {
	MergeDuplicates(ctx context.Context, tenantID string) (*resolver.MergeResult, error)
}

// AttendanceReader 管理面的考勤结果查询
type AttendanceReader interface {
	GetByEmployeeDate(ctx context.Context, employeeID string, attDate time.Time) (*domain.AttendanceRecord, error)
	ListByEmployeeRange(ctx context.Context, employeeID string, from, to time.Time) ([]*domain.AttendanceRecord, error)
}

// EmployeeCounter 同步状态接口的员工映射统计
type EmployeeCounter interface {
	ListActive(ctx context.Context, tenantID string) ([]*domain.Employee, error)
}

// DeviceAdmin 管理面的设备存取
type DeviceAdmin interface {
	Create(ctx context.Context, d *domain.Device) error
	GetByID(ctx context.Context, deviceID string) (*domain.Device, error)
	ListAll(ctx context.Context) ([]*domain.Device, error)
	ListByProtocol(ctx context.Context, protocol string) ([]*domain.Device, error)
}

// HubSnapshot 长连接在线快照
type HubSnapshot interface {
	Snapshot() map[string]time.Time
}

// AdminHandler 管理面 JSON 接口。鉴权在外层网关，核心只管语义。
type AdminHandler struct {
	sync       SyncFunc
	syncLogs   SyncLogReader
	attendance Recalculator
	merger     Deduplicator
	commands   *command.Service
	devices    DeviceAdmin
	employees  EmployeeCounter
	records    AttendanceReader
	hub        HubSnapshot
	tasks      store.KV
	tenantID   string
	loc        *time.Location
	logger     *zap.Logger
}

func NewAdminHandler(sync SyncFunc, syncLogs SyncLogReader, att Recalculator, merger Deduplicator, commands *command.Service, devices DeviceAdmin, employees EmployeeCounter, records AttendanceReader, hub HubSnapshot, tasks store.KV, tenantID string, loc *time.Location, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		sync:       sync,
		syncLogs:   syncLogs,
		attendance: att,
		merger:     merger,
		commands:   commands,
		devices:    devices,
		employees:  employees,
		records:    records,
		hub:        hub,
		tasks:      tasks,
		tenantID:   tenantID,
		loc:        loc,
		logger:     logger,
	}
}

// TriggerSync POST /api/sync/trigger {full} — 同步并返回计数
func (h *AdminHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Full bool `json:"full"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // 空体等价 {full:false}
	}

	if h.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "legacy sync is not configured")
		return
	}
	result, err := h.sync(r.Context(), req.Full)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SyncStatus GET /api/sync/status — 最近水位与运行历史
func (h *AdminHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"tenant_id": h.tenantID}

	latest, err := h.syncLogs.LatestSuccessful(r.Context(), h.tenantID)
	if err == nil {
		resp["watermark"] = latest.Watermark.Format(time.RFC3339)
		resp["last_success"] = latest.ToJSON()
	} else if err != sql.ErrNoRows {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	recent, err := h.syncLogs.ListRecent(r.Context(), h.tenantID, 10)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	runs := make([]map[string]any, 0, len(recent))
	for _, l := range recent {
		runs = append(runs, l.ToJSON())
	}
	resp["recent_runs"] = runs

	employees, err := h.employees.ListActive(r.Context(), h.tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	mapped := 0
	for _, e := range employees {
		if e.DeviceUserID.Valid {
			mapped++
		}
	}
	resp["employees"] = map[string]int{
		"active":   len(employees),
		"mapped":   mapped,
		"unmapped": len(employees) - mapped,
	}
	writeJSON(w, http.StatusOK, resp)
}

// Recalculate POST /api/attendance/recalculate — 同步执行，返回计数
func (h *AdminHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID    string   `json:"tenantId"`
		From        string   `json:"from"`
		To          string   `json:"to"`
		EmployeeIDs []string `json:"employeeIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	from, err := time.ParseInLocation("2006-01-02", req.From, h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from date, want YYYY-MM-DD")
		return
	}
	to, err := time.ParseInLocation("2006-01-02", req.To, h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to date, want YYYY-MM-DD")
		return
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = h.tenantID
	}

	count, err := h.attendance.Recalculate(r.Context(), tenantID, from, to, req.EmployeeIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": count})
}

// AttendanceRecords GET /api/attendance/records?employeeId=..&date=.. 或 &from=..&to=..
func (h *AdminHandler) AttendanceRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	employeeID := q.Get("employeeId")
	if employeeID == "" {
		writeError(w, http.StatusBadRequest, "employeeId is required")
		return
	}

	if date := q.Get("date"); date != "" {
		day, err := time.ParseInLocation("2006-01-02", date, h.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date, want YYYY-MM-DD")
			return
		}
		rec, err := h.records.GetByEmployeeDate(r.Context(), employeeID, day)
		if err != nil {
			if err == sql.ErrNoRows {
				writeError(w, http.StatusNotFound, "no attendance record for that date")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rec.ToJSON())
		return
	}

	from, err := time.ParseInLocation("2006-01-02", q.Get("from"), h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from date, want YYYY-MM-DD")
		return
	}
	to, err := time.ParseInLocation("2006-01-02", q.Get("to"), h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to date, want YYYY-MM-DD")
		return
	}

	records, err := h.records.ListByEmployeeRange(r.Context(), employeeID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.ToJSON())
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

// taskRecord 异步任务状态（KV 存储，task:reprocess:<id>）
type taskRecord struct {
	State      string `json:"state"` // running / completed / failed
	Records    int    `json:"records"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// Reprocess POST /api/attendance/reprocess — 显式异步任务。
// 返回 taskId，进度落在 KV 里，不是一只脱缰的 goroutine。
func (h *AdminHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	now := time.Now().In(h.loc)
	from := now.AddDate(0, 0, -30)
	to := now
	if req.From != "" {
		parsed, err := time.ParseInLocation("2006-01-02", req.From, h.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from date, want YYYY-MM-DD")
			return
		}
		from = parsed
	}
	if req.To != "" {
		parsed, err := time.ParseInLocation("2006-01-02", req.To, h.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to date, want YYYY-MM-DD")
			return
		}
		to = parsed
	}

	taskID := uuid.New().String()
	h.putTask(r.Context(), taskID, &taskRecord{
		State:     "running",
		StartedAt: now.Format(time.RFC3339),
	})

	go h.runReprocess(taskID, from, to)

	writeJSON(w, http.StatusAccepted, map[string]any{"taskId": taskID})
}

func (h *AdminHandler) runReprocess(taskID string, from, to time.Time) {
	// 任务独立于触发它的请求存活
	ctx := context.Background()
	rec := &taskRecord{State: "running", StartedAt: time.Now().Format(time.RFC3339)}

	count, err := h.attendance.Recalculate(ctx, h.tenantID, from, to, nil)
	rec.Records = count
	rec.FinishedAt = time.Now().Format(time.RFC3339)
	if err != nil {
		rec.State = "failed"
		rec.Error = err.Error()
		h.logger.Error("Reprocess task failed", zap.String("task_id", taskID), zap.Error(err))
	} else {
		rec.State = "completed"
		h.logger.Info("Reprocess task completed",
			zap.String("task_id", taskID), zap.Int("records", count))
	}
	h.putTask(ctx, taskID, rec)
}

// TaskStatus GET /api/tasks/{id}
func (h *AdminHandler) TaskStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	raw, err := h.tasks.Get(r.Context(), taskKey(taskID))
	if err != nil {
		if err == store.ErrMiss {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var rec taskRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		writeError(w, http.StatusInternalServerError, "corrupt task record")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListTasks GET /api/tasks — 留存期内的全部任务记录
func (h *AdminHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	keys, err := h.tasks.ScanKeys(r.Context(), "task:reprocess:*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		raw, err := h.tasks.Get(r.Context(), key)
		if err != nil {
			continue // 扫描与读取之间过期
		}
		var rec taskRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, map[string]any{
			"taskId":      strings.TrimPrefix(key, "task:reprocess:"),
			"state":       rec.State,
			"records":     rec.Records,
			"error":       rec.Error,
			"started_at":  rec.StartedAt,
			"finished_at": rec.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

// MergeDuplicates POST /api/employees/merge-duplicates
func (h *AdminHandler) MergeDuplicates(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenantId"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = h.tenantID
	}

	result, err := h.merger.MergeDuplicates(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RegisterDevice POST /api/devices — 登记终端
func (h *AdminHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SerialNumber string `json:"serialNumber"`
		DeviceName   string `json:"deviceName"`
		Protocol     string `json:"protocol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SerialNumber == "" || req.Protocol == "" {
		writeError(w, http.StatusBadRequest, "serialNumber and protocol are required")
		return
	}

	device := &domain.Device{
		DeviceID:     uuid.New().String(),
		TenantID:     h.tenantID,
		SerialNumber: req.SerialNumber,
		DeviceName:   req.DeviceName,
		Protocol:     req.Protocol,
		Status:       domain.DeviceOffline,
		IsActive:     true,
	}
	if err := h.devices.Create(r.Context(), device); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, device.ToJSON())
}

// ListDevices GET /api/devices — 已登记的活跃终端
func (h *AdminHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.ListAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.ToJSON())
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

// EnqueueCommand POST /api/devices/{id}/commands {type, payload}
func (h *AdminHandler) EnqueueCommand(w http.ResponseWriter, r *http.Request, deviceID string) {
	var req struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	device, err := h.devices.GetByID(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	cmd, err := h.commands.Enqueue(r.Context(), device.TenantID, device.DeviceID, req.Type, req.Payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, cmd.ToJSON())
}

// ListCommands GET /api/devices/{id}/commands — 待发队列
func (h *AdminHandler) ListCommands(w http.ResponseWriter, r *http.Request, deviceID string) {
	commands, err := h.commands.ListPending(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(commands))
	for _, c := range commands {
		out = append(out, c.ToJSON())
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": out})
}

// CommandStats GET /api/devices/{id}/commands/stats
func (h *AdminHandler) CommandStats(w http.ResponseWriter, r *http.Request, deviceID string) {
	device, err := h.devices.GetByID(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	stats, err := h.commands.Stats(r.Context(), device.TenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": device.DeviceID,
		"by_status": stats,
	})
}

// RealtimeStatus GET /api/realtime/status — 设备行加在线快照
func (h *AdminHandler) RealtimeStatus(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.ListByProtocol(r.Context(), domain.ProtocolRealtime)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	snapshot := map[string]time.Time{}
	if h.hub != nil {
		snapshot = h.hub.Snapshot()
	}

	out := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		entry := d.ToJSON()
		if since, ok := snapshot[d.SerialNumber]; ok {
			entry["ws_connected"] = true
			entry["connected_since"] = since.Format(time.RFC3339)
		} else {
			entry["ws_connected"] = false
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (h *AdminHandler) putTask(ctx context.Context, taskID string, rec *taskRecord) {
	body, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := h.tasks.Set(ctx, taskKey(taskID), string(body), taskTTL); err != nil {
		h.logger.Warn("Failed to persist task record",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

func taskKey(taskID string) string {
	return "task:reprocess:" + taskID
}
