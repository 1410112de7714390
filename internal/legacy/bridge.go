package legacy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/attendance"
	"github.com/alpesh15gb/apextime-core/internal/domain"
	"github.com/alpesh15gb/apextime-core/internal/resolver"
)

// 单表单批读取上限，限住大表全量回溯时的内存；
// 批间按最后一行的时间戳续读，直到整表读穿
const tableBatchLimit = 5000

// 没有任何成功水位时默认只回看 24 小时
const defaultLookback = 24 * time.Hour

// 厂家事件表的固定表名（device_logs% 之外的已知来源）
var vendorTables = []string{
	"hikvision_logs",
	"t_event_log",
	"v_events",
	"t_attendance_record",
}

// 各语义字段在不同厂家 schema 中的候选列名，按优先级排列
var (
	idColumns     = []string{"id", "log_id", "event_id", "record_id"}
	userColumns   = []string{"user_id", "employee_id", "person_id", "emp_code", "enroll_number", "pin"}
	timeColumns   = []string{"log_date", "punch_time", "event_time", "att_time", "device_log_time", "datetime"}
	deviceColumns = []string{"device_serial", "serial_number", "device_id", "machine_id", "device_fk_id"}
	nameColumns   = []string{"user_name", "person_name", "employee_name", "name"}
)

// PunchWriter 同步桥写入原始打卡的最小接口
type PunchWriter interface {
	Upsert(ctx context.Context, p *domain.RawPunch) (bool, error)
}

// LogStore 水位读写的最小接口
type LogStore interface {
	Append(ctx context.Context, l *domain.SyncLog) error
	LatestSuccessful(ctx context.Context, tenantID string) (*domain.SyncLog, error)
}

// Recomputer 触及对回填的最小接口
type Recomputer interface {
	RecomputePairs(ctx context.Context, pairs map[string][]time.Time) (int, error)
}

// Bridge 厂家数据库同步桥。厂家软件（eTimeTrack / HikCentral）把
// 打卡落在自己的库里，桥按水位增量拉取并汇入原始打卡存储。
type Bridge struct {
	legacyDB   *sql.DB
	punches    PunchWriter
	syncLogs   LogStore
	resolver   *resolver.Resolver
	attendance Recomputer
	tenantID   string
	epoch      time.Time
	loc        *time.Location
	batchLimit int
	logger     *zap.Logger
}

// NewBridge 创建同步桥
func NewBridge(legacyDB *sql.DB, punches PunchWriter, syncLogs LogStore, res *resolver.Resolver, att Recomputer, tenantID string, epoch time.Time, loc *time.Location, logger *zap.Logger) *Bridge {
	return &Bridge{
		legacyDB:   legacyDB,
		punches:    punches,
		syncLogs:   syncLogs,
		resolver:   res,
		attendance: att,
		tenantID:   tenantID,
		epoch:      epoch,
		loc:        loc,
		batchLimit: tableBatchLimit,
		logger:     logger,
	}
}

// Result 一次同步运行的结果
type Result struct {
	Watermark        time.Time `json:"watermark"`
	RecordsSynced    int       `json:"records_synced"`
	EmployeesCreated int       `json:"employees_created"`
	TablesScanned    int       `json:"tables_scanned"`
	TablesFailed     int       `json:"tables_failed"`
	Status           string    `json:"status"`
	Message          string    `json:"message"`
}

// legacyRow 厂家表的一行打卡
type legacyRow struct {
	RowID        string
	DeviceSerial string
	DeviceUserID string
	UserName     string
	PunchTime    time.Time
	Table        string
}

// DeviceFinder 按序列号找设备（严格模式：未知序列号整行跳过）
type DeviceFinder interface {
	GetBySerial(ctx context.Context, serial string) (*domain.Device, error)
}

var errSkipTable = fmt.Errorf("table has no usable columns")

// Sync 执行一次同步。fullResync 置位时从固定纪元全量回溯。
// 单表失败只记入统计，其余表照常处理；无论结局都追加 sync_log，
// 下一次运行的游标因此总是良定义的。
func (b *Bridge) Sync(ctx context.Context, devices DeviceFinder, fullResync bool) (*Result, error) {
	startedAt := time.Now()
	watermark := b.watermark(ctx, fullResync, startedAt)
	res := &Result{Watermark: startedAt}

	b.logger.Info("Legacy sync started",
		zap.Bool("full_resync", fullResync),
		zap.Time("watermark", watermark))

	tables, err := b.discoverTables(ctx)
	if err != nil {
		res.Status = domain.SyncFailed
		res.Message = fmt.Sprintf("table discovery failed: %v", err)
		b.appendLog(ctx, startedAt, res)
		return res, err
	}

	run := b.resolver.NewRun(b.tenantID)
	if ref, err := b.loadReference(ctx); err != nil {
		b.logger.Warn("Failed to load legacy reference data", zap.Error(err))
	} else {
		run.LoadReference(ref)
	}

	// seen 按 (table, device, rowID) 去重；touched 记录本次触及的
	// employeeID → 日期集合，结尾只回填这些对
	seen := make(map[string]bool)
	touched := make(map[string][]time.Time)
	touchedSet := make(map[string]bool)
	deviceCache := make(map[string]*domain.Device)

	for _, table := range tables {
		select {
		case <-ctx.Done():
			res.Status = domain.SyncFailed
			res.Message = "cancelled"
			b.appendLog(ctx, startedAt, res)
			return res, ctx.Err()
		default:
		}

		// 批间续读：游标推进到上一批最后一行的原始时间戳，
		// 超过单批上限的表也会被整表读穿，不会静默丢行
		cursor := watermark
		scanned := false
		for {
			rows, lastRaw, more, err := b.readTable(ctx, table, cursor)
			if err != nil {
				if err == errSkipTable {
					b.logger.Debug("Skipping legacy table without usable columns", zap.String("table", table))
					break
				}
				res.TablesFailed++
				b.logger.Error("Legacy table query failed, continuing with remaining tables",
					zap.String("table", table), zap.Error(err))
				break
			}
			if !scanned {
				res.TablesScanned++
				scanned = true
			}

			b.ingestRows(ctx, rows, devices, run, seen, deviceCache, touched, touchedSet, res)

			if !more {
				break
			}
			if !lastRaw.After(cursor) {
				b.logger.Warn("Legacy table cursor stalled, stopping table early",
					zap.String("table", table), zap.Time("cursor", cursor))
				break
			}
			cursor = lastRaw
		}
	}

	res.EmployeesCreated = run.Created

	// 只重算本次运行触及的 (employee, date) 对，重算时重读全部
	// 历史打卡，迟到的历史补卡并入既有结果
	if _, err := b.attendance.RecomputePairs(ctx, touched); err != nil {
		b.logger.Error("Failed to recompute touched pairs", zap.Error(err))
	}

	if res.TablesFailed == 0 {
		res.Status = domain.SyncSuccess
		res.Message = fmt.Sprintf("synced %d records from %d tables", res.RecordsSynced, res.TablesScanned)
	} else {
		res.Status = domain.SyncPartial
		res.Message = fmt.Sprintf("synced %d records, %d of %d tables failed",
			res.RecordsSynced, res.TablesFailed, res.TablesScanned+res.TablesFailed)
	}
	b.appendLog(ctx, startedAt, res)

	b.logger.Info("Legacy sync finished",
		zap.String("status", res.Status),
		zap.Int("records", res.RecordsSynced),
		zap.Int("employees_created", res.EmployeesCreated),
		zap.Int("tables_scanned", res.TablesScanned),
		zap.Int("tables_failed", res.TablesFailed))
	return res, nil
}

// ingestRows 把一批厂家行汇入原始打卡存储。
// touched 按 (employee, 日历日) 去重，存代表这一对的打卡时刻。
func (b *Bridge) ingestRows(ctx context.Context, rows []legacyRow, devices DeviceFinder, run *resolver.Run,
	seen map[string]bool, deviceCache map[string]*domain.Device,
	touched map[string][]time.Time, touchedSet map[string]bool, res *Result) {
	for _, row := range rows {
		dedupKey := row.Table + "|" + row.DeviceSerial + "|" + row.RowID
		if seen[dedupKey] {
			continue
		}
		seen[dedupKey] = true

		device, ok := deviceCache[row.DeviceSerial]
		if !ok {
			var err error
			device, err = devices.GetBySerial(ctx, row.DeviceSerial)
			if err != nil {
				device = nil
			}
			deviceCache[row.DeviceSerial] = device
		}
		if device == nil {
			// 严格模式：序列号没登记过的行不猜归属
			continue
		}

		emp, err := run.Resolve(ctx, row.DeviceUserID, row.UserName)
		if err != nil {
			b.logger.Warn("Failed to resolve legacy punch user",
				zap.String("device_user_id", row.DeviceUserID), zap.Error(err))
			continue
		}

		punch := &domain.RawPunch{
			PunchID:      domain.PunchKey(domain.ProtocolSQLLogs, device.SerialNumber, row.DeviceUserID, row.PunchTime),
			TenantID:     device.TenantID,
			DeviceID:     device.DeviceID,
			DeviceUserID: row.DeviceUserID,
			PunchTime:    row.PunchTime,
			PunchType:    "0",
			Source:       row.Table,
			IsProcessed:  true,
		}
		if row.UserName != "" {
			punch.UserName = sql.NullString{String: row.UserName, Valid: true}
		}
		if _, err := b.punches.Upsert(ctx, punch); err != nil {
			b.logger.Error("Failed to store legacy punch",
				zap.String("punch_id", punch.PunchID), zap.Error(err))
			continue
		}
		res.RecordsSynced++

		day := attendance.CivilDate(row.PunchTime, b.loc)
		pairKey := emp.EmployeeID + "_" + day.Format("2006-01-02")
		if !touchedSet[pairKey] {
			touchedSet[pairKey] = true
			touched[emp.EmployeeID] = append(touched[emp.EmployeeID], row.PunchTime)
		}
	}
}

// watermark 决定本次运行的起始游标
func (b *Bridge) watermark(ctx context.Context, fullResync bool, now time.Time) time.Time {
	if fullResync {
		return b.epoch
	}
	last, err := b.syncLogs.LatestSuccessful(ctx, b.tenantID)
	if err != nil {
		if err != sql.ErrNoRows {
			b.logger.Warn("Failed to read last sync watermark", zap.Error(err))
		}
		return now.Add(-defaultLookback)
	}
	return last.Watermark
}

// discoverTables information_schema 发现 device_logs% 分表加已知厂家表
func (b *Bridge) discoverTables(ctx context.Context) ([]string, error) {
	rows, err := b.legacyDB.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name LIKE 'device_logs%'
		ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query information_schema: %w", err)
	}
	defer rows.Close()

	var tables []string
	known := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
		known[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range vendorTables {
		if !known[t] && b.tableExists(ctx, t) {
			tables = append(tables, t)
		}
	}
	return tables, nil
}

func (b *Bridge) tableExists(ctx context.Context, table string) bool {
	var one int
	err := b.legacyDB.QueryRowContext(ctx, `
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name = $1`, table).Scan(&one)
	return err == nil
}

// readTable 读一张厂家表从 cursor 往后的一批行。列名因厂家
// schema 而异，先用 information_schema 探出实际列，再从候选名单
// 里挑。lastRaw 是本批最后一行换算前的原始时间戳，调用方用它做
// 批间续读游标（游标必须留在厂家库的时间域里）；more 表示本批
// 读满了上限，表还没读穿。
func (b *Bridge) readTable(ctx context.Context, table string, cursor time.Time) (out []legacyRow, lastRaw time.Time, more bool, err error) {
	cols, err := b.tableColumns(ctx, table)
	if err != nil {
		return nil, lastRaw, false, err
	}

	idCol := pickColumn(cols, idColumns)
	userCol := pickColumn(cols, userColumns)
	timeCol := pickColumn(cols, timeColumns)
	deviceCol := pickColumn(cols, deviceColumns)
	nameCol := pickColumn(cols, nameColumns)
	if userCol == "" || timeCol == "" || deviceCol == "" {
		return nil, lastRaw, false, errSkipTable
	}
	if idCol == "" {
		idCol = timeCol
	}

	nameSelect := "''"
	if nameCol != "" {
		nameSelect = "COALESCE(" + quoteIdent(nameCol) + "::text, '')"
	}

	// 表名和列名来自 information_schema，不是外部输入
	query := fmt.Sprintf(`
		SELECT %s::text, %s::text, %s, %s::text, %s
		FROM %s
		WHERE %s > $1
		ORDER BY %s ASC
		LIMIT %d`,
		quoteIdent(idCol), quoteIdent(userCol), quoteIdent(timeCol),
		quoteIdent(deviceCol), nameSelect,
		quoteIdent(table), quoteIdent(timeCol), quoteIdent(timeCol), b.batchLimit)

	rows, err := b.legacyDB.QueryContext(ctx, query, cursor)
	if err != nil {
		return nil, lastRaw, false, fmt.Errorf("failed to query legacy table %s: %w", table, err)
	}
	defer rows.Close()

	fetched := 0
	for rows.Next() {
		fetched++
		var r legacyRow
		if err := rows.Scan(&r.RowID, &r.DeviceUserID, &r.PunchTime, &r.DeviceSerial, &r.UserName); err != nil {
			b.logger.Warn("Skipping unscannable legacy row",
				zap.String("table", table), zap.Error(err))
			continue
		}
		lastRaw = r.PunchTime
		r.Table = table
		r.DeviceUserID = strings.TrimSpace(r.DeviceUserID)
		r.DeviceSerial = strings.TrimSpace(r.DeviceSerial)
		if r.DeviceUserID == "" || r.DeviceSerial == "" {
			continue
		}
		// 厂家库存的也是墙钟时间，统一换算到部署时区
		r.PunchTime = time.Date(r.PunchTime.Year(), r.PunchTime.Month(), r.PunchTime.Day(),
			r.PunchTime.Hour(), r.PunchTime.Minute(), r.PunchTime.Second(), 0, b.loc)
		out = append(out, r)
	}
	return out, lastRaw, fetched == b.batchLimit, rows.Err()
}

func (b *Bridge) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := b.legacyDB.QueryContext(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

// loadReference 从厂家人员表装参考资料：终端用户号 → 真实姓名与厂家员工号。
// eTimeTrack 的 employees 表和 HikCentral 的 t_person 表都试一遍。
func (b *Bridge) loadReference(ctx context.Context) (map[string]resolver.RefInfo, error) {
	ref := make(map[string]resolver.RefInfo)

	if b.tableExists(ctx, "employees") {
		rows, err := b.legacyDB.QueryContext(ctx, `
			SELECT COALESCE(enroll_number::text, ''), COALESCE(employee_name, ''), COALESCE(employee_id::text, '')
			FROM employees`)
		if err == nil {
			collectReference(rows, ref)
		}
	}
	if b.tableExists(ctx, "t_person") {
		rows, err := b.legacyDB.QueryContext(ctx, `
			SELECT COALESCE(person_code::text, ''), COALESCE(person_name, ''), COALESCE(person_id::text, '')
			FROM t_person`)
		if err == nil {
			collectReference(rows, ref)
		}
	}

	if len(ref) == 0 {
		return ref, nil
	}
	b.logger.Info("Loaded legacy reference data", zap.Int("persons", len(ref)))
	return ref, nil
}

func collectReference(rows *sql.Rows, ref map[string]resolver.RefInfo) {
	defer rows.Close()
	for rows.Next() {
		var userID, name, sourceID string
		if err := rows.Scan(&userID, &name, &sourceID); err != nil {
			continue
		}
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		ref[userID] = resolver.RefInfo{Name: strings.TrimSpace(name), SourceID: sourceID}
	}
}

func (b *Bridge) appendLog(ctx context.Context, startedAt time.Time, res *Result) {
	err := b.syncLogs.Append(ctx, &domain.SyncLog{
		SyncID:           uuid.New().String(),
		TenantID:         b.tenantID,
		StartedAt:        startedAt,
		Watermark:        res.Watermark,
		RecordsSynced:    res.RecordsSynced,
		EmployeesCreated: res.EmployeesCreated,
		TablesScanned:    res.TablesScanned,
		TablesFailed:     res.TablesFailed,
		Status:           res.Status,
		Message:          res.Message,
		CreatedAt:        time.Now(),
	})
	if err != nil {
		b.logger.Error("Failed to append sync log", zap.Error(err))
	}
}

func pickColumn(cols map[string]bool, candidates []string) string {
	for _, c := range candidates {
		if cols[c] {
			return c
		}
	}
	return ""
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}
