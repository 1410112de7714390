package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alpesh15gb/apextime-core/internal/domain"

	"go.uber.org/zap"
)

// SyncLogRepository 同步日志仓库（追加写，从不更新历史行）
type SyncLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSyncLogRepository 创建同步日志仓库
func NewSyncLogRepository(db *sql.DB, logger *zap.Logger) *SyncLogRepository {
	return &SyncLogRepository{db: db, logger: logger}
}

const syncLogColumns = `
	l.sync_id,
	l.tenant_id,
	l.started_at,
	l.watermark,
	l.records_synced,
	l.employees_created,
	l.tables_scanned,
	l.tables_failed,
	l.status,
	l.message,
	l.created_at
`

func scanSyncLog(row interface{ Scan(...any) error }) (*domain.SyncLog, error) {
	l := &domain.SyncLog{}
	err := row.Scan(
		&l.SyncID,
		&l.TenantID,
		&l.StartedAt,
		&l.Watermark,
		&l.RecordsSynced,
		&l.EmployeesCreated,
		&l.TablesScanned,
		&l.TablesFailed,
		&l.Status,
		&l.Message,
		&l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Append 追加一条同步运行记录
func (r *SyncLogRepository) Append(ctx context.Context, l *domain.SyncLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_logs (
			sync_id, tenant_id, started_at, watermark,
			records_synced, employees_created, tables_scanned, tables_failed,
			status, message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.SyncID, l.TenantID, l.StartedAt, l.Watermark,
		l.RecordsSynced, l.EmployeesCreated, l.TablesScanned, l.TablesFailed,
		l.Status, l.Message, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	return nil
}

// LatestSuccessful 取最近一条成功（含 partial）记录，其水位是下次同步的游标
func (r *SyncLogRepository) LatestSuccessful(ctx context.Context, tenantID string) (*domain.SyncLog, error) {
	query := `SELECT ` + syncLogColumns + `
		FROM sync_logs l
		WHERE l.tenant_id = $1 AND l.status IN ($2, $3)
		ORDER BY l.created_at DESC
		LIMIT 1`
	l, err := scanSyncLog(r.db.QueryRowContext(ctx, query, tenantID, domain.SyncSuccess, domain.SyncPartial))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to query latest sync log: %w", err)
	}
	return l, nil
}

// ListRecent 取最近 N 条运行记录（状态接口用）
func (r *SyncLogRepository) ListRecent(ctx context.Context, tenantID string, limit int) ([]*domain.SyncLog, error) {
	query := `SELECT ` + syncLogColumns + `
		FROM sync_logs l
		WHERE l.tenant_id = $1
		ORDER BY l.created_at DESC
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*domain.SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
