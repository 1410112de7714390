package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alpesh15gb/apextime-core/internal/domain"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// RawPunchRepository 原始打卡事件仓库。
// Upsert 的幂等性是整个摄入链路唯一的并发安全机制：同一物理打卡
// 不论重复投递多少次都收敛为一行，因此适配器重试、至少一次投递、
// 重叠的同步窗口都是安全的。
type RawPunchRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRawPunchRepository 创建原始打卡仓库
func NewRawPunchRepository(db *sql.DB, logger *zap.Logger) *RawPunchRepository {
	return &RawPunchRepository{db: db, logger: logger}
}

// Upsert 幂等写入。返回本次是否真正插入了新行。
// is_processed 由调用方决定：适配器入库为 FALSE 等流消费或清扫
// 兜底，同步桥自己回填触及对后直接写 TRUE。
func (r *RawPunchRepository) Upsert(ctx context.Context, p *domain.RawPunch) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO raw_punches (
			punch_id, tenant_id, device_id, device_user_id,
			user_name, punch_time, punch_type, source, is_processed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (punch_id) DO NOTHING`,
		p.PunchID, p.TenantID, p.DeviceID, p.DeviceUserID,
		p.UserName, p.PunchTime, p.PunchType, p.Source, p.IsProcessed,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert raw punch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ListByUserWindow 取某设备用户号在时间窗内的全部打卡（升序）。
// 重算必须重读该窗口内所有历史事件，迟到的历史补卡才能被并入。
func (r *RawPunchRepository) ListByUserWindow(ctx context.Context, tenantID, deviceUserID string, from, to time.Time) ([]*domain.RawPunch, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT punch_id, tenant_id, device_id, device_user_id,
		       user_name, punch_time, punch_type, source, is_processed
		FROM raw_punches
		WHERE tenant_id = $1 AND device_user_id = $2
		  AND punch_time >= $3 AND punch_time < $4
		ORDER BY punch_time ASC`,
		tenantID, deviceUserID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw punches: %w", err)
	}
	defer rows.Close()
	return scanPunches(rows)
}

// ListUnprocessed 取未处理档案行（同步运行时带上重试，优先最近的）
func (r *RawPunchRepository) ListUnprocessed(ctx context.Context, tenantID string, limit int) ([]*domain.RawPunch, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT punch_id, tenant_id, device_id, device_user_id,
		       user_name, punch_time, punch_type, source, is_processed
		FROM raw_punches
		WHERE tenant_id = $1 AND is_processed = FALSE
		ORDER BY punch_time DESC
		LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed punches: %w", err)
	}
	defer rows.Close()
	return scanPunches(rows)
}

// MarkProcessed 批量置已处理标志
func (r *RawPunchRepository) MarkProcessed(ctx context.Context, punchIDs []string) error {
	if len(punchIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE raw_punches SET is_processed = TRUE WHERE punch_id = ANY($1)`,
		pq.Array(punchIDs),
	)
	if err != nil {
		return fmt.Errorf("failed to mark punches processed: %w", err)
	}
	return nil
}

func scanPunches(rows *sql.Rows) ([]*domain.RawPunch, error) {
	var punches []*domain.RawPunch
	for rows.Next() {
		p := &domain.RawPunch{}
		err := rows.Scan(
			&p.PunchID,
			&p.TenantID,
			&p.DeviceID,
			&p.DeviceUserID,
			&p.UserName,
			&p.PunchTime,
			&p.PunchType,
			&p.Source,
			&p.IsProcessed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan raw punch: %w", err)
		}
		punches = append(punches, p)
	}
	return punches, rows.Err()
}
