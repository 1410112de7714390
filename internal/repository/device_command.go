package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alpesh15gb/apextime-core/internal/domain"

	"go.uber.org/zap"
)

// DeviceCommandRepository 设备命令仓库。
// Drain 用 FOR UPDATE SKIP LOCKED 保证同一条命令不会被两个并发
// 轮询各领一次。
type DeviceCommandRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceCommandRepository 创建设备命令仓库
func NewDeviceCommandRepository(db *sql.DB, logger *zap.Logger) *DeviceCommandRepository {
	return &DeviceCommandRepository{db: db, logger: logger}
}

const commandColumns = `
	c.command_id,
	c.tenant_id,
	c.device_id,
	c.command_type,
	c.payload,
	c.priority,
	c.status,
	c.created_at,
	c.sent_at,
	c.completed_at,
	c.result,
	c.error_text
`

func scanCommand(row interface{ Scan(...any) error }) (*domain.DeviceCommand, error) {
	c := &domain.DeviceCommand{}
	err := row.Scan(
		&c.CommandID,
		&c.TenantID,
		&c.DeviceID,
		&c.CommandType,
		&c.Payload,
		&c.Priority,
		&c.Status,
		&c.CreatedAt,
		&c.SentAt,
		&c.CompletedAt,
		&c.Result,
		&c.ErrorText,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Create 入队新命令
func (r *DeviceCommandRepository) Create(ctx context.Context, c *domain.DeviceCommand) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_commands (
			command_id, tenant_id, device_id, command_type,
			payload, priority, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.CommandID, c.TenantID, c.DeviceID, c.CommandType,
		c.Payload, c.Priority, c.Status, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create device command: %w", err)
	}
	return nil
}

// ListPending 按优先级降序、创建时间升序取待发命令
func (r *DeviceCommandRepository) ListPending(ctx context.Context, deviceID string, limit int) ([]*domain.DeviceCommand, error) {
	query := `SELECT ` + commandColumns + `
		FROM device_commands c
		WHERE c.device_id = $1 AND c.status = $2
		ORDER BY c.priority DESC, c.created_at ASC
		LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, deviceID, domain.CmdPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commands: %w", err)
	}
	defer rows.Close()
	return scanCommands(rows)
}

// Drain 在单个事务内取出待发命令并全部置为 SENT。
// 终端拉取即视为已送达，回执另行闭环。
func (r *DeviceCommandRepository) Drain(ctx context.Context, deviceID string, limit int, now time.Time) ([]*domain.DeviceCommand, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin drain transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + commandColumns + `
		FROM device_commands c
		WHERE c.device_id = $1 AND c.status = $2
		ORDER BY c.priority DESC, c.created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`
	rows, err := tx.QueryContext(ctx, query, deviceID, domain.CmdPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending commands: %w", err)
	}
	commands, err := scanCommands(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, c := range commands {
		_, err := tx.ExecContext(ctx,
			`UPDATE device_commands SET status = $1, sent_at = $2 WHERE command_id = $3`,
			domain.CmdSent, now, c.CommandID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to mark command sent: %w", err)
		}
		c.Status = domain.CmdSent
		c.SentAt = sql.NullTime{Time: now, Valid: true}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit drain transaction: %w", err)
	}
	return commands, nil
}

// GetByID 按ID查命令
func (r *DeviceCommandRepository) GetByID(ctx context.Context, commandID string) (*domain.DeviceCommand, error) {
	query := `SELECT ` + commandColumns + ` FROM device_commands c WHERE c.command_id = $1 LIMIT 1`
	c, err := scanCommand(r.db.QueryRowContext(ctx, query, commandID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("command not found: %s", commandID)
		}
		return nil, fmt.Errorf("failed to query command: %w", err)
	}
	return c, nil
}

// LatestSent 取某设备最近一条 SENT 命令。
// 回执里没有命令ID的旧固件靠它兜底匹配。
func (r *DeviceCommandRepository) LatestSent(ctx context.Context, deviceID string) (*domain.DeviceCommand, error) {
	query := `SELECT ` + commandColumns + `
		FROM device_commands c
		WHERE c.device_id = $1 AND c.status = $2
		ORDER BY c.sent_at DESC
		LIMIT 1`
	c, err := scanCommand(r.db.QueryRowContext(ctx, query, deviceID, domain.CmdSent))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to query latest sent command: %w", err)
	}
	return c, nil
}

// Complete 按回执闭环命令
func (r *DeviceCommandRepository) Complete(ctx context.Context, commandID, result string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE device_commands
		SET status = $1, result = $2, completed_at = $3
		WHERE command_id = $4`,
		domain.CmdCompleted, result, at, commandID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete command: %w", err)
	}
	return nil
}

// Fail 标记命令失败
func (r *DeviceCommandRepository) Fail(ctx context.Context, commandID, errText string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE device_commands
		SET status = $1, error_text = $2, completed_at = $3
		WHERE command_id = $4`,
		domain.CmdFailed, errText, at, commandID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark command failed: %w", err)
	}
	return nil
}

// CountByStatus 按状态统计命令数（监控接口用）
func (r *DeviceCommandRepository) CountByStatus(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM device_commands WHERE tenant_id = $1 GROUP BY status`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count commands: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan command count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanCommands(rows *sql.Rows) ([]*domain.DeviceCommand, error) {
	var commands []*domain.DeviceCommand
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}
