package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alpesh15gb/apextime-core/internal/domain"

	"go.uber.org/zap"
)

// DeviceRepository 设备仓库
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{db: db, logger: logger}
}

const deviceColumns = `
	d.device_id,
	d.tenant_id,
	d.serial_number,
	d.device_name,
	d.protocol,
	d.status,
	d.last_seen,
	d.is_active,
	d.config
`

func scanDevice(row interface{ Scan(...any) error }) (*domain.Device, error) {
	d := &domain.Device{}
	err := row.Scan(
		&d.DeviceID,
		&d.TenantID,
		&d.SerialNumber,
		&d.DeviceName,
		&d.Protocol,
		&d.Status,
		&d.LastSeen,
		&d.IsActive,
		&d.Config,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetBySerial 按终端序列号查设备
func (r *DeviceRepository) GetBySerial(ctx context.Context, serial string) (*domain.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices d WHERE d.serial_number = $1 LIMIT 1`
	d, err := scanDevice(r.db.QueryRowContext(ctx, query, serial))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device not found: %s", serial)
		}
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return d, nil
}

// GetByID 按内部ID查设备
func (r *DeviceRepository) GetByID(ctx context.Context, deviceID string) (*domain.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices d WHERE d.device_id = $1 LIMIT 1`
	d, err := scanDevice(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device not found: %s", deviceID)
		}
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return d, nil
}

// ListByProtocol 按协议列出设备
func (r *DeviceRepository) ListByProtocol(ctx context.Context, protocol string) ([]*domain.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices d WHERE d.protocol = $1 ORDER BY d.serial_number`
	rows, err := r.db.QueryContext(ctx, query, protocol)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Create 登记新设备（适配器首次见到未知序列号时自动建档）
func (r *DeviceRepository) Create(ctx context.Context, d *domain.Device) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (
			device_id, tenant_id, serial_number, device_name,
			protocol, status, last_seen, is_active, config
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.DeviceID, d.TenantID, d.SerialNumber, d.DeviceName,
		d.Protocol, d.Status, d.LastSeen, d.IsActive, d.Config,
	)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	r.logger.Info("Device registered",
		zap.String("device_id", d.DeviceID),
		zap.String("serial_number", d.SerialNumber),
		zap.String("protocol", d.Protocol))
	return nil
}

// ListAll 列出全部激活设备
func (r *DeviceRepository) ListAll(ctx context.Context) ([]*domain.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices d WHERE d.is_active = TRUE ORDER BY d.serial_number`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// MarkOnline 设备每次入站联络都刷新在线状态与最后联络时间
func (r *DeviceRepository) MarkOnline(ctx context.Context, deviceID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE devices SET status = $1, last_seen = $2 WHERE device_id = $3`,
		domain.DeviceOnline, at, deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark device online: %w", err)
	}
	return nil
}

// MarkOffline 连接断开时置离线（last_seen 保留最后一次联络时间）
func (r *DeviceRepository) MarkOffline(ctx context.Context, deviceID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE devices SET status = $1 WHERE device_id = $2`,
		domain.DeviceOffline, deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark device offline: %w", err)
	}
	return nil
}
