package ingest

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/domain"
	appredis "github.com/alpesh15gb/apextime-core/internal/redis"
	"github.com/alpesh15gb/apextime-core/internal/resolver"
)

// DeviceStore 摄入侧的设备存取接口
type DeviceStore interface {
	GetBySerial(ctx context.Context, serial string) (*domain.Device, error)
	MarkOnline(ctx context.Context, deviceID string, at time.Time) error
}

// PunchStore 摄入侧的打卡写入接口
type PunchStore interface {
	Upsert(ctx context.Context, p *domain.RawPunch) (bool, error)
}

// Result 一次批次摄入的统计
type Result struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	NamesSeen  int `json:"names_seen"`
}

// Ingestor 协议无关的打卡摄入管线：设备置在线 → 员工解析 →
// 幂等入库 → 新行发布到重算流。所有适配器共用。
type Ingestor struct {
	devices  DeviceStore
	punches  PunchStore
	resolver *resolver.Resolver
	rdb      *redis.Client
	stream   string
	loc      *time.Location
	logger   *zap.Logger
}

// NewIngestor 创建摄入管线
func NewIngestor(devices DeviceStore, punches PunchStore, res *resolver.Resolver, rdb *redis.Client, stream string, loc *time.Location, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		devices:  devices,
		punches:  punches,
		resolver: res,
		rdb:      rdb,
		stream:   stream,
		loc:      loc,
		logger:   logger,
	}
}

// Location 部署固定时区
func (in *Ingestor) Location() *time.Location {
	return in.loc
}

// LookupDevice 按序列号找设备并刷新在线状态。
// 未知设备返回 nil——调用方照常应答，绝不把错误回给终端。
func (in *Ingestor) LookupDevice(ctx context.Context, serial string) *domain.Device {
	if serial == "" {
		return nil
	}
	device, err := in.devices.GetBySerial(ctx, serial)
	if err != nil {
		in.logger.Warn("Punch from unknown device",
			zap.String("serial_number", serial))
		return nil
	}
	if err := in.devices.MarkOnline(ctx, device.DeviceID, time.Now()); err != nil {
		in.logger.Error("Failed to mark device online",
			zap.String("device_id", device.DeviceID), zap.Error(err))
	}
	return device
}

// IngestBatch 把解析好的批次落库。坏行已在解析时剔除；
// 这里的失败（员工解析、落库）同样只记日志不终止批次。
func (in *Ingestor) IngestBatch(ctx context.Context, device *domain.Device, batch *Batch) *Result {
	res := &Result{Skipped: batch.Skipped}
	run := in.resolver.NewRun(device.TenantID)

	// 用户资料行先处理，姓名升级能赶上同批打卡
	for _, u := range batch.Users {
		if _, err := run.Resolve(ctx, u.DeviceUserID, u.Name); err != nil {
			in.logger.Warn("Failed to apply user info record",
				zap.String("device_user_id", u.DeviceUserID), zap.Error(err))
			res.Skipped++
			continue
		}
		res.NamesSeen++
	}

	for _, p := range batch.Punches {
		emp, err := run.Resolve(ctx, p.DeviceUserID, "")
		if err != nil {
			in.logger.Warn("Failed to resolve employee for punch",
				zap.String("device_user_id", p.DeviceUserID), zap.Error(err))
			res.Skipped++
			continue
		}

		punch := &domain.RawPunch{
			PunchID:      domain.PunchKey(device.Protocol, device.SerialNumber, p.DeviceUserID, p.PunchTime),
			TenantID:     device.TenantID,
			DeviceID:     device.DeviceID,
			DeviceUserID: p.DeviceUserID,
			PunchTime:    p.PunchTime,
			PunchType:    p.PunchType,
			Source:       device.Protocol,
		}
		inserted, err := in.punches.Upsert(ctx, punch)
		if err != nil {
			in.logger.Error("Failed to store punch",
				zap.String("punch_id", punch.PunchID), zap.Error(err))
			res.Skipped++
			continue
		}
		if !inserted {
			res.Duplicates++
			continue
		}
		res.Inserted++
		in.publish(ctx, emp, punch)
	}

	if res.Inserted > 0 || res.Skipped > 0 {
		in.logger.Info("Punch batch ingested",
			zap.String("device_id", device.DeviceID),
			zap.Int("inserted", res.Inserted),
			zap.Int("duplicates", res.Duplicates),
			zap.Int("skipped", res.Skipped))
	}
	return res
}

// IngestOne 单条打卡入口（hikvision 推送、WebSocket ATTLOG 用）
func (in *Ingestor) IngestOne(ctx context.Context, device *domain.Device, p ParsedPunch, observedName string) *Result {
	batch := &Batch{Punches: []ParsedPunch{p}}
	if observedName != "" {
		batch.Users = []UserInfoRecord{{DeviceUserID: p.DeviceUserID, Name: observedName}}
	}
	return in.IngestBatch(ctx, device, batch)
}

// publish 新入库的打卡发布到重算流，今天的数据低延迟上看板。
// redis 不可用只降级为慢路径（下次同步兜底），不影响落库。
func (in *Ingestor) publish(ctx context.Context, emp *domain.Employee, punch *domain.RawPunch) {
	if in.rdb == nil {
		return
	}
	_, err := appredis.PublishToStream(ctx, in.rdb, in.stream, map[string]interface{}{
		"punch_id":    punch.PunchID,
		"employee_id": emp.EmployeeID,
		"punch_time":  punch.PunchTime.Format(time.RFC3339),
	})
	if err != nil {
		in.logger.Warn("Failed to publish punch to stream",
			zap.String("punch_id", punch.PunchID), zap.Error(err))
	}
}
