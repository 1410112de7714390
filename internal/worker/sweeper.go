package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/domain"
	"github.com/alpesh15gb/apextime-core/internal/resolver"
)

// UnprocessedStore 补扫读取未处理打卡的最小接口
type UnprocessedStore interface {
	ListUnprocessed(ctx context.Context, tenantID string, limit int) ([]*domain.RawPunch, error)
	MarkProcessed(ctx context.Context, punchIDs []string) error
}

// Sweeper 未处理打卡补扫。流发布失败（redis 不可用）时打卡只落库
// 不进流，补扫周期性把这些行重算并置位，保证最终一致。
type Sweeper struct {
	punches   UnprocessedStore
	resolver  *resolver.Resolver
	recompute DayRecomputer
	tenantID  string
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewSweeper 创建补扫器
func NewSweeper(punches UnprocessedStore, res *resolver.Resolver, recompute DayRecomputer, tenantID string, interval time.Duration, batchSize int, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		punches:   punches,
		resolver:  res,
		recompute: recompute,
		tenantID:  tenantID,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run 周期补扫直到 ctx 取消
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce 处理一批未处理打卡，返回置位数。
// 员工解析失败的行照样置位：打不开档的行重试也打不开，
// 留在队列里只会毒化后续批次。重算失败的行保留，下轮重试。
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	punches, err := s.punches.ListUnprocessed(ctx, s.tenantID, s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(punches) == 0 {
		return 0, nil
	}

	run := s.resolver.NewRun(s.tenantID)
	done := make([]string, 0, len(punches))
	for _, p := range punches {
		emp, err := run.Resolve(ctx, p.DeviceUserID, p.UserName.String)
		if err != nil {
			s.logger.Warn("Sweep skipped unresolvable punch",
				zap.String("punch_id", p.PunchID), zap.Error(err))
			done = append(done, p.PunchID)
			continue
		}
		if err := s.recompute(ctx, emp.EmployeeID, p.PunchTime); err != nil {
			s.logger.Error("Sweep recompute failed",
				zap.String("punch_id", p.PunchID), zap.Error(err))
			continue
		}
		done = append(done, p.PunchID)
	}

	if err := s.punches.MarkProcessed(ctx, done); err != nil {
		return 0, err
	}
	if len(done) > 0 {
		s.logger.Info("Unprocessed punches swept",
			zap.Int("processed", len(done)),
			zap.Int("batch", len(punches)))
	}
	return len(done), nil
}
