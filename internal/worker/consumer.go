package worker

import (
	"context"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	appredis "github.com/alpesh15gb/apextime-core/internal/redis"
)

// DayRecomputer 增量重算入口，按打卡时刻归属的日历日重算一个员工
type DayRecomputer func(ctx context.Context, employeeID string, punchTime time.Time) error

// Consumer 打卡重算流消费者。适配器每插入一条新打卡就发一条流
// 消息，消费者按 (employee, date) 做增量重算，今天的打卡低延迟
// 反映到看板。至少一次投递：重算幂等，重复消费无害。
type Consumer struct {
	rdb       *goredis.Client
	stream    string
	group     string
	consumer  string
	batchSize int64
	recompute DayRecomputer
	logger    *zap.Logger
}

// NewConsumer 创建流消费者
func NewConsumer(rdb *goredis.Client, stream, group, consumer string, batchSize int64, recompute DayRecomputer, logger *zap.Logger) *Consumer {
	return &Consumer{
		rdb:       rdb,
		stream:    stream,
		group:     group,
		consumer:  consumer,
		batchSize: batchSize,
		recompute: recompute,
		logger:    logger,
	}
}

// Run 阻塞消费直到 ctx 取消
func (c *Consumer) Run(ctx context.Context) error {
	if err := appredis.CreateConsumerGroup(ctx, c.rdb, c.stream, c.group); err != nil {
		return err
	}
	c.logger.Info("Recompute consumer started",
		zap.String("stream", c.stream),
		zap.String("group", c.group),
		zap.String("consumer", c.consumer))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Recompute consumer stopping")
			return ctx.Err()
		default:
		}
		if err := c.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("Stream read failed, backing off", zap.Error(err))
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// ProcessOnce 读一批消息并逐条处理。失败的消息不 ACK，
// 由挂起队列在重启后重投。
func (c *Consumer) ProcessOnce(ctx context.Context) error {
	messages, err := appredis.ReadFromStream(ctx, c.rdb, c.stream, c.group, c.consumer, c.batchSize)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		employeeID, _ := msg.Values["employee_id"].(string)
		punchTimeRaw, _ := msg.Values["punch_time"].(string)
		if employeeID == "" || punchTimeRaw == "" {
			c.logger.Warn("Malformed stream message, acking and skipping",
				zap.String("id", msg.ID))
			c.ack(ctx, msg.ID)
			continue
		}

		punchTime, err := time.Parse(time.RFC3339, punchTimeRaw)
		if err != nil {
			c.logger.Warn("Stream message with bad punch time, acking and skipping",
				zap.String("id", msg.ID), zap.String("punch_time", punchTimeRaw))
			c.ack(ctx, msg.ID)
			continue
		}

		if err := c.recompute(ctx, employeeID, punchTime); err != nil {
			c.logger.Error("Incremental recompute failed, leaving message pending",
				zap.String("employee_id", employeeID), zap.Error(err))
			continue
		}
		c.ack(ctx, msg.ID)
	}
	return nil
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := appredis.AckMessage(ctx, c.rdb, c.stream, c.group, id); err != nil {
		c.logger.Warn("Failed to ack stream message", zap.String("id", id), zap.Error(err))
	}
}
