package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/domain"
	"github.com/alpesh15gb/apextime-core/internal/repository"
)

// 单次拉取最多下发的命令数
const drainLimit = 10

// Service 设备命令队列服务。
// 终端是拉取方：服务端只入队，终端轮询/长连时按优先级领取。
type Service struct {
	commands *repository.DeviceCommandRepository
	logger   *zap.Logger
}

// NewService 创建命令队列服务
func NewService(commands *repository.DeviceCommandRepository, logger *zap.Logger) *Service {
	return &Service{commands: commands, logger: logger}
}

// Enqueue 入队命令，优先级由命令类型决定
func (s *Service) Enqueue(ctx context.Context, tenantID, deviceID, commandType string, payload map[string]any) (*domain.DeviceCommand, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command payload: %w", err)
	}
	cmd := &domain.DeviceCommand{
		CommandID:   uuid.New().String(),
		TenantID:    tenantID,
		DeviceID:    deviceID,
		CommandType: commandType,
		Payload:     string(body),
		Priority:    domain.CommandPriority(commandType),
		Status:      domain.CmdPending,
		CreatedAt:   time.Now(),
	}
	if err := s.commands.Create(ctx, cmd); err != nil {
		return nil, err
	}
	s.logger.Info("Command enqueued",
		zap.String("command_id", cmd.CommandID),
		zap.String("device_id", deviceID),
		zap.String("command_type", commandType),
		zap.Int("priority", cmd.Priority))
	return cmd, nil
}

// ListPending 查看某设备待发队列
func (s *Service) ListPending(ctx context.Context, deviceID string) ([]*domain.DeviceCommand, error) {
	return s.commands.ListPending(ctx, deviceID, drainLimit)
}

// Drain 领取待发命令并置为 SENT
func (s *Service) Drain(ctx context.Context, deviceID string) ([]*domain.DeviceCommand, error) {
	return s.commands.Drain(ctx, deviceID, drainLimit, time.Now())
}

// DrainOne 领取一条待发命令（WebSocket 的 COMMAND_REQUEST 一次只要一条）
func (s *Service) DrainOne(ctx context.Context, deviceID string) (*domain.DeviceCommand, error) {
	commands, err := s.commands.Drain(ctx, deviceID, 1, time.Now())
	if err != nil {
		return nil, err
	}
	if len(commands) == 0 {
		return nil, nil
	}
	return commands[0], nil
}

// CompleteByReturn 按终端回执闭环命令。
// numericID 是下发时给终端的数字命令号；旧固件回执不带号或号对不上时
// 退回到该设备最近一条 SENT 命令。Return=0 表示成功。
func (s *Service) CompleteByReturn(ctx context.Context, deviceID string, numericID int, returnCode int, raw string) error {
	cmd, err := s.findSentByNumericID(ctx, deviceID, numericID)
	if err != nil {
		if err == sql.ErrNoRows {
			s.logger.Warn("Command receipt with no matching sent command",
				zap.String("device_id", deviceID),
				zap.Int("numeric_id", numericID))
			return nil
		}
		return err
	}

	now := time.Now()
	if returnCode == 0 {
		return s.commands.Complete(ctx, cmd.CommandID, raw, now)
	}
	return s.commands.Fail(ctx, cmd.CommandID, fmt.Sprintf("device returned %d", returnCode), now)
}

// Fail 人工或超时标记命令失败
func (s *Service) Fail(ctx context.Context, commandID, reason string) error {
	return s.commands.Fail(ctx, commandID, reason, time.Now())
}

// Stats 命令队列统计（监控接口用）
func (s *Service) Stats(ctx context.Context, tenantID string) (map[string]int, error) {
	return s.commands.CountByStatus(ctx, tenantID)
}

func (s *Service) findSentByNumericID(ctx context.Context, deviceID string, numericID int) (*domain.DeviceCommand, error) {
	latest, err := s.commands.LatestSent(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if NumericID(latest.CommandID) == numericID {
		return latest, nil
	}
	// 号对不上仍然接受：同一设备同一时刻在途命令通常只有一条
	return latest, nil
}

// NumericID 把命令 UUID 折叠成终端可回传的数字号，范围 [1, 999999]
func NumericID(commandID string) int {
	h := fnv.New32a()
	h.Write([]byte(commandID))
	return int(h.Sum32()%999999) + 1
}

// FormatCommand 把命令渲染为终端文本语法：`C:<n>:DATA ...`
func FormatCommand(cmd *domain.DeviceCommand) (string, error) {
	var p struct {
		UserID    string `json:"user_id"`
		Name      string `json:"name"`
		Privilege int    `json:"privilege"`
		Password  string `json:"password"`
		Card      string `json:"card"`
		Group     int    `json:"group"`
		StartTime string `json:"start_time"`
		Timestamp string `json:"timestamp"`
	}
	if cmd.Payload != "" {
		if err := json.Unmarshal([]byte(cmd.Payload), &p); err != nil {
			return "", fmt.Errorf("failed to parse command payload: %w", err)
		}
	}

	var body string
	switch cmd.CommandType {
	case domain.CmdUploadUser:
		body = fmt.Sprintf("DATA USER PIN=%s\tName=%s\tPri=%d\tPasswd=%s\tCard=%s\tGrp=%d",
			p.UserID, p.Name, p.Privilege, p.Password, p.Card, p.Group)
	case domain.CmdDeleteUser:
		body = fmt.Sprintf("DATA DELETE USER PIN=%s", p.UserID)
	case domain.CmdClearAllUsers:
		body = "DATA DELETE USER"
	case domain.CmdSyncTime:
		ts := p.Timestamp
		if ts == "" {
			ts = time.Now().Format("2006-01-02 15:04:05")
		}
		body = fmt.Sprintf("DATA UPDATE STIME %s", ts)
	case domain.CmdRestart:
		body = "DATA RESTART"
	case domain.CmdGetLogs:
		if p.StartTime != "" {
			body = fmt.Sprintf("DATA QUERY ATTLOG StartTime=%s", p.StartTime)
		} else {
			body = "DATA QUERY ATTLOG"
		}
	case domain.CmdGetUsers:
		body = "DATA QUERY USERINFO"
	default:
		return "", fmt.Errorf("unknown command type: %s", cmd.CommandType)
	}

	return fmt.Sprintf("C:%d:%s", NumericID(cmd.CommandID), body), nil
}

// UploadEmployee 下发员工档案到终端
func (s *Service) UploadEmployee(ctx context.Context, tenantID, deviceID string, emp *domain.Employee) (*domain.DeviceCommand, error) {
	if !emp.DeviceUserID.Valid {
		return nil, fmt.Errorf("employee %s has no device user id", emp.EmployeeID)
	}
	return s.Enqueue(ctx, tenantID, deviceID, domain.CmdUploadUser, map[string]any{
		"user_id":   emp.DeviceUserID.String,
		"name":      strings.TrimSpace(emp.FullName()),
		"privilege": 0,
		"group":     1,
	})
}

// DeleteEmployee 从终端删除某个用户号
func (s *Service) DeleteEmployee(ctx context.Context, tenantID, deviceID, deviceUserID string) (*domain.DeviceCommand, error) {
	return s.Enqueue(ctx, tenantID, deviceID, domain.CmdDeleteUser, map[string]any{
		"user_id": deviceUserID,
	})
}

// ClearAllUsers 清空终端全部用户
func (s *Service) ClearAllUsers(ctx context.Context, tenantID, deviceID string) (*domain.DeviceCommand, error) {
	return s.Enqueue(ctx, tenantID, deviceID, domain.CmdClearAllUsers, map[string]any{})
}

// SyncTime 下发服务端时间
func (s *Service) SyncTime(ctx context.Context, tenantID, deviceID string, now time.Time) (*domain.DeviceCommand, error) {
	return s.Enqueue(ctx, tenantID, deviceID, domain.CmdSyncTime, map[string]any{
		"timestamp": now.Format("2006-01-02 15:04:05"),
	})
}

// Restart 重启终端
func (s *Service) Restart(ctx context.Context, tenantID, deviceID string) (*domain.DeviceCommand, error) {
	return s.Enqueue(ctx, tenantID, deviceID, domain.CmdRestart, map[string]any{})
}

// FetchLogsSince 要求终端补传某时刻之后的打卡记录
func (s *Service) FetchLogsSince(ctx context.Context, tenantID, deviceID string, since time.Time) (*domain.DeviceCommand, error) {
	return s.Enqueue(ctx, tenantID, deviceID, domain.CmdGetLogs, map[string]any{
		"start_time": since.Format("2006-01-02 15:04:05"),
	})
}
