package config

import (
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return "host=" + c.Host +
		" port=" + strconv.Itoa(c.Port) +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.Database +
		" sslmode=" + c.SSLMode
}

// Config apextime-core 服务配置
type Config struct {
	HTTP struct {
		Addr string
	}

	// TenantID 本部署归属的租户（单租户部署，多租户拆分在外层）
	TenantID string

	Database DatabaseConfig

	// Legacy 第三方考勤机厂家自带数据库（同步桥数据源）
	Legacy struct {
		Enabled  bool
		Database DatabaseConfig
		// Epoch fullResync 模式回溯的起始时间
		Epoch time.Time
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	Streams struct {
		Punches       string
		ConsumerGroup string
		ConsumerName  string
		BatchSize     int64
	}

	Log struct {
		Level  string
		Format string
	}

	// PunchLocation 打卡时间戳的固定时区。终端推送的是不带时区的本地墙钟时间，
	// 全部按部署时区解释，避免跨 UTC 日界导致考勤日期漂移。
	PunchLocation *time.Location

	// OfflineCommandGap WebSocket 设备离线超过该时长后，重连时自动下发补拉日志命令
	OfflineCommandGap time.Duration
}

func Load() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")
	cfg.TenantID = getEnv("TENANT_ID", "default")

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "apextime")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "20"), 20)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)

	cfg.Legacy.Enabled = getEnv("LEGACY_DB_ENABLED", "false") == "true"
	cfg.Legacy.Database.Host = getEnv("LEGACY_DB_HOST", "localhost")
	cfg.Legacy.Database.Port = parseInt(getEnv("LEGACY_DB_PORT", "5432"), 5432)
	cfg.Legacy.Database.User = getEnv("LEGACY_DB_USER", "etimetrack")
	cfg.Legacy.Database.Password = getEnv("LEGACY_DB_PASSWORD", "")
	cfg.Legacy.Database.Database = getEnv("LEGACY_DB_NAME", "eTimeTrackLite1")
	cfg.Legacy.Database.SSLMode = getEnv("LEGACY_DB_SSLMODE", "disable")
	cfg.Legacy.Epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.Streams.Punches = getEnv("STREAM_PUNCHES", "attendance:punches")
	cfg.Streams.ConsumerGroup = getEnv("STREAM_CONSUMER_GROUP", "attendance-recompute")
	cfg.Streams.ConsumerName = getEnv("STREAM_CONSUMER_NAME", "recompute-1")
	cfg.Streams.BatchSize = int64(parseInt(getEnv("STREAM_BATCH_SIZE", "64"), 64))

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	// 默认 IST (UTC+5:30)，与现场部署一致
	offsetMin := parseInt(getEnv("PUNCH_TZ_OFFSET", "330"), 330)
	cfg.PunchLocation = time.FixedZone("PUNCH", offsetMin*60)

	gapMin := parseInt(getEnv("OFFLINE_COMMAND_GAP_MIN", "15"), 15)
	cfg.OfflineCommandGap = time.Duration(gapMin) * time.Minute

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
