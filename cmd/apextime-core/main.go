package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/attendance"
	"github.com/alpesh15gb/apextime-core/internal/command"
	"github.com/alpesh15gb/apextime-core/internal/config"
	"github.com/alpesh15gb/apextime-core/internal/database"
	"github.com/alpesh15gb/apextime-core/internal/httpapi"
	"github.com/alpesh15gb/apextime-core/internal/ingest"
	"github.com/alpesh15gb/apextime-core/internal/legacy"
	"github.com/alpesh15gb/apextime-core/internal/logger"
	"github.com/alpesh15gb/apextime-core/internal/realtime"
	appredis "github.com/alpesh15gb/apextime-core/internal/redis"
	"github.com/alpesh15gb/apextime-core/internal/repository"
	"github.com/alpesh15gb/apextime-core/internal/resolver"
	"github.com/alpesh15gb/apextime-core/internal/store"
	"github.com/alpesh15gb/apextime-core/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "apextime-core")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	redisClient := appredis.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer appredis.Close(redisClient)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := appredis.Ping(ctx, redisClient); err != nil {
		log.Warn("Redis unavailable, realtime recompute degrades to sync path", zap.Error(err))
	}
	kv := store.NewRedisKV(redisClient)

	// 仓库层
	deviceRepo := repository.NewDeviceRepository(db, log)
	punchRepo := repository.NewRawPunchRepository(db, log)
	employeeRepo := repository.NewEmployeeRepository(db, log)
	shiftRepo := repository.NewShiftRepository(db, log)
	attendanceRepo := repository.NewAttendanceRepository(db, log)
	commandRepo := repository.NewDeviceCommandRepository(db, log)
	syncLogRepo := repository.NewSyncLogRepository(db, log)

	// 领域服务
	res := resolver.NewResolver(employeeRepo, shiftRepo, log)
	merger := resolver.NewMerger(employeeRepo, attendanceRepo, log)
	attendanceSvc := attendance.NewService(punchRepo, employeeRepo, shiftRepo, attendanceRepo, cfg.PunchLocation, log)
	commandSvc := command.NewService(commandRepo, log)
	ingestor := ingest.NewIngestor(deviceRepo, punchRepo, res, redisClient, cfg.Streams.Punches, cfg.PunchLocation, log)

	// 厂家库同步桥（可选）
	var legacyDB *sql.DB
	var syncFn httpapi.SyncFunc
	if cfg.Legacy.Enabled {
		legacyDB, err = database.NewPostgresDB(&cfg.Legacy.Database)
		if err != nil {
			log.Warn("Legacy database unavailable, sync bridge disabled", zap.Error(err))
		} else {
			bridge := legacy.NewBridge(legacyDB, punchRepo, syncLogRepo, res, attendanceSvc,
				cfg.TenantID, cfg.Legacy.Epoch, cfg.PunchLocation, log)
			syncFn = func(ctx context.Context, full bool) (*legacy.Result, error) {
				return bridge.Sync(ctx, deviceRepo, full)
			}
		}
	}
	if legacyDB != nil {
		defer database.Close(legacyDB)
	}

	// HTTP 面
	hub := realtime.NewHub(deviceRepo, ingestor, commandSvc, cfg.OfflineCommandGap, log)
	iclockHandler := httpapi.NewIclockHandler(ingestor, commandSvc, log)
	hikvisionHandler := httpapi.NewHikvisionHandler(ingestor, deviceRepo, log)
	adminHandler := httpapi.NewAdminHandler(syncFn, syncLogRepo, attendanceSvc, merger,
		commandSvc, deviceRepo, employeeRepo, attendanceRepo, hub, kv, cfg.TenantID, cfg.PunchLocation, log)

	router := httpapi.NewRouter(log)
	router.RegisterIclockRoutes(iclockHandler)
	router.RegisterHikvisionRoutes(hikvisionHandler)
	router.RegisterAdminRoutes(adminHandler)
	router.HandleHandler("/realtime-ws", hub)

	// 流消费：新打卡落库后低延迟重算当天考勤
	recompute := func(ctx context.Context, employeeID string, punchTime time.Time) error {
		return attendanceSvc.RecomputeForPunch(ctx, employeeID, punchTime.In(cfg.PunchLocation))
	}
	consumer := worker.NewConsumer(redisClient, cfg.Streams.Punches, cfg.Streams.ConsumerGroup,
		cfg.Streams.ConsumerName, cfg.Streams.BatchSize, recompute, log)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Stream consumer stopped", zap.Error(err))
		}
	}()

	// 补扫兜底：流发布失败时落库的行由这里最终重算
	sweeper := worker.NewSweeper(punchRepo, res, recompute, cfg.TenantID,
		5*time.Minute, 500, log)
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Sweeper stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("apextime-core listening", zap.String("addr", cfg.HTTP.Addr))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("Shutdown signal received")
		cancel()
	case err := <-errCh:
		log.Error("HTTP server exited", zap.Error(err))
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
