// Package service wires the routing service together and runs it.
package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"gitlab.com/inference-grid/routing-service/api"
	"gitlab.com/inference-grid/routing-service/cache"
	"gitlab.com/inference-grid/routing-service/db"
	repositories_gorm "gitlab.com/inference-grid/routing-service/db/repositories/gorm"
	"gitlab.com/inference-grid/routing-service/dispatch"
	"gitlab.com/inference-grid/routing-service/gateway"
	"gitlab.com/inference-grid/routing-service/internal/config"
	"gitlab.com/inference-grid/routing-service/internal/logger"
	"gitlab.com/inference-grid/routing-service/internal/tracing"
	"gitlab.com/inference-grid/routing-service/ledger"
	"gitlab.com/inference-grid/routing-service/liveness"
	"gitlab.com/inference-grid/routing-service/models"
	"gitlab.com/inference-grid/routing-service/registry"
	"gitlab.com/inference-grid/routing-service/selector"
)

var zlog *zap.Logger

func init() {
	zlog = logger.New("service")
}

// Run boots the routing service and blocks until SIGINT or SIGTERM.
func Run() error {
	config.LoadConfig()
	cfg := config.GetConfig()

	shutdownTracer := tracing.InitTracer()

	database, err := db.ConnectDatabase(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	store, err := cache.NewRedisStore(cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer store.Close()

	machines := repositories_gorm.NewMachineRepository(database)
	machineTokens := repositories_gorm.NewMachineTokenRepository(database)
	apiTokens := repositories_gorm.NewAPITokenRepository(database)
	balances := repositories_gorm.NewCreditBalanceRepository(database)
	history := repositories_gorm.NewCreditHistoryRepository(database)
	usage := repositories_gorm.NewUsageRecordRepository(database)

	pricing := models.NewPricingTable(cfg.Models)
	if len(pricing) == 0 {
		zlog.Warn("no models configured, every request will be rejected")
	}

	tracker := liveness.NewTracker(store, machines)
	sel := selector.New(tracker, machines)
	led := ledger.New(store, balances, history, pricing,
		ledger.NewNotifier(cfg.Credit.LowBalanceWebhook))
	reg := registry.New(machines, machineTokens, tracker,
		gateway.NewClient(cfg.Gateway), pricing, sel.Invalidate)
	dispatcher := dispatch.New(sel, led, usage, cfg.Gateway)

	scheduler := cron.New()
	interval := cfg.Credit.ReconcileInterval
	if interval <= 0 {
		interval = 60
	}
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %ds", interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(interval)*time.Second)
		defer cancel()
		led.Flush(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule ledger reconciliation: %w", err)
	}
	scheduler.Start()

	handlers := api.NewHandlers(dispatcher, reg, tracker, led, apiTokens, store, cfg.Credit)
	router := handlers.SetupRouter()

	go func() {
		if err := router.Run(fmt.Sprintf(":%d", cfg.Rest.Port)); err != nil {
			zlog.Sugar().Fatalf("http server stopped: %v", err)
		}
	}()
	zlog.Sugar().Infof("routing service listening on port %d", cfg.Rest.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	zlog.Sugar().Infof("shutting down after receiving %v", sig)

	scheduler.Stop()
	dispatcher.Drain()
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	led.Flush(flushCtx)
	if err := shutdownTracer(flushCtx); err != nil {
		zlog.Sugar().Warnf("tracer shutdown failed: %v", err)
	}

	return nil
}
