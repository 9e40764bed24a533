package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/lmittmann/tint"

	"github.com/civitas/resilience-engine/internal/adaptive"
	"github.com/civitas/resilience-engine/internal/alerts"
	"github.com/civitas/resilience-engine/internal/config"
	"github.com/civitas/resilience-engine/internal/engine"
	"github.com/civitas/resilience-engine/internal/events"
	"github.com/civitas/resilience-engine/internal/httpserver"
	"github.com/civitas/resilience-engine/internal/ledger"
	"github.com/civitas/resilience-engine/internal/models"
	"github.com/civitas/resilience-engine/internal/perfmon"
	"github.com/civitas/resilience-engine/internal/policy"
	"github.com/civitas/resilience-engine/internal/store"
	"github.com/civitas/resilience-engine/internal/threshold"
)

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var st store.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("ping db: %v", err)
		}
		st = store.NewPGStore(db)
	} else {
		logger.Warn("no database configured, using in-memory store")
		st = store.NewMemoryStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var producer events.Producer
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaProducer(events.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		producer = kp
	}

	var archiver events.Archiver
	if cfg.S3Bucket != "" {
		a, err := events.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("s3 archiver: %v", err)
		}
		archiver = a
	}

	recorder := events.NewRecorder(st, producer, archiver, events.RecorderConfig{}, logger)

	led := ledger.New(st, recorder, ledger.Config{
		MaxConcurrentAllocations: cfg.MaxConcurrentAllocations,
	}, logger)
	for _, p := range cfg.Pools {
		if err := led.UpsertPool(models.ResourcePool{
			ID:           p.ID,
			Category:     p.Category,
			Total:        p.Total,
			MinimumStock: p.MinimumStock,
			ReorderPoint: p.ReorderPoint,
			Status:       "ACTIVE",
		}); err != nil {
			log.Fatalf("install pool %s: %v", p.ID, err)
		}
	}

	alertMgr := alerts.NewManager(alerts.Config{DedupWindow: cfg.AlertDedupWindow}, logger)
	policyEng := policy.New(led, recorder, logger)
	thresholdMon := threshold.NewMonitor(led, alertMgr, recorder, cfg.Thresholds, logger)

	enabled := make([]models.StressAdaptationType, 0, len(cfg.EnabledAdaptations))
	for _, a := range cfg.EnabledAdaptations {
		enabled = append(enabled, models.StressAdaptationType(a))
	}
	activator := adaptive.New(led, st, adaptive.Config{
		ActivationCooldown:        cfg.ActivationCooldown,
		MinSuccessRate:            cfg.MinSuccessRate,
		StressAdaptationThreshold: cfg.StressAdaptationThreshold,
		EnabledAdaptations:        enabled,
		MinImprovement:            cfg.MinImprovement,
		TargetImprovement:         cfg.TargetImprovement,
		MaxImprovement:            cfg.MaxImprovement,
		Retention:                 cfg.AdaptationRetention,
	}, logger)

	perfMon := perfmon.NewMonitor(perfmon.Config{
		Window:    cfg.MetricsWindow,
		Retention: cfg.MetricsRetention,
	}, alertMgr, led.OverallUtilization, logger)

	eng := engine.New(engine.Config{
		ThresholdInterval: cfg.ThresholdInterval,
		MetricsInterval:   cfg.MetricsInterval,
		LedgerInterval:    cfg.LedgerInterval,
	}, engine.Deps{
		Ledger:    led,
		Policies:  policyEng,
		Threshold: thresholdMon,
		Adaptive:  activator,
		Perf:      perfMon,
		Alerts:    alertMgr,
		Recorder:  recorder,
		Store:     st,
	}, logger)

	go func() {
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("engine run", "error", err)
		}
	}()

	server := httpserver.New(eng, cfg.AuthHS256Secret)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("resilience service listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	waitForShutdown(httpServer, cancel)
}

func waitForShutdown(srv *http.Server, cancel context.CancelFunc) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()
	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("graceful shutdown", "error", err)
	}
}
