package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"quoteflow/config"
	"quoteflow/internal/archive"
	"quoteflow/internal/balancer"
	"quoteflow/internal/breaker"
	"quoteflow/internal/cache"
	"quoteflow/internal/calendar"
	"quoteflow/internal/dashboard"
	"quoteflow/internal/metrics"
	"quoteflow/internal/orchestrator"
	"quoteflow/internal/store"
	"quoteflow/internal/vendor"
	"quoteflow/internal/version"
	"quoteflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Quoteflow.Name,
		"version": cfg.Quoteflow.Version,
		"build":   version.String(),
	}).Info("starting quoteflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.InitCloudWatch(cfg.Metrics)

	db, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		log.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		log.WithError(err).Error("failed to ensure database schema")
		os.Exit(1)
	}

	cal, err := calendar.NewTradingCalendar(cfg)
	if err != nil {
		log.WithError(err).Error("failed to build trading calendar")
		os.Exit(1)
	}

	registry, err := vendor.NewRegistry(cfg)
	if err != nil {
		log.WithError(err).Error("failed to build vendor registry")
		os.Exit(1)
	}

	gate := breaker.New(cfg.CircuitBreaker)
	bal := balancer.New(cfg.Balancer, registry, gate)

	memory := cache.NewMemory(cfg, db)
	if err := memory.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start memory cache")
		os.Exit(1)
	}

	orch := orchestrator.New(cfg, cal, memory, db, bal, registry)

	if strings.ToLower(cfg.Logging.Level) == "report" {
		metrics.StartReport(ctx, log, cfg.Logging.ReportInterval(), orch.ReportFields)
	}

	var wg sync.WaitGroup

	dash, err := dashboard.NewServer(cfg.Dashboard, log, orch, gate)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard server")
		os.Exit(1)
	}
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, cfg.Quoteflow.Name); err != nil {
				log.WithError(err).Warn("dashboard server failed")
			}
		}()
	}

	exporter, err := archive.NewExporter(cfg, db, cal)
	if err != nil {
		log.WithError(err).Error("failed to create archive exporter")
		os.Exit(1)
	}
	if exporter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exporter.Run(ctx)
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	// The final snapshot flush runs inside Stop, after the flush worker
	// sees the cancelled context.
	log.Info("stopping memory cache")
	memory.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("quoteflow stopped")
}
