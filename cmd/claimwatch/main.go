package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/liamashdown/claimwatch/internal/api"
	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/liamashdown/claimwatch/internal/detection"
	"github.com/liamashdown/claimwatch/internal/events"
	"github.com/liamashdown/claimwatch/internal/evidence"
	"github.com/liamashdown/claimwatch/internal/lifecycle"
	"github.com/liamashdown/claimwatch/internal/oracle"
	"github.com/liamashdown/claimwatch/internal/pipeline"
	"github.com/liamashdown/claimwatch/internal/queue"
	"github.com/liamashdown/claimwatch/internal/storage"
	"github.com/liamashdown/claimwatch/internal/triage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Initialize logger
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)
	log.SetLevel(logrus.InfoLevel)

	log.Info("Starting claimwatch service...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
	}

	log.WithFields(logrus.Fields{
		"environment":      cfg.Environment,
		"database_driver":  cfg.DatabaseDriver,
		"queue_workers":    cfg.Queue.Workers,
		"auto_threshold":   cfg.Triage.AutoSubmitThreshold,
		"review_threshold": cfg.Triage.ReviewThreshold,
		"sweep_schedule":   cfg.Lifecycle.SweepSchedule,
		"event_sinks":      cfg.Events.Sinks,
	}).Info("Configuration loaded")

	// Initialize database
	db, err := storage.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	log.Info("Database connected")

	// Run auto-migration
	if err := db.AutoMigrate(); err != nil {
		log.WithError(err).Fatal("Failed to run database migrations")
	}

	log.Info("Database migrations complete")

	publisher := events.NewFromConfig(cfg.Events, cfg.Environment, log)

	fees := detection.DefaultFeeSchedule()
	if cfg.Detection.FeeScheduleFile != "" {
		fees, err = detection.LoadFeeSchedule(cfg.Detection.FeeScheduleFile)
		if err != nil {
			log.WithError(err).Fatal("Failed to load fee schedule")
		}
	}

	var scorer detection.Scorer
	if cfg.Oracle.BaseURL != "" {
		scorer = oracle.NewClient(cfg.Oracle, log)
	} else {
		log.Warn("Scoring oracle not configured, every candidate uses the fallback score")
	}

	engine := detection.NewEngine(cfg.Detection, cfg.Oracle.Timeout, fees, scorer, log)
	router := triage.NewRouter(cfg.Triage, cfg.Lifecycle, db, publisher, log)
	tracker := lifecycle.NewTracker(cfg.Lifecycle, db, publisher, log)
	matcher := evidence.NewMatcher(cfg.Evidence, evidence.NewClient(cfg.Evidence, log), db, router, log)

	jobs := queue.New(cfg.Queue, db, log)
	proc := pipeline.New(db, engine, router, matcher, publisher, cfg.Evidence.Workers, log)
	server := api.New(cfg.Triage, cfg.Lifecycle, db, jobs, tracker, matcher, log)

	log.Info("Pipeline initialized")

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return jobs.Run(gctx, proc.Handle)
	})
	g.Go(func() error {
		if err := tracker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return server.Serve(gctx, cfg.HTTPPort)
	})

	<-gctx.Done()
	if ctx.Err() != nil {
		log.Info("Received shutdown signal")
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Service stopped with error")
	}

	proc.Wait()
	log.Info("Graceful shutdown complete")
}
