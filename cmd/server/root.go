package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-fee-governance/internal/client"
	"github.com/pesio-ai/be-fee-governance/internal/metrics"
	"github.com/pesio-ai/be-fee-governance/internal/repository"
	"github.com/pesio-ai/be-fee-governance/internal/service"
	"github.com/pesio-ai/be-fee-governance/pkg/config"
	"github.com/pesio-ai/be-fee-governance/pkg/database"
	"github.com/pesio-ai/be-fee-governance/pkg/logger"
)

// devSecret signs tokens when no secret is configured. Config validation
// only allows that in development.
const devSecret = "development-only-secret"

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "fee-governance",
		Short:         "Fee governance service: satisfaction, exemptions and thresholds",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults to $CONFIG_FILE)")

	root.AddCommand(
		newServeCommand(&configPath),
		newMigrateCommand(&configPath),
		newSweepCommand(&configPath),
		newTokenCommand(&configPath),
	)
	return root
}

// bootstrap loads configuration and builds the process logger.
func bootstrap(configPath string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	return cfg, log, nil
}

func openDatabase(ctx context.Context, cfg *config.Config, log *logger.Logger) (*database.DB, error) {
	db, err := database.New(ctx, database.Config{
		Host:              cfg.Database.Host,
		Port:              cfg.Database.Port,
		User:              cfg.Database.User,
		Password:          cfg.Database.Password,
		Database:          cfg.Database.Database,
		SSLMode:           cfg.Database.SSLMode,
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnTime,
		MaxConnIdleTime:   cfg.Database.MaxIdleTime,
		HealthCheckPeriod: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	log.Info().Str("host", cfg.Database.Host).Str("database", cfg.Database.Database).Msg("Database connection established")
	return db, nil
}

// app holds everything the serve and sweep commands share.
type app struct {
	db         *database.DB
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	nats       *client.JetStreamClient
	dispatcher *client.Dispatcher

	thresholds   *service.ThresholdService
	satisfaction *service.SatisfactionService
	exemptions   *service.ExemptionService
	limits       *service.ExemptionLimitService
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx, "up", log.Component("migrate").Logger); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a := &app{db: db, registry: reg, metrics: m}

	var publisher *client.NotificationPublisher
	if cfg.NATS.Enabled {
		js, err := client.ConnectJetStream(ctx, cfg.NATS.URL, cfg.NATS.Stream, log.Component("nats").Logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.nats = js
		publisher = client.NewNotificationPublisher(js, log.Component("notification_publisher").Logger)
	} else {
		log.Warn().Msg("NATS disabled: notifications are stored in-app only")
	}

	// Initialize repositories
	performanceRepo := repository.NewPerformanceRepository(db)
	ackRepo := repository.NewAcknowledgmentRepository(db)
	approvalRepo := repository.NewCeoApprovalRepository(db)
	thresholdRepo := repository.NewThresholdRepository(db)
	exemptionRepo := repository.NewExemptionRepository(db)
	limitRepo := repository.NewExemptionLimitRepository(db)
	directoryRepo := repository.NewDirectoryRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	a.dispatcher = client.NewDispatcher(cfg.Notifications.Workers, notificationRepo, publisher, m, log.Component("notifications").Logger)

	// Initialize services
	a.thresholds = service.NewThresholdService(db, thresholdRepo, directoryRepo, a.dispatcher, auditRepo, m, log)
	a.satisfaction = service.NewSatisfactionService(db, performanceRepo, ackRepo, approvalRepo, thresholdRepo, directoryRepo, a.dispatcher, auditRepo, m, log)
	a.exemptions = service.NewExemptionService(db, exemptionRepo, limitRepo, directoryRepo, a.dispatcher, auditRepo, m, log)
	a.limits = service.NewExemptionLimitService(db, limitRepo, directoryRepo, a.dispatcher, auditRepo, m, log)

	return a, nil
}

// Close drains pending notifications before releasing connections.
func (a *app) Close() {
	a.dispatcher.Close()
	a.nats.Close()
	a.db.Close()
}
