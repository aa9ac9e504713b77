package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/halovoice/campaigner/internal/config"
	"github.com/halovoice/campaigner/internal/domain/callhistory"
	memorybroker "github.com/halovoice/campaigner/internal/infrastructure/broker/memory"
	redisbroker "github.com/halovoice/campaigner/internal/infrastructure/broker/redis"
	"github.com/halovoice/campaigner/internal/infrastructure/email"
	"github.com/halovoice/campaigner/internal/infrastructure/report"
	memoryrepo "github.com/halovoice/campaigner/internal/infrastructure/repository/memory"
	"github.com/halovoice/campaigner/internal/infrastructure/repository/postgres"
	"github.com/halovoice/campaigner/internal/infrastructure/tenantcfg"
	"github.com/halovoice/campaigner/internal/infrastructure/voice"
	"github.com/halovoice/campaigner/internal/interfaces/httpapi"
	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/platform/resilience"
	"github.com/halovoice/campaigner/internal/queue"
	"github.com/halovoice/campaigner/internal/usecase"
)

// App bundles the wired process: HTTP server, queue orchestrator, and the
// resources they share.
type App struct {
	Config       config.Config
	Logger       *logging.Logger
	Server       *http.Server
	Orchestrator *usecase.Orchestrator

	db *sqlx.DB
}

func New(cfg config.Config, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Default()
	}

	var (
		history callhistory.Repository
		db      *sqlx.DB
	)
	switch cfg.StoreType {
	case config.StorePostgres:
		conn, err := sqlx.Connect("postgres", cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("connect call history store: %w", err)
		}
		db = conn
		history = postgres.NewCallHistoryRepository(conn)
	default:
		history = memoryrepo.NewCallHistoryRepository()
	}

	var broker queue.Broker
	switch cfg.BrokerType {
	case config.BrokerRedis:
		broker = redisbroker.NewBroker(redisbroker.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PollInterval: cfg.QueuePollInterval,
			CloseTimeout: cfg.QueueCloseTimeout,
		}, logger)
	default:
		broker = memorybroker.NewBroker(logger,
			memorybroker.WithPollInterval(cfg.QueuePollInterval))
	}

	tenants := tenantcfg.NewClient(
		&http.Client{Timeout: cfg.TenantConfigTimeout},
		tenantcfg.Config{
			BaseURL:     cfg.TenantConfigBaseURL,
			APIKey:      cfg.TenantConfigAPIKey,
			ScheduleTTL: cfg.ScheduleCacheTTL,
		},
		logger,
	)

	voiceClient := voice.NewClient(
		&http.Client{Timeout: cfg.VoiceTimeout},
		voice.Config{
			BaseURL: cfg.VoiceBaseURL,
			APIKey:  cfg.VoiceAPIKey,
			Circuit: resilience.CircuitBreakerConfig{
				Enabled:          cfg.VoiceCircuitEnabled,
				FailureThreshold: cfg.VoiceCircuitFailureCount,
				OpenTimeout:      cfg.VoiceCircuitOpenTimeout,
				HalfOpenMaxReq:   cfg.VoiceCircuitHalfOpenMaxReq,
			},
		},
		logger,
	)

	var gateway usecase.EmailGateway
	if cfg.MailgunEnabled {
		sender, err := email.NewMailgunSender(email.MailgunConfig{
			Domain:  cfg.MailgunDomain,
			APIKey:  cfg.MailgunAPIKey,
			From:    cfg.MailgunFrom,
			Timeout: cfg.MailgunTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build mailgun sender: %w", err)
		}
		gateway = sender
	} else {
		gateway = email.NewLogSender(logger)
	}

	calls := broker.Queue(usecase.QueueCalls)
	emails := broker.Queue(usecase.QueueEmails)
	scheduler := broker.Queue(usecase.QueueScheduler)

	dispatch := usecase.NewDispatchService(tenants, voiceClient, history, calls,
		usecase.DispatchPolicy{}, logger)
	emailSvc := usecase.NewEmailService(gateway, logger)
	reports := usecase.NewReportService(history, tenants, report.NewWriter(cfg.ArtifactDir), emails, logger)
	maintenance := usecase.NewMaintenanceService(history, calls,
		[]queue.Queue{calls, emails, scheduler}, emails,
		usecase.MaintenancePolicy{OperatorEmail: cfg.OperatorEmail}, logger)

	orchestrator := usecase.NewOrchestrator(broker, dispatch, emailSvc, reports, maintenance, logger)

	handler := httpapi.NewHandler(orchestrator, history, logger)
	router := httpapi.NewRouter(handler, logger, cfg.CORSAllowedOrigins, cfg.InternalJobToken)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if server.Addr == "" {
		return nil, fmt.Errorf("http server addr cannot be empty")
	}

	return &App{
		Config:       cfg,
		Logger:       logger,
		Server:       server,
		Orchestrator: orchestrator,
		db:           db,
	}, nil
}

// Start attaches the queue workers and registers recurring jobs.
func (a *App) Start(ctx context.Context) error {
	return a.Orchestrator.Start(ctx)
}

// Shutdown stops the orchestrator, then releases shared resources. The
// HTTP server is shut down by the caller first so no new jobs arrive while
// workers drain.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.Orchestrator.Shutdown(ctx)
	if a.db != nil {
		if closeErr := a.db.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
