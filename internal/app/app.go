// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegisops/aegis/internal/config"
	"github.com/aegisops/aegis/internal/dispatch"
	"github.com/aegisops/aegis/internal/dispatch/email"
	"github.com/aegisops/aegis/internal/dispatch/memqueue"
	"github.com/aegisops/aegis/internal/dispatch/pager"
	dispatchpostgres "github.com/aegisops/aegis/internal/dispatch/postgres"
	slacksender "github.com/aegisops/aegis/internal/dispatch/slack"
	"github.com/aegisops/aegis/internal/dispatch/sms"
	"github.com/aegisops/aegis/internal/domain"
	"github.com/aegisops/aegis/internal/incident"
	incidentmemstore "github.com/aegisops/aegis/internal/incident/memstore"
	incidentpostgres "github.com/aegisops/aegis/internal/incident/postgres"
	"github.com/aegisops/aegis/internal/ingest"
	"github.com/aegisops/aegis/internal/ledger"
	ledgermemory "github.com/aegisops/aegis/internal/ledger/memory"
	ledgerpostgres "github.com/aegisops/aegis/internal/ledger/postgres"
	"github.com/aegisops/aegis/internal/pkg/ctxlog"
	"github.com/aegisops/aegis/internal/pkg/httputil"
	"github.com/aegisops/aegis/internal/pkg/metrics"
	"github.com/aegisops/aegis/internal/pkg/postgres"
	"github.com/aegisops/aegis/internal/retention"
	"github.com/aegisops/aegis/internal/scribe"
	"github.com/aegisops/aegis/internal/scribe/claude"
	"github.com/aegisops/aegis/internal/triage"
	"github.com/aegisops/aegis/internal/version"
	"github.com/aegisops/aegis/internal/workflow"
	workflowmemstore "github.com/aegisops/aegis/internal/workflow/memstore"
	workflowpostgres "github.com/aegisops/aegis/internal/workflow/postgres"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc

	engine  *workflow.Engine
	worker  *dispatch.Worker
	janitor *retention.Janitor
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	var db *pgxpool.Pool
	var incidentStore incident.Store
	var queue dispatch.Queue
	var execStore workflow.ExecutionStore
	var keys ledger.Ledger

	if cfg.Database.Enabled {
		if err := postgres.Migrate(cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}

		connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
		defer connectCancel()

		var err error
		db, err = postgres.Connect(connectCtx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectAttempts: cfg.Database.ConnectAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}

		incidentStore = incidentpostgres.NewRepository(db)
		queue = dispatchpostgres.NewRepository(db)
		execStore = workflowpostgres.NewRepository(db)
		keys = ledgerpostgres.New(db)
	} else {
		slog.Warn("database disabled, using in-memory stores")
		incidentStore = incidentmemstore.New()
		queue = memqueue.New()
		execStore = workflowmemstore.New()
		keys = ledgermemory.New()
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		metricsCancel: metricsCancel,
	}

	if db != nil {
		go app.collectDBMetrics(metricsCtx)
	}

	incidents := incident.NewService(incidentStore)
	dispatcher := dispatch.NewService(queue, cfg.Dispatch.MaxAttempts)

	senders, err := buildSenders(cfg.Notifiers)
	if err != nil {
		if db != nil {
			db.Close()
		}
		metricsCancel()
		return nil, err
	}

	app.worker = dispatch.NewWorker(dispatch.WorkerConfig{
		BatchSize:         cfg.Dispatch.BatchSize,
		PollInterval:      cfg.Dispatch.PollInterval,
		InitialBackoff:    cfg.Dispatch.InitialBackoff,
		MaxBackoff:        cfg.Dispatch.MaxBackoff,
		BackoffMultiplier: cfg.Dispatch.BackoffMultiplier,
		NumWorkers:        cfg.Dispatch.NumWorkers,
		DedupTTL:          cfg.Dispatch.DedupTTL,
	}, queue, keys, senders, &timelineAlerter{incidents: incidents})

	app.engine = workflow.NewEngine(workflow.Config{
		TriageRetries:             cfg.Workflow.TriageRetries,
		TriageBackoffBase:         cfg.Workflow.TriageBackoffBase,
		AckTimeout:                cfg.Workflow.AckTimeout,
		HeartbeatWindow:           cfg.Workflow.HeartbeatWindow,
		EscalationWait:            cfg.Workflow.EscalationWait,
		EscalationAckShortCircuit: cfg.Workflow.EscalationAckShortCircuit,
		MonitorInterval:           cfg.Workflow.MonitorInterval,
		LongRunningThreshold:      cfg.Workflow.LongRunningThreshold,
		PostMortemRetries:         cfg.Workflow.PostMortemRetries,
		PostMortemBackoffBase:     cfg.Workflow.PostMortemBackoffBase,
		ExecutionTTL:              cfg.Workflow.ExecutionTTL,
		SlackChannel:              cfg.Workflow.SlackChannel,
		OncallTarget:              cfg.Workflow.OncallTarget,
		SecondaryOncall:           cfg.Workflow.SecondaryOncall,
		ManagementTarget:          cfg.Workflow.ManagementTarget,
		EmailTarget:               cfg.Workflow.EmailTarget,
	}, incidents, triage.NewEngine(incidents), dispatcher, buildSummarizer(cfg.Scribe), execStore, keys)

	app.janitor = retention.NewJanitor(retention.Config{
		Interval:     cfg.Retention.Interval,
		CommentTTL:   cfg.Retention.CommentTTL,
		SummaryTTL:   cfg.Retention.SummaryTTL,
		ArchiveAfter: cfg.Retention.ArchiveAfter,
	}, incidentStore, keys)

	app.worker.Start(metricsCtx)
	app.janitor.Start(metricsCtx)
	go app.collectQueueMetrics(metricsCtx, dispatcher)

	if err := app.engine.Resume(context.Background()); err != nil {
		slog.Error("failed to resume workflow executions", "error", err)
	}

	router := app.setupRouter(incidents, dispatcher)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

func buildSenders(cfg config.NotifiersConfig) ([]dispatch.Sender, error) {
	slackSender, err := slacksender.NewSender(slacksender.Config{
		Enabled:  cfg.Slack.Enabled,
		Token:    cfg.Slack.Token,
		Username: cfg.Slack.Username,
		IconURL:  cfg.Slack.IconURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create slack sender: %w", err)
	}

	pagerSender, err := pager.NewSender(pager.Config{
		Enabled:       cfg.Pager.Enabled,
		Endpoint:      cfg.Pager.Endpoint,
		RoutingKey:    cfg.Pager.RoutingKey,
		Timeout:       cfg.Pager.Timeout,
		RatePerSecond: cfg.Pager.RatePerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("create pager sender: %w", err)
	}

	emailSender, err := email.NewSender(email.Config{
		Enabled:      cfg.Email.Enabled,
		SMTPHost:     cfg.Email.SMTPHost,
		SMTPPort:     cfg.Email.SMTPPort,
		SMTPUser:     cfg.Email.SMTPUser,
		SMTPPassword: cfg.Email.SMTPPassword,
		FromAddress:  cfg.Email.FromAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("create email sender: %w", err)
	}

	smsSender, err := sms.NewSender(sms.Config{
		Enabled:    cfg.SMS.Enabled,
		GatewayURL: cfg.SMS.GatewayURL,
		APIKey:     cfg.SMS.APIKey,
		Timeout:    cfg.SMS.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create sms sender: %w", err)
	}

	return []dispatch.Sender{slackSender, pagerSender, emailSender, smsSender}, nil
}

func buildSummarizer(cfg config.ScribeConfig) scribe.Summarizer {
	if !cfg.Enabled || cfg.APIKey == "" {
		slog.Warn("scribe disabled: post-mortem generation will fall back to manual")
		return disabledSummarizer{}
	}
	return claude.New(claude.Config{
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		BaseURL:     cfg.BaseURL,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
	})
}

// disabledSummarizer always fails, which routes post-mortems to the
// manual fallback path.
type disabledSummarizer struct{}

func (disabledSummarizer) Summarize(context.Context, scribe.PromptKind, string) (*scribe.Summary, error) {
	return nil, errors.New("summarizer disabled")
}

// timelineAlerter records dead-lettered notifications on the incident
// timeline so responders see the gap where a page or message never went
// out.
type timelineAlerter struct {
	incidents *incident.Service
}

func (a *timelineAlerter) NotifyDeadLetter(ctx context.Context, item *dispatch.QueueItem) {
	err := a.incidents.RecordEvent(ctx, item.IncidentID, domain.EventNotificationDeadLetter,
		fmt.Sprintf("Notification via %s to %s could not be delivered after %d attempts", item.Type, item.Target, item.Attempts),
		"Dispatcher", map[string]any{
			"channel":    string(item.Type),
			"target":     item.Target,
			"last_error": item.LastError,
		})
	if err != nil {
		slog.Error("failed to record dead letter event",
			"incident_id", item.IncidentID, "item_id", item.ID, "error", err)
	}
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application. Background workers
// stop first so in-flight executions persist their state before the
// stores go away.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.metricsCancel()
	a.engine.Stop()
	a.worker.Stop()
	a.janitor.Stop()

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if a.db != nil {
		a.db.Close()
	}

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context, dispatcher *dispatch.Service) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := dispatcher.Stats(ctx)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			dispatch.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Engine returns the workflow engine instance.
func (a *App) Engine() *workflow.Engine {
	return a.engine
}

func (a *App) setupRouter(incidents *incident.Service, dispatcher *dispatch.Service) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	handler := ingest.NewHandler(incidents, a.engine, dispatcher)
	r.Route("/api/v1", handler.RegisterRoutes)
	r.Route("/webhooks", handler.RegisterWebhookRoutes)

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		httputil.Text(w, http.StatusOK, "OK")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
