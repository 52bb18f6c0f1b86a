// Package server provides the composition root of the job progress client.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-job-progress/internal/api"
	"github.com/JakeFAU/realtime-job-progress/internal/clock/system"
	"github.com/JakeFAU/realtime-job-progress/internal/config"
	"github.com/JakeFAU/realtime-job-progress/internal/connection"
	"github.com/JakeFAU/realtime-job-progress/internal/id/uuid"
	"github.com/JakeFAU/realtime-job-progress/internal/jobsession"
	"github.com/JakeFAU/realtime-job-progress/internal/logging"
	"github.com/JakeFAU/realtime-job-progress/internal/metrics"
	"github.com/JakeFAU/realtime-job-progress/internal/progress"
	progresssinks "github.com/JakeFAU/realtime-job-progress/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/realtime-job-progress/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/realtime-job-progress/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-job-progress/internal/stomp"
	pgstore "github.com/JakeFAU/realtime-job-progress/internal/storage/postgres"
	"github.com/JakeFAU/realtime-job-progress/internal/submit"
	"github.com/JakeFAU/realtime-job-progress/internal/telemetry"
	"github.com/JakeFAU/realtime-job-progress/internal/topic"
	"github.com/JakeFAU/realtime-job-progress/internal/transport"
)

// ErrNotSubscribed is returned by RunJob when the session topic could not be
// bound, typically because the connection dropped in between.
var ErrNotSubscribed = errors.New("session topic is not subscribed")

// App contains the application's dependencies.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	promReg    *prometheus.Registry
	metrics    *metrics.Metrics
	manager    *connection.Manager
	registry   *topic.Registry
	sessions   *jobsession.Directory
	submitter  *submit.Client
	apiServer  *api.Server
	ids        *uuid.Generator
	clock      *system.Clock
	emitter    progress.Emitter
	outcomes   progresssinks.Publisher
	dialer     transport.Dialer
	ownsLogger bool

	progressHub     *progress.Hub
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	progressRepo    *pgstore.ProgressStore
	tracerShutdown  func(context.Context) error

	connMu    sync.Mutex
	connected chan struct{}
	closeOnce sync.Once
}

// Option customizes Build.
type Option func(*App)

// WithDialer replaces the WebSocket transport, e.g. with an in-memory broker.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithLogger uses logger instead of building one from the config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.String("base_url", cfg.Service.BaseURL),
		zap.String("job_kind", cfg.Service.JobKind),
		zap.Int("server_port", cfg.Server.Port),
	)
	return &App{
		cfg:       cfg,
		logger:    logger,
		ids:       uuid.New(),
		clock:     system.New(),
		connected: make(chan struct{}),
	}, nil
}

// Build creates the application's dependencies. The push connection is not
// opened until Start.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	applied := &App{}
	for _, opt := range opts {
		opt(applied)
	}
	logger := applied.logger
	ownsLogger := false
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		ownsLogger = true
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	app.dialer = applied.dialer
	app.ownsLogger = ownsLogger

	if err := setupTelemetry(ctx, app); err != nil {
		return nil, err
	}

	app.promReg = prometheus.NewRegistry()
	app.metrics, err = metrics.New(app.promReg)
	if err != nil {
		return nil, fmt.Errorf("metrics init failed: %w", err)
	}

	if err = setupDatabase(ctx, app); err != nil {
		app.abort(ctx)
		return nil, err
	}
	if err = setupPublisher(ctx, app); err != nil {
		app.abort(ctx)
		return nil, err
	}
	if err = setupProgress(ctx, app); err != nil {
		app.abort(ctx)
		return nil, err
	}
	if err = setupConnection(app); err != nil {
		app.abort(ctx)
		return nil, err
	}

	app.submitter, err = submit.New(submit.Config{
		BaseURL:       cfg.Service.BaseURL,
		Timeout:       cfg.SubmitTimeout(),
		RetryCount:    cfg.Submit.RetryCount,
		RatePerSecond: cfg.Submit.RatePerSecond,
		Burst:         cfg.Submit.Burst,
		Login:         cfg.Connection.Login,
		Passcode:      cfg.Connection.Passcode,
		Logger:        logger,
	})
	if err != nil {
		app.abort(ctx)
		return nil, fmt.Errorf("submit client init failed: %w", err)
	}

	apiCfg := api.Config{
		Sessions:   app.sessions,
		Connection: app.manager,
		Metrics:    app.metrics,
		Logger:     logger,
	}
	if app.progressRepo != nil {
		apiCfg.History = app.progressRepo
	}
	app.apiServer = api.NewServer(apiCfg)
	return app, nil
}

func setupTelemetry(ctx context.Context, app *App) error {
	if !app.cfg.Telemetry.Enabled {
		app.logger.Info("tracing disabled")
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Options{
		ServiceName: app.cfg.Telemetry.ServiceName,
		SampleRatio: app.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	return nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, skipping progress history")
		return nil
	}
	repo, err := pgstore.NewProgressStore(ctx, pgstore.ProgressStoreConfig{
		DSN:   app.cfg.Database.DSN,
		Table: app.cfg.Database.Table,
	})
	if err != nil {
		return fmt.Errorf("progress store init failed: %w", err)
	}
	app.progressRepo = repo
	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("progress store schema failed: %w", err)
	}
	app.logger.Info("progress store initialized", zap.String("table", app.cfg.Database.Table))
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory outcome publisher")
		app.outcomes = memorypublisher.New()
		return nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient.Topic(app.cfg.PubSub.TopicName))
	app.outcomes = app.pubsubPublisher
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return nil
}

func setupProgress(ctx context.Context, app *App) error {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress fan-out disabled")
		return nil
	}
	promSink, err := progresssinks.NewPrometheusSink(app.promReg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if app.progressRepo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.progressRepo, app.logger.Named("progress_store")))
		app.logger.Debug("Added progress store sink")
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	if app.outcomes != nil {
		sinkList = append(sinkList, progresssinks.NewPublishSink(app.outcomes, app.logger.Named("progress_publish")))
		app.logger.Debug("Added outcome publish sink")
	}

	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.emitter = app.progressHub
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func setupConnection(app *App) error {
	endpoint, err := app.cfg.EndpointURL()
	if err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	dialer := app.dialer
	if dialer == nil {
		dialer = transport.NewWebSocketDialer(transport.WebSocketConfig{
			HandshakeTimeout: app.cfg.HandshakeTimeout(),
			WriteTimeout:     app.cfg.WriteTimeout(),
		})
	}
	app.sessions = jobsession.NewDirectory(app.logger)
	app.manager, err = connection.New(connection.Config{
		Endpoint: endpoint,
		Dialer:   dialer,
		Connect: stomp.ConnectOptions{
			Host:     app.cfg.Connection.Host,
			Login:    app.cfg.Connection.Login,
			Passcode: app.cfg.Connection.Passcode,
			Outgoing: app.cfg.HeartbeatOutgoing(),
			Incoming: app.cfg.HeartbeatIncoming(),
		},
		HeartbeatTolerance: app.cfg.Connection.HeartbeatTolerance,
		ReconnectDelay:     app.cfg.ReconnectDelay(),
		HandshakeTimeout:   app.cfg.HandshakeTimeout(),
		Hooks: connection.Hooks{
			OnConnect:    app.onConnect,
			OnDisconnect: app.onDisconnect,
			OnError: func(err error) {
				app.logger.Warn("push connection error", zap.Error(err))
			},
		},
		Logger:  app.logger.Named("connection"),
		Metrics: app.metrics,
	})
	if err != nil {
		return fmt.Errorf("connection manager init failed: %w", err)
	}
	app.registry = topic.New(app.manager, topic.Config{Logger: app.logger, Metrics: app.metrics})
	app.manager.Attach(app.registry)
	app.logger.Info("push connection configured", zap.String("endpoint", endpoint))
	return nil
}

// onConnect re-binds every live session; registrations do not survive a
// teardown.
func (a *App) onConnect() {
	a.sessions.ReopenAll()
	a.connMu.Lock()
	select {
	case <-a.connected:
	default:
		close(a.connected)
	}
	a.connMu.Unlock()
}

func (a *App) onDisconnect(err error) {
	a.connMu.Lock()
	select {
	case <-a.connected:
		a.connected = make(chan struct{})
	default:
	}
	a.connMu.Unlock()
	if err != nil {
		a.logger.Warn("push connection lost, reconnecting", zap.Error(err))
		return
	}
	a.logger.Info("push connection closed")
}

// Start opens the push connection in the background.
func (a *App) Start() {
	a.manager.Connect()
}

// WaitConnected blocks until the push connection is up or ctx is done.
func (a *App) WaitConnected(ctx context.Context) error {
	for {
		a.connMu.Lock()
		if a.manager.IsConnected() {
			a.connMu.Unlock()
			return nil
		}
		select {
		case <-a.connected:
			// The link dropped and onDisconnect has not swapped the channel yet.
			a.connected = make(chan struct{})
		default:
		}
		ch := a.connected
		a.connMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("wait for push connection: %w", ctx.Err())
		}
	}
}

// Track creates a tracker for kind and registers it for listing and
// re-binding. An empty kind uses the configured job kind.
func (a *App) Track(kind string) (*jobsession.Tracker, error) {
	if kind == "" {
		kind = a.cfg.Service.JobKind
	}
	tr, err := jobsession.New(jobsession.Config{
		Kind:     kind,
		Registry: a.registry,
		IDs:      a.ids,
		Clock:    a.clock,
		Emitter:  a.emitter,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("track %s: %w", kind, err)
	}
	a.sessions.Add(tr)
	return tr, nil
}

// Release closes the tracker's subscription and forgets it.
func (a *App) Release(tr *jobsession.Tracker) {
	tr.Close()
	a.sessions.Remove(tr)
}

// RunJob creates a session, binds its topic, uploads the archive and waits
// for the terminal state. A FAILED outcome is returned as a state, not an
// error; errors cover transport, submission and ctx expiry.
func (a *App) RunJob(ctx context.Context, kind, archivePath string) (jobsession.State, error) {
	if err := a.WaitConnected(ctx); err != nil {
		return jobsession.State{}, err
	}
	tr, err := a.Track(kind)
	if err != nil {
		return jobsession.State{}, err
	}
	// Finished sessions stay listed; anything else is forgotten so a later
	// reconnect does not re-bind it.
	defer func() {
		if tr.Progress().Status.Terminal() {
			tr.Close()
			return
		}
		a.Release(tr)
	}()

	ok, err := tr.Open()
	if err != nil {
		return tr.Progress(), err
	}
	if !ok {
		return tr.Progress(), ErrNotSubscribed
	}
	tr.MarkSubmitted()
	if _, err := a.submitter.Submit(ctx, tr.Kind(), tr.SessionID(), archivePath); err != nil {
		tr.Reset()
		return tr.Progress(), err
	}
	return tr.Wait(ctx)
}

// Handler exposes the status API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve runs the status HTTP server until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Start()
	serveErr := a.Serve(ctx)
	if serveErr != nil {
		a.logger.Error("http server error", zap.Error(serveErr))
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(serveErr, a.Close(shutdownCtx))
}

// Close gracefully shuts down the application. It is safe to call more than
// once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.manager != nil {
			a.manager.Disconnect()
		}
		if a.registry != nil {
			a.registry.Close()
		}
		if a.sessions != nil {
			for _, tr := range a.sessions.All() {
				a.Release(tr)
			}
		}
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

// abort unwinds a partially built App.
func (a *App) abort(ctx context.Context) {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.progressRepo != nil {
		a.progressRepo.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.ownsLogger {
		_ = a.logger.Sync()
	}
}
