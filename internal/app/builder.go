package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/collection-registry/internal/api"
	"github.com/stacklok/collection-registry/internal/app/storage"
	"github.com/stacklok/collection-registry/internal/artifact"
	"github.com/stacklok/collection-registry/internal/catalog"
	"github.com/stacklok/collection-registry/internal/config"
	"github.com/stacklok/collection-registry/internal/httpclient"
	"github.com/stacklok/collection-registry/internal/importer"
	"github.com/stacklok/collection-registry/internal/service"
	"github.com/stacklok/collection-registry/internal/service/collections"
	"github.com/stacklok/collection-registry/internal/sources"
	pkgsync "github.com/stacklok/collection-registry/internal/sync"
	"github.com/stacklok/collection-registry/internal/sync/coordinator"
	"github.com/stacklok/collection-registry/internal/sync/state"
	"github.com/stacklok/collection-registry/internal/tasking"
	"github.com/stacklok/collection-registry/internal/telemetry"
)

const (
	defaultHTTPAddress = ":8080"
	defaultReadTimeout = 10 * time.Second
	// Uploads and artifact downloads stream large bodies
	defaultWriteTimeout = 5 * time.Minute
	defaultIdleTimeout  = 60 * time.Second

	// TracerName is the name of the tracer shared by the registry components
	TracerName = "github.com/stacklok/collection-registry"
)

// RegistryAppOptions is a function that configures the registry app builder
type RegistryAppOptions func(*registryAppConfig) error

// registryAppConfig holds the builder state.
// It supports dependency injection for testing while providing sensible defaults for production
type registryAppConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	storageFactory storage.Factory
	upstream       sources.UpstreamClient
	pollInterval   time.Duration

	// HTTP server options
	address      string
	middlewares  []func(http.Handler) http.Handler
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	// Telemetry components
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metricsHandler http.Handler
}

func baseConfig(opts ...RegistryAppOptions) (*registryAppConfig, error) {
	cfg := &registryAppConfig{
		address:      defaultHTTPAddress,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		idleTimeout:  defaultIdleTimeout,
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// NewRegistryApp creates a new registry application from the given options
func NewRegistryApp(
	ctx context.Context,
	opts ...RegistryAppOptions,
) (*RegistryApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.tracerProvider == nil {
		cfg.tracerProvider = noop.NewTracerProvider()
	}
	tracer := cfg.tracerProvider.Tracer(TracerName)

	catalogMetrics, err := telemetry.NewCatalogMetrics(cfg.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog metrics: %w", err)
	}

	// Create storage factory (single decision point for DB vs File)
	if cfg.storageFactory == nil {
		cfg.storageFactory, err = storage.NewStorageFactory(ctx, cfg.config,
			storage.WithTracer(tracer),
			storage.WithCatalogMetrics(catalogMetrics),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage factory: %w", err)
		}
	}

	// Ensure cleanup happens on error
	var cleanupNeeded = true
	defer func() {
		if cleanupNeeded {
			cfg.storageFactory.Cleanup()
		}
	}()

	store, err := cfg.storageFactory.CreateCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog: %w", err)
	}
	stateService, err := cfg.storageFactory.CreateStateService(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create state service: %w", err)
	}

	intake, err := buildIntake(cfg, tracer)
	if err != nil {
		return nil, fmt.Errorf("failed to build artifact intake: %w", err)
	}

	dispatcher, err := buildDispatcher(cfg, tracer)
	if err != nil {
		return nil, fmt.Errorf("failed to build job dispatcher: %w", err)
	}

	imp, err := importer.New(intake.Store(), store, importer.WithTracer(tracer))
	if err != nil {
		_ = dispatcher.Shutdown(ctx)
		return nil, fmt.Errorf("failed to build importer: %w", err)
	}

	syncer, scheduler, err := buildSyncComponents(cfg, tracer, intake, store, imp, dispatcher, stateService)
	if err != nil {
		_ = dispatcher.Shutdown(ctx)
		return nil, fmt.Errorf("failed to build sync components: %w", err)
	}

	registryService, err := collections.New(
		collections.WithCatalog(store),
		collections.WithIntake(intake),
		collections.WithDispatcher(dispatcher),
		collections.WithImporter(imp),
		collections.WithSync(syncer, cfg.config.Remotes),
		collections.WithTracer(tracer),
	)
	if err != nil {
		_ = dispatcher.Shutdown(ctx)
		return nil, fmt.Errorf("failed to build service components: %w", err)
	}

	httpServer, err := buildHTTPServer(cfg, registryService)
	if err != nil {
		_ = dispatcher.Shutdown(ctx)
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	// Create application context
	appCtx, cancel := context.WithCancel(ctx)

	// Cleanup is now handled by the app, not in defer
	cleanupNeeded = false

	return &RegistryApp{
		config: cfg.config,
		components: &AppComponents{
			SyncCoordinator: scheduler,
			Dispatcher:      dispatcher,
			RegistryService: registryService,
			Storage:         cfg.storageFactory,
		},
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) RegistryAppOptions {
	return func(cfg *registryAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) RegistryAppOptions {
	return func(cfg *registryAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) RegistryAppOptions {
	return func(cfg *registryAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithStorageFactory allows injecting a custom storage factory (for testing)
func WithStorageFactory(f storage.Factory) RegistryAppOptions {
	return func(cfg *registryAppConfig) error {
		cfg.storageFactory = f
		return nil
	}
}

// WithUpstream allows injecting a custom upstream client (for testing)
func WithUpstream(u sources.UpstreamClient) RegistryAppOptions {
	return func(cfg *registryAppConfig) error {
		cfg.upstream = u
		return nil
	}
}

// WithPollingInterval fixes the interval at which periodic syncs are checked
func WithPollingInterval(d time.Duration) RegistryAppOptions {
	return func(cfg *registryAppConfig) error {
		if d <= 0 {
			return fmt.Errorf("polling interval must be positive")
		}
		cfg.pollInterval = d
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider
func WithMeterProvider(mp metric.MeterProvider) RegistryAppOptions {
	return func(cfg *registryAppConfig) error {
		cfg.meterProvider = mp
		return nil
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider
func WithTracerProvider(tp trace.TracerProvider) RegistryAppOptions {
	return func(cfg *registryAppConfig) error {
		cfg.tracerProvider = tp
		return nil
	}
}

// WithMetricsHandler serves h at /metrics
func WithMetricsHandler(h http.Handler) RegistryAppOptions {
	return func(cfg *registryAppConfig) error {
		cfg.metricsHandler = h
		return nil
	}
}

// buildIntake creates the artifact store under the data directory and the intake in front of it
func buildIntake(b *registryAppConfig, tracer trace.Tracer) (*artifact.Intake, error) {
	dir := filepath.Join(b.config.GetDataDir(), "artifacts")
	blobs, err := artifact.NewFileStore(dir)
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewIntakeMetrics(b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create intake metrics: %w", err)
	}

	slog.Info("Artifact store initialized", "dir", dir, "max_size", b.config.GetMaxArtifactSize())
	return artifact.NewIntake(blobs,
		artifact.WithMaxSize(b.config.GetMaxArtifactSize()),
		artifact.WithMetrics(metrics),
		artifact.WithTracer(tracer),
	), nil
}

func buildDispatcher(b *registryAppConfig, tracer trace.Tracer) (*tasking.Dispatcher, error) {
	metrics, err := telemetry.NewTaskMetrics(b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create task metrics: %w", err)
	}

	slog.Info("Starting job dispatcher",
		"workers", b.config.GetWorkers(),
		"job_timeout", b.config.GetJobTimeout(),
		"lease_ttl", b.config.GetLeaseTTL())

	return tasking.NewDispatcher(
		tasking.WithWorkers(b.config.GetWorkers()),
		tasking.WithJobTimeout(b.config.GetJobTimeout()),
		tasking.WithLeaseTTL(b.config.GetLeaseTTL()),
		tasking.WithMetrics(metrics),
		tasking.WithTracer(tracer),
	), nil
}

// buildSyncComponents builds the sync engine and the periodic scheduler on top of it
func buildSyncComponents(
	b *registryAppConfig,
	tracer trace.Tracer,
	intake *artifact.Intake,
	store catalog.Store,
	imp *importer.Importer,
	dispatcher *tasking.Dispatcher,
	stateService state.SyncStateService,
) (*pkgsync.Coordinator, coordinator.Coordinator, error) {
	slog.Info("Initializing sync components", "remotes", len(b.config.Remotes))

	if b.upstream == nil {
		b.upstream = sources.NewHTTPUpstream(httpclient.NewDefaultClient(0), sources.WithTracer(tracer))
	}

	syncMetrics, err := telemetry.NewSyncMetrics(b.meterProvider)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create sync metrics: %w", err)
	}

	syncer, err := pkgsync.NewCoordinator(b.upstream, intake, store, imp, dispatcher, stateService,
		pkgsync.WithMetrics(syncMetrics),
		pkgsync.WithTracer(tracer),
	)
	if err != nil {
		return nil, nil, err
	}

	var schedOpts []coordinator.Option
	if b.pollInterval > 0 {
		schedOpts = append(schedOpts, coordinator.WithPollingInterval(b.pollInterval))
	}
	scheduler := coordinator.New(syncer, stateService, b.config, schedOpts...)

	slog.Info("Sync components initialized successfully")
	return syncer, scheduler, nil
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(
	b *registryAppConfig,
	svc service.RegistryService,
) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	// Use default middlewares if not provided
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			api.LoggingMiddleware,
		}
	}

	// Add tracing and metrics middleware early in the chain to capture all requests
	if b.meterProvider != nil {
		metricsMiddleware, err := telemetry.MetricsMiddleware(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
		}
		if metricsMiddleware != nil {
			b.middlewares = append([]func(http.Handler) http.Handler{metricsMiddleware}, b.middlewares...)
			slog.Info("HTTP metrics middleware enabled")
		}
	}
	b.middlewares = append([]func(http.Handler) http.Handler{
		telemetry.TracingMiddleware(b.tracerProvider),
	}, b.middlewares...)

	serverOpts := []api.ServerOption{
		api.WithMiddlewares(b.middlewares...),
		api.WithMaxUploadSize(b.config.GetMaxArtifactSize()),
	}
	if b.metricsHandler != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(b.metricsHandler))
	}
	router := api.NewServer(svc, serverOpts...)

	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
