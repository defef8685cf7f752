// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package assistant provides the marketplace chat assistant service.
//
// This package contains the main Service type that composes all components
// of the backend: the WebSocket hub, the security gate, the session store,
// context enrichment, the knowledge base, the response pipeline, durable
// persistence, analytics, and observability infrastructure.
//
// # Usage
//
//	cfg := assistant.Config{Port: 8090, LLMBackend: "openai"}
//	svc, err := assistant.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/marketplace-assistant/services/assistant/analytics"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/enrich"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/fallback"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/gate"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/hub"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/knowledge"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/observability"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/persistence"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/pipeline"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/routes"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/session"
	"github.com/AleutianAI/marketplace-assistant/services/llm"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the assistant service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and background workers, blocking until
	// a shutdown signal or a fatal error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds assistant configuration options.
//
// All fields are optional; New() applies defaults for zero values.
type Config struct {
	// Port is the HTTP server port. Default: 8090
	Port int

	// LLMBackend specifies the completion provider.
	// Valid values: "openai", "fake" (tests only). Default: "openai"
	LLMBackend string

	// AllowedOrigins is the WebSocket origin allow-list.
	// Empty allows any origin (development only).
	AllowedOrigins []string

	// DataDir is the BadgerDB directory for durable history.
	// If empty, durable persistence is disabled.
	DataDir string

	// KnowledgePath is the YAML knowledge base file. If empty, the
	// knowledge base starts empty and fallbacks are always generic.
	KnowledgePath string

	// KnowledgeWatch enables hot reload of the knowledge file.
	// Default: true when KnowledgePath is set.
	KnowledgeWatch bool

	// InfluxURL enables the analytics sink when non-empty.
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// If empty, tracing is disabled.
	OTelEndpoint string

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	GinMode string

	// SweepInterval is how often idle sessions are swept. Default: 1 minute.
	SweepInterval time.Duration

	// Gate, Sessions, Hub, and Pipeline tune the respective components.
	// Zero values use each component's defaults.
	Gate     gate.Config
	Sessions session.Config
	Hub      hub.Config
	Pipeline pipeline.Config
}

// Options carries injectable collaborators, primarily for tests and for
// deployments that wire platform services in-process.
type Options struct {
	// LLMClient overrides the backend selected by Config.LLMBackend.
	LLMClient llm.LLMClient

	// ProfileReader and ActivityReader feed context enrichment. Nil
	// readers degrade every snapshot to anonymous.
	ProfileReader  enrich.ProfileReaderFunc
	ActivityReader enrich.ActivityReaderFunc

	// AnalyticsSink overrides the sink selected by the Influx config.
	AnalyticsSink analytics.Sink
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
type service struct {
	config Config
	router *gin.Engine

	hub        *hub.Hub
	sessions   *session.Store
	durable    *persistence.Store
	kb         *knowledge.Base
	kbWatcher  *knowledge.Watcher
	gate       *gate.Gate
	emitter    *analytics.Emitter
	dispatcher *hub.Dispatcher

	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates an assistant Service with the given configuration.
//
// Initialization order:
//  1. Apply configuration defaults
//  2. Initialize tracing and metrics
//  3. Open durable storage (optional)
//  4. Load the knowledge base (optional)
//  5. Create the completion client
//  6. Compose the message path and HTTP router
//
// If opts is nil, no collaborators are injected and the Influx/backend
// config decides everything.
func New(cfg Config, opts *Options) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}
	var o Options
	if opts != nil {
		o = *opts
	}

	if s.config.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	observability.InitMetrics()

	if s.config.DataDir != "" {
		durable, err := persistence.Open(persistence.Config{Path: s.config.DataDir})
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to open durable store: %w", err)
		}
		s.durable = durable
	}

	if err := s.initKnowledge(); err != nil {
		slog.Warn("knowledge base initialization failed, fallbacks will be generic",
			"path", s.config.KnowledgePath, "error", err)
		// Not fatal - continue with an empty base
	}

	client := o.LLMClient
	if client == nil {
		var err error
		client, err = s.newLLMClient()
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to initialize completion client: %w", err)
		}
	}

	s.emitter = analytics.NewEmitter(s.analyticsSink(o), 0)

	var persister session.Persister = session.NopPersister{}
	if s.durable != nil {
		persister = s.durable
	}
	s.sessions = session.NewStore(s.config.Sessions, persister)
	s.gate = gate.New(s.config.Gate)
	s.hub = hub.New(s.config.Hub)
	s.hub.OnDisconnect = func(c *hub.Client, remaining int) {
		if remaining == 0 && c.SessionID != "" {
			s.sessions.MarkIdle(c.SessionID)
		}
	}

	s.dispatcher = &hub.Dispatcher{
		Hub:       s.hub,
		Gate:      s.gate,
		Sessions:  s.sessions,
		Enricher:  enrich.NewAggregator(o.ProfileReader, o.ActivityReader),
		Knowledge: s.kb,
		Pipeline:  pipeline.New(s.config.Pipeline, client, fallback.NewHandler(s.kb)),
		Analytics: s.emitter,
	}

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and the background workers, blocking until
// SIGINT/SIGTERM or a fatal error. Shutdown is graceful: the listener
// closes first, then live connections are evicted, then buffered analytics
// and durable writes are drained.
func (s *service) Run() error {
	defer s.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	sweeper := session.NewSweeper(s.sessions, s.config.SweepInterval)
	sweeper.OnExpire = func(ids []string) {
		if m := observability.DefaultMetrics; m != nil {
			m.SessionsExpiredTotal.Add(float64(len(ids)))
		}
		s.gate.Limiter().PurgeStale(s.config.Sessions.IdleTimeout)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting assistant server", "port", s.config.Port)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})

	if s.kbWatcher != nil {
		g.Go(func() error {
			s.kbWatcher.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down assistant server")

		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Warn("http shutdown error", "error", err)
		}
		s.hub.CloseAll()
		return nil
	})

	return g.Wait()
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8090
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "openai"
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.KnowledgePath != "" {
		cfg.KnowledgeWatch = true
	}
	if len(cfg.Hub.AllowedOrigins) == 0 {
		cfg.Hub.AllowedOrigins = cfg.AllowedOrigins
	}
	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing over an insecure
// gRPC connection, appropriate for internal collector networks.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("assistant-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}
	return cleanup, nil
}

// initKnowledge loads the knowledge file and sets up hot reload.
func (s *service) initKnowledge() error {
	s.kb = knowledge.NewBase(nil)
	if s.config.KnowledgePath == "" {
		return nil
	}

	entries, err := knowledge.LoadFile(s.config.KnowledgePath)
	if err != nil {
		return err
	}
	s.kb.Replace(entries)
	slog.Info("knowledge base loaded",
		"path", s.config.KnowledgePath, "entries", len(entries))

	if s.config.KnowledgeWatch {
		watcher, err := knowledge.NewWatcher(s.config.KnowledgePath, s.kb)
		if err != nil {
			slog.Warn("knowledge hot reload unavailable", "error", err)
			return nil
		}
		s.kbWatcher = watcher
	}
	return nil
}

// newLLMClient creates the completion client for the configured backend.
func (s *service) newLLMClient() (llm.LLMClient, error) {
	switch s.config.LLMBackend {
	case "openai":
		slog.Info("Using OpenAI completion backend")
		return llm.NewOpenAIClient()
	case "fake":
		slog.Info("Using fake completion backend")
		return &llm.FakeClient{Response: "This is a canned test reply."}, nil
	default:
		slog.Warn("Unknown completion backend, defaulting to openai",
			"backend", s.config.LLMBackend)
		return llm.NewOpenAIClient()
	}
}

// analyticsSink picks the sink: injected, InfluxDB, or none.
func (s *service) analyticsSink(o Options) analytics.Sink {
	if o.AnalyticsSink != nil {
		return o.AnalyticsSink
	}
	if s.config.InfluxURL != "" {
		slog.Info("analytics sink enabled", "url", s.config.InfluxURL,
			"bucket", s.config.InfluxBucket)
		return analytics.NewInfluxSink(analytics.InfluxConfig{
			URL:    s.config.InfluxURL,
			Token:  s.config.InfluxToken,
			Org:    s.config.InfluxOrg,
			Bucket: s.config.InfluxBucket,
		})
	}
	return analytics.NopSink{}
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	if s.config.OTelEndpoint != "" {
		s.router.Use(otelgin.Middleware("assistant-service"))
	}

	routes.SetupRoutes(s.router, routes.Deps{
		Dispatcher: s.dispatcher,
		Sessions:   s.sessions,
		Durable:    s.durable,
	})
}

// cleanup releases all resources held by the service. Called when Run()
// exits or on initialization failure. Order matters: analytics drains
// before the durable store closes, and the tracer flushes last.
func (s *service) cleanup() {
	if s.emitter != nil {
		s.emitter.Close()
	}
	if s.durable != nil {
		if err := s.durable.Close(); err != nil {
			slog.Warn("durable store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
