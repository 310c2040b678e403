// Package gateway assembles the HTTP surface: the MCP SSE transport, the
// management endpoints, the request middleware, and the lifecycle of every
// shared component behind them.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/beiningY/DB-MCP-server/internal/agent"
	"github.com/beiningY/DB-MCP-server/internal/agent/providers"
	"github.com/beiningY/DB-MCP-server/internal/analytics"
	"github.com/beiningY/DB-MCP-server/internal/config"
	"github.com/beiningY/DB-MCP-server/internal/controldb"
	"github.com/beiningY/DB-MCP-server/internal/dbpool"
	"github.com/beiningY/DB-MCP-server/internal/mapping"
	"github.com/beiningY/DB-MCP-server/internal/mcp"
	"github.com/beiningY/DB-MCP-server/internal/observability"
	"github.com/beiningY/DB-MCP-server/internal/tools"
)

const shutdownTimeout = 10 * time.Second

// Server owns every long-lived component and serves the HTTP surface.
type Server struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	promReg *prometheus.Registry

	controlDB *sql.DB
	recorder  *analytics.Recorder
	mappings  *mapping.Store
	pools     *dbpool.Registry
	sessions  *SessionTracker
	sse       *mcp.SSEServer

	cron          *cron.Cron
	httpServer    *http.Server
	traceShutdown func(context.Context) error
}

// New wires the full stack: control DB, mapping snapshot, pool registry,
// LLM provider, agent controller, tool registries, MCP core, and the SSE
// transport. A missing mapping table is fatal; an empty one is not.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	logFormat := "text"
	if cfg.Logging.JSON {
		logFormat = "json"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: logFormat,
	})

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	tracer, traceShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "db-mcp-server",
		ServiceVersion: ServiceVersion,
		Endpoint:       cfg.Tracing.OTLPEndpoint,
	})

	controlDB, dialect, err := controldb.Open(ctx, controldb.Settings{
		Host:     cfg.ControlDB.Host,
		Port:     cfg.ControlDB.Port,
		Username: cfg.ControlDB.Username,
		Password: cfg.ControlDB.Password,
		Name:     cfg.ControlDB.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("open control db: %w", err)
	}
	if err := controldb.EnsureSchema(ctx, controlDB, dialect); err != nil {
		controlDB.Close()
		return nil, fmt.Errorf("ensure control db schema: %w", err)
	}

	recorder := analytics.NewRecorder(controlDB, cfg.Analytics.Enabled, logger)

	mappings := mapping.NewStore(controlDB)
	n, err := mappings.LoadAll(ctx)
	switch {
	case err != nil:
		// The server still starts; /refresh can seed the snapshot later.
		logger.Error(ctx, "load db_mapping failed", "error", err)
	case n == 0:
		logger.Warn(ctx, "db_mapping has no active rows")
	default:
		logger.Info(ctx, "db_mapping loaded", "destinations", n)
	}

	pools := dbpool.NewRegistry(dbpool.Config{
		Size:        cfg.Pool.Size,
		MaxOverflow: cfg.Pool.MaxOverflow,
		Timeout:     time.Duration(cfg.Pool.TimeoutSeconds) * time.Second,
		Recycle:     time.Duration(cfg.Pool.RecycleSeconds) * time.Second,
		MaxPools:    cfg.Pool.MaxPools,
	})
	pools.OnCountChange = metrics.SetActivePools

	provider, err := newProvider(cfg.LLM)
	if err != nil {
		controlDB.Close()
		return nil, err
	}
	provider = agent.InstrumentProvider(provider, metrics, tracer, logger)

	inner := agent.NewToolRegistry()
	innerTools := []agent.Tool{
		tools.NewSchemaTool(tools.SchemaToolConfig{
			Pools:    pools,
			Recorder: recorder,
			Logger:   logger,
			Tracer:   tracer,
		}),
		tools.NewSQLTool(tools.SQLToolConfig{
			Pools:    pools,
			Recorder: recorder,
			Logger:   logger,
			Metrics:  metrics,
			Tracer:   tracer,
		}),
		tools.NewKnowledgeTool(tools.KnowledgeToolConfig{
			APIURL:   cfg.Knowledge.APIURL,
			APIKey:   cfg.Knowledge.APIKey,
			Timeout:  time.Duration(cfg.Knowledge.TimeoutSeconds) * time.Second,
			Recorder: recorder,
			Logger:   logger,
		}),
	}
	for _, tool := range innerTools {
		if err := inner.Register(tool); err != nil {
			controlDB.Close()
			return nil, fmt.Errorf("register tool %s: %w", tool.Name(), err)
		}
	}

	loop := agent.NewToolLoop(agent.ToolLoopConfig{
		Provider: provider,
		Registry: inner,
		Model:    cfg.LLM.Model,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	})
	controller := agent.NewController(agent.ControllerConfig{
		Provider: provider,
		Loop:     loop,
		Model:    cfg.LLM.Model,
		Logger:   logger,
		Recorder: recorder,
	})
	dataAgent := agent.NewDataAgent(agent.DataAgentConfig{
		Controller: controller,
		Recorder:   recorder,
		Metrics:    metrics,
		Tracer:     tracer,
		Logger:     logger,
		Workers:    cfg.Server.Workers,
	})

	// The wire registry exposes exactly one tool; the three data tools
	// stay internal to the sub-agent loop.
	outer := agent.NewToolRegistry()
	if err := outer.Register(dataAgent); err != nil {
		controlDB.Close()
		return nil, fmt.Errorf("register data_agent: %w", err)
	}

	mcpLogger := logger.WithFields("component", "mcp")
	mcpServer := mcp.NewServer(mcp.ServerConfig{
		Name:    ServiceName,
		Version: ServiceVersion,
		Tools:   outer,
		Logger:  mcpLogger,
	})
	sse := mcp.NewSSEServer(mcp.SSEServerConfig{
		Server: mcpServer,
		Logger: mcpLogger,
	})

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
		promReg:       promReg,
		controlDB:     controlDB,
		recorder:      recorder,
		mappings:      mappings,
		pools:         pools,
		sessions:      NewSessionTracker(recorder, metrics, logger),
		sse:           sse,
		traceShutdown: traceShutdown,
	}

	if spec := cfg.Server.MappingRefreshCron; spec != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(spec, s.scheduledRefresh); err != nil {
			controlDB.Close()
			return nil, fmt.Errorf("mapping refresh schedule %q: %w", spec, err)
		}
	}

	return s, nil
}

func newProvider(cfg config.LLMConfig) (agent.LLMProvider, error) {
	switch cfg.Provider {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	default:
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	sseHandler := s.withDestination(s.withSessionTracking(http.HandlerFunc(s.sse.ServeSSE)))
	messageHandler := s.withDestination(http.HandlerFunc(s.sse.ServeMessage))

	mux.Handle("/sse", s.withHTTPMetrics("/sse", sseHandler))
	mux.Handle("/messages", s.withHTTPMetrics("/messages", messageHandler))
	mux.Handle("/health", s.withHTTPMetrics("/health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/refresh", s.withHTTPMetrics("/refresh", http.HandlerFunc(s.handleRefresh)))
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.Handle("/", s.withHTTPMetrics("/", http.HandlerFunc(s.handleRoot)))

	return mux
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Server.Addr()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	if s.cron != nil {
		s.cron.Start()
	}

	s.logger.Info(ctx, "server listening",
		"addr", addr,
		"destinations", s.mappings.Len(),
		"llm_provider", s.cfg.LLM.Provider,
		"analytics", s.cfg.Analytics.Enabled)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown closes the SSE sessions so their handlers return, drains the
// HTTP server, then releases pools, tracer, and the control DB.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info(ctx, "shutting down")

	if s.cron != nil {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.sse.Close()

	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("http shutdown: %w", err)
		}
	}

	s.pools.CloseAll()

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn(ctx, "tracer shutdown", "error", err)
		}
	}

	// Last: telemetry writers in late dispatch goroutines finished when
	// sse.Close returned, so the control DB can go away now.
	if s.controlDB != nil {
		if err := s.controlDB.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close control db: %w", err)
		}
	}

	return firstErr
}

// scheduledRefresh is the cron callback behind mapping_refresh_cron.
func (s *Server) scheduledRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.mappings.Refresh(ctx)
	if err != nil {
		s.logger.Warn(ctx, "scheduled mapping refresh failed", "error", err)
		return
	}
	s.logger.Info(ctx, "scheduled mapping refresh", "destinations", n)
}
