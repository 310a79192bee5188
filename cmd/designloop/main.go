// Command designloop serves the render, compare and iterate API over HTTP
// and MCP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/designloop/api"
	"github.com/hazyhaar/designloop/codegen"
	"github.com/hazyhaar/designloop/config"
	"github.com/hazyhaar/designloop/designimport"
	"github.com/hazyhaar/designloop/iterate"
	"github.com/hazyhaar/designloop/ledger"
	"github.com/hazyhaar/designloop/observability"
	"github.com/hazyhaar/designloop/render"
	"github.com/hazyhaar/designloop/shield"
	"github.com/hazyhaar/designloop/trace"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("DESIGNLOOP_CONFIG"), "path to YAML config")
	logLevel := flag.String("log-level", "", "override log level (debug, info, warn, error)")
	mcpMode := flag.String("mcp", "", "serve MCP only over the given transport (stdio)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	lvl, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// stdout carries the protocol in stdio mode.
	var out io.Writer = os.Stdout
	if *mcpMode != "" {
		out = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *mcpMode, logger); err != nil {
		logger.Error("designloop", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, mcpMode string, logger *slog.Logger) error {
	app, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	go app.janitor.Run(ctx)
	go observability.NewHeartbeat(logger, cfg.Heartbeat, app.heartbeatProbe).Run(ctx)
	if cfg.Ledger.Path != "" {
		go app.ledger.RunRetention(ctx, cfg.Ledger.Retention, 24*time.Hour)
	}

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "designloop", Version: version}, nil)
	app.api.RegisterMCP(mcpSrv)

	switch mcpMode {
	case "":
	case "stdio":
		logger.Info("designloop: mcp stdio", "engines", app.chain.Stages())
		if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp stdio: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown mcp transport %q", mcpMode)
	}

	app.limits.StartGC(ctx.Done(), 5*time.Minute)

	// The API handler carries the shield stack; /mcp streams and stays
	// outside the request timeout.
	r := chi.NewRouter()
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	r.Mount("/", app.api.Handler())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("designloop: listening", "addr", cfg.Listen, "engines", app.chain.Stages(), "vision", app.generator.Available())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("designloop: shutting down")
	app.drain.Start()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

type app struct {
	chain     *render.Chain
	tracker   *render.Tracker
	ledger    *ledger.Ledger
	generator *codegen.Generator
	janitor   *designimport.Janitor
	drain     *shield.Drain
	limits    *shield.RateLimiter
	api       *api.Server
}

func (a *app) heartbeatProbe() []slog.Attr {
	st := trace.Snapshot()
	return []slog.Attr{
		slog.Int64("live_engines", a.tracker.Live()),
		slog.Int64("launched_engines", a.tracker.Launched()),
		slog.Bool("draining", a.drain.Active()),
		slog.Int64("sql_statements", st.Statements),
		slog.Int64("sql_slow", st.Slow),
	}
}

func (a *app) close() {
	a.ledger.Close()
}

// build wires the render chain, controller, ledger, importer and vision
// providers into an API server behind the shield stack.
func build(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		tracker: &render.Tracker{},
		drain:   shield.NewDrain(logger, "/health", "/api/health"),
		limits:  shield.NewRateLimiter(cfg.RateLimits, logger),
	}

	stages, err := engineStages(cfg, a.tracker, logger)
	if err != nil {
		return nil, err
	}
	a.chain = render.NewChain(logger, stages...)
	controller := iterate.New(a.chain, cfg.Iterate, logger)

	if cfg.Ledger.Path != "" {
		trace.Configure(trace.Config{Slow: cfg.Ledger.SlowQuery, Logger: logger})
		l, err := ledger.Open(cfg.Ledger.Path, ledger.Config{
			FlushInterval: cfg.Ledger.FlushInterval,
			TraceSQL:      cfg.Ledger.TraceSQL,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		a.ledger = l
	}

	importer := designimport.New(designimport.Config{
		TempDir:  cfg.Import.TempDir,
		MaxPages: cfg.Import.MaxPages,
		Logger:   logger,
	})
	a.janitor = designimport.NewJanitor(cfg.Import.TempDir, cfg.Import.MaxAge, cfg.Import.SweepInterval, logger)

	a.generator = codegen.NewGenerator(visionProviders(cfg, logger), logger)

	a.api = api.New(a.chain, controller,
		api.WithLogger(logger),
		api.WithTracker(a.tracker),
		api.WithLedger(a.ledger),
		api.WithImporter(importer),
		api.WithGenerator(a.generator),
		api.WithMaxBody(cfg.MaxBodyBytes()),
		api.WithMiddleware(shield.DefaultStack(shield.StackConfig{
			MaxBody:     cfg.MaxBodyBytes(),
			Timeout:     cfg.RequestTimeout,
			Drain:       a.drain,
			RateLimit:   a.limits,
			Logger:      logger,
			CORSOrigins: cfg.CORSOrigins,
		})...),
	)
	return a, nil
}

// engineStages builds one stage per configured engine, each bounded by the
// shared render limiter and guarded by its own breaker.
func engineStages(cfg *config.Config, tracker *render.Tracker, logger *slog.Logger) ([]render.Stage, error) {
	limiter := render.NewLimiter(cfg.Render.MaxConcurrent)
	ecfg := cfg.EngineConfig(tracker, logger)

	var stages []render.Stage
	for _, name := range cfg.Render.Engines {
		var r render.Renderer
		switch name {
		case "rod":
			r = render.NewRodEngine(ecfg)
		case "chromedp":
			r = render.NewCDPEngine(ecfg)
		default:
			return nil, fmt.Errorf("render: unknown engine %q", name)
		}
		stages = append(stages, render.Stage{
			Name:     name,
			Renderer: limiter.Wrap(name, r),
			Breaker:  render.NewBreaker(cfg.BreakerOptions()...),
		})
	}
	return stages, nil
}

// visionProviders returns the configured providers in preference order, or
// nil when none has an API key.
func visionProviders(cfg *config.Config, logger *slog.Logger) codegen.Vision {
	var providers []codegen.Vision
	if cfg.Vision.GeminiAPIKey != "" {
		providers = append(providers, codegen.NewGeminiClient(codegen.ClientConfig{
			APIKey:  cfg.Vision.GeminiAPIKey,
			Model:   cfg.Vision.GeminiModel,
			Timeout: cfg.Vision.Timeout,
		}))
	}
	if cfg.Vision.OpenAIAPIKey != "" {
		providers = append(providers, codegen.NewOpenAIClient(codegen.ClientConfig{
			APIKey:  cfg.Vision.OpenAIAPIKey,
			Model:   cfg.Vision.OpenAIModel,
			Timeout: cfg.Vision.Timeout,
		}))
	}
	return codegen.Fallback(logger, providers...)
}
