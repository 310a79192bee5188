// Package api exposes the design loop over HTTP (chi) and MCP. Every route is
// served both at / and under /api.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/designloop/codegen"
	"github.com/hazyhaar/designloop/designimport"
	"github.com/hazyhaar/designloop/iterate"
	"github.com/hazyhaar/designloop/kit"
	"github.com/hazyhaar/designloop/ledger"
	"github.com/hazyhaar/designloop/observability"
	"github.com/hazyhaar/designloop/pixeldiff"
	"github.com/hazyhaar/designloop/render"
	"github.com/hazyhaar/designloop/trace"
)

// Server holds the collaborators behind the routes.
type Server struct {
	renderer   render.Renderer
	controller *iterate.Controller
	generator  *codegen.Generator
	importer   *designimport.Importer
	ledger     *ledger.Ledger
	tracker    *render.Tracker
	logger     *slog.Logger
	tolerance  float64
	maxBody    int64
	middleware []func(http.Handler) http.Handler

	iterateEP    kit.Endpoint
	screenshotEP kit.Endpoint
	compareEP    kit.Endpoint
	generateEP   kit.Endpoint
}

// Option configures a Server.
type Option func(*Server)

// WithGenerator enables POST /generate.
func WithGenerator(g *codegen.Generator) Option { return func(s *Server) { s.generator = g } }

// WithImporter sets the PDF importer. Default: designimport.New with defaults.
func WithImporter(im *designimport.Importer) Option { return func(s *Server) { s.importer = im } }

// WithLedger records runs and render attempts.
func WithLedger(l *ledger.Ledger) Option { return func(s *Server) { s.ledger = l } }

// WithTracker reports live engine processes on /health.
func WithTracker(t *render.Tracker) Option { return func(s *Server) { s.tracker = t } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithMiddleware installs HTTP middleware ahead of the routes.
func WithMiddleware(mws ...func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.middleware = append(s.middleware, mws...) }
}

// WithMaxBody bounds multipart parsing memory. Default: 50 MiB.
func WithMaxBody(n int64) Option { return func(s *Server) { s.maxBody = n } }

// New creates a Server. renderer is normally a *render.Chain; controller
// must render through the same chain.
func New(renderer render.Renderer, controller *iterate.Controller, opts ...Option) *Server {
	s := &Server{
		renderer:   renderer,
		controller: controller,
		logger:     slog.Default(),
		tolerance:  controller.Config().Tolerance,
		maxBody:    50 << 20,
	}
	for _, o := range opts {
		o(s)
	}
	if s.importer == nil {
		s.importer = designimport.New(designimport.Config{Logger: s.logger})
	}
	if s.tolerance <= 0 {
		s.tolerance = pixeldiff.DefaultTolerance
	}

	s.iterateEP = s.endpoint("iterate", func(ctx context.Context, req any) (any, error) {
		return s.Iterate(ctx, req.(*IterateRequest))
	})
	s.screenshotEP = s.endpoint("screenshot", func(ctx context.Context, req any) (any, error) {
		return s.Screenshot(ctx, req.(*ScreenshotRequest))
	})
	s.compareEP = s.endpoint("compare", func(ctx context.Context, req any) (any, error) {
		return s.Compare(ctx, req.(*CompareRequest))
	})
	s.generateEP = s.endpoint("generate", func(ctx context.Context, req any) (any, error) {
		return s.Generate(ctx, req.(*GenerateRequest))
	})
	return s
}

func (s *Server) endpoint(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(s.logger, name))(ep)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range s.middleware {
		r.Use(mw)
	}
	s.routes(r)
	r.Route("/api", s.routes)
	return r
}

func (s *Server) routes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Get("/runs", s.handleRuns)
	r.Get("/runs/stats", s.handleRunStats)

	r.Post("/iterate", s.handleIterate)
	r.Post("/screenshot", s.handleScreenshot)
	r.Post("/compare", s.handleCompare)
	r.Post("/generate", s.handleGenerate)
	r.Post("/pdf/info", s.handlePDFInfo)
	r.Post("/pdf/pages", s.handlePDFPages)

	// Route names used by the existing frontend.
	r.Post("/generate-code", s.handleGenerate)
	r.Post("/pdf-info", s.handlePDFInfo)
	r.Post("/convert-pdf-page", s.handlePDFPage)
	r.Post("/convert-pdf-all", s.handleConvertPDF)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":      "ok",
		"liveEngines": s.tracker.Live(),
		"launched":    s.tracker.Launched(),
		"codegen":     s.generator.Available(),
		"runtime":     observability.CollectRuntimeMetrics(),
		"sql":         trace.Snapshot(),
	}
	if c, ok := s.renderer.(*render.Chain); ok {
		resp["stages"] = c.Stages()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, &InputError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		limit = n
	}
	runs, err := s.ledger.RecentRuns(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []ledger.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, &InputError{Field: "since", Reason: "must be a positive duration such as 24h"})
			return
		}
		window = d
	}
	stats, err := s.ledger.StageStats(r.Context(), time.Now().Add(-window))
	if err != nil {
		writeError(w, err)
		return
	}
	if stats == nil {
		stats = map[string]map[string]int{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": window.String(), "stages": stats})
}
