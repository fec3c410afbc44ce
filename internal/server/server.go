package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/docgen/internal/agent/config"
	"github.com/mohammad-safakhou/docgen/internal/agent/core"
	"github.com/mohammad-safakhou/docgen/internal/agent/telemetry"
	"github.com/mohammad-safakhou/docgen/internal/store"
)

// RunStore is the persistence surface the server needs. *store.Store
// implements it.
type RunStore interface {
	CreateRun(ctx context.Context, id, request, docKind string) error
	SetStatus(ctx context.Context, id, status string) error
	SavePlan(ctx context.Context, id string, plan json.RawMessage) error
	CompleteRun(ctx context.Context, id, document, summary string) error
	FailRun(ctx context.Context, id, reason string) error
	GetRun(ctx context.Context, id string) (store.Run, error)
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
}

// Server exposes the generation pipeline over HTTP.
type Server struct {
	cfg       *config.Config
	store     RunStore
	pipeline  *core.Pipeline
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewServer wires handlers around an existing pipeline and store.
func NewServer(cfg *config.Config, st RunStore, pipeline *core.Pipeline, tel *telemetry.Telemetry) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		pipeline:  pipeline,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[SERVER] ", log.LstdFlags),
	}
}

// Run builds the full dependency stack from configuration and serves
// until the listener fails.
func Run(cfg *config.Config) error {
	ctx := context.Background()

	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	tel := telemetry.NewTelemetry(cfg.Telemetry)

	var cache core.SnippetCache
	if redisCache, err := store.NewRedisCache(ctx, cfg.Storage.Redis, cfg.Retrieval.CacheTTL); err != nil {
		// The cache is an optimization; a run works without it.
		log.Printf("[SERVER] redis unavailable, running without snippet cache: %v", err)
	} else {
		cache = redisCache
	}

	sinks := []core.ArtifactSink{core.NewFileSink(cfg.Storage.File.DataDir), &storeSink{store: st}}
	pipeline := core.NewPipeline(cfg, cache, tel, sinks...)

	srv := NewServer(cfg, st, pipeline, tel)
	return srv.Echo().Start(cfg.Server.Addr)
}

// Echo assembles the echo instance with middleware and all routes.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	httpLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		httpLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if s.telemetry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.telemetry.Registry(), promhttp.HandlerOpts{})))
	}

	e.POST("/generate", s.handleGenerate)
	e.GET("/runs", s.handleListRuns)
	e.GET("/runs/:id", s.handleGetRun)
	e.GET("/runs/:id/document", s.handleGetDocument)
	return e
}

type generateRequest struct {
	Request string `json:"request"`
	DocKind string `json:"doc_kind"`
}

func (s *Server) handleGenerate(c echo.Context) error {
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if req.Request == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request must not be empty")
	}
	kind := core.ParseDocKind(req.DocKind)

	runID := uuid.NewString()
	if err := s.store.CreateRun(c.Request().Context(), runID, req.Request, string(kind)); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	// The run outlives the HTTP request.
	go s.executeRun(context.Background(), runID, req.Request, kind)

	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID, "status": store.RunStatusQueued})
}

func (s *Server) executeRun(ctx context.Context, runID, request string, kind core.DocKind) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Printf("run %s panicked: %v", runID, rec)
			_ = s.store.FailRun(ctx, runID, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	if err := s.store.SetStatus(ctx, runID, store.RunStatusPlanning); err != nil {
		s.logger.Printf("run %s: set status: %v", runID, err)
	}

	result, err := s.pipeline.Run(ctx, runID, request, kind)
	if err != nil {
		s.logger.Printf("run %s failed: %v", runID, err)
		_ = s.store.FailRun(ctx, runID, err.Error())
		return
	}
	if err := s.store.CompleteRun(ctx, runID, result.Document, result.Summary); err != nil {
		s.logger.Printf("run %s: persist result: %v", runID, err)
	}
}

func (s *Server) handleListRuns(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.store.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if runs == nil {
		runs = []store.Run{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.store.GetRun(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleGetDocument(c echo.Context) error {
	run, err := s.store.GetRun(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run.Status != store.RunStatusDone {
		return echo.NewHTTPError(http.StatusConflict, "run is not finished (status: "+run.Status+")")
	}
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(run.Document))
}

// storeSink persists plan snapshots to Postgres as the run advances and
// moves the run through its stage statuses.
type storeSink struct {
	store RunStore
}

func (s *storeSink) SavePlan(ctx context.Context, runID, stage string, plan *core.Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	if err := s.store.SavePlan(ctx, runID, data); err != nil {
		return err
	}
	switch stage {
	case "planner":
		return s.store.SetStatus(ctx, runID, store.RunStatusRetrieval)
	case "retriever":
		return s.store.SetStatus(ctx, runID, store.RunStatusWriting)
	}
	return nil
}

func (s *storeSink) SaveDocument(ctx context.Context, runID, document string) error {
	// The final document is written by CompleteRun together with the
	// summary; nothing to do here.
	return nil
}
