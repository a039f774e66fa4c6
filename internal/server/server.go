package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memora-ai/memora/config"
	"github.com/memora-ai/memora/internal/extract"
	"github.com/memora-ai/memora/internal/payload"
)

// Server exposes the extraction pipeline over HTTP: the four workflow stage
// paths, the synchronous direct entry point, health and metrics.
type Server struct {
	echo     *echo.Echo
	pipeline *extract.Pipeline
	cfg      *config.Config
	logger   *log.Logger
}

// New builds the HTTP server around a wired pipeline.
func New(cfg *config.Config, pipeline *extract.Pipeline, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[SERVER] ", log.LstdFlags)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.HTTPErrorHandler = jsonErrorHandler(logger)

	s := &Server{echo: e, pipeline: pipeline, cfg: cfg, logger: logger}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST("/chat-topic/process-users", s.handleProcessUsers)
	s.echo.POST("/chat-topic/process-user-topics", s.handleProcessUserTopics)
	s.echo.POST("/chat-topic/process-topics", s.handleProcessTopics)
	s.echo.POST("/memory-extraction/direct", s.handleDirect)
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(s.cfg.Server.Address)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx := context.Background()
		return s.echo.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) normalizePayload(c echo.Context) (payload.Normalized, error) {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return payload.Normalized{}, echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	n, err := payload.Normalize(raw, s.cfg.Workflow.BaseURL)
	if err != nil {
		return payload.Normalized{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return n, nil
}

func (s *Server) handleProcessUsers(c echo.Context) error {
	n, err := s.normalizePayload(c)
	if err != nil {
		return err
	}
	triggered, err := s.pipeline.ProcessUsers(c.Request().Context(), n)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"triggered": triggered})
}

func (s *Server) handleProcessUserTopics(c echo.Context) error {
	n, err := s.normalizePayload(c)
	if err != nil {
		return err
	}
	triggered, err := s.pipeline.ProcessUserTopics(c.Request().Context(), n)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"triggered": triggered})
}

func (s *Server) handleProcessTopics(c echo.Context) error {
	n, err := s.normalizePayload(c)
	if err != nil {
		return err
	}
	out, runErr := s.pipeline.ProcessTopics(c.Request().Context(), n)
	return writeRunResult(c, out, runErr)
}

func (s *Server) handleDirect(c echo.Context) error {
	n, err := s.normalizePayload(c)
	if err != nil {
		return err
	}
	n.Mode = payload.ModeDirect
	out, runErr := s.pipeline.ProcessDirect(c.Request().Context(), n)
	return writeRunResult(c, out, runErr)
}

// writeRunResult reports partial results alongside the job error: a failed
// run still carries every layer that did write.
func writeRunResult(c echo.Context, out extract.DirectResult, runErr error) error {
	body := map[string]interface{}{
		"processed": out.Processed,
		"results":   out.Results,
	}
	if out.Results == nil {
		body["results"] = []extract.Result{}
	}
	if runErr != nil {
		body["error"] = runErr.Error()
		return c.JSON(http.StatusInternalServerError, body)
	}
	return c.JSON(http.StatusOK, body)
}

func jsonErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else if raw, jerr := json.Marshal(he.Message); jerr == nil {
				msg = string(raw)
			}
		}
		if code >= http.StatusInternalServerError {
			logger.Printf("warn: request %s %s failed: %v", c.Request().Method, c.Request().URL.Path, err)
		}
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}
