// Package httpapi exposes the relay's REST surface: liveness, pipeline
// state, the session index, metrics, and version — separate from the
// websocket endpoint served by internal/ws.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/marcelscruz/open-gt/internal/config"
	"github.com/marcelscruz/open-gt/internal/discovery"
	"github.com/marcelscruz/open-gt/internal/fanout"
	"github.com/marcelscruz/open-gt/internal/metrics"
	"github.com/marcelscruz/open-gt/internal/store"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

// Server is the Echo application serving the REST surface.
type Server struct {
	echo      *echo.Echo
	discovery *discovery.Discovery
	fanout    *fanout.Fanout
	config    *config.Store
	store     *store.Store
	metrics   *metrics.Counters
	startedAt time.Time
}

// New constructs an Echo app with the relay's REST routes.
func New(disc *discovery.Discovery, fo *fanout.Fanout, cfg *config.Store, st *store.Store, m *metrics.Counters) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:      e,
		discovery: disc,
		fanout:    fo,
		config:    cfg,
		store:     st,
		metrics:   m,
		startedAt: time.Now(),
	}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via
// slog, at debug level for noisy polling endpoints.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/health" {
				slog.Debug("http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/sessions", s.handleListSessions)
	s.echo.GET("/api/sessions/:id", s.handleGetSession)
	s.echo.GET("/api/metrics", s.handleMetrics)
	s.echo.GET("/api/version", s.handleVersion)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http api server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http api server stopped")
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	UptimeS int64  `json:"uptime_s"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		UptimeS: int64(time.Since(s.startedAt).Seconds()),
	})
}

type stateResponse struct {
	Connected       bool   `json:"connected"`
	PeerAddr        string `json:"peerAddr"`
	EngineerEnabled bool   `json:"engineerEnabled"`
	APIKeyValid     bool   `json:"apiKeyValid"`
	Clients         int    `json:"clients"`
}

func (s *Server) handleState(c echo.Context) error {
	cfgState := s.config.PublicState()
	return c.JSON(http.StatusOK, stateResponse{
		Connected:       s.discovery.Locked(),
		PeerAddr:        s.discovery.PeerAddr(),
		EngineerEnabled: cfgState.EngineerEnabled,
		APIKeyValid:     cfgState.APIKeyValid,
		Clients:         s.fanout.SubscriberCount(),
	})
}

type sessionResponse struct {
	ID            string `json:"id"`
	CarCode       int32  `json:"carCode"`
	StartedAt     int64  `json:"startedAt"`
	EndedAt       int64  `json:"endedAt"`
	PacketCount   int64  `json:"packetCount"`
	BestLapMs     int32  `json:"bestLapMs"`
	FinalLapCount int    `json:"finalLapCount"`
	NDJSONPath    string `json:"ndjsonPath"`
	MetaPath      string `json:"metaPath"`
}

func toSessionResponse(sess store.Session) sessionResponse {
	return sessionResponse{
		ID: sess.ID, CarCode: sess.CarCode, StartedAt: sess.StartedAt, EndedAt: sess.EndedAt,
		PacketCount: sess.PacketCount, BestLapMs: sess.BestLapMs, FinalLapCount: sess.FinalLapCount,
		NDJSONPath: sess.NDJSONPath, MetaPath: sess.MetaPath,
	}
}

func (s *Server) handleListSessions(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	sessions, err := s.store.ListSessions(c.Request().Context(), limit)
	if err != nil {
		slog.Error("http: list sessions", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list sessions")
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetSession(c echo.Context) error {
	id := c.Param("id")
	sess, ok, err := s.store.GetSession(c.Request().Context(), id)
	if err != nil {
		slog.Error("http: get session", "id", id, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load session")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.metrics.Snapshot())
}

type versionResponse struct {
	Version string `json:"version"`
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, versionResponse{Version: Version})
}
