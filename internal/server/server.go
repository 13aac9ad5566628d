// Package server is the bot's status endpoint: Prometheus metrics, liveness,
// the performance summary, open positions and recent alerts.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ml-trading-bot/internal/alert"
	"ml-trading-bot/internal/logger"
	"ml-trading-bot/internal/types"
)

type SummarySource interface {
	Summary() types.Summary
}

type PositionSource interface {
	Positions() []types.Position
}

type AlertSource interface {
	All() []alert.Alert
}

// Sources are what the endpoints report on. Nil sources disable their route.
type Sources struct {
	Gatherer  prometheus.Gatherer
	Summary   SummarySource
	Positions PositionSource
	Alerts    AlertSource
}

type Server struct {
	echo   *echo.Echo
	addr   string
	start  time.Time
	errc   chan error
	status func() string
}

// Option configures Server.
type Option func(*Server)

// WithStatus reports the engine state on /healthz.
func WithStatus(fn func() string) Option {
	return func(s *Server) { s.status = fn }
}

func New(addr string, src Sources, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, addr: addr, start: time.Now(), errc: make(chan error, 1), status: func() string { return "ok" }}
	for _, o := range opts {
		o(s)
	}

	e.GET("/healthz", s.health)
	if src.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(src.Gatherer, promhttp.HandlerOpts{})))
	}
	if src.Summary != nil {
		e.GET("/summary", func(c echo.Context) error {
			return c.JSON(http.StatusOK, src.Summary.Summary())
		})
	}
	if src.Positions != nil {
		e.GET("/positions", func(c echo.Context) error {
			ps := src.Positions.Positions()
			if ps == nil {
				ps = []types.Position{}
			}
			return c.JSON(http.StatusOK, ps)
		})
	}
	if src.Alerts != nil {
		e.GET("/alerts", func(c echo.Context) error {
			as := src.Alerts.All()
			if as == nil {
				as = []alert.Alert{}
			}
			return c.JSON(http.StatusOK, as)
		})
	}
	return s
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         s.status(),
		"uptime_seconds": int64(time.Since(s.start).Seconds()),
	})
}

// Start listens in the background. Listener failures are reported on Err.
func (s *Server) Start(ctx context.Context) {
	go func() {
		logger.Info(ctx, "Status server listening", "addr", s.addr)
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorWithErr(ctx, "Status server failed", err, "addr", s.addr)
			s.errc <- err
		}
	}()
}

func (s *Server) Err() <-chan error { return s.errc }

func (s *Server) Stop(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	return nil
}

func (s *Server) Handler() http.Handler { return s.echo }
