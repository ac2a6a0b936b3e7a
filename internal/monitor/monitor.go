// Package monitor exposes a read-only HTTP view of a training run: health,
// run metadata and the metrics held by a metrics.Recorder.
package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/samcharles93/tinyformer/internal/metrics"
	"github.com/samcharles93/tinyformer/internal/model"
)

// RunInfo describes the run being served.
type RunInfo struct {
	RunID     string       `json:"run_id"`
	Name      string       `json:"name"`
	Version   string       `json:"version"`
	Started   time.Time    `json:"started"`
	MaxIters  int          `json:"max_iters"`
	NumParams int          `json:"num_params"`
	Model     model.Config `json:"model"`
}

type runResponse struct {
	RunInfo
	Step   int     `json:"step"`
	Uptime float64 `json:"uptime_seconds"`
}

type metricsResponse struct {
	Scalars    map[string]metrics.Point          `json:"scalars"`
	Histograms map[string]metrics.HistogramPoint `json:"histograms"`
}

type seriesResponse struct {
	Name   string          `json:"name"`
	Points []metrics.Point `json:"points"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	rec   *metrics.Recorder
	info  RunInfo
	clock func() time.Time
}

func NewServer(rec *metrics.Recorder, info RunInfo) *Server {
	return &Server{rec: rec, info: info, clock: time.Now}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/run", s.handleRun)
	e.GET("/v1/metrics", s.handleMetrics)
	// Series names contain slashes (train/loss), so match the rest of the path.
	e.GET("/v1/metrics/*", s.handleSeries)
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	s.Register(e)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 10 * time.Second
			return nil
		},
	}
	return sc.Start(ctx, e)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRun(c *echo.Context) error {
	step := -1
	for _, p := range s.rec.Latest() {
		step = max(step, p.Step)
	}
	return c.JSON(http.StatusOK, runResponse{
		RunInfo: s.info,
		Step:    step,
		Uptime:  s.clock().Sub(s.info.Started).Seconds(),
	})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	return c.JSON(http.StatusOK, metricsResponse{
		Scalars:    s.rec.Latest(),
		Histograms: s.rec.Histograms(),
	})
}

func (s *Server) handleSeries(c *echo.Context) error {
	name := c.Param("*")
	points, ok := s.rec.Series(name)
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "unknown series " + name})
	}
	return c.JSON(http.StatusOK, seriesResponse{Name: name, Points: points})
}
