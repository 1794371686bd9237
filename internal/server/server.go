package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/scopectl/internal/auth"
	"github.com/danmuck/scopectl/internal/observability"
	"github.com/danmuck/scopectl/internal/scorecard"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

var ErrNoSnapshot = errors.New("server: no scorecard published yet")

// Status is the driver state reported by /health and /ready.
type Status struct {
	InstrumentID string            `json:"instrument_id"`
	SessionID    string            `json:"session_id,omitempty"`
	Phase        string            `json:"phase"`
	Identity     string            `json:"identity,omitempty"`
	Cycles       int64             `json:"cycles"`
	Ready        bool              `json:"ready"`
	Readings     map[string]string `json:"readings,omitempty"`
}

// Source is read from request goroutines and must be safe for concurrent use.
type Source interface {
	Status() Status
	Scorecard() (scorecard.Snapshot, bool)
}

type Config struct {
	ID          string
	Addr        string
	CorsOrigins []string
	// Token, when set, is required as a bearer token on /scorecard.
	Token string
}

// Server exposes driver status, the latest scorecard and metrics over HTTP.
type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	router *gin.Engine
	source Source
	token  string
}

func Appear(cfg Config, source Source) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       cfg.ID,
		Addr:     cfg.Addr,
		Appeared: time.Now(),
		router:   r,
		source:   source,
		token:    strings.TrimSpace(cfg.Token),
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		status := s.source.Status()
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"phase":   status.Phase,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		status := s.source.Status()
		code := http.StatusOK
		if !status.Ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	guarded := s.router.Group("")
	if s.token != "" {
		guarded.Use(auth.Middleware(auth.StaticToken{Token: s.token}))
	}
	guarded.GET("/scorecard", func(c *gin.Context) {
		snap, ok := s.source.Scorecard()
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrNoSnapshot.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Serve listens on s.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Msgf("server.Server.Serve listening id=%q addr=%q", s.ID, s.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msgf("server.Server.Serve shutdown id=%q", s.ID)
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
