// Package api serves the read-only ops surface: health, engine status,
// risk counters and the Prometheus scrape endpoint. Nothing here mutates
// engine state.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"binance-signal-engine/internal/engine"
	"binance-signal-engine/internal/market"
	"binance-signal-engine/internal/risk"
)

// EngineStatus is the view of the running service the endpoints read.
type EngineStatus interface {
	Status() engine.StatusSnapshot
}

// RiskSummary exposes today's guardrail counters.
type RiskSummary interface {
	TodaySummary() (risk.Summary, error)
}

// BufferSizes reports per-symbol buffer fill for the health payload.
type BufferSizes interface {
	BufferSizes(symbol string) (priceCount, klineCount int)
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	ListenAddr     string
	ProductionMode bool
}

// Server is the ops HTTP server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        ServerConfig
	symbols    []string
	service    EngineStatus
	riskEngine RiskSummary
	store      BufferSizes
	registry   *prometheus.Registry
	log        zerolog.Logger
}

// NewServer wires the routes. The registry may be nil to skip /metrics.
func NewServer(
	cfg ServerConfig,
	symbols []string,
	service EngineStatus,
	riskEngine RiskSummary,
	store BufferSizes,
	registry *prometheus.Registry,
	log zerolog.Logger,
) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:     router,
		cfg:        cfg,
		symbols:    symbols,
		service:    service,
		riskEngine: riskEngine,
		store:      store,
		registry:   registry,
		log:        log,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/risk", s.handleRisk)
	if s.registry != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
}

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("ops server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type symbolBuffers struct {
	PricePoints int `json:"price_points"`
	Klines1m    int `json:"klines_1m"`
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.service.Status()

	buffers := make(map[string]symbolBuffers, len(s.symbols))
	for _, symbol := range s.symbols {
		priceCount, klineCount := s.store.BufferSizes(symbol)
		buffers[symbol] = symbolBuffers{PricePoints: priceCount, Klines1m: klineCount}
	}

	healthy := status.Clock.State == market.ClockSynced
	code := http.StatusOK
	state := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(code, gin.H{
		"status":         state,
		"run_id":         status.RunID,
		"mode":           status.Mode,
		"clock_state":    status.Clock.State,
		"clock_skew_ms":  status.Clock.SkewMS,
		"uptime_seconds": int64(time.Since(status.StartedAt).Seconds()),
		"buffers":        buffers,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Status())
}

func (s *Server) handleRisk(c *gin.Context) {
	summary, err := s.riskEngine.TodaySummary()
	if err != nil {
		s.log.Error().Err(err).Msg("risk summary failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "risk state unavailable"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
