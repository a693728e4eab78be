// Package api exposes the read-only HTTP surface: health, regime,
// positions, closures, decisions and sync stats. Nothing here mutates
// engine state.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/accountsync"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/decision"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/portfolio"
)

// RegimeSource serves the current regime; implemented by the coordinator.
type RegimeSource interface {
	CurrentRegime() *decision.MarketRegime
}

// SyncStats serves reconciliation stats; implemented by the sync service.
type SyncStats interface {
	Stats() accountsync.Stats
}

// Server is the read-only API front.
type Server struct {
	engine     *http.Server
	db         *database.DB
	repo       *database.Repository
	pm         *portfolio.Manager
	regimes    RegimeSource
	sync       SyncStats
	exchangeID int64
	log        zerolog.Logger
}

// New builds the HTTP server with CORS per the configured origins.
func New(cfg config.ServerConfig, db *database.DB, repo *database.Repository,
	pm *portfolio.Manager, regimes RegimeSource, syncStats SyncStats, exchangeID int64) *Server {

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsCfg.AllowMethods = []string{"GET", "OPTIONS"}
	router.Use(cors.New(corsCfg))

	s := &Server{
		engine: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		db:         db,
		repo:       repo,
		pm:         pm,
		regimes:    regimes,
		sync:       syncStats,
		exchangeID: exchangeID,
		log:        logging.Component("api"),
	}

	router.GET("/health", s.health)
	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/regime", s.regime)
		apiGroup.GET("/portfolio", s.portfolio)
		apiGroup.GET("/positions", s.positions)
		apiGroup.GET("/closed-positions", s.closedPositions)
		apiGroup.GET("/decisions", s.decisions)
		apiGroup.GET("/sync/stats", s.syncStats)
		apiGroup.GET("/events", s.events)
	}
	return s
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.engine.Addr).Msg("api server listening")
		if err := s.engine.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.engine.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	dbOK := s.db.HealthCheck(c.Request.Context()) == nil
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":   map[bool]string{true: "ok", false: "degraded"}[dbOK],
		"database": dbOK,
	})
}

func (s *Server) regime(c *gin.Context) {
	r := s.regimes.CurrentRegime()
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no regime yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"regime": r,
		"stale":  r.IsStale(time.Now().UTC()),
	})
}

func (s *Server) portfolio(c *gin.Context) {
	pf, err := s.pm.Current(c.Request.Context(), false)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"portfolio": pf,
		"positions": pf.PositionList(),
	})
}

func (s *Server) positions(c *gin.Context) {
	rows, err := s.repo.GetOpenPositions(c.Request.Context(), s.exchangeID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": rows, "count": len(rows)})
}

func (s *Server) closedPositions(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	rows, err := s.repo.ListClosedPositions(c.Request.Context(), s.exchangeID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed_positions": rows, "count": len(rows)})
}

func (s *Server) decisions(c *gin.Context) {
	layer := c.Query("layer")
	switch layer {
	case "", database.LayerStrategic, database.LayerTactical:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "layer must be strategic or tactical"})
		return
	}
	rows, err := s.repo.ListDecisions(c.Request.Context(), layer, queryInt(c, "limit", 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": rows, "count": len(rows)})
}

func (s *Server) syncStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.sync.Stats())
}

func (s *Server) events(c *gin.Context) {
	rows, err := s.repo.RecentEvents(c.Request.Context(), queryInt(c, "limit", 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": rows, "count": len(rows)})
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
