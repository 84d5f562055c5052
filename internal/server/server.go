// Package server exposes the thin HTTP boundary: the manual-review
// collaborator callback, read-only availability snapshots, health, and
// metrics. Everything else (routing, auth, UI) lives outside the core.
package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quantfabric/locates/internal/cache"
	"github.com/quantfabric/locates/internal/model"
)

// LocateService is the locate engine surface: intake plus the manual review
// callback.
type LocateService interface {
	Submit(ctx context.Context, clientID, securityID, market string, quantity int64) (model.LocateRequest, error)
	ManualDecision(ctx context.Context, id uuid.UUID, approved bool, reason string) (model.LocateRequest, error)
	Get(id uuid.UUID) (model.LocateRequest, error)
}

// ShortSellService is the short-sell engine validation surface.
type ShortSellService interface {
	Validate(ctx context.Context, clientID, unitID, securityID, market string, quantity int64) (model.ShortSellOrder, error)
}

// Server is the HTTP boundary.
type Server struct {
	engine     *gin.Engine
	cache      *cache.Cache
	locates    LocateService
	shortSells ShortSellService
	logger     *zap.Logger
}

// New builds the router.
func New(c *cache.Cache, locates LocateService, shortSells ShortSellService, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:     gin.New(),
		cache:      c,
		locates:    locates,
		shortSells: shortSells,
		logger:     logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery())

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/api/v1")
	v1.GET("/availability/:market/:security", s.readAvailability)
	v1.POST("/locates", s.submitLocate)
	v1.GET("/locates/:id", s.getLocate)
	v1.POST("/locates/:id/decision", s.reviewLocate)
	v1.POST("/shortsells", s.validateShortSell)
}

type locateRequest struct {
	ClientID   string `json:"client_id" binding:"required"`
	SecurityID string `json:"security_id" binding:"required"`
	Market     string `json:"market" binding:"required"`
	Quantity   int64  `json:"quantity" binding:"required"`
}

func (s *Server) submitLocate(c *gin.Context) {
	var body locateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req, err := s.locates.Submit(c.Request.Context(), body.ClientID, body.SecurityID, body.Market, body.Quantity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, req)
}

type shortSellRequest struct {
	ClientID          string `json:"client_id" binding:"required"`
	AggregationUnitID string `json:"aggregation_unit_id" binding:"required"`
	SecurityID        string `json:"security_id" binding:"required"`
	Market            string `json:"market" binding:"required"`
	Quantity          int64  `json:"quantity" binding:"required"`
}

func (s *Server) validateShortSell(c *gin.Context) {
	var body shortSellRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := s.shortSells.Validate(c.Request.Context(),
		body.ClientID, body.AggregationUnitID, body.SecurityID, body.Market, body.Quantity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) readAvailability(c *gin.Context) {
	rec, ok := s.cache.Read(c.Param("security"), c.Param("market"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no availability record"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"record":   rec,
		"degraded": rec.Degraded,
	})
}

func (s *Server) getLocate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid locate id"})
		return
	}
	req, err := s.locates.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, req)
}

type reviewRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
	Reviewer string `json:"reviewer" binding:"required"`
}

// reviewLocate records the manual review collaborator's asynchronous verdict.
func (s *Server) reviewLocate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid locate id"})
		return
	}
	var body reviewRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := s.locates.ManualDecision(c.Request.Context(), id, body.Approved, body.Reason)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("manual locate decision recorded",
		zap.String("request_id", id.String()),
		zap.Bool("approved", body.Approved),
		zap.String("reviewer", body.Reviewer))
	c.JSON(http.StatusOK, req)
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }
