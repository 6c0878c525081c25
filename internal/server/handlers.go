package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mlevkov/gwcore/internal/health"
	"github.com/mlevkov/gwcore/internal/proxy"
	"github.com/mlevkov/gwcore/internal/registry"
	"github.com/mlevkov/gwcore/internal/util"
)

type registerResponse struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type healthUpdateRequest struct {
	Status         registry.HealthStatus `json:"status" binding:"required"`
	ResponseTimeMs *int64                `json:"responseTimeMs"`
}

func (s *Server) handleRegisterService(c *gin.Context) {
	var inst registry.ServiceInstance
	if err := c.ShouldBindJSON(&inst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, registeredAt, err := s.registry.Register(c.Request.Context(), &inst)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, registerResponse{ID: id, Status: "registered", RegisteredAt: registeredAt})
}

func (s *Server) handleDiscoverService(c *gin.Context) {
	instances, err := s.registry.Discover(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances, "count": len(instances)})
}

func (s *Server) handleUpdateHealth(c *gin.Context) {
	var req healthUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	responseTimeMs := int64(-1)
	if req.ResponseTimeMs != nil {
		responseTimeMs = *req.ResponseTimeMs
	}

	err := s.registry.UpdateHealth(c.Request.Context(), c.Param("name"), c.Param("id"), req.Status, responseTimeMs)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeregisterService(c *gin.Context) {
	err := s.registry.Deregister(c.Request.Context(), c.Param("name"), c.Param("id"))
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListRoutes(c *gin.Context) {
	routes := s.routes.Routes()
	c.JSON(http.StatusOK, gin.H{"routes": routes, "count": len(routes)})
}

func (s *Server) handleAddRoute(c *gin.Context) {
	var route proxy.Route
	if err := c.ShouldBindJSON(&route); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := route.Validate(); err != nil {
		s.writeDomainError(c, err)
		return
	}

	s.routes.Add(&route)
	s.logger.Info("route added",
		zap.String("path", route.RoutePath),
		zap.String("service", route.ServiceName),
	)
	c.JSON(http.StatusCreated, &route)
}

func (s *Server) handleCircuitBreakers(c *gin.Context) {
	service := c.Query("service")
	route := c.Query("route")

	if service != "" && route != "" {
		status, err := s.breaker.Status(c.Request.Context(), service, route)
		if err != nil {
			s.writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
		return
	}

	statuses, err := s.breaker.List(c.Request.Context())
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	if service != "" {
		filtered := statuses[:0]
		for _, st := range statuses {
			if st.Service == service {
				filtered = append(filtered, st)
			}
		}
		statuses = filtered
	}
	c.JSON(http.StatusOK, gin.H{"breakers": statuses, "count": len(statuses)})
}

func (s *Server) handleMetricsSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.collector.GetMetrics(c.Request.Context()))
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.checker.Report(c.Request.Context())

	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// writeDomainError maps domain errors onto HTTP statuses.
func (s *Server) writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, util.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, util.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		s.logger.Error("admin request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
