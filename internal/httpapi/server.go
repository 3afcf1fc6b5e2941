package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the gin.Engine for the gateway: recovery, request-id,
// structured logging, permissive CORS, the three spec.md §6 endpoints, and
// the ambient /metrics endpoint from SPEC_FULL.md §4.6. Grounded on
// cmd/web/main.go's setupRouter, trimmed to this service's own routes.
func NewRouter(s *Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(requestLogger(s.log))
	router.Use(permissiveCORS())
	if s.metrics != nil {
		router.Use(s.metrics.Middleware())
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{})))
	}

	router.GET("/healthz", s.Healthz)

	v1 := router.Group("/v1")
	{
		v1.GET("/rate-limit-status", s.RateLimitStatus)
		v1.POST("/generate-grid", s.GenerateGrid)
	}

	return router
}
