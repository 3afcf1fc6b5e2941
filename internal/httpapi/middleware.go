// Package httpapi is the gateway's HTTP surface (C8): the three endpoints
// named in spec.md §6, plus the ambient /metrics and middleware chain
// SPEC_FULL.md §4.6 carries regardless of the distilled spec's Non-goals.
// Grounded on the teacher's web backend middleware's Logger/RequestID/CORS
// shape and its setupRouter, adapted onto this service's own handlers.
package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader is the header this service reads and always echoes back.
const RequestIDHeader = "X-Request-ID"

// requestID assigns or propagates X-Request-ID and stores it in the gin
// context for downstream handlers and the logger.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// requestLogger emits one structured log line per request, in the field
// shape the teacher's web backend middleware's Logger uses.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"request_id":  c.GetString("request_id"),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": c.Writer.Status(),
			"latency_ms":  time.Since(start).Milliseconds(),
		}).Info("http request")
	}
}

// permissiveCORS allows any origin, matching this service's non-browser
// callers (spec.md names no inbound-caller authentication, and the
// upstream is a server-to-server gateway rather than a browser SPA).
// Grounded on the teacher's cors.DefaultConfig() usage, widened from its
// fixed localhost origin list to AllowAllOrigins for this service's callers.
func permissiveCORS() gin.HandlerFunc {
	c := cors.DefaultConfig()
	c.AllowAllOrigins = true
	c.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	c.AllowHeaders = []string{"Content-Type", RequestIDHeader}
	return cors.New(c)
}
