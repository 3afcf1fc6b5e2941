package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ocx/nanobanana-gateway/internal/apierr"
	"github.com/ocx/nanobanana-gateway/internal/config"
	"github.com/ocx/nanobanana-gateway/internal/metrics"
	"github.com/ocx/nanobanana-gateway/internal/pipeline"
	"github.com/ocx/nanobanana-gateway/internal/ratelimit"
)

// Server bundles the dependencies every handler needs: configuration, the
// scheduler (for the status endpoint), the generation pipeline, metrics,
// and a logger. Grounded on cmd/web/main.go's services.GAuthService — one
// struct carrying everything a handler set needs, constructed once at
// startup and passed by reference.
type Server struct {
	cfg       *config.Config
	scheduler *ratelimit.Scheduler
	pipeline  *pipeline.Pipeline
	metrics   *metrics.Registry
	log       logrus.FieldLogger
}

// NewServer returns a ready Server.
func NewServer(cfg *config.Config, scheduler *ratelimit.Scheduler, pl *pipeline.Pipeline, reg *metrics.Registry, log logrus.FieldLogger) *Server {
	return &Server{cfg: cfg, scheduler: scheduler, pipeline: pl, metrics: reg, log: log}
}

// Healthz serves GET /healthz: an operational configuration snapshot, per
// spec.md §6 — "fields serve operational diagnostics; no stable contract
// is required across versions."
func (s *Server) Healthz(c *gin.Context) {
	limits := make(gin.H, len(s.cfg.Limits))
	for bucket, cfg := range s.cfg.Limits {
		limits[string(bucket)] = gin.H{
			"label": cfg.Label,
			"rpm":   cfg.Limits.RPM,
			"rpd":   cfg.Limits.RPD,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":               "ok",
		"effective_auth_mode":  s.cfg.EffectiveAuthMode(),
		"effective_backend":    s.cfg.EffectiveBackend(),
		"key_pool_size":        len(s.cfg.APIKeyPool),
		"standard_model":       s.cfg.StandardModelID,
		"premium_model":        s.cfg.PremiumModelID,
		"model_fallbacks":      s.cfg.ModelFallbacks,
		"rate_limit_enabled":   s.cfg.RateLimitEnabled,
		"rate_limit_active":    s.cfg.RateLimitActive(),
		"rate_limit_state_path": s.cfg.StatePath,
		"rate_limit_poll_ms":   s.cfg.PollMs,
		"default_limits":       limits,
	})
}

// bucketStatus is the wire shape of one bucket's entry under "models" in
// the rate-limit-status response, per spec.md §6.
type bucketStatus struct {
	Label             string `json:"label"`
	RPM               window `json:"rpm"`
	RPD               window `json:"rpd"`
	Exhausted         bool   `json:"exhausted"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

type window struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

// RateLimitStatus serves GET /v1/rate-limit-status: the ledger's current
// snapshot across every configured bucket, per spec.md §6.
func (s *Server) RateLimitStatus(c *gin.Context) {
	enabled := s.cfg.RateLimitActive()
	usage := s.scheduler.Snapshot(s.cfg.APIKeyPool, s.cfg.Limits, enabled)

	models := make(map[string]bucketStatus, len(usage))
	for bucket, u := range usage {
		models[string(bucket)] = bucketStatus{
			Label:             u.Label,
			RPM:               window{Used: u.RPMUsed, Limit: u.RPMLimit},
			RPD:               window{Used: u.RPDUsed, Limit: u.RPDLimit},
			Exhausted:         u.Exhausted,
			RetryAfterSeconds: u.RetryAfterSeconds,
		}
		if s.metrics != nil {
			s.metrics.ObserveBucketUsage(string(bucket), u.RPMUsed, u.RPDUsed, u.Exhausted)
		}
	}

	updatedAt := ""
	if seconds, ok := s.scheduler.UpdatedAt(); ok {
		updatedAt = time.Unix(0, int64(seconds*1e9)).UTC().Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, gin.H{
		"enabled":       enabled,
		"key_pool_size": len(s.cfg.APIKeyPool),
		"updated_at":    updatedAt,
		"poll_ms":       s.cfg.PollMs,
		"models":        models,
	})
}

// generateGridRequest is the validated request body for POST
// /v1/generate-grid, per spec.md §6's field bounds.
type generateGridRequest struct {
	Prompt         string `json:"prompt"`
	StyleName      string `json:"style_name"`
	GridPNGBase64  string `json:"grid_png_base64"`
	NegativePrompt string `json:"negative_prompt"`
	Model          string `json:"model"`
}

func (r generateGridRequest) validate() *apierr.Error {
	switch {
	case len(r.Prompt) < 1 || len(r.Prompt) > 2000:
		return apierr.New(apierr.CodeValidationFailure, "prompt must be 1..2000 characters")
	case len(r.StyleName) < 1 || len(r.StyleName) > 200:
		return apierr.New(apierr.CodeValidationFailure, "style_name must be 1..200 characters")
	case r.GridPNGBase64 == "":
		return apierr.New(apierr.CodeValidationFailure, "grid_png_base64 must not be empty")
	case len(r.NegativePrompt) > 1000:
		return apierr.New(apierr.CodeValidationFailure, "negative_prompt must be at most 1000 characters")
	case r.Model != "" && len(r.Model) > 200:
		return apierr.New(apierr.CodeValidationFailure, "model must be at most 200 characters")
	}
	return nil
}

// GenerateGrid serves POST /v1/generate-grid: decodes and validates the
// body, runs the candidate-model pipeline, and renders either the
// successful result or the classified error per spec.md §6/§7.
func (s *Server) GenerateGrid(c *gin.Context) {
	var req generateGridRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apierr.New(apierr.CodeValidationFailure, "malformed request body: "+err.Error()))
		return
	}
	if verr := req.validate(); verr != nil {
		s.writeError(c, verr)
		return
	}

	result, err := s.pipeline.Generate(c.Request.Context(), pipeline.Request{
		Prompt:         req.Prompt,
		StyleName:      req.StyleName,
		GridPNGBase64:  req.GridPNGBase64,
		NegativePrompt: req.NegativePrompt,
		PreferredModel: req.Model,
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.ObserveGeneration(string(err.Code), req.Model)
		}
		s.writeError(c, err)
		return
	}

	if s.metrics != nil {
		s.metrics.ObserveGeneration("ok", result.Model)
	}
	c.JSON(http.StatusOK, gin.H{
		"image_base64": result.ImageBase64,
		"mime_type":    result.MimeType,
		"model":        result.Model,
		"latency_ms":   result.LatencyMs,
	})
}

// writeError renders a structured *apierr.Error as its fixed HTTP status,
// setting Retry-After when the error carries one, per spec.md §7/§8's
// "any returned Retry-After is >= 1" invariant.
func (s *Server) writeError(c *gin.Context, err *apierr.Error) {
	if err.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(err.RetryAfter))
	}
	c.JSON(err.HTTPStatus(), err.ToResponse())
}
