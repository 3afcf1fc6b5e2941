// Package pipeline implements the candidate-model generation algorithm:
// ordered model evaluation, rate-limit reservation lifecycle, and upstream
// error classification, per spec.md §4.5. Grounded structurally on
// original_source/pyservice/main.py's generate_grid, translated into this
// codebase's idiom — structured errors (internal/apierr), explicit
// context.Context-carrying calls, and span-wrapped stages
// (internal/tracing).
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ocx/nanobanana-gateway/internal/apierr"
	"github.com/ocx/nanobanana-gateway/internal/config"
	"github.com/ocx/nanobanana-gateway/internal/modelselect"
	"github.com/ocx/nanobanana-gateway/internal/ratelimit"
	"github.com/ocx/nanobanana-gateway/internal/tracing"
	"github.com/ocx/nanobanana-gateway/internal/upstream"
)

// Request is the decoded, pipeline-facing shape of one generate-grid call.
type Request struct {
	Prompt         string
	StyleName      string
	GridPNGBase64  string
	NegativePrompt string
	PreferredModel string
}

// Result is the successful outcome of Generate.
type Result struct {
	ImageBase64 string
	MimeType    string
	Model       string
	LatencyMs   int
}

// Pipeline composes the scheduler, the upstream client cache, and
// configuration into the end-to-end generate operation.
type Pipeline struct {
	cfg       *config.Config
	scheduler *ratelimit.Scheduler
	cache     *upstream.Cache
	tracer    *tracing.TracerProvider
	log       logrus.FieldLogger
}

// New returns a ready Pipeline. tracer may be nil, in which case startSpan
// records no spans.
func New(cfg *config.Config, scheduler *ratelimit.Scheduler, cache *upstream.Cache, tracer *tracing.TracerProvider, log logrus.FieldLogger) *Pipeline {
	return &Pipeline{cfg: cfg, scheduler: scheduler, cache: cache, tracer: tracer, log: log}
}

// startSpan opens a span (a no-op if no tracer is installed) and returns
// the span-bearing context plus a func the caller must defer to end it.
func (p *Pipeline) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	if p.tracer == nil {
		return ctx, func() {}
	}
	spanCtx, span := p.tracer.StartSpan(ctx, name, attrs...)
	return spanCtx, func() { span.End() }
}

// Generate runs the full candidate-model loop described in spec.md §4.5.
func (p *Pipeline) Generate(ctx context.Context, req Request) (*Result, *apierr.Error) {
	authMode := p.cfg.EffectiveAuthMode()
	if authMode == "none" || (authMode == "api_key" && len(p.cfg.APIKeyPool) == 0) {
		return nil, apierr.New(apierr.CodeConfigurationError,
			"service requires an API key pool (GOOGLE_CLOUD_API_KEY) or VERTEX_PROJECT_ID for ADC")
	}

	gridPNG, err := base64.StdEncoding.DecodeString(req.GridPNGBase64)
	if err != nil {
		return nil, apierr.New(apierr.CodeValidationFailure, "grid_png_base64 must be valid base64")
	}

	models := candidateModels(req.PreferredModel, p.cfg.StandardModelID, p.cfg.ModelFallbacks)
	if len(models) == 0 {
		return nil, apierr.New(apierr.CodeConfigurationError, "no candidate models configured")
	}
	promptText := buildPrompt(req.Prompt, req.StyleName, req.NegativePrompt)

	var lastErr error
	for _, model := range models {
		bucket := modelselect.Classify(model, req.PreferredModel, p.cfg.StandardModelID, p.cfg.PremiumModelID)
		limits := p.cfg.Limits[bucket].Limits

		// Project mode without an API key pool has no key to allocate; the
		// zero Allocation carries no reservation and Finalize ignores it.
		var alloc ratelimit.Allocation
		if len(p.cfg.APIKeyPool) > 0 {
			_, endReserve := p.startSpan(ctx, tracing.SpanReserve, tracing.AttributeBucket.String(string(bucket)), tracing.AttributeModel.String(model))
			reserved, rerr := p.scheduler.ReserveForBucket(bucket, p.cfg.APIKeyPool, limits, p.cfg.RateLimitActive())
			endReserve()
			if rerr != nil {
				var refused *ratelimit.LocalRateLimitExceeded
				if asLocalRefusal(rerr, &refused) {
					return nil, apierr.New(apierr.CodeLocalRateLimitExhausted,
						fmt.Sprintf("local rate limit exceeded for %s models", p.cfg.Limits[bucket].Label)).
						WithRetryAfter(refused.RetryAfter)
				}
				return nil, apierr.New(apierr.CodeConfigurationError, rerr.Error())
			}
			alloc = reserved
		}

		start := time.Now()
		result, genErr := p.callOnce(ctx, alloc, model, promptText, gridPNG)
		p.scheduler.Finalize(alloc)

		if genErr == nil {
			result.LatencyMs = int(time.Since(start).Milliseconds())
			if model != models[0] {
				p.log.Warnf("primary model %q unavailable; used fallback model %q", models[0], model)
			}
			return result, nil
		}

		if upstream.IsRateLimitError(genErr) {
			p.log.Warnf("model %q hit upstream rate limit: %v", model, genErr)
			return nil, apierr.New(apierr.CodeUpstreamRateLimit,
				fmt.Sprintf("upstream rate limit hit for model %s", model)).
				WithRetryAfter(p.cfg.RetryAfterSeconds)
		}
		if upstream.IsAccessError(genErr) {
			p.log.Warnf("model %q unavailable: %v", model, genErr)
			lastErr = genErr
			continue
		}
		if apiErr, ok := genErr.(*apierr.Error); ok {
			// Safety blocks and no-image responses are terminal, not
			// fallthrough — they are properties of the prompt/response, not
			// of a specific model's availability.
			return nil, apiErr
		}
		return nil, apierr.New(apierr.CodeUpstreamFatal, fmt.Sprintf("upstream request failed: %v", genErr)).WithCause(genErr)
	}

	return nil, apierr.New(apierr.CodeUpstreamFatal,
		fmt.Sprintf("no usable model found in candidates %v: %v", models, lastErr))
}

// callOnce resolves an upstream handle for the allocated key, dispatches
// one generation call, and extracts the image from the response. Returned
// errors are either *upstream.Error (for the caller to classify) or
// *apierr.Error (already terminal, e.g. safety blocks).
func (p *Pipeline) callOnce(ctx context.Context, alloc ratelimit.Allocation, model, promptText string, gridPNG []byte) (*Result, error) {
	capability, flavor, err := p.resolveCapability(ctx, alloc)
	if err != nil {
		return nil, apierr.New(apierr.CodeConfigurationError, err.Error()).WithCause(err)
	}

	genConfig := buildGenerateConfig(flavor, p.cfg.ImageSize, p.cfg.AspectRatio, p.cfg.OutputMimeType, p.cfg.MaxOutputTokens, p.cfg.ResponseModalities)
	callCtx, endCall := p.startSpan(ctx, tracing.SpanUpstreamCall, tracing.AttributeModel.String(model), tracing.AttributeKeyIndex.Int(alloc.KeyIndex))
	resp, err := capability.Generate(callCtx, upstream.GenerateRequest{
		Model: model,
		Parts: []upstream.Part{
			upstream.TextPart(promptText),
			upstream.ImagePart(gridPNG, "image/png"),
		},
		Config: genConfig,
	})
	endCall()
	if err != nil {
		return nil, err
	}

	_, endExtract := p.startSpan(ctx, tracing.SpanExtract, tracing.AttributeModel.String(model))
	imageBytes, mime, extractErr := extractImage(resp)
	endExtract()
	if extractErr != nil {
		return nil, extractErr
	}
	return &Result{
		ImageBase64: base64.StdEncoding.EncodeToString(imageBytes),
		MimeType:    mime,
		Model:       model,
	}, nil
}

// resolveCapability picks the developer or project-flavor upstream handle
// for the allocated key, per spec.md §4.5's "resolve upstream backend
// flavor from the acquired key" step.
func (p *Pipeline) resolveCapability(ctx context.Context, alloc ratelimit.Allocation) (upstream.Capability, upstream.Flavor, error) {
	if p.cfg.EffectiveAuthMode() != "api_key" {
		handle, err := p.cache.GetForProject(ctx, p.cfg.VertexProject, p.cfg.VertexLocation, p.cfg.HTTPTimeoutMs)
		return handle, upstream.FlavorProject, err
	}
	flavor := upstream.ResolveFlavor(alloc.Key)
	if p.cfg.BackendHint == config.BackendDeveloper {
		flavor = upstream.FlavorDeveloper
	} else if p.cfg.BackendHint == config.BackendProject {
		flavor = upstream.FlavorProject
	}
	handle, err := p.cache.GetForKey(ctx, alloc.Key, flavor)
	return handle, flavor, err
}

func asLocalRefusal(err error, target **ratelimit.LocalRateLimitExceeded) bool {
	refused, ok := err.(*ratelimit.LocalRateLimitExceeded)
	if !ok {
		return false
	}
	*target = refused
	return true
}
