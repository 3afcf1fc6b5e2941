package pipeline

import (
	"context"
	"encoding/base64"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/nanobanana-gateway/internal/apierr"
	"github.com/ocx/nanobanana-gateway/internal/clockid"
	"github.com/ocx/nanobanana-gateway/internal/config"
	"github.com/ocx/nanobanana-gateway/internal/ratelimit"
	"github.com/ocx/nanobanana-gateway/internal/upstream"
)

type scriptedCapability struct {
	byModel map[string]func() (upstream.Response, error)
}

func (s *scriptedCapability) Generate(ctx context.Context, req upstream.GenerateRequest) (upstream.Response, error) {
	fn, ok := s.byModel[req.Model]
	if !ok {
		return upstream.Response{}, upstream.NewError(500, "unscripted model "+req.Model)
	}
	return fn()
}

func successResponse() (upstream.Response, error) {
	return upstream.Response{
		Candidates: []upstream.Candidate{{
			Parts: []upstream.ResponsePart{{InlineData: []byte{1, 2, 3}, InlineMime: "image/png"}},
		}},
	}, nil
}

func testConfig(t *testing.T, standard, premium string) *config.Config {
	t.Helper()
	return &config.Config{
		AuthMode:          config.AuthModeAPIKey,
		KeyProfile:        config.KeyProfileDeveloper,
		StandardModelID:   standard,
		PremiumModelID:    premium,
		APIKeyPool:        []string{"AIzaTestKey1", "AIzaTestKey2"},
		RetryAfterSeconds: 30,
		ImageSize:         "1K",
		AspectRatio:        "1:1",
		OutputMimeType:    "image/png",
		MaxOutputTokens:   4096,
		ResponseModalities: []string{"IMAGE"},
		RateLimitEnabled:  true,
		Limits: map[ratelimit.Bucket]ratelimit.BucketConfig{
			ratelimit.BucketStandard: {Label: "standard", Limits: ratelimit.Limits{RPM: 100, RPD: 100}},
			ratelimit.BucketPremium:  {Label: "premium", Limits: ratelimit.Limits{RPM: 100, RPD: 100}},
		},
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, capability upstream.Capability) *Pipeline {
	t.Helper()
	store := ratelimit.NewStore(&clockid.FixedClock{At: 0}, tempStorePathFor(t), 30, nil)
	scheduler := ratelimit.NewScheduler(store)
	cache := upstream.NewCache(
		func(ctx context.Context, key string, flavor upstream.Flavor) (upstream.Capability, error) {
			return capability, nil
		},
		func(ctx context.Context, project, location string, timeoutMs int) (upstream.Capability, error) {
			return capability, nil
		},
	)
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(cfg, scheduler, cache, nil, log)
}

func tempStorePathFor(t *testing.T) string {
	t.Helper()
	return t.TempDir() + "/ratelimit.json"
}

func TestGenerateSuccessOnFirstCandidate(t *testing.T) {
	cfg := testConfig(t, "standard-model", "premium-model")
	capability := &scriptedCapability{byModel: map[string]func() (upstream.Response, error){
		"standard-model": successResponse,
	}}
	p := newTestPipeline(t, cfg, capability)

	result, apiErr := p.Generate(context.Background(), Request{
		Prompt: "a castle", StyleName: "cartoon",
		GridPNGBase64: base64.StdEncoding.EncodeToString([]byte("png-bytes")),
	})
	require.Nil(t, apiErr)
	require.NotNil(t, result)
	assert.Equal(t, "standard-model", result.Model)
	assert.Equal(t, "image/png", result.MimeType)
}

func TestGenerateAccessDeniedAdvancesToNextCandidate(t *testing.T) {
	cfg := testConfig(t, "standard-model", "premium-model")
	capability := &scriptedCapability{byModel: map[string]func() (upstream.Response, error){
		"premium-model": func() (upstream.Response, error) {
			return upstream.Response{}, upstream.NewError(403, "publisher Model premium-model does not have access")
		},
		"standard-model": successResponse,
	}}
	p := newTestPipeline(t, cfg, capability)

	result, apiErr := p.Generate(context.Background(), Request{
		Prompt: "a castle", StyleName: "cartoon",
		GridPNGBase64:  base64.StdEncoding.EncodeToString([]byte("png-bytes")),
		PreferredModel: "premium-model",
	})
	require.Nil(t, apiErr)
	require.NotNil(t, result)
	assert.Equal(t, "standard-model", result.Model)
}

func TestGenerateUpstreamRateLimitIsTerminal(t *testing.T) {
	cfg := testConfig(t, "standard-model", "premium-model")
	capability := &scriptedCapability{byModel: map[string]func() (upstream.Response, error){
		"standard-model": func() (upstream.Response, error) {
			return upstream.Response{}, upstream.NewError(429, "resource exhausted")
		},
	}}
	p := newTestPipeline(t, cfg, capability)

	_, apiErr := p.Generate(context.Background(), Request{
		Prompt: "a castle", StyleName: "cartoon",
		GridPNGBase64: base64.StdEncoding.EncodeToString([]byte("png-bytes")),
	})
	require.NotNil(t, apiErr)
	assert.Equal(t, apierr.CodeUpstreamRateLimit, apiErr.Code)
	assert.GreaterOrEqual(t, apiErr.RetryAfter, 1)
}

func TestGenerateMalformedBase64Is422(t *testing.T) {
	cfg := testConfig(t, "standard-model", "premium-model")
	p := newTestPipeline(t, cfg, &scriptedCapability{byModel: map[string]func() (upstream.Response, error){}})

	_, apiErr := p.Generate(context.Background(), Request{
		Prompt: "a castle", StyleName: "cartoon",
		GridPNGBase64: "not-valid-base64!!!",
	})
	require.NotNil(t, apiErr)
	assert.Equal(t, apierr.CodeValidationFailure, apiErr.Code)
}

func TestGenerateNoImageIsBadGateway(t *testing.T) {
	cfg := testConfig(t, "standard-model", "premium-model")
	capability := &scriptedCapability{byModel: map[string]func() (upstream.Response, error){
		"standard-model": func() (upstream.Response, error) {
			return upstream.Response{Text: "I can't draw that."}, nil
		},
	}}
	p := newTestPipeline(t, cfg, capability)

	_, apiErr := p.Generate(context.Background(), Request{
		Prompt: "a castle", StyleName: "cartoon",
		GridPNGBase64: base64.StdEncoding.EncodeToString([]byte("png-bytes")),
	})
	require.NotNil(t, apiErr)
	assert.Equal(t, apierr.CodeUpstreamNoImage, apiErr.Code)
}

func TestGenerateSafetyBlockedPrompt(t *testing.T) {
	cfg := testConfig(t, "standard-model", "premium-model")
	capability := &scriptedCapability{byModel: map[string]func() (upstream.Response, error){
		"standard-model": func() (upstream.Response, error) {
			return upstream.Response{BlockReason: "SAFETY"}, nil
		},
	}}
	p := newTestPipeline(t, cfg, capability)

	_, apiErr := p.Generate(context.Background(), Request{
		Prompt: "a castle", StyleName: "cartoon",
		GridPNGBase64: base64.StdEncoding.EncodeToString([]byte("png-bytes")),
	})
	require.NotNil(t, apiErr)
	assert.Equal(t, apierr.CodeSafetyBlocked, apiErr.Code)
}

func TestGenerateEmptyPoolAndNoProjectIsConfigurationError(t *testing.T) {
	cfg := testConfig(t, "standard-model", "premium-model")
	cfg.APIKeyPool = nil
	p := newTestPipeline(t, cfg, &scriptedCapability{byModel: map[string]func() (upstream.Response, error){}})

	_, apiErr := p.Generate(context.Background(), Request{
		Prompt: "a castle", StyleName: "cartoon",
		GridPNGBase64: base64.StdEncoding.EncodeToString([]byte("png-bytes")),
	})
	require.NotNil(t, apiErr)
	assert.Equal(t, apierr.CodeConfigurationError, apiErr.Code)
}
