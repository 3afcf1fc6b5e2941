package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/nanobanana-gateway/internal/clockid"
	"github.com/ocx/nanobanana-gateway/internal/config"
	"github.com/ocx/nanobanana-gateway/internal/metrics"
	"github.com/ocx/nanobanana-gateway/internal/pipeline"
	"github.com/ocx/nanobanana-gateway/internal/ratelimit"
	"github.com/ocx/nanobanana-gateway/internal/upstream"
)

type scriptedCapability struct {
	generate func() (upstream.Response, error)
}

func (s *scriptedCapability) Generate(ctx context.Context, req upstream.GenerateRequest) (upstream.Response, error) {
	return s.generate()
}

func successResponse() (upstream.Response, error) {
	return upstream.Response{
		Candidates: []upstream.Candidate{{
			Parts: []upstream.ResponsePart{{InlineData: []byte{1, 2, 3}, InlineMime: "image/png"}},
		}},
	}, nil
}

func newTestServer(t *testing.T, cfg *config.Config, capability upstream.Capability) *Server {
	t.Helper()
	store := ratelimit.NewStore(&clockid.FixedClock{At: 0}, t.TempDir()+"/ratelimit.json", 30, nil)
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
	pl := pipeline.New(cfg, scheduler, cache, nil, log)
	return NewServer(cfg, scheduler, pl, metrics.New(), log)
}

func testConfig() *config.Config {
	return &config.Config{
		AuthMode:           config.AuthModeAPIKey,
		KeyProfile:         config.KeyProfileDeveloper,
		StandardModelID:    "standard-model",
		PremiumModelID:     "premium-model",
		APIKeyPool:         []string{"AIzaTestKey1", "AIzaTestKey2"},
		RetryAfterSeconds:  30,
		ImageSize:          "1K",
		AspectRatio:        "1:1",
		OutputMimeType:     "image/png",
		MaxOutputTokens:    4096,
		ResponseModalities: []string{"IMAGE"},
		RateLimitEnabled:   true,
		StatePath:          "data/ratelimit.json",
		PollMs:             2000,
		Limits: map[ratelimit.Bucket]ratelimit.BucketConfig{
			ratelimit.BucketStandard: {Label: "standard", Limits: ratelimit.Limits{RPM: 100, RPD: 100}},
			ratelimit.BucketPremium:  {Label: "premium", Limits: ratelimit.Limits{RPM: 100, RPD: 100}},
		},
	}
}

func init() { gin.SetMode(gin.TestMode) }

func TestHealthzReportsConfigurationSnapshot(t *testing.T) {
	cfg := testConfig()
	s := newTestServer(t, cfg, &scriptedCapability{generate: successResponse})
	router := NewRouter(s)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["key_pool_size"])
	assert.Equal(t, "api_key", body["effective_auth_mode"])
}

func TestRateLimitStatusReportsPerBucketUsage(t *testing.T) {
	cfg := testConfig()
	s := newTestServer(t, cfg, &scriptedCapability{generate: successResponse})
	router := NewRouter(s)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/rate-limit-status", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["enabled"])
	models, ok := body["models"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, models, "standard")
	assert.Contains(t, models, "premium")
}

func TestGenerateGridSuccess(t *testing.T) {
	cfg := testConfig()
	s := newTestServer(t, cfg, &scriptedCapability{generate: successResponse})
	router := NewRouter(s)

	payload := `{"prompt":"a castle","style_name":"cartoon","grid_png_base64":"` +
		base64.StdEncoding.EncodeToString([]byte("png-bytes")) + `"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/generate-grid", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "standard-model", body["model"])
	assert.Equal(t, "image/png", body["mime_type"])
}

func TestGenerateGridMalformedBase64Is422(t *testing.T) {
	cfg := testConfig()
	s := newTestServer(t, cfg, &scriptedCapability{generate: successResponse})
	router := NewRouter(s)

	payload := `{"prompt":"a castle","style_name":"cartoon","grid_png_base64":"not-valid-base64!!!"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/generate-grid", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGenerateGridMissingPromptIsValidationFailure(t *testing.T) {
	cfg := testConfig()
	s := newTestServer(t, cfg, &scriptedCapability{generate: successResponse})
	router := NewRouter(s)

	payload := `{"style_name":"cartoon","grid_png_base64":"aGk="}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/generate-grid", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGenerateGridUpstreamRateLimitSetsRetryAfterHeader(t *testing.T) {
	cfg := testConfig()
	capability := &scriptedCapability{generate: func() (upstream.Response, error) {
		return upstream.Response{}, upstream.NewError(429, "resource exhausted")
	}}
	s := newTestServer(t, cfg, capability)
	router := NewRouter(s)

	payload := `{"prompt":"a castle","style_name":"cartoon","grid_png_base64":"` +
		base64.StdEncoding.EncodeToString([]byte("png-bytes")) + `"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/generate-grid", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	retryAfter := w.Header().Get("Retry-After")
	assert.NotEmpty(t, retryAfter)
}

func TestGenerateGridLocalRateLimitExhaustedIs429(t *testing.T) {
	cfg := testConfig()
	cfg.Limits[ratelimit.BucketStandard] = ratelimit.BucketConfig{Label: "standard", Limits: ratelimit.Limits{RPM: 1, RPD: 1}}
	cfg.Limits[ratelimit.BucketPremium] = ratelimit.BucketConfig{Label: "premium", Limits: ratelimit.Limits{RPM: 1, RPD: 1}}
	s := newTestServer(t, cfg, &scriptedCapability{generate: successResponse})
	router := NewRouter(s)

	payload := `{"prompt":"a castle","style_name":"cartoon","grid_png_base64":"` +
		base64.StdEncoding.EncodeToString([]byte("png-bytes")) + `"}`

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/generate-grid", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/generate-grid", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	cfg := testConfig()
	s := newTestServer(t, cfg, &scriptedCapability{generate: successResponse})
	router := NewRouter(s)

	// The request counter gains its first series only once a request has
	// completed, so serve one before scraping.
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gateway_http_requests_total")
}
