// Package config loads every environment-sourced setting into one
// immutable Config value at startup, following cmd/web/main.go's initConfig
// pattern (a viper.Viper instance, AutomaticEnv-backed, explicit BindEnv
// calls, defaults via SetDefault) generalized from that file's YAML/env
// hybrid to spec.md §6's pure-env variable list. Every component receives
// the already-loaded Config explicitly instead of reading these variables
// itself; cmd/server reads a few process-level variables (LOG_LEVEL,
// ENVIRONMENT, GOOGLE_ACCESS_TOKEN) directly.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/ocx/nanobanana-gateway/internal/ratelimit"
)

// AuthMode is the configured (not yet resolved) authentication mode.
type AuthMode string

const (
	AuthModeAuto    AuthMode = "auto"
	AuthModeProject AuthMode = "project"
	AuthModeAPIKey  AuthMode = "api_key"
)

// KeyProfile selects which override pool env var is consulted first.
type KeyProfile string

const (
	KeyProfileDeveloper KeyProfile = "developer"
	KeyProfileAIStudio  KeyProfile = "aistudio"
)

// BackendHint is an operator override for the flavor heuristic.
type BackendHint string

const (
	BackendAuto      BackendHint = "auto"
	BackendProject   BackendHint = "project"
	BackendDeveloper BackendHint = "developer"
)

// Defaults matching original_source/pyservice/main.py's module constants.
const (
	DefaultLocation          = "us-central1"
	DefaultStandardModel     = "gemini-2.5-flash-image"
	DefaultPremiumModel      = "gemini-2.5-pro-image"
	DefaultHTTPTimeoutMs     = 105_000
	DefaultRetryAfterSeconds = 30
	DefaultImageSize         = "1K"
	DefaultAspectRatio       = "1:1"
	DefaultOutputMimeType    = "image/png"
	DefaultMaxOutputTokens   = 4096
	DefaultAuthMode          = AuthModeAuto
	DefaultKeyProfile        = KeyProfileDeveloper
	DefaultBackendHint       = BackendAuto
	DefaultPollMs     = 2000
	DefaultStatePath  = "data/ratelimit.json"
	DefaultServerPort = 8080
)

// Built-in rate-limit defaults used when RATE_LIMIT_DEFAULTS is unset or
// malformed — spec.md §6.
var (
	builtinStandardLimits = ratelimit.Limits{RPM: 500, RPD: 2000}
	builtinPremiumLimits  = ratelimit.Limits{RPM: 20, RPD: 250}
)

// Config is the fully resolved, immutable configuration for every
// component. Construct with Load; never mutate after construction.
type Config struct {
	ServerPort int

	VertexProject  string
	VertexLocation string
	AuthMode       AuthMode

	KeyProfile  KeyProfile
	BackendHint BackendHint
	APIKeyPool  []string // resolved pool for the active profile, first-seen-deduped

	StandardModelID string
	PremiumModelID  string
	ModelFallbacks  []string

	HTTPTimeoutMs     int
	RetryAfterSeconds int
	MaxOutputTokens   int

	ResponseModalities []string
	ImageSize          string
	AspectRatio        string
	OutputMimeType     string

	RateLimitEnabled bool
	PollMs           int
	StatePath        string
	Limits           map[ratelimit.Bucket]ratelimit.BucketConfig

	rateLimitDefaultsWarning string
}

// Load builds a Config from environment variables bound onto v. Callers
// typically pass viper.New() with AutomaticEnv already set; Load performs
// every BindEnv call itself so the variable-name contract lives in one
// place.
func Load(v *viper.Viper) (*Config, error) {
	v.SetDefault("server_port", DefaultServerPort)
	v.SetDefault("vertex_location", DefaultLocation)
	v.SetDefault("vertex_model", DefaultStandardModel)
	v.SetDefault("vertex_premium_model", DefaultPremiumModel)
	v.SetDefault("vertex_http_timeout_ms", DefaultHTTPTimeoutMs)
	v.SetDefault("vertex_retry_after_seconds", DefaultRetryAfterSeconds)
	v.SetDefault("vertex_max_output_tokens", DefaultMaxOutputTokens)
	v.SetDefault("vertex_response_modalities", "IMAGE")
	v.SetDefault("vertex_image_size", DefaultImageSize)
	v.SetDefault("vertex_aspect_ratio", DefaultAspectRatio)
	v.SetDefault("vertex_output_mime_type", DefaultOutputMimeType)
	v.SetDefault("vertex_auth_mode", string(DefaultAuthMode))
	v.SetDefault("google_api_key_profile", string(DefaultKeyProfile))
	v.SetDefault("google_cloud_api_key_backend", string(DefaultBackendHint))
	v.SetDefault("rate_limit_enabled", false)
	v.SetDefault("rate_limit_poll_ms", DefaultPollMs)
	v.SetDefault("rate_limit_state_path", DefaultStatePath)

	for _, name := range []string{
		"server_port",
		"vertex_project_id", "google_cloud_project", "gcloud_project",
		"vertex_location", "vertex_model", "vertex_premium_model",
		"vertex_model_fallbacks", "vertex_http_timeout_ms",
		"vertex_retry_after_seconds", "vertex_max_output_tokens",
		"vertex_response_modalities", "vertex_image_size",
		"vertex_aspect_ratio", "vertex_output_mime_type", "vertex_auth_mode",
		"google_api_key_profile", "google_cloud_api_key",
		"google_cloud_api_key_gemini", "google_cloud_api_key_aistudio",
		"google_cloud_api_key_backend",
		"rate_limit_enabled", "rate_limit_poll_ms", "rate_limit_state_path",
		"rate_limit_defaults",
	} {
		if err := v.BindEnv(name, strings.ToUpper(name)); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", name, err)
		}
	}

	cfg := &Config{
		ServerPort: v.GetInt("server_port"),

		VertexProject:  firstNonEmpty(v.GetString("vertex_project_id"), v.GetString("google_cloud_project"), v.GetString("gcloud_project")),
		VertexLocation: v.GetString("vertex_location"),
		AuthMode:       parseAuthMode(v.GetString("vertex_auth_mode")),

		KeyProfile:  parseKeyProfile(v.GetString("google_api_key_profile")),
		BackendHint: parseBackendHint(v.GetString("google_cloud_api_key_backend")),

		StandardModelID: strings.TrimSpace(v.GetString("vertex_model")),
		PremiumModelID:  strings.TrimSpace(v.GetString("vertex_premium_model")),
		ModelFallbacks:  ratelimit.ParseKeyPool(v.GetString("vertex_model_fallbacks")),

		HTTPTimeoutMs:     positiveOrDefault(v.GetInt("vertex_http_timeout_ms"), DefaultHTTPTimeoutMs),
		RetryAfterSeconds: positiveOrDefault(v.GetInt("vertex_retry_after_seconds"), DefaultRetryAfterSeconds),
		MaxOutputTokens:   positiveOrDefault(v.GetInt("vertex_max_output_tokens"), DefaultMaxOutputTokens),

		ResponseModalities: parseModalities(v.GetString("vertex_response_modalities")),
		ImageSize:          parseImageSize(v.GetString("vertex_image_size")),
		AspectRatio:        firstNonEmpty(v.GetString("vertex_aspect_ratio"), DefaultAspectRatio),
		OutputMimeType:     parseOutputMime(v.GetString("vertex_output_mime_type")),

		RateLimitEnabled: v.GetBool("rate_limit_enabled"),
		PollMs:           pollMsOrDefault(v.GetInt("rate_limit_poll_ms")),
		StatePath:        resolveStatePath(v.GetString("rate_limit_state_path")),
	}

	cfg.APIKeyPool = resolveKeyPool(v, cfg.KeyProfile)
	cfg.Limits, cfg.rateLimitDefaultsWarning = parseLimits(v.GetString("rate_limit_defaults"))

	return cfg, nil
}

// Warnings returns non-fatal configuration issues (malformed
// RATE_LIMIT_DEFAULTS, etc.) recovered with a built-in fallback, for the
// caller to log at startup.
func (c *Config) Warnings() []string {
	if c.rateLimitDefaultsWarning == "" {
		return nil
	}
	return []string{c.rateLimitDefaultsWarning}
}

func resolveStatePath(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DefaultStatePath
	}
	if filepath.IsAbs(raw) {
		return raw
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return raw
	}
	return abs
}

func resolveKeyPool(v *viper.Viper, profile KeyProfile) []string {
	var override string
	switch profile {
	case KeyProfileDeveloper:
		override = v.GetString("google_cloud_api_key_gemini")
	case KeyProfileAIStudio:
		override = v.GetString("google_cloud_api_key_aistudio")
	}
	base := v.GetString("google_cloud_api_key")

	ordered := ratelimit.ParseKeyPool(override)
	seen := make(map[string]struct{}, len(ordered))
	for _, k := range ordered {
		seen[k] = struct{}{}
	}
	for _, k := range ratelimit.ParseKeyPool(base) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		ordered = append(ordered, k)
	}
	return ordered
}

func parseAuthMode(raw string) AuthMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeProject):
		return AuthModeProject
	case string(AuthModeAPIKey):
		return AuthModeAPIKey
	default:
		return AuthModeAuto
	}
}

func parseKeyProfile(raw string) KeyProfile {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(KeyProfileAIStudio):
		return KeyProfileAIStudio
	default:
		return KeyProfileDeveloper
	}
}

func parseBackendHint(raw string) BackendHint {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(BackendProject):
		return BackendProject
	case string(BackendDeveloper):
		return BackendDeveloper
	default:
		return BackendAuto
	}
}

func parseModalities(raw string) []string {
	values := ratelimit.ParseKeyPool(strings.ReplaceAll(raw, ",", "\n"))
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{})
	for _, v := range values {
		u := strings.ToUpper(v)
		if _, ok := seen[u]; ok || u == "" {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	if len(out) == 0 {
		return []string{"IMAGE"}
	}
	return out
}

func parseImageSize(raw string) string {
	v := strings.ToUpper(strings.TrimSpace(raw))
	switch v {
	case "1K", "2K", "4K":
		return v
	default:
		return DefaultImageSize
	}
}

func parseOutputMime(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "image/png", "image/jpeg":
		return v
	default:
		return DefaultOutputMimeType
	}
}

func pollMsOrDefault(v int) int {
	if v < 500 {
		return DefaultPollMs
	}
	return v
}

func positiveOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type rawLimits struct {
	RPM int `json:"rpm"`
	RPD int `json:"rpd"`
}

func parseLimits(raw string) (map[ratelimit.Bucket]ratelimit.BucketConfig, string) {
	out := map[ratelimit.Bucket]ratelimit.BucketConfig{
		ratelimit.BucketStandard: {Label: "standard", Limits: builtinStandardLimits},
		ratelimit.BucketPremium:  {Label: "premium", Limits: builtinPremiumLimits},
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, ""
	}

	var parsed map[string]rawLimits
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return out, fmt.Sprintf("RATE_LIMIT_DEFAULTS malformed, falling back to built-in limits: %v", err)
	}
	if v, ok := parsed["standard"]; ok {
		out[ratelimit.BucketStandard] = ratelimit.BucketConfig{Label: "standard", Limits: ratelimit.Limits{RPM: v.RPM, RPD: v.RPD}}
	}
	if v, ok := parsed["premium"]; ok {
		out[ratelimit.BucketPremium] = ratelimit.BucketConfig{Label: "premium", Limits: ratelimit.Limits{RPM: v.RPM, RPD: v.RPD}}
	}
	return out, ""
}

// EffectiveAuthMode resolves AuthModeAuto against what's actually
// configured, preferring project mode when a project id is present (so
// explicit Vertex project quotas apply), then api_key, then "none".
// Recovered from original_source/pyservice/main.py:get_effective_auth_mode.
func (c *Config) EffectiveAuthMode() string {
	if c.AuthMode != AuthModeAuto {
		return string(c.AuthMode)
	}
	if c.VertexProject != "" {
		return string(AuthModeProject)
	}
	if len(c.APIKeyPool) > 0 {
		return string(AuthModeAPIKey)
	}
	return "none"
}

// EffectiveBackend resolves the backend flavor actually in play: project
// mode whenever the effective auth mode isn't api_key, otherwise the
// per-key heuristic (or operator override). Recovered from
// original_source/pyservice/main.py:get_effective_api_backend.
func (c *Config) EffectiveBackend() string {
	if c.EffectiveAuthMode() != string(AuthModeAPIKey) || len(c.APIKeyPool) == 0 {
		return string(BackendProject)
	}
	if c.BackendHint == BackendProject || c.BackendHint == BackendDeveloper {
		return string(c.BackendHint)
	}
	return string(resolveKeyBackend(c.APIKeyPool[0]))
}

func resolveKeyBackend(key string) BackendHint {
	const developerPrefix = "AIza"
	if len(key) >= len(developerPrefix) && key[:len(developerPrefix)] == developerPrefix {
		return BackendDeveloper
	}
	return BackendProject
}

// RateLimitActive reports whether the scheduler should consult the ledger
// at all — spec.md §6: enabled AND effective auth is api_key AND profile
// is developer AND the key pool is non-empty.
func (c *Config) RateLimitActive() bool {
	return c.RateLimitEnabled &&
		c.EffectiveAuthMode() == string(AuthModeAPIKey) &&
		c.KeyProfile == KeyProfileDeveloper &&
		len(c.APIKeyPool) > 0
}
