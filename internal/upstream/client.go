// Package upstream wraps the black-box multimodal generation capability
// the gateway mediates. The SDK itself (request transport, provider-specific
// payload shapes) is out of scope per spec.md §1 — Capability is the
// abstract contract this service programs against: given a model id, a
// prompt, and an image, it returns inline bytes plus a mime type, or raises
// a classified error.
package upstream

import "context"

// Flavor distinguishes the two ways the upstream capability can be reached.
// Recovered from original_source/pyservice/main.py's resolve_api_key_backend:
// a Gemini Developer API key starts with "AIza"; anything else (including
// ADC/project auth) is the project-scoped (Vertex) flavor.
type Flavor string

const (
	FlavorDeveloper Flavor = "developer"
	FlavorProject   Flavor = "project"
)

const developerKeyPrefix = "AIza"

// ResolveFlavor infers the backend flavor from a secret key's shape.
func ResolveFlavor(key string) Flavor {
	if len(key) >= len(developerKeyPrefix) && key[:len(developerKeyPrefix)] == developerKeyPrefix {
		return FlavorDeveloper
	}
	return FlavorProject
}

// Part is one piece of multimodal request content: either text or inline
// image bytes with a mime type.
type Part struct {
	Text      string
	ImageData []byte
	ImageMime string
}

// TextPart builds a text Part.
func TextPart(text string) Part { return Part{Text: text} }

// ImagePart builds an inline-image Part.
func ImagePart(data []byte, mime string) Part { return Part{ImageData: data, ImageMime: mime} }

// ImageConfig carries the image-shaping parameters. ImageSize/OutputMime
// are left zero for the developer-API flavor, which rejects them — see
// original_source/pyservice/main.py:build_generate_config.
type ImageConfig struct {
	AspectRatio string
	ImageSize   string
	OutputMime  string
}

// GenerateConfig mirrors the composed request configuration described in
// spec.md §4.5 and recovered concretely from
// original_source/pyservice/main.py:build_generate_config.
type GenerateConfig struct {
	Temperature        float64
	TopP               float64
	MaxOutputTokens    int
	ResponseModalities []string
	SafetyOff          []string
	Image              ImageConfig
}

// Candidate is one generation result candidate, matching the abstract shape
// walked by the image-extraction algorithm in spec.md §4.5.
type Candidate struct {
	FinishReason string
	Parts        []ResponsePart
}

// ResponsePart is one part of a candidate's content.
type ResponsePart struct {
	Text           string
	InlineData     []byte
	InlineDataText string // base64 text form, when the SDK returns it as text rather than raw bytes
	InlineMime     string
}

// Response is the abstract shape of an upstream generation response.
type Response struct {
	BlockReason string
	Text        string
	Candidates  []Candidate
}

// GenerateRequest is one call to the upstream capability.
type GenerateRequest struct {
	Model  string
	Parts  []Part
	Config GenerateConfig
}

// Capability is the black-box upstream contract. Implementations classify
// their own failures into *Error (see errors.go) before returning.
type Capability interface {
	Generate(ctx context.Context, req GenerateRequest) (Response, error)
}
