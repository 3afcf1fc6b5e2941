package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// restClient is the concrete Capability this service ships with: a thin
// REST binding onto the two HTTP surfaces the upstream provider exposes
// (Gemini Developer API and Vertex AI's publisher-model endpoint). The SDK
// itself is out of scope per spec.md §1 ("a black-box capability... given
// model-id, prompt, and an image returns inline bytes or raises a
// classified error") — this client exists only so cmd/server has something
// real to construct; request/response shapes are translated from
// original_source/pyservice/main.py's google-genai usage into the plain
// REST payloads that SDK wraps.
type restClient struct {
	httpClient *http.Client
	baseURL    string // everything up to "/models/{model}:generateContent"
	query      string // "?key=..." for developer flavor, "" for project flavor (bearer auth)
	authHeader string // "Bearer <token>", empty for developer flavor
}

// NewDeveloperClient builds a Capability bound to one Gemini Developer API
// key, per spec.md §4.3's per-(key, backend) construction contract.
func NewDeveloperClient(apiKey string, timeoutMs int) Capability {
	return &restClient{
		httpClient: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		baseURL:    "https://generativelanguage.googleapis.com/v1beta/models",
		query:      "?key=" + apiKey,
	}
}

// NewProjectClient builds a Capability bound to one Vertex AI project and
// location, authenticated with a bearer token sourced by the caller (ADC
// token exchange is itself part of the out-of-scope SDK; cmd/server
// resolves one token per construction and hands it here).
func NewProjectClient(project, location, accessToken string, timeoutMs int) Capability {
	return &restClient{
		httpClient: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		baseURL: fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models",
			location, project, location),
		authHeader: "Bearer " + accessToken,
	}
}

type restPart struct {
	Text       string         `json:"text,omitempty"`
	InlineData *restInlineBlob `json:"inlineData,omitempty"`
}

type restInlineBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type restContent struct {
	Role  string     `json:"role"`
	Parts []restPart `json:"parts"`
}

type restSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type restImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type restGenerationConfig struct {
	Temperature        float64          `json:"temperature"`
	TopP               float64          `json:"topP"`
	MaxOutputTokens    int              `json:"maxOutputTokens"`
	ResponseModalities []string         `json:"responseModalities,omitempty"`
	ImageConfig        *restImageConfig `json:"imageConfig,omitempty"`
}

type restRequestBody struct {
	Contents         []restContent       `json:"contents"`
	GenerationConfig restGenerationConfig `json:"generationConfig"`
	SafetySettings   []restSafetySetting  `json:"safetySettings,omitempty"`
}

type restResponseBody struct {
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Candidates []struct {
		FinishReason string `json:"finishReason"`
		Content      struct {
			Parts []struct {
				Text       string           `json:"text"`
				InlineData *restInlineBlob  `json:"inlineData"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type restErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *restClient) Generate(ctx context.Context, req GenerateRequest) (Response, error) {
	body := restRequestBody{
		GenerationConfig: restGenerationConfig{
			Temperature:        req.Config.Temperature,
			TopP:               req.Config.TopP,
			MaxOutputTokens:    req.Config.MaxOutputTokens,
			ResponseModalities: req.Config.ResponseModalities,
		},
	}
	if req.Config.Image.AspectRatio != "" || req.Config.Image.ImageSize != "" {
		body.GenerationConfig.ImageConfig = &restImageConfig{
			AspectRatio: req.Config.Image.AspectRatio,
			ImageSize:   req.Config.Image.ImageSize,
		}
	}
	for _, category := range req.Config.SafetyOff {
		body.SafetySettings = append(body.SafetySettings, restSafetySetting{Category: category, Threshold: "BLOCK_NONE"})
	}

	parts := make([]restPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		if p.ImageData != nil {
			parts = append(parts, restPart{InlineData: &restInlineBlob{
				MimeType: p.ImageMime,
				Data:     base64.StdEncoding.EncodeToString(p.ImageData),
			}})
			continue
		}
		parts = append(parts, restPart{Text: p.Text})
	}
	body.Contents = []restContent{{Role: "user", Parts: parts}}

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("marshal generate request: %w", err)
	}

	url := fmt.Sprintf("%s/%s:generateContent%s", c.baseURL, req.Model, c.query)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authHeader != "" {
		httpReq.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, NewError(0, "upstream request failed: "+err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, NewError(0, "read upstream response: "+err.Error())
	}

	if resp.StatusCode >= 400 {
		var errBody restErrorBody
		message := string(raw)
		if json.Unmarshal(raw, &errBody) == nil && errBody.Error.Message != "" {
			message = errBody.Error.Message
		}
		return Response{}, NewError(resp.StatusCode, message)
	}

	var parsed restResponseBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("unmarshal upstream response: %w", err)
	}

	out := Response{}
	if parsed.PromptFeedback != nil {
		out.BlockReason = parsed.PromptFeedback.BlockReason
	}
	for _, cand := range parsed.Candidates {
		candidate := Candidate{FinishReason: cand.FinishReason}
		for _, part := range cand.Content.Parts {
			rp := ResponsePart{Text: part.Text}
			if part.InlineData != nil {
				decoded, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err == nil {
					rp.InlineData = decoded
				} else {
					rp.InlineDataText = part.InlineData.Data
				}
				rp.InlineMime = part.InlineData.MimeType
			}
			candidate.Parts = append(candidate.Parts, rp)
		}
		out.Candidates = append(out.Candidates, candidate)
	}
	return out, nil
}
