package pipeline

import (
	"encoding/base64"
	"strings"

	"github.com/ocx/nanobanana-gateway/internal/apierr"
	"github.com/ocx/nanobanana-gateway/internal/upstream"
)

// blockedFinishReasons are the candidate-level finish reasons that
// terminate extraction with a safety-blocked error, per spec.md §4.5.
var blockedFinishReasons = map[string]struct{}{
	"SAFETY":             {},
	"PROHIBITED_CONTENT": {},
	"BLOCKLIST":          {},
}

// extractImage walks resp honoring the prompt-level block reason and
// candidate-level block finish reasons, and returns the first inline-data
// part found. Mirrors
// original_source/pyservice/main.py:extract_image_bytes_from_response.
func extractImage(resp upstream.Response) ([]byte, string, *apierr.Error) {
	if resp.BlockReason != "" {
		return nil, "", apierr.New(apierr.CodeSafetyBlocked, "prompt blocked by safety filter: "+resp.BlockReason)
	}

	var collectedText []string
	if resp.Text != "" {
		collectedText = append(collectedText, resp.Text)
	}

	for _, candidate := range resp.Candidates {
		if _, blocked := blockedFinishReasons[candidate.FinishReason]; blocked {
			return nil, "", apierr.New(apierr.CodeSafetyBlocked, "generation blocked: "+candidate.FinishReason)
		}
		for _, part := range candidate.Parts {
			if part.Text != "" {
				collectedText = append(collectedText, part.Text)
			}
			if len(part.InlineData) == 0 && part.InlineDataText == "" {
				continue
			}
			imageBytes := part.InlineData
			if len(imageBytes) == 0 {
				decoded, err := base64.StdEncoding.DecodeString(part.InlineDataText)
				if err != nil {
					continue
				}
				imageBytes = decoded
			}
			mime := part.InlineMime
			if mime == "" {
				mime = "image/png"
			}
			return imageBytes, mime, nil
		}
	}

	warning := ""
	if len(collectedText) > 0 {
		joined := strings.Join(collectedText, "")
		if len(joined) > 500 {
			joined = joined[:500]
		}
		warning = joined
	}
	return nil, "", apierr.New(apierr.CodeUpstreamNoImage, "model response completed without image data").
		WithInfo("text_preview", warning)
}
