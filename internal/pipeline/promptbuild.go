package pipeline

import (
	"strings"

	"github.com/ocx/nanobanana-gateway/internal/upstream"
)

// promptInstruction prefixes every composed prompt. Empty in the original
// (original_source/pyservice/main.py's PROMPT_INSTRUCTION), preserved as an
// empty string here rather than invented copy.
const promptInstruction = ""

// buildPrompt composes the prompt text deterministically: instruction,
// style, prompt, and an optional negative-prompt line. Matches
// original_source/pyservice/main.py:build_prompt exactly.
func buildPrompt(prompt, styleName, negativePrompt string) string {
	var b strings.Builder
	b.WriteString(promptInstruction)
	b.WriteString("\n\nStyle: ")
	b.WriteString(styleName)
	b.WriteString("\nAdditional context: ")
	b.WriteString(prompt)
	if negativePrompt != "" {
		b.WriteString("\nNegative prompt: ")
		b.WriteString(negativePrompt)
	}
	return b.String()
}

// candidateModels composes the ordered, deduped candidate list: preferred,
// then the configured standard model, then each configured fallback in
// order. Per spec.md §4.5 step 2.
func candidateModels(preferred, standard string, fallbacks []string) []string {
	ordered := make([]string, 0, 2+len(fallbacks))
	seen := make(map[string]struct{})
	for _, m := range append([]string{preferred, standard}, fallbacks...) {
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		ordered = append(ordered, m)
	}
	return ordered
}

// buildGenerateConfig composes the upstream request configuration. Field
// values recovered verbatim from
// original_source/pyservice/main.py:build_generate_config: image_size and
// output_mime_type are omitted for the developer-API flavor, which rejects
// them.
func buildGenerateConfig(backend upstream.Flavor, imageSize, aspectRatio, outputMime string, maxOutputTokens int, modalities []string) upstream.GenerateConfig {
	image := upstream.ImageConfig{AspectRatio: aspectRatio}
	if backend != upstream.FlavorDeveloper {
		image.ImageSize = imageSize
		image.OutputMime = outputMime
	}
	return upstream.GenerateConfig{
		Temperature:        1,
		TopP:               0.95,
		MaxOutputTokens:    maxOutputTokens,
		ResponseModalities: modalities,
		SafetyOff: []string{
			"HARM_CATEGORY_HATE_SPEECH",
			"HARM_CATEGORY_DANGEROUS_CONTENT",
			"HARM_CATEGORY_SEXUALLY_EXPLICIT",
			"HARM_CATEGORY_HARASSMENT",
		},
		Image: image,
	}
}
