package tokens

import (
	"fmt"
	"strings"
)

// builtinWindows maps model ids (vendor prefix stripped) to context window
// sizes in tokens. Operators override or extend it with
// tokens.context_windows.
var builtinWindows = map[string]int{
	"gpt-4o":               128_000,
	"gpt-4o-mini":          128_000,
	"gpt-4-turbo":          128_000,
	"gpt-4-1106-preview":   128_000,
	"gpt-4-0125-preview":   128_000,
	"gpt-4":                8_192,
	"gpt-4-0613":           8_192,
	"gpt-4-32k":            32_768,
	"gpt-3.5-turbo":        16_385,
	"gpt-3.5-turbo-16k":    16_385,
	"o1":                   200_000,
	"o1-mini":              128_000,
	"o3-mini":              200_000,
	"deepseek-chat":        64_000,
	"mistral-large-latest": 128_000,
	"llama-3.1-70b":        128_000,
}

// Windows resolves a model's context window.
type Windows struct {
	overrides map[string]int
	fallback  int
}

// NewWindows builds a resolver. A fallback of zero makes unknown models
// an error.
func NewWindows(overrides map[string]int, fallback int) *Windows {
	clean := make(map[string]int, len(overrides))
	for model, size := range overrides {
		if size > 0 {
			clean[strings.TrimSpace(model)] = size
		}
	}
	return &Windows{overrides: clean, fallback: fallback}
}

func (w *Windows) ContextWindow(model string) (int, error) {
	if w != nil {
		if size, ok := w.overrides[strings.TrimSpace(model)]; ok {
			return size, nil
		}
		if size, ok := w.overrides[NormalizeModel(model)]; ok {
			return size, nil
		}
	}
	if size, ok := builtinWindows[NormalizeModel(model)]; ok {
		return size, nil
	}
	if w != nil && w.fallback > 0 {
		return w.fallback, nil
	}
	return 0, fmt.Errorf("%w %q: no context window known", ErrUnknownModel, model)
}

// Thresholds holds per-model usage high-water marks.
type Thresholds struct {
	perModel map[string]int
	fallback int
}

func NewThresholds(perModel map[string]int, fallback int) Thresholds {
	clean := make(map[string]int, len(perModel))
	for model, limit := range perModel {
		clean[NormalizeModel(model)] = limit
	}
	return Thresholds{perModel: clean, fallback: fallback}
}

// For returns the high-water mark for model; zero disables the warning.
func (t Thresholds) For(model string) int {
	if limit, ok := t.perModel[NormalizeModel(model)]; ok {
		return limit
	}
	return t.fallback
}
