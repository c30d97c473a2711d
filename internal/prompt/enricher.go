package prompt

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Enricher rewrites a raw user prompt before it is handed to an engine.
// Both calls block only the job being preprocessed.
type Enricher interface {
	// Translate renders the prompt in the language engines expect.
	Translate(ctx context.Context, text string) (string, error)
	// Enhance expands a short idea into a richer image prompt.
	Enhance(ctx context.Context, text string) (string, error)
}

// StaticEnricher is the deterministic fallback used when no AI prompt
// provider is configured.
type StaticEnricher struct{}

// NewStaticEnricher constructs the fallback enricher.
func NewStaticEnricher() *StaticEnricher {
	return &StaticEnricher{}
}

// Translate trims the prompt and leaves the content untouched.
func (s *StaticEnricher) Translate(ctx context.Context, text string) (string, error) {
	return strings.TrimSpace(text), nil
}

// Enhance title-cases the idea and appends a fixed quality suffix.
func (s *StaticEnricher) Enhance(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	c := cases.Title(language.Und)
	return c.String(text) + ", highly detailed, professional photography, sharp focus", nil
}

var _ Enricher = (*StaticEnricher)(nil)
