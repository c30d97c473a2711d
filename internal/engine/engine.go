package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"imagine/internal/domain"
)

// Response is the normalized outcome of a submit, poll, or webhook delivery.
// Engines only return outcome data; the orchestrator applies it to the job.
type Response struct {
	// ID is the provider-side correlation id, empty for synchronous engines.
	ID         string
	Status     domain.Status
	Percentage int
	ResultURLs []string
	Err        string
	// Meta is merged into the job's metadata bag by the orchestrator.
	Meta map[string]any
}

// Engine is the uniform contract to a generation backend, implemented once
// per provider family.
type Engine interface {
	Kind() domain.EngineKind
	// Price is the coin cost of one generation on this engine.
	Price() float64
	SupportedAspectRatios() map[string]struct{}
	// Validate checks parameter legality without side effects.
	Validate(params domain.ImagineParams) (bool, string)
	// Submit issues the generation request. Synchronous engines return a
	// terminal Response; push/poll engines return a pending acknowledgment
	// carrying correlation data.
	Submit(ctx context.Context, item *domain.Imagination) (*Response, error)
	// Poll re-fetches current status using previously stored correlation data.
	Poll(ctx context.Context, meta map[string]any) (*Response, error)
	// NormalizeStatus maps provider vocabulary onto the canonical status
	// model. Unknown values normalize to error.
	NormalizeStatus(providerStatus string) domain.Status
	// DecodeWebhook maps an inbound webhook payload to a normalized Response.
	DecodeWebhook(payload []byte) (*Response, error)
}

// Registry is an immutable mapping from engine kind to adapter instance,
// constructed once at process start. Adapters hold no per-job state.
type Registry struct {
	engines map[domain.EngineKind]Engine
}

// NewRegistry builds a registry from the given engines.
func NewRegistry(engines ...Engine) *Registry {
	m := make(map[domain.EngineKind]Engine, len(engines))
	for _, e := range engines {
		m[e.Kind()] = e
	}
	return &Registry{engines: m}
}

// Get resolves an engine by kind.
func (r *Registry) Get(kind domain.EngineKind) (Engine, error) {
	e, ok := r.engines[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedEngine, kind)
	}
	return e, nil
}

// Kinds lists registered engine kinds in stable order.
func (r *Registry) Kinds() []domain.EngineKind {
	kinds := make([]domain.EngineKind, 0, len(r.engines))
	for k := range r.engines {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// validateAspectRatio is the shared parameter check used by every engine.
func validateAspectRatio(ratios map[string]struct{}, params domain.ImagineParams) (bool, string) {
	if _, ok := ratios[params.AspectRatio]; !ok {
		return false, fmt.Sprintf("aspect_ratio must be one of %s", joinRatios(ratios))
	}
	return true, ""
}

func joinRatios(ratios map[string]struct{}) string {
	list := make([]string, 0, len(ratios))
	for r := range ratios {
		list = append(list, r)
	}
	sort.Strings(list)
	return strings.Join(list, ", ")
}

// percentage tolerates the provider formats seen in the wild: numbers,
// "90%"-style strings, and null. Values are clamped to [-1, 100].
type percentage int

func (p *percentage) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*p = -1
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		n, err := strconv.Atoi(s)
		if err != nil {
			*p = -1
			return nil
		}
		*p = percentage(domain.ClampPercentage(n))
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*p = percentage(domain.ClampPercentage(int(f)))
	return nil
}

// metaFromJSON decodes a raw provider payload into a metadata bag so the
// orchestrator can merge it onto the job.
func metaFromJSON(raw []byte) map[string]any {
	meta := map[string]any{}
	_ = json.Unmarshal(raw, &meta)
	return meta
}
