package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"imagine/internal/domain"
	"imagine/internal/infra"
)

// ReplicateOptions configures the predictions API client shared by every
// Replicate-hosted model.
type ReplicateOptions struct {
	BaseURL     string
	Token       string
	WebhookBase string
	BasePrice   float64
	HTTPClient  *http.Client
	Logger      *infra.Logger
}

// Replicate is a push/poll engine over the predictions API. One instance per
// hosted model; all instances share the normalization and transport logic.
type Replicate struct {
	kind       domain.EngineKind
	model      string
	ratios     map[string]struct{}
	priceMult  float64
	baseURL    string
	token      string
	webhook    string
	basePrice  float64
	httpClient *http.Client
	logger     *infra.Logger
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
	Model  string          `json:"model"`
}

// NewReplicateEngines constructs the full family of Replicate-hosted models.
func NewReplicateEngines(opts ReplicateOptions) []Engine {
	variants := []struct {
		kind      domain.EngineKind
		model     string
		priceMult float64
		ratios    map[string]struct{}
	}{
		{domain.EngineIdeogram, "ideogram-ai/ideogram-v2-turbo", 2,
			ratioSet("1:1", "16:9", "9:16", "4:3", "3:4", "3:2", "2:3", "16:10", "10:16", "3:1", "1:3")},
		{domain.EngineFluxSchnell, "black-forest-labs/flux-schnell", 1,
			ratioSet("1:1", "16:9", "21:9", "3:2", "2:3", "4:5", "5:4", "3:4", "4:3", "9:16", "9:21")},
		{domain.EngineFlux11, "black-forest-labs/flux-1.1-pro", 2,
			ratioSet("1:1", "16:9", "21:9", "3:2", "2:3", "4:5", "5:4", "3:4", "4:3", "9:16", "9:21")},
		{domain.EnginePhoton, "luma/photon", 2,
			ratioSet("1:1", "16:9", "21:9", "4:3", "3:4", "9:16", "9:21")},
		{domain.EnginePhotonFlash, "luma/photon-flash", 1,
			ratioSet("1:1", "16:9", "21:9", "4:3", "3:4", "9:16", "9:21")},
		{domain.EngineStableDiffusion, "stability-ai/stable-diffusion-3", 1,
			ratioSet("1:1", "16:9", "21:9", "3:2", "2:3", "4:5", "5:4", "3:4", "4:3", "9:16", "9:21")},
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.replicate.com"
	}

	engines := make([]Engine, 0, len(variants))
	for _, v := range variants {
		engines = append(engines, &Replicate{
			kind:       v.kind,
			model:      v.model,
			ratios:     v.ratios,
			priceMult:  v.priceMult,
			baseURL:    baseURL,
			token:      opts.Token,
			webhook:    strings.TrimSuffix(opts.WebhookBase, "/"),
			basePrice:  opts.BasePrice,
			httpClient: httpClient,
			logger:     opts.Logger,
		})
	}
	return engines
}

func (r *Replicate) Kind() domain.EngineKind { return r.kind }

func (r *Replicate) Price() float64 { return r.basePrice * r.priceMult }

func (r *Replicate) SupportedAspectRatios() map[string]struct{} { return r.ratios }

func (r *Replicate) Validate(params domain.ImagineParams) (bool, string) {
	return validateAspectRatio(r.ratios, params)
}

func (r *Replicate) NormalizeStatus(providerStatus string) domain.Status {
	switch providerStatus {
	case "starting":
		return domain.StatusInit
	case "processing":
		return domain.StatusProcessing
	case "succeeded":
		return domain.StatusCompleted
	case "canceled":
		return domain.StatusCancelled
	default:
		return domain.StatusError
	}
}

// Submit creates a prediction with a webhook subscription for start and
// completion events.
func (r *Replicate) Submit(ctx context.Context, item *domain.Imagination) (*Response, error) {
	body := map[string]any{
		"input": map[string]any{
			"prompt":       item.Params.Prompt,
			"aspect_ratio": item.Params.AspectRatio,
		},
	}
	if r.webhook != "" {
		body["webhook"] = fmt.Sprintf("%s/v1/imaginations/%s/webhook", r.webhook, item.ID)
		body["webhook_events_filter"] = []string{"start", "completed"}
	}

	url := fmt.Sprintf("%s/v1/models/%s/predictions", r.baseURL, r.model)
	raw, err := r.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	return r.predictionToResponse(raw)
}

// Poll re-fetches the prediction using the id stored at submit time.
func (r *Replicate) Poll(ctx context.Context, meta map[string]any) (*Response, error) {
	id, _ := meta["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("%w: replicate: no prediction id in metadata", domain.ErrProviderFailure)
	}
	raw, err := r.do(ctx, http.MethodGet, r.baseURL+"/v1/predictions/"+id, nil)
	if err != nil {
		return nil, err
	}
	return r.predictionToResponse(raw)
}

// DecodeWebhook maps the webhook payload, which is the prediction object.
func (r *Replicate) DecodeWebhook(payload []byte) (*Response, error) {
	return r.predictionToResponse(payload)
}

func (r *Replicate) predictionToResponse(raw []byte) (*Response, error) {
	var pred prediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		return nil, fmt.Errorf("%w: replicate: decode prediction: %v", domain.ErrProviderFailure, err)
	}

	resp := &Response{
		ID:         pred.ID,
		Status:     r.NormalizeStatus(pred.Status),
		Percentage: -1,
		Err:        pred.Error,
		Meta:       metaFromJSON(raw),
	}
	if pred.ID != "" {
		resp.Meta["id"] = pred.ID
	}
	resp.ResultURLs = decodeOutput(pred.Output)
	if resp.Status == domain.StatusCompleted {
		resp.Percentage = 100
	}
	return resp, nil
}

// decodeOutput tolerates the two shapes the predictions API uses: a single
// URL string or a list of URLs.
func decodeOutput(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil
		}
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func (r *Replicate) do(ctx context.Context, method, url string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("replicate: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("replicate: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Content-Type", "application/json")

	res, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: replicate: %v", domain.ErrProviderFailure, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: replicate: read response: %v", domain.ErrProviderFailure, err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		if r.logger != nil {
			r.logger.Error().Int("status", res.StatusCode).Str("model", r.model).Msg("replicate: request failed")
		}
		return nil, fmt.Errorf("%w: replicate: status %d: %s", domain.ErrProviderFailure, res.StatusCode, truncate(raw, 256))
	}
	return raw, nil
}

var _ Engine = (*Replicate)(nil)
