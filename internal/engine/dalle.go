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

// DalleOptions configures the OpenAI-compatible images client.
type DalleOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	BasePrice  float64
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Dalle is a synchronous engine: Submit already returns a terminal status and
// no wait is registered for it.
type Dalle struct {
	apiKey     string
	baseURL    string
	model      string
	basePrice  float64
	httpClient *http.Client
	logger     *infra.Logger
}

type imagesResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		URL string `json:"url"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// dalleSizes maps aspect ratios onto the fixed sizes the images API accepts.
var dalleSizes = map[string]string{
	"1:1": "1024x1024",
	"7:4": "1792x1024",
	"4:7": "1024x1792",
}

// NewDalle constructs the engine with sane defaults.
func NewDalle(opts DalleOptions) *Dalle {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := opts.Model
	if model == "" {
		model = "dall-e-3"
	}
	return &Dalle{
		apiKey:     opts.APIKey,
		baseURL:    baseURL,
		model:      model,
		basePrice:  opts.BasePrice,
		httpClient: httpClient,
		logger:     opts.Logger,
	}
}

func (d *Dalle) Kind() domain.EngineKind { return domain.EngineDalle }

func (d *Dalle) Price() float64 { return d.basePrice * 2 }

func (d *Dalle) SupportedAspectRatios() map[string]struct{} {
	set := make(map[string]struct{}, len(dalleSizes))
	for r := range dalleSizes {
		set[r] = struct{}{}
	}
	return set
}

func (d *Dalle) Validate(params domain.ImagineParams) (bool, string) {
	return validateAspectRatio(d.SupportedAspectRatios(), params)
}

func (d *Dalle) NormalizeStatus(providerStatus string) domain.Status {
	switch providerStatus {
	case "completed":
		return domain.StatusCompleted
	default:
		return domain.StatusError
	}
}

// Submit calls the images API and returns a terminal response immediately.
func (d *Dalle) Submit(ctx context.Context, item *domain.Imagination) (*Response, error) {
	body := map[string]any{
		"model":  d.model,
		"prompt": item.Params.Prompt,
		"n":      1,
		"size":   dalleSizes[item.Params.AspectRatio],
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("dalle: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/images/generations", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("dalle: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: dalle: %v", domain.ErrProviderFailure, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: dalle: read response: %v", domain.ErrProviderFailure, err)
	}

	var images imagesResponse
	if err := json.Unmarshal(raw, &images); err != nil {
		return nil, fmt.Errorf("%w: dalle: decode response: %v", domain.ErrProviderFailure, err)
	}

	resp := &Response{Percentage: 100, Meta: map[string]any{}}
	if len(images.Data) > 0 {
		resp.Status = domain.StatusCompleted
		for _, item := range images.Data {
			if item.URL != "" {
				resp.ResultURLs = append(resp.ResultURLs, item.URL)
			}
		}
		resp.Meta["result"] = resp.ResultURLs
	} else {
		resp.Status = domain.StatusError
		resp.Err = "dalle: empty response"
		if images.Error != nil && images.Error.Message != "" {
			resp.Err = images.Error.Message
		}
		if res.StatusCode >= http.StatusBadRequest {
			if d.logger != nil {
				d.logger.Error().Int("status", res.StatusCode).Msg("dalle: request failed")
			}
			resp.Err = fmt.Sprintf("dalle: status %d: %s", res.StatusCode, resp.Err)
		}
	}
	return resp, nil
}

// Poll replays the outcome recorded at submit time; the images API keeps no
// retrievable task state.
func (d *Dalle) Poll(ctx context.Context, meta map[string]any) (*Response, error) {
	resp := &Response{Percentage: 100, Meta: map[string]any{}}
	urls := stringSlice(meta["result"])
	if len(urls) > 0 {
		resp.Status = domain.StatusCompleted
		resp.ResultURLs = urls
		return resp, nil
	}
	resp.Status = domain.StatusError
	resp.Err = "dalle: no recorded result"
	return resp, nil
}

// DecodeWebhook always fails: the images API never pushes callbacks.
func (d *Dalle) DecodeWebhook(payload []byte) (*Response, error) {
	return nil, fmt.Errorf("%w: dalle does not deliver webhooks", domain.ErrProviderFailure)
}

// stringSlice recovers a []string that round-tripped through JSON metadata.
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

var _ Engine = (*Dalle)(nil)
