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

// MidjourneyOptions configures the Midjourney task API client.
type MidjourneyOptions struct {
	BaseURL     string
	Token       string
	WebhookBase string
	BasePrice   float64
	HTTPClient  *http.Client
	Logger      *infra.Logger
}

// Midjourney is a push/poll engine: submit acknowledges with a task id, the
// terminal result arrives through the webhook callback or a later poll.
type Midjourney struct {
	baseURL     string
	token       string
	webhookBase string
	basePrice   float64
	httpClient  *http.Client
	logger      *infra.Logger
}

type midjourneyTask struct {
	UUID       string     `json:"uuid"`
	Status     string     `json:"status"`
	Percentage percentage `json:"percentage"`
	URI        string     `json:"uri"`
	Command    string     `json:"command"`
	Account    string     `json:"account"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error"`
	Result map[string]any `json:"result"`
}

// NewMidjourney constructs the engine with sane defaults.
func NewMidjourney(opts MidjourneyOptions) *Midjourney {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://mid.aision.io"
	}
	return &Midjourney{
		baseURL:     baseURL,
		token:       opts.Token,
		webhookBase: strings.TrimSuffix(opts.WebhookBase, "/"),
		basePrice:   opts.BasePrice,
		httpClient:  httpClient,
		logger:      opts.Logger,
	}
}

func (m *Midjourney) Kind() domain.EngineKind { return domain.EngineMidjourney }

func (m *Midjourney) Price() float64 { return m.basePrice * 10 }

func (m *Midjourney) SupportedAspectRatios() map[string]struct{} {
	return ratioSet(
		"1:1", "16:10", "10:16", "16:9", "9:16", "21:9", "9:21", "3:1", "1:3",
		"3:2", "2:3", "4:3", "3:4", "5:4", "4:5", "7:4", "4:7",
	)
}

func (m *Midjourney) Validate(params domain.ImagineParams) (bool, string) {
	return validateAspectRatio(m.SupportedAspectRatios(), params)
}

func (m *Midjourney) NormalizeStatus(providerStatus string) domain.Status {
	switch providerStatus {
	case "initialized":
		return domain.StatusInit
	case "queue":
		return domain.StatusQueued
	case "waiting":
		return domain.StatusWaiting
	case "running":
		return domain.StatusProcessing
	case "completed":
		return domain.StatusCompleted
	default:
		return domain.StatusError
	}
}

// Submit posts an imagine command. Non-square ratios are expressed through
// the prompt's --ar flag.
func (m *Midjourney) Submit(ctx context.Context, item *domain.Imagination) (*Response, error) {
	prompt := strings.Trim(item.Params.Prompt, ",. ")
	if item.Params.AspectRatio != "" && item.Params.AspectRatio != "1:1" {
		prompt += " --ar " + item.Params.AspectRatio
	}

	body := map[string]any{
		"prompt":  prompt,
		"command": "imagine",
	}
	if m.webhookBase != "" {
		body["callback"] = fmt.Sprintf("%s/v1/imaginations/%s/webhook", m.webhookBase, item.ID)
	}

	raw, err := m.do(ctx, http.MethodPost, m.baseURL+"/task", body)
	if err != nil {
		return nil, err
	}
	return m.taskToResponse(raw)
}

// Poll re-fetches the task using the id stored at submit time.
func (m *Midjourney) Poll(ctx context.Context, meta map[string]any) (*Response, error) {
	id, _ := meta["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("%w: midjourney: no task id in metadata", domain.ErrProviderFailure)
	}
	raw, err := m.do(ctx, http.MethodGet, m.baseURL+"/task/"+id, nil)
	if err != nil {
		return nil, err
	}
	return m.taskToResponse(raw)
}

// DecodeWebhook maps the callback payload, which uses the same task shape as
// the REST responses.
func (m *Midjourney) DecodeWebhook(payload []byte) (*Response, error) {
	return m.taskToResponse(payload)
}

func (m *Midjourney) taskToResponse(raw []byte) (*Response, error) {
	var task midjourneyTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("%w: midjourney: decode task: %v", domain.ErrProviderFailure, err)
	}

	resp := &Response{
		ID:         task.UUID,
		Status:     m.NormalizeStatus(task.Status),
		Percentage: int(task.Percentage),
		Meta:       metaFromJSON(raw),
	}
	if task.UUID != "" {
		resp.Meta["id"] = task.UUID
	}
	uri := task.URI
	if uri == "" && task.Result != nil {
		uri, _ = task.Result["uri"].(string)
	}
	if uri != "" {
		resp.ResultURLs = []string{uri}
	}
	if task.Error != nil && task.Error.Message != "" {
		resp.Err = task.Error.Message
	}
	return resp, nil
}

func (m *Midjourney) do(ctx context.Context, method, url string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("midjourney: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("midjourney: build request: %w", err)
	}
	req.Header.Set("Authorization", m.token)
	req.Header.Set("Content-Type", "application/json")

	res, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: midjourney: %v", domain.ErrProviderFailure, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: midjourney: read response: %v", domain.ErrProviderFailure, err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		if m.logger != nil {
			m.logger.Error().Int("status", res.StatusCode).Str("url", url).Msg("midjourney: request failed")
		}
		return nil, fmt.Errorf("%w: midjourney: status %d: %s", domain.ErrProviderFailure, res.StatusCode, truncate(raw, 256))
	}
	return raw, nil
}

func ratioSet(ratios ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(ratios))
	for _, r := range ratios {
		set[r] = struct{}{}
	}
	return set
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}

var _ Engine = (*Midjourney)(nil)
