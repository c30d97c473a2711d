package prompt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIOptions configures the chat-completions based enricher.
type OpenAIOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	// Fallback handles requests when the API call fails.
	Fallback Enricher
}

// OpenAIEnricher rewrites prompts through an OpenAI-compatible chat API.
type OpenAIEnricher struct {
	apiKey   string
	model    string
	baseURL  string
	client   *http.Client
	fallback Enricher
}

const openAIDefaultTimeout = 15 * time.Second

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewOpenAIEnricher constructs the enricher, defaulting the fallback to the
// static implementation.
func NewOpenAIEnricher(opts OpenAIOptions) (*OpenAIEnricher, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: openAIDefaultTimeout}
	}
	fallback := opts.Fallback
	if fallback == nil {
		fallback = NewStaticEnricher()
	}
	return &OpenAIEnricher{
		apiKey:   opts.APIKey,
		model:    model,
		baseURL:  baseURL,
		client:   client,
		fallback: fallback,
	}, nil
}

// Translate renders the prompt in English, returning it unchanged when it
// already is.
func (e *OpenAIEnricher) Translate(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	out, err := e.complete(ctx,
		"Translate the user's image prompt to English. If it is already English, return it unchanged. Respond with the prompt only.",
		text)
	if err != nil {
		return e.fallback.Translate(ctx, text)
	}
	return out, nil
}

// Enhance expands a short idea into a detailed image prompt.
func (e *OpenAIEnricher) Enhance(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	out, err := e.complete(ctx,
		"You are an image prompt builder. Expand the user's idea into one vivid, detailed English prompt for a text-to-image model. Respond with the prompt only.",
		text)
	if err != nil {
		return e.fallback.Enhance(ctx, text)
	}
	return out, nil
}

func (e *OpenAIEnricher) complete(ctx context.Context, system, user string) (string, error) {
	payload := openAIChatRequest{
		Model: e.model,
		Messages: []openAIMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.4,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("prompt: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("prompt: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("prompt: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("prompt: read response: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("prompt: status %d", res.StatusCode)
	}

	var decoded openAIChatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("prompt: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("prompt: empty completion")
	}
	out := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if out == "" {
		return "", errors.New("prompt: blank completion")
	}
	return out, nil
}

var _ Enricher = (*OpenAIEnricher)(nil)
