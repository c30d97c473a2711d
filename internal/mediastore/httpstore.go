package mediastore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPStoreOptions configures an HTTPStore.
type HTTPStoreOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// HTTPStore uploads artifacts to a remote media service over its REST API.
type HTTPStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zerolog.Logger
}

// NewHTTPStore builds a media service client from the provided options.
func NewHTTPStore(opts HTTPStoreOptions) (*HTTPStore, error) {
	base := strings.TrimSuffix(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("mediastore: base URL is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPStore{
		baseURL: base,
		apiKey:  opts.APIKey,
		client:  client,
		logger:  opts.Logger,
	}, nil
}

type uploadResponse struct {
	URL string `json:"url"`
}

// Store uploads the artifact as a multipart form and returns the URL the
// media service assigned to it.
func (s *HTTPStore) Store(ctx context.Context, data []byte, meta ObjectMeta) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", objectName(meta))
	if err != nil {
		return "", fmt.Errorf("mediastore: build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("mediastore: build form: %w", err)
	}
	if err := writer.WriteField("user_id", meta.UserID); err != nil {
		return "", fmt.Errorf("mediastore: build form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("mediastore: build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/upload", &body)
	if err != nil {
		return "", fmt.Errorf("mediastore: build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mediastore: upload: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("mediastore: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("mediastore: upload status %d: %s", resp.StatusCode, truncate(raw, 256))
	}

	var decoded uploadResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("mediastore: decode response: %w", err)
	}
	if decoded.URL == "" {
		return "", errors.New("mediastore: upload response missing url")
	}
	if s.logger != nil {
		s.logger.Debug().Str("job_id", meta.JobID).Str("url", decoded.URL).Msg("artifact uploaded")
	}
	return decoded.URL, nil
}

func truncate(raw []byte, limit int) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

var _ Store = (*HTTPStore)(nil)
