package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"imagine/internal/domain"
)

type captureTransport struct {
	responses map[string]responseStub
	lastBody  []byte
}

type responseStub struct {
	status int
	body   []byte
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		c.lastBody = body
	}
	if stub, ok := c.responses[req.URL.Path]; ok {
		return stub.toResponse(), nil
	}
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader("not found")),
	}, nil
}

func (c *captureTransport) setJSONResponse(path string, payload any) {
	body, _ := json.Marshal(payload)
	c.responses[path] = responseStub{status: http.StatusOK, body: body}
}

func (s responseStub) toResponse() *http.Response {
	return &http.Response{
		StatusCode: s.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(string(s.body))),
	}
}

func newTransportClient() (*captureTransport, *http.Client) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	return transport, &http.Client{Transport: transport}
}

func TestRegistryLookup(t *testing.T) {
	mj := NewMidjourney(MidjourneyOptions{BasePrice: 0.1})
	reg := NewRegistry(mj)

	got, err := reg.Get(domain.EngineMidjourney)
	if err != nil {
		t.Fatalf("get midjourney: %v", err)
	}
	if got != Engine(mj) {
		t.Fatalf("registry returned a different instance")
	}
	if _, err := reg.Get(domain.EngineKind("leonardo")); err == nil {
		t.Fatalf("expected unsupported engine error")
	}
}

func TestPercentageUnmarshal(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{`null`, -1},
		{`"90%"`, 90},
		{`"37"`, 37},
		{`55`, 55},
		{`150`, 100},
		{`-7`, -1},
		{`"n/a"`, -1},
	}
	for _, c := range cases {
		var p percentage
		if err := json.Unmarshal([]byte(c.raw), &p); err != nil {
			t.Fatalf("unmarshal %s: %v", c.raw, err)
		}
		if int(p) != c.want {
			t.Fatalf("percentage(%s) = %d, want %d", c.raw, p, c.want)
		}
	}
}

func TestMidjourneyNormalizeStatusFailClosed(t *testing.T) {
	mj := NewMidjourney(MidjourneyOptions{})
	cases := map[string]domain.Status{
		"initialized": domain.StatusInit,
		"queue":       domain.StatusQueued,
		"waiting":     domain.StatusWaiting,
		"running":     domain.StatusProcessing,
		"completed":   domain.StatusCompleted,
		"error":       domain.StatusError,
		"banana":      domain.StatusError,
		"":            domain.StatusError,
	}
	for raw, want := range cases {
		if got := mj.NormalizeStatus(raw); got != want {
			t.Fatalf("NormalizeStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestMidjourneySubmitAppendsAspectRatio(t *testing.T) {
	transport, httpClient := newTransportClient()
	mj := NewMidjourney(MidjourneyOptions{
		BaseURL:     "https://mid.test",
		Token:       "secret",
		WebhookBase: "https://api.test",
		HTTPClient:  httpClient,
	})
	transport.setJSONResponse("/task", map[string]any{
		"uuid":   "task-1",
		"status": "queue",
	})

	item := &domain.Imagination{
		ID:     "job-1",
		Params: domain.ImagineParams{Prompt: "a red car.", AspectRatio: "16:9"},
	}
	resp, err := mj.Submit(context.Background(), item)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Status != domain.StatusQueued {
		t.Fatalf("status = %s, want queued", resp.Status)
	}
	if resp.ID != "task-1" || resp.Meta["id"] != "task-1" {
		t.Fatalf("correlation id not captured: %+v", resp)
	}

	var sent map[string]any
	if err := json.Unmarshal(transport.lastBody, &sent); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if sent["prompt"] != "a red car --ar 16:9" {
		t.Fatalf("prompt = %q", sent["prompt"])
	}
	if sent["callback"] != "https://api.test/v1/imaginations/job-1/webhook" {
		t.Fatalf("callback = %q", sent["callback"])
	}
}

func TestMidjourneyDecodeWebhookResult(t *testing.T) {
	mj := NewMidjourney(MidjourneyOptions{})
	resp, err := mj.DecodeWebhook([]byte(`{
		"uuid": "task-9",
		"status": "completed",
		"percentage": "100%",
		"result": {"uri": "http://x/img.png"}
	}`))
	if err != nil {
		t.Fatalf("decode webhook: %v", err)
	}
	if resp.Status != domain.StatusCompleted {
		t.Fatalf("status = %s", resp.Status)
	}
	if len(resp.ResultURLs) != 1 || resp.ResultURLs[0] != "http://x/img.png" {
		t.Fatalf("result urls = %v", resp.ResultURLs)
	}
	if resp.Percentage != 100 {
		t.Fatalf("percentage = %d", resp.Percentage)
	}
}

func TestReplicateSubmitAndPoll(t *testing.T) {
	transport, httpClient := newTransportClient()
	engines := NewReplicateEngines(ReplicateOptions{
		BaseURL:     "https://replicate.test",
		Token:       "tok",
		WebhookBase: "https://api.test",
		BasePrice:   0.1,
		HTTPClient:  httpClient,
	})
	var flux Engine
	for _, e := range engines {
		if e.Kind() == domain.EngineFluxSchnell {
			flux = e
		}
	}
	if flux == nil {
		t.Fatalf("flux_schnell engine missing from family")
	}

	transport.setJSONResponse("/v1/models/black-forest-labs/flux-schnell/predictions", map[string]any{
		"id":     "abc",
		"status": "starting",
	})
	item := &domain.Imagination{
		ID:     "job-2",
		Params: domain.ImagineParams{Prompt: "a cat", AspectRatio: "1:1"},
	}
	resp, err := flux.Submit(context.Background(), item)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Status != domain.StatusInit || resp.ID != "abc" {
		t.Fatalf("submit response = %+v", resp)
	}

	transport.setJSONResponse("/v1/predictions/abc", map[string]any{
		"id":     "abc",
		"status": "succeeded",
		"output": []string{"https://cdn.test/one.png"},
	})
	polled, err := flux.Poll(context.Background(), map[string]any{"id": "abc"})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if polled.Status != domain.StatusCompleted {
		t.Fatalf("polled status = %s", polled.Status)
	}
	if len(polled.ResultURLs) != 1 || polled.ResultURLs[0] != "https://cdn.test/one.png" {
		t.Fatalf("polled result urls = %v", polled.ResultURLs)
	}
	if polled.Percentage != 100 {
		t.Fatalf("terminal percentage = %d, want 100", polled.Percentage)
	}
}

func TestReplicateOutputShapes(t *testing.T) {
	if got := decodeOutput([]byte(`"https://cdn/x.png"`)); len(got) != 1 {
		t.Fatalf("single string output: %v", got)
	}
	if got := decodeOutput([]byte(`["a","b"]`)); len(got) != 2 {
		t.Fatalf("list output: %v", got)
	}
	if got := decodeOutput(nil); got != nil {
		t.Fatalf("empty output: %v", got)
	}
}

func TestReplicateValidateAspectRatio(t *testing.T) {
	engines := NewReplicateEngines(ReplicateOptions{})
	for _, e := range engines {
		if e.Kind() != domain.EnginePhoton {
			continue
		}
		ok, _ := e.Validate(domain.ImagineParams{AspectRatio: "1:1"})
		if !ok {
			t.Fatalf("photon should support 1:1")
		}
		ok, reason := e.Validate(domain.ImagineParams{AspectRatio: "3:2"})
		if ok {
			t.Fatalf("photon should reject 3:2")
		}
		if !strings.Contains(reason, "aspect_ratio") {
			t.Fatalf("reason = %q", reason)
		}
	}
}

func TestDalleSubmitSynchronousSuccess(t *testing.T) {
	transport, httpClient := newTransportClient()
	d := NewDalle(DalleOptions{
		APIKey:     "key",
		BaseURL:    "https://openai.test/v1",
		BasePrice:  0.1,
		HTTPClient: httpClient,
	})
	transport.setJSONResponse("/v1/images/generations", map[string]any{
		"created": 1,
		"data":    []any{map[string]any{"url": "https://img.test/out.png"}},
	})

	item := &domain.Imagination{
		ID:     "job-3",
		Params: domain.ImagineParams{Prompt: "a dog", AspectRatio: "1:1"},
	}
	resp, err := d.Submit(context.Background(), item)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !resp.Status.IsTerminal() || resp.Status != domain.StatusCompleted {
		t.Fatalf("dalle submit must be terminal, got %s", resp.Status)
	}
	if len(resp.ResultURLs) != 1 {
		t.Fatalf("result urls = %v", resp.ResultURLs)
	}

	var sent map[string]any
	if err := json.Unmarshal(transport.lastBody, &sent); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if sent["size"] != "1024x1024" {
		t.Fatalf("size = %q", sent["size"])
	}
}

func TestDalleSubmitEmptyDataIsError(t *testing.T) {
	transport, httpClient := newTransportClient()
	d := NewDalle(DalleOptions{APIKey: "key", BaseURL: "https://openai.test/v1", HTTPClient: httpClient})
	transport.setJSONResponse("/v1/images/generations", map[string]any{
		"created": 1,
		"data":    []any{},
		"error":   map[string]any{"message": "content policy"},
	})

	resp, err := d.Submit(context.Background(), &domain.Imagination{Params: domain.ImagineParams{Prompt: "x", AspectRatio: "1:1"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Status != domain.StatusError {
		t.Fatalf("status = %s, want error", resp.Status)
	}
	if !strings.Contains(resp.Err, "content policy") {
		t.Fatalf("err = %q", resp.Err)
	}
}
