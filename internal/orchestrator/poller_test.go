package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"imagine/internal/domain"
	"imagine/internal/engine"
)

func seedQueuedJob(t *testing.T, h *testHarness, kind domain.EngineKind, createdAt time.Time) *domain.Imagination {
	t.Helper()
	item := &domain.Imagination{
		ID:         fmt.Sprintf("00000000-0000-0000-0000-%012d", len(h.repo.items)+1),
		UserID:     "user-1",
		Engine:     kind,
		Params:     domain.ImagineParams{Prompt: "seeded", AspectRatio: "1:1"},
		Status:     domain.StatusQueued,
		Percentage: -1,
		MetaData:   map[string]any{"id": "ext-seed"},
		UsageID:    "usage-seed",
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
	if err := h.repo.Create(context.Background(), item); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return item
}

func TestSweepAppliesPollResult(t *testing.T) {
	eng := &fakeEngine{
		kind:  domain.EngineMidjourney,
		price: 1,
		poll: func(meta map[string]any) (*engine.Response, error) {
			return completedResponse("https://provider.example.com/polled.png"), nil
		},
	}
	h := newHarness(t, Options{}, eng)
	job := seedQueuedJob(t, h, domain.EngineMidjourney, time.Now().UTC())

	poller := NewPoller(PollerOptions{Repo: h.repo, Orchestrator: h.orch})
	if err := poller.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got, _ := h.repo.GetByID(context.Background(), job.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if len(got.Results) != 1 {
		t.Fatalf("results = %+v", got.Results)
	}
}

func TestSweepFailsJobsPastDeadline(t *testing.T) {
	eng := &fakeEngine{
		kind:  domain.EngineMidjourney,
		price: 1,
		poll: func(meta map[string]any) (*engine.Response, error) {
			t.Errorf("expired job must not be polled")
			return nil, nil
		},
	}
	h := newHarness(t, Options{WaitTimeout: time.Minute}, eng)
	job := seedQueuedJob(t, h, domain.EngineMidjourney, time.Now().UTC().Add(-2*time.Minute))

	poller := NewPoller(PollerOptions{Repo: h.repo, Orchestrator: h.orch})
	if err := poller.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got, _ := h.repo.GetByID(context.Background(), job.ID)
	if got.Status != domain.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if !strings.Contains(got.Error, "Service Timeout") {
		t.Fatalf("error = %q", got.Error)
	}
	if ids := h.ledger.cancelledIDs(); len(ids) != 1 || ids[0] != "usage-seed" {
		t.Fatalf("cancelled = %v", ids)
	}
}

func TestSweepTolerateProviderErrors(t *testing.T) {
	eng := &fakeEngine{
		kind:  domain.EngineMidjourney,
		price: 1,
		poll: func(meta map[string]any) (*engine.Response, error) {
			return nil, context.DeadlineExceeded
		},
	}
	h := newHarness(t, Options{}, eng)
	job := seedQueuedJob(t, h, domain.EngineMidjourney, time.Now().UTC())

	poller := NewPoller(PollerOptions{Repo: h.repo, Orchestrator: h.orch})
	if err := poller.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	// A failed poll is not a provider failure signal; the job stays queued.
	got, _ := h.repo.GetByID(context.Background(), job.ID)
	if got.Status != domain.StatusQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
}
