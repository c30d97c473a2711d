package orchestrator

import (
	"context"
	"errors"
	"testing"

	"imagine/internal/domain"
	"imagine/internal/engine"
)

func TestBulkExpandsSupportedCombinationsOnly(t *testing.T) {
	wide := &fakeEngine{
		kind:   domain.EngineMidjourney,
		price:  1,
		ratios: map[string]struct{}{"1:1": {}, "16:9": {}},
		submit: func(attempt int, item *domain.Imagination) (*engine.Response, error) {
			return completedResponse("https://provider.example.com/" + item.ID + ".png"), nil
		},
	}
	square := &fakeEngine{
		kind:   domain.EngineDalle,
		price:  2,
		ratios: map[string]struct{}{"1:1": {}},
		submit: func(attempt int, item *domain.Imagination) (*engine.Response, error) {
			return completedResponse("https://provider.example.com/" + item.ID + ".png"), nil
		},
	}
	h := newHarness(t, Options{}, wide, square)

	ctx := context.Background()
	bulk, err := h.bulk.Create(ctx, "user-1",
		[]domain.EngineKind{domain.EngineMidjourney, domain.EngineDalle},
		[]string{"1:1", "16:9"},
		domain.ImagineParams{Prompt: "a forest"},
	)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// midjourney×{1:1,16:9} plus dalle×{1:1}; dalle×16:9 is dropped.
	if bulk.TotalTasks != 3 {
		t.Fatalf("total tasks = %d, want 3", bulk.TotalTasks)
	}

	waitFor(t, "bulk terminal", func() bool {
		got, err := h.bulks.GetByID(ctx, bulk.ID)
		return err == nil && got.Status.IsTerminal()
	})

	got, _ := h.bulks.GetByID(ctx, bulk.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.TotalCompleted != 3 || got.TotalFailed != 0 {
		t.Fatalf("counters = %d/%d, want 3/0", got.TotalCompleted, got.TotalFailed)
	}
	if len(got.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(got.Results))
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
}

func TestBulkPartialFailureStaysCompleted(t *testing.T) {
	good := &fakeEngine{
		kind:  domain.EngineMidjourney,
		price: 1,
		submit: func(attempt int, item *domain.Imagination) (*engine.Response, error) {
			return completedResponse("https://provider.example.com/ok.png"), nil
		},
	}
	bad := &fakeEngine{
		kind:  domain.EngineStableDiffusion,
		price: 1,
		submit: func(attempt int, item *domain.Imagination) (*engine.Response, error) {
			return errorResponse("no capacity"), nil
		},
	}
	h := newHarness(t, Options{RetryCeiling: 1}, good, bad)

	ctx := context.Background()
	bulk, err := h.bulk.Create(ctx, "user-1",
		[]domain.EngineKind{domain.EngineMidjourney, domain.EngineStableDiffusion},
		[]string{"1:1", "16:9"},
		domain.ImagineParams{Prompt: "mixed luck"},
	)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if bulk.TotalTasks != 4 {
		t.Fatalf("total tasks = %d, want 4", bulk.TotalTasks)
	}

	waitFor(t, "bulk terminal", func() bool {
		got, err := h.bulks.GetByID(ctx, bulk.ID)
		return err == nil && got.Status.IsTerminal()
	})

	got, _ := h.bulks.GetByID(ctx, bulk.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed despite failures", got.Status)
	}
	if got.TotalCompleted != 2 || got.TotalFailed != 2 {
		t.Fatalf("counters = %d/%d, want 2/2", got.TotalCompleted, got.TotalFailed)
	}
	if len(got.Errors) != 2 {
		t.Fatalf("errors = %+v, want 2 entries", got.Errors)
	}
	for _, e := range got.Errors {
		if e.Engine != domain.EngineStableDiffusion || e.Message != "no capacity" {
			t.Fatalf("unexpected error entry %+v", e)
		}
	}
}

func TestBulkAllFailedBecomesError(t *testing.T) {
	bad := &fakeEngine{
		kind:  domain.EngineStableDiffusion,
		price: 1,
		submit: func(attempt int, item *domain.Imagination) (*engine.Response, error) {
			return errorResponse("down"), nil
		},
	}
	h := newHarness(t, Options{RetryCeiling: 1}, bad)

	ctx := context.Background()
	bulk, err := h.bulk.Create(ctx, "user-1",
		[]domain.EngineKind{domain.EngineStableDiffusion},
		[]string{"1:1"},
		domain.ImagineParams{Prompt: "doomed"},
	)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitFor(t, "bulk terminal", func() bool {
		got, err := h.bulks.GetByID(ctx, bulk.ID)
		return err == nil && got.Status.IsTerminal()
	})

	got, _ := h.bulks.GetByID(ctx, bulk.ID)
	if got.Status != domain.StatusError {
		t.Fatalf("status = %s, want error when every child failed", got.Status)
	}
}

func TestBulkQuotaCheckedBeforeChildrenExist(t *testing.T) {
	eng := &fakeEngine{
		kind:  domain.EngineMidjourney,
		price: 10,
		submit: func(attempt int, item *domain.Imagination) (*engine.Response, error) {
			return completedResponse("https://provider.example.com/x.png"), nil
		},
	}
	h := newHarness(t, Options{}, eng)
	h.ledger.quota = 15 // two children cost 20

	_, err := h.bulk.Create(context.Background(), "user-1",
		[]domain.EngineKind{domain.EngineMidjourney},
		[]string{"1:1", "16:9"},
		domain.ImagineParams{Prompt: "too expensive"},
	)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if eng.submitCount() != 0 {
		t.Fatalf("children submitted despite quota rejection")
	}
	if n := len(h.bulks.bulks); n != 0 {
		t.Fatalf("bulk persisted despite quota rejection: %d", n)
	}
}

func TestBulkRecomputeIsOrderIndependent(t *testing.T) {
	pending := &fakeEngine{
		kind:  domain.EngineMidjourney,
		price: 1,
		submit: func(attempt int, item *domain.Imagination) (*engine.Response, error) {
			return pendingResponse("ext-" + item.ID), nil
		},
	}
	h := newHarness(t, Options{RetryCeiling: 1}, pending)

	ctx := context.Background()
	bulk, err := h.bulk.Create(ctx, "user-1",
		[]domain.EngineKind{domain.EngineMidjourney},
		[]string{"1:1", "16:9"},
		domain.ImagineParams{Prompt: "slow fanout"},
	)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitFor(t, "children queued", func() bool {
		children, err := h.repo.ListByBulk(ctx, bulk.ID)
		if err != nil || len(children) != 2 {
			return false
		}
		for _, c := range children {
			if c.Status != domain.StatusQueued {
				return false
			}
		}
		return true
	})

	children, _ := h.repo.ListByBulk(ctx, bulk.ID)
	// Resolve the second child first, then the first: the aggregate must end
	// identical regardless of arrival order.
	if _, err := h.orch.ApplySignal(ctx, children[1].ID, errorResponse("late failure")); err != nil {
		t.Fatalf("signal child 1: %v", err)
	}
	mid, _ := h.bulks.GetByID(ctx, bulk.ID)
	if mid.Status.IsTerminal() {
		t.Fatalf("bulk terminal with one child outstanding")
	}
	if mid.TotalFailed != 1 {
		t.Fatalf("total failed = %d after first signal", mid.TotalFailed)
	}

	if _, err := h.orch.ApplySignal(ctx, children[0].ID, completedResponse("https://provider.example.com/a.png")); err != nil {
		t.Fatalf("signal child 0: %v", err)
	}

	got, _ := h.bulks.GetByID(ctx, bulk.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.TotalCompleted != 1 || got.TotalFailed != 1 {
		t.Fatalf("counters = %d/%d, want 1/1", got.TotalCompleted, got.TotalFailed)
	}
}
