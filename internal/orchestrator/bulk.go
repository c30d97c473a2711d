package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"imagine/internal/domain"
	"imagine/internal/infra"
)

// BulkOptions wires a Bulk orchestrator.
type BulkOptions struct {
	Bulks        domain.BulkRepository
	Imaginations domain.ImaginationRepository
	Audit        domain.AuditRepository
	Orchestrator *Orchestrator
	Logger       *infra.Logger
}

// Bulk fans one prompt out across engine×aspect-ratio combinations and keeps
// the aggregate consistent as children finish in any order. Aggregate
// counters are rebuilt from the children on every terminal notification
// rather than incremented in place.
type Bulk struct {
	bulks  domain.BulkRepository
	items  domain.ImaginationRepository
	audit  domain.AuditRepository
	orch   *Orchestrator
	logger *infra.Logger

	// locks serializes aggregate recomputation per bulk id.
	locks sync.Map
}

// NewBulk constructs the bulk orchestrator and registers it as the child
// orchestrator's terminal-notification sink.
func NewBulk(opts BulkOptions) *Bulk {
	b := &Bulk{
		bulks:  opts.Bulks,
		items:  opts.Imaginations,
		audit:  opts.Audit,
		orch:   opts.Orchestrator,
		logger: opts.Logger,
	}
	if b.orch != nil {
		b.orch.SetBulkNotifier(b)
	}
	return b
}

func (b *Bulk) lockFor(bulkID string) *sync.Mutex {
	mu, _ := b.locks.LoadOrStore(bulkID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create expands the request into per-combination children and launches them
// concurrently. The aggregate price is checked against the user's quota
// before any child exists, so an unaffordable bulk aborts atomically.
func (b *Bulk) Create(ctx context.Context, userID string, engines []domain.EngineKind, aspectRatios []string, params domain.ImagineParams) (*domain.ImaginationBulk, error) {
	if strings.TrimSpace(params.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", domain.ErrValidation)
	}
	if len(engines) == 0 {
		return nil, fmt.Errorf("%w: at least one engine is required", domain.ErrValidation)
	}
	if len(aspectRatios) == 0 {
		aspectRatios = []string{"1:1"}
	}

	combos, totalPrice, err := b.expand(engines, aspectRatios)
	if err != nil {
		return nil, err
	}
	if len(combos) == 0 {
		return nil, fmt.Errorf("%w: no engine supports the requested aspect ratios", domain.ErrValidation)
	}

	quota, err := b.orch.ledger.Quota(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("check quota: %w", err)
	}
	if quota < totalPrice {
		return nil, fmt.Errorf("%w: bulk needs %.2f, quota is %.2f", domain.ErrInsufficientFunds, totalPrice, quota)
	}

	now := time.Now().UTC()
	bulk := &domain.ImaginationBulk{
		ID:           uuid.NewString(),
		UserID:       userID,
		Params:       params,
		Combinations: combos,
		TotalTasks:   len(combos),
		Status:       domain.StatusProcessing,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := b.bulks.Create(ctx, bulk); err != nil {
		return nil, fmt.Errorf("create bulk: %w", err)
	}
	b.appendAudit(ctx, bulk.ID, fmt.Sprintf("created with %d task(s)", bulk.TotalTasks))

	for _, combo := range combos {
		childParams := params
		childParams.AspectRatio = combo.AspectRatio
		child, err := b.orch.Create(ctx, userID, combo.Engine, childParams)
		if err != nil {
			// The combination was validated during expansion; a failure here
			// is a persistence problem and the bulk cannot proceed.
			return nil, fmt.Errorf("create bulk child: %w", err)
		}
		child.BulkID = bulk.ID
		if err := b.items.Update(ctx, child); err != nil {
			return nil, fmt.Errorf("attach bulk child: %w", err)
		}

		go func(id string) {
			if err := b.orch.Process(context.WithoutCancel(ctx), id); err != nil && b.logger != nil {
				b.logger.Error().Err(err).Str("imagination_id", id).Str("bulk_id", bulk.ID).Msg("bulk child processing failed")
			}
		}(child.ID)
	}

	return bulk, nil
}

// expand builds the combination list, skipping ratios an engine does not
// support, and sums the aggregate price. An engine unknown to the registry
// fails the whole request.
func (b *Bulk) expand(engines []domain.EngineKind, aspectRatios []string) ([]domain.BulkCombination, float64, error) {
	var combos []domain.BulkCombination
	var total float64
	for _, kind := range engines {
		eng, err := b.orch.engines.Get(kind)
		if err != nil {
			return nil, 0, err
		}
		supported := eng.SupportedAspectRatios()
		for _, ratio := range aspectRatios {
			if _, ok := supported[ratio]; !ok {
				continue
			}
			combos = append(combos, domain.BulkCombination{Engine: kind, AspectRatio: ratio})
			total += eng.Price()
		}
	}
	return combos, total, nil
}

// OnChildTerminal recomputes the aggregate from its children. Recomputation
// is idempotent and order-independent: each notification rebuilds counters,
// results, and errors from scratch under the bulk lock.
func (b *Bulk) OnChildTerminal(ctx context.Context, bulkID string) error {
	mu := b.lockFor(bulkID)
	mu.Lock()
	defer mu.Unlock()

	bulk, err := b.bulks.GetByID(ctx, bulkID)
	if err != nil {
		return err
	}
	if bulk.Status.IsTerminal() {
		return nil
	}

	children, err := b.items.ListByBulk(ctx, bulkID)
	if err != nil {
		return fmt.Errorf("list bulk children: %w", err)
	}

	completed, failed := 0, 0
	results := make([]domain.BulkResult, 0, len(children))
	errorsList := make([]domain.BulkError, 0)
	for _, child := range children {
		switch child.Status {
		case domain.StatusCompleted, domain.StatusCancelled:
			completed++
			for _, res := range child.Results {
				results = append(results, domain.BulkResult{
					Engine: child.Engine,
					URL:    res.URL,
					Width:  res.Width,
					Height: res.Height,
				})
			}
		case domain.StatusError:
			failed++
			errorsList = append(errorsList, domain.BulkError{
				Engine:  child.Engine,
				Message: child.Error,
			})
		}
	}

	bulk.TotalCompleted = completed
	bulk.TotalFailed = failed
	bulk.Results = results
	bulk.Errors = errorsList

	if bulk.Terminal() {
		if failed == bulk.TotalTasks {
			bulk.Status = domain.StatusError
		} else {
			bulk.Status = domain.StatusCompleted
		}
		now := time.Now().UTC()
		bulk.CompletedAt = &now
	}

	bulk.UpdatedAt = time.Now().UTC()
	if err := b.bulks.Update(ctx, bulk); err != nil {
		return fmt.Errorf("update bulk %s: %w", bulkID, err)
	}
	if bulk.Status.IsTerminal() {
		b.appendAudit(ctx, bulk.ID, fmt.Sprintf("finished: %d completed, %d failed", completed, failed))
	}
	return nil
}

// Get returns the aggregate by id.
func (b *Bulk) Get(ctx context.Context, bulkID string) (*domain.ImaginationBulk, error) {
	return b.bulks.GetByID(ctx, bulkID)
}

func (b *Bulk) appendAudit(ctx context.Context, entityID, message string) {
	if b.audit == nil {
		return
	}
	if err := b.audit.Append(ctx, entityID, message); err != nil && b.logger != nil {
		b.logger.Warn().Err(err).Str("entity_id", entityID).Msg("audit append failed")
	}
}
