package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"imagine/internal/accounting"
	"imagine/internal/domain"
	"imagine/internal/engine"
	"imagine/internal/infra"
	"imagine/internal/mediastore"
	"imagine/internal/prompt"
)

// metaKeyEnriched marks that prompt preprocessing already ran, so retries
// never rewrite the prompt a second time.
const metaKeyEnriched = "prompt_enriched"

// BulkNotifier receives the terminal transition of a bulk child. The bulk
// orchestrator implements it; the interface breaks the construction cycle
// between the two.
type BulkNotifier interface {
	OnChildTerminal(ctx context.Context, bulkID string) error
}

// Options wires an Orchestrator.
type Options struct {
	Repo    domain.ImaginationRepository
	Audit   domain.AuditRepository
	Engines *engine.Registry
	Ledger  accounting.Ledger
	Store   mediastore.Store
	Enrich  prompt.Enricher
	Logger  *infra.Logger
	// HTTPClient downloads result artifacts before storage.
	HTTPClient *http.Client
	// RetryCeiling bounds transient-failure resubmissions per job.
	RetryCeiling int
	// WaitTimeout is the window, measured from job creation, in which a
	// pending job must reach a terminal status.
	WaitTimeout time.Duration
}

// Orchestrator drives one imagination through its full lifecycle: reserve,
// submit, wait, finalize. Every mutation of a job happens under that job's
// keyed lock, so webhook deliveries, poll results, and the submitting request
// serialize against each other.
type Orchestrator struct {
	repo     domain.ImaginationRepository
	audit    domain.AuditRepository
	engines  *engine.Registry
	ledger   accounting.Ledger
	store    mediastore.Store
	enricher prompt.Enricher
	logger   *infra.Logger
	client   *http.Client

	coordinator  *Coordinator
	retryCeiling int
	waitTimeout  time.Duration

	bulk BulkNotifier

	// locks holds one mutex per job id; entries are never removed, which is
	// acceptable because ids cycle out with process lifetime.
	locks sync.Map
}

// NewOrchestrator constructs an orchestrator from options, applying the
// defaults used in production.
func NewOrchestrator(opts Options) *Orchestrator {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	ceiling := opts.RetryCeiling
	if ceiling <= 0 {
		ceiling = 5
	}
	timeout := opts.WaitTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Orchestrator{
		repo:         opts.Repo,
		audit:        opts.Audit,
		engines:      opts.Engines,
		ledger:       opts.Ledger,
		store:        opts.Store,
		enricher:     opts.Enrich,
		logger:       opts.Logger,
		client:       client,
		coordinator:  NewCoordinator(),
		retryCeiling: ceiling,
		waitTimeout:  timeout,
	}
}

// SetBulkNotifier attaches the bulk orchestrator after construction.
func (o *Orchestrator) SetBulkNotifier(n BulkNotifier) {
	o.bulk = n
}

// WaitTimeout exposes the configured completion window.
func (o *Orchestrator) WaitTimeout() time.Duration {
	return o.waitTimeout
}

func (o *Orchestrator) lockFor(jobID string) *sync.Mutex {
	mu, _ := o.locks.LoadOrStore(jobID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create validates the request against the chosen engine and persists a new
// draft imagination. Processing is a separate step so callers decide whether
// to block on it.
func (o *Orchestrator) Create(ctx context.Context, userID string, kind domain.EngineKind, params domain.ImagineParams) (*domain.Imagination, error) {
	eng, err := o.engines.Get(kind)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", domain.ErrValidation)
	}
	if params.AspectRatio == "" {
		params.AspectRatio = "1:1"
	}
	if ok, reason := eng.Validate(params); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, reason)
	}

	now := time.Now().UTC()
	item := &domain.Imagination{
		ID:         uuid.NewString(),
		UserID:     userID,
		Engine:     kind,
		Params:     params,
		Status:     domain.StatusDraft,
		Percentage: -1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.repo.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("create imagination: %w", err)
	}
	o.appendAudit(ctx, item.ID, fmt.Sprintf("created for engine %s", kind))
	return item, nil
}

// Process runs the lifecycle of one imagination to a terminal status or to
// the point where a webhook/poll signal is expected to finish it. It returns
// once the job is terminal or, for pending jobs processed without sync
// semantics, once the completion window closes.
func (o *Orchestrator) Process(ctx context.Context, jobID string) error {
	mu := o.lockFor(jobID)
	mu.Lock()

	job, err := o.repo.GetByID(ctx, jobID)
	if err != nil {
		mu.Unlock()
		return err
	}
	if job.Status.IsTerminal() {
		mu.Unlock()
		return nil
	}

	eng, err := o.engines.Get(job.Engine)
	if err != nil {
		ferr := o.failPermanentLocked(ctx, job, err.Error())
		mu.Unlock()
		return ferr
	}
	if ok, reason := eng.Validate(job.Params); !ok {
		ferr := o.failPermanentLocked(ctx, job, reason)
		mu.Unlock()
		return ferr
	}

	o.enrichLocked(ctx, job)

	if job.UsageID == "" {
		usageID, err := o.ledger.Reserve(ctx, job.UserID, eng.Price())
		if err != nil {
			if !errors.Is(err, domain.ErrInsufficientFunds) {
				err = fmt.Errorf("reserve usage: %w", err)
			}
			ferr := o.failPermanentLocked(ctx, job, err.Error())
			mu.Unlock()
			if ferr != nil {
				return ferr
			}
			return err
		}
		job.UsageID = usageID
	}

	job.Status = domain.StatusInit
	if err := o.saveLocked(ctx, job); err != nil {
		mu.Unlock()
		return err
	}

	// Register before unlocking so a webhook racing the submit response
	// cannot release a waiter that does not exist yet.
	ch := o.coordinator.Register(job.ID)

	resp, err := eng.Submit(ctx, job)
	if err != nil {
		err = o.handleFailureLocked(ctx, job, eng, fmt.Sprintf("submit: %v", err))
	} else {
		err = o.applyLocked(ctx, job, eng, resp)
	}
	terminal := job.Status.IsTerminal()
	mu.Unlock()

	if err != nil {
		return err
	}
	if terminal {
		o.coordinator.Release(job.ID)
		return nil
	}

	budget := time.Until(job.CreatedAt.Add(o.waitTimeout))
	if err := o.coordinator.Await(ctx, job.ID, ch, budget); err != nil {
		if errors.Is(err, domain.ErrServiceTimeout) {
			return o.ApplyTimeout(ctx, job.ID)
		}
		return err
	}
	return nil
}

// ApplySignal folds a normalized engine response into the job. It is fed by
// the webhook handler and the background poller; signals for jobs that are
// already terminal are acknowledged without reprocessing.
func (o *Orchestrator) ApplySignal(ctx context.Context, jobID string, resp *engine.Response) (*domain.Imagination, error) {
	mu := o.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := o.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}
	eng, err := o.engines.Get(job.Engine)
	if err != nil {
		return nil, err
	}
	if err := o.applyLocked(ctx, job, eng, resp); err != nil {
		return job, err
	}
	return job, nil
}

// ApplyTimeout fails a job that exhausted its completion window. Timeouts
// are never retried; the reservation is reversed so the user is not charged
// for output that never arrived.
func (o *Orchestrator) ApplyTimeout(ctx context.Context, jobID string) error {
	mu := o.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := o.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	message := fmt.Sprintf("Service Timeout (%s)", o.waitTimeout)
	if err := o.failPermanentLocked(ctx, job, message); err != nil {
		return err
	}
	return domain.ErrServiceTimeout
}

// Cancel marks a non-terminal job cancelled and wakes any waiter. Cancelling
// an already terminal job is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*domain.Imagination, error) {
	mu := o.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := o.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	job.Status = domain.StatusCancelled
	if err := o.saveLocked(ctx, job); err != nil {
		return nil, err
	}
	o.appendAudit(ctx, job.ID, "cancelled by caller")
	o.coordinator.Release(job.ID)
	o.notifyBulk(ctx, job)
	return job, nil
}

// applyLocked routes a normalized response to the matching transition.
// Caller holds the job lock.
func (o *Orchestrator) applyLocked(ctx context.Context, job *domain.Imagination, eng engine.Engine, resp *engine.Response) error {
	if job.Status.IsTerminal() {
		return nil
	}
	job.MergeMetaData(resp.Meta)
	if resp.Percentage >= 0 {
		job.Percentage = domain.ClampPercentage(resp.Percentage)
	}

	switch resp.Status {
	case domain.StatusCompleted:
		return o.finalizeSuccessLocked(ctx, job, resp)
	case domain.StatusError:
		return o.handleFailureLocked(ctx, job, eng, failMessage(resp))
	case domain.StatusCancelled:
		job.Status = domain.StatusCancelled
		if err := o.saveLocked(ctx, job); err != nil {
			return err
		}
		o.appendAudit(ctx, job.ID, "cancelled by provider")
		o.coordinator.Release(job.ID)
		o.notifyBulk(ctx, job)
		return nil
	default:
		job.Status = resp.Status
		return o.saveLocked(ctx, job)
	}
}

// handleFailureLocked retries a transient failure with a fresh submit, or
// converts it into a permanent failure once the ceiling is reached. Caller
// holds the job lock.
func (o *Orchestrator) handleFailureLocked(ctx context.Context, job *domain.Imagination, eng engine.Engine, message string) error {
	if job.RetryCount+1 >= o.retryCeiling {
		return o.failPermanentLocked(ctx, job, message)
	}

	job.RetryCount++
	job.Status = domain.StatusInit
	if err := o.saveLocked(ctx, job); err != nil {
		return err
	}
	o.appendAudit(ctx, job.ID, fmt.Sprintf("retry %d/%d after failure: %s", job.RetryCount, o.retryCeiling, message))

	resp, err := eng.Submit(ctx, job)
	if err != nil {
		return o.handleFailureLocked(ctx, job, eng, fmt.Sprintf("submit: %v", err))
	}
	return o.applyLocked(ctx, job, eng, resp)
}

// failPermanentLocked records the terminal error, reverses the reservation,
// and wakes everything waiting on the job. Caller holds the job lock.
func (o *Orchestrator) failPermanentLocked(ctx context.Context, job *domain.Imagination, message string) error {
	job.Status = domain.StatusError
	job.Error = message
	if err := o.saveLocked(ctx, job); err != nil {
		return err
	}
	if job.UsageID != "" {
		if err := o.ledger.Cancel(ctx, job.UsageID); err != nil && o.logger != nil {
			o.logger.Error().Err(err).Str("imagination_id", job.ID).Str("usage_id", job.UsageID).Msg("cancel reservation failed")
		}
	}
	o.appendAudit(ctx, job.ID, "failed: "+message)
	o.coordinator.Release(job.ID)
	o.notifyBulk(ctx, job)
	return nil
}

// finalizeSuccessLocked persists results exactly once. Artifact downloads
// and media storage are best-effort: a storage failure keeps the provider
// URL instead of reverting the success. Caller holds the job lock.
func (o *Orchestrator) finalizeSuccessLocked(ctx context.Context, job *domain.Imagination, resp *engine.Response) error {
	results := make([]domain.ImagineResult, 0, len(resp.ResultURLs))
	for i, rawURL := range resp.ResultURLs {
		url := o.storeArtifact(ctx, job, rawURL, i)
		results = append(results, domain.ImagineResult{URL: url})
	}

	job.Results = results
	job.Status = domain.StatusCompleted
	job.Percentage = 100
	job.Error = ""
	if err := o.saveLocked(ctx, job); err != nil {
		return err
	}
	o.appendAudit(ctx, job.ID, fmt.Sprintf("completed with %d result(s)", len(results)))
	o.coordinator.Release(job.ID)
	o.notifyBulk(ctx, job)
	return nil
}

// storeArtifact downloads one result and re-hosts it on the media store,
// falling back to the provider URL on any failure.
func (o *Orchestrator) storeArtifact(ctx context.Context, job *domain.Imagination, rawURL string, index int) string {
	if o.store == nil || rawURL == "" {
		return rawURL
	}
	data, err := o.download(ctx, rawURL)
	if err != nil {
		if o.logger != nil {
			o.logger.Warn().Err(err).Str("imagination_id", job.ID).Str("url", rawURL).Msg("artifact download failed, keeping provider url")
		}
		return rawURL
	}
	stored, err := o.store.Store(ctx, data, mediastore.ObjectMeta{
		JobID:  job.ID,
		UserID: job.UserID,
		Engine: string(job.Engine),
		Prompt: job.Params.Prompt,
		Format: artifactFormat(rawURL),
		Index:  index,
	})
	if err != nil {
		if o.logger != nil {
			o.logger.Warn().Err(err).Str("imagination_id", job.ID).Str("url", rawURL).Msg("artifact store failed, keeping provider url")
		}
		return rawURL
	}
	return stored
}

func (o *Orchestrator) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}

// enrichLocked rewrites the prompt once per job: enhancement when requested,
// translation otherwise. Failures keep the original prompt. Caller holds the
// job lock.
func (o *Orchestrator) enrichLocked(ctx context.Context, job *domain.Imagination) {
	if o.enricher == nil {
		return
	}
	if done, _ := job.MetaData[metaKeyEnriched].(bool); done {
		return
	}
	var (
		rewritten string
		err       error
	)
	if job.Params.EnhancePrompt {
		rewritten, err = o.enricher.Enhance(ctx, job.Params.Prompt)
	} else {
		rewritten, err = o.enricher.Translate(ctx, job.Params.Prompt)
	}
	if err != nil {
		if o.logger != nil {
			o.logger.Warn().Err(err).Str("imagination_id", job.ID).Msg("prompt enrichment failed, using original prompt")
		}
		return
	}
	if rewritten != "" {
		job.Params.Prompt = rewritten
	}
	job.MergeMetaData(map[string]any{metaKeyEnriched: true})
}

func (o *Orchestrator) saveLocked(ctx context.Context, job *domain.Imagination) error {
	job.UpdatedAt = time.Now().UTC()
	if err := o.repo.Update(ctx, job); err != nil {
		return fmt.Errorf("update imagination %s: %w", job.ID, err)
	}
	return nil
}

func (o *Orchestrator) appendAudit(ctx context.Context, entityID, message string) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Append(ctx, entityID, message); err != nil && o.logger != nil {
		o.logger.Warn().Err(err).Str("entity_id", entityID).Msg("audit append failed")
	}
}

func (o *Orchestrator) notifyBulk(ctx context.Context, job *domain.Imagination) {
	if job.BulkID == "" || o.bulk == nil {
		return
	}
	if err := o.bulk.OnChildTerminal(ctx, job.BulkID); err != nil && o.logger != nil {
		o.logger.Error().Err(err).Str("bulk_id", job.BulkID).Str("imagination_id", job.ID).Msg("bulk notification failed")
	}
}

func failMessage(resp *engine.Response) string {
	if resp.Err != "" {
		return resp.Err
	}
	return "provider reported failure"
}

// artifactFormat infers the stored file extension from the provider URL.
func artifactFormat(rawURL string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(stripQuery(rawURL)), "."))
	switch ext {
	case "png", "jpg", "jpeg", "webp", "gif":
		return ext
	default:
		return "jpg"
	}
}

func stripQuery(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
