package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"imagine/internal/domain"
)

type imagineRequest struct {
	Engine        domain.EngineKind `json:"engine"`
	Prompt        string            `json:"prompt"`
	Delineation   string            `json:"delineation"`
	AspectRatio   string            `json:"aspect_ratio"`
	EnhancePrompt bool              `json:"enhance_prompt"`
}

type imaginationResponse struct {
	ID          string                 `json:"id"`
	UserID      string                 `json:"user_id"`
	Engine      domain.EngineKind      `json:"engine"`
	Prompt      string                 `json:"prompt"`
	AspectRatio string                 `json:"aspect_ratio"`
	Status      domain.Status          `json:"status"`
	TaskStatus  domain.TaskStatus      `json:"task_status"`
	Percentage  int                    `json:"percentage"`
	RetryCount  int                    `json:"retry_count"`
	Results     []domain.ImagineResult `json:"results,omitempty"`
	Error       string                 `json:"error,omitempty"`
	BulkID      string                 `json:"bulk_id,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

func toImaginationResponse(item *domain.Imagination) imaginationResponse {
	return imaginationResponse{
		ID:          item.ID,
		UserID:      item.UserID,
		Engine:      item.Engine,
		Prompt:      item.Params.Prompt,
		AspectRatio: item.Params.AspectRatio,
		Status:      item.Status,
		TaskStatus:  item.Status.TaskStatus(),
		Percentage:  item.Percentage,
		RetryCount:  item.RetryCount,
		Results:     item.Results,
		Error:       item.Error,
		BulkID:      item.BulkID,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
	}
}

// ImaginationCreate accepts a generation request. With ?sync=true the call
// blocks until the job is terminal; otherwise processing continues in the
// background and the draft is returned immediately.
func (a *App) ImaginationCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req imagineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Engine == "" {
		req.Engine = domain.EngineMidjourney
	}

	item, err := a.Orchestrator.Create(r.Context(), userID, req.Engine, domain.ImagineParams{
		Prompt:        req.Prompt,
		Delineation:   req.Delineation,
		AspectRatio:   req.AspectRatio,
		EnhancePrompt: req.EnhancePrompt,
	})
	if err != nil {
		a.domainError(w, err)
		return
	}

	if r.URL.Query().Get("sync") == "true" {
		if err := a.Orchestrator.Process(r.Context(), item.ID); err != nil {
			// The job record carries the terminal state; report it rather
			// than the raw error so sync and async callers see one shape.
			if a.Logger != nil {
				a.Logger.Warn().Err(err).Str("imagination_id", item.ID).Msg("synchronous processing failed")
			}
		}
		final, err := a.Imaginations.GetByID(r.Context(), item.ID)
		if err != nil {
			a.domainError(w, err)
			return
		}
		a.json(w, http.StatusOK, toImaginationResponse(final))
		return
	}

	go func(id string) {
		ctx := context.WithoutCancel(r.Context())
		if err := a.Orchestrator.Process(ctx, id); err != nil && a.Logger != nil {
			a.Logger.Warn().Err(err).Str("imagination_id", id).Msg("background processing failed")
		}
	}(item.ID)

	a.json(w, http.StatusAccepted, toImaginationResponse(item))
}

// ImaginationGet returns the current state of one job.
func (a *App) ImaginationGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := a.Imaginations.GetByID(r.Context(), id)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, toImaginationResponse(item))
}

// ImaginationCancel cancels a non-terminal job; cancelling a finished job is
// a harmless no-op.
func (a *App) ImaginationCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := a.Orchestrator.Cancel(r.Context(), id)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, toImaginationResponse(item))
}

// ImaginationWebhook ingests a provider callback. The payload is decoded by
// the job's own engine family and folded into the orchestrator; duplicates
// and late deliveries are acknowledged without effect.
func (a *App) ImaginationWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := a.Imaginations.GetByID(r.Context(), id)
	if err != nil {
		a.domainError(w, err)
		return
	}
	eng, err := a.Engines.Get(item.Engine)
	if err != nil {
		a.domainError(w, err)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable payload")
		return
	}
	resp, err := eng.DecodeWebhook(payload)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "undecodable payload")
		return
	}

	updated, err := a.Orchestrator.ApplySignal(r.Context(), id, resp)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"id":     updated.ID,
		"status": updated.Status,
	})
}

type engineSchema struct {
	Name         domain.EngineKind `json:"name"`
	Price        float64           `json:"price"`
	AspectRatios []string          `json:"aspect_ratios"`
}

// EnginesList describes every registered engine: name, price, and the aspect
// ratios it accepts.
func (a *App) EnginesList(w http.ResponseWriter, r *http.Request) {
	kinds := a.Engines.Kinds()
	out := map[string]any{}
	if userID := a.currentUserID(r); userID != "" && a.Ledger != nil {
		if quota, err := a.Ledger.Quota(r.Context(), userID); err == nil {
			out["quota"] = quota
		}
	}
	schemas := make([]engineSchema, 0, len(kinds))
	for _, kind := range kinds {
		eng, err := a.Engines.Get(kind)
		if err != nil {
			continue
		}
		ratios := make([]string, 0, len(eng.SupportedAspectRatios()))
		for ratio := range eng.SupportedAspectRatios() {
			ratios = append(ratios, ratio)
		}
		sort.Strings(ratios)
		schemas = append(schemas, engineSchema{
			Name:         kind,
			Price:        eng.Price(),
			AspectRatios: ratios,
		})
	}
	out["engines"] = schemas
	a.json(w, http.StatusOK, out)
}
