package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"imagine/internal/domain"
)

type bulkRequest struct {
	Engines       []domain.EngineKind `json:"engines"`
	AspectRatios  []string            `json:"aspect_ratios"`
	Prompt        string              `json:"prompt"`
	Delineation   string              `json:"delineation"`
	EnhancePrompt bool                `json:"enhance_prompt"`
}

type bulkResponse struct {
	ID             string                   `json:"id"`
	UserID         string                   `json:"user_id"`
	Prompt         string                   `json:"prompt"`
	Combinations   []domain.BulkCombination `json:"combinations"`
	TotalTasks     int                      `json:"total_tasks"`
	TotalCompleted int                      `json:"total_completed"`
	TotalFailed    int                      `json:"total_failed"`
	Results        []domain.BulkResult      `json:"results,omitempty"`
	Errors         []domain.BulkError       `json:"errors,omitempty"`
	Status         domain.Status            `json:"status"`
	TaskStatus     domain.TaskStatus        `json:"task_status"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
	CompletedAt    *time.Time               `json:"completed_at,omitempty"`
}

func toBulkResponse(bulk *domain.ImaginationBulk) bulkResponse {
	return bulkResponse{
		ID:             bulk.ID,
		UserID:         bulk.UserID,
		Prompt:         bulk.Params.Prompt,
		Combinations:   bulk.Combinations,
		TotalTasks:     bulk.TotalTasks,
		TotalCompleted: bulk.TotalCompleted,
		TotalFailed:    bulk.TotalFailed,
		Results:        bulk.Results,
		Errors:         bulk.Errors,
		Status:         bulk.Status,
		TaskStatus:     bulk.Status.TaskStatus(),
		CreatedAt:      bulk.CreatedAt,
		UpdatedAt:      bulk.UpdatedAt,
		CompletedAt:    bulk.CompletedAt,
	}
}

// BulkCreate fans one prompt out across engines and aspect ratios.
func (a *App) BulkCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	bulk, err := a.Bulk.Create(r.Context(), userID, req.Engines, req.AspectRatios, domain.ImagineParams{
		Prompt:        req.Prompt,
		Delineation:   req.Delineation,
		EnhancePrompt: req.EnhancePrompt,
	})
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusAccepted, toBulkResponse(bulk))
}

// BulkGet returns the aggregate state, including per-child errors.
func (a *App) BulkGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	bulk, err := a.Bulk.Get(r.Context(), id)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, toBulkResponse(bulk))
}
