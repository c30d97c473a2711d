package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"imagine/internal/accounting"
	"imagine/internal/domain"
	"imagine/internal/engine"
	"imagine/internal/infra"
	"imagine/internal/orchestrator"
)

// App bundles the collaborators every handler needs.
type App struct {
	Orchestrator *orchestrator.Orchestrator
	Bulk         *orchestrator.Bulk
	Imaginations domain.ImaginationRepository
	Engines      *engine.Registry
	Ledger       accounting.Ledger
	Logger       *infra.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]string{"error": errCode, "message": message})
}

// domainError maps domain failures onto HTTP responses.
func (a *App) domainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnsupportedEngine):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		a.error(w, http.StatusPaymentRequired, "insufficient_funds", err.Error())
	case errors.Is(err, domain.ErrServiceTimeout):
		a.error(w, http.StatusGatewayTimeout, "service_timeout", err.Error())
	default:
		if a.Logger != nil {
			a.Logger.Error().Err(err).Msg("request failed")
		}
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// currentUserID resolves the caller identity injected by the auth gateway.
func (a *App) currentUserID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
