package httpapi

import (
	"net/http"

	"imagine/internal/http/handlers"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
	)

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/imaginations", func(r chi.Router) {
		r.Post("/", app.ImaginationCreate)
		r.Get("/engines", app.EnginesList)
		r.Post("/bulk", app.BulkCreate)
		r.Get("/bulk/{id}", app.BulkGet)
		r.Get("/{id}", app.ImaginationGet)
		r.Post("/{id}/cancel", app.ImaginationCancel)
		r.Post("/{id}/webhook", app.ImaginationWebhook)
	})

	return r
}
