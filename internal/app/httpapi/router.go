package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/edwardtay/deadman-switch/internal/app/metrics"
	"github.com/edwardtay/deadman-switch/pkg/logger"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID returns the request ID assigned by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID tags every request with an X-Request-ID, generating one when the
// client did not send it, and logs the request outcome.
func requestID(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)

			ctx := context.WithValue(r.Context(), requestIDKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))

			log.WithField("request_id", id).
				WithField("method", r.Method).
				WithField("path", r.URL.Path).
				Debug("request handled")
		})
	}
}

// NewRouter assembles the full HTTP surface: the versioned API, health
// checking, and the metrics endpoint.
func NewRouter(h *Handler, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestID(log))
	r.Use(metrics.InstrumentHandler)

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.register)
			r.Get("/", h.listAccounts)

			r.Route("/me", func(r chi.Router) {
				r.Get("/", h.getAccount)
				r.Get("/balance", h.getBalance)
				r.Get("/status", h.getStatus)
				r.Get("/history", h.getHistory)
				r.Post("/heartbeat", h.heartbeat)
				r.Post("/deposit", h.deposit)
				r.Post("/reconcile", h.reconcile)
				r.Post("/withdraw", h.withdraw)
				r.Patch("/settings", h.updateSettings)
				r.Put("/beneficiaries", h.setBeneficiaries)
				r.Put("/grace-period", h.updateGracePeriod)
				r.Post("/trusted-parties", h.addTrustedParty)
				r.Delete("/trusted-parties/{party}", h.removeTrustedParty)
			})

			r.Post("/cancel-timeout", h.cancelTimeout)
		})
	})

	return r
}
