// Package httpapi exposes the coordinator over HTTP: task submission and
// retrieval under /v1, the operational surface under /admin/v1, plus
// /healthz and /metrics.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modelmux/modelmux/internal/coordinator"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/stats"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/tsdb"
	"github.com/modelmux/modelmux/internal/vault"
)

// Dependencies carries everything the handlers need. Observability members
// are optional; handlers degrade to empty responses when one is nil.
type Dependencies struct {
	Coordinator *coordinator.Coordinator
	Vault       *vault.Vault
	Metrics     *metrics.Registry
	Store       store.Store
	Health      *health.Tracker
	EventBus    *events.Bus
	Stats       *stats.Collector
	TSDB        *tsdb.Store
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", HealthzHandler(d))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", TaskSubmitHandler(d))
		r.Get("/tasks/{id}", TaskResultHandler(d))
		r.Post("/process", ProcessHandler(d))
		r.Post("/batch", BatchHandler(d))
		r.Get("/status", StatusHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Get("/backends", BackendsListHandler(d))
		r.Post("/backends", BackendsRegisterHandler(d))
		r.Delete("/backends/{id}", BackendsDeleteHandler(d))

		r.Get("/health", HealthStatsHandler(d))
		r.Get("/stats", StatsHandler(d))
		r.Get("/logs", TaskLogsHandler(d))

		r.Get("/tsdb/query", TSDBQueryHandler(d.TSDB))
		r.Get("/tsdb/metrics", TSDBMetricsHandler(d.TSDB))
		r.Post("/tsdb/prune", TSDBPruneHandler(d.TSDB))
		r.Put("/tsdb/retention", TSDBRetentionHandler(d.TSDB))

		r.Post("/vault/unlock", VaultUnlockHandler(d))
		r.Post("/vault/lock", VaultLockHandler(d))
		r.Get("/vault", VaultStatusHandler(d))
		r.Put("/vault/secrets/{name}", VaultSetHandler(d))
		r.Delete("/vault/secrets/{name}", VaultDeleteHandler(d))

		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

// jsonError writes a JSON-encoded error response with the given status code.
// Response body format: {"error": "<msg>"}
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
