package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modelmux/modelmux/internal/balancer"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/task"
)

// BackendsListHandler handles GET /admin/v1/backends: the live balancer
// snapshot, registration order preserved.
func BackendsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"backends": d.Coordinator.Balancer().Snapshot(),
		})
	}
}

// BackendsRegisterHandler handles POST /admin/v1/backends: registers one
// adapter at runtime and persists its config so it survives restarts.
func BackendsRegisterHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg task.AdapterConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			jsonError(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}

		if err := d.Coordinator.InitializeModels([]task.AdapterConfig{cfg}); err != nil {
			code := http.StatusBadRequest
			if errors.Is(err, balancer.ErrDuplicateModel) {
				code = http.StatusConflict
			}
			jsonError(w, err.Error(), code)
			return
		}

		if d.Store != nil {
			raw, _ := json.Marshal(cfg)
			if err := d.Store.UpsertBackend(r.Context(), store.BackendRecord{
				ModelID: cfg.ModelID,
				Kind:    cfg.Kind,
				Config:  string(raw),
				Enabled: true,
			}); err != nil {
				jsonError(w, "registered but not persisted: "+err.Error(), http.StatusInternalServerError)
				return
			}
		}
		writeJSON(w, http.StatusCreated, map[string]string{"model_id": cfg.ModelID})
	}
}

// BackendsDeleteHandler handles DELETE /admin/v1/backends/{id}.
func BackendsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		modelID := chi.URLParam(r, "id")
		if modelID == "" {
			jsonError(w, "backend id required", http.StatusBadRequest)
			return
		}

		if err := d.Coordinator.UnregisterAdapter(modelID); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, balancer.ErrUnknownModel) {
				code = http.StatusNotFound
			}
			jsonError(w, err.Error(), code)
			return
		}
		if d.Store != nil {
			if err := d.Store.DeleteBackend(r.Context(), modelID); err != nil {
				jsonError(w, "unregistered but not removed from store: "+err.Error(), http.StatusInternalServerError)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// HealthStatsHandler handles GET /admin/v1/health: probe-tracker state per
// backend, richer than the /healthz grade.
func HealthStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Health == nil {
			writeJSON(w, http.StatusOK, map[string]any{"backends": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"backends": d.Health.AllStats()})
	}
}

// StatsResponse is returned by the /admin/v1/stats endpoint.
type StatsResponse struct {
	Global     any `json:"global"`
	ByModel    any `json:"by_model"`
	ByTaskType any `json:"by_task_type"`
}

// StatsHandler returns windowed aggregates from the stats collector.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Stats == nil {
			writeJSON(w, http.StatusOK, StatsResponse{
				Global:     []any{},
				ByModel:    map[string]any{},
				ByTaskType: map[string]any{},
			})
			return
		}
		writeJSON(w, http.StatusOK, StatsResponse{
			Global:     d.Stats.Global(),
			ByModel:    d.Stats.Summary(),
			ByTaskType: d.Stats.SummaryByTaskType(),
		})
	}
}

// TaskLogsHandler handles GET /admin/v1/logs?model=...&task_type=...&since=...&limit=N&offset=N.
func TaskLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeJSON(w, http.StatusOK, map[string]any{"logs": []any{}})
			return
		}

		q := r.URL.Query()
		f := store.TaskLogFilter{
			ModelID:  q.Get("model"),
			TaskType: q.Get("task_type"),
		}
		if s := q.Get("since"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				jsonError(w, "since must be RFC3339", http.StatusBadRequest)
				return
			}
			f.Since = t
		}
		if s := q.Get("limit"); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				f.Limit = n
			}
		}
		if s := q.Get("offset"); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				f.Offset = n
			}
		}

		logs, err := d.Store.ListTaskLogs(r.Context(), f)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
	}
}
