package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modelmux/modelmux/internal/coordinator"
	"github.com/modelmux/modelmux/internal/queue"
	"github.com/modelmux/modelmux/internal/task"
)

// Wait bound accepted from clients; anything above is clamped so a caller
// cannot pin a handler goroutine indefinitely.
const maxWaitMs = 120000

// TaskSubmitHandler handles POST /v1/tasks: non-blocking submission.
// 202 with the task id on accept, 429 when the queue is full.
func TaskSubmitHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req task.TaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}

		taskID, err := d.Coordinator.Submit(req)
		switch {
		case errors.Is(err, queue.ErrFull):
			w.Header().Set("Retry-After", "1")
			jsonError(w, "queue full", http.StatusTooManyRequests)
			return
		case errors.Is(err, queue.ErrClosed):
			jsonError(w, "scheduler shutting down", http.StatusServiceUnavailable)
			return
		case err != nil:
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
	}
}

// TaskResultHandler handles GET /v1/tasks/{id}?wait_ms=N. 200 with the
// response when ready, 202 while the task is still pending.
func TaskResultHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "id")
		if taskID == "" {
			jsonError(w, "task id required", http.StatusBadRequest)
			return
		}

		wait := parseWaitMs(r.URL.Query().Get("wait_ms"), 0)
		resp, err := d.Coordinator.GetResult(taskID, wait)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if resp == nil {
			writeJSON(w, http.StatusAccepted, map[string]string{
				"task_id": taskID,
				"status":  "pending",
			})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ProcessHandler handles POST /v1/process: submit and wait in one call.
// Falls back to 202 with the task id when the wait budget runs out, so the
// caller can poll /v1/tasks/{id}.
func ProcessHandler(d Dependencies) http.HandlerFunc {
	type processEnvelope struct {
		task.TaskRequest
		WaitMs int `json:"wait_ms,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var env processEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			jsonError(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}

		wait := clampWaitMs(env.WaitMs, 30000)
		taskID, err := d.Coordinator.Submit(env.TaskRequest)
		switch {
		case errors.Is(err, queue.ErrFull):
			w.Header().Set("Retry-After", "1")
			jsonError(w, "queue full", http.StatusTooManyRequests)
			return
		case err != nil:
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp, err := d.Coordinator.GetResult(taskID, wait)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if resp == nil {
			writeJSON(w, http.StatusAccepted, map[string]string{
				"task_id": taskID,
				"status":  "pending",
			})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// BatchHandler handles POST /v1/batch: submit all, collect in order. Slots
// that timed out or failed to submit come back null.
func BatchHandler(d Dependencies) http.HandlerFunc {
	type batchReq struct {
		Tasks []task.TaskRequest `json:"tasks"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Tasks) == 0 {
			jsonError(w, "tasks required", http.StatusBadRequest)
			return
		}

		results, err := d.Coordinator.BatchProcess(req.Tasks)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

// StatusHandler handles GET /v1/status.
func StatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Coordinator.Status())
	}
}

// HealthzHandler handles GET /healthz: 200 for healthy and degraded, 503
// for unhealthy, with the full report as the body either way.
func HealthzHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := d.Coordinator.HealthCheck(r.Context())
		code := http.StatusOK
		if report.Status == coordinator.HealthUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

func parseWaitMs(raw string, defaultMs int) time.Duration {
	ms := defaultMs
	if raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			ms = v
		}
	}
	return clampWaitMs(ms, defaultMs)
}

func clampWaitMs(ms, defaultMs int) time.Duration {
	if ms <= 0 {
		ms = defaultMs
	}
	if ms > maxWaitMs {
		ms = maxWaitMs
	}
	return time.Duration(ms) * time.Millisecond
}
