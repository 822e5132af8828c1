package httphandler

import (
	"net/http"
	"strconv"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
)

const maxRunListLimit = 200

// RequestRun triggers an out-of-cycle digest. The run executes in the
// background; the response carries the pending run.
func (h *Handler) RequestRun(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("owner")

	run, err := h.runs.RequestRun(r.Context(), ownerID)
	if err != nil {
		h.writeServiceError(w, err, "failed to request run", "owner_id", ownerID)
		return
	}

	writeJSON(w, http.StatusAccepted, toRunResponse(run))
}

// ListRuns returns an owner's runs, newest first. Optional query parameters:
// status (pending, running, summarized, delivered, failed) and limit.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("owner")

	status := model.RunStatus(r.URL.Query().Get("status"))
	if status != "" && !isKnownRunStatus(status) {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRunListLimit {
			writeError(w, http.StatusBadRequest, "invalid limit: expected 1-200")
			return
		}
		limit = n
	}

	runs, err := h.stores.Runs.ListByOwner(r.Context(), ownerID, status, limit)
	if err != nil {
		h.logger.Error("failed to list runs", "owner_id", ownerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, toRunResponse(run))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetRun returns a run together with its delivery attempts.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r)
	if !ok {
		return
	}

	run, err := h.stores.Runs.Get(r.Context(), runID)
	if err != nil {
		h.logger.Error("failed to get run", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	deliveries, err := h.stores.Deliveries.ListByRun(r.Context(), runID)
	if err != nil {
		h.logger.Error("failed to list deliveries", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := toRunResponse(*run)
	resp.Deliveries = make([]DeliveryResponse, 0, len(deliveries))
	for _, d := range deliveries {
		resp.Deliveries = append(resp.Deliveries, toDeliveryResponse(d))
	}

	writeJSON(w, http.StatusOK, resp)
}

// RetryRun retries a failed run.
func (h *Handler) RetryRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r)
	if !ok {
		return
	}

	run, err := h.runs.RetryRun(r.Context(), runID)
	if err != nil {
		h.writeServiceError(w, err, "failed to retry run", "run_id", runID)
		return
	}

	writeJSON(w, http.StatusAccepted, toRunResponse(run))
}

func isKnownRunStatus(s model.RunStatus) bool {
	switch s {
	case model.RunStatusPending, model.RunStatusRunning, model.RunStatusSummarized,
		model.RunStatusDelivered, model.RunStatusFailed:
		return true
	}
	return false
}
