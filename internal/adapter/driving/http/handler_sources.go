package httphandler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ericfisherdev/workdigest/internal/application"
	"github.com/ericfisherdev/workdigest/internal/domain/model"
)

// ListSources returns every source of an owner, enabled or not. Credentials
// are never part of the response.
func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("owner")

	sources, err := h.stores.Sources.ListByOwner(r.Context(), ownerID)
	if err != nil {
		h.logger.Error("failed to list sources", "owner_id", ownerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]SourceResponse, 0, len(sources))
	for _, src := range sources {
		resp = append(resp, toSourceResponse(src))
	}

	writeJSON(w, http.StatusOK, resp)
}

// ConnectSource adds a source and stores its credential in the vault.
func (h *Handler) ConnectSource(w http.ResponseWriter, r *http.Request) {
	var req ConnectSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var pollCadence time.Duration
	if req.PollCadence != "" {
		d, err := time.ParseDuration(req.PollCadence)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid poll_cadence: expected a duration like 15m")
			return
		}
		pollCadence = d
	}

	ownerID := r.PathValue("owner")
	src, err := h.sources.Connect(r.Context(), model.SourceConfig{
		OwnerID:     ownerID,
		Type:        model.SourceType(req.Type),
		Name:        req.Name,
		PollCadence: pollCadence,
		Options:     req.Options,
	}, req.Credential)
	if err != nil {
		h.writeServiceError(w, err, "failed to connect source", "owner_id", ownerID, "source_type", req.Type)
		return
	}

	writeJSON(w, http.StatusCreated, toSourceResponse(src))
}

// UpdateSource edits a source's name, poll cadence or options. The watermark
// and credential are kept.
func (h *Handler) UpdateSource(w http.ResponseWriter, r *http.Request) {
	sourceID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req UpdateSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	patch := application.SourcePatch{Name: req.Name, Options: req.Options}
	if req.PollCadence != nil {
		var d time.Duration
		if *req.PollCadence != "" {
			parsed, err := time.ParseDuration(*req.PollCadence)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid poll_cadence: expected a duration like 15m")
				return
			}
			d = parsed
		}
		patch.PollCadence = &d
	}

	ownerID := r.PathValue("owner")
	src, err := h.sources.Update(r.Context(), ownerID, sourceID, patch)
	if err != nil {
		h.writeServiceError(w, err, "failed to update source", "owner_id", ownerID, "source_id", sourceID)
		return
	}

	writeJSON(w, http.StatusOK, toSourceResponse(src))
}

// TestSource checks the stored credential against the source. A rejected
// credential is a 200 with valid false.
func (h *Handler) TestSource(w http.ResponseWriter, r *http.Request) {
	sourceID, ok := pathID(w, r)
	if !ok {
		return
	}

	ownerID := r.PathValue("owner")
	check, err := h.sources.Test(r.Context(), ownerID, sourceID)
	if err != nil {
		h.writeServiceError(w, err, "failed to test source", "owner_id", ownerID, "source_id", sourceID)
		return
	}

	writeJSON(w, http.StatusOK, SourceTestResponse{Valid: check.Valid, Status: check.Status})
}

// UpdateCredential replaces a source's credential and re-enables the source.
func (h *Handler) UpdateCredential(w http.ResponseWriter, r *http.Request) {
	sourceID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req CredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ownerID := r.PathValue("owner")
	if err := h.sources.UpdateCredential(r.Context(), ownerID, sourceID, req.Credential); err != nil {
		h.writeServiceError(w, err, "failed to update credential", "owner_id", ownerID, "source_id", sourceID)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DisableSource soft-disables a source; its history stays readable.
func (h *Handler) DisableSource(w http.ResponseWriter, r *http.Request) {
	sourceID, ok := pathID(w, r)
	if !ok {
		return
	}

	ownerID := r.PathValue("owner")
	if err := h.sources.Disable(r.Context(), ownerID, sourceID); err != nil {
		h.writeServiceError(w, err, "failed to disable source", "owner_id", ownerID, "source_id", sourceID)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// pathID parses the {id} path value, writing a 400 when it is not a positive
// integer.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
