package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ericfisherdev/workdigest/internal/application"
	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// RunTrigger starts and retries digest runs and stores owner cadence.
// *application.Scheduler satisfies it.
type RunTrigger interface {
	RequestRun(ctx context.Context, ownerID string) (model.DigestRun, error)
	RetryRun(ctx context.Context, runID int64) (model.DigestRun, error)
	ConfigureOwner(ctx context.Context, owner model.Owner) (model.Owner, error)
}

// SourceManager connects, edits, tests and disables sources.
// *application.SourceService satisfies it.
type SourceManager interface {
	Connect(ctx context.Context, src model.SourceConfig, secret string) (model.SourceConfig, error)
	Update(ctx context.Context, ownerID string, sourceID int64, patch application.SourcePatch) (model.SourceConfig, error)
	UpdateCredential(ctx context.Context, ownerID string, sourceID int64, secret string) error
	Test(ctx context.Context, ownerID string, sourceID int64) (application.SourceCheck, error)
	Disable(ctx context.Context, ownerID string, sourceID int64) error
}

// HealthChecker assembles the health view.
type HealthChecker interface {
	Check(ctx context.Context) application.HealthReport
}

// Stores groups the read-side ports the API serves directly.
type Stores struct {
	Owners     driven.OwnerStore
	Sources    driven.SourceStore
	Runs       driven.RunStore
	Deliveries driven.DeliveryStore
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	stores  Stores
	runs    RunTrigger
	sources SourceManager
	health  HealthChecker
	metrics http.Handler
	logger  *slog.Logger
}

// NewHandler creates a Handler with all required dependencies. metrics may be
// nil to leave /metrics unregistered.
func NewHandler(
	stores Stores,
	runs RunTrigger,
	sources SourceManager,
	health HealthChecker,
	metrics http.Handler,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		stores:  stores,
		runs:    runs,
		sources: sources,
		health:  health,
		metrics: metrics,
		logger:  logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)

	mux.HandleFunc("GET /api/v1/owners/{owner}", h.GetOwner)
	mux.HandleFunc("PUT /api/v1/owners/{owner}", h.PutOwner)

	mux.HandleFunc("GET /api/v1/owners/{owner}/sources", h.ListSources)
	mux.HandleFunc("POST /api/v1/owners/{owner}/sources", h.ConnectSource)
	mux.HandleFunc("PATCH /api/v1/owners/{owner}/sources/{id}", h.UpdateSource)
	mux.HandleFunc("PUT /api/v1/owners/{owner}/sources/{id}/credential", h.UpdateCredential)
	mux.HandleFunc("POST /api/v1/owners/{owner}/sources/{id}/test", h.TestSource)
	mux.HandleFunc("DELETE /api/v1/owners/{owner}/sources/{id}", h.DisableSource)

	mux.HandleFunc("POST /api/v1/owners/{owner}/runs", h.RequestRun)
	mux.HandleFunc("GET /api/v1/owners/{owner}/runs", h.ListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.GetRun)
	mux.HandleFunc("POST /api/v1/runs/{id}/retry", h.RetryRun)

	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health reports store reachability and run statistics. It answers 503 when
// the store is unreachable so container health checks fail.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.health.Check(r.Context())

	resp := HealthResponse{
		Status:          "ok",
		Time:            time.Now().UTC().Format(time.RFC3339),
		StoreOK:         report.StoreOK,
		StoreError:      report.StoreError,
		LastDeliveredAt: formatTime(report.LastDeliveredAt),
		FailedRuns:      report.FailedRuns,
		ActiveRuns:      report.ActiveRuns,
	}

	status := http.StatusOK
	if !report.Healthy() {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// GetOwner returns an owner's delivery settings.
func (h *Handler) GetOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("owner")

	owner, err := h.stores.Owners.Get(r.Context(), ownerID)
	if err != nil {
		h.logger.Error("failed to get owner", "owner_id", ownerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if owner == nil {
		writeError(w, http.StatusNotFound, "owner not found")
		return
	}

	writeJSON(w, http.StatusOK, toOwnerResponse(*owner))
}

// PutOwner creates or updates an owner. Changing the cadence reschedules the
// next digest.
func (h *Handler) PutOwner(w http.ResponseWriter, r *http.Request) {
	var req OwnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ownerID := r.PathValue("owner")
	if !isValidOwnerID(ownerID) {
		writeError(w, http.StatusBadRequest, "invalid owner id")
		return
	}
	if strings.TrimSpace(req.Destination) == "" {
		writeError(w, http.StatusBadRequest, "destination is required")
		return
	}
	if req.Language != "" && req.Language != "en" && req.Language != "ru" {
		writeError(w, http.StatusBadRequest, "language must be en or ru")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	owner, err := h.runs.ConfigureOwner(r.Context(), model.Owner{
		ID:          ownerID,
		Destination: strings.TrimSpace(req.Destination),
		Cadence:     strings.TrimSpace(req.Cadence),
		Language:    req.Language,
		Enabled:     enabled,
	})
	if err != nil {
		h.writeServiceError(w, err, "failed to configure owner", "owner_id", ownerID)
		return
	}

	writeJSON(w, http.StatusOK, toOwnerResponse(owner))
}

// writeServiceError maps application and port errors to HTTP statuses.
// Unknown errors are logged and reported as 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg string, args ...any) {
	switch {
	case errors.Is(err, application.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, application.ErrOwnerNotFound):
		writeError(w, http.StatusNotFound, "owner not found")
	case errors.Is(err, application.ErrSourceNotFound):
		writeError(w, http.StatusNotFound, "source not found")
	case errors.Is(err, application.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, driven.ErrRunInProgress):
		writeError(w, http.StatusConflict, "a digest run is already active for this owner")
	case errors.Is(err, application.ErrRunNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, driven.ErrEncryptionKeyNotSet):
		writeError(w, http.StatusServiceUnavailable, "credential vault is locked: set WORKDIGEST_SECRET_KEY")
	default:
		h.logger.Error(msg, append(args, "error", err)...)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// isValidOwnerID accepts 1-64 characters of letters, digits, hyphens, dots
// and underscores.
func isValidOwnerID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, ch := range id {
		if !isValidOwnerChar(ch) {
			return false
		}
	}
	return true
}

func isValidOwnerChar(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '.' || ch == '_'
}
