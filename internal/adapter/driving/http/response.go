package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// OwnerRequest is the JSON body for the owner upsert endpoint. Enabled
// defaults to true when omitted.
type OwnerRequest struct {
	Destination string `json:"destination"`
	Cadence     string `json:"cadence"`
	Language    string `json:"language"`
	Enabled     *bool  `json:"enabled"`
}

// OwnerResponse is the JSON representation of an owner.
type OwnerResponse struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Cadence     string `json:"cadence"`
	Language    string `json:"language"`
	Enabled     bool   `json:"enabled"`
	NextFireAt  string `json:"next_fire_at,omitempty"`
}

// ConnectSourceRequest is the JSON body for the connect source endpoint.
type ConnectSourceRequest struct {
	Type        string            `json:"type"`
	Name        string            `json:"name"`
	PollCadence string            `json:"poll_cadence"`
	Options     map[string]string `json:"options"`
	Credential  string            `json:"credential"`
}

// CredentialRequest is the JSON body for the credential update endpoint.
type CredentialRequest struct {
	Credential string `json:"credential"`
}

// UpdateSourceRequest is the JSON body for editing a source. Omitted fields
// are left unchanged; options replaces the whole map.
type UpdateSourceRequest struct {
	Name        *string           `json:"name"`
	PollCadence *string           `json:"poll_cadence"`
	Options     map[string]string `json:"options"`
}

// SourceTestResponse reports whether a source's stored credential works.
type SourceTestResponse struct {
	Valid  bool   `json:"valid"`
	Status string `json:"status"`
}

// SourceResponse is the JSON representation of a source. It has no
// credential field.
type SourceResponse struct {
	ID                  int64             `json:"id"`
	OwnerID             string            `json:"owner_id"`
	Type                string            `json:"type"`
	Name                string            `json:"name"`
	PollCadence         string            `json:"poll_cadence,omitempty"`
	Enabled             bool              `json:"enabled"`
	Options             map[string]string `json:"options"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastPolledAt        string            `json:"last_polled_at,omitempty"`
	Watermark           string            `json:"watermark,omitempty"`
	CreatedAt           string            `json:"created_at,omitempty"`
}

// RunResponse is the JSON representation of a digest run. Deliveries is
// populated only on the single run endpoint.
type RunResponse struct {
	ID                int64                    `json:"id"`
	OwnerID           string                   `json:"owner_id"`
	Trigger           string                   `json:"trigger"`
	Status            string                   `json:"status"`
	ScheduledFor      string                   `json:"scheduled_for,omitempty"`
	StartedAt         string                   `json:"started_at,omitempty"`
	CompletedAt       string                   `json:"completed_at,omitempty"`
	Watermark         string                   `json:"watermark,omitempty"`
	IncompleteSources []model.IncompleteSource `json:"incomplete_sources"`
	DigestText        string                   `json:"digest_text,omitempty"`
	UsedFallback      bool                     `json:"used_fallback"`
	UpdateCount       int                      `json:"update_count"`
	Error             string                   `json:"error,omitempty"`
	CreatedAt         string                   `json:"created_at,omitempty"`
	Deliveries        []DeliveryResponse       `json:"deliveries,omitempty"`
}

// DeliveryResponse is the JSON representation of one dispatch attempt.
type DeliveryResponse struct {
	AttemptNumber int    `json:"attempt_number"`
	SentAt        string `json:"sent_at"`
	Status        string `json:"status"`
	Ack           string `json:"ack,omitempty"`
	Error         string `json:"error,omitempty"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status          string `json:"status"`
	Time            string `json:"time"`
	StoreOK         bool   `json:"store_ok"`
	StoreError      string `json:"store_error,omitempty"`
	LastDeliveredAt string `json:"last_delivered_at,omitempty"`
	FailedRuns      int    `json:"failed_runs"`
	ActiveRuns      int    `json:"active_runs"`
}

// formatTime renders t as RFC 3339 in UTC, or "" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toOwnerResponse(o model.Owner) OwnerResponse {
	return OwnerResponse{
		ID:          o.ID,
		Destination: o.Destination,
		Cadence:     o.Cadence,
		Language:    o.Language,
		Enabled:     o.Enabled,
		NextFireAt:  formatTime(o.NextFireAt),
	}
}

// toSourceResponse converts a domain SourceConfig to its JSON representation.
// Nil options become an empty object.
func toSourceResponse(s model.SourceConfig) SourceResponse {
	options := s.Options
	if options == nil {
		options = map[string]string{}
	}

	var pollCadence string
	if s.PollCadence > 0 {
		pollCadence = s.PollCadence.String()
	}

	return SourceResponse{
		ID:                  s.ID,
		OwnerID:             s.OwnerID,
		Type:                string(s.Type),
		Name:                s.Name,
		PollCadence:         pollCadence,
		Enabled:             s.Enabled,
		Options:             options,
		ConsecutiveFailures: s.ConsecutiveFailures,
		LastPolledAt:        formatTime(s.LastPolledAt),
		Watermark:           formatTime(s.Watermark),
		CreatedAt:           formatTime(s.CreatedAt),
	}
}

// toRunResponse converts a domain DigestRun to its JSON representation.
func toRunResponse(run model.DigestRun) RunResponse {
	incomplete := run.IncompleteSources
	if incomplete == nil {
		incomplete = []model.IncompleteSource{}
	}

	return RunResponse{
		ID:                run.ID,
		OwnerID:           run.OwnerID,
		Trigger:           string(run.Trigger),
		Status:            string(run.Status),
		ScheduledFor:      formatTime(run.ScheduledFor),
		StartedAt:         formatTime(run.StartedAt),
		CompletedAt:       formatTime(run.CompletedAt),
		Watermark:         formatTime(run.Watermark),
		IncompleteSources: incomplete,
		DigestText:        run.DigestText,
		UsedFallback:      run.UsedFallback,
		UpdateCount:       run.UpdateCount,
		Error:             run.Error,
		CreatedAt:         formatTime(run.CreatedAt),
	}
}

func toDeliveryResponse(d model.DigestDelivery) DeliveryResponse {
	return DeliveryResponse{
		AttemptNumber: d.AttemptNumber,
		SentAt:        formatTime(d.SentAt),
		Status:        string(d.Status),
		Ack:           d.Ack,
		Error:         d.Error,
	}
}
