package model

// SourceType selects the connector variant for a source.
type SourceType string

const (
	SourceTypeGitHub SourceType = "github" // code hosting
	SourceTypeJira   SourceType = "jira"   // issue tracker
	SourceTypeSlack  SourceType = "slack"  // chat
)

// RunStatus is the lifecycle state of a DigestRun.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusRunning    RunStatus = "running"
	RunStatusSummarized RunStatus = "summarized"
	RunStatusDelivered  RunStatus = "delivered"
	RunStatusFailed     RunStatus = "failed"
)

// IsActive reports whether a run in this status still holds the owner's
// single-run guard.
func (s RunStatus) IsActive() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSummarized:
		return true
	default:
		return false
	}
}

// RunTrigger records what created a run.
type RunTrigger string

const (
	RunTriggerScheduled RunTrigger = "scheduled"
	RunTriggerManual    RunTrigger = "manual"
	RunTriggerRetry     RunTrigger = "retry"
)

// DeliveryStatus is the outcome of one dispatch attempt.
type DeliveryStatus string

const (
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusTransient DeliveryStatus = "transient_failure"
	DeliveryStatusPermanent DeliveryStatus = "permanent_failure"
)
