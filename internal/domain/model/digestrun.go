package model

import "time"

// IncompleteSource records a source whose results are missing or partial in a run.
type IncompleteSource struct {
	SourceID int64  `json:"source_id"`
	Name     string `json:"name"`
	Reason   string `json:"reason"`
	Partial  bool   `json:"partial"`
}

// DigestRun is one execution of the pipeline for one owner.
type DigestRun struct {
	ID                int64
	OwnerID           string
	Trigger           RunTrigger
	Status            RunStatus
	ScheduledFor      time.Time
	StartedAt         time.Time
	CompletedAt       time.Time
	Watermark         time.Time
	IncompleteSources []IncompleteSource
	DigestText        string
	UsedFallback      bool
	UpdateCount       int
	Error             string
	CreatedAt         time.Time
}

// DigestDelivery is one dispatch attempt for a run. Rows are append-only.
type DigestDelivery struct {
	ID            int64
	RunID         int64
	AttemptNumber int
	SentAt        time.Time
	Status        DeliveryStatus
	Ack           string
	Error         string
}
