package model

import "time"

// Update is one activity item produced by a connector. (SourceID, ExternalID)
// identifies it across fetches.
type Update struct {
	SourceID   int64
	ExternalID string
	Title      string
	Body       string
	Timestamp  time.Time
	URL        string
}

// UpdateKey is the dedup key of an Update.
type UpdateKey struct {
	SourceID   int64
	ExternalID string
}

// Key returns the dedup key of u.
func (u Update) Key() UpdateKey {
	return UpdateKey{SourceID: u.SourceID, ExternalID: u.ExternalID}
}
