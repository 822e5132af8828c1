package model

import "time"

// Owner is the recipient of digests. Destination is the channel address
// (a Telegram chat ID) and Cadence the digest schedule.
type Owner struct {
	ID          string
	Destination string
	Cadence     string
	Language    string
	Enabled     bool
	NextFireAt  time.Time
	CreatedAt   time.Time
}
