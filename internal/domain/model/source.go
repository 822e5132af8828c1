package model

import "time"

// SourceConfig is one connected account of an external tool. Sources are
// disabled rather than deleted so their run history stays intact.
type SourceConfig struct {
	ID                  int64
	OwnerID             string
	Type                SourceType
	Name                string
	PollCadence         time.Duration // minimum spacing between fetches; 0 fetches on every run
	Enabled             bool
	Options             map[string]string
	ConsecutiveFailures int
	LastPolledAt        time.Time
	Watermark           time.Time
	CreatedAt           time.Time
}

// DueForPoll reports whether the source should be fetched at now.
func (s SourceConfig) DueForPoll(now time.Time) bool {
	if s.PollCadence <= 0 || s.LastPolledAt.IsZero() {
		return true
	}
	return !now.Before(s.LastPolledAt.Add(s.PollCadence))
}

// Option returns the named connector option or def when unset.
func (s SourceConfig) Option(key, def string) string {
	if v, ok := s.Options[key]; ok && v != "" {
		return v
	}
	return def
}
