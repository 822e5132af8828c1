package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

// storedTimeLayout is fixed width so stored timestamps compare correctly as
// text in SQL range predicates.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// CURRENT_TIMESTAMP defaults use the SQLite layout, which parseTime also accepts.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

func formatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// parseNullTime maps NULL to the zero time.
func parseNullTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return parseTime(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
