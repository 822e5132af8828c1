package driven

import "context"

// SummaryBackend is the external AI service that condenses a prompt into text.
type SummaryBackend interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}
