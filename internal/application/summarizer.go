package application

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
	"github.com/ericfisherdev/workdigest/internal/metrics"
)

// maxBodyRunes bounds each update body in the prompt.
const maxBodyRunes = 200

// Style controls digest wording.
type Style struct {
	Language    string // "en" or "ru"
	Title       string
	SourceNames map[int64]string
	Incomplete  []model.IncompleteSource
}

// Digest is the summarizer output. Text is markdown.
type Digest struct {
	Text         string
	UsedFallback bool
}

// SummarizationError wraps a backend failure. It is logged and never
// returned to the pipeline.
type SummarizationError struct {
	Err error
}

func (e *SummarizationError) Error() string { return "summarization failed: " + e.Err.Error() }

func (e *SummarizationError) Unwrap() error { return e.Err }

// Summarizer condenses updates into digest text with one backend attempt and
// falls back to a deterministic template.
type Summarizer struct {
	backend driven.SummaryBackend
	budget  int
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewSummarizer creates a Summarizer. A nil backend always uses the
// template. budget is the prompt size limit in characters.
func NewSummarizer(backend driven.SummaryBackend, budget int, timeout time.Duration, m *metrics.Metrics) *Summarizer {
	return &Summarizer{backend: backend, budget: budget, timeout: timeout, metrics: m}
}

// Summarize never fails: backend errors degrade to the templated digest.
func (s *Summarizer) Summarize(ctx context.Context, updates []model.Update, style Style) Digest {
	if len(updates) == 0 {
		return Digest{Text: withIncompleteNote(emptyDigestText(style), style)}
	}

	if s.backend == nil {
		s.metrics.SummarizerFallback()
		return Digest{Text: FallbackDigest(updates, style), UsedFallback: true}
	}

	prompt, omitted := BuildPrompt(updates, style, s.budget)

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := s.backend.Summarize(callCtx, prompt)
	if err == nil && strings.TrimSpace(text) == "" {
		err = fmt.Errorf("backend returned empty text")
	}
	if err != nil {
		sumErr := &SummarizationError{Err: err}
		slog.Warn("summarizer falling back to template", "updates", len(updates), "error", sumErr)
		s.metrics.SummarizerFallback()
		return Digest{Text: FallbackDigest(updates, style), UsedFallback: true}
	}

	slog.Info("digest summarized",
		"updates", len(updates),
		"omitted", omitted,
		"prompt_chars", utf8.RuneCountInString(prompt),
		"duration", time.Since(start).Round(time.Millisecond),
	)

	return Digest{Text: withIncompleteNote(header(style, len(updates))+"\n\n"+strings.TrimSpace(text), style)}
}

// BuildPrompt renders the prompt for updates, dropping the oldest updates
// until it fits budget characters. It returns the number of omitted updates.
// A non-positive budget disables the limit.
func BuildPrompt(updates []model.Update, style Style, budget int) (string, int) {
	lines := make([]string, len(updates))
	for i, u := range updates {
		lines[i] = promptLine(u, style)
	}

	intro := promptIntro(style)
	size := utf8.RuneCountInString(intro)
	for _, l := range lines {
		size += utf8.RuneCountInString(l) + 1
	}

	omitted := 0
	for budget > 0 && omitted < len(lines) && size+omittedNoteLen(omitted) > budget {
		size -= utf8.RuneCountInString(lines[omitted]) + 1
		omitted++
	}

	var b strings.Builder
	b.WriteString(intro)
	for _, l := range lines[omitted:] {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if omitted > 0 {
		b.WriteString(omittedNote(omitted))
	}
	return b.String(), omitted
}

func promptIntro(style Style) string {
	lang := "in English"
	if style.Language == "ru" {
		lang = "in Russian"
	}
	return "Summarize the following work updates " + lang + ".\n" +
		"Group related items, lead with what needs attention, and keep it short.\n" +
		"Use simple markdown: bold, italics, links and bullet lists only.\n\n" +
		"Updates (oldest first):\n"
}

func promptLine(u model.Update, style Style) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- [%s] %s", sourceName(u.SourceID, style), u.Title)
	if body := truncateRunes(strings.Join(strings.Fields(u.Body), " "), maxBodyRunes); body != "" {
		b.WriteString(": ")
		b.WriteString(body)
	}
	if u.URL != "" {
		fmt.Fprintf(&b, " <%s>", u.URL)
	}
	fmt.Fprintf(&b, " (%s)", u.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}

func omittedNote(n int) string {
	return fmt.Sprintf("(%d older updates omitted)\n", n)
}

func omittedNoteLen(n int) int {
	if n == 0 {
		return 0
	}
	return utf8.RuneCountInString(omittedNote(n))
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}

// FallbackDigest renders updates grouped by source in order of each source's
// first update, with raw titles and links.
func FallbackDigest(updates []model.Update, style Style) string {
	var order []int64
	groups := make(map[int64][]model.Update)
	for _, u := range updates {
		if _, seen := groups[u.SourceID]; !seen {
			order = append(order, u.SourceID)
		}
		groups[u.SourceID] = append(groups[u.SourceID], u)
	}

	var b strings.Builder
	b.WriteString(header(style, len(updates)))
	for _, id := range order {
		fmt.Fprintf(&b, "\n\n**%s**\n", escapeMarkdown(sourceName(id, style)))
		for _, u := range groups[id] {
			title := escapeMarkdown(u.Title)
			if title == "" {
				title = "Untitled"
			}
			if u.URL != "" {
				fmt.Fprintf(&b, "\n- [%s](%s)", title, u.URL)
			} else {
				fmt.Fprintf(&b, "\n- %s", title)
			}
		}
	}
	return withIncompleteNote(b.String(), style)
}

func header(style Style, count int) string {
	title := style.Title
	if title == "" {
		title = localized(style, "Digest", "Дайджест")
	}

	var countText string
	switch {
	case style.Language == "ru" && count == 1:
		countText = "1 обновление"
	case style.Language == "ru":
		countText = fmt.Sprintf("%d обновлений", count)
	case count == 1:
		countText = "1 update"
	default:
		countText = fmt.Sprintf("%d updates", count)
	}
	return fmt.Sprintf("**%s** (%s)", escapeMarkdown(title), countText)
}

func emptyDigestText(style Style) string {
	return localized(style, "No new updates", "Нет новых обновлений")
}

func withIncompleteNote(text string, style Style) string {
	if len(style.Incomplete) == 0 {
		return text
	}
	parts := make([]string, len(style.Incomplete))
	for i, inc := range style.Incomplete {
		parts[i] = fmt.Sprintf("%s (%s)", escapeMarkdown(inc.Name), escapeMarkdown(inc.Reason))
	}
	label := localized(style, "Incomplete sources", "Неполные источники")
	return text + "\n\n_" + label + ": " + strings.Join(parts, ", ") + "_"
}

func localized(style Style, en, ru string) string {
	if style.Language == "ru" {
		return ru
	}
	return en
}

func sourceName(id int64, style Style) string {
	if name, ok := style.SourceNames[id]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("source %d", id)
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`_`, `\_`,
	"`", "\\`",
	`[`, `\[`,
	`]`, `\]`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
