// Package slack implements the chat Connector using the slack-go library.
package slack

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Connector = (*Connector)(nil)

const pageLimit = 200

// Message subtypes that carry no activity worth digesting.
var skippedSubtypes = map[string]bool{
	"bot_message":   true,
	"channel_join":  true,
	"channel_leave": true,
}

// Slack error codes that mean the token no longer works.
var authErrors = []string{
	"invalid_auth", "not_authed", "account_inactive",
	"token_revoked", "token_expired", "missing_scope",
}

// Connector reads channel history with a bot token. Calls are paced per
// source to stay inside the conversations.history tier.
type Connector struct {
	httpClient *http.Client
	apiURL     string // empty uses slack-go's default
	limit      rate.Limit

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewConnector creates a Connector allowing perMinute calls per source.
// apiURL overrides the Slack API base and must end with a slash.
func NewConnector(httpClient *http.Client, apiURL string, perMinute int) *Connector {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if perMinute <= 0 {
		perMinute = 50
	}
	return &Connector{
		httpClient: httpClient,
		apiURL:     apiURL,
		limit:      rate.Limit(float64(perMinute) / 60.0),
		limiters:   make(map[int64]*rate.Limiter),
	}
}

// Type implements driven.Connector.
func (c *Connector) Type() model.SourceType { return model.SourceTypeSlack }

// FetchSince yields messages posted or edited since the watermark in each
// configured channel.
//
// Source options:
//   - channels: comma-separated channel IDs (required)
//   - threads: "true" also yields thread replies
//   - workspace_url: e.g. https://acme.slack.com, used for message links
func (c *Connector) FetchSince(ctx context.Context, src model.SourceConfig, secret string, since time.Time) iter.Seq2[model.Update, error] {
	return func(yield func(model.Update, error) bool) {
		channels := splitList(src.Option("channels", ""))
		if len(channels) == 0 {
			slog.Warn("slack source has no channels configured", "source_id", src.ID)
			return
		}

		f := &fetch{
			api:       c.client(secret),
			limiter:   c.limiterFor(src.ID),
			src:       src,
			oldest:    slackTimestamp(since),
			threads:   src.Option("threads", "false") == "true",
			workspace: strings.TrimRight(src.Option("workspace_url", ""), "/"),
		}

		for _, channelID := range channels {
			if !f.channel(ctx, channelID, yield) {
				return
			}
		}
	}
}

func (c *Connector) client(token string) *slack.Client {
	opts := []slack.Option{slack.OptionHTTPClient(c.httpClient)}
	if c.apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(c.apiURL))
	}
	return slack.New(token, opts...)
}

func (c *Connector) limiterFor(sourceID int64) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	limiter, ok := c.limiters[sourceID]
	if !ok {
		limiter = rate.NewLimiter(c.limit, 3)
		c.limiters[sourceID] = limiter
	}
	return limiter
}

// fetch holds the state of one FetchSince call.
type fetch struct {
	api       *slack.Client
	limiter   *rate.Limiter
	src       model.SourceConfig
	oldest    string
	threads   bool
	workspace string
}

// channel yields one channel's history. It returns false when iteration
// must stop, either because the consumer broke out or an error was yielded.
func (f *fetch) channel(ctx context.Context, channelID string, yield func(model.Update, error) bool) bool {
	name := f.channelName(ctx, channelID)

	params := &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Oldest:    f.oldest,
		Limit:     pageLimit,
	}

	for {
		if err := f.limiter.Wait(ctx); err != nil {
			yield(model.Update{}, driven.NewUnavailable(model.SourceTypeSlack, err))
			return false
		}

		resp, err := f.api.GetConversationHistoryContext(ctx, params)
		if err != nil {
			yield(model.Update{}, classify(fmt.Errorf("conversations.history %s: %w", channelID, err)))
			return false
		}

		slog.Debug("slack history page",
			"source_id", f.src.ID,
			"channel", channelID,
			"count", len(resp.Messages),
			"has_more", resp.HasMore,
		)

		for _, msg := range resp.Messages {
			if skippedSubtypes[msg.SubType] || msg.BotID != "" {
				continue
			}
			if !yield(f.mapMessage(channelID, name, msg), nil) {
				return false
			}
			if f.threads && msg.ReplyCount > 0 {
				if !f.replies(ctx, channelID, name, msg.Timestamp, yield) {
					return false
				}
			}
		}

		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			return true
		}
		params.Cursor = resp.ResponseMetaData.NextCursor
	}
}

func (f *fetch) replies(ctx context.Context, channelID, name, threadTS string, yield func(model.Update, error) bool) bool {
	params := &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Oldest:    f.oldest,
		Limit:     pageLimit,
	}

	for {
		if err := f.limiter.Wait(ctx); err != nil {
			yield(model.Update{}, driven.NewUnavailable(model.SourceTypeSlack, err))
			return false
		}

		msgs, hasMore, cursor, err := f.api.GetConversationRepliesContext(ctx, params)
		if err != nil {
			yield(model.Update{}, classify(fmt.Errorf("conversations.replies %s/%s: %w", channelID, threadTS, err)))
			return false
		}

		for _, msg := range msgs {
			if msg.Timestamp == threadTS || skippedSubtypes[msg.SubType] || msg.BotID != "" {
				continue
			}
			if !yield(f.mapMessage(channelID, name, msg), nil) {
				return false
			}
		}

		if !hasMore || cursor == "" {
			return true
		}
		params.Cursor = cursor
	}
}

// channelName resolves a channel's display name, falling back to its ID.
func (f *fetch) channelName(ctx context.Context, channelID string) string {
	if err := f.limiter.Wait(ctx); err != nil {
		return channelID
	}
	ch, err := f.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil || ch == nil || ch.Name == "" {
		slog.Debug("slack channel name unavailable", "channel", channelID, "error", err)
		return channelID
	}
	return ch.Name
}

func (f *fetch) mapMessage(channelID, name string, msg slack.Message) model.Update {
	ts := parseTimestamp(msg.Timestamp)
	if msg.Edited != nil {
		if edited := parseTimestamp(msg.Edited.Timestamp); edited.After(ts) {
			ts = edited
		}
	}

	title := "#" + name
	if msg.ThreadTimestamp != "" && msg.ThreadTimestamp != msg.Timestamp {
		title += " (thread reply)"
	}

	var link string
	if f.workspace != "" {
		link = fmt.Sprintf("%s/archives/%s/p%s", f.workspace, channelID, strings.ReplaceAll(msg.Timestamp, ".", ""))
	}

	return model.Update{
		SourceID:   f.src.ID,
		ExternalID: channelID + ":" + msg.Timestamp,
		Title:      title,
		Body:       msg.Text,
		Timestamp:  ts,
		URL:        link,
	}
}

// classify maps slack-go errors onto the connector error taxonomy.
func classify(err error) error {
	var rateErr *slack.RateLimitedError
	if errors.As(err, &rateErr) {
		return driven.NewRateLimited(model.SourceTypeSlack, rateErr.RetryAfter, err)
	}

	var statusErr slack.StatusCodeError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return driven.NewAuthExpired(model.SourceTypeSlack, err)
		case http.StatusTooManyRequests:
			return driven.NewRateLimited(model.SourceTypeSlack, 0, err)
		}
		return driven.NewUnavailable(model.SourceTypeSlack, err)
	}

	msg := err.Error()
	for _, code := range authErrors {
		if strings.Contains(msg, code) {
			return driven.NewAuthExpired(model.SourceTypeSlack, err)
		}
	}
	return driven.NewUnavailable(model.SourceTypeSlack, err)
}

// slackTimestamp formats t as a Slack "seconds.micros" timestamp.
func slackTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

func parseTimestamp(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		frac = (frac + "000000")[:6]
		micros, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, micros*1000).UTC()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
