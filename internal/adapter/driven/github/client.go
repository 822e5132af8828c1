// Package github implements the code-hosting Connector using the go-github library.
package github

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Connector = (*Connector)(nil)

const perPage = 50

// Connector fetches notification threads for a GitHub account. Each source
// gets its own client stack so ETag caches never cross credentials.
type Connector struct {
	mu      sync.Mutex
	clients map[int64]sourceClient

	// Test hooks; nil in production.
	httpClient *http.Client
	baseURL    *url.URL
}

type sourceClient struct {
	tokenSum [sha256.Size]byte
	gh       *gh.Client
}

// NewConnector creates a Connector. Clients use the following transport stack:
//  1. httpcache (ETag-based conditional request caching)
//  2. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  3. go-github (GitHub REST API client with PAT auth)
func NewConnector() *Connector {
	return &Connector{clients: make(map[int64]sourceClient)}
}

// NewConnectorWithHTTPClient creates a Connector with a custom http.Client and
// base URL. This constructor is intended for testing, allowing injection of an
// httptest server.
func NewConnectorWithHTTPClient(httpClient *http.Client, baseURL string) (*Connector, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return &Connector{
		clients:    make(map[int64]sourceClient),
		httpClient: httpClient,
		baseURL:    u,
	}, nil
}

// Type implements driven.Connector.
func (c *Connector) Type() model.SourceType { return model.SourceTypeGitHub }

// FetchSince yields notification threads updated since the watermark.
//
// Source options:
//   - participating: "true" limits to threads the user participates in
//   - all: "true" includes threads already marked read
//   - repos: comma-separated owner/repo allowlist
func (c *Connector) FetchSince(ctx context.Context, src model.SourceConfig, secret string, since time.Time) iter.Seq2[model.Update, error] {
	return func(yield func(model.Update, error) bool) {
		client := c.clientFor(src.ID, secret)
		allowed := repoAllowlist(src.Option("repos", ""))

		opts := &gh.NotificationListOptions{
			All:           src.Option("all", "false") == "true",
			Participating: src.Option("participating", "false") == "true",
			Since:         since,
			ListOptions:   gh.ListOptions{PerPage: perPage},
		}

		for {
			notes, resp, err := client.Activity.ListNotifications(ctx, opts)
			if err != nil {
				yield(model.Update{}, classify(fmt.Errorf("listing notifications (page %d): %w", opts.Page, err), resp))
				return
			}

			logRateLimit(resp, src.ID, opts.Page, len(notes))

			for _, n := range notes {
				if allowed != nil && !allowed[strings.ToLower(n.GetRepository().GetFullName())] {
					continue
				}
				if !yield(mapNotification(src.ID, n), nil) {
					return
				}
			}

			if resp.NextPage == 0 {
				return
			}
			opts.Page = resp.NextPage
		}
	}
}

// clientFor returns the cached client of a source, rebuilding it when the
// credential changed.
func (c *Connector) clientFor(sourceID int64, token string) *gh.Client {
	sum := sha256.Sum256([]byte(token))

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.clients[sourceID]; ok && cached.tokenSum == sum {
		return cached.gh
	}

	var client *gh.Client
	if c.httpClient != nil {
		client = gh.NewClient(c.httpClient).WithAuthToken(token)
		client.BaseURL = c.baseURL
	} else {
		cacheTransport := httpcache.NewMemoryCacheTransport()
		rateLimitClient := github_ratelimit.NewClient(cacheTransport)
		client = gh.NewClient(rateLimitClient).WithAuthToken(token)
	}

	c.clients[sourceID] = sourceClient{tokenSum: sum, gh: client}
	return client
}

// classify maps go-github errors onto the connector error taxonomy.
func classify(err error, resp *gh.Response) error {
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return driven.NewRateLimited(model.SourceTypeGitHub, max(0, time.Until(rateErr.Rate.Reset.Time)), err)
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return driven.NewRateLimited(model.SourceTypeGitHub, abuseErr.GetRetryAfter(), err)
	}

	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return driven.NewAuthExpired(model.SourceTypeGitHub, err)
		case http.StatusTooManyRequests:
			return driven.NewRateLimited(model.SourceTypeGitHub, 0, err)
		}
	}
	return driven.NewUnavailable(model.SourceTypeGitHub, err)
}

// mapNotification converts a go-github Notification to a domain Update.
// It uses GetXxx() helper methods exclusively to avoid nil pointer panics.
func mapNotification(sourceID int64, n *gh.Notification) model.Update {
	subject := n.GetSubject()
	repo := n.GetRepository().GetFullName()

	return model.Update{
		SourceID:   sourceID,
		ExternalID: n.GetID(),
		Title:      fmt.Sprintf("%s: %s", repo, subject.GetTitle()),
		Body:       fmt.Sprintf("%s (%s)", strings.ReplaceAll(n.GetReason(), "_", " "), subject.GetType()),
		Timestamp:  n.GetUpdatedAt().Time,
		URL:        htmlURL(subject.GetURL(), n.GetRepository().GetHTMLURL()),
	}
}

// htmlURL turns a REST subject URL into its web page. Subjects without a
// URL (discussions, releases on some plans) link to the repository.
func htmlURL(apiURL, repoURL string) string {
	u, err := url.Parse(apiURL)
	if apiURL == "" || err != nil {
		return repoURL
	}

	path := strings.TrimPrefix(u.Path, "/api/v3")
	path, ok := strings.CutPrefix(path, "/repos/")
	if !ok {
		return repoURL
	}
	path = strings.Replace(path, "/pulls/", "/pull/", 1)
	path = strings.Replace(path, "/commits/", "/commit/", 1)

	host := strings.TrimPrefix(u.Host, "api.")
	return "https://" + host + "/" + path
}

func repoAllowlist(option string) map[string]bool {
	if strings.TrimSpace(option) == "" {
		return nil
	}
	allowed := make(map[string]bool)
	for _, r := range strings.Split(option, ",") {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			allowed[r] = true
		}
	}
	return allowed
}

// logRateLimit logs the GitHub API rate limit status after each call.
func logRateLimit(resp *gh.Response, sourceID int64, page, count int) {
	if resp == nil {
		return
	}

	slog.Debug("github api call",
		"source_id", sourceID,
		"page", page,
		"count", count,
		"rate_remaining", resp.Rate.Remaining,
		"rate_limit", resp.Rate.Limit,
	)

	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		slog.Warn("github rate limit low",
			"source_id", sourceID,
			"remaining", resp.Rate.Remaining,
			"reset_in", time.Until(resp.Rate.Reset.Time).Round(time.Second),
		)
	}
}
