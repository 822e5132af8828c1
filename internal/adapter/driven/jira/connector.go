// Package jira implements the issue-tracker Connector against the Jira Cloud
// REST API v3.
package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Connector = (*Connector)(nil)

const (
	searchPath       = "/rest/api/3/search"
	searchFields     = "summary,status,issuetype,project,assignee,updated"
	defaultPageSize  = 50
	jqlTimeLayout    = "2006-01-02 15:04"
	jiraTimeLayout   = "2006-01-02T15:04:05.000-0700"
	defaultJQLFilter = "assignee = currentUser()"

	// zoneMargin covers every UTC offset a Jira profile can use (-12h to +14h).
	zoneMargin = 14 * time.Hour
)

// Credential is the JSON secret stored for a Jira source.
type Credential struct {
	URL      string `json:"url"`
	Email    string `json:"email"`
	APIToken string `json:"api_token"`
}

// Connector fetches issues updated since the watermark. Requests are paced
// per Jira site.
type Connector struct {
	httpClient *http.Client
	limit      rate.Limit
	burst      int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewConnector creates a Connector allowing perSecond requests per site.
func NewConnector(httpClient *http.Client, perSecond float64) *Connector {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if perSecond <= 0 {
		perSecond = 5
	}
	return &Connector{
		httpClient: httpClient,
		limit:      rate.Limit(perSecond),
		burst:      max(1, int(perSecond)),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Type implements driven.Connector.
func (c *Connector) Type() model.SourceType { return model.SourceTypeJira }

// FetchSince yields issues matching the source's JQL updated at or after
// since. The JQL window is wider than since (see buildJQL); issues updated
// before since are skipped here.
//
// Source options:
//   - jql: filter combined with the updated clause (default "assignee = currentUser()")
//   - page_size: results per request (default 50)
func (c *Connector) FetchSince(ctx context.Context, src model.SourceConfig, secret string, since time.Time) iter.Seq2[model.Update, error] {
	return func(yield func(model.Update, error) bool) {
		cred, err := parseCredential(secret)
		if err != nil {
			yield(model.Update{}, driven.NewAuthExpired(model.SourceTypeJira, err))
			return
		}

		pageSize, err := strconv.Atoi(src.Option("page_size", strconv.Itoa(defaultPageSize)))
		if err != nil || pageSize < 1 {
			pageSize = defaultPageSize
		}
		jql, bounded := buildJQL(src.Option("jql", defaultJQLFilter), since)
		limiter := c.limiterFor(cred.URL)

		startAt := 0
		for {
			if err := limiter.Wait(ctx); err != nil {
				yield(model.Update{}, driven.NewUnavailable(model.SourceTypeJira, err))
				return
			}

			page, err := c.search(ctx, cred, jql, startAt, pageSize)
			if err != nil {
				yield(model.Update{}, err)
				return
			}

			slog.Debug("jira search page",
				"source_id", src.ID,
				"start_at", startAt,
				"count", len(page.Issues),
				"total", page.Total,
			)

			for _, issue := range page.Issues {
				u := mapIssue(src.ID, cred.URL, issue)
				if bounded && !u.Timestamp.IsZero() && u.Timestamp.Before(since) {
					continue
				}
				if !yield(u, nil) {
					return
				}
			}

			startAt += len(page.Issues)
			if len(page.Issues) == 0 || startAt >= page.Total {
				return
			}
		}
	}
}

type searchResponse struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []issue `json:"issues"`
}

type issue struct {
	Key    string      `json:"key"`
	Fields issueFields `json:"fields"`
}

type issueFields struct {
	Summary   string     `json:"summary"`
	Updated   string     `json:"updated"`
	Status    *namedJSON `json:"status"`
	IssueType *namedJSON `json:"issuetype"`
	Project   *namedJSON `json:"project"`
	Assignee  *struct {
		DisplayName string `json:"displayName"`
	} `json:"assignee"`
}

type namedJSON struct {
	Name string `json:"name"`
}

func (c *Connector) search(ctx context.Context, cred Credential, jql string, startAt, pageSize int) (*searchResponse, error) {
	q := url.Values{}
	q.Set("jql", jql)
	q.Set("startAt", strconv.Itoa(startAt))
	q.Set("maxResults", strconv.Itoa(pageSize))
	q.Set("fields", searchFields)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cred.URL+searchPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, driven.NewUnavailable(model.SourceTypeJira, fmt.Errorf("building search request: %w", err))
	}
	req.SetBasicAuth(cred.Email, cred.APIToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, driven.NewUnavailable(model.SourceTypeJira, fmt.Errorf("searching issues: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var page searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, driven.NewUnavailable(model.SourceTypeJira, fmt.Errorf("decoding search response: %w", err))
	}
	return &page, nil
}

// statusError maps a non-200 response onto the connector error taxonomy.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("jira search returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return driven.NewAuthExpired(model.SourceTypeJira, cause)
	case resp.StatusCode == http.StatusTooManyRequests:
		return driven.NewRateLimited(model.SourceTypeJira, retryAfter(resp.Header.Get("Retry-After")), cause)
	default:
		return driven.NewUnavailable(model.SourceTypeJira, cause)
	}
}

func (c *Connector) limiterFor(site string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	limiter, ok := c.limiters[site]
	if !ok {
		limiter = rate.NewLimiter(c.limit, c.burst)
		c.limiters[site] = limiter
	}
	return limiter
}

func parseCredential(secret string) (Credential, error) {
	var cred Credential
	if err := json.Unmarshal([]byte(secret), &cred); err != nil {
		return Credential{}, errors.New("credential is not valid JSON")
	}
	cred.URL = strings.TrimRight(strings.TrimSpace(cred.URL), "/")
	if cred.URL == "" || cred.Email == "" || cred.APIToken == "" {
		return Credential{}, errors.New("credential requires url, email and api_token")
	}
	return cred, nil
}

var (
	trailingOrderBy = regexp.MustCompile(`(?is)\s*\bORDER\s+BY\b.*$`)
	updatedBound    = regexp.MustCompile(`(?i)\bupdated(?:date)?\s*(?:[<>]=?|!?=)`)
)

// buildJQL combines the filter with the watermark clause and orders by
// updated. A trailing ORDER BY in the filter is dropped. A filter that
// compares "updated" itself replaces the watermark clause, and the second
// result is then false.
//
// Jira reads absolute dates in the searching user's time zone, so the bound
// is moved back by zoneMargin and FetchSince drops the extra issues by their
// real timestamp.
func buildJQL(filter string, since time.Time) (string, bool) {
	filter = strings.TrimSpace(trailingOrderBy.ReplaceAllString(filter, ""))
	if updatedBound.MatchString(filter) {
		return filter + " ORDER BY updated ASC", false
	}

	clause := fmt.Sprintf(`updated >= "%s"`, since.UTC().Add(-zoneMargin).Format(jqlTimeLayout))
	if filter == "" {
		return clause + " ORDER BY updated ASC", true
	}
	return fmt.Sprintf("(%s) AND %s ORDER BY updated ASC", filter, clause), true
}

func mapIssue(sourceID int64, site string, is issue) model.Update {
	f := is.Fields

	var parts []string
	if f.IssueType != nil && f.IssueType.Name != "" {
		parts = append(parts, f.IssueType.Name)
	}
	if f.Status != nil && f.Status.Name != "" {
		parts = append(parts, "status "+f.Status.Name)
	}
	if f.Project != nil && f.Project.Name != "" {
		parts = append(parts, "in "+f.Project.Name)
	}
	if f.Assignee != nil && f.Assignee.DisplayName != "" {
		parts = append(parts, "assigned to "+f.Assignee.DisplayName)
	}

	updated, err := time.Parse(jiraTimeLayout, f.Updated)
	if err != nil {
		slog.Warn("unparseable jira timestamp", "issue", is.Key, "updated", f.Updated)
	}

	return model.Update{
		SourceID:   sourceID,
		ExternalID: is.Key,
		Title:      fmt.Sprintf("[%s] %s", is.Key, f.Summary),
		Body:       strings.Join(parts, ", "),
		Timestamp:  updated.UTC(),
		URL:        site + "/browse/" + is.Key,
	}
}

func retryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
