package jira_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/workdigest/internal/adapter/driven/jira"
	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

var testSource = model.SourceConfig{ID: 3, Type: model.SourceTypeJira, Name: "issues"}

func secretFor(serverURL string) string {
	b, _ := json.Marshal(jira.Credential{URL: serverURL + "/", Email: "me@example.com", APIToken: "tok"})
	return string(b)
}

func issueJSON(key, summary, updated string) map[string]any {
	return map[string]any{
		"key": key,
		"fields": map[string]any{
			"summary":   summary,
			"updated":   updated,
			"status":    map[string]string{"name": "In Review"},
			"issuetype": map[string]string{"name": "Bug"},
			"project":   map[string]string{"name": "Platform"},
			"assignee":  map[string]string{"displayName": "Alice"},
		},
	}
}

func collect(conn *jira.Connector, src model.SourceConfig, secret string, since time.Time) ([]model.Update, error) {
	var updates []model.Update
	for u, err := range conn.FetchSince(context.Background(), src, secret, since) {
		if err != nil {
			return updates, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func TestFetchSince_MapsIssues(t *testing.T) {
	since := time.Date(2026, 3, 1, 8, 30, 45, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/3/search", r.URL.Path)
		assert.Equal(t, `(assignee = currentUser()) AND updated >= "2026-02-28 18:30" ORDER BY updated ASC`, r.URL.Query().Get("jql"))

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "me@example.com", user)
		assert.Equal(t, "tok", pass)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"startAt": 0, "maxResults": 50, "total": 1,
			"issues": []any{issueJSON("PLAT-7", "Fix login", "2026-03-01T09:45:00.000+0100")},
		})
	}))
	t.Cleanup(server.Close)

	conn := jira.NewConnector(server.Client(), 100)
	updates, err := collect(conn, testSource, secretFor(server.URL), since)

	require.NoError(t, err)
	require.Len(t, updates, 1)

	u := updates[0]
	assert.Equal(t, int64(3), u.SourceID)
	assert.Equal(t, "PLAT-7", u.ExternalID)
	assert.Equal(t, "[PLAT-7] Fix login", u.Title)
	assert.Equal(t, "Bug, status In Review, in Platform, assigned to Alice", u.Body)
	assert.Equal(t, server.URL+"/browse/PLAT-7", u.URL)
	assert.True(t, time.Date(2026, 3, 1, 8, 45, 0, 0, time.UTC).Equal(u.Timestamp))
}

func TestFetchSince_DropsIssuesBeforeWatermark(t *testing.T) {
	since := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The bound is widened by a full day of offsets so profile time
		// zones never hide updates after since.
		assert.Equal(t, `(assignee = currentUser()) AND updated >= "2026-10-15 20:00" ORDER BY updated ASC`, r.URL.Query().Get("jql"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"startAt": 0, "maxResults": 50, "total": 3,
			"issues": []any{
				issueJSON("OPS-1", "old", "2026-10-16T09:59:00.000+0000"),
				issueJSON("OPS-2", "local evening", "2026-10-16T08:30:00.000-0300"),
				issueJSON("OPS-3", "edge", "2026-10-16T13:00:00.000+0300"),
			},
		})
	}))
	t.Cleanup(server.Close)

	conn := jira.NewConnector(server.Client(), 100)
	updates, err := collect(conn, testSource, secretFor(server.URL), since)

	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, "OPS-2", updates[0].ExternalID)
	assert.Equal(t, "OPS-3", updates[1].ExternalID)
}

func TestFetchSince_FilterOrderByIsReplaced(t *testing.T) {
	since := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		jql  string
		want string
	}{
		{
			name: "order by updated only",
			jql:  "project = X ORDER BY updated DESC",
			want: `(project = X) AND updated >= "2026-10-15 20:00" ORDER BY updated ASC`,
		},
		{
			name: "updatedBy is not a time bound",
			jql:  "updatedBy = currentUser() order by key",
			want: `(updatedBy = currentUser()) AND updated >= "2026-10-15 20:00" ORDER BY updated ASC`,
		},
		{
			name: "own updated bound",
			jql:  "project = OPS AND updated >= -1d ORDER BY priority",
			want: "project = OPS AND updated >= -1d ORDER BY updated ASC",
		},
		{
			name: "updatedDate alias",
			jql:  "updatedDate > startOfDay()",
			want: "updatedDate > startOfDay() ORDER BY updated ASC",
		},
		{
			name: "only order by",
			jql:  "ORDER BY created",
			want: `updated >= "2026-10-15 20:00" ORDER BY updated ASC`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.URL.Query().Get("jql")
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"startAt":0,"maxResults":50,"total":0,"issues":[]}`))
			}))
			t.Cleanup(server.Close)

			src := testSource
			src.Options = map[string]string{"jql": tt.jql}

			_, err := collect(jira.NewConnector(server.Client(), 100), src, secretFor(server.URL), since)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFetchSince_StartAtPagination(t *testing.T) {
	var starts []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := r.URL.Query().Get("startAt")
		starts = append(starts, start)
		n, _ := strconv.Atoi(start)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"startAt": n, "maxResults": 2, "total": 3,
			"issues": func() []any {
				var out []any
				for i := n; i < min(n+2, 3); i++ {
					out = append(out, issueJSON(fmt.Sprintf("K-%d", i), "s", "2026-03-01T09:00:00.000+0000"))
				}
				return out
			}(),
		})
	}))
	t.Cleanup(server.Close)

	src := testSource
	src.Options = map[string]string{"page_size": "2"}

	conn := jira.NewConnector(server.Client(), 100)
	updates, err := collect(conn, src, secretFor(server.URL), time.Time{})

	require.NoError(t, err)
	require.Len(t, updates, 3)
	assert.Equal(t, []string{"0", "2"}, starts)
	assert.Equal(t, "K-2", updates[2].ExternalID)
}

func TestFetchSince_CustomJQLWithUpdatedClause(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "project = OPS AND updated >= -1d ORDER BY updated ASC", r.URL.Query().Get("jql"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"startAt":0,"maxResults":50,"total":0,"issues":[]}`))
	}))
	t.Cleanup(server.Close)

	src := testSource
	src.Options = map[string]string{"jql": "project = OPS AND updated >= -1d"}

	conn := jira.NewConnector(server.Client(), 100)
	updates, err := collect(conn, src, secretFor(server.URL), time.Now())
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestFetchSince_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		want       error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: driven.ErrAuthExpired},
		{name: "forbidden", status: http.StatusForbidden, want: driven.ErrAuthExpired},
		{name: "rate limited", status: http.StatusTooManyRequests, retryAfter: "30", want: driven.ErrRateLimited},
		{name: "server error", status: http.StatusServiceUnavailable, want: driven.ErrUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				w.WriteHeader(tc.status)
			}))
			t.Cleanup(server.Close)

			conn := jira.NewConnector(server.Client(), 100)
			_, err := collect(conn, testSource, secretFor(server.URL), time.Time{})

			require.ErrorIs(t, err, tc.want)
			if tc.retryAfter != "" {
				var connErr *driven.ConnectorError
				require.ErrorAs(t, err, &connErr)
				assert.Equal(t, 30*time.Second, connErr.RetryAfter)
			}
		})
	}
}

func TestFetchSince_InvalidCredential(t *testing.T) {
	conn := jira.NewConnector(nil, 100)

	for _, secret := range []string{"not json", `{"url":"https://x.atlassian.net"}`} {
		_, err := collect(conn, testSource, secret, time.Time{})
		require.ErrorIs(t, err, driven.ErrAuthExpired)
		assert.NotContains(t, err.Error(), secret)
	}
}

func TestFetchSince_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>maintenance</html>"))
	}))
	t.Cleanup(server.Close)

	conn := jira.NewConnector(server.Client(), 100)
	_, err := collect(conn, testSource, secretFor(server.URL), time.Time{})
	require.ErrorIs(t, err, driven.ErrUnavailable)
}

func TestFetchSince_CanceledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called with a canceled context")
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conn := jira.NewConnector(server.Client(), 100)
	var gotErr error
	for _, err := range conn.FetchSince(ctx, testSource, secretFor(server.URL), time.Time{}) {
		gotErr = err
	}
	require.ErrorIs(t, gotErr, driven.ErrUnavailable)
}
