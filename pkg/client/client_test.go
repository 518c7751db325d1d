package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leejennwah/scm-sync/internal/breaker"
	"github.com/leejennwah/scm-sync/internal/scm"
	"github.com/leejennwah/scm-sync/internal/status"
)

func TestClient(t *testing.T) {
	var lastQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Write([]byte(`{"status":"ok"}`))
		case "/api/v1/status":
			lastQuery = r.URL.RawQuery
			if r.URL.Query().Get("format") == "text" {
				w.Write([]byte("REPO\n"))
				return
			}
			json.NewEncoder(w).Encode(status.Snapshot{
				GeneratedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
				Totals:      status.Totals{Streams: 1, Open: 1},
				Entries: []status.Entry{{
					RepoID: "git:team/app", JobType: scm.JobTypeCommits, State: breaker.StateOpen,
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := New(srv.URL + "/")
	require.NoError(t, c.Health(ctx))

	snap, err := c.Status(ctx, status.Filter{RepoID: "git:team/app", JobType: scm.JobTypeCommits})
	require.NoError(t, err)
	assert.Equal(t, "job_type=commits&repo_id=git%3Ateam%2Fapp", lastQuery)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, breaker.StateOpen, snap.Entries[0].State)

	body, err := c.Render(ctx, status.Filter{}, "text")
	require.NoError(t, err)
	assert.Equal(t, "REPO\n", string(body))
}

func TestClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := New(srv.URL).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
