// internal/tracker/github_test.go
package tracker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/omegabot/omega/internal/evolution/models"
)

// recorder captures decoded request bodies keyed by "METHOD path".
type recorder struct {
	mu     sync.Mutex
	bodies map[string]map[string]any
}

func (r *recorder) record(t *testing.T, req *http.Request) {
	t.Helper()
	raw, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	body := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &body))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies[req.Method+" "+req.URL.Path] = body
}

func (r *recorder) get(key string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodies[key]
}

func setupTracker(t *testing.T, handler http.Handler) *GitHub {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	g, err := NewGitHub(zaptest.NewLogger(t), Config{
		Owner:             "omega",
		Repo:              "bot",
		Token:             "test-token",
		BaseBranch:        "main",
		APIURL:            server.URL,
		RequestsPerSecond: 1000,
		MaxRetries:        2,
	}, server.Client())
	require.NoError(t, err)
	return g
}

func TestNewGitHub_Validation(t *testing.T) {
	_, err := NewGitHub(zaptest.NewLogger(t), Config{Repo: "bot"}, nil)
	assert.Error(t, err)

	g, err := NewGitHub(zaptest.NewLogger(t), Config{Owner: "o", Repo: "r"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "main", g.cfg.BaseBranch)
	assert.Equal(t, uint64(3), g.cfg.MaxRetries)
}

func TestOpenIssue(t *testing.T) {
	rec := &recorder{bodies: map[string]map[string]any{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/omega/bot/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		rec.record(t, r)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 42}`))
	})
	g := setupTracker(t, mux)

	n, err := g.OpenIssue(context.Background(), models.IssueSpec{
		Title:  "Evolution: Add a weather tool",
		Body:   "tracking",
		Labels: []string{"evolution"},
	})
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	body := rec.get("POST /repos/omega/bot/issues")
	assert.Equal(t, "Evolution: Add a weather tool", body["title"])
	assert.Equal(t, []any{"evolution"}, body["labels"])
}

func TestOpenPullRequest(t *testing.T) {
	t.Run("CreatesLabelsAndRequestsReviewers", func(t *testing.T) {
		rec := &recorder{bodies: map[string]map[string]any{}}
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/omega/bot/pulls", func(w http.ResponseWriter, r *http.Request) {
			rec.record(t, r)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"number": 7, "html_url": "https://github.com/omega/bot/pull/7"}`))
		})
		mux.HandleFunc("/repos/omega/bot/issues/7/labels", func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			var labels []string
			require.NoError(t, json.Unmarshal(raw, &labels))
			assert.Equal(t, []string{"evolution", "risk:low"}, labels)
			_, _ = w.Write([]byte(`[]`))
		})
		mux.HandleFunc("/repos/omega/bot/pulls/7/requested_reviewers", func(w http.ResponseWriter, r *http.Request) {
			rec.record(t, r)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"number": 7}`))
		})
		g := setupTracker(t, mux)

		pr, err := g.OpenPullRequest(context.Background(), models.PullRequestSpec{
			Title:     "Add a weather tool",
			Body:      "body",
			Head:      "omega/evolution/2024-01-15-add-a-weather-tool",
			Labels:    []string{"evolution", "risk:low"},
			Reviewers: []string{"alice"},
			Draft:     true,
		})
		require.NoError(t, err)
		assert.Equal(t, 7, pr.Number)
		assert.Equal(t, "https://github.com/omega/bot/pull/7", pr.URL)

		body := rec.get("POST /repos/omega/bot/pulls")
		assert.Equal(t, "omega/evolution/2024-01-15-add-a-weather-tool", body["head"])
		assert.Equal(t, "main", body["base"])
		assert.Equal(t, true, body["draft"])
		assert.Equal(t, []any{"alice"}, rec.get("POST /repos/omega/bot/pulls/7/requested_reviewers")["reviewers"])
	})

	t.Run("RetriesServerErrors", func(t *testing.T) {
		var calls int32
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/omega/bot/pulls", func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte(`{"message": "upstream"}`))
				return
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"number": 8, "html_url": "u"}`))
		})
		g := setupTracker(t, mux)

		pr, err := g.OpenPullRequest(context.Background(), models.PullRequestSpec{Title: "t", Head: "h"})
		require.NoError(t, err)
		assert.Equal(t, 8, pr.Number)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("DoesNotRetryValidationErrors", func(t *testing.T) {
		var calls int32
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/omega/bot/pulls", func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				_, _ = w.Write([]byte(`[]`))
				return
			}
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message": "Validation Failed"}`))
		})
		g := setupTracker(t, mux)

		_, err := g.OpenPullRequest(context.Background(), models.PullRequestSpec{Title: "t", Head: "h"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "create pull request")
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("ReusesPullRequestCreatedBeforeServerError", func(t *testing.T) {
		var creates int32
		var listQuery atomic.Value
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/omega/bot/pulls", func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				listQuery.Store(r.URL.RawQuery)
				_, _ = w.Write([]byte(`[{"number": 11, "html_url": "https://github.com/omega/bot/pull/11"}]`))
				return
			}
			// The first create lands but the response is lost.
			if atomic.AddInt32(&creates, 1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte(`{"message": "upstream"}`))
				return
			}
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message": "Validation Failed", "errors": [{"message": "A pull request already exists for omega:h."}]}`))
		})
		g := setupTracker(t, mux)

		pr, err := g.OpenPullRequest(context.Background(), models.PullRequestSpec{Title: "t", Head: "h"})
		require.NoError(t, err)
		assert.Equal(t, 11, pr.Number)
		assert.Equal(t, "https://github.com/omega/bot/pull/11", pr.URL)
		assert.Equal(t, int32(2), atomic.LoadInt32(&creates))
		query, _ := listQuery.Load().(string)
		assert.Contains(t, query, "head=omega%3Ah")
		assert.Contains(t, query, "state=open")
	})

	t.Run("LabelFailureIsNotFatal", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/omega/bot/pulls", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"number": 9, "html_url": "u"}`))
		})
		mux.HandleFunc("/repos/omega/bot/issues/9/labels", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message": "Not Found"}`))
		})
		g := setupTracker(t, mux)

		pr, err := g.OpenPullRequest(context.Background(), models.PullRequestSpec{Title: "t", Head: "h", Labels: []string{"x"}})
		require.NoError(t, err)
		assert.Equal(t, 9, pr.Number)
	})
}

func TestCloseIssue(t *testing.T) {
	t.Run("CommentsThenCloses", func(t *testing.T) {
		rec := &recorder{bodies: map[string]map[string]any{}}
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/omega/bot/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			rec.record(t, r)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id": 1}`))
		})
		mux.HandleFunc("/repos/omega/bot/issues/42", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPatch, r.Method)
			rec.record(t, r)
			_, _ = w.Write([]byte(`{"number": 42, "state": "closed"}`))
		})
		g := setupTracker(t, mux)

		require.NoError(t, g.CloseIssue(context.Background(), 42, "Rejected: sanity checks failed"))

		assert.Equal(t, "Rejected: sanity checks failed", rec.get("POST /repos/omega/bot/issues/42/comments")["body"])
		closed := rec.get("PATCH /repos/omega/bot/issues/42")
		assert.Equal(t, "closed", closed["state"])
		assert.Equal(t, "not_planned", closed["state_reason"])
	})

	t.Run("CommentFailureStillCloses", func(t *testing.T) {
		var closed int32
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/omega/bot/issues/43/comments", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message": "Forbidden"}`))
		})
		mux.HandleFunc("/repos/omega/bot/issues/43", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&closed, 1)
			_, _ = w.Write([]byte(`{"number": 43, "state": "closed"}`))
		})
		g := setupTracker(t, mux)

		require.NoError(t, g.CloseIssue(context.Background(), 43, "bye"))
		assert.Equal(t, int32(1), atomic.LoadInt32(&closed))
	})

	t.Run("CloseFailureIsReturned", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/omega/bot/issues/44", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message": "Not Found"}`))
		})
		g := setupTracker(t, mux)

		err := g.CloseIssue(context.Background(), 44, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "close issue")
	})
}
