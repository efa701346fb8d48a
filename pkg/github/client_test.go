package github

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient serves the given mux from an httptest server. go-github
// prefixes enterprise base URLs with /api/v3.
func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := NewClientWithHTTP(server.Client(), server.URL)
	require.NoError(t, err)
	return client
}

func TestGetFileContent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/contents/main.py", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		fmt.Fprintf(w, `{"type":"file","encoding":"base64","content":%q,"sha":"blob-sha"}`,
			base64.StdEncoding.EncodeToString([]byte("print('hello')\n")))
	})
	client := newTestClient(t, mux)

	content, sha, err := client.GetFileContent(t.Context(), "acme", "widgets", "main.py", "main")
	require.NoError(t, err)
	assert.Equal(t, "print('hello')\n", string(content))
	assert.Equal(t, "blob-sha", sha)
}

func TestGetFileContentNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/contents/gone.py", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})
	client := newTestClient(t, mux)

	_, _, err := client.GetFileContent(t.Context(), "acme", "widgets", "gone.py", "main")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestCreateBranch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/git/ref/heads/main", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"ref":"refs/heads/main","object":{"sha":"base-sha"}}`)
	})
	var created struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}
	mux.HandleFunc("/api/v3/repos/acme/widgets/git/refs", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"ref":%q,"object":{"sha":"base-sha"}}`, created.Ref)
	})
	client := newTestClient(t, mux)

	require.NoError(t, client.CreateBranch(t.Context(), "acme", "widgets", "autopatch/fix-1", "main"))
	assert.Equal(t, "refs/heads/autopatch/fix-1", created.Ref)
	assert.Equal(t, "base-sha", created.SHA)
}

func TestCreateBranchAlreadyExistsIsReused(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/git/ref/heads/main", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"ref":"refs/heads/main","object":{"sha":"base-sha"}}`)
	})
	mux.HandleFunc("/api/v3/repos/acme/widgets/git/refs", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"message":"Reference already exists"}`)
	})
	client := newTestClient(t, mux)

	// Existing branch is not an error; the caller commits onto it.
	require.NoError(t, client.CreateBranch(t.Context(), "acme", "widgets", "autopatch/fix-1", "main"))
}

func TestCommitFileCreateVsUpdate(t *testing.T) {
	var bodies []map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/contents/main.py", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
		fmt.Fprint(w, `{"commit":{"sha":"commit-sha"}}`)
	})
	client := newTestClient(t, mux)

	// Create: no prior blob SHA.
	commit, err := client.CommitFile(t.Context(), "acme", "widgets", "main.py", "fix-branch", "fix: issue", []byte("new"), "")
	require.NoError(t, err)
	assert.Equal(t, "commit-sha", commit.SHA)

	// Update: prior blob SHA rides along.
	_, err = client.CommitFile(t.Context(), "acme", "widgets", "main.py", "fix-branch", "fix: issue", []byte("newer"), "old-sha")
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.NotContains(t, bodies[0], "sha")
	assert.Equal(t, "old-sha", bodies[1]["sha"])
	assert.Equal(t, "fix-branch", bodies[1]["branch"])
}

func TestCommitFileConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/contents/main.py", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"message":"is at X but expected Y"}`)
	})
	client := newTestClient(t, mux)

	_, err := client.CommitFile(t.Context(), "acme", "widgets", "main.py", "fix-branch", "msg", []byte("x"), "stale")
	require.Error(t, err)
	assert.True(t, IsConflict(err))
}

func TestCreatePR(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "autopatch/fix-1", body["head"])
		assert.Equal(t, "main", body["base"])
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":1,"number":7,"state":"open","title":"fix: issue","html_url":"https://example.com/pull/7"}`)
	})
	client := newTestClient(t, mux)

	pr, err := client.CreatePR(t.Context(), "acme", "widgets", "fix: issue", "body", "autopatch/fix-1", "main")
	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, "open", pr.State)
	assert.False(t, pr.Merged)
}

func TestGetPRMergeTimestampImpliesMerged(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/pulls/7", func(w http.ResponseWriter, _ *http.Request) {
		// List-style payload: merged flag absent, timestamp present.
		fmt.Fprint(w, `{"id":1,"number":7,"state":"closed","merged_at":"2026-08-30T12:00:00Z","closed_at":"2026-08-30T12:00:00Z"}`)
	})
	client := newTestClient(t, mux)

	pr, err := client.GetPR(t.Context(), "acme", "widgets", 7)
	require.NoError(t, err)
	assert.Equal(t, "closed", pr.State)
	assert.True(t, pr.Merged, "merge timestamp is authoritative")
	require.NotNil(t, pr.MergedAt)
}

func TestListOpenPRsForBranch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme:autopatch/fix-1", r.URL.Query().Get("head"))
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		fmt.Fprint(w, `[{"id":1,"number":7,"state":"open"}]`)
	})
	client := newTestClient(t, mux)

	prs, err := client.ListOpenPRsForBranch(t.Context(), "acme", "widgets", "autopatch/fix-1")
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, 7, prs[0].Number)
}

func TestServerErrorIsRetryable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/pulls/7", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	client := newTestClient(t, mux)

	_, err := client.GetPR(t.Context(), "acme", "widgets", 7)
	require.Error(t, err)
	var eserr *ExternalServiceError
	require.ErrorAs(t, err, &eserr)
	assert.Equal(t, KindRetryable, eserr.Kind)
	assert.Equal(t, http.StatusBadGateway, eserr.StatusCode)
}
