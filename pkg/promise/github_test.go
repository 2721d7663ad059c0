package promise

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReleaseNotesTagFormats(t *testing.T) {
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		if r.URL.Path == "/repos/psf/requests/releases/tags/2.31.0" {
			w.Write([]byte(`{"tag_name": "2.31.0", "body": "Fixed CVE-2023-32681"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer ts.Close()

	body, err := NewGitHubClient(ts.URL, "tok").ReleaseNotes(context.Background(), "", "psf/requests", "requests", "2.31.0")
	require.NoError(t, err)
	assert.Equal(t, "Fixed CVE-2023-32681", body)
	assert.Equal(t, []string{"/repos/psf/requests/releases/tags/v2.31.0", "/repos/psf/requests/releases/tags/2.31.0"}, paths)
}

func TestReleaseNotesListingFallback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/widget/releases":
			w.Write([]byte(`[{"name": "Widget 1.2.0", "tag_name": "w-1.2.0", "body": "notes 1.2.0"}, {"name": "Widget 1.1.0", "tag_name": "w-1.1.0", "body": "old"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	client := NewGitHubClient(ts.URL, "")
	body, err := client.ReleaseNotes(context.Background(), "", "acme/widget", "widget", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "notes 1.2.0", body)

	_, err = client.ReleaseNotes(context.Background(), "", "acme/widget", "widget", "9.9.9")
	assert.ErrorIs(t, err, ErrNoReleaseNotes)
}

func TestSourcePromisesSearchesRepo(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search/repositories":
			assert.Equal(t, "lodash in:name", r.URL.Query().Get("q"))
			assert.Equal(t, "Bearer per-scan", r.Header.Get("Authorization"))
			w.Write([]byte(`{"items": [{"full_name": "lodash/lodash"}]}`))
		case "/repos/lodash/lodash/releases/tags/v4.17.21":
			w.Write([]byte(`{"body": "- Fixed CVE-2021-23337 command injection in template"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	promises, err := NewSource(NewGitHubClient(ts.URL, "configured")).Promises(context.Background(), "per-scan", "", "lodash", "4.17.21")
	require.NoError(t, err)
	require.Len(t, promises, 1)
	assert.Equal(t, "CVE-2021-23337", promises[0].ID)
	assert.Equal(t, "input_validation", promises[0].BugClass)
}

func TestGitHubServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	_, err := NewGitHubClient(ts.URL, "").ReleaseNotes(context.Background(), "", "a/b", "b", "1.0")
	assert.ErrorContains(t, err, "403")
}
