package scm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/sast-triage/pkg/domain/triage"
)

func newTestGitHubClient(t *testing.T, srv *httptest.Server) *GitHubClient {
	t.Helper()
	c, err := NewGitHubClient(GitHubConfig{Owner: "acme", Repo: "payments", Branch: "develop", Token: "ghp_x", RawBaseURL: srv.URL + "/raw"})
	require.NoError(t, err)
	c.apiURL = srv.URL
	return c
}

func TestGitHubClient_GetFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ghp_x", r.Header.Get("Authorization"))
		assert.Equal(t, "2022-11-28", r.Header.Get("X-GitHub-Api-Version"))
		assert.Equal(t, "/repos/acme/payments/contents/src/Login.java", r.URL.Path)
		assert.Equal(t, "develop", r.URL.Query().Get("ref"))

		encoded := base64.StdEncoding.EncodeToString([]byte("class Login {}\n"))
		fmt.Fprintf(w, `{"type":"file","encoding":"base64","content":"%s\n"}`, encoded)
	}))
	defer srv.Close()

	content, err := newTestGitHubClient(t, srv).GetFile(context.Background(), "src/Login.java")

	require.NoError(t, err)
	assert.Equal(t, "class Login {}\n", content)
}

func TestGitHubClient_GetFile_FallsBackToRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/raw/") {
			assert.Equal(t, "/raw/acme/payments/develop/big/File.java", r.URL.Path)
			fmt.Fprint(w, "raw body")
			return
		}
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"This API returns blobs up to 1 MB in size"}`)
	}))
	defer srv.Close()

	content, err := newTestGitHubClient(t, srv).GetFile(context.Background(), "big/File.java")

	require.NoError(t, err)
	assert.Equal(t, "raw body", content)
}

func TestGitHubClient_GetFile_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestGitHubClient(t, srv).GetFile(context.Background(), "missing.go")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGitHubClient_GetFile_TransportErrorIsNotNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestGitHubClient(t, srv).GetFile(context.Background(), "a.go")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestGitHubClient_TestConnection(t *testing.T) {
	tests := []struct {
		name        string
		repoStatus  int
		repoBody    string
		branchCode  int
		wantSuccess bool
		wantType    string
		wantMessage string
	}{
		{"ok", 200, `{}`, 200, true, "", "Connected to acme/payments"},
		{"bad token", 401, `{}`, 200, false, triage.ErrorTypeAuthentication, "Authentication failed (401)"},
		{"rate limited", 403, `{"message":"API rate limit exceeded for user"}`, 200, false, triage.ErrorTypeRateLimit, "rate limit"},
		{"no access", 403, `{"message":"Resource not accessible"}`, 200, false, triage.ErrorTypePermission, "Access forbidden (403)"},
		{"missing repo", 404, `{}`, 200, false, triage.ErrorTypeNotFound, "Repository not found (404)"},
		{"missing branch", 200, `{}`, 404, false, triage.ErrorTypeNotFound, "Branch not found (404): Branch 'develop'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if strings.Contains(r.URL.Path, "/branches/") {
					w.WriteHeader(tt.branchCode)
					return
				}
				w.WriteHeader(tt.repoStatus)
				fmt.Fprint(w, tt.repoBody)
			}))
			defer srv.Close()

			r := newTestGitHubClient(t, srv).TestConnection(context.Background())

			assert.Equal(t, tt.wantSuccess, r.Success)
			assert.Equal(t, tt.wantType, r.ErrorType)
			assert.Contains(t, r.Message, tt.wantMessage)
		})
	}
}

func TestCodeSnippet(t *testing.T) {
	content := strings.Join([]string{"a", "b", "c", "d", "e"}, "\n")

	got := CodeSnippet(content, 3, 1)

	assert.Equal(t, "       2 | b\n>>>    3 | c\n       4 | d", got)
	assert.Equal(t, "", CodeSnippet(content, 40, 1))
	assert.Equal(t, ">>>    1 | a\n       2 | b", CodeSnippet(content, 1, 1))
}

func TestNewGitRetriever_RequiresURL(t *testing.T) {
	_, err := NewGitRetriever(GitConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNewGitRetriever_DefaultsBranch(t *testing.T) {
	r, err := NewGitRetriever(GitConfig{URL: "https://git.example.com/acme/payments.git", Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "main", r.config.Branch)
	assert.NotNil(t, r.auth)
}

func TestMapGitError(t *testing.T) {
	assert.ErrorIs(t, mapGitError(transport.ErrAuthenticationRequired), ErrAuthFailed)
	assert.ErrorIs(t, mapGitError(transport.ErrAuthorizationFailed), ErrAuthFailed)
	assert.ErrorIs(t, mapGitError(transport.ErrRepositoryNotFound), ErrNotFound)
	assert.ErrorIs(t, mapGitError(plumbing.ErrReferenceNotFound), ErrNotFound)

	other := errors.New("connection reset")
	assert.Equal(t, other, mapGitError(other))
}
