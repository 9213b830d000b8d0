package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const loginPage = `<html><head>
	<meta name="csrf-token" content="tok-123" />
</head><body><form></form></body></html>`

// newLoginServer serves the login page and a form endpoint that accepts
// exactly one credential pair.
func newLoginServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/session/new", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(loginPage)) //nolint:errcheck
	})
	mux.HandleFunc("/session/create", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostFormValue("authenticity_token") != "tok-123" ||
			r.PostFormValue("user[username]") != "alice" ||
			r.PostFormValue("user[password]") != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "_session", Value: "sess-xyz", Path: "/"})
		if status == http.StatusFound {
			w.Header().Set("Location", "/")
		}
		w.WriteHeader(status)
	})
	return httptest.NewServer(mux)
}

func newTestManager(t *testing.T, srv *httptest.Server) *Manager {
	t.Helper()
	return NewManager(Config{
		CookieFile:   filepath.Join(t.TempDir(), "cookies.json"),
		LoginPageURL: srv.URL + "/session/new",
		LoginURL:     srv.URL + "/session/create",
		Timeout:      5 * time.Second,
	}, zap.NewNop())
}

func TestRefreshHappyPath(t *testing.T) {
	t.Parallel()

	srv := newLoginServer(t, http.StatusFound)
	defer srv.Close()

	m := newTestManager(t, srv)
	creds, err := m.Refresh(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	require.NotNil(t, creds)
	require.Len(t, creds.Cookies, 1)
	assert.Equal(t, "_session", creds.Cookies[0].Name)
	assert.Equal(t, "sess-xyz", creds.Cookies[0].Value)

	// The refreshed snapshot is now current.
	assert.Same(t, creds, m.Acquire())
}

func TestRefreshAcceptsOKWithSetCookie(t *testing.T) {
	t.Parallel()

	srv := newLoginServer(t, http.StatusOK)
	defer srv.Close()

	m := newTestManager(t, srv)
	creds, err := m.Refresh(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	require.Len(t, creds.Cookies, 1)
}

func TestRefreshRejectedCredentials(t *testing.T) {
	t.Parallel()

	srv := newLoginServer(t, http.StatusFound)
	defer srv.Close()

	m := newTestManager(t, srv)
	_, err := m.Refresh(context.Background(), "alice", "wrong")
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestRefreshMissingTokenFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head></head><body></body></html>`)) //nolint:errcheck
	}))
	defer srv.Close()

	m := newTestManager(t, srv)
	_, err := m.Refresh(context.Background(), "alice", "hunter2")
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestRefreshPersistsCookieFile(t *testing.T) {
	t.Parallel()

	srv := newLoginServer(t, http.StatusFound)
	defer srv.Close()

	m := newTestManager(t, srv)
	_, err := m.Refresh(context.Background(), "alice", "hunter2")
	require.NoError(t, err)

	data, err := os.ReadFile(m.cfg.CookieFile)
	require.NoError(t, err)
	var cookies []Cookie
	require.NoError(t, json.Unmarshal(data, &cookies))
	require.Len(t, cookies, 1)
	assert.Equal(t, "sess-xyz", cookies[0].Value)
}

func TestAcquireLoadsPersistedCookies(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cookies.json")
	saved := []Cookie{{Name: "_session", Value: "persisted", Path: "/", Domain: "example.com"}}
	data, err := json.Marshal(saved)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	m := NewManager(Config{CookieFile: path}, zap.NewNop())
	creds := m.Acquire()
	require.NotNil(t, creds)
	require.Len(t, creds.Cookies, 1)
	assert.Equal(t, "persisted", creds.Cookies[0].Value)
}

func TestAcquireWithoutFileReturnsNil(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{CookieFile: filepath.Join(t.TempDir(), "absent.json")}, zap.NewNop())
	assert.Nil(t, m.Acquire())
}

func TestInvalidateDropsSnapshot(t *testing.T) {
	t.Parallel()

	srv := newLoginServer(t, http.StatusFound)
	defer srv.Close()

	m := newTestManager(t, srv)
	_, err := m.Refresh(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	require.NotNil(t, m.Acquire())

	m.Invalidate()
	assert.Nil(t, m.Acquire())
}

func TestHTTPCookiesNilSnapshot(t *testing.T) {
	t.Parallel()

	var creds *Credentials
	assert.Nil(t, creds.HTTPCookies())
}
