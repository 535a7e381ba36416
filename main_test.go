package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"prismachat/internal/store"
)

type testApp struct {
	srv   *httptest.Server
	store *store.DB
}

func newTestApp(t *testing.T, mutate ...func(*Config)) *testApp {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	public := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(public, "index.html"), []byte("<h1>prismachat</h1>"), 0o644))

	cfg := defaultConfig()
	cfg.JWTSecret = []byte("test-secret")
	cfg.PublicDir = public
	for _, m := range mutate {
		m(&cfg)
	}

	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "chat.db"), logger)
	require.NoError(t, err)
	require.NoError(t, st.Seed(ctx))

	handler, hub := newHandler(cfg, st, logger)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		st.Close()
	})
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		hub.Shutdown(context.Background())
	})
	return &testApp{srv: srv, store: st}
}

// do sends a JSON request and returns the status and raw body.
func (a *testApp) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

// register creates an account and returns its token.
func (a *testApp) register(t *testing.T, username string) string {
	t.Helper()
	status, body := a.do(t, http.MethodPost, "/api/auth/register", "", credentials{Username: username, Password: "secret"})
	require.Equal(t, http.StatusCreated, status, string(body))
	var resp authResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func (a *testApp) channelID(t *testing.T, name string) int64 {
	t.Helper()
	list, err := a.store.ListChannels(context.Background())
	require.NoError(t, err)
	for _, ch := range list {
		if ch.Name == name {
			return ch.ID
		}
	}
	t.Fatalf("no channel %q", name)
	return 0
}
