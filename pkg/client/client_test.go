package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"self":{"process_id":10,"role":"agent","version":"1.0.0"},"state":"default","processes":[{"process_id":10,"role":"agent"},{"process_id":11,"role":"controller"}]}`))
	})
	mux.HandleFunc("POST /api/update", func(w http.ResponseWriter, r *http.Request) {
		var req UpdateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.BinaryURL == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"url is outside the allowed prefix"}`))
			return
		}
		_, _ = w.Write([]byte(`{"session_id":"s1","install_dir":"/opt/nodex","backup_dir":"/opt/nodex/.backup/b"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientStatusAndUpdate(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api"})
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, st.Self.PID)
	assert.Equal(t, "default", st.State)
	assert.Len(t, st.Processes, 2)

	res, err := c.Update(ctx, "https://github.com/nodecross/nodex/releases/download/v2/a.zip")
	require.NoError(t, err)
	assert.Equal(t, "s1", res.SessionID)

	_, err = c.Update(ctx, "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the allowed prefix")
}

func TestClientUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api"})
	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.Status(context.Background())
	assert.Error(t, err)
}
