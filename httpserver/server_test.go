package httpserver

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/authority-rotation/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(r chi.Router) {
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
}

func newTestServer() *Server {
	return New(&api.HTTPServerConfig{
		ListenAddr:    "127.0.0.1:0",
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		DrainDuration: time.Millisecond,
	}, nil, pingRoutes{})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestServer_Routes(t *testing.T) {
	h := newTestServer().Handler()

	w := get(t, h, "/ping")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())

	w = get(t, h, "/livez")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"alive"}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/").Code)
}

func TestServer_DrainCycle(t *testing.T) {
	h := newTestServer().Handler()

	tests := []struct {
		path       string
		wantStatus string
		wantReady  int
	}{
		{"/drain", "draining", http.StatusServiceUnavailable},
		{"/drain", "already draining", http.StatusServiceUnavailable},
		{"/undrain", "ready", http.StatusOK},
		{"/undrain", "already ready", http.StatusOK},
	}
	for _, tt := range tests {
		w := get(t, h, tt.path)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"`+tt.wantStatus+`"}`, w.Body.String())
		assert.Equal(t, tt.wantReady, get(t, h, "/readyz").Code)
	}
}
