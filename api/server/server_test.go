package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/keyset-restore/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingHandler struct{}

func (pingHandler) RegisterRoutes(r chi.Router) {
	r.Get("/web/ping", func(w http.ResponseWriter, r *http.Request) { api.WriteOK(w, "pong", nil) })
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	srv := New(&api.HTTPServerConfig{
		ListenAddr: "127.0.0.1:0",
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil, pingHandler{})
	return srv.Handler()
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestRoutes(t *testing.T) {
	h := newTestServer(t)

	rr := get(h, "/web/ping")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "pong")

	assert.Equal(t, http.StatusOK, get(h, "/livez").Code)
	assert.Equal(t, http.StatusNotFound, get(h, "/debug/pprof/").Code)
}

func TestDrainUndrain(t *testing.T) {
	h := newTestServer(t)

	assert.Equal(t, http.StatusOK, get(h, "/readyz").Code)

	rr := get(h, "/drain")
	assert.JSONEq(t, `{"status":"draining"}`, rr.Body.String())
	assert.Equal(t, http.StatusServiceUnavailable, get(h, "/readyz").Code)
	assert.JSONEq(t, `{"status":"already draining"}`, get(h, "/drain").Body.String())

	assert.JSONEq(t, `{"status":"ready"}`, get(h, "/undrain").Body.String())
	assert.Equal(t, http.StatusOK, get(h, "/readyz").Code)
	assert.JSONEq(t, `{"status":"already ready"}`, get(h, "/undrain").Body.String())
}
