package httpserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/wallet-kms/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingHandler struct{}

func (pingHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	resp := w.Result()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServerRoutes(t *testing.T) {
	srv, err := New(api.NewHTTPServerConfig("127.0.0.1:0", nil), pingHandler{})
	require.NoError(t, err)
	router := srv.Router()

	code, body := get(t, router, "/api/v1/ping")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pong", body)

	code, body = get(t, router, "/livez")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"alive"}`, body)

	code, _ = get(t, router, "/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, code, "pprof is off by default")
}

func TestServerDrain(t *testing.T) {
	srv, err := New(api.NewHTTPServerConfig("127.0.0.1:0", nil))
	require.NoError(t, err)
	router := srv.Router()

	testCases := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{path: "/readyz", wantCode: http.StatusOK, wantBody: `{"status":"ready"}`},
		{path: "/drain", wantCode: http.StatusOK, wantBody: `{"status":"draining"}`},
		{path: "/drain", wantCode: http.StatusOK, wantBody: `{"status":"already draining"}`},
		{path: "/readyz", wantCode: http.StatusServiceUnavailable, wantBody: `{"status":"not ready"}`},
		{path: "/undrain", wantCode: http.StatusOK, wantBody: `{"status":"ready"}`},
		{path: "/undrain", wantCode: http.StatusOK, wantBody: `{"status":"already ready"}`},
		{path: "/readyz", wantCode: http.StatusOK, wantBody: `{"status":"ready"}`},
	}

	for _, tc := range testCases {
		code, body := get(t, router, tc.path)
		assert.Equal(t, tc.wantCode, code, tc.path)
		assert.JSONEq(t, tc.wantBody, body, tc.path)
	}
}

func TestServerConfigValidation(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(cfg *api.HTTPServerConfig)
	}{
		{name: "missing listen address", modify: func(cfg *api.HTTPServerConfig) { cfg.ListenAddr = "" }},
		{name: "zero shutdown duration", modify: func(cfg *api.HTTPServerConfig) { cfg.GracefulShutdownDuration = 0 }},
		{name: "negative drain", modify: func(cfg *api.HTTPServerConfig) { cfg.DrainDuration = -time.Second }},
		{name: "negative timeout", modify: func(cfg *api.HTTPServerConfig) { cfg.ReadTimeout = -time.Second }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := api.NewHTTPServerConfig("127.0.0.1:0", nil)
			tc.modify(cfg)
			_, err := New(cfg)
			require.Error(t, err)
		})
	}

	_, err := New(&api.HTTPServerConfig{ListenAddr: "127.0.0.1:0"})
	require.Error(t, err, "a zero config has no shutdown bound")
}
