package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pharmaquote/pharmaquote/internal/observability"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

func TestIdentityAttachesActor(t *testing.T) {
	var got shared.Actor
	h := Identity(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = shared.ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/quotes", nil)
	req.Header.Set(HeaderUserID, "u-1")
	req.Header.Set(HeaderUserName, " Meera ")
	req.Header.Set(HeaderUserRole, "Manager")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, shared.Actor{ID: "u-1", Name: "Meera", Role: shared.RoleManager}, got)
}

func TestIdentityRejectsMissingOrUnknown(t *testing.T) {
	h := Identity(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	cases := map[string][2]string{
		"no id":        {"", "admin"},
		"unknown role": {"u-1", "superuser"},
		"no role":      {"u-1", ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/quotes", nil)
			req.Header.Set(HeaderUserID, tc[0])
			req.Header.Set(HeaderUserRole, tc[1])
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			require.Equal(t, http.StatusUnauthorized, rr.Code)
		})
	}
}

func TestRouterServesOpsEndpoints(t *testing.T) {
	metrics := observability.NewMetrics()
	router := NewRouter(RouterParams{
		Logger:  newLogger(&Config{LogFormat: "json"}, &bytes.Buffer{}),
		Config:  &Config{AppEnv: "development"},
		Metrics: metrics,
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `pharmaquote_http_requests_total{code="200",route="/healthz"} 1`)
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{LogFormat: "json", AppEnv: "production"}, &buf).Info("hello")
	require.Contains(t, buf.String(), `"service":"pharmaquote"`)
	require.Contains(t, buf.String(), `"env":"production"`)

	buf.Reset()
	newLogger(&Config{LogFormat: "pretty"}, &buf).Debug("dbg")
	require.Contains(t, buf.String(), "msg=dbg")
}
