package quotes

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/pharmaquote/pharmaquote/internal/platform/httpx"
	"github.com/pharmaquote/pharmaquote/internal/rbac"
	"github.com/pharmaquote/pharmaquote/internal/shared"
	_ "github.com/pharmaquote/pharmaquote/testing"
)

func newTestRouter(t *testing.T) (http.Handler, *harness) {
	t.Helper()
	h := newHarness(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(logger, h.svc, rbac.Middleware{Gate: gate(), Logger: logger})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			role, _ := shared.ParseRole(req.Header.Get("X-Test-Role"))
			actor := shared.Actor{ID: req.Header.Get("X-Test-User"), Role: role}
			next.ServeHTTP(w, req.WithContext(shared.ContextWithActor(req.Context(), actor)))
		})
	})
	r.Route("/quotes", handler.MountRoutes)
	return r, h
}

func do(t *testing.T, h http.Handler, method, path string, actor shared.Actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Test-User", actor.ID)
	req.Header.Set("X-Test-Role", string(actor.Role))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

const createBody = `{"client":{"name":"Medline"},"items":[{"brand_name":"Paracip","composition":"Paracetamol","formulation_type":"Tablet","packing":"10x10","packaging_type":"Blister","quantity":100,"rate":40,"mrp":60,"order_type":"New"}]}`

func TestHandlerCreateAndSubmit(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := do(t, router, http.MethodPost, "/quotes", salesActor, createBody)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var view View
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, 4720.0, view.Totals.Total)

	rr = do(t, router, http.MethodPost, "/quotes/"+view.ID+"/submit", salesActor, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, StatusPendingManagerApproval, view.Status)
}

func TestHandlerMapsDomainErrors(t *testing.T) {
	router, h := newTestRouter(t)
	created, err := h.svc.Create(context.Background(), salesActor, input())
	require.NoError(t, err)
	_, err = h.svc.Transition(context.Background(), salesActor, created.ID, Command{Action: ActionSubmit})
	require.NoError(t, err)

	rr := do(t, router, http.MethodPost, "/quotes/"+created.ID+"/approve", salesActor, "")
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, router, http.MethodPost, "/quotes/"+created.ID+"/reject", managerActor, `{"comment":""}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	require.Contains(t, problem.Errors, "comment")

	rr = do(t, router, http.MethodPost, "/quotes/"+created.ID+"/verify-payment", managerActor, "")
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, router, http.MethodGet, "/quotes/missing", managerActor, "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, router, http.MethodPost, "/quotes/"+created.ID+"/client-approve", salesActor, `{"amount":-1}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestHandlerListsQuotes(t *testing.T) {
	router, h := newTestRouter(t)
	_, err := h.svc.Create(context.Background(), salesActor, input())
	require.NoError(t, err)

	rr := do(t, router, http.MethodGet, "/quotes?status=draft", managerActor, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var result ListResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	require.Len(t, result.Quotes, 1)
	require.Equal(t, 1, result.Pagination.Total)
}
