package ordersheet

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/pharmaquote/pharmaquote/internal/procurement"
	"github.com/pharmaquote/pharmaquote/internal/rbac"
	"github.com/pharmaquote/pharmaquote/internal/shared"
	_ "github.com/pharmaquote/pharmaquote/testing"
)

func newTestRouter(t *testing.T) (http.Handler, *fixture) {
	t.Helper()
	f := newFixture(t, completedQuote("q1", "QT-000001", item("Paracip", 100, 40), item("Azee", 5, 80)))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(logger, f.svc, rbac.Middleware{Gate: rbac.NewGate(Policy, procurement.Policy), Logger: logger})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			role, _ := shared.ParseRole(req.Header.Get("X-Test-Role"))
			actor := shared.Actor{ID: req.Header.Get("X-Test-User"), Role: role}
			next.ServeHTTP(w, req.WithContext(shared.ContextWithActor(req.Context(), actor)))
		})
	})
	r.Route("/order-sheet", handler.MountRoutes)
	return r, f
}

func do(h http.Handler, method, path string, actor shared.Actor, body string) *httptest.ResponseRecorder {
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

func TestHandlerCreateFromPendingItems(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := do(router, http.MethodGet, "/order-sheet/pending", managerActor, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var pending struct {
		Rows []Row `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pending))
	require.Len(t, pending.Rows, 2)

	body := `{"manufacturer_id":"m1","items":[{"quote_id":"q1","item_index":0}]}`
	rr = do(router, http.MethodPost, "/order-sheet/purchase-orders", managerActor, body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = do(router, http.MethodPost, "/order-sheet/purchase-orders", managerActor, body)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = do(router, http.MethodGet, "/order-sheet/pending", managerActor, "")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pending))
	require.Len(t, pending.Rows, 1)
	require.Equal(t, 1, pending.Rows[0].ItemIndex)
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := do(router, http.MethodGet, "/order-sheet", salesActor, "")
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(router, http.MethodPost, "/order-sheet/purchase-orders", managerActor, `{"manufacturer_id":"m1","items":[]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(router, http.MethodPost, "/order-sheet/purchase-orders", managerActor, `{"manufacturer_id":"m1","items":[{"quote_id":"q1","item_index":9}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestHandlerExport(t *testing.T) {
	router, _ := newTestRouter(t)
	rr := do(router, http.MethodGet, "/order-sheet/export.xlsx", shared.Actor{ID: "acc", Role: shared.RoleAccountant}, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rr.Header().Get("Content-Type"))
	require.NotZero(t, rr.Body.Len())
}
