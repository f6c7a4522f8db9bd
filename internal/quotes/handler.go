package quotes

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pharmaquote/pharmaquote/internal/platform/httpx"
	"github.com/pharmaquote/pharmaquote/internal/rbac"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

// Handler manages quote endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *httpx.Validator
	rbac      rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, validator: httpx.NewValidator(), rbac: rbac}
}

type transitionRequest struct {
	Comment string  `json:"comment" validate:"max=2000"`
	Amount  float64 `json:"amount" validate:"gte=0"`
}

// MountRoutes registers quote routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermQuoteView))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
	})
	r.With(h.rbac.RequireAny(shared.PermQuoteCreate)).Post("/", h.create)
	r.With(h.rbac.RequireAny(shared.PermQuoteEdit)).Put("/{id}", h.update)

	routes := []struct {
		path   string
		action Action
		perm   string
	}{
		{"/{id}/submit", ActionSubmit, shared.PermQuoteSubmit},
		{"/{id}/approve", ActionApprove, shared.PermQuoteApprove},
		{"/{id}/reject", ActionReject, shared.PermQuoteReject},
		{"/{id}/client-approve", ActionClientApprove, shared.PermQuoteClientApprove},
		{"/{id}/client-reject", ActionClientReject, shared.PermQuoteClientReject},
		{"/{id}/reopen", ActionReopen, shared.PermQuoteReopen},
		{"/{id}/verify-payment", ActionVerifyPayment, shared.PermQuoteVerifyPayment},
		{"/{id}/design/start", ActionDesignStart, shared.PermQuoteDesignStart},
		{"/{id}/design/client-approve", ActionDesignClientApprove, shared.PermQuoteDesignClientApprove},
		{"/{id}/design/manufacturer-approve", ActionDesignManufacturerApprove, shared.PermQuoteDesignManufacturerApprove},
	}
	for _, rt := range routes {
		r.With(h.rbac.RequireAny(rt.perm)).Post(rt.path, h.transition(rt.action))
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	result, err := h.service.List(r.Context(), actor, ListFilter{
		Status:  Status(q.Get("status")),
		Search:  q.Get("search"),
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		h.fail(w, "list quotes", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	view, err := h.service.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get quote", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	var input Input
	if err := h.validator.Bind(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := h.service.Create(r.Context(), actor, input)
	if err != nil {
		h.fail(w, "create quote", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, view)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	var input Input
	if err := h.validator.Bind(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := h.service.Update(r.Context(), actor, chi.URLParam(r, "id"), input)
	if err != nil {
		h.fail(w, "update quote", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) transition(action Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := shared.ActorFromContext(r.Context())
		var req transitionRequest
		if r.ContentLength != 0 {
			if err := h.validator.Bind(r, &req); err != nil {
				httpx.RespondError(w, err)
				return
			}
		}
		view, err := h.service.Transition(r.Context(), actor, chi.URLParam(r, "id"), Command{
			Action:  action,
			Comment: req.Comment,
			Amount:  req.Amount,
		})
		if err != nil {
			h.fail(w, "quote "+string(action), err)
			return
		}
		httpx.JSON(w, http.StatusOK, view)
	}
}

// fail logs unexpected errors; domain errors are the caller's concern.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.IsServerError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
