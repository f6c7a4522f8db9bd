package procurement

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pharmaquote/pharmaquote/internal/platform/httpx"
	"github.com/pharmaquote/pharmaquote/internal/pricing"
	"github.com/pharmaquote/pharmaquote/internal/rbac"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

// Handler manages purchase order and manufacturer endpoints.
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

type directPORequest struct {
	ManufacturerID   string         `json:"manufacturer_id" validate:"required"`
	Items            []pricing.Item `json:"items" validate:"required,min=1"`
	HidePurchaseRate bool           `json:"hide_purchase_rate"`
	Notes            string         `json:"notes" validate:"max=2000"`
}

type transitionRequest struct {
	To      Status `json:"to"`
	Comment string `json:"comment" validate:"max=2000"`
}

// MountRoutes registers purchase order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermPOView))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
	})
	r.With(h.rbac.RequireAny(shared.PermPOCreate)).Post("/", h.createDirect)
	r.With(h.rbac.RequireAny(shared.PermPOEdit)).Put("/{id}", h.update)
	r.With(h.rbac.RequireAny(shared.PermPOAdvance)).Post("/{id}/advance", h.transition(ActionAdvance))
	r.With(h.rbac.RequireAny(shared.PermPOCancel)).Post("/{id}/cancel", h.transition(ActionCancel))
	r.With(h.rbac.RequireAny(shared.PermPOVerifyPayment)).Post("/{id}/verify-payment", h.transition(ActionVerifyPayment))
}

// MountManufacturerRoutes registers manufacturer routes.
func (h *Handler) MountManufacturerRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermManufacturerView))
		r.Get("/", h.listManufacturers)
		r.Get("/{id}", h.getManufacturer)
	})
	r.With(h.rbac.RequireAny(shared.PermManufacturerManage)).Post("/", h.createManufacturer)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	result, err := h.service.List(r.Context(), actor, ListFilter{
		Status:         Status(q.Get("status")),
		ManufacturerID: q.Get("manufacturer_id"),
		Page:           page,
		PerPage:        perPage,
	})
	if err != nil {
		h.fail(w, "list purchase orders", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	po, err := h.service.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

// createDirect creates an order without quote references. Orders for quote
// items go through the order sheet.
func (h *Handler) createDirect(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	var req directPORequest
	if err := h.validator.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	items := make([]Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, Item{Item: it})
	}
	po, err := h.service.Create(r.Context(), actor, CreateInput{
		ManufacturerID:   req.ManufacturerID,
		Items:            items,
		HidePurchaseRate: req.HidePurchaseRate,
		Notes:            req.Notes,
	})
	if err != nil {
		h.fail(w, "create purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	var input UpdateInput
	if err := h.validator.Bind(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	po, err := h.service.Update(r.Context(), actor, chi.URLParam(r, "id"), input)
	if err != nil {
		h.fail(w, "update purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
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
		po, err := h.service.Transition(r.Context(), actor, chi.URLParam(r, "id"), Command{
			Action:  action,
			To:      req.To,
			Comment: req.Comment,
		})
		if err != nil {
			h.fail(w, "purchase order "+string(action), err)
			return
		}
		httpx.JSON(w, http.StatusOK, po)
	}
}

func (h *Handler) listManufacturers(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	items, err := h.service.ListManufacturers(r.Context(), actor)
	if err != nil {
		h.fail(w, "list manufacturers", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"manufacturers": items})
}

func (h *Handler) getManufacturer(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	m, err := h.service.GetManufacturer(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get manufacturer", err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) createManufacturer(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	// The service trims and validates.
	var input ManufacturerInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body: %v", shared.ErrValidation, err))
		return
	}
	m, err := h.service.CreateManufacturer(r.Context(), actor, input)
	if err != nil {
		h.fail(w, "create manufacturer", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, m)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.IsServerError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
