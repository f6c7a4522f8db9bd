package ordersheet

import (
	"bytes"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pharmaquote/pharmaquote/internal/platform/httpx"
	"github.com/pharmaquote/pharmaquote/internal/procurement"
	"github.com/pharmaquote/pharmaquote/internal/rbac"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

// Handler exposes the order sheet endpoints.
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

type refRequest struct {
	QuoteID   string `json:"quote_id" validate:"required"`
	ItemIndex int    `json:"item_index" validate:"gte=0"`
}

type createRequest struct {
	ManufacturerID   string       `json:"manufacturer_id" validate:"required"`
	Items            []refRequest `json:"items" validate:"required,min=1,dive"`
	HidePurchaseRate bool         `json:"hide_purchase_rate"`
	Notes            string       `json:"notes" validate:"max=2000"`
}

// MountRoutes registers order sheet routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermOrderSheetView))
		r.Get("/", h.view)
		r.Get("/pending", h.pending)
		r.Get("/export.xlsx", h.export)
	})
	r.With(h.rbac.RequireAny(shared.PermPOCreate)).Post("/purchase-orders", h.create)
}

func (h *Handler) view(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	v, err := h.service.View(r.Context(), actor)
	if err != nil {
		h.fail(w, "order sheet", err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) pending(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	rows, err := h.service.Pending(r.Context(), actor)
	if err != nil {
		h.fail(w, "order sheet pending", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	v, err := h.service.View(r.Context(), actor)
	if err != nil {
		h.fail(w, "order sheet export", err)
		return
	}
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, v); err != nil {
		h.fail(w, "order sheet export", err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=order-sheet.xlsx")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	var req createRequest
	if err := h.validator.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	refs := make([]procurement.ItemRef, 0, len(req.Items))
	for _, it := range req.Items {
		refs = append(refs, procurement.ItemRef{QuoteID: it.QuoteID, ItemIndex: it.ItemIndex})
	}
	po, err := h.service.CreatePurchaseOrder(r.Context(), actor, CreateInput{
		ManufacturerID:   req.ManufacturerID,
		Refs:             refs,
		HidePurchaseRate: req.HidePurchaseRate,
		Notes:            req.Notes,
	})
	if err != nil {
		h.fail(w, "order sheet create purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.IsServerError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
