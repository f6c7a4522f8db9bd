package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pharmaquote/pharmaquote/internal/notify"
	"github.com/pharmaquote/pharmaquote/internal/numbering"
	"github.com/pharmaquote/pharmaquote/internal/observability"
	"github.com/pharmaquote/pharmaquote/internal/platform/httpx"
	"github.com/pharmaquote/pharmaquote/internal/pricing"
	"github.com/pharmaquote/pharmaquote/internal/rbac"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

var (
	// ErrDuplicateNumber is returned by repositories when a PO number is reused.
	ErrDuplicateNumber = errors.New("procurement: duplicate po number")
	// ErrDuplicateManufacturer is returned when a manufacturer name is reused.
	ErrDuplicateManufacturer = errors.New("procurement: duplicate manufacturer")
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	// Create stores po and its item claims atomically. It returns
	// shared.ErrItemAlreadyClaimed when an active order already claims a ref.
	Create(ctx context.Context, po PurchaseOrder) error
	Get(ctx context.Context, id string) (PurchaseOrder, error)
	// Save stores po if the version matches; cancelling releases claims.
	Save(ctx context.Context, po PurchaseOrder, expectedVersion int64) error
	List(ctx context.Context, filter ListFilter) ([]PurchaseOrder, int, error)
	ListClaiming(ctx context.Context) ([]PurchaseOrder, error)
	FindByItemRef(ctx context.Context, ref ItemRef) ([]PurchaseOrder, error)

	CreateManufacturer(ctx context.Context, m Manufacturer) error
	GetManufacturer(ctx context.Context, id string) (Manufacturer, error)
	ListManufacturers(ctx context.Context) ([]Manufacturer, error)
}

// NumberingPort issues PO numbers.
type NumberingPort interface {
	Next(ctx context.Context, kind numbering.Kind) (string, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// TransitionObserver receives transition outcomes for metrics.
type TransitionObserver interface {
	ObserveTransition(entity, action, outcome string)
}

// Notice is the payload of po events.
type Notice struct {
	ID             string    `json:"id"`
	PONumber       string    `json:"po_number"`
	Status         Status    `json:"status"`
	ManufacturerID string    `json:"manufacturer_id"`
	Refs           []ItemRef `json:"refs,omitempty"`
}

// Service orchestrates purchase order flows.
type Service struct {
	repo     RepositoryPort
	numbers  NumberingPort
	gate     *rbac.Gate
	events   notify.Emitter
	audit    AuditPort
	metrics  TransitionObserver
	validate *httpx.Validator
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, numbers NumberingPort, gate *rbac.Gate, events notify.Emitter, audit AuditPort, logger *slog.Logger) *Service {
	if events == nil {
		events = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, numbers: numbers, gate: gate, events: events, audit: audit, validate: httpx.NewValidator(), logger: logger, now: time.Now}
}

// WithMetrics attaches a transition observer.
func (s *Service) WithMetrics(m TransitionObserver) *Service {
	s.metrics = m
	return s
}

// CreateInput describes a new purchase order.
type CreateInput struct {
	ManufacturerID   string
	Items            []Item
	HidePurchaseRate bool
	Notes            string
}

// Create validates and stores a draft purchase order. Items carrying a Ref
// claim that quote item; a second active claim fails with ErrItemAlreadyClaimed.
func (s *Service) Create(ctx context.Context, actor shared.Actor, input CreateInput) (PurchaseOrder, error) {
	if err := s.gate.Authorize(rbac.SubjectOf(actor), shared.PermPOCreate, rbac.Resource{State: string(StatusDraft)}); err != nil {
		return PurchaseOrder{}, err
	}
	verr := &shared.ValidationError{}
	var manufacturer Manufacturer
	if strings.TrimSpace(input.ManufacturerID) == "" {
		verr.Add("manufacturer_id", "required")
	} else {
		m, err := s.repo.GetManufacturer(ctx, input.ManufacturerID)
		switch {
		case errors.Is(err, shared.ErrNotFound):
			verr.Add("manufacturer_id", "unknown manufacturer")
		case err != nil:
			return PurchaseOrder{}, fmt.Errorf("procurement: load manufacturer: %w", err)
		}
		manufacturer = m
	}
	validateItems(input.Items, verr)
	if err := verr.Err(); err != nil {
		return PurchaseOrder{}, err
	}

	now := s.now().UTC()
	po := PurchaseOrder{
		ID:               uuid.NewString(),
		Version:          1,
		ManufacturerID:   manufacturer.ID,
		ManufacturerName: manufacturer.Name,
		Items:            PurchaseOrder{Items: input.Items}.Clone().Items,
		HidePurchaseRate: input.HidePurchaseRate,
		Notes:            strings.TrimSpace(input.Notes),
		Status:           StatusDraft,
		StatusHistory:    []StatusChange{},
		CreatedBy:        UserRef{ID: actor.ID, Name: actor.Name},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	const attempts = 3
	for i := 0; ; i++ {
		number, err := s.numbers.Next(ctx, numbering.KindPurchaseOrder)
		if err != nil {
			return PurchaseOrder{}, fmt.Errorf("procurement: number: %w", err)
		}
		po.PONumber = number
		err = s.repo.Create(ctx, po)
		if err == nil {
			break
		}
		if errors.Is(err, shared.ErrItemAlreadyClaimed) {
			return PurchaseOrder{}, err
		}
		if !errors.Is(err, ErrDuplicateNumber) || i == attempts-1 {
			return PurchaseOrder{}, fmt.Errorf("procurement: create: %w", err)
		}
		s.logger.Warn("po number already used, retrying", slog.String("number", number))
	}

	s.emit(ctx, notify.EventPOCreated, po)
	s.record(ctx, actor, "po.create", "purchase_order", po.ID, map[string]any{"po_number": po.PONumber, "refs": len(po.Refs())})
	return po, nil
}

// ItemEdit changes the editable prices of one copied item.
type ItemEdit struct {
	Index int      `json:"index"`
	Rate  *float64 `json:"rate,omitempty"`
	MRP   *float64 `json:"mrp,omitempty"`
}

// UpdateInput holds the fields editable while a purchase order is a draft.
type UpdateInput struct {
	Items            []ItemEdit `json:"items"`
	HidePurchaseRate *bool      `json:"hide_purchase_rate,omitempty"`
	Notes            *string    `json:"notes,omitempty"`
}

// Update edits a draft purchase order. Only rate, mrp, the hide flag and
// notes may change.
func (s *Service) Update(ctx context.Context, actor shared.Actor, id string, input UpdateInput) (PurchaseOrder, error) {
	po, err := s.repo.Get(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	res := rbac.Resource{OwnerID: po.CreatedBy.ID, State: string(po.Status)}
	if err := s.gate.Authorize(rbac.SubjectOf(actor), shared.PermPOEdit, res); err != nil {
		return PurchaseOrder{}, err
	}
	if po.Status != StatusDraft {
		return PurchaseOrder{}, fmt.Errorf("%w: only draft purchase orders can be edited", shared.ErrInvalidTransition)
	}

	next := po.Clone()
	verr := &shared.ValidationError{}
	for _, edit := range input.Items {
		prefix := fmt.Sprintf("items[%d].", edit.Index)
		if edit.Index < 0 || edit.Index >= len(next.Items) {
			verr.Add(prefix+"index", "out of range")
			continue
		}
		if edit.Rate != nil {
			pricing.CheckAmount(prefix+"rate", *edit.Rate, pricing.MaxUnitPrice, verr)
			next.Items[edit.Index].Rate = *edit.Rate
		}
		if edit.MRP != nil {
			pricing.CheckAmount(prefix+"mrp", *edit.MRP, pricing.MaxUnitPrice, verr)
			next.Items[edit.Index].MRP = *edit.MRP
		}
	}
	if err := verr.Err(); err != nil {
		return PurchaseOrder{}, err
	}
	if input.HidePurchaseRate != nil {
		next.HidePurchaseRate = *input.HidePurchaseRate
	}
	if input.Notes != nil {
		next.Notes = strings.TrimSpace(*input.Notes)
	}
	next.Version = po.Version + 1
	next.UpdatedAt = s.now().UTC()
	if err := s.repo.Save(ctx, next, po.Version); err != nil {
		return PurchaseOrder{}, fmt.Errorf("procurement: save: %w", err)
	}
	s.emit(ctx, notify.EventPOUpdated, next)
	s.record(ctx, actor, "po.update", "purchase_order", next.ID, map[string]any{"po_number": next.PONumber})
	return next, nil
}

// Transition applies a lifecycle action and persists the result.
func (s *Service) Transition(ctx context.Context, actor shared.Actor, id string, cmd Command) (PurchaseOrder, error) {
	po, err := s.repo.Get(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	next, err := Apply(po, cmd, actor, s.gate, s.now())
	if err != nil {
		s.observe(cmd.Action, err)
		return PurchaseOrder{}, err
	}
	next.Version = po.Version + 1
	if err := s.repo.Save(ctx, next, po.Version); err != nil {
		s.observe(cmd.Action, err)
		return PurchaseOrder{}, fmt.Errorf("procurement: save: %w", err)
	}
	s.observe(cmd.Action, nil)

	s.emit(ctx, notify.EventPOStatusUpdated, next)
	if cmd.Action == ActionVerifyPayment {
		s.emit(ctx, notify.EventPOPaymentVerified, next)
	}
	s.record(ctx, actor, "po."+string(cmd.Action), "purchase_order", next.ID, map[string]any{
		"po_number": next.PONumber,
		"from":      po.Status,
		"to":        next.Status,
		"comment":   strings.TrimSpace(cmd.Comment),
	})
	return next, nil
}

// Get returns one purchase order.
func (s *Service) Get(ctx context.Context, actor shared.Actor, id string) (PurchaseOrder, error) {
	if err := s.gate.Authorize(rbac.SubjectOf(actor), shared.PermPOView, rbac.Resource{}); err != nil {
		return PurchaseOrder{}, err
	}
	return s.repo.Get(ctx, id)
}

// List returns a page of purchase orders.
func (s *Service) List(ctx context.Context, actor shared.Actor, filter ListFilter) (ListResult, error) {
	if err := s.gate.Authorize(rbac.SubjectOf(actor), shared.PermPOView, rbac.Resource{}); err != nil {
		return ListResult{}, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return ListResult{}, shared.NewValidationError("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	filter.Page, filter.PerPage = page.Page, page.PerPage
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return ListResult{}, fmt.Errorf("procurement: list: %w", err)
	}
	if items == nil {
		items = []PurchaseOrder{}
	}
	return ListResult{PurchaseOrders: items, Pagination: shared.NewPagination(filter.Page, filter.PerPage, total)}, nil
}

// Claiming returns every active purchase order that references quote items.
func (s *Service) Claiming(ctx context.Context) ([]PurchaseOrder, error) {
	return s.repo.ListClaiming(ctx)
}

// ActiveClaim returns the active order claiming ref, if any.
func (s *Service) ActiveClaim(ctx context.Context, ref ItemRef) (PurchaseOrder, bool, error) {
	pos, err := s.repo.FindByItemRef(ctx, ref)
	if err != nil {
		return PurchaseOrder{}, false, err
	}
	for _, po := range pos {
		if po.Status.Active() {
			return po, true, nil
		}
	}
	return PurchaseOrder{}, false, nil
}

// ManufacturerInput describes a new manufacturer.
type ManufacturerInput struct {
	Name          string   `json:"name" validate:"required,max=200"`
	ContactPerson string   `json:"contact_person"`
	Email         string   `json:"email" validate:"required,email"`
	Phone         string   `json:"phone"`
	Address       string   `json:"address"`
	CC            []string `json:"cc" validate:"dive,email"`
	BCC           []string `json:"bcc" validate:"dive,email"`
}

// CreateManufacturer registers a manufacturer.
func (s *Service) CreateManufacturer(ctx context.Context, actor shared.Actor, input ManufacturerInput) (Manufacturer, error) {
	if err := s.gate.Authorize(rbac.SubjectOf(actor), shared.PermManufacturerManage, rbac.Resource{}); err != nil {
		return Manufacturer{}, err
	}
	input.Name = strings.TrimSpace(input.Name)
	input.Email = strings.TrimSpace(input.Email)
	input.CC = compactAddresses(input.CC)
	input.BCC = compactAddresses(input.BCC)
	if err := s.validate.Struct(input); err != nil {
		return Manufacturer{}, err
	}
	m := Manufacturer{
		ID:            uuid.NewString(),
		Name:          input.Name,
		ContactPerson: strings.TrimSpace(input.ContactPerson),
		Email:         input.Email,
		Phone:         strings.TrimSpace(input.Phone),
		Address:       strings.TrimSpace(input.Address),
		CC:            input.CC,
		BCC:           input.BCC,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.repo.CreateManufacturer(ctx, m); err != nil {
		if errors.Is(err, ErrDuplicateManufacturer) {
			return Manufacturer{}, shared.NewValidationError("name", "a manufacturer with this name exists")
		}
		return Manufacturer{}, fmt.Errorf("procurement: create manufacturer: %w", err)
	}
	s.record(ctx, actor, "manufacturer.create", "manufacturer", m.ID, map[string]any{"name": m.Name})
	return m, nil
}

// GetManufacturer returns one manufacturer.
func (s *Service) GetManufacturer(ctx context.Context, actor shared.Actor, id string) (Manufacturer, error) {
	if err := s.gate.Authorize(rbac.SubjectOf(actor), shared.PermManufacturerView, rbac.Resource{}); err != nil {
		return Manufacturer{}, err
	}
	return s.repo.GetManufacturer(ctx, id)
}

// ListManufacturers returns all manufacturers ordered by name.
func (s *Service) ListManufacturers(ctx context.Context, actor shared.Actor) ([]Manufacturer, error) {
	if err := s.gate.Authorize(rbac.SubjectOf(actor), shared.PermManufacturerView, rbac.Resource{}); err != nil {
		return nil, err
	}
	return s.repo.ListManufacturers(ctx)
}

// LookupManufacturer loads a manufacturer without an actor check, for
// background tasks.
func (s *Service) LookupManufacturer(ctx context.Context, id string) (Manufacturer, error) {
	return s.repo.GetManufacturer(ctx, id)
}

// Lookup loads a purchase order without an actor check, for background tasks.
func (s *Service) Lookup(ctx context.Context, id string) (PurchaseOrder, error) {
	return s.repo.Get(ctx, id)
}

func validateItems(items []Item, verr *shared.ValidationError) {
	if len(items) == 0 {
		verr.Add("items", "at least one item is required")
		return
	}
	seen := make(map[ItemRef]bool)
	for i, it := range items {
		prefix := fmt.Sprintf("items[%d].", i)
		if strings.TrimSpace(it.BrandName) == "" {
			verr.Add(prefix+"brand_name", "required")
		}
		if it.Quantity == 0 {
			verr.Add(prefix+"quantity", "must be greater than 0")
		} else {
			pricing.CheckAmount(prefix+"quantity", it.Quantity, pricing.MaxQuantity, verr)
		}
		pricing.CheckAmount(prefix+"rate", it.Rate, pricing.MaxUnitPrice, verr)
		pricing.CheckAmount(prefix+"mrp", it.MRP, pricing.MaxUnitPrice, verr)
		if it.Ref != nil {
			if seen[*it.Ref] {
				verr.Add(prefix+"ref", "item listed twice")
			}
			seen[*it.Ref] = true
		}
	}
}

// compactAddresses trims entries and drops blanks left by form inputs.
func compactAddresses(in []string) []string {
	var out []string
	for _, raw := range in {
		if addr := strings.TrimSpace(raw); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func (s *Service) emit(ctx context.Context, name string, po PurchaseOrder) {
	s.events.Emit(ctx, name, Notice{
		ID:             po.ID,
		PONumber:       po.PONumber,
		Status:         po.Status,
		ManufacturerID: po.ManufacturerID,
		Refs:           po.Refs(),
	})
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
		At:       s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("audit procurement", slog.String("entity", entityID), slog.Any("error", err))
	}
}

func (s *Service) observe(action Action, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveTransition("po", string(action), observability.Outcome(err))
}
