package quotes

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
	"github.com/pharmaquote/pharmaquote/internal/pricing"
	"github.com/pharmaquote/pharmaquote/internal/rbac"
	"github.com/pharmaquote/pharmaquote/internal/settings"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

// ErrDuplicateNumber is returned by repositories when a quote number is reused.
var ErrDuplicateNumber = errors.New("quotes: duplicate quote number")

// RepositoryPort describes persistence used by Service.
type RepositoryPort interface {
	Create(ctx context.Context, q Quote) error
	Get(ctx context.Context, id string) (Quote, error)
	// Save stores q when the stored version still equals expectedVersion,
	// otherwise it returns shared.ErrConflict.
	Save(ctx context.Context, q Quote, expectedVersion int64) error
	List(ctx context.Context, filter ListFilter) ([]Quote, int, error)
	ListByStatus(ctx context.Context, status Status) ([]Quote, error)
}

// SettingsPort supplies defaults frozen onto new quotes.
type SettingsPort interface {
	Current(ctx context.Context) (settings.Settings, error)
}

// NumberingPort issues quote numbers.
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

// Notice is the payload of quote events.
type Notice struct {
	ID          string `json:"id"`
	QuoteNumber string `json:"quote_number"`
	Status      Status `json:"status"`
	Action      Action `json:"action,omitempty"`
	CreatedBy   string `json:"created_by"`
}

// Service orchestrates quote flows.
type Service struct {
	repo     RepositoryPort
	settings SettingsPort
	numbers  NumberingPort
	gate     *rbac.Gate
	events   notify.Emitter
	audit    AuditPort
	metrics  TransitionObserver
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the quote service.
func NewService(repo RepositoryPort, settings SettingsPort, numbers NumberingPort, gate *rbac.Gate, events notify.Emitter, audit AuditPort, logger *slog.Logger) *Service {
	if events == nil {
		events = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		settings: settings,
		numbers:  numbers,
		gate:     gate,
		events:   events,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// WithMetrics attaches a transition observer.
func (s *Service) WithMetrics(m TransitionObserver) *Service {
	s.metrics = m
	return s
}

// Input is the editable body of a quote.
type Input struct {
	Client            Client         `json:"client"`
	MarketedBy        string         `json:"marketed_by"`
	Items             []pricing.Item `json:"items"`
	CylinderCharges   float64        `json:"cylinder_charges"`
	NumberOfCylinders int            `json:"number_of_cylinders"`
	InventoryCharges  float64        `json:"inventory_charges"`
	TaxPercent        *float64       `json:"tax_percent,omitempty"`
}

// Create stores a new draft quote owned by actor. Terms, bank details and the
// default tax rate are copied from settings and never re-read.
func (s *Service) Create(ctx context.Context, actor shared.Actor, input Input) (View, error) {
	res := rbac.Resource{OwnerID: actor.ID, State: string(StatusDraft)}
	if err := s.gate.Authorize(rbac.SubjectOf(actor), shared.PermQuoteCreate, res); err != nil {
		return View{}, err
	}
	defaults, err := s.settings.Current(ctx)
	if err != nil {
		return View{}, fmt.Errorf("quotes: load settings: %w", err)
	}
	tax := defaults.DefaultTaxPercent
	if input.TaxPercent != nil {
		tax = *input.TaxPercent
	}
	if err := validateInput(input, tax); err != nil {
		return View{}, err
	}

	now := s.now().UTC()
	q := Quote{
		ID:                uuid.NewString(),
		Version:           1,
		Client:            trimClient(input.Client),
		MarketedBy:        strings.TrimSpace(input.MarketedBy),
		CreatedBy:         UserRef{ID: actor.ID, Name: actor.Name},
		Items:             append([]pricing.Item{}, input.Items...),
		CylinderCharges:   input.CylinderCharges,
		NumberOfCylinders: input.NumberOfCylinders,
		InventoryCharges:  input.InventoryCharges,
		TaxPercent:        tax,
		Terms:             defaults.Terms,
		BankDetails:       defaults.BankDetails,
		Status:            StatusDraft,
		DesignStatus:      DesignPending,
		ClientOrderStatus: ClientOrderPending,
		History:           []HistoryEntry{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	const attempts = 3
	for i := 0; ; i++ {
		q.QuoteNumber, err = s.numbers.Next(ctx, numbering.KindQuote)
		if err != nil {
			return View{}, fmt.Errorf("quotes: number: %w", err)
		}
		err = s.repo.Create(ctx, q)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrDuplicateNumber) || i == attempts-1 {
			return View{}, fmt.Errorf("quotes: create: %w", err)
		}
		s.logger.Warn("quote number already used, retrying", slog.String("number", q.QuoteNumber))
	}

	s.emit(ctx, notify.EventQuoteCreated, q, "")
	s.record(ctx, actor, "quote.create", q, nil)
	return NewView(q), nil
}

// Update replaces the editable body of a quote.
func (s *Service) Update(ctx context.Context, actor shared.Actor, id string, input Input) (View, error) {
	q, err := s.repo.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	res := rbac.Resource{OwnerID: q.CreatedBy.ID, State: string(q.Status)}
	if err := s.gate.Authorize(rbac.SubjectOf(actor), shared.PermQuoteEdit, res); err != nil {
		return View{}, err
	}
	tax := q.TaxPercent
	if input.TaxPercent != nil {
		tax = *input.TaxPercent
	}
	if err := validateInput(input, tax); err != nil {
		return View{}, err
	}
	// Purchase orders address completed items by index.
	if q.Status == StatusCompleted {
		if err := checkCompletedItems(q.Items, input.Items); err != nil {
			return View{}, err
		}
	}

	next := q.Clone()
	next.Client = trimClient(input.Client)
	next.MarketedBy = strings.TrimSpace(input.MarketedBy)
	next.Items = append([]pricing.Item{}, input.Items...)
	next.CylinderCharges = input.CylinderCharges
	next.NumberOfCylinders = input.NumberOfCylinders
	next.InventoryCharges = input.InventoryCharges
	next.TaxPercent = tax
	next.Version = q.Version + 1
	next.UpdatedAt = s.now().UTC()
	if err := s.repo.Save(ctx, next, q.Version); err != nil {
		return View{}, fmt.Errorf("quotes: save: %w", err)
	}

	s.emit(ctx, notify.EventQuoteUpdated, next, "")
	s.record(ctx, actor, "quote.update", next, nil)
	return NewView(next), nil
}

// Get returns one quote with totals.
func (s *Service) Get(ctx context.Context, actor shared.Actor, id string) (View, error) {
	q, err := s.repo.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	res := rbac.Resource{OwnerID: q.CreatedBy.ID, State: string(q.Status)}
	if err := s.gate.Authorize(rbac.SubjectOf(actor), shared.PermQuoteView, res); err != nil {
		return View{}, err
	}
	return NewView(q), nil
}

// List returns a page of quotes. Actors who may only view their own quotes
// are restricted to them.
func (s *Service) List(ctx context.Context, actor shared.Actor, filter ListFilter) (ListResult, error) {
	sub := rbac.SubjectOf(actor)
	if !s.gate.RoleMayEver(actor.Role, shared.PermQuoteView) {
		return ListResult{}, s.gate.Authorize(sub, shared.PermQuoteView, rbac.Resource{})
	}
	if !s.gate.Allowed(sub, shared.PermQuoteView, rbac.Resource{}) {
		filter.CreatedBy = actor.ID
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return ListResult{}, shared.NewValidationError("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	filter.Page, filter.PerPage = page.Page, page.PerPage

	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return ListResult{}, fmt.Errorf("quotes: list: %w", err)
	}
	views := make([]View, 0, len(items))
	for _, q := range items {
		views = append(views, NewView(q))
	}
	return ListResult{Quotes: views, Pagination: shared.NewPagination(filter.Page, filter.PerPage, total)}, nil
}

// Transition applies a workflow action and persists the result.
func (s *Service) Transition(ctx context.Context, actor shared.Actor, id string, cmd Command) (View, error) {
	q, err := s.repo.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	next, err := Apply(q, cmd, actor, s.gate, s.now())
	if err != nil {
		s.observe(cmd.Action, err)
		return View{}, err
	}
	next.Version = q.Version + 1
	if err := s.repo.Save(ctx, next, q.Version); err != nil {
		s.observe(cmd.Action, err)
		return View{}, fmt.Errorf("quotes: save: %w", err)
	}
	s.observe(cmd.Action, nil)

	for _, name := range eventsFor(cmd.Action) {
		s.emit(ctx, name, next, cmd.Action)
	}
	s.record(ctx, actor, "quote."+string(cmd.Action), next, map[string]any{
		"from":    q.Status,
		"to":      next.Status,
		"comment": strings.TrimSpace(cmd.Comment),
	})
	return NewView(next), nil
}

// Lookup loads a quote without an actor check, for the order sheet and
// background tasks.
func (s *Service) Lookup(ctx context.Context, id string) (Quote, error) {
	return s.repo.Get(ctx, id)
}

// ListCompleted returns every completed quote.
func (s *Service) ListCompleted(ctx context.Context) ([]Quote, error) {
	return s.repo.ListByStatus(ctx, StatusCompleted)
}

func eventsFor(action Action) []string {
	switch action {
	case ActionSubmit:
		return []string{notify.EventQuoteSubmitted}
	case ActionApprove:
		return []string{notify.EventQuoteApproved}
	case ActionReject, ActionClientReject:
		return []string{notify.EventQuoteRejected}
	case ActionClientApprove:
		return []string{notify.EventQuoteClientApproved}
	case ActionReopen:
		return []string{notify.EventQuoteReopened}
	case ActionVerifyPayment:
		return []string{notify.EventQuotePaymentVerified}
	case ActionDesignStart, ActionDesignClientApprove:
		return []string{notify.EventQuoteDesignUpdated}
	case ActionDesignManufacturerApprove:
		return []string{notify.EventQuoteDesignUpdated, notify.EventQuoteCompleted}
	}
	return nil
}

func (s *Service) emit(ctx context.Context, name string, q Quote, action Action) {
	s.events.Emit(ctx, name, Notice{
		ID:          q.ID,
		QuoteNumber: q.QuoteNumber,
		Status:      q.Status,
		Action:      action,
		CreatedBy:   q.CreatedBy.ID,
	})
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, q Quote, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["quote_number"] = q.QuoteNumber
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "quote",
		EntityID: q.ID,
		Meta:     meta,
		At:       q.UpdatedAt,
	})
	if err != nil {
		s.logger.Warn("audit quote", slog.String("quote", q.ID), slog.Any("error", err))
	}
}

func (s *Service) observe(action Action, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveTransition("quote", string(action), observability.Outcome(err))
}

func validateInput(input Input, tax float64) error {
	verr := &shared.ValidationError{}
	if strings.TrimSpace(input.Client.Name) == "" {
		verr.Add("client.name", "required")
	}
	pricing.CheckAmount("cylinder_charges", input.CylinderCharges, pricing.MaxCharges, verr)
	if input.NumberOfCylinders < 0 {
		verr.Add("number_of_cylinders", "must not be negative")
	}
	pricing.CheckAmount("inventory_charges", input.InventoryCharges, pricing.MaxCharges, verr)
	if !pricing.ValidTaxPercent(tax) {
		verr.Add("tax_percent", "must be one of 0, 5, 18")
	}
	for i, it := range input.Items {
		it.CheckShape(fmt.Sprintf("items[%d].", i), verr)
	}
	if err := verr.Err(); err != nil {
		return err
	}
	totals := pricing.ComputeItems(input.Items, pricing.Charges{
		TaxPercent:       tax,
		CylinderCharges:  input.CylinderCharges,
		InventoryCharges: input.InventoryCharges,
	})
	if !totals.Finite() {
		return shared.NewValidationError("items", "totals are out of range")
	}
	return nil
}

func trimClient(c Client) Client {
	c.Name = strings.TrimSpace(c.Name)
	c.ContactPerson = strings.TrimSpace(c.ContactPerson)
	c.Email = strings.TrimSpace(c.Email)
	c.Phone = strings.TrimSpace(c.Phone)
	c.Address = strings.TrimSpace(c.Address)
	c.GSTIN = strings.TrimSpace(c.GSTIN)
	return c
}

// checkCompletedItems keeps the product at every index of a completed
// quote fixed; only prices and descriptive fields may change.
func checkCompletedItems(current, next []pricing.Item) error {
	if len(next) != len(current) {
		return shared.NewValidationError("items", "the number of items on a completed quote cannot change")
	}
	verr := &shared.ValidationError{}
	for i := range current {
		if !sameProduct(current[i], next[i]) {
			verr.Add(fmt.Sprintf("items[%d]", i), "a completed quote item cannot be replaced or reordered")
		}
	}
	return verr.Err()
}

func sameProduct(a, b pricing.Item) bool {
	return strings.EqualFold(strings.TrimSpace(a.BrandName), strings.TrimSpace(b.BrandName)) &&
		strings.EqualFold(strings.TrimSpace(a.Composition), strings.TrimSpace(b.Composition)) &&
		a.FormulationType == b.FormulationType &&
		a.CustomFormulationType == b.CustomFormulationType &&
		a.InjectionType == b.InjectionType
}
