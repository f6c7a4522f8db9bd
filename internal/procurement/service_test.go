package procurement

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pharmaquote/pharmaquote/internal/notify"
	"github.com/pharmaquote/pharmaquote/internal/numbering"
	"github.com/pharmaquote/pharmaquote/internal/pricing"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

type memoryProcRepo struct {
	mu            sync.Mutex
	pos           map[string]PurchaseOrder
	claims        map[ItemRef]string
	manufacturers map[string]Manufacturer
}

func newMemoryProcRepo() *memoryProcRepo {
	return &memoryProcRepo{
		pos:           make(map[string]PurchaseOrder),
		claims:        make(map[ItemRef]string),
		manufacturers: make(map[string]Manufacturer),
	}
}

func (r *memoryProcRepo) Create(_ context.Context, po PurchaseOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.pos {
		if existing.PONumber == po.PONumber {
			return ErrDuplicateNumber
		}
	}
	for _, ref := range po.Refs() {
		if _, taken := r.claims[ref]; taken {
			return fmt.Errorf("%w: %s#%d", shared.ErrItemAlreadyClaimed, ref.QuoteID, ref.ItemIndex)
		}
	}
	for _, ref := range po.Refs() {
		r.claims[ref] = po.ID
	}
	r.pos[po.ID] = po.Clone()
	return nil
}

func (r *memoryProcRepo) Get(_ context.Context, id string) (PurchaseOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	po, ok := r.pos[id]
	if !ok {
		return PurchaseOrder{}, fmt.Errorf("purchase order %s: %w", id, shared.ErrNotFound)
	}
	return po.Clone(), nil
}

func (r *memoryProcRepo) Save(_ context.Context, po PurchaseOrder, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.pos[po.ID]
	if !ok {
		return shared.ErrNotFound
	}
	if current.Version != expectedVersion {
		return shared.ErrConflict
	}
	if !po.Status.Active() {
		for ref, id := range r.claims {
			if id == po.ID {
				delete(r.claims, ref)
			}
		}
	}
	r.pos[po.ID] = po.Clone()
	return nil
}

func (r *memoryProcRepo) List(_ context.Context, filter ListFilter) ([]PurchaseOrder, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PurchaseOrder
	for _, po := range r.pos {
		if filter.Status != "" && po.Status != filter.Status {
			continue
		}
		if filter.ManufacturerID != "" && po.ManufacturerID != filter.ManufacturerID {
			continue
		}
		out = append(out, po.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PONumber < out[j].PONumber })
	return out, len(out), nil
}

func (r *memoryProcRepo) ListClaiming(_ context.Context) ([]PurchaseOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PurchaseOrder
	for _, po := range r.pos {
		if po.Status.Active() && !po.Direct() {
			out = append(out, po.Clone())
		}
	}
	return out, nil
}

func (r *memoryProcRepo) FindByItemRef(_ context.Context, ref ItemRef) ([]PurchaseOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PurchaseOrder
	for _, po := range r.pos {
		for _, candidate := range po.Refs() {
			if candidate == ref {
				out = append(out, po.Clone())
				break
			}
		}
	}
	return out, nil
}

func (r *memoryProcRepo) CreateManufacturer(_ context.Context, m Manufacturer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.manufacturers {
		if existing.Name == m.Name {
			return ErrDuplicateManufacturer
		}
	}
	r.manufacturers[m.ID] = m
	return nil
}

func (r *memoryProcRepo) GetManufacturer(_ context.Context, id string) (Manufacturer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manufacturers[id]
	if !ok {
		return Manufacturer{}, fmt.Errorf("manufacturer %s: %w", id, shared.ErrNotFound)
	}
	return m, nil
}

func (r *memoryProcRepo) ListManufacturers(_ context.Context) ([]Manufacturer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Manufacturer, 0, len(r.manufacturers))
	for _, m := range r.manufacturers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type sequence struct {
	mu sync.Mutex
	n  int
}

func (s *sequence) Next(_ context.Context, kind numbering.Kind) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%06d", kind, s.n), nil
}

type eventLog struct {
	mu     sync.Mutex
	names  []string
	notice []Notice
}

func (e *eventLog) Emit(_ context.Context, name string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.names = append(e.names, name)
	if n, ok := payload.(Notice); ok {
		e.notice = append(e.notice, n)
	}
}

var (
	managerActor    = shared.Actor{ID: "m1", Name: "Mia", Role: shared.RoleManager}
	accountantActor = shared.Actor{ID: "acc", Name: "Ana", Role: shared.RoleAccountant}
	salesActor      = shared.Actor{ID: "s1", Name: "Sam", Role: shared.RoleSalesExecutive}
)

func newTestService(t *testing.T) (*Service, *memoryProcRepo, *eventLog) {
	t.Helper()
	repo := newMemoryProcRepo()
	repo.manufacturers["m-1"] = Manufacturer{ID: "m-1", Name: "Zenlabs", Email: "orders@zenlabs.example", CC: []string{"qa@zenlabs.example"}}
	events := &eventLog{}
	svc := NewService(repo, &sequence{}, testGate(), events, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := t0
	svc.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return svc, repo, events
}

func refItem(quoteID string, index int) Item {
	return Item{
		Ref:         &ItemRef{QuoteID: quoteID, ItemIndex: index},
		QuoteNumber: "QT-000001",
		Item:        pricing.Item{BrandName: "Paracip", Composition: "Paracetamol", Quantity: 100, Rate: 40, MRP: 60},
	}
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, managerActor, CreateInput{})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "manufacturer_id")
	require.Contains(t, verr.Fields, "items")

	_, err = svc.Create(ctx, managerActor, CreateInput{ManufacturerID: "nope", Items: []Item{refItem("q-1", 0)}})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "unknown manufacturer", verr.Fields["manufacturer_id"])

	bad := refItem("q-1", 0)
	bad.BrandName = " "
	bad.Quantity = 0
	bad.Rate = -1
	_, err = svc.Create(ctx, managerActor, CreateInput{ManufacturerID: "m-1", Items: []Item{bad, refItem("q-1", 0)}})
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "items[0].brand_name")
	require.Contains(t, verr.Fields, "items[0].quantity")
	require.Contains(t, verr.Fields, "items[0].rate")
	require.Equal(t, "item listed twice", verr.Fields["items[1].ref"])

	_, err = svc.Create(ctx, salesActor, CreateInput{ManufacturerID: "m-1", Items: []Item{refItem("q-1", 0)}})
	require.ErrorIs(t, err, shared.ErrPermissionDenied)
}

func TestCreateRejectsSecondActiveClaim(t *testing.T) {
	svc, _, events := newTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, managerActor, CreateInput{ManufacturerID: "m-1", Items: []Item{refItem("q-1", 0)}})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, first.Status)
	require.Equal(t, "Zenlabs", first.ManufacturerName)
	require.Equal(t, "po-000001", first.PONumber)

	_, err = svc.Create(ctx, managerActor, CreateInput{ManufacturerID: "m-1", Items: []Item{refItem("q-1", 1), refItem("q-1", 0)}})
	require.ErrorIs(t, err, shared.ErrItemAlreadyClaimed)

	claim, ok, err := svc.ActiveClaim(ctx, ItemRef{QuoteID: "q-1", ItemIndex: 0})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first.ID, claim.ID)

	_, err = svc.Transition(ctx, managerActor, first.ID, Command{Action: ActionCancel, Comment: "wrong vendor"})
	require.NoError(t, err)
	_, ok, err = svc.ActiveClaim(ctx, ItemRef{QuoteID: "q-1", ItemIndex: 0})
	require.NoError(t, err)
	require.False(t, ok, "cancel releases the claim")

	second, err := svc.Create(ctx, managerActor, CreateInput{ManufacturerID: "m-1", Items: []Item{refItem("q-1", 0)}})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, []string{notify.EventPOCreated, notify.EventPOStatusUpdated, notify.EventPOCreated}, events.names)
}

func TestDirectPurchaseOrderHasNoClaims(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	item := refItem("", 0)
	item.Ref = nil
	item.QuoteNumber = ""

	po, err := svc.Create(ctx, managerActor, CreateInput{ManufacturerID: "m-1", Items: []Item{item}})
	require.NoError(t, err)
	require.True(t, po.Direct())

	claiming, err := svc.Claiming(ctx)
	require.NoError(t, err)
	require.Empty(t, claiming)
}

func TestVerifyPaymentFromSentSkipsFulfilment(t *testing.T) {
	svc, _, events := newTestService(t)
	ctx := context.Background()
	po, err := svc.Create(ctx, managerActor, CreateInput{ManufacturerID: "m-1", Items: []Item{refItem("q-1", 0)}})
	require.NoError(t, err)

	po, err = svc.Transition(ctx, managerActor, po.ID, Command{Action: ActionAdvance})
	require.NoError(t, err)
	require.Equal(t, StatusSent, po.Status)

	po, err = svc.Transition(ctx, accountantActor, po.ID, Command{Action: ActionVerifyPayment})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, po.Status)
	require.True(t, po.FullPaymentReceived)
	require.Equal(t, "acc", po.PaymentVerifiedBy.ID)
	require.Len(t, po.StatusHistory, 2)
	require.Equal(t, int64(3), po.Version)
	require.Contains(t, events.names, notify.EventPOPaymentVerified)

	last := events.notice[len(events.notice)-1]
	require.Equal(t, StatusPaid, last.Status)
	require.Equal(t, []ItemRef{{QuoteID: "q-1", ItemIndex: 0}}, last.Refs)

	_, err = svc.Transition(ctx, accountantActor, po.ID, Command{Action: ActionVerifyPayment})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestUpdateOnlyTouchesPricesWhileDraft(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	po, err := svc.Create(ctx, managerActor, CreateInput{ManufacturerID: "m-1", Items: []Item{refItem("q-1", 0)}})
	require.NoError(t, err)

	rate, mrp, hide := 38.5, 62.0, true
	updated, err := svc.Update(ctx, managerActor, po.ID, UpdateInput{
		Items:            []ItemEdit{{Index: 0, Rate: &rate, MRP: &mrp}},
		HidePurchaseRate: &hide,
	})
	require.NoError(t, err)
	require.Equal(t, 38.5, updated.Items[0].Rate)
	require.Equal(t, 62.0, updated.Items[0].MRP)
	require.Equal(t, "Paracip", updated.Items[0].BrandName)
	require.True(t, updated.HidePurchaseRate)

	negative := -1.0
	_, err = svc.Update(ctx, managerActor, po.ID, UpdateInput{Items: []ItemEdit{{Index: 0, Rate: &negative}, {Index: 4, MRP: &mrp}}})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "items[0].rate")
	require.Contains(t, verr.Fields, "items[4].index")

	_, err = svc.Transition(ctx, managerActor, po.ID, Command{Action: ActionAdvance})
	require.NoError(t, err)
	_, err = svc.Update(ctx, managerActor, po.ID, UpdateInput{Items: []ItemEdit{{Index: 0, Rate: &rate}}})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestManufacturerRegistry(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.CreateManufacturer(ctx, managerActor, ManufacturerInput{
		Name:  " Acme Labs ",
		Email: "po@acme.example",
		CC:    []string{"qa@acme.example", " "},
		BCC:   []string{"audit@acme.example"},
	})
	require.NoError(t, err)
	require.Equal(t, "Acme Labs", m.Name)
	require.Equal(t, []string{"qa@acme.example"}, m.CC)

	_, err = svc.CreateManufacturer(ctx, managerActor, ManufacturerInput{Name: "Acme Labs", Email: "x@acme.example"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CreateManufacturer(ctx, managerActor, ManufacturerInput{Name: "Beta", Email: "not-an-email", CC: []string{"bad"}})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "email")
	require.Contains(t, verr.Fields, "cc[0]")

	_, err = svc.CreateManufacturer(ctx, accountantActor, ManufacturerInput{Name: "Gamma", Email: "g@example.com"})
	require.ErrorIs(t, err, shared.ErrPermissionDenied)

	all, err := svc.ListManufacturers(ctx, accountantActor)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "Acme Labs", all[0].Name)
}

func TestCreateManufacturerValidatesTrimmedInput(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateManufacturer(ctx, managerActor, ManufacturerInput{
		Name:  "  ",
		Email: " ops@beta.example ",
		BCC:   []string{"audit@beta.example", "nope"},
	})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "required", verr.Fields["name"])
	require.Contains(t, verr.Fields, "bcc[1]")
	require.NotContains(t, verr.Fields, "email")

	_, err = svc.CreateManufacturer(ctx, managerActor, ManufacturerInput{Name: "Beta", Email: "  "})
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "email")

	all, err := repo.ListManufacturers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1, "only the seeded manufacturer")
}

func TestCreateRejectsOutOfRangeAmounts(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	huge := refItem("q-1", 0)
	huge.Quantity = 1e200
	huge.Rate = math.Inf(1)
	huge.MRP = pricing.MaxUnitPrice + 1
	_, err := svc.Create(ctx, managerActor, CreateInput{ManufacturerID: "m-1", Items: []Item{huge}})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "items[0].quantity")
	require.Equal(t, "must be a number", verr.Fields["items[0].rate"])
	require.Contains(t, verr.Fields, "items[0].mrp")
	require.Empty(t, repo.pos)

	po, err := svc.Create(ctx, managerActor, CreateInput{ManufacturerID: "m-1", Items: []Item{refItem("q-1", 0)}})
	require.NoError(t, err)
	nan := math.NaN()
	_, err = svc.Update(ctx, managerActor, po.ID, UpdateInput{Items: []ItemEdit{{Index: 0, Rate: &nan}}})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "must be a number", verr.Fields["items[0].rate"])
	stored, err := repo.Get(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, 40.0, stored.Items[0].Rate)
}

func TestListFiltersByStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	a, err := svc.Create(ctx, managerActor, CreateInput{ManufacturerID: "m-1", Items: []Item{refItem("q-1", 0)}})
	require.NoError(t, err)
	_, err = svc.Create(ctx, managerActor, CreateInput{ManufacturerID: "m-1", Items: []Item{refItem("q-1", 1)}})
	require.NoError(t, err)
	_, err = svc.Transition(ctx, managerActor, a.ID, Command{Action: ActionAdvance})
	require.NoError(t, err)

	result, err := svc.List(ctx, accountantActor, ListFilter{Status: StatusSent})
	require.NoError(t, err)
	require.Len(t, result.PurchaseOrders, 1)
	require.Equal(t, a.ID, result.PurchaseOrders[0].ID)

	_, err = svc.List(ctx, salesActor, ListFilter{})
	require.ErrorIs(t, err, shared.ErrPermissionDenied)
}
