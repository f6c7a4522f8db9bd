package ordersheet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pharmaquote/pharmaquote/internal/notify"
	"github.com/pharmaquote/pharmaquote/internal/pricing"
	"github.com/pharmaquote/pharmaquote/internal/procurement"
	"github.com/pharmaquote/pharmaquote/internal/quotes"
	"github.com/pharmaquote/pharmaquote/internal/rbac"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

var (
	managerActor = shared.Actor{ID: "u-mgr", Name: "Meera", Role: shared.RoleManager}
	salesActor   = shared.Actor{ID: "u-sales", Name: "Sam", Role: shared.RoleSalesExecutive}
	t0           = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
)

type memQuotes struct {
	byID map[string]quotes.Quote
	// started and hold, when set, pause ListCompleted until hold is closed.
	started chan struct{}
	hold    chan struct{}
}

func newMemQuotes(qs ...quotes.Quote) *memQuotes {
	m := &memQuotes{byID: make(map[string]quotes.Quote)}
	for _, q := range qs {
		m.byID[q.ID] = q
	}
	return m
}

func (m *memQuotes) ListCompleted(context.Context) ([]quotes.Quote, error) {
	if m.hold != nil {
		close(m.started)
		<-m.hold
	}
	var out []quotes.Quote
	for _, q := range m.byID {
		if q.Status == quotes.StatusCompleted {
			out = append(out, q)
		}
	}
	return out, nil
}

func (m *memQuotes) Lookup(_ context.Context, id string) (quotes.Quote, error) {
	q, ok := m.byID[id]
	if !ok {
		return quotes.Quote{}, shared.ErrNotFound
	}
	return q, nil
}

// memOrders has no write-time claim check unless guard is set, so tests can
// tell the lock apart from the storage constraint.
type memOrders struct {
	mu         sync.Mutex
	pos        []procurement.PurchaseOrder
	guard      bool
	staleReads bool
	delay      time.Duration
}

func (m *memOrders) Claiming(context.Context) ([]procurement.PurchaseOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]procurement.PurchaseOrder, len(m.pos))
	copy(out, m.pos)
	return out, nil
}

func (m *memOrders) ActiveClaim(_ context.Context, ref procurement.ItemRef) (procurement.PurchaseOrder, bool, error) {
	if m.staleReads {
		return procurement.PurchaseOrder{}, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimed(ref)
}

func (m *memOrders) claimed(ref procurement.ItemRef) (procurement.PurchaseOrder, bool, error) {
	for _, po := range m.pos {
		if !po.Status.Active() {
			continue
		}
		for _, r := range po.Refs() {
			if r == ref {
				return po, true, nil
			}
		}
	}
	return procurement.PurchaseOrder{}, false, nil
}

func (m *memOrders) Create(_ context.Context, actor shared.Actor, input procurement.CreateInput) (procurement.PurchaseOrder, error) {
	time.Sleep(m.delay)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.guard {
		for _, it := range input.Items {
			if it.Ref == nil {
				continue
			}
			if _, ok, _ := m.claimed(*it.Ref); ok {
				return procurement.PurchaseOrder{}, fmt.Errorf("procurement: create: %w", shared.ErrItemAlreadyClaimed)
			}
		}
	}
	po := procurement.PurchaseOrder{
		ID:             fmt.Sprintf("po-%d", len(m.pos)+1),
		PONumber:       fmt.Sprintf("PO-%06d", len(m.pos)+1),
		ManufacturerID: input.ManufacturerID,
		Items:          input.Items,
		Status:         procurement.StatusDraft,
		CreatedBy:      procurement.UserRef{ID: actor.ID, Name: actor.Name},
		CreatedAt:      t0.Add(time.Duration(len(m.pos)) * time.Minute),
	}
	m.pos = append(m.pos, po)
	return po, nil
}

func (m *memOrders) add(po procurement.PurchaseOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos = append(m.pos, po)
}

type counters struct {
	mu        sync.Mutex
	hits      int
	misses    int
	conflicts int
}

func (c *counters) ObserveCache(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}

func (c *counters) ObserveClaimConflict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflicts++
}

func item(brand string, qty, rate float64) pricing.Item {
	return pricing.Item{BrandName: brand, Composition: brand + " 500mg", FormulationType: "Tablet", Quantity: qty, Rate: rate, MRP: rate * 2, OrderType: "New"}
}

func completedQuote(id, number string, items ...pricing.Item) quotes.Quote {
	return quotes.Quote{
		ID:          id,
		QuoteNumber: number,
		Client:      quotes.Client{Name: "Client " + id},
		CreatedBy:   quotes.UserRef{ID: salesActor.ID, Name: salesActor.Name},
		Items:       items,
		Status:      quotes.StatusCompleted,
	}
}

func claimingPO(id string, status procurement.Status, created time.Time, refs ...procurement.ItemRef) procurement.PurchaseOrder {
	po := procurement.PurchaseOrder{ID: id, PONumber: "PO-" + id, Status: status, CreatedAt: created}
	for _, ref := range refs {
		r := ref
		po.Items = append(po.Items, procurement.Item{Ref: &r, Item: item("x", 1, 1)})
	}
	return po
}

type fixture struct {
	svc     *Service
	quotes  *memQuotes
	orders  *memOrders
	metrics *counters
	redis   *redis.Client
}

func newFixture(t *testing.T, qs ...quotes.Quote) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{quotes: newMemQuotes(qs...), orders: &memOrders{}, metrics: &counters{}, redis: client}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gate := rbac.NewGate(Policy, procurement.Policy)
	f.svc = NewService(f.quotes, f.orders, redislock.New(client), NewCache(client, time.Minute), gate, logger, Options{
		LockTTL:      5 * time.Second,
		LockRetries:  20,
		LockInterval: 20 * time.Millisecond,
	}).WithMetrics(f.metrics)
	return f
}

func ref(quoteID string, idx int) procurement.ItemRef {
	return procurement.ItemRef{QuoteID: quoteID, ItemIndex: idx}
}

func TestAggregateDerivesOrderStatus(t *testing.T) {
	q1 := completedQuote("q1", "QT-000001", item("Paracip", 100, 40))
	q2 := completedQuote("q2", "QT-000002", item("Azee", 50, 80), item("Cofsil", 20, 30))
	draft := completedQuote("q3", "QT-000003", item("Draft", 1, 1))
	draft.Status = quotes.StatusDraft

	pos := []procurement.PurchaseOrder{
		claimingPO("a", procurement.StatusSent, t0, ref("q1", 0)),
		claimingPO("b", procurement.StatusPaid, t0, ref("q2", 1)),
		claimingPO("c", procurement.StatusCancelled, t0, ref("q2", 0)),
	}

	view := Aggregate([]quotes.Quote{q2, draft, q1}, pos)
	require.Len(t, view.Rows, 3)

	require.Equal(t, "QT-000001", view.Rows[0].QuoteNumber)
	require.Equal(t, OrderPOCreated, view.Rows[0].OrderStatus)
	require.Equal(t, "PO-a", view.Rows[0].PONumber)
	require.Equal(t, 4000.0, view.Rows[0].Amount)

	require.Equal(t, ref("q2", 0), view.Rows[1].Ref())
	require.Equal(t, OrderPending, view.Rows[1].OrderStatus)
	require.Empty(t, view.Rows[1].PurchaseOrderID)

	require.Equal(t, OrderPOCompleted, view.Rows[2].OrderStatus)
	require.Equal(t, procurement.StatusPaid, view.Rows[2].POStatus)

	require.Equal(t, Summary{Items: 3, Pending: 1, POCreated: 1, POCompleted: 1}, view.Summary)
	require.Equal(t, []Row{view.Rows[1]}, view.Pending())
}

func TestAggregateTreatsDeliveredOrderAsCreated(t *testing.T) {
	q := completedQuote("q1", "QT-000001", item("Paracip", 1, 1))
	view := Aggregate([]quotes.Quote{q}, []procurement.PurchaseOrder{
		claimingPO("a", procurement.StatusCompleted, t0, ref("q1", 0)),
	})
	require.Equal(t, OrderPOCreated, view.Rows[0].OrderStatus)
}

func TestAggregateIsIdempotent(t *testing.T) {
	qs := []quotes.Quote{
		completedQuote("q2", "QT-000002", item("Azee", 50, 80), item("Cofsil", 20, 30)),
		completedQuote("q1", "QT-000001", item("Paracip", 100, 40)),
	}
	pos := []procurement.PurchaseOrder{claimingPO("a", procurement.StatusShipped, t0, ref("q2", 1))}

	first := Aggregate(qs, pos)
	second := Aggregate(qs, pos)
	require.Equal(t, first, second)
	require.Equal(t, "q2", qs[0].ID, "input order must not change")
}

func TestAggregateEmpty(t *testing.T) {
	view := Aggregate(nil, nil)
	require.NotNil(t, view.Rows)
	require.Empty(t, view.Rows)
	require.Equal(t, Summary{}, view.Summary)
}

func TestCreatePurchaseOrderSnapshotsItems(t *testing.T) {
	q := completedQuote("q1", "QT-000001", item("Paracip", 100, 40), item("Azee", 50, 80))
	f := newFixture(t, q)

	po, err := f.svc.CreatePurchaseOrder(context.Background(), managerActor, CreateInput{
		ManufacturerID: "m1",
		Refs:           []procurement.ItemRef{ref("q1", 1)},
	})
	require.NoError(t, err)
	require.Len(t, po.Items, 1)
	require.Equal(t, "Azee", po.Items[0].BrandName)
	require.Equal(t, "QT-000001", po.Items[0].QuoteNumber)
	require.Equal(t, ref("q1", 1), *po.Items[0].Ref)

	view, err := f.svc.View(context.Background(), managerActor)
	require.NoError(t, err)
	require.Equal(t, OrderPending, view.Rows[0].OrderStatus)
	require.Equal(t, OrderPOCreated, view.Rows[1].OrderStatus)
}

func TestCreatePurchaseOrderRejectsClaimedItem(t *testing.T) {
	q := completedQuote("q1", "QT-000001", item("Paracip", 100, 40))
	f := newFixture(t, q)
	in := CreateInput{ManufacturerID: "m1", Refs: []procurement.ItemRef{ref("q1", 0)}}

	_, err := f.svc.CreatePurchaseOrder(context.Background(), managerActor, in)
	require.NoError(t, err)
	_, err = f.svc.CreatePurchaseOrder(context.Background(), managerActor, in)
	require.ErrorIs(t, err, shared.ErrItemAlreadyClaimed)
	require.Contains(t, err.Error(), "PO-000001")
	require.Equal(t, 1, f.metrics.conflicts)
}

func TestCreatePurchaseOrderConcurrentClaims(t *testing.T) {
	q := completedQuote("q1", "QT-000001", item("Paracip", 100, 40))
	f := newFixture(t, q)
	f.orders.delay = 10 * time.Millisecond

	const workers = 6
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.CreatePurchaseOrder(context.Background(), managerActor, CreateInput{
				ManufacturerID: "m1",
				Refs:           []procurement.ItemRef{ref("q1", 0)},
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, shared.ErrItemAlreadyClaimed)
	}
	require.Equal(t, 1, succeeded)
	pos, err := f.orders.Claiming(context.Background())
	require.NoError(t, err)
	require.Len(t, pos, 1)
}

func TestCreatePurchaseOrderWriteTimeGuard(t *testing.T) {
	q := completedQuote("q1", "QT-000001", item("Paracip", 100, 40))
	f := newFixture(t, q)
	f.orders.guard = true
	f.orders.staleReads = true
	in := CreateInput{ManufacturerID: "m1", Refs: []procurement.ItemRef{ref("q1", 0)}}

	_, err := f.svc.CreatePurchaseOrder(context.Background(), managerActor, in)
	require.NoError(t, err)
	_, err = f.svc.CreatePurchaseOrder(context.Background(), managerActor, in)
	require.ErrorIs(t, err, shared.ErrItemAlreadyClaimed)
	require.Equal(t, 1, f.metrics.conflicts)
}

func TestCreatePurchaseOrderReleasesClaimAfterCancel(t *testing.T) {
	q := completedQuote("q1", "QT-000001", item("Paracip", 100, 40))
	f := newFixture(t, q)
	f.orders.add(claimingPO("old", procurement.StatusCancelled, t0, ref("q1", 0)))

	po, err := f.svc.CreatePurchaseOrder(context.Background(), managerActor, CreateInput{
		ManufacturerID: "m1",
		Refs:           []procurement.ItemRef{ref("q1", 0)},
	})
	require.NoError(t, err)
	require.Equal(t, procurement.StatusDraft, po.Status)
}

func TestCreatePurchaseOrderValidation(t *testing.T) {
	draft := completedQuote("q2", "QT-000002", item("Draft", 1, 1))
	draft.Status = quotes.StatusPendingDesigner
	f := newFixture(t, completedQuote("q1", "QT-000001", item("Paracip", 100, 40)), draft)
	ctx := context.Background()

	cases := map[string]struct {
		refs  []procurement.ItemRef
		field string
	}{
		"no items":        {nil, "refs"},
		"blank quote":     {[]procurement.ItemRef{ref(" ", 0)}, "refs[0].quote_id"},
		"duplicate":       {[]procurement.ItemRef{ref("q1", 0), ref("q1", 0)}, "refs[1]"},
		"unknown quote":   {[]procurement.ItemRef{ref("nope", 0)}, "refs[0]"},
		"not completed":   {[]procurement.ItemRef{ref("q2", 0)}, "refs[0]"},
		"index too large": {[]procurement.ItemRef{ref("q1", 1)}, "refs[0]"},
		"negative index":  {[]procurement.ItemRef{ref("q1", -1)}, "refs[0]"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreatePurchaseOrder(ctx, managerActor, CreateInput{ManufacturerID: "m1", Refs: tc.refs})
			require.ErrorIs(t, err, shared.ErrValidation)
			var verr *shared.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Contains(t, verr.Fields, tc.field)
		})
	}
	pos, err := f.orders.Claiming(ctx)
	require.NoError(t, err)
	require.Empty(t, pos)
}

func TestCreatePurchaseOrderRequiresPermission(t *testing.T) {
	f := newFixture(t, completedQuote("q1", "QT-000001", item("Paracip", 100, 40)))
	_, err := f.svc.CreatePurchaseOrder(context.Background(), salesActor, CreateInput{
		ManufacturerID: "m1",
		Refs:           []procurement.ItemRef{ref("q1", 0)},
	})
	require.ErrorIs(t, err, shared.ErrPermissionDenied)
}

func TestCreatePurchaseOrderHeldLockReportsClaimed(t *testing.T) {
	f := newFixture(t, completedQuote("q1", "QT-000001", item("Paracip", 100, 40)))
	f.svc.opts.LockRetries = 1
	held, err := redislock.New(f.redis).Obtain(context.Background(), shared.ClaimLockKey("q1", 0), time.Minute, nil)
	require.NoError(t, err)
	defer func() { _ = held.Release(context.Background()) }()

	_, err = f.svc.CreatePurchaseOrder(context.Background(), managerActor, CreateInput{
		ManufacturerID: "m1",
		Refs:           []procurement.ItemRef{ref("q1", 0)},
	})
	require.ErrorIs(t, err, shared.ErrItemAlreadyClaimed)
}

func TestViewCachedUntilInvalidated(t *testing.T) {
	f := newFixture(t, completedQuote("q1", "QT-000001", item("Paracip", 100, 40)))
	ctx := context.Background()

	first, err := f.svc.View(ctx, managerActor)
	require.NoError(t, err)
	require.Equal(t, OrderPending, first.Rows[0].OrderStatus)

	f.orders.add(claimingPO("a", procurement.StatusSent, t0, ref("q1", 0)))
	cached, err := f.svc.View(ctx, managerActor)
	require.NoError(t, err)
	require.Equal(t, first, cached)
	require.Equal(t, 1, f.metrics.hits)
	require.Equal(t, 1, f.metrics.misses)

	f.svc.Emit(ctx, "quote:submitted", nil)
	stale, err := f.svc.View(ctx, managerActor)
	require.NoError(t, err)
	require.Equal(t, OrderPending, stale.Rows[0].OrderStatus)

	f.svc.Emit(ctx, "po:status-updated", nil)
	fresh, err := f.svc.View(ctx, managerActor)
	require.NoError(t, err)
	require.Equal(t, OrderPOCreated, fresh.Rows[0].OrderStatus)
	require.Equal(t, 2, f.metrics.misses)
}

func TestAdminQuoteEditInvalidatesView(t *testing.T) {
	f := newFixture(t, completedQuote("q1", "QT-000001", item("Paracip", 100, 40)))
	ctx := context.Background()

	first, err := f.svc.View(ctx, managerActor)
	require.NoError(t, err)
	require.Equal(t, "Paracip", first.Rows[0].Item.BrandName)

	edited := completedQuote("q1", "QT-000001", item("Paracip-Forte", 200, 40))
	f.quotes.byID["q1"] = edited
	f.svc.Emit(ctx, notify.EventQuoteUpdated, edited)

	fresh, err := f.svc.View(ctx, managerActor)
	require.NoError(t, err)
	require.Equal(t, "Paracip-Forte", fresh.Rows[0].Item.BrandName)
	require.Equal(t, 200.0, fresh.Rows[0].Item.Quantity)
}

func TestCancelledCallerDoesNotAbortSharedLoad(t *testing.T) {
	f := newFixture(t, completedQuote("q1", "QT-000001", item("Paracip", 100, 40)))
	f.quotes.started = make(chan struct{})
	f.quotes.hold = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := f.svc.View(ctx, managerActor)
		errs <- err
	}()
	<-f.quotes.started
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)
	close(f.quotes.hold)

	require.Eventually(t, func() bool {
		f.metrics.mu.Lock()
		defer f.metrics.mu.Unlock()
		return f.metrics.misses == 1
	}, time.Second, 10*time.Millisecond, "the load finished and was stored")

	view, err := f.svc.View(context.Background(), managerActor)
	require.NoError(t, err)
	require.Len(t, view.Rows, 1)
	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	require.Equal(t, 1, f.metrics.hits)
}

func TestViewRequiresPermission(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.View(context.Background(), salesActor)
	require.ErrorIs(t, err, shared.ErrPermissionDenied)

	rows, err := f.svc.Pending(context.Background(), shared.Actor{ID: "acc", Role: shared.RoleAccountant})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestCacheWithoutRedisAlwaysLoads(t *testing.T) {
	var c *Cache
	key, err := c.BuildKey(context.Background(), "ordersheet", "view")
	require.NoError(t, err)
	require.Equal(t, "ordersheet:view", key)

	calls := 0
	var out Summary
	hit, err := c.FetchJSON(context.Background(), key, &out, func(context.Context) (any, error) {
		calls++
		return Summary{Items: 2}, nil
	})
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, 2, out.Items)
	require.Equal(t, 1, calls)
	require.NoError(t, c.Bump(context.Background()))
}
