package ordersheet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"golang.org/x/sync/singleflight"

	"github.com/pharmaquote/pharmaquote/internal/notify"
	"github.com/pharmaquote/pharmaquote/internal/procurement"
	"github.com/pharmaquote/pharmaquote/internal/quotes"
	"github.com/pharmaquote/pharmaquote/internal/rbac"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

// QuoteSource reads quotes.
type QuoteSource interface {
	ListCompleted(ctx context.Context) ([]quotes.Quote, error)
	Lookup(ctx context.Context, id string) (quotes.Quote, error)
}

// OrderSource reads and creates purchase orders.
type OrderSource interface {
	Claiming(ctx context.Context) ([]procurement.PurchaseOrder, error)
	ActiveClaim(ctx context.Context, ref procurement.ItemRef) (procurement.PurchaseOrder, bool, error)
	Create(ctx context.Context, actor shared.Actor, input procurement.CreateInput) (procurement.PurchaseOrder, error)
}

// Observer receives cache and claim metrics.
type Observer interface {
	ObserveCache(hit bool)
	ObserveClaimConflict()
}

// Options tunes the service.
type Options struct {
	LockTTL      time.Duration
	LockRetries  int
	LockInterval time.Duration
}

// Service serves the order sheet and creates purchase orders from it.
type Service struct {
	quotes  QuoteSource
	orders  OrderSource
	locker  *redislock.Client
	cache   *Cache
	gate    *rbac.Gate
	metrics Observer
	logger  *slog.Logger
	opts    Options
	group   singleflight.Group
}

// NewService constructs the order sheet service. A nil locker disables the
// per-item lock; the write-time claim constraint still applies.
func NewService(qs QuoteSource, orders OrderSource, locker *redislock.Client, cache *Cache, gate *rbac.Gate, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 15 * time.Second
	}
	if opts.LockRetries <= 0 {
		opts.LockRetries = 5
	}
	if opts.LockInterval <= 0 {
		opts.LockInterval = 100 * time.Millisecond
	}
	return &Service{quotes: qs, orders: orders, locker: locker, cache: cache, gate: gate, logger: logger, opts: opts}
}

// WithMetrics attaches an observer.
func (s *Service) WithMetrics(m Observer) *Service {
	s.metrics = m
	return s
}

// View returns the order sheet, recomputed whenever a purchase order or a
// quote completion invalidated the cached copy.
func (s *Service) View(ctx context.Context, actor shared.Actor) (View, error) {
	if err := s.gate.Authorize(rbac.SubjectOf(actor), shared.PermOrderSheetView, rbac.Resource{}); err != nil {
		return View{}, err
	}
	return s.view(ctx)
}

// Pending returns only the rows eligible for a new purchase order.
func (s *Service) Pending(ctx context.Context, actor shared.Actor) ([]Row, error) {
	v, err := s.View(ctx, actor)
	if err != nil {
		return nil, err
	}
	return v.Pending(), nil
}

// Build recomputes the view from the authoritative records, bypassing the cache.
func (s *Service) Build(ctx context.Context) (View, error) {
	qs, err := s.quotes.ListCompleted(ctx)
	if err != nil {
		return View{}, fmt.Errorf("ordersheet: completed quotes: %w", err)
	}
	pos, err := s.orders.Claiming(ctx)
	if err != nil {
		return View{}, fmt.Errorf("ordersheet: claiming orders: %w", err)
	}
	return Aggregate(qs, pos), nil
}

func (s *Service) view(ctx context.Context) (View, error) {
	key, err := s.cache.BuildKey(ctx, "ordersheet", "view")
	if err != nil {
		s.logger.Warn("ordersheet cache version", slog.Any("error", err))
		return s.Build(ctx)
	}
	// The load is shared by every waiter, so it must outlive the caller
	// that happened to start it.
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		var v View
		hit, err := s.cache.FetchJSON(detached, key, &v, func(ctx context.Context) (any, error) {
			return s.Build(ctx)
		})
		if err != nil {
			return View{}, err
		}
		if s.metrics != nil {
			s.metrics.ObserveCache(hit)
		}
		return v, nil
	})
	select {
	case <-ctx.Done():
		return View{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return View{}, res.Err
		}
		return res.Val.(View), nil
	}
}

// CreateInput selects pending items for a new purchase order.
type CreateInput struct {
	ManufacturerID   string
	Refs             []procurement.ItemRef
	HidePurchaseRate bool
	Notes            string
}

// CreatePurchaseOrder creates a draft purchase order claiming the referenced
// quote items. Each item is locked while its claim is checked and written;
// the repository re-checks the claim when the order is stored.
func (s *Service) CreatePurchaseOrder(ctx context.Context, actor shared.Actor, input CreateInput) (procurement.PurchaseOrder, error) {
	if err := s.gate.Authorize(rbac.SubjectOf(actor), shared.PermPOCreate, rbac.Resource{State: string(procurement.StatusDraft)}); err != nil {
		return procurement.PurchaseOrder{}, err
	}
	refs, err := normalizeRefs(input.Refs)
	if err != nil {
		return procurement.PurchaseOrder{}, err
	}

	release, err := s.lock(ctx, refs)
	if err != nil {
		return procurement.PurchaseOrder{}, err
	}
	defer release()

	items, err := s.snapshot(ctx, refs)
	if err != nil {
		return procurement.PurchaseOrder{}, err
	}
	po, err := s.orders.Create(ctx, actor, procurement.CreateInput{
		ManufacturerID:   input.ManufacturerID,
		Items:            items,
		HidePurchaseRate: input.HidePurchaseRate,
		Notes:            input.Notes,
	})
	if err != nil {
		if errors.Is(err, shared.ErrItemAlreadyClaimed) {
			s.conflict()
		}
		return procurement.PurchaseOrder{}, err
	}
	s.invalidate(ctx)
	s.logger.Info("purchase order created from order sheet",
		slog.String("po", po.PONumber), slog.Int("items", len(items)), slog.String("actor", actor.ID))
	return po, nil
}

// Emit implements notify.Emitter. Purchase order events, quote completion
// and edits to a quote invalidate the cached view.
func (s *Service) Emit(ctx context.Context, name string, _ any) {
	switch {
	case strings.HasPrefix(name, "po:"),
		name == notify.EventQuoteCompleted,
		name == notify.EventQuoteUpdated:
		s.invalidate(ctx)
	}
}

// HandleEvent invalidates the cache for events relayed from other instances.
func (s *Service) HandleEvent(ctx context.Context, evt notify.Event) {
	s.Emit(ctx, evt.Name, evt.Payload)
}

func (s *Service) invalidate(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("ordersheet cache bump", slog.Any("error", err))
	}
}

// lock obtains every item lock in a fixed order so overlapping requests
// cannot deadlock. A lock still held after the retries means another order
// for the item is in flight.
func (s *Service) lock(ctx context.Context, refs []procurement.ItemRef) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	ordered := make([]procurement.ItemRef, len(refs))
	copy(ordered, refs)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].QuoteID != ordered[j].QuoteID {
			return ordered[i].QuoteID < ordered[j].QuoteID
		}
		return ordered[i].ItemIndex < ordered[j].ItemIndex
	})
	held := make([]*redislock.Lock, 0, len(refs))
	release := func() {
		for _, l := range held {
			if err := l.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				s.logger.Warn("ordersheet lock release", slog.String("key", l.Key()), slog.Any("error", err))
			}
		}
	}
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(s.opts.LockInterval), s.opts.LockRetries),
	}
	for _, ref := range ordered {
		l, err := s.locker.Obtain(ctx, shared.ClaimLockKey(ref.QuoteID, ref.ItemIndex), s.opts.LockTTL, opts)
		if errors.Is(err, redislock.ErrNotObtained) || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
			release()
			s.conflict()
			return nil, fmt.Errorf("%w: quote item %s#%d is being ordered", shared.ErrItemAlreadyClaimed, ref.QuoteID, ref.ItemIndex)
		}
		if err != nil {
			release()
			return nil, fmt.Errorf("ordersheet: lock: %w", err)
		}
		held = append(held, l)
	}
	return release, nil
}

// snapshot copies the referenced items out of their completed quotes after
// checking that no active order already claims them.
func (s *Service) snapshot(ctx context.Context, refs []procurement.ItemRef) ([]procurement.Item, error) {
	loaded := make(map[string]quotes.Quote)
	verr := &shared.ValidationError{}
	items := make([]procurement.Item, 0, len(refs))
	for i, ref := range refs {
		field := fmt.Sprintf("refs[%d]", i)
		q, ok := loaded[ref.QuoteID]
		if !ok {
			var err error
			q, err = s.quotes.Lookup(ctx, ref.QuoteID)
			if errors.Is(err, shared.ErrNotFound) {
				verr.Add(field, "unknown quote")
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("ordersheet: load quote: %w", err)
			}
			loaded[ref.QuoteID] = q
		}
		if q.Status != quotes.StatusCompleted {
			verr.Add(field, "quote is not completed")
			continue
		}
		if ref.ItemIndex < 0 || ref.ItemIndex >= len(q.Items) {
			verr.Add(field, "item index out of range")
			continue
		}
		existing, claimed, err := s.orders.ActiveClaim(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("ordersheet: claim lookup: %w", err)
		}
		if claimed {
			s.conflict()
			return nil, fmt.Errorf("%w: quote %s item %d is on %s", shared.ErrItemAlreadyClaimed, q.QuoteNumber, ref.ItemIndex, existing.PONumber)
		}
		r := ref
		items = append(items, procurement.Item{Ref: &r, QuoteNumber: q.QuoteNumber, Item: q.Items[ref.ItemIndex]})
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Service) conflict() {
	if s.metrics != nil {
		s.metrics.ObserveClaimConflict()
	}
}

func normalizeRefs(in []procurement.ItemRef) ([]procurement.ItemRef, error) {
	if len(in) == 0 {
		return nil, shared.NewValidationError("refs", "select at least one item")
	}
	verr := &shared.ValidationError{}
	seen := make(map[procurement.ItemRef]bool, len(in))
	out := make([]procurement.ItemRef, 0, len(in))
	for i, ref := range in {
		ref.QuoteID = strings.TrimSpace(ref.QuoteID)
		if ref.QuoteID == "" {
			verr.Add(fmt.Sprintf("refs[%d].quote_id", i), "required")
			continue
		}
		if seen[ref] {
			verr.Add(fmt.Sprintf("refs[%d]", i), "item listed twice")
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
