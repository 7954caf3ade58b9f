package inventory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-inventory/internal/cache"
	"github.com/iliyamo/ticket-inventory/internal/clock"
	"github.com/iliyamo/ticket-inventory/internal/lock"
	"github.com/iliyamo/ticket-inventory/internal/metrics"
	"github.com/iliyamo/ticket-inventory/internal/model"
	"github.com/iliyamo/ticket-inventory/internal/obs"
	"github.com/iliyamo/ticket-inventory/internal/repository"
)

// CatalogCacheName namespaces the inventory-group catalog cache.
const CatalogCacheName = "catalog"

// Store is the durable inventory store. The engine only reads from it.
type Store interface {
	LoadInventoryGroup(ctx context.Context, groupID int64) (model.InventoryGroup, error)
	LoadRemainingCounts(ctx context.Context, groupID int64) (map[int64]int64, error)
	LoadSeats(ctx context.Context, groupID, categoryID int64) ([]model.Seat, error)
}

// Options configures an Engine. Zero values take the defaults noted.
type Options struct {
	Locks     lock.Manager // required
	LockWait  time.Duration
	LockLease time.Duration

	// KeyRetention is how long a group's ledger outlives the session
	// start. Defaults to 24h.
	KeyRetention time.Duration

	// MatchAttempts bounds re-matching when every seat offered for a
	// quantity-only item was taken by concurrent reservations, and
	// repopulation when the ledger vanished mid-request. Defaults to 3.
	MatchAttempts int

	LocalCacheSize int
	Notifier       cache.Notifier
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Item is one category's part of a reservation: either a quantity of seats
// chosen by MatchSeats, or explicit seats.
type Item struct {
	CategoryID int64   `json:"category_id"`
	Quantity   int     `json:"quantity"`
	SeatIDs    []int64 `json:"seat_ids,omitempty"`
}

// Reservation is the outcome of a successful Reserve.
type Reservation struct {
	GroupID int64        `json:"group_id"`
	Seats   []model.Seat `json:"seats"`
}

// SeatMap is a category's seats split by status, ordered by row and column.
type SeatMap struct {
	Available []model.Seat `json:"available"`
	Locked    []model.Seat `json:"locked"`
	Sold      []model.Seat `json:"sold"`
}

// Engine reserves and releases inventory without oversell. The remaining
// counts and seat collections of a group live in Redis and are mutated only
// by the ledger scripts; the durable store seeds them on first use.
type Engine struct {
	ledger  ledger
	store   Store
	catalog *cache.MultiLevel[model.InventoryGroup]
	locks   lock.Manager
	opts    Options
	clock   clock.Clock
	log     *slog.Logger
}

// NewEngine returns an Engine using rdb for the ledger and the catalog
// cache's shared tier.
func NewEngine(rdb redis.Cmdable, store Store, opts Options) (*Engine, error) {
	if opts.Locks == nil {
		return nil, errors.New("inventory: lock manager is required")
	}
	if opts.LockWait <= 0 {
		opts.LockWait = time.Second
	}
	if opts.LockLease <= 0 {
		opts.LockLease = 10 * time.Second
	}
	if opts.KeyRetention <= 0 {
		opts.KeyRetention = 24 * time.Hour
	}
	if opts.MatchAttempts <= 0 {
		opts.MatchAttempts = 3
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = obs.Discard()
	}

	catalog, err := cache.New[model.InventoryGroup](rdb, cache.Options[model.InventoryGroup]{
		Name:      CatalogCacheName,
		LocalSize: opts.LocalCacheSize,
		Expire:    func(g model.InventoryGroup) time.Time { return g.StartsAt },
		Locks:     opts.Locks,
		LockWait:  opts.LockWait,
		LockLease: opts.LockLease,
		Notifier:  opts.Notifier,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	e := &Engine{
		ledger:  ledger{rdb: rdb},
		store:   store,
		catalog: catalog,
		locks:   opts.Locks,
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Logger,
	}
	e.log.Info("inventory engine ready", "scripts", ScriptVersions())
	return e, nil
}

// Catalog returns the inventory-group cache, e.g. to register it with the
// invalidation consumer.
func (e *Engine) Catalog() *cache.MultiLevel[model.InventoryGroup] { return e.catalog }

// Group returns the catalog record of an inventory group through the
// multi-level cache. A missing group yields repository.ErrGroupNotFound.
func (e *Engine) Group(ctx context.Context, groupID int64) (model.InventoryGroup, error) {
	g, err := e.catalog.GetOrLoad(ctx, catalogKey(groupID), func(ctx context.Context) (model.InventoryGroup, error) {
		return e.store.LoadInventoryGroup(ctx, groupID)
	})
	if err != nil {
		if errors.Is(err, repository.ErrGroupNotFound) || errors.Is(err, lock.ErrTimeout) {
			return model.InventoryGroup{}, err
		}
		return model.InventoryGroup{}, transient("load group", err)
	}
	return g, nil
}

// Reserve atomically takes seats for every item, all or nothing. Items
// without explicit seats get seats chosen by MatchSeats; seats taken
// concurrently before the script runs are replaced inside the script by
// the next available ones. A quantity-only item is rejected only with
// ErrInsufficientStock, or ErrContended when every offered seat was taken
// on each of MatchAttempts attempts.
//
// Business rejections are returned as *RejectionError, infrastructure
// failures as *TransientError. A reservation is never retried after the
// ledger script reported success.
func (e *Engine) Reserve(ctx context.Context, groupID int64, items []Item) (res Reservation, err error) {
	defer func() { metrics.Reservations.WithLabelValues(outcome(err)).Inc() }()

	items, err = normalizeItems(items)
	if err != nil {
		return Reservation{}, err
	}
	g, err := e.Group(ctx, groupID)
	if err != nil {
		return Reservation{}, err
	}
	for _, it := range items {
		if _, ok := g.Category(it.CategoryID); !ok {
			return Reservation{}, &RejectionError{Code: CodeCategoryNotFound, GroupID: groupID, CategoryID: it.CategoryID}
		}
	}
	if err := e.ensureResident(ctx, g); err != nil {
		return Reservation{}, err
	}

	for attempt := 1; ; attempt++ {
		moves, err := e.plan(ctx, groupID, items)
		if err != nil {
			return Reservation{}, err
		}
		r, err := e.ledger.reserve(ctx, groupID, moves)
		if err != nil {
			return Reservation{}, transient("reserve", err)
		}
		switch r.Code {
		case CodeOK:
			return e.reserved(groupID, moves, r)
		case codeNotResident:
			if attempt < e.opts.MatchAttempts {
				if err := e.ensureResident(ctx, g); err != nil {
					return Reservation{}, err
				}
				continue
			}
		case CodeContended:
			if attempt < e.opts.MatchAttempts {
				e.log.Debug("preferred seats taken concurrently, re-matching",
					"group", groupID, "category", r.CategoryID, "attempt", attempt)
				continue
			}
		}
		return Reservation{}, e.reject("reserve", groupID, r)
	}
}

// plan turns items into ledger moves. A quantity-only item becomes a
// preference order: the seats MatchSeats picks from the current available
// collection, followed by the other available seats by position. The
// ledger script takes the first Quantity of them still available, so
// concurrent callers that matched the same seats fall through to the next
// ones instead of failing.
func (e *Engine) plan(ctx context.Context, groupID int64, items []Item) ([]seatMove, error) {
	moves := make([]seatMove, 0, len(items))
	for _, it := range items {
		if len(it.SeatIDs) > 0 {
			moves = append(moves, seatMove{CategoryID: it.CategoryID, Quantity: int64(len(it.SeatIDs)), SeatIDs: it.SeatIDs})
			continue
		}
		available, err := e.ledger.seats(ctx, groupID, it.CategoryID, model.SeatAvailable)
		if err != nil {
			return nil, transient("read available seats", err)
		}
		chosen, ok := MatchSeats(available, it.Quantity)
		if !ok {
			return nil, &RejectionError{Code: CodeInsufficient, GroupID: groupID, CategoryID: it.CategoryID, Remaining: int64(len(available))}
		}
		moves = append(moves, seatMove{
			CategoryID: it.CategoryID,
			Quantity:   int64(it.Quantity),
			SeatIDs:    preferenceOrder(available, chosen, it.Quantity+preferenceSlack),
			Prefer:     true,
		})
	}
	return moves, nil
}

// preferenceSlack is how many seats beyond the requested quantity a
// quantity-only item offers the ledger as fallbacks.
const preferenceSlack = 256

// preferenceOrder returns the ids of chosen followed by the rest of
// available in (row, column) order, at most limit ids.
func preferenceOrder(available, chosen []model.Seat, limit int) []int64 {
	ids := make([]int64, 0, min(limit, len(available)))
	taken := make(map[int64]bool, len(chosen))
	for _, s := range chosen {
		ids = append(ids, s.ID)
		taken[s.ID] = true
	}
	rest := slices.Clone(available)
	slices.SortFunc(rest, bySeatPosition)
	for _, s := range rest {
		if len(ids) >= limit {
			break
		}
		if !taken[s.ID] {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

func (e *Engine) reserved(groupID int64, moves []seatMove, r scriptResult) (Reservation, error) {
	res := Reservation{GroupID: groupID, Seats: make([]model.Seat, 0, len(r.Payloads))}
	for _, p := range r.Payloads {
		s, err := decodeSeat(p, model.SeatLocked)
		if err != nil {
			return res, transient("decode reserved seat", err)
		}
		res.Seats = append(res.Seats, s)
	}
	metrics.ReservedSeats.Add(float64(len(res.Seats)))

	want := 0
	for _, m := range moves {
		want += int(m.Quantity)
	}
	if len(res.Seats) != want {
		return res, e.invariant("reserve moved an unexpected number of seats", groupID, "want", want, "moved", len(res.Seats))
	}
	for i, left := range r.After {
		if left < 0 {
			return res, e.invariant("remaining count went negative", groupID, "category", moves[i].CategoryID, "remaining", left)
		}
	}
	return res, nil
}

// Rollback returns previously reserved seats to available and restores
// the remaining counts. It is the exact inverse of Reserve. Seats that are
// not in the locked collection reject the whole call with ErrSeatNotLocked.
func (e *Engine) Rollback(ctx context.Context, groupID int64, seats []model.SeatRef) (err error) {
	defer func() { metrics.Rollbacks.WithLabelValues(outcome(err)).Inc() }()
	return e.transfer(ctx, "rollback", groupID, seats, e.ledger.rollback)
}

// Confirm marks reserved seats as sold after payment. Remaining counts do
// not change.
func (e *Engine) Confirm(ctx context.Context, groupID int64, seats []model.SeatRef) error {
	return e.transfer(ctx, "confirm", groupID, seats, e.ledger.confirm)
}

func (e *Engine) transfer(ctx context.Context, op string, groupID int64, seats []model.SeatRef,
	run func(context.Context, int64, []seatMove) (scriptResult, error)) error {
	moves, err := groupRefs(seats)
	if err != nil {
		return err
	}
	g, err := e.Group(ctx, groupID)
	if err != nil {
		return err
	}
	for _, m := range moves {
		if _, ok := g.Category(m.CategoryID); !ok {
			return &RejectionError{Code: CodeCategoryNotFound, GroupID: groupID, CategoryID: m.CategoryID}
		}
	}
	for attempt := 1; ; attempt++ {
		r, err := run(ctx, groupID, moves)
		if err != nil {
			return transient(op, err)
		}
		if r.Code == codeNotResident && attempt == 1 {
			if err := e.ensureResident(ctx, g); err != nil {
				return err
			}
			continue
		}
		if r.Code != CodeOK {
			return e.reject(op, groupID, r)
		}
		for i, left := range r.After {
			if left < 0 {
				return e.invariant("remaining count went negative", groupID, "op", op, "category", moves[i].CategoryID, "remaining", left)
			}
		}
		return nil
	}
}

// Remaining returns the remaining count of every category of the group.
func (e *Engine) Remaining(ctx context.Context, groupID int64) (map[int64]int64, error) {
	g, err := e.Group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err := e.ensureResident(ctx, g); err != nil {
		return nil, err
	}
	out, err := e.ledger.remaining(ctx, groupID)
	if err != nil {
		return nil, transient("read remaining", err)
	}
	return out, nil
}

// SeatMap returns one category's seats split by status.
func (e *Engine) SeatMap(ctx context.Context, groupID, categoryID int64) (SeatMap, error) {
	g, err := e.Group(ctx, groupID)
	if err != nil {
		return SeatMap{}, err
	}
	if _, ok := g.Category(categoryID); !ok {
		return SeatMap{}, &RejectionError{Code: CodeCategoryNotFound, GroupID: groupID, CategoryID: categoryID}
	}
	if err := e.ensureResident(ctx, g); err != nil {
		return SeatMap{}, err
	}
	var sm SeatMap
	for _, part := range []struct {
		status model.SeatStatus
		dst    *[]model.Seat
	}{
		{model.SeatAvailable, &sm.Available},
		{model.SeatLocked, &sm.Locked},
		{model.SeatSold, &sm.Sold},
	} {
		seats, err := e.ledger.seats(ctx, groupID, categoryID, part.status)
		if err != nil {
			return SeatMap{}, transient("read seats", err)
		}
		slices.SortFunc(seats, bySeatPosition)
		*part.dst = seats
	}
	return sm, nil
}

// Reset is an administrative full reset: the catalog is reloaded and every
// seat of the group returns to available, with counts at their totals.
func (e *Engine) Reset(ctx context.Context, groupID int64) error {
	return lock.WithLock(ctx, e.locks, e.populateLockName(groupID), lock.Reentrant, e.opts.LockWait, e.opts.LockLease,
		func(ctx context.Context) error {
			if err := e.Invalidate(ctx, groupID); err != nil {
				return err
			}
			g, err := e.Group(ctx, groupID)
			if err != nil {
				return err
			}
			state := make([]categoryState, 0, len(g.Categories))
			for _, c := range g.Categories {
				seats, err := e.store.LoadSeats(ctx, groupID, c.ID)
				if err != nil {
					return transient("load seats", err)
				}
				for i := range seats {
					seats[i].Status = model.SeatAvailable
				}
				state = append(state, categoryState{CategoryID: c.ID, Remaining: c.TotalCount, Available: seats})
			}
			if _, err := e.ledger.populate(ctx, groupID, state, e.expireAt(g), true); err != nil {
				return transient("reset ledger", err)
			}
			e.log.Info("inventory group reset", "group", groupID, "categories", len(state))
			return nil
		})
}

// Invalidate drops the group's ledger and its catalog entry from both
// cache tiers, and tells other instances to drop their local copy. The
// durable store is untouched; the next read repopulates from it.
func (e *Engine) Invalidate(ctx context.Context, groupID int64) error {
	var categoryIDs []int64
	g, err := e.Group(ctx, groupID)
	switch {
	case err == nil:
		for _, c := range g.Categories {
			categoryIDs = append(categoryIDs, c.ID)
		}
	case errors.Is(err, repository.ErrGroupNotFound):
	default:
		return err
	}

	return lock.WithLock(ctx, e.locks, e.populateLockName(groupID), lock.Reentrant, e.opts.LockWait, e.opts.LockLease,
		func(ctx context.Context) error {
			if err := e.ledger.drop(ctx, groupID, categoryIDs); err != nil {
				return transient("drop ledger", err)
			}
			key := catalogKey(groupID)
			return lock.WithLock(ctx, e.locks, e.catalog.LockName(key), lock.Write, e.opts.LockWait, e.opts.LockLease,
				func(ctx context.Context) error {
					if err := e.catalog.Invalidate(ctx, key); err != nil {
						return transient("invalidate catalog", err)
					}
					metrics.Invalidations.WithLabelValues("published").Inc()
					return nil
				})
		})
}

// ensureResident populates the group's ledger from the durable store if it
// is not in Redis yet. Population runs under the group's Reentrant lock and
// re-checks residency, and the populate script itself refuses to overwrite
// a resident ledger, so a slow loader can never undo a reservation.
func (e *Engine) ensureResident(ctx context.Context, g model.InventoryGroup) error {
	ok, err := e.ledger.resident(ctx, g.ID)
	if err != nil {
		return transient("check ledger", err)
	}
	if ok {
		return nil
	}
	return lock.WithLock(ctx, e.locks, e.populateLockName(g.ID), lock.Reentrant, e.opts.LockWait, e.opts.LockLease,
		func(ctx context.Context) error {
			ok, err := e.ledger.resident(ctx, g.ID)
			if err != nil {
				return transient("check ledger", err)
			}
			if ok {
				metrics.Populations.WithLabelValues("already_resident").Inc()
				return nil
			}
			state, err := e.loadState(ctx, g)
			if err != nil {
				metrics.Populations.WithLabelValues("error").Inc()
				return err
			}
			written, err := e.ledger.populate(ctx, g.ID, state, e.expireAt(g), false)
			if err != nil {
				metrics.Populations.WithLabelValues("error").Inc()
				return transient("populate ledger", err)
			}
			if !written {
				metrics.Populations.WithLabelValues("already_resident").Inc()
				return nil
			}
			metrics.Populations.WithLabelValues("loaded").Inc()
			e.log.Info("inventory ledger populated", "group", g.ID, "categories", len(state))
			return nil
		})
}

// loadState reads counts and seats of every category from the durable
// store, partitioning seats by their durable status.
func (e *Engine) loadState(ctx context.Context, g model.InventoryGroup) ([]categoryState, error) {
	counts, err := e.store.LoadRemainingCounts(ctx, g.ID)
	if err != nil {
		return nil, transient("load remaining counts", err)
	}
	state := make([]categoryState, 0, len(g.Categories))
	for _, c := range g.Categories {
		seats, err := e.store.LoadSeats(ctx, g.ID, c.ID)
		if err != nil {
			return nil, transient("load seats", err)
		}
		cs := categoryState{CategoryID: c.ID, Remaining: counts[c.ID]}
		for _, s := range seats {
			switch s.Status {
			case model.SeatLocked:
				cs.Locked = append(cs.Locked, s)
			case model.SeatSold:
				cs.Sold = append(cs.Sold, s)
			default:
				cs.Available = append(cs.Available, s)
			}
		}
		if cs.Remaining != int64(len(cs.Available)) {
			e.log.Warn("durable remaining count disagrees with available seats",
				"group", g.ID, "category", c.ID, "remaining", cs.Remaining, "available", len(cs.Available))
		}
		state = append(state, cs)
	}
	return state, nil
}

func (e *Engine) expireAt(g model.InventoryGroup) time.Time {
	at := g.StartsAt.Add(e.opts.KeyRetention)
	if floor := e.clock.Now().Add(e.opts.KeyRetention); at.Before(floor) {
		return floor
	}
	return at
}

func (e *Engine) populateLockName(groupID int64) string {
	return lock.Name("inventory", "populate", groupID)
}

func (e *Engine) reject(op string, groupID int64, r scriptResult) error {
	if r.Code == codeNotResident {
		return transient(op, errors.New("ledger evicted while in use"))
	}
	err := &RejectionError{
		Code:       r.Code,
		GroupID:    groupID,
		CategoryID: r.CategoryID,
		SeatID:     r.SeatID,
		Remaining:  r.Remaining,
	}
	e.log.Debug("inventory request rejected", "op", op, "group", groupID, "code", r.Code.String(),
		"category", r.CategoryID, "seat", r.SeatID)
	return err
}

func (e *Engine) invariant(msg string, groupID int64, attrs ...any) error {
	metrics.InvariantViolations.Inc()
	e.log.Error(msg, append([]any{"group", groupID, "invariant", "atomic_ledger"}, attrs...)...)
	return fmt.Errorf("%w: %s (group %d)", ErrInvariant, msg, groupID)
}

// normalizeItems validates items and fills Quantity for explicit seats.
func normalizeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidRequest)
	}
	out := make([]Item, len(items))
	categories := make(map[int64]bool, len(items))
	for i, it := range items {
		if categories[it.CategoryID] {
			return nil, fmt.Errorf("%w: category %d listed twice", ErrInvalidRequest, it.CategoryID)
		}
		categories[it.CategoryID] = true
		if len(it.SeatIDs) > 0 {
			if it.Quantity != 0 && it.Quantity != len(it.SeatIDs) {
				return nil, fmt.Errorf("%w: category %d quantity %d does not match %d seats",
					ErrInvalidRequest, it.CategoryID, it.Quantity, len(it.SeatIDs))
			}
			if err := uniqueSeats(it.CategoryID, it.SeatIDs); err != nil {
				return nil, err
			}
			it.Quantity = len(it.SeatIDs)
		} else if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: category %d needs a positive quantity or seats", ErrInvalidRequest, it.CategoryID)
		}
		out[i] = it
	}
	return out, nil
}

// groupRefs groups seat references by category, preserving first-seen
// category order.
func groupRefs(refs []model.SeatRef) ([]seatMove, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: no seats", ErrInvalidRequest)
	}
	index := make(map[int64]int)
	var moves []seatMove
	for _, r := range refs {
		i, ok := index[r.CategoryID]
		if !ok {
			i = len(moves)
			index[r.CategoryID] = i
			moves = append(moves, seatMove{CategoryID: r.CategoryID})
		}
		moves[i].SeatIDs = append(moves[i].SeatIDs, r.SeatID)
	}
	for i := range moves {
		if err := uniqueSeats(moves[i].CategoryID, moves[i].SeatIDs); err != nil {
			return nil, err
		}
		moves[i].Quantity = int64(len(moves[i].SeatIDs))
	}
	return moves, nil
}

func uniqueSeats(categoryID int64, seatIDs []int64) error {
	seen := make(map[int64]bool, len(seatIDs))
	for _, id := range seatIDs {
		if seen[id] {
			return fmt.Errorf("%w: seat %d listed twice in category %d", ErrInvalidRequest, id, categoryID)
		}
		seen[id] = true
	}
	return nil
}

func bySeatPosition(a, b model.Seat) int {
	if c := cmp.Compare(a.RowCode, b.RowCode); c != 0 {
		return c
	}
	return cmp.Compare(a.ColCode, b.ColCode)
}

// outcome labels metrics by result.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, ErrCategoryNotFound):
		return "category_not_found"
	case errors.Is(err, ErrSeatUnavailable):
		return "seat_unavailable"
	case errors.Is(err, ErrSeatNotLocked):
		return "seat_not_locked"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, lock.ErrTimeout), errors.Is(err, ErrContended):
		return "contended"
	default:
		return "error"
	}
}
