// Package cart keeps one cart per user and serializes mutations per user.
// It never touches inventory; reservation bookkeeping belongs to the caller.
package cart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/rfid-cart/internal/domain"
	"github.com/fjod/rfid-cart/internal/shard"
)

var ErrInvalidQuantity = errors.New("quantity must be positive")

// DefaultPersistTimeout bounds one write-through call.
const DefaultPersistTimeout = 2 * time.Second

// Persister stores carts outside the process. Consumers define this
// interface, not the MongoDB implementation.
type Persister interface {
	Load(ctx context.Context, userID string) (domain.Cart, bool, error)
	Save(ctx context.Context, cart domain.Cart) error
	Delete(ctx context.Context, userID string) error
}

type Options struct {
	Shards int
	// Persister is optional. When set, every mutation is written through
	// before it becomes visible and carts are loaded on first access.
	Persister      Persister
	PersistTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// ReservationCounter is implemented by persisters that can total the
// units held across every stored cart.
type ReservationCounter interface {
	ReservedTotals(ctx context.Context) (map[int64]int, error)
}

// Store keeps carts in memory. Each user is serialized on its own lock for
// the whole load, mutate, persist sequence; the shard lock is only taken for
// the in-memory read or swap.
type Store struct {
	carts          *shard.Map[string, domain.Cart]
	users          *shard.KeyLocks
	persister      Persister
	persistTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

func NewStore(opts Options) *Store {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		carts:          shard.New[string, domain.Cart](opts.Shards, shard.StringHash),
		users:          shard.NewKeyLocks(),
		persister:      opts.Persister,
		persistTimeout: opts.PersistTimeout,
		now:            opts.Now,
		logger:         opts.Logger,
	}
}

// ApplyAdd adds qty units of product to the user's cart, creating the cart
// when needed, and returns the resulting cart.
func (s *Store) ApplyAdd(ctx context.Context, userID string, product domain.Product, qty int) (domain.Cart, error) {
	if qty <= 0 {
		return domain.Cart{}, ErrInvalidQuantity
	}

	unlock := s.users.Lock(userID)
	defer unlock()

	cur, ok, err := s.current(ctx, userID)
	if err != nil {
		return domain.Cart{}, err
	}
	now := s.now()
	next := domain.NewCart(userID, now)
	if ok {
		next = cur.Clone()
	}
	next.Add(product, qty, now)

	if err := s.save(ctx, next); err != nil {
		return domain.Cart{}, err
	}
	s.put(userID, next)
	return next.Clone(), nil
}

// ApplyRemove takes up to qty units of productID out of the user's cart.
// removed is the quantity actually taken out; 0 when the line is absent.
func (s *Store) ApplyRemove(ctx context.Context, userID string, productID int64, qty int) (domain.Cart, int, error) {
	if qty <= 0 {
		return domain.Cart{}, 0, ErrInvalidQuantity
	}

	unlock := s.users.Lock(userID)
	defer unlock()

	cur, ok, err := s.current(ctx, userID)
	if err != nil {
		return domain.Cart{}, 0, err
	}
	if !ok {
		return domain.NewCart(userID, s.now()), 0, nil
	}
	if cur.Quantity(productID) == 0 {
		return cur.Clone(), 0, nil
	}

	next := cur.Clone()
	removed := next.Remove(productID, qty, s.now())
	if err := s.save(ctx, next); err != nil {
		return domain.Cart{}, 0, err
	}
	s.put(userID, next)
	return next.Clone(), removed, nil
}

// Snapshot returns a copy of the user's cart, or an empty cart when the
// user has none.
func (s *Store) Snapshot(ctx context.Context, userID string) domain.Cart {
	if c, ok := s.carts.Get(userID); ok {
		return c.Clone()
	}
	if s.persister == nil {
		return domain.NewCart(userID, s.now())
	}

	unlock := s.users.Lock(userID)
	defer unlock()

	cur, ok, err := s.current(ctx, userID)
	if err != nil {
		s.logger.Warn("cart load failed, serving empty cart", "user_id", userID, "error", err)
		return domain.NewCart(userID, s.now())
	}
	if !ok {
		return domain.NewCart(userID, s.now())
	}
	return cur.Clone()
}

// Clear removes the user's cart and returns what it held. Whether the
// removed quantities go back to inventory is the caller's decision.
func (s *Store) Clear(ctx context.Context, userID string) (domain.Cart, error) {
	unlock := s.users.Lock(userID)
	defer unlock()

	cur, ok, err := s.current(ctx, userID)
	if err != nil {
		return domain.Cart{}, err
	}
	if !ok {
		return domain.NewCart(userID, s.now()), nil
	}
	if s.persister != nil {
		pctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
		defer cancel()
		if err := s.persister.Delete(pctx, userID); err != nil {
			return domain.Cart{}, fmt.Errorf("failed to delete cart: %w", err)
		}
	}
	s.carts.Delete(userID)
	return cur.Clone(), nil
}

// ReservedTotals sums the units per product held in persisted carts. It
// returns an empty map when there is no persister or it cannot count.
func (s *Store) ReservedTotals(ctx context.Context) (map[int64]int, error) {
	counter, ok := s.persister.(ReservationCounter)
	if !ok {
		return map[int64]int{}, nil
	}
	totals, err := counter.ReservedTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to total reserved units: %w", err)
	}
	return totals, nil
}

// Len returns the number of carts held in memory.
func (s *Store) Len() int {
	return s.carts.Len()
}

// current returns the in-memory cart, falling back to the persister for a
// user not seen since start. A loaded cart is cached. The caller holds the
// user's lock.
func (s *Store) current(ctx context.Context, userID string) (domain.Cart, bool, error) {
	if c, ok := s.carts.Get(userID); ok || s.persister == nil {
		return c, ok, nil
	}
	pctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()
	loaded, found, err := s.persister.Load(pctx, userID)
	if err != nil {
		return domain.Cart{}, false, fmt.Errorf("failed to load cart: %w", err)
	}
	if found {
		s.put(userID, loaded)
	}
	return loaded, found, nil
}

func (s *Store) put(userID string, c domain.Cart) {
	_ = s.carts.Update(userID, func(domain.Cart, bool) (domain.Cart, bool, error) {
		return c, true, nil
	})
}

func (s *Store) save(ctx context.Context, c domain.Cart) error {
	if s.persister == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()
	if err := s.persister.Save(pctx, c); err != nil {
		return fmt.Errorf("failed to persist cart: %w", err)
	}
	return nil
}
