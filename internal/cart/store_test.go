package cart

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fjod/rfid-cart/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	milk  = domain.Product{ID: 1, Name: "Organic Milk 1L", Price: decimal.RequireFromString("2.99"), RFIDTag: "T1"}
	bread = domain.Product{ID: 2, Name: "Sourdough Bread", Price: decimal.RequireFromString("4.50"), RFIDTag: "T2"}
)

type fakePersister struct {
	mu      sync.Mutex
	carts   map[string]domain.Cart
	saveErr error
	loadErr error
	loads   int
	saves   int
}

func newFakePersister() *fakePersister {
	return &fakePersister{carts: make(map[string]domain.Cart)}
}

func (f *fakePersister) Load(_ context.Context, userID string) (domain.Cart, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return domain.Cart{}, false, f.loadErr
	}
	c, ok := f.carts[userID]
	return c.Clone(), ok, nil
}

func (f *fakePersister) Save(_ context.Context, c domain.Cart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	f.carts[c.UserID] = c.Clone()
	return nil
}

func (f *fakePersister) Delete(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.carts, userID)
	return nil
}

func TestStore_ApplyAdd_CreatesCartLazily(t *testing.T) {
	store := NewStore(Options{})
	ctx := context.Background()

	assert.Equal(t, 0, store.Len())

	c, err := store.ApplyAdd(ctx, "u1", milk, 1)
	require.NoError(t, err)
	assert.Equal(t, "u1", c.UserID)
	assert.Equal(t, 1, c.Quantity(milk.ID))
	assert.True(t, c.Total().Equal(decimal.RequireFromString("2.99")))
	assert.Equal(t, 1, store.Len())

	c, err = store.ApplyAdd(ctx, "u1", milk, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Quantity(milk.ID))
	assert.Len(t, c.Items, 1)
}

func TestStore_ApplyAdd_InvalidQuantity(t *testing.T) {
	store := NewStore(Options{})

	_, err := store.ApplyAdd(context.Background(), "u1", milk, 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestStore_ApplyRemove(t *testing.T) {
	store := NewStore(Options{})
	ctx := context.Background()

	_, err := store.ApplyAdd(ctx, "u1", milk, 2)
	require.NoError(t, err)
	_, err = store.ApplyAdd(ctx, "u1", bread, 1)
	require.NoError(t, err)

	c, removed, err := store.ApplyRemove(ctx, "u1", milk.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Quantity(milk.ID))

	// Clamp at zero and drop the line
	c, removed, err = store.ApplyRemove(ctx, "u1", milk.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, ok := c.Line(milk.ID)
	assert.False(t, ok)
	assert.True(t, c.Total().Equal(decimal.RequireFromString("4.50")))
}

func TestStore_ApplyRemove_AbsentLine(t *testing.T) {
	store := NewStore(Options{})
	ctx := context.Background()

	c, removed, err := store.ApplyRemove(ctx, "nobody", milk.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.True(t, c.IsEmpty())
	assert.Equal(t, 0, store.Len())
}

func TestStore_Snapshot_IsACopy(t *testing.T) {
	store := NewStore(Options{})
	ctx := context.Background()

	_, err := store.ApplyAdd(ctx, "u1", milk, 1)
	require.NoError(t, err)

	snap := store.Snapshot(ctx, "u1")
	snap.Items[0].Quantity = 99

	assert.Equal(t, 1, store.Snapshot(ctx, "u1").Quantity(milk.ID))
	assert.True(t, store.Snapshot(ctx, "u2").IsEmpty())
}

func TestStore_Clear_ReturnsPrevious(t *testing.T) {
	store := NewStore(Options{})
	ctx := context.Background()

	_, err := store.ApplyAdd(ctx, "u1", milk, 2)
	require.NoError(t, err)

	previous, err := store.Clear(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, previous.Quantity(milk.ID))
	assert.True(t, store.Snapshot(ctx, "u1").IsEmpty())

	previous, err = store.Clear(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, previous.IsEmpty())
}

func TestStore_PersistFailureLeavesCartUnchanged(t *testing.T) {
	persister := newFakePersister()
	store := NewStore(Options{Persister: persister})
	ctx := context.Background()

	_, err := store.ApplyAdd(ctx, "u1", milk, 1)
	require.NoError(t, err)

	persister.saveErr = errors.New("mongo down")
	_, err = store.ApplyAdd(ctx, "u1", milk, 1)
	require.Error(t, err)

	_, removed, err := store.ApplyRemove(ctx, "u1", milk.ID, 1)
	require.Error(t, err)
	assert.Equal(t, 0, removed)

	assert.Equal(t, 1, store.Snapshot(ctx, "u1").Quantity(milk.ID))
}

func TestStore_LoadsLazilyFromPersister(t *testing.T) {
	persister := newFakePersister()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	stored := domain.NewCart("u1", now)
	stored.Add(bread, 2, now)
	persister.carts["u1"] = stored

	store := NewStore(Options{Persister: persister})
	ctx := context.Background()

	c, err := store.ApplyAdd(ctx, "u1", milk, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Quantity(bread.ID))
	assert.Equal(t, 1, c.Quantity(milk.ID))
	assert.Equal(t, now, c.CreatedAt)

	// Second access served from memory
	_ = store.Snapshot(ctx, "u1")
	assert.Equal(t, 1, persister.loads)
	assert.Equal(t, 1, persister.saves)
}

func TestStore_SnapshotLoadFailureServesEmpty(t *testing.T) {
	persister := newFakePersister()
	persister.loadErr = errors.New("timeout")
	store := NewStore(Options{Persister: persister})

	c := store.Snapshot(context.Background(), "u1")
	assert.True(t, c.IsEmpty())
	assert.Equal(t, "u1", c.UserID)
}

func TestStore_ClearDeletesPersisted(t *testing.T) {
	persister := newFakePersister()
	store := NewStore(Options{Persister: persister})
	ctx := context.Background()

	_, err := store.ApplyAdd(ctx, "u1", milk, 1)
	require.NoError(t, err)

	_, err = store.Clear(ctx, "u1")
	require.NoError(t, err)

	_, ok := persister.carts["u1"]
	assert.False(t, ok)
}

func TestStore_ConcurrentAddsSameUser(t *testing.T) {
	store := NewStore(Options{Shards: 4})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ApplyAdd(ctx, "u1", milk, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c := store.Snapshot(ctx, "u1")
	assert.Equal(t, 100, c.Quantity(milk.ID))
	assert.True(t, c.Total().Equal(decimal.RequireFromString("299")))
}

type slowPersister struct {
	*fakePersister
	slowUser string
	entered  chan struct{}
	release  chan struct{}
}

func (p *slowPersister) Save(ctx context.Context, c domain.Cart) error {
	if c.UserID == p.slowUser {
		close(p.entered)
		select {
		case <-p.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.fakePersister.Save(ctx, c)
}

func TestStore_SlowPersistDoesNotBlockOtherUsers(t *testing.T) {
	persister := &slowPersister{
		fakePersister: newFakePersister(),
		slowUser:      "slow",
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	// One shard puts both users behind the same map lock.
	store := NewStore(Options{Shards: 1, Persister: persister, PersistTimeout: 5 * time.Second})
	ctx := context.Background()

	slowDone := make(chan error, 1)
	go func() {
		_, err := store.ApplyAdd(ctx, "slow", milk, 1)
		slowDone <- err
	}()
	<-persister.entered

	fastDone := make(chan error, 1)
	go func() {
		_, err := store.ApplyAdd(ctx, "fast", bread, 1)
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("fast user waited behind slow user's persist call")
	}
	assert.Equal(t, 1, store.Snapshot(ctx, "fast").Quantity(bread.ID))
	assert.Equal(t, 1, store.Len(), "slow cart must not be visible before it is persisted")

	close(persister.release)
	require.NoError(t, <-slowDone)
	assert.Equal(t, 1, store.Snapshot(ctx, "slow").Quantity(milk.ID))
}

func (f *fakePersister) ReservedTotals(_ context.Context) (map[int64]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	totals := make(map[int64]int)
	for _, c := range f.carts {
		for _, item := range c.Items {
			totals[item.ProductID] += item.Quantity
		}
	}
	return totals, nil
}

type plainPersister struct{ Persister }

func TestStore_ReservedTotals(t *testing.T) {
	persister := newFakePersister()
	store := NewStore(Options{Persister: persister})
	ctx := context.Background()

	_, err := store.ApplyAdd(ctx, "u1", milk, 2)
	require.NoError(t, err)
	_, err = store.ApplyAdd(ctx, "u2", milk, 1)
	require.NoError(t, err)
	_, err = store.ApplyAdd(ctx, "u2", bread, 3)
	require.NoError(t, err)

	totals, err := store.ReservedTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{milk.ID: 3, bread.ID: 3}, totals)

	totals, err = NewStore(Options{}).ReservedTotals(ctx)
	require.NoError(t, err)
	assert.Empty(t, totals)

	totals, err = NewStore(Options{Persister: plainPersister{persister}}).ReservedTotals(ctx)
	require.NoError(t, err)
	assert.Empty(t, totals)
}
