package cart

import (
	"context"
	"testing"
	"time"

	"github.com/fjod/rfid-cart/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/bson"
)

func setupTestDB(t *testing.T) *MongoPersister {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MongoDB container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	mongoContainer, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := mongoContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	uri, err := mongoContainer.ConnectionString(ctx)
	require.NoError(t, err)

	db, err := ConnectMongoDB(ctx, uri, "testdb")
	require.NoError(t, err)

	persister := NewMongoPersister(db)
	require.NoError(t, persister.CreateIndexes(ctx))
	return persister
}

func TestMongoPersister_LoadMissing(t *testing.T) {
	persister := setupTestDB(t)

	_, found, err := persister.Load(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMongoPersister_SaveLoadKeepsExactPrices(t *testing.T) {
	persister := setupTestDB(t)
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := domain.NewCart("user123", now)
	c.Add(milk, 3, now)
	c.Add(bread, 1, now)
	require.NoError(t, persister.Save(ctx, c))

	loaded, found, err := persister.Load(ctx, "user123")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, loaded.Items, 2)
	assert.Equal(t, 3, loaded.Quantity(milk.ID))
	assert.True(t, loaded.Total().Equal(decimal.RequireFromString("13.47")))

	// Replace, not merge
	c.Remove(milk.ID, 3, now)
	require.NoError(t, persister.Save(ctx, c))
	loaded, _, err = persister.Load(ctx, "user123")
	require.NoError(t, err)
	assert.Len(t, loaded.Items, 1)
}

func TestMongoPersister_Delete(t *testing.T) {
	persister := setupTestDB(t)
	ctx := context.Background()

	c := domain.NewCart("user123", time.Now().UTC())
	c.Add(milk, 1, time.Now().UTC())
	require.NoError(t, persister.Save(ctx, c))

	require.NoError(t, persister.Delete(ctx, "user123"))
	_, found, err := persister.Load(ctx, "user123")
	require.NoError(t, err)
	assert.False(t, found)

	// Missing cart is fine
	require.NoError(t, persister.Delete(ctx, "user123"))
}

func TestStore_WithMongoPersister(t *testing.T) {
	persister := setupTestDB(t)
	ctx := context.Background()

	store := NewStore(Options{Persister: persister})
	_, err := store.ApplyAdd(ctx, "user123", milk, 2)
	require.NoError(t, err)

	// A fresh store sees the persisted cart
	restarted := NewStore(Options{Persister: persister})
	c := restarted.Snapshot(ctx, "user123")
	assert.Equal(t, 2, c.Quantity(milk.ID))
}

func TestMongoPersister_ReservedTotals(t *testing.T) {
	persister := setupTestDB(t)
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	first := domain.NewCart("user1", now)
	first.Add(milk, 2, now)
	second := domain.NewCart("user2", now)
	second.Add(milk, 1, now)
	second.Add(bread, 4, now)
	require.NoError(t, persister.Save(ctx, first))
	require.NoError(t, persister.Save(ctx, second))
	require.NoError(t, persister.Save(ctx, domain.NewCart("user3", now)))

	totals, err := persister.ReservedTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{milk.ID: 3, bread.ID: 4}, totals)
}

func TestMongoPersister_NoExpiryIndex(t *testing.T) {
	persister := setupTestDB(t)
	ctx := context.Background()

	cursor, err := persister.collection.Indexes().List(ctx)
	require.NoError(t, err)
	var indexes []bson.M
	require.NoError(t, cursor.All(ctx, &indexes))

	for _, idx := range indexes {
		_, ttl := idx["expireAfterSeconds"]
		assert.False(t, ttl, "index %v expires carts", idx["name"])
	}
}
