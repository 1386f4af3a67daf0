package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/rfid-cart/internal/domain"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CollectionName is the Mongo collection carts live in.
const CollectionName = "carts"

func ConnectMongoDB(ctx context.Context, uri, database string) (*mongo.Database, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(100).
		SetMinPoolSize(10)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client.Database(database), nil
}

// cartDocument is the stored shape of a cart. Prices are kept as decimal
// strings so they round-trip exactly.
type cartDocument struct {
	UserID    string         `bson:"user_id"`
	Items     []itemDocument `bson:"items"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

type itemDocument struct {
	ProductID int64     `bson:"product_id"`
	Name      string    `bson:"name"`
	RFIDTag   string    `bson:"rfid_tag"`
	UnitPrice string    `bson:"unit_price"`
	Quantity  int       `bson:"quantity"`
	AddedAt   time.Time `bson:"added_at"`
}

func toDocument(c domain.Cart) cartDocument {
	doc := cartDocument{
		UserID:    c.UserID,
		Items:     make([]itemDocument, 0, len(c.Items)),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	for _, item := range c.Items {
		doc.Items = append(doc.Items, itemDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			RFIDTag:   item.RFIDTag,
			UnitPrice: item.UnitPrice.String(),
			Quantity:  item.Quantity,
			AddedAt:   item.AddedAt,
		})
	}
	return doc
}

func (d cartDocument) toCart() (domain.Cart, error) {
	c := domain.Cart{
		UserID:    d.UserID,
		Items:     make([]domain.CartItem, 0, len(d.Items)),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	for _, item := range d.Items {
		price, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			return domain.Cart{}, fmt.Errorf("invalid price %q for product %d: %w", item.UnitPrice, item.ProductID, err)
		}
		c.Items = append(c.Items, domain.CartItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			RFIDTag:   item.RFIDTag,
			UnitPrice: price,
			Quantity:  item.Quantity,
			AddedAt:   item.AddedAt,
		})
	}
	return c, nil
}

// MongoPersister writes whole carts, one document per user.
type MongoPersister struct {
	collection *mongo.Collection
}

func NewMongoPersister(db *mongo.Database) *MongoPersister {
	return &MongoPersister{collection: db.Collection(CollectionName)}
}

func (m *MongoPersister) Load(ctx context.Context, userID string) (domain.Cart, bool, error) {
	var doc cartDocument

	filter := bson.M{"user_id": userID}
	err := m.collection.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Cart{}, false, nil
		}
		return domain.Cart{}, false, fmt.Errorf("failed to get cart: %w", err)
	}

	c, err := doc.toCart()
	if err != nil {
		return domain.Cart{}, false, err
	}
	return c, true, nil
}

func (m *MongoPersister) Save(ctx context.Context, c domain.Cart) error {
	filter := bson.M{"user_id": c.UserID}
	opts := options.Replace().SetUpsert(true)

	if _, err := m.collection.ReplaceOne(ctx, filter, toDocument(c), opts); err != nil {
		return fmt.Errorf("failed to upsert cart: %w", err)
	}
	return nil
}

// Delete removes the user's cart. Deleting a missing cart is not an error.
func (m *MongoPersister) Delete(ctx context.Context, userID string) error {
	filter := bson.M{"user_id": userID}
	if _, err := m.collection.DeleteOne(ctx, filter); err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	return nil
}

// ReservedTotals sums item quantities per product across all stored carts.
func (m *MongoPersister) ReservedTotals(ctx context.Context) (map[int64]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$unwind", Value: "$items"}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$items.product_id"},
			{Key: "quantity", Value: bson.D{{Key: "$sum", Value: "$items.quantity"}}},
		}}},
	}

	cursor, err := m.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate carts: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ProductID int64 `bson:"_id"`
		Quantity  int   `bson:"quantity"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode totals: %w", err)
	}

	totals := make(map[int64]int, len(rows))
	for _, row := range rows {
		totals[row.ProductID] = row.Quantity
	}
	return totals, nil
}

// CreateIndexes adds the unique user index. Carts carry reserved stock, so
// they never expire on their own.
func (m *MongoPersister) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}

	if _, err := m.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}
