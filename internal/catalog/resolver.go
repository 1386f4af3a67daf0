// Package catalog resolves RFID tags to product records.
package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fjod/rfid-cart/internal/domain"
	"golang.org/x/sync/singleflight"
)

var ErrUnknownTag = errors.New("unknown rfid tag")

// DefaultCacheTTL bounds how stale a cached catalog record may be.
const DefaultCacheTTL = time.Minute

// Repository is the catalog collaborator's read interface.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	ProductByTag(ctx context.Context, tag string) (domain.Product, error)
}

type cached struct {
	product   domain.Product
	expiresAt time.Time
}

// Resolver is a read-through cache in front of the catalog. Concurrent
// misses for the same tag share one repository call.
type Resolver struct {
	repo Repository
	ttl  time.Duration
	now  func() time.Time

	mu    sync.RWMutex
	cache map[string]cached
	sfg   singleflight.Group
}

func NewResolver(repo Repository, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{
		repo:  repo,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cached),
	}
}

// Resolve returns the product carrying tag or ErrUnknownTag.
func (r *Resolver) Resolve(ctx context.Context, tag string) (domain.Product, error) {
	if p, ok := r.fromCache(tag); ok {
		return p, nil
	}

	// The lookup is shared by every waiter on tag, so it must not die with
	// the first caller's context.
	lookupCtx := context.WithoutCancel(ctx)
	v, err, _ := r.sfg.Do(tag, func() (interface{}, error) {
		p, err := r.repo.ProductByTag(lookupCtx, tag)
		if err != nil {
			return domain.Product{}, err
		}
		r.mu.Lock()
		r.cache[tag] = cached{product: p, expiresAt: r.now().Add(r.ttl)}
		r.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return v.(domain.Product), nil
}

// List returns the whole catalog, bypassing the cache.
func (r *Resolver) List(ctx context.Context) ([]domain.Product, error) {
	return r.repo.ListProducts(ctx)
}

func (r *Resolver) fromCache(tag string) (domain.Product, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cache[tag]
	if !ok || r.now().After(c.expiresAt) {
		return domain.Product{}, false
	}
	return c.product, true
}
