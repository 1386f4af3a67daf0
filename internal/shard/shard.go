// Package shard provides key-addressed maps guarded by one mutex per shard,
// so that operations on different keys rarely contend and operations on the
// same key are serialized.
package shard

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultCount is used when a non-positive shard count is requested.
const DefaultCount = 64

// Hasher maps a key to a shard-selection hash.
type Hasher[K comparable] func(K) uint64

func StringHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

func Int64Hash(key int64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	return xxhash.Sum64(buf[:])
}

type bucket[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// Map is a sharded map. The zero value is not usable, use New.
type Map[K comparable, V any] struct {
	buckets []*bucket[K, V]
	hash    Hasher[K]
}

func New[K comparable, V any](count int, hash Hasher[K]) *Map[K, V] {
	if count <= 0 {
		count = DefaultCount
	}
	m := &Map[K, V]{buckets: make([]*bucket[K, V], count), hash: hash}
	for i := range m.buckets {
		m.buckets[i] = &bucket[K, V]{items: make(map[K]V)}
	}
	return m
}

func (m *Map[K, V]) bucketFor(key K) *bucket[K, V] {
	return m.buckets[m.hash(key)%uint64(len(m.buckets))]
}

// Get returns the value stored under key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.items[key]
	return v, ok
}

// Update runs fn with exclusive access to key. fn receives the current value
// and whether it exists, and returns the new value and whether to keep it;
// keep=false deletes the key. The error returned by fn is passed through and
// leaves the stored value untouched.
func (m *Map[K, V]) Update(key K, fn func(current V, exists bool) (next V, keep bool, err error)) error {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	current, exists := b.items[key]
	next, keep, err := fn(current, exists)
	if err != nil {
		return err
	}
	if keep {
		b.items[key] = next
	} else {
		delete(b.items, key)
	}
	return nil
}

// Delete removes key and returns the value it held.
func (m *Map[K, V]) Delete(key K) (V, bool) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.items[key]
	delete(b.items, key)
	return v, ok
}

// Range calls fn for every entry, one shard at a time under that shard's
// read lock. The view is consistent per shard, not across shards.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	for _, b := range m.buckets {
		b.mu.RLock()
		for k, v := range b.items {
			if !fn(k, v) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}

func (m *Map[K, V]) Len() int {
	n := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		n += len(b.items)
		b.mu.RUnlock()
	}
	return n
}

// Locks is a fixed set of mutexes addressed by key. It is used where one
// operation must hold more than one key at a time.
type Locks struct {
	mus []sync.Mutex
}

func NewLocks(count int) *Locks {
	if count <= 0 {
		count = DefaultCount
	}
	return &Locks{mus: make([]sync.Mutex, count)}
}

// Index returns the slot a key hashes to.
func (l *Locks) Index(key string) int {
	return int(StringHash(key) % uint64(len(l.mus)))
}

// Lock acquires the slots of all keys in ascending slot order, each slot at
// most once, and returns the matching unlock function.
func (l *Locks) Lock(keys ...string) (unlock func()) {
	slots := make([]int, 0, len(keys))
	for _, key := range keys {
		idx := l.Index(key)
		dup := false
		for _, s := range slots {
			if s == idx {
				dup = true
				break
			}
		}
		if !dup {
			slots = append(slots, idx)
		}
	}
	for i := 1; i < len(slots); i++ {
		for j := i; j > 0 && slots[j-1] > slots[j]; j-- {
			slots[j-1], slots[j] = slots[j], slots[j-1]
		}
	}
	for _, s := range slots {
		l.mus[s].Lock()
	}
	return func() {
		for i := len(slots) - 1; i >= 0; i-- {
			l.mus[slots[i]].Unlock()
		}
	}
}

// KeyLocks hands out one mutex per key. Unlike Locks, distinct keys never
// share a mutex. An entry lives only while some goroutine holds or waits on it.
type KeyLocks struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{held: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns the matching unlock function.
func (l *KeyLocks) Lock(key string) (unlock func()) {
	l.mu.Lock()
	kl, ok := l.held[key]
	if !ok {
		kl = &keyLock{}
		l.held[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.held, key)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of keys currently held or waited on.
func (l *KeyLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
