// Package binding keeps the exclusive device <-> user association for
// shopping sessions.
package binding

import (
	"context"
	"log/slog"
	"time"

	"github.com/fjod/rfid-cart/internal/domain"
	"github.com/fjod/rfid-cart/internal/shard"
)

const (
	// DefaultIdleTimeout is how long a binding may go without scans before
	// the sweeper releases it.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultSweepInterval is how often the sweeper runs.
	DefaultSweepInterval = 30 * time.Second
)

type Options struct {
	Shards        int
	IdleTimeout   time.Duration // 0 disables idle expiry
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
	// OnExpire is called outside any lock for every binding released by
	// the sweeper.
	OnExpire func(domain.Binding)
}

// Table maps a device to at most one user and a user to at most one device.
// Every write holds the lock slots of both the device key and the user key,
// so the two indexes can never disagree in a way another writer observes.
type Table struct {
	locks   *shard.Locks
	devices *shard.Map[string, domain.Binding]
	users   *shard.Map[string, string] // userID -> deviceID

	idleTimeout   time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	log           *slog.Logger
	onExpire      func(domain.Binding)
}

func NewTable(opts Options) *Table {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Table{
		locks:         shard.NewLocks(opts.Shards),
		devices:       shard.New[string, domain.Binding](opts.Shards, shard.StringHash),
		users:         shard.New[string, string](opts.Shards, shard.StringHash),
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		log:           opts.Logger,
		onExpire:      opts.OnExpire,
	}
}

func userKey(userID string) string { return "user:" + userID }

// Bind associates deviceID with userID. Binding a pair that is already bound
// to each other succeeds without changes.
func (t *Table) Bind(deviceID, userID string) error {
	unlock := t.locks.Lock(deviceID, userKey(userID))
	defer unlock()

	if existing, ok := t.devices.Get(deviceID); ok {
		if existing.UserID == userID {
			return nil
		}
		return domain.ErrAlreadyBound
	}
	if _, ok := t.users.Get(userID); ok {
		return domain.ErrAlreadyBound
	}

	now := t.now()
	t.devices.Update(deviceID, func(domain.Binding, bool) (domain.Binding, bool, error) {
		return domain.Binding{DeviceID: deviceID, UserID: userID, BoundAt: now, LastSeen: now}, true, nil
	})
	t.users.Update(userID, func(string, bool) (string, bool, error) {
		return deviceID, true, nil
	})
	return nil
}

// Lookup returns the user bound to deviceID.
func (t *Table) Lookup(deviceID string) (string, bool) {
	b, ok := t.Get(deviceID)
	return b.UserID, ok
}

// Get returns the full binding of deviceID.
func (t *Table) Get(deviceID string) (domain.Binding, bool) {
	unlock := t.locks.Lock(deviceID)
	defer unlock()
	return t.devices.Get(deviceID)
}

// DeviceFor returns the device currently bound to userID.
func (t *Table) DeviceFor(userID string) (string, bool) {
	unlock := t.locks.Lock(userKey(userID))
	defer unlock()
	return t.users.Get(userID)
}

// Unbind releases deviceID and returns the user it was bound to. Unbinding
// an unbound device is a no-op.
func (t *Table) Unbind(deviceID string) (string, bool) {
	for {
		b, ok := t.Get(deviceID)
		if !ok {
			return "", false
		}
		if t.removeIf(deviceID, b.UserID, func(domain.Binding) bool { return true }) {
			return b.UserID, true
		}
		// the binding changed between the read and the pair lock; retry
	}
}

// UnbindUser releases whatever device is bound to userID.
func (t *Table) UnbindUser(userID string) (string, bool) {
	for {
		deviceID, ok := t.DeviceFor(userID)
		if !ok {
			return "", false
		}
		if t.removeIf(deviceID, userID, func(domain.Binding) bool { return true }) {
			return deviceID, true
		}
	}
}

// removeIf deletes the (deviceID, userID) binding under both locks when it
// still exists and keep returns true. It reports whether it removed it.
func (t *Table) removeIf(deviceID, userID string, cond func(domain.Binding) bool) bool {
	unlock := t.locks.Lock(deviceID, userKey(userID))
	defer unlock()

	b, ok := t.devices.Get(deviceID)
	if !ok || b.UserID != userID || !cond(b) {
		return false
	}
	t.devices.Delete(deviceID)
	t.users.Delete(userID)
	return true
}

// Touch records scan activity on deviceID for idle expiry.
func (t *Table) Touch(deviceID string, at time.Time) {
	unlock := t.locks.Lock(deviceID)
	defer unlock()

	t.devices.Update(deviceID, func(b domain.Binding, ok bool) (domain.Binding, bool, error) {
		if ok && at.After(b.LastSeen) {
			b.LastSeen = at
		}
		return b, ok, nil
	})
}

func (t *Table) Len() int {
	return t.devices.Len()
}

// Expire releases every binding idle for at least the idle timeout and
// returns them.
func (t *Table) Expire(now time.Time) []domain.Binding {
	if t.idleTimeout <= 0 {
		return nil
	}

	var candidates []domain.Binding
	t.devices.Range(func(_ string, b domain.Binding) bool {
		if b.IdleSince(now) >= t.idleTimeout {
			candidates = append(candidates, b)
		}
		return true
	})

	expired := make([]domain.Binding, 0, len(candidates))
	for _, c := range candidates {
		stillIdle := func(b domain.Binding) bool { return b.IdleSince(now) >= t.idleTimeout }
		if t.removeIf(c.DeviceID, c.UserID, stillIdle) {
			expired = append(expired, c)
		}
	}
	return expired
}

// Run sweeps idle bindings until ctx is done.
func (t *Table) Run(ctx context.Context) {
	if t.idleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, b := range t.Expire(t.now()) {
				t.log.Info("binding expired", "device_id", b.DeviceID, "user_id", b.UserID, "last_seen", b.LastSeen)
				if t.onExpire != nil {
					t.onExpire(b)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
