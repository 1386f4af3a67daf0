// Package dedup suppresses repeated reads of the same tag on one device
// within a cooldown window.
package dedup

import (
	"context"
	"time"

	"github.com/fjod/rfid-cart/internal/domain"
	"github.com/fjod/rfid-cart/internal/shard"
)

// DefaultCooldown models a reader re-triggering on a tag still in range.
const DefaultCooldown = 2 * time.Second

type Decision int

const (
	Admitted Decision = iota
	Suppressed
)

func (d Decision) String() string {
	if d == Suppressed {
		return "suppressed"
	}
	return "admitted"
}

// Deduplicator decides whether a scan is new or a repeat of the last
// admitted scan for the same device.
type Deduplicator interface {
	Admit(ctx context.Context, deviceKey, tag string, action domain.Action, observedAt time.Time) (Decision, error)
}

type lastScan struct {
	tag    string
	action domain.Action
	at     time.Time
}

// MemoryDeduplicator keeps the last admitted scan per device in process.
type MemoryDeduplicator struct {
	cooldown time.Duration
	last     *shard.Map[string, lastScan]
}

func NewMemoryDeduplicator(cooldown time.Duration, shards int) *MemoryDeduplicator {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &MemoryDeduplicator{
		cooldown: cooldown,
		last:     shard.New[string, lastScan](shards, shard.StringHash),
	}
}

// Admit suppresses the scan when the device's last admitted scan has the
// same tag and happened less than the cooldown before observedAt. The action
// is not compared.
func (d *MemoryDeduplicator) Admit(_ context.Context, deviceKey, tag string, action domain.Action, observedAt time.Time) (Decision, error) {
	decision := Admitted
	_ = d.last.Update(deviceKey, func(prev lastScan, ok bool) (lastScan, bool, error) {
		if ok && prev.tag == tag && observedAt.Sub(prev.at) < d.cooldown {
			decision = Suppressed
			return prev, true, nil
		}
		return lastScan{tag: tag, action: action, at: observedAt}, true, nil
	})
	return decision, nil
}

// Sweep drops state older than the cooldown; it can no longer suppress
// anything.
func (d *MemoryDeduplicator) Sweep(now time.Time) int {
	var stale []string
	d.last.Range(func(key string, s lastScan) bool {
		if now.Sub(s.at) >= d.cooldown {
			stale = append(stale, key)
		}
		return true
	})
	removed := 0
	for _, key := range stale {
		_ = d.last.Update(key, func(s lastScan, ok bool) (lastScan, bool, error) {
			if ok && now.Sub(s.at) >= d.cooldown {
				removed++
				return s, false, nil
			}
			return s, ok, nil
		})
	}
	return removed
}

// Run sweeps stale entries every interval until ctx is done.
func (d *MemoryDeduplicator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			d.Sweep(now)
		case <-ctx.Done():
			return
		}
	}
}
