package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/fjod/rfid-cart/internal/domain"
	"github.com/redis/go-redis/v9"
)

// admitScript stores "tag|millis|action" per device. It suppresses when the
// stored tag matches and the stored time is within the cooldown, otherwise
// it overwrites the entry. The key expires after the cooldown since it can
// no longer suppress anything.
var admitScript = redis.NewScript(`
local prev = redis.call("GET", KEYS[1])
local tag = ARGV[1]
local now = tonumber(ARGV[2])
local cooldown = tonumber(ARGV[3])
if prev then
	local sep = string.find(prev, "|", 1, true)
	if sep then
		local prevTag = string.sub(prev, 1, sep - 1)
		local rest = string.sub(prev, sep + 1)
		local sep2 = string.find(rest, "|", 1, true)
		local prevAt = tonumber(sep2 and string.sub(rest, 1, sep2 - 1) or rest)
		if prevTag == tag and prevAt and now - prevAt < cooldown then
			return 0
		end
	end
end
redis.call("SET", KEYS[1], tag .. "|" .. ARGV[2] .. "|" .. ARGV[4], "PX", cooldown)
return 1
`)

// RedisDeduplicator shares the cooldown window between engine replicas.
type RedisDeduplicator struct {
	client   redis.Scripter
	cooldown time.Duration
}

func NewRedisDeduplicator(client redis.Scripter, cooldown time.Duration) *RedisDeduplicator {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &RedisDeduplicator{client: client, cooldown: cooldown}
}

func (d *RedisDeduplicator) Admit(ctx context.Context, deviceKey, tag string, action domain.Action, observedAt time.Time) (Decision, error) {
	res, err := admitScript.Run(ctx, d.client,
		[]string{dedupKey(deviceKey)},
		tag, observedAt.UnixMilli(), d.cooldown.Milliseconds(), string(action),
	).Int()
	if err != nil {
		return Admitted, fmt.Errorf("redis admit failed: %w", err)
	}
	if res == 0 {
		return Suppressed, nil
	}
	return Admitted, nil
}

func dedupKey(deviceKey string) string {
	return fmt.Sprintf("scan:last:%s", deviceKey)
}
