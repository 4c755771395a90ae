package redis

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/ratelimit"
	"github.com/redis/go-redis/v9"
)

// takeTokens refills each bucket for the elapsed time, then deducts every cost
// only if all buckets can pay. Runs atomically on the server and returns the
// zero-based index of the first short bucket, or -1.
//
// KEYS bucket hashes; ARGV[1] now (ms), then capacity, refill/s, cost and
// expiry (ms) per key.
var takeTokens = redis.NewScript(`
local now = tonumber(ARGV[1])
local tokens = {}
local stamps = {}
for i = 1, #KEYS do
	local base = 2 + (i - 1) * 4
	local capacity = tonumber(ARGV[base])
	local refill = tonumber(ARGV[base + 1])
	local cost = tonumber(ARGV[base + 2])

	local state = redis.call('HMGET', KEYS[i], 'tokens', 'ts')
	local t = tonumber(state[1])
	local ts = tonumber(state[2])
	if t == nil or ts == nil then
		t = capacity
		ts = now
	end
	if now > ts then
		t = math.min(capacity, t + (now - ts) / 1000 * refill)
		ts = now
	end
	if t < cost then
		return i - 1
	end
	tokens[i] = t - cost
	stamps[i] = ts
end
for i = 1, #KEYS do
	redis.call('HSET', KEYS[i], 'tokens', tostring(tokens[i]), 'ts', tostring(stamps[i]))
	redis.call('PEXPIRE', KEYS[i], ARGV[2 + (i - 1) * 4 + 3])
end
return -1
`)

// BucketStore is a token bucket shared by every instance. Idle buckets expire
// once they would have refilled completely, so Evict has nothing to do.
type BucketStore struct {
	client redis.Cmdable
}

var _ ratelimit.BucketStore = (*BucketStore)(nil)

func NewBucketStore(client redis.Cmdable) *BucketStore {
	return &BucketStore{client: client}
}

func bucketKey(key string) string {
	return keyPrefix + "bucket:" + key
}

// bucketExpiry is the full-refill time plus a minute of slack.
func bucketExpiry(p ratelimit.Profile) time.Duration {
	if p.RefillPerSecond <= 0 {
		return time.Hour
	}
	seconds := math.Ceil(p.Capacity / p.RefillPerSecond)
	return time.Duration(seconds)*time.Second + time.Minute
}

func (s *BucketStore) Take(ctx context.Context, key string, p ratelimit.Profile, cost float64, now time.Time) (bool, error) {
	denied, err := s.TakeAll(ctx, []ratelimit.Charge{{Key: key, Profile: p, Cost: cost}}, now)
	return denied < 0, err
}

func (s *BucketStore) TakeAll(ctx context.Context, charges []ratelimit.Charge, now time.Time) (int, error) {
	keys := make([]string, len(charges))
	args := make([]interface{}, 0, 1+4*len(charges))
	args = append(args, now.UnixMilli())
	for i, c := range charges {
		keys[i] = bucketKey(c.Key)
		args = append(args,
			formatFloat(c.Profile.Capacity),
			formatFloat(c.Profile.RefillPerSecond),
			formatFloat(c.Cost),
			bucketExpiry(c.Profile).Milliseconds(),
		)
	}
	denied, err := takeTokens.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("take rate limit tokens: %w", err)
	}
	if denied >= len(charges) {
		return 0, fmt.Errorf("take rate limit tokens: bucket index %d out of range", denied)
	}
	return denied, nil
}

func (s *BucketStore) Evict(context.Context, time.Time) (int, error) {
	return 0, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
