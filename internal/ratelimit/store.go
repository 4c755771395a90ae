package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Charge is one bucket debit of an all-or-nothing TakeAll.
type Charge struct {
	Key     string
	Profile Profile
	Cost    float64
}

// BucketStore holds token buckets keyed by "operation:identifier". A missing
// bucket starts full.
type BucketStore interface {
	// Take deducts cost from the bucket if it holds at least cost tokens.
	Take(ctx context.Context, key string, p Profile, cost float64, now time.Time) (bool, error)
	// TakeAll deducts every charge only when each bucket can pay. It returns
	// the index of the first bucket that could not, or -1 when all were charged.
	TakeAll(ctx context.Context, charges []Charge, now time.Time) (int, error)
	// Evict drops buckets untouched since olderThan and reports how many.
	Evict(ctx context.Context, olderThan time.Time) (int, error)
}

// MemoryStore keeps buckets in process.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
}

type memBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var _ BucketStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*memBucket)}
}

func (s *MemoryStore) Take(ctx context.Context, key string, p Profile, cost float64, now time.Time) (bool, error) {
	denied, err := s.TakeAll(ctx, []Charge{{Key: key, Profile: p, Cost: cost}}, now)
	return denied < 0, err
}

func (s *MemoryStore) TakeAll(_ context.Context, charges []Charge, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiters := make([]*rate.Limiter, len(charges))
	for i, c := range charges {
		b, ok := s.buckets[c.Key]
		if !ok {
			b = &memBucket{limiter: rate.NewLimiter(rate.Limit(c.Profile.RefillPerSecond), int(math.Floor(c.Profile.Capacity)))}
			s.buckets[c.Key] = b
		}
		b.lastSeen = now
		n := math.Ceil(c.Cost)
		if b.limiter.TokensAt(now) < n {
			return i, nil
		}
		limiters[i] = b.limiter
	}
	for i, c := range charges {
		limiters[i].AllowN(now, int(math.Ceil(c.Cost)))
	}
	return -1, nil
}

func (s *MemoryStore) Evict(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, b := range s.buckets {
		if b.lastSeen.Before(olderThan) {
			delete(s.buckets, key)
			n++
		}
	}
	return n, nil
}

// Len reports the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
