package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{}

func (failingStore) Take(context.Context, string, Profile, float64, time.Time) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func (failingStore) TakeAll(context.Context, []Charge, time.Time) (int, error) {
	return 0, errors.New("redis: connection refused")
}

func (failingStore) Evict(context.Context, time.Time) (int, error) { return 0, nil }

func newTestGovernor(store BucketStore, profiles map[Operation]Profile) (*Governor, *time.Time) {
	g := NewGovernor(store, profiles, slog.Default())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestGovernor_CapacityFiveRefillOne(t *testing.T) {
	g, now := newTestGovernor(NewMemoryStore(), map[Operation]Profile{
		OpPayment: {Capacity: 5, RefillPerSecond: 1},
		OpGlobal:  {Capacity: 100, RefillPerSecond: 10},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, g.Allow(ctx, "user-1", OpPayment), "call %d", i+1)
	}
	assert.False(t, g.Allow(ctx, "user-1", OpPayment), "sixth immediate call")

	*now = now.Add(time.Second)
	assert.True(t, g.Allow(ctx, "user-1", OpPayment))
	assert.False(t, g.Allow(ctx, "user-1", OpPayment))
}

func TestGovernor_IdentifiersAreIndependent(t *testing.T) {
	g, _ := newTestGovernor(NewMemoryStore(), map[Operation]Profile{
		OpTip:    {Capacity: 1, RefillPerSecond: 0.1},
		OpGlobal: {Capacity: 100, RefillPerSecond: 10},
	})
	ctx := context.Background()

	assert.True(t, g.Allow(ctx, "alice", OpTip))
	assert.False(t, g.Allow(ctx, "alice", OpTip))
	assert.True(t, g.Allow(ctx, "bob", OpTip))
}

func TestGovernor_GlobalCeiling(t *testing.T) {
	g, _ := newTestGovernor(NewMemoryStore(), map[Operation]Profile{
		OpCommand: {Capacity: 10, RefillPerSecond: 1},
		OpTip:     {Capacity: 10, RefillPerSecond: 1},
		OpGlobal:  {Capacity: 3, RefillPerSecond: 0.01},
	})
	ctx := context.Background()

	assert.True(t, g.Allow(ctx, "u", OpCommand))
	assert.True(t, g.Allow(ctx, "u", OpTip))
	assert.True(t, g.Allow(ctx, "u", OpCommand))
	assert.False(t, g.Allow(ctx, "u", OpTip), "global bucket is exhausted across classes")
}

func TestGovernor_SpamCheckRequiresBoth(t *testing.T) {
	g, _ := newTestGovernor(NewMemoryStore(), map[Operation]Profile{
		OpChat:    {Capacity: 2, RefillPerSecond: 0.01},
		OpCommand: {Capacity: 10, RefillPerSecond: 1},
	})
	ctx := context.Background()

	assert.True(t, g.SpamCheck(ctx, "chat-1", "u1"))
	assert.True(t, g.SpamCheck(ctx, "chat-1", "u2"))
	assert.False(t, g.SpamCheck(ctx, "chat-1", "u3"), "chat is over its limit")
	assert.True(t, g.SpamCheck(ctx, "chat-2", "u3"))
}

func TestGovernor_GlobalDenialChargesNothing(t *testing.T) {
	g, now := newTestGovernor(NewMemoryStore(), map[Operation]Profile{
		OpPayment: {Capacity: 2, RefillPerSecond: 0.001},
		OpCommand: {Capacity: 10, RefillPerSecond: 1},
		OpGlobal:  {Capacity: 1, RefillPerSecond: 1},
	})
	ctx := context.Background()

	assert.True(t, g.Allow(ctx, "u", OpCommand))
	// Global is empty: these must not drain the payment bucket.
	for i := 0; i < 3; i++ {
		assert.False(t, g.Allow(ctx, "u", OpPayment))
	}

	*now = now.Add(time.Second)
	assert.True(t, g.Allow(ctx, "u", OpPayment))
	*now = now.Add(time.Second)
	assert.True(t, g.Allow(ctx, "u", OpPayment), "payment bucket still holds its second token")
	*now = now.Add(time.Second)
	assert.False(t, g.Allow(ctx, "u", OpPayment))
}

func TestGovernor_SpamCheckDenialChargesNeither(t *testing.T) {
	g, _ := newTestGovernor(NewMemoryStore(), map[Operation]Profile{
		OpChat:    {Capacity: 1, RefillPerSecond: 0.001},
		OpCommand: {Capacity: 1, RefillPerSecond: 0.001},
	})
	ctx := context.Background()

	assert.True(t, g.SpamCheck(ctx, "busy", "u1"))
	// The busy chat denies u2 without spending u2's command token.
	assert.False(t, g.SpamCheck(ctx, "busy", "u2"))
	assert.True(t, g.SpamCheck(ctx, "quiet", "u2"))

	// u1 is spent, so the other chat keeps its token for u3.
	assert.False(t, g.SpamCheck(ctx, "other", "u1"))
	assert.True(t, g.SpamCheck(ctx, "other", "u3"))
}

func TestMemoryStore_TakeAll(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	small := Profile{Capacity: 1, RefillPerSecond: 0.001}
	large := Profile{Capacity: 5, RefillPerSecond: 0.001}

	denied, err := s.TakeAll(ctx, []Charge{{Key: "a", Profile: large, Cost: 1}, {Key: "b", Profile: small, Cost: 2}}, now)
	require.NoError(t, err)
	assert.Equal(t, 1, denied)

	for i := 0; i < 5; i++ {
		ok, err := s.Take(ctx, "a", large, 1, now)
		require.NoError(t, err)
		assert.True(t, ok, "a is untouched by the denied charge, call %d", i+1)
	}

	denied, err = s.TakeAll(ctx, []Charge{{Key: "b", Profile: small, Cost: 1}, {Key: "c", Profile: small, Cost: 1}}, now)
	require.NoError(t, err)
	assert.Equal(t, -1, denied)
	ok, err := s.Take(ctx, "b", small, 1, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGovernor_FailsClosedOnStoreError(t *testing.T) {
	g, _ := newTestGovernor(failingStore{}, nil)

	assert.False(t, g.Allow(context.Background(), "u", OpCommand))
	err := g.Check(context.Background(), "u", OpPayment)
	assert.ErrorIs(t, err, failure.RateLimited)
}

func TestGovernor_UnknownOperationDenied(t *testing.T) {
	g, _ := newTestGovernor(NewMemoryStore(), nil)
	assert.False(t, g.Allow(context.Background(), "u", Operation("bogus")))
}

func TestGovernor_SweepEvictsIdleBuckets(t *testing.T) {
	store := NewMemoryStore()
	g, now := newTestGovernor(store, nil)
	ctx := context.Background()

	g.Allow(ctx, "old", OpCommand)
	*now = now.Add(2 * time.Hour)
	g.Allow(ctx, "fresh", OpCommand)
	require.Equal(t, 4, store.Len())

	n, err := g.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, store.Len())
}

func TestGovernor_EvictedBucketStartsFull(t *testing.T) {
	store := NewMemoryStore()
	g, now := newTestGovernor(store, map[Operation]Profile{
		OpWallet: {Capacity: 1, RefillPerSecond: 0.0001},
		OpGlobal: {Capacity: 100, RefillPerSecond: 1},
	})
	ctx := context.Background()

	assert.True(t, g.Allow(ctx, "u", OpWallet))
	assert.False(t, g.Allow(ctx, "u", OpWallet))

	*now = now.Add(2 * time.Hour)
	_, err := g.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	*now = now.Add(time.Millisecond)
	assert.True(t, g.Allow(ctx, "u", OpWallet))
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  payment: {capacity: 2, refill_per_second: 0.5}
`), 0o600))

	profiles, err := LoadProfiles(path)
	require.NoError(t, err)
	assert.Equal(t, Profile{Capacity: 2, RefillPerSecond: 0.5}, profiles[OpPayment])
	assert.Equal(t, DefaultProfiles()[OpTip], profiles[OpTip])

	_, err = ParseProfiles([]byte("profiles:\n  tip: {capacity: 0, refill_per_second: 1}\n"))
	assert.Error(t, err)

	profiles, err = LoadProfiles("")
	require.NoError(t, err)
	assert.Equal(t, DefaultProfiles(), profiles)
}
