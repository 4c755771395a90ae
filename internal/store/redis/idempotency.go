package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/idempotency"
	"github.com/redis/go-redis/v9"
)

// IdempotencyStore keeps one hash per intent key. Records expire after ttl,
// so PurgeOlderThan has nothing to do.
type IdempotencyStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

var _ idempotency.Store = (*IdempotencyStore)(nil)

func NewIdempotencyStore(client redis.Cmdable, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{client: client, ttl: ttl}
}

func idempotencyKey(key string) string {
	return keyPrefix + "idem:" + key
}

// createIfAbsent writes the pending record only when no record exists, and
// sets its expiry in the same step.
var createIfAbsent = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'created_at', ARGV[2], 'updated_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

func (s *IdempotencyStore) Get(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	fields, err := s.client.HGetAll(ctx, idempotencyKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeRecord(key, fields)
}

func (s *IdempotencyStore) CreateIfAbsent(ctx context.Context, rec model.IdempotencyRecord) (bool, error) {
	n, err := createIfAbsent.Run(ctx, s.client, []string{idempotencyKey(rec.Key)},
		string(rec.Status), encodeTime(rec.CreatedAt), s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("create idempotency record: %w", err)
	}
	return n == 1, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key string, result json.RawMessage, at time.Time) error {
	return s.update(ctx, key, map[string]any{
		"status":     string(model.IdempotencyCompleted),
		"result":     string(result),
		"updated_at": encodeTime(at),
	})
}

func (s *IdempotencyStore) Fail(ctx context.Context, key string, kind, reason string, at time.Time) error {
	return s.update(ctx, key, map[string]any{
		"status":     string(model.IdempotencyFailed),
		"error_kind": kind,
		"error":      reason,
		"updated_at": encodeTime(at),
	})
}

// update refreshes the expiry so a result stays readable for a full ttl after
// the attempt ends.
func (s *IdempotencyStore) update(ctx context.Context, key string, fields map[string]any) error {
	k := idempotencyKey(key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, fields)
		pipe.HSetNX(ctx, k, "created_at", fields["updated_at"])
		pipe.PExpire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update idempotency record: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, idempotencyKey(key)).Err(); err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) PurgeOlderThan(context.Context, time.Time) (int, error) {
	return 0, nil
}

func encodeTime(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func decodeTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ns, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns), nil
}

func decodeRecord(key string, fields map[string]string) (*model.IdempotencyRecord, error) {
	rec := &model.IdempotencyRecord{
		Key:       key,
		Status:    model.IdempotencyStatus(fields["status"]),
		Error:     fields["error"],
		ErrorKind: fields["error_kind"],
	}
	switch rec.Status {
	case model.IdempotencyPending, model.IdempotencyCompleted, model.IdempotencyFailed:
	default:
		return nil, fmt.Errorf("idempotency record %s has unknown status %q", key, rec.Status)
	}
	if r, ok := fields["result"]; ok && r != "" {
		if !json.Valid([]byte(r)) {
			return nil, fmt.Errorf("idempotency record %s holds a malformed result", key)
		}
		rec.Result = json.RawMessage(r)
	}
	var err error
	if rec.CreatedAt, err = decodeTime(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("idempotency record %s created_at: %w", key, err)
	}
	if rec.UpdatedAt, err = decodeTime(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("idempotency record %s updated_at: %w", key, err)
	}
	return rec, nil
}
