package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps processed keys in a sorted set scored by insertion
// time, so concurrent writers merge naturally, and the statistics in a hash.
type RedisBackend struct {
	client redis.Cmdable
	prefix string
}

// NewRedisBackend uses prefix to namespace every key it touches
func NewRedisBackend(client redis.Cmdable, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) processedKey() string { return b.prefix + ":processed" }
func (b *RedisBackend) statsKey() string     { return b.prefix + ":stats" }
func (b *RedisBackend) claimKey(k string) string {
	return b.prefix + ":claim:" + k
}

func (b *RedisBackend) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	keys, err := b.client.ZRange(ctx, b.processedKey(), 0, -1).Result()
	if err != nil {
		return snap, fmt.Errorf("failed to read processed keys: %w", err)
	}
	fields, err := b.client.HGetAll(ctx, b.statsKey()).Result()
	if err != nil {
		return snap, fmt.Errorf("failed to read stats: %w", err)
	}

	snap.ProcessedContracts = keys
	snap.Stats.ContractsProcessed, _ = strconv.Atoi(fields["contracts_processed"])
	snap.Stats.Errors, _ = strconv.Atoi(fields["errors"])
	snap.Stats.StartTime = parseTime(fields["start_time"])
	if t := parseTime(fields["last_check"]); !t.IsZero() {
		snap.Stats.LastCheck = &t
	}
	snap.LastUpdated = parseTime(fields["last_updated"])
	return snap, nil
}

func (b *RedisBackend) Save(ctx context.Context, snap Snapshot) (Snapshot, error) {
	base := time.Now().UnixNano()
	members := make([]redis.Z, len(snap.ProcessedContracts))
	for i, k := range snap.ProcessedContracts {
		members[i] = redis.Z{Score: float64(base + int64(i)), Member: k}
	}

	fields := map[string]any{
		"contracts_processed": snap.Stats.ContractsProcessed,
		"errors":              snap.Stats.Errors,
		"start_time":          formatTime(snap.Stats.StartTime),
		"last_check":          "",
		"last_updated":        formatTime(snap.LastUpdated),
	}
	if snap.Stats.LastCheck != nil {
		fields["last_check"] = formatTime(*snap.Stats.LastCheck)
	}

	var rangeCmd *redis.StringSliceCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(members) > 0 {
			pipe.ZAddNX(ctx, b.processedKey(), members...)
		}
		pipe.HSet(ctx, b.statsKey(), fields)
		rangeCmd = pipe.ZRange(ctx, b.processedKey(), 0, -1)
		return nil
	})
	if err != nil {
		return snap, fmt.Errorf("failed to save processed set: %w", err)
	}
	snap.ProcessedContracts = rangeCmd.Val()
	return snap, nil
}

func (b *RedisBackend) Clear(ctx context.Context) error {
	return b.client.Del(ctx, b.processedKey(), b.statsKey()).Err()
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Claim sets a marker on key unless one exists. The marker expires after
// ttl so a crashed worker does not block the key forever.
func (b *RedisBackend) Claim(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := b.client.SetNX(ctx, b.claimKey(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	if !ok {
		return nil, ErrClaimed
	}
	return func(ctx context.Context) error {
		err := releaseScript.Run(ctx, b.client, []string{b.claimKey(key)}, token).Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
