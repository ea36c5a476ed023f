package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const drainBatch = 100

// redisClient is the subset of go-redis the mailbox needs.
type redisClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LPopCount(ctx context.Context, key string, count int) *redis.StringSliceCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Close() error
}

// RedisMailbox stores one list per user (`<prefix>queue:<userID>`, RPUSH/LPOP) and
// a set of users with pending mail (`<prefix>users`). Each list's TTL is
// refreshed on enqueue so abandoned queues age out on the server as well.
type RedisMailbox struct {
	client redisClient
	prefix string
	policy Policy
	logger zerolog.Logger
	now    func() time.Time
}

func NewRedisMailbox(client redisClient, prefix string, policy Policy, logger zerolog.Logger) (*RedisMailbox, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisMailbox{
		client: client,
		prefix: prefix,
		policy: policy,
		logger: logger.With().Str("component", "redis_mailbox").Logger(),
		now:    time.Now,
	}, nil
}

func (r *RedisMailbox) queueKey(userID string) string {
	return r.prefix + "queue:" + userID
}

func (r *RedisMailbox) indexKey() string {
	return r.prefix + "users"
}

func (r *RedisMailbox) Enqueue(ctx context.Context, userID string, envelope []byte) error {
	payload, err := json.Marshal(Entry{Envelope: envelope, QueuedAt: r.now()})
	if err != nil {
		return fmt.Errorf("failed to marshal mailbox entry: %w", err)
	}

	key := r.queueKey(userID)
	if err := r.client.RPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("failed to rpush to mailbox: %w", err)
	}
	if r.policy.MaxPerUser > 0 {
		if err := r.client.LTrim(ctx, key, int64(-r.policy.MaxPerUser), -1).Err(); err != nil {
			r.logger.Error().Err(err).Str("key", key).Msg("Failed to trim mailbox")
		}
	}
	if r.policy.Retention > 0 {
		if err := r.client.Expire(ctx, key, r.policy.Retention).Err(); err != nil {
			r.logger.Error().Err(err).Str("key", key).Msg("Failed to set mailbox ttl")
		}
	}
	if err := r.client.SAdd(ctx, r.indexKey(), userID).Err(); err != nil {
		return fmt.Errorf("failed to index mailbox: %w", err)
	}
	return nil
}

func (r *RedisMailbox) Drain(ctx context.Context, userID string) ([]Entry, error) {
	key := r.queueKey(userID)
	now := r.now()

	var entries []Entry
	for {
		payloads, err := r.client.LPopCount(ctx, key, drainBatch).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return entries, fmt.Errorf("failed to lpop mailbox: %w", err)
		}

		for _, payload := range payloads {
			var e Entry
			if err := json.Unmarshal([]byte(payload), &e); err != nil {
				r.logger.Warn().Err(err).Str("key", key).Msg("Dropping unreadable mailbox entry")
				continue
			}
			if r.policy.expired(e, now) {
				continue
			}
			entries = append(entries, e)
		}
		if len(payloads) < drainBatch {
			break
		}
	}

	r.unindexIfEmpty(ctx, userID)
	return entries, nil
}

// Expire removes stale entries by value, so pushes and pops that land
// between the read and the removal are never touched.
func (r *RedisMailbox) Expire(ctx context.Context) (int, error) {
	users, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list mailboxes: %w", err)
	}

	now := r.now()
	dropped := 0
	for _, userID := range users {
		key := r.queueKey(userID)
		payloads, err := r.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			r.logger.Error().Err(err).Str("key", key).Msg("Failed to read mailbox")
			continue
		}

		if r.policy.Retention > 0 {
			for _, payload := range payloads {
				var e Entry
				if json.Unmarshal([]byte(payload), &e) == nil && !r.policy.expired(e, now) {
					break
				}
				n, err := r.client.LRem(ctx, key, 1, payload).Result()
				if err != nil {
					r.logger.Error().Err(err).Str("key", key).Msg("Failed to expire mailbox entry")
					break
				}
				dropped += int(n)
			}
		}

		r.unindexIfEmpty(ctx, userID)
	}
	return dropped, nil
}

// unindexIfEmpty drops userID from the index when its queue is empty. An
// enqueue can race the removal, so the queue is checked again afterwards.
func (r *RedisMailbox) unindexIfEmpty(ctx context.Context, userID string) {
	key := r.queueKey(userID)
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil || n > 0 {
		return
	}
	if err := r.client.SRem(ctx, r.indexKey(), userID).Err(); err != nil {
		r.logger.Error().Err(err).Str("user", userID).Msg("Failed to unindex mailbox")
		return
	}
	if n, err := r.client.LLen(ctx, key).Result(); err == nil && n > 0 {
		if err := r.client.SAdd(ctx, r.indexKey(), userID).Err(); err != nil {
			r.logger.Error().Err(err).Str("user", userID).Msg("Failed to reindex mailbox")
		}
	}
}

func (r *RedisMailbox) Len(ctx context.Context) (int, error) {
	users, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list mailboxes: %w", err)
	}

	total := 0
	for _, userID := range users {
		n, err := r.client.LLen(ctx, r.queueKey(userID)).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count mailbox: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

func (r *RedisMailbox) Close() error {
	return r.client.Close()
}
