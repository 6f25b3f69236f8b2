package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const redisKeyPrefix = "wa:conversation:"

// RedisStore keeps references in Redis. First contact uses SET NX so only
// one writer across all relay processes stores a thread for a sender.
type RedisStore struct {
	redis  *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
	now    func() time.Time
	group  singleflight.Group
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store. ttl <= 0 uses DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration, tracer trace.Tracer) *RedisStore {
	if client == nil {
		panic("conversation: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if tracer == nil {
		tracer = otel.Tracer("wa-relay.internal.conversation.redis")
	}
	return &RedisStore{
		redis:  client,
		ttl:    ttl,
		tracer: tracer,
		now:    time.Now,
	}
}

func redisKey(senderID string) string {
	return redisKeyPrefix + senderID
}

// GetOrCreate returns the live reference for senderID or creates one.
func (s *RedisStore) GetOrCreate(ctx context.Context, senderID string, create CreateFunc) (Reference, bool, error) {
	if err := validateSender(senderID); err != nil {
		return Reference{}, false, err
	}
	ctx, span := s.tracer.Start(ctx, "conversation.get_or_create")
	defer span.End()

	ref, err := s.touch(ctx, senderID)
	if err == nil {
		return ref, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		return Reference{}, false, err
	}

	ref, created, err := createOnce(&s.group, senderID, func() (Reference, bool, error) {
		if ref, err := s.touch(ctx, senderID); err == nil {
			return ref, false, nil
		} else if !errors.Is(err, ErrNotFound) {
			return Reference{}, false, err
		}

		threadID, err := newThread(ctx, create)
		if err != nil {
			return Reference{}, false, err
		}
		now := s.now().UTC()
		ref := Reference{SenderID: senderID, ThreadID: threadID, CreatedAt: now, LastSeenAt: now}
		data, err := json.Marshal(ref)
		if err != nil {
			return Reference{}, false, fmt.Errorf("conversation: failed to marshal reference: %w", err)
		}

		stored, err := s.redis.SetNX(ctx, redisKey(senderID), data, s.ttl).Result()
		if err != nil {
			return Reference{}, false, fmt.Errorf("conversation: failed to persist reference: %w", err)
		}
		if !stored {
			// Another process won; its thread is the conversation.
			existing, err := s.Get(ctx, senderID)
			if err != nil {
				return Reference{}, false, err
			}
			return existing, false, nil
		}
		return ref, true, nil
	})
	if err != nil {
		span.RecordError(err)
		return Reference{}, false, err
	}
	span.SetAttributes(attribute.Bool("conversation.created", created))
	return ref, created, nil
}

// Get returns the live reference for senderID.
func (s *RedisStore) Get(ctx context.Context, senderID string) (Reference, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.load_reference")
	defer span.End()

	data, err := s.redis.Get(ctx, redisKey(senderID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Reference{}, ErrNotFound
		}
		span.RecordError(err)
		return Reference{}, fmt.Errorf("conversation: failed to load reference: %w", err)
	}

	var ref Reference
	if err := json.Unmarshal(data, &ref); err != nil {
		span.RecordError(err)
		return Reference{}, fmt.Errorf("conversation: failed to decode reference: %w", err)
	}
	return ref, nil
}

// Delete removes the reference for senderID.
func (s *RedisStore) Delete(ctx context.Context, senderID string) error {
	if err := s.redis.Del(ctx, redisKey(senderID)).Err(); err != nil {
		return fmt.Errorf("conversation: failed to delete reference: %w", err)
	}
	return nil
}

// Count scans for live reference keys.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n := 0
	iter := s.redis.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("conversation: failed to count references: %w", err)
	}
	return n, nil
}

// touch loads the reference and slides its expiry forward.
func (s *RedisStore) touch(ctx context.Context, senderID string) (Reference, error) {
	ref, err := s.Get(ctx, senderID)
	if err != nil {
		return Reference{}, err
	}
	ref.LastSeenAt = s.now().UTC()
	data, err := json.Marshal(ref)
	if err != nil {
		return Reference{}, fmt.Errorf("conversation: failed to marshal reference: %w", err)
	}
	// XX: never resurrect a key that expired or was deleted since the read.
	if err := s.redis.SetXX(ctx, redisKey(senderID), data, s.ttl).Err(); err != nil && err != redis.Nil {
		return Reference{}, fmt.Errorf("conversation: failed to refresh reference: %w", err)
	}
	return ref, nil
}
