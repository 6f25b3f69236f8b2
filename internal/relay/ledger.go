package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultLedgerTTL = 24 * time.Hour
	ledgerKeyPrefix  = "wa:seen:"
	pruneEvery       = 1024
)

// Ledger remembers provider message ids so redeliveries are dispatched once.
type Ledger interface {
	// MarkSeen records id and reports whether this was its first sighting.
	MarkSeen(ctx context.Context, id string) (bool, error)
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
	inserts int
}

// NewMemoryLedger creates a ledger that forgets ids after ttl.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	if ttl <= 0 {
		ttl = defaultLedgerTTL
	}
	return &MemoryLedger{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (l *MemoryLedger) MarkSeen(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if at, ok := l.seen[id]; ok && now.Sub(at) < l.ttl {
		return false, nil
	}
	l.seen[id] = now
	l.inserts++
	if l.inserts%pruneEvery == 0 {
		for key, at := range l.seen {
			if now.Sub(at) >= l.ttl {
				delete(l.seen, key)
			}
		}
	}
	return true, nil
}

// RedisLedger shares the dedup window across relay replicas.
type RedisLedger struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisLedger creates a Redis-backed ledger.
func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	if client == nil {
		panic("relay: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultLedgerTTL
	}
	return &RedisLedger{redis: client, ttl: ttl}
}

func (l *RedisLedger) MarkSeen(ctx context.Context, id string) (bool, error) {
	first, err := l.redis.SetNX(ctx, ledgerKeyPrefix+id, time.Now().UTC().Unix(), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("relay: failed to record message id: %w", err)
	}
	return first, nil
}
