package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/singleflight"
)

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore persists references in the whatsapp_conversations table.
type PGStore struct {
	db    pgDB
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group
}

var _ Store = (*PGStore)(nil)

// NewPGStore builds a Postgres-backed store. db is usually a *pgxpool.Pool.
func NewPGStore(db pgDB, ttl time.Duration) *PGStore {
	if db == nil {
		panic("conversation: pgx pool cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PGStore{db: db, ttl: ttl, now: time.Now}
}

const (
	pgSelectLive = `
		SELECT thread_id, created_at, last_seen_at
		FROM whatsapp_conversations
		WHERE sender_id = $1 AND last_seen_at > $2`

	pgTouch = `
		UPDATE whatsapp_conversations SET last_seen_at = $2
		WHERE sender_id = $1 AND last_seen_at > $3
		RETURNING thread_id, created_at, last_seen_at`

	// A live row blocks the insert; an expired row is replaced.
	pgInsert = `
		INSERT INTO whatsapp_conversations (sender_id, thread_id, created_at, last_seen_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (sender_id) DO UPDATE
			SET thread_id = EXCLUDED.thread_id,
			    created_at = EXCLUDED.created_at,
			    last_seen_at = EXCLUDED.last_seen_at
			WHERE whatsapp_conversations.last_seen_at <= $4
		RETURNING thread_id, created_at, last_seen_at`
)

// GetOrCreate returns the live reference for senderID or creates one.
func (s *PGStore) GetOrCreate(ctx context.Context, senderID string, create CreateFunc) (Reference, bool, error) {
	if err := validateSender(senderID); err != nil {
		return Reference{}, false, err
	}
	ref, err := s.touch(ctx, senderID)
	if err == nil {
		return ref, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Reference{}, false, err
	}

	return createOnce(&s.group, senderID, func() (Reference, bool, error) {
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
		ref := Reference{SenderID: senderID}
		err = s.db.QueryRow(ctx, pgInsert, senderID, threadID, now, now.Add(-s.ttl)).
			Scan(&ref.ThreadID, &ref.CreatedAt, &ref.LastSeenAt)
		if err == nil {
			return ref, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Reference{}, false, fmt.Errorf("conversation: failed to persist reference: %w", err)
		}
		// Lost to a concurrent writer.
		existing, err := s.Get(ctx, senderID)
		if err != nil {
			return Reference{}, false, err
		}
		return existing, false, nil
	})
}

// Get returns the live reference for senderID.
func (s *PGStore) Get(ctx context.Context, senderID string) (Reference, error) {
	ref := Reference{SenderID: senderID}
	err := s.db.QueryRow(ctx, pgSelectLive, senderID, s.cutoff()).
		Scan(&ref.ThreadID, &ref.CreatedAt, &ref.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reference{}, ErrNotFound
		}
		return Reference{}, fmt.Errorf("conversation: failed to load reference: %w", err)
	}
	return ref, nil
}

// Delete removes the reference for senderID.
func (s *PGStore) Delete(ctx context.Context, senderID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM whatsapp_conversations WHERE sender_id = $1`, senderID); err != nil {
		return fmt.Errorf("conversation: failed to delete reference: %w", err)
	}
	return nil
}

// Count returns the number of live references.
func (s *PGStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM whatsapp_conversations WHERE last_seen_at > $1`, s.cutoff()).Scan(&n); err != nil {
		return 0, fmt.Errorf("conversation: failed to count references: %w", err)
	}
	return n, nil
}

// PurgeExpired deletes expired rows and returns how many were removed.
func (s *PGStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM whatsapp_conversations WHERE last_seen_at <= $1`, s.cutoff())
	if err != nil {
		return 0, fmt.Errorf("conversation: failed to purge references: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) touch(ctx context.Context, senderID string) (Reference, error) {
	now := s.now().UTC()
	ref := Reference{SenderID: senderID}
	err := s.db.QueryRow(ctx, pgTouch, senderID, now, now.Add(-s.ttl)).
		Scan(&ref.ThreadID, &ref.CreatedAt, &ref.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reference{}, ErrNotFound
		}
		return Reference{}, fmt.Errorf("conversation: failed to refresh reference: %w", err)
	}
	return ref, nil
}

func (s *PGStore) cutoff() time.Time {
	return s.now().UTC().Add(-s.ttl)
}
