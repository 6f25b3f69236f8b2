package conversation

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// MemoryStore keeps references in process memory with a sliding TTL.
type MemoryStore struct {
	mu    sync.Mutex
	refs  map[string]Reference
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store. ttl <= 0 uses DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		refs: make(map[string]Reference),
		ttl:  ttl,
		now:  time.Now,
	}
}

// GetOrCreate returns the live reference for senderID or creates one.
func (s *MemoryStore) GetOrCreate(ctx context.Context, senderID string, create CreateFunc) (Reference, bool, error) {
	if err := validateSender(senderID); err != nil {
		return Reference{}, false, err
	}
	if ref, ok := s.touch(senderID); ok {
		return ref, false, nil
	}

	return createOnce(&s.group, senderID, func() (Reference, bool, error) {
		if ref, ok := s.touch(senderID); ok {
			return ref, false, nil
		}
		threadID, err := newThread(ctx, create)
		if err != nil {
			return Reference{}, false, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		now := s.now()
		if existing, ok := s.refs[senderID]; ok && !s.expired(existing, now) {
			return existing, false, nil
		}
		ref := Reference{SenderID: senderID, ThreadID: threadID, CreatedAt: now, LastSeenAt: now}
		s.refs[senderID] = ref
		return ref, true, nil
	})
}

// Get returns the live reference for senderID.
func (s *MemoryStore) Get(_ context.Context, senderID string) (Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.refs[senderID]
	if !ok || s.expired(ref, s.now()) {
		return Reference{}, ErrNotFound
	}
	return ref, nil
}

// Delete removes the reference for senderID.
func (s *MemoryStore) Delete(_ context.Context, senderID string) error {
	s.mu.Lock()
	delete(s.refs, senderID)
	s.mu.Unlock()
	return nil
}

// Count returns the number of live references.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, ref := range s.refs {
		if !s.expired(ref, now) {
			n++
		}
	}
	return n, nil
}

// Sweep drops expired references and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, ref := range s.refs {
		if s.expired(ref, now) {
			delete(s.refs, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

func (s *MemoryStore) touch(senderID string) (Reference, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	ref, ok := s.refs[senderID]
	if !ok {
		return Reference{}, false
	}
	if s.expired(ref, now) {
		delete(s.refs, senderID)
		return Reference{}, false
	}
	ref.LastSeenAt = now
	s.refs[senderID] = ref
	return ref, true
}

func (s *MemoryStore) expired(ref Reference, now time.Time) bool {
	return now.Sub(ref.LastSeenAt) >= s.ttl
}
