package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long an idle conversation keeps its assistant thread.
const DefaultTTL = 24 * time.Hour

// ErrNotFound indicates the sender has no live conversation reference.
var ErrNotFound = errors.New("conversation: reference not found")

// Reference associates a WhatsApp sender with an assistant-side thread.
type Reference struct {
	SenderID   string    `json:"sender_id"`
	ThreadID   string    `json:"thread_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// CreateFunc opens a new assistant thread and returns its id.
type CreateFunc func(ctx context.Context) (string, error)

// Store persists conversation references. GetOrCreate must create at most
// one reference per sender even when called concurrently; callers that lose
// the race receive the winner's reference.
type Store interface {
	GetOrCreate(ctx context.Context, senderID string, create CreateFunc) (Reference, bool, error)
	Get(ctx context.Context, senderID string) (Reference, error)
	Delete(ctx context.Context, senderID string) error
	Count(ctx context.Context) (int, error)
}

type createResult struct {
	ref     Reference
	created bool
}

// createOnce collapses concurrent creations for the same sender inside this
// process so create runs once; the backend's insert-if-absent covers other
// processes.
func createOnce(group *singleflight.Group, senderID string, fn func() (Reference, bool, error)) (Reference, bool, error) {
	v, err, _ := group.Do(senderID, func() (any, error) {
		ref, created, err := fn()
		if err != nil {
			return nil, err
		}
		return createResult{ref: ref, created: created}, nil
	})
	if err != nil {
		return Reference{}, false, err
	}
	res := v.(createResult)
	return res.ref, res.created, nil
}

func newThread(ctx context.Context, create CreateFunc) (string, error) {
	if create == nil {
		return "", errors.New("conversation: create func required")
	}
	threadID, err := create(ctx)
	if err != nil {
		return "", fmt.Errorf("conversation: create thread: %w", err)
	}
	if strings.TrimSpace(threadID) == "" {
		return "", errors.New("conversation: create thread: empty thread id")
	}
	return threadID, nil
}

func validateSender(senderID string) error {
	if strings.TrimSpace(senderID) == "" {
		return errors.New("conversation: sender id required")
	}
	return nil
}
