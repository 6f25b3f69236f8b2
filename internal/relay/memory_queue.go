package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a queueClient backed by a buffered channel.
type MemoryQueue struct {
	ch chan queueMessage
}

// NewMemoryQueue creates a MemoryQueue holding up to buffer messages.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryQueue{ch: make(chan queueMessage, buffer)}
}

// Send enqueues the job body or blocks until ctx is done. Routing keys are
// ignored; the channel is already ordered.
func (q *MemoryQueue) Send(ctx context.Context, job queueJob) error {
	msg := queueMessage{
		ID:            uuid.NewString(),
		Body:          job.Body,
		ReceiptHandle: uuid.NewString(),
		ReceiveCount:  1,
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits up to waitSeconds for at least one message. A zero wait
// blocks until a message arrives or ctx is done.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}

	var timeout <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, nil
	case msg := <-q.ch:
		return q.collect(msg, maxMessages), nil
	}
}

// Delete is a no-op; received messages are already gone from the channel.
func (q *MemoryQueue) Delete(context.Context, string) error {
	return nil
}

// Len reports how many messages are waiting.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

func (q *MemoryQueue) collect(first queueMessage, max int) []queueMessage {
	messages := append(make([]queueMessage, 0, max), first)
	for len(messages) < max {
		select {
		case msg := <-q.ch:
			messages = append(messages, msg)
		default:
			return messages
		}
	}
	return messages
}
