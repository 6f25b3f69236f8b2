package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/whatsapp-assistant-relay/internal/whatsapp"
)

type queueClient interface {
	Send(ctx context.Context, job queueJob) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// queueJob is an encoded payload plus the keys FIFO queues route on.
type queueJob struct {
	Body string
	// GroupID keeps one sender's messages in order.
	GroupID string
	// DedupeID is the provider message id when there is one.
	DedupeID string
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
	// ReceiveCount is 1 on first delivery; 0 when the queue does not track it.
	ReceiveCount int
}

const jobKindInbound = "inbound_message"

type queuePayload struct {
	ID         string                  `json:"id"`
	Kind       string                  `json:"kind"`
	Message    whatsapp.InboundMessage `json:"message"`
	EnqueuedAt time.Time               `json:"enqueued_at"`
}

func encodePayload(msg whatsapp.InboundMessage) (queuePayload, queueJob, error) {
	payload := queuePayload{
		ID:         uuid.NewString(),
		Kind:       jobKindInbound,
		Message:    msg,
		EnqueuedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return queuePayload{}, queueJob{}, fmt.Errorf("relay: failed to encode payload: %w", err)
	}
	job := queueJob{
		Body:     string(body),
		GroupID:  msg.SenderID,
		DedupeID: msg.MessageID,
	}
	if job.DedupeID == "" {
		job.DedupeID = payload.ID
	}
	return payload, job, nil
}

func decodePayload(body string) (queuePayload, error) {
	var payload queuePayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return queuePayload{}, fmt.Errorf("relay: failed to decode payload: %w", err)
	}
	if payload.Kind != jobKindInbound {
		return queuePayload{}, fmt.Errorf("relay: unknown job kind %q", payload.Kind)
	}
	return payload, nil
}
