package relay

import (
	"context"
	"fmt"

	"github.com/wolfman30/whatsapp-assistant-relay/internal/whatsapp"
	"github.com/wolfman30/whatsapp-assistant-relay/pkg/logging"
)

// Publisher enqueues inbound messages for the Worker.
type Publisher struct {
	queue  queueClient
	logger *logging.Logger
}

// NewPublisher creates a queue-backed publisher.
func NewPublisher(queue queueClient, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("relay: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{queue: queue, logger: logger}
}

// Enqueue publishes msg and returns the job id.
func (p *Publisher) Enqueue(ctx context.Context, msg whatsapp.InboundMessage) (string, error) {
	payload, job, err := encodePayload(msg)
	if err != nil {
		return "", err
	}
	if err := p.queue.Send(ctx, job); err != nil {
		return "", fmt.Errorf("relay: failed to enqueue message: %w", err)
	}
	p.logger.Debug("inbound message enqueued", "job_id", payload.ID, "message_id", msg.MessageID)
	return payload.ID, nil
}
