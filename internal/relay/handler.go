package relay

import (
	"context"

	"github.com/wolfman30/whatsapp-assistant-relay/internal/whatsapp"
	"github.com/wolfman30/whatsapp-assistant-relay/pkg/logging"
)

// Handler bridges the webhook to the dispatch pipeline. With a publisher it
// enqueues and returns; otherwise it dispatches inline.
type Handler struct {
	dispatcher MessageDispatcher
	publisher  *Publisher
	logger     *logging.Logger
}

var _ whatsapp.MessageHandler = (*Handler)(nil)

// NewHandler builds a Handler. publisher may be nil for synchronous dispatch.
func NewHandler(dispatcher MessageDispatcher, publisher *Publisher, logger *logging.Logger) *Handler {
	if dispatcher == nil {
		panic("relay: dispatcher cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{dispatcher: dispatcher, publisher: publisher, logger: logger}
}

// Async reports whether messages are queued rather than dispatched inline.
func (h *Handler) Async() bool {
	return h.publisher != nil
}

func (h *Handler) HandleMessage(ctx context.Context, msg whatsapp.InboundMessage) {
	if h.publisher != nil {
		jobID, err := h.publisher.Enqueue(ctx, msg)
		if err == nil {
			h.logger.Info("inbound message queued", "job_id", jobID, "sender_id", msg.SenderID, "message_id", msg.MessageID)
			return
		}
		h.logger.Error("enqueue failed, dispatching inline", "message_id", msg.MessageID, "error", err)
	}
	res := h.dispatcher.Dispatch(ctx, msg)
	logResult(h.logger, msg, res)
}

func logResult(logger *logging.Logger, msg whatsapp.InboundMessage, res Result, extra ...any) {
	args := append([]any{
		"outcome", string(res.Outcome),
		"sender_id", msg.SenderID,
		"message_id", msg.MessageID,
		"thread_id", res.ThreadID,
	}, extra...)
	switch res.Outcome {
	case OutcomeReplied:
		logger.Info("message relayed", args...)
	case OutcomeDuplicate:
		logger.Info("duplicate message ignored", args...)
	default:
		logger.Error("message relay failed", append(args, "error", res.Err)...)
	}
}
