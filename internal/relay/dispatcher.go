// Package relay turns inbound WhatsApp messages into assistant replies.
package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/wolfman30/whatsapp-assistant-relay/internal/assistant"
	"github.com/wolfman30/whatsapp-assistant-relay/internal/conversation"
	"github.com/wolfman30/whatsapp-assistant-relay/internal/observability/metrics"
	"github.com/wolfman30/whatsapp-assistant-relay/internal/whatsapp"
	"github.com/wolfman30/whatsapp-assistant-relay/pkg/logging"
)

const (
	defaultSendTimeout = 10 * time.Second
	whatsappTarget     = "whatsapp"
)

// Outcome classifies how a dispatch ended.
type Outcome string

const (
	OutcomeReplied        Outcome = "replied"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeUpstreamFailed Outcome = "upstream_failed"
	OutcomeDeliveryFailed Outcome = "delivery_failed"
	OutcomeStoreFailed    Outcome = "store_failed"
)

// Result reports what happened to one inbound message.
type Result struct {
	Outcome  Outcome
	ThreadID string
	// Reply is the text sent back to the user; the fallback text when the
	// assistant failed and a fallback was delivered.
	Reply string
	Err   error
}

// OK reports whether the user received the assistant's reply.
func (r Result) OK() bool {
	return r.Outcome == OutcomeReplied
}

// Assistant creates threads and generates replies.
type Assistant interface {
	CreateThread(ctx context.Context) (string, error)
	GenerateReply(ctx context.Context, ref conversation.Reference, text string) (string, error)
}

// Sender delivers text to a WhatsApp user.
type Sender interface {
	Send(ctx context.Context, recipientID, text string) error
}

// Stats summarises dispatcher activity for the admin endpoint.
type Stats struct {
	TotalMessages       int64 `json:"total_messages"`
	RepliesSent         int64 `json:"replies_sent"`
	ActiveConversations int   `json:"active_conversations"`
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLedger enables duplicate suppression by message id.
func WithLedger(ledger Ledger) DispatcherOption {
	return func(d *Dispatcher) {
		d.ledger = ledger
	}
}

// WithFallbackReply sends text to the user when the assistant fails.
func WithFallbackReply(text string) DispatcherOption {
	return func(d *Dispatcher) {
		d.fallback = text
	}
}

// WithSendTimeout bounds each outbound WhatsApp call.
func WithSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(logger *logging.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherMetrics records dispatch outcomes.
func WithDispatcherMetrics(m *metrics.RelayMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher runs the dedup, thread lookup, reply and send pipeline.
type Dispatcher struct {
	store       conversation.Store
	assistant   Assistant
	sender      Sender
	ledger      Ledger
	fallback    string
	sendTimeout time.Duration
	logger      *logging.Logger
	metrics     *metrics.RelayMetrics

	total   atomic.Int64
	replies atomic.Int64
}

// NewDispatcher wires the pipeline dependencies.
func NewDispatcher(store conversation.Store, asst Assistant, sender Sender, opts ...DispatcherOption) *Dispatcher {
	if store == nil {
		panic("relay: conversation store cannot be nil")
	}
	if asst == nil {
		panic("relay: assistant cannot be nil")
	}
	if sender == nil {
		panic("relay: sender cannot be nil")
	}
	d := &Dispatcher{
		store:       store,
		assistant:   asst,
		sender:      sender,
		sendTimeout: defaultSendTimeout,
		logger:      logging.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch processes one inbound message and reports the outcome. It never
// panics on upstream or delivery failures; those are carried in the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, msg whatsapp.InboundMessage) Result {
	res := d.dispatch(ctx, msg)
	d.metrics.ObserveDispatch(string(res.Outcome))
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, msg whatsapp.InboundMessage) Result {
	if d.ledger != nil && msg.MessageID != "" {
		first, err := d.ledger.MarkSeen(ctx, msg.MessageID)
		if err != nil {
			// Fail open.
			d.logger.Warn("dedup ledger unavailable", "message_id", msg.MessageID, "error", err)
		} else if !first {
			return Result{Outcome: OutcomeDuplicate}
		}
	}
	d.total.Add(1)

	ref, created, err := d.store.GetOrCreate(ctx, msg.SenderID, d.assistant.CreateThread)
	if err != nil {
		if errors.Is(err, assistant.ErrUpstream) {
			return d.fail(ctx, msg, Result{Outcome: OutcomeUpstreamFailed, Err: err})
		}
		return Result{Outcome: OutcomeStoreFailed, Err: err}
	}
	if created {
		d.logger.Info("conversation started", "sender_id", msg.SenderID, "thread_id", ref.ThreadID)
	}

	reply, err := d.assistant.GenerateReply(ctx, ref, msg.Text)
	if err != nil {
		return d.fail(ctx, msg, Result{Outcome: OutcomeUpstreamFailed, ThreadID: ref.ThreadID, Err: err})
	}

	if err := d.send(ctx, msg.SenderID, reply); err != nil {
		return Result{Outcome: OutcomeDeliveryFailed, ThreadID: ref.ThreadID, Reply: reply, Err: err}
	}
	d.replies.Add(1)
	return Result{Outcome: OutcomeReplied, ThreadID: ref.ThreadID, Reply: reply}
}

// fail delivers the fallback text, if configured, for an upstream failure.
func (d *Dispatcher) fail(ctx context.Context, msg whatsapp.InboundMessage, res Result) Result {
	if d.fallback == "" {
		return res
	}
	if err := d.send(ctx, msg.SenderID, d.fallback); err != nil {
		d.logger.Warn("fallback reply not delivered", "sender_id", msg.SenderID, "error", err)
		return res
	}
	res.Reply = d.fallback
	return res
}

func (d *Dispatcher) send(ctx context.Context, recipientID, text string) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	start := time.Now()
	err := d.sender.Send(sendCtx, recipientID, text)
	d.metrics.ObserveUpstreamLatency(whatsappTarget, time.Since(start).Seconds())
	return err
}

// Stats returns message counters and the number of live conversations.
func (d *Dispatcher) Stats(ctx context.Context) (Stats, error) {
	active, err := d.store.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TotalMessages:       d.total.Load(),
		RepliesSent:         d.replies.Load(),
		ActiveConversations: active,
	}, nil
}
