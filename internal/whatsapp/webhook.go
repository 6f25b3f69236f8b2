package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/wolfman30/whatsapp-assistant-relay/internal/observability/metrics"
	"github.com/wolfman30/whatsapp-assistant-relay/pkg/logging"
)

const defaultMaxBodyBytes = 1 << 20

// MessageHandler receives the text message extracted from a delivery. The
// webhook acknowledges the provider once it returns.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg InboundMessage)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg InboundMessage)

func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg InboundMessage) {
	f(ctx, msg)
}

// SenderLimiter budgets verified messages per sender.
type SenderLimiter interface {
	Allow(senderID string) bool
}

// WebhookHandler handles WhatsApp webhook verification and inbound messages.
type WebhookHandler struct {
	verifyToken  string
	appSecret    string
	handler      MessageHandler
	maxBodyBytes int64
	limiter      SenderLimiter
	logger       *logging.Logger
	metrics      *metrics.RelayMetrics
}

// WebhookOption customizes the webhook handler.
type WebhookOption func(*WebhookHandler)

// WithMaxBodyBytes bounds the size of POST bodies.
func WithMaxBodyBytes(n int64) WebhookOption {
	return func(h *WebhookHandler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// WithSenderLimiter drops messages from senders over their budget. Dropped
// deliveries are still acknowledged with 200 so the provider does not retry.
func WithSenderLimiter(limiter SenderLimiter) WebhookOption {
	return func(h *WebhookHandler) {
		h.limiter = limiter
	}
}

// WithLogger sets the webhook logger.
func WithLogger(logger *logging.Logger) WebhookOption {
	return func(h *WebhookHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics records inbound counters.
func WithMetrics(m *metrics.RelayMetrics) WebhookOption {
	return func(h *WebhookHandler) {
		h.metrics = m
	}
}

// NewWebhookHandler creates a new webhook handler.
// handler is called for the text message carried by a verified delivery.
func NewWebhookHandler(verifyToken, appSecret string, handler MessageHandler, opts ...WebhookOption) *WebhookHandler {
	h := &WebhookHandler{
		verifyToken:  verifyToken,
		appSecret:    appSecret,
		handler:      handler,
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       logging.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleVerification handles the GET webhook verification challenge from Meta.
func (h *WebhookHandler) HandleVerification(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && h.verifyToken != "" && token == h.verifyToken {
		h.logger.Info("whatsapp: webhook verified")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, challenge)
		return
	}

	h.logger.Warn("whatsapp: webhook verification failed", "mode", mode)
	w.WriteHeader(http.StatusForbidden)
}

// HandleInbound handles POST webhook deliveries.
func (h *WebhookHandler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.metrics.ObserveInbound("unknown", "too_large")
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		h.metrics.ObserveInbound("unknown", "unreadable")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !VerifySignature(h.appSecret, body, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("whatsapp: signature verification failed", "remote_ip", r.RemoteAddr)
		h.metrics.ObserveInbound("unknown", "rejected")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		// Unreadable payloads are still acknowledged.
		h.logger.Warn("whatsapp: undecodable webhook payload", "error", err)
		h.metrics.ObserveInbound("unknown", "malformed")
		w.WriteHeader(http.StatusOK)
		return
	}

	msg, ok := FirstTextMessage(event)
	if !ok {
		kind := "unknown"
		if hasStatuses(event) {
			kind = "status"
		}
		h.logger.Debug("whatsapp: no text message in delivery", "kind", kind)
		h.metrics.ObserveInbound(kind, "ignored")
		w.WriteHeader(http.StatusOK)
		return
	}

	if !IsValidPhoneNumber(msg.SenderID) {
		h.logger.Warn("whatsapp: invalid sender id", "sender_id", msg.SenderID)
		h.metrics.ObserveInbound("message", "invalid_sender")
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.limiter != nil && !h.limiter.Allow(msg.SenderID) {
		h.logger.Warn("whatsapp: sender over rate limit", "sender_id", msg.SenderID, "message_id", msg.MessageID)
		h.metrics.ObserveInbound("message", "rate_limited")
		w.WriteHeader(http.StatusOK)
		return
	}

	h.metrics.ObserveInbound("message", "accepted")
	if h.handler != nil {
		// Replies outlive the provider connection.
		h.handler.HandleMessage(context.WithoutCancel(r.Context()), msg)
	}
	w.WriteHeader(http.StatusOK)
}

// ParseWebhookEvent extracts every text message from a webhook event, in order.
func ParseWebhookEvent(event WebhookEvent) []InboundMessage {
	var messages []InboundMessage

	for _, entry := range event.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				if m.Type != "text" || m.Text == nil || m.From == "" {
					continue
				}
				messages = append(messages, InboundMessage{
					SenderID:      m.From,
					Text:          m.Text.Body,
					MessageID:     m.ID,
					ProfileName:   names[m.From],
					PhoneNumberID: change.Value.Metadata.PhoneNumberID,
					Timestamp:     parseUnixSeconds(m.Timestamp),
				})
			}
		}
	}

	return messages
}

// FirstTextMessage returns the first text message in the delivery, if any.
func FirstTextMessage(event WebhookEvent) (InboundMessage, bool) {
	messages := ParseWebhookEvent(event)
	if len(messages) == 0 {
		return InboundMessage{}, false
	}
	return messages[0], true
}

func hasStatuses(event WebhookEvent) bool {
	for _, entry := range event.Entry {
		for _, change := range entry.Changes {
			if len(change.Value.Statuses) > 0 {
				return true
			}
		}
	}
	return false
}

func parseUnixSeconds(raw string) time.Time {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
