// Package assistant drives an OpenAI assistant through threads and runs.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wolfman30/whatsapp-assistant-relay/internal/conversation"
	"github.com/wolfman30/whatsapp-assistant-relay/internal/observability/metrics"
	"github.com/wolfman30/whatsapp-assistant-relay/pkg/logging"
)

const (
	// DefaultTimeout bounds one CreateThread or GenerateReply call.
	DefaultTimeout = 60 * time.Second

	// DefaultPollInterval is the wait between run status checks.
	DefaultPollInterval = time.Second

	latencyTarget = "assistant"
	messagePage   = 20
)

// ErrUpstream matches every UpstreamError via errors.Is.
var ErrUpstream = errors.New("assistant: upstream failure")

// ErrEmptyReply means the run completed without producing assistant text.
var ErrEmptyReply = errors.New("assistant: run produced no text reply")

// UpstreamError describes a failed call to the assistant service.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("assistant: %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

func upstream(op string, err error) error {
	return &UpstreamError{Op: op, Err: err}
}

// assistantAPI is the slice of the go-openai client this package uses.
type assistantAPI interface {
	CreateThread(ctx context.Context, request openai.ThreadRequest) (openai.Thread, error)
	CreateMessage(ctx context.Context, threadID string, request openai.MessageRequest) (openai.Message, error)
	CreateRun(ctx context.Context, threadID string, request openai.RunRequest) (openai.Run, error)
	RetrieveRun(ctx context.Context, threadID string, runID string) (openai.Run, error)
	ListMessage(ctx context.Context, threadID string, limit *int, order *string, after *string, before *string, runID *string) (openai.MessagesList, error)
}

// Config configures the assistant client.
type Config struct {
	APIKey       string
	AssistantID  string
	BaseURL      string
	Timeout      time.Duration
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records upstream latency.
func WithMetrics(m *metrics.RelayMetrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client generates replies with a configured assistant.
type Client struct {
	api          assistantAPI
	assistantID  string
	timeout      time.Duration
	pollInterval time.Duration
	logger       *logging.Logger
	metrics      *metrics.RelayMetrics
}

// New builds a client backed by the OpenAI API.
func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("assistant: api key required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	return newClient(openai.NewClientWithConfig(clientCfg), cfg, opts...)
}

func newClient(api assistantAPI, cfg Config, opts ...Option) (*Client, error) {
	if api == nil {
		panic("assistant: api client cannot be nil")
	}
	if strings.TrimSpace(cfg.AssistantID) == "" {
		return nil, errors.New("assistant: assistant id required")
	}
	c := &Client{
		api:          api,
		assistantID:  cfg.AssistantID,
		timeout:      cfg.Timeout,
		pollInterval: cfg.PollInterval,
		logger:       logging.Default(),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateThread opens an empty thread. It matches conversation.CreateFunc.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	thread, err := c.api.CreateThread(ctx, openai.ThreadRequest{})
	c.metrics.ObserveUpstreamLatency(latencyTarget, time.Since(start).Seconds())
	if err != nil {
		return "", upstream("create_thread", err)
	}
	if thread.ID == "" {
		return "", upstream("create_thread", errors.New("empty thread id"))
	}
	c.logger.Debug("assistant thread created", "thread_id", thread.ID)
	return thread.ID, nil
}

// GenerateReply posts text to the reference's thread, runs the assistant and
// returns the text it produced.
func (c *Client) GenerateReply(ctx context.Context, ref conversation.Reference, text string) (string, error) {
	if ref.ThreadID == "" {
		return "", errors.New("assistant: thread id required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		c.metrics.ObserveUpstreamLatency(latencyTarget, time.Since(start).Seconds())
	}()

	if _, err := c.api.CreateMessage(ctx, ref.ThreadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	}); err != nil {
		return "", upstream("create_message", err)
	}

	run, err := c.api.CreateRun(ctx, ref.ThreadID, openai.RunRequest{AssistantID: c.assistantID})
	if err != nil {
		return "", upstream("create_run", err)
	}

	run, err = c.waitForRun(ctx, ref.ThreadID, run)
	if err != nil {
		return "", err
	}

	reply, err := c.latestReply(ctx, ref.ThreadID, run.ID)
	if err != nil {
		return "", err
	}
	c.logger.Debug("assistant reply generated",
		"thread_id", ref.ThreadID,
		"run_id", run.ID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return reply, nil
}

func (c *Client) waitForRun(ctx context.Context, threadID string, run openai.Run) (openai.Run, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		switch run.Status {
		case openai.RunStatusCompleted:
			return run, nil
		case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCancelling:
		case openai.RunStatusRequiresAction:
			return run, upstream("run", errors.New("run requires tool output, which is not supported"))
		default:
			return run, upstream("run", runFailure(run))
		}

		select {
		case <-ctx.Done():
			return run, upstream("poll_run", fmt.Errorf("run %s still %s: %w", run.ID, run.Status, ctx.Err()))
		case <-ticker.C:
		}

		next, err := c.api.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			return run, upstream("retrieve_run", err)
		}
		run = next
	}
}

func runFailure(run openai.Run) error {
	if run.LastError != nil && run.LastError.Message != "" {
		return fmt.Errorf("run %s %s: %s", run.ID, run.Status, run.LastError.Message)
	}
	return fmt.Errorf("run %s %s", run.ID, run.Status)
}

// latestReply returns the newest assistant message created by runID.
func (c *Client) latestReply(ctx context.Context, threadID, runID string) (string, error) {
	limit := messagePage
	order := "desc"
	list, err := c.api.ListMessage(ctx, threadID, &limit, &order, nil, nil, &runID)
	if err != nil {
		return "", upstream("list_messages", err)
	}
	for _, msg := range list.Messages {
		if msg.Role != openai.ChatMessageRoleAssistant {
			continue
		}
		if text := messageText(msg); text != "" {
			return text, nil
		}
	}
	return "", upstream("list_messages", ErrEmptyReply)
}

func messageText(msg openai.Message) string {
	var parts []string
	for _, content := range msg.Content {
		if content.Text == nil {
			continue
		}
		if value := strings.TrimSpace(content.Text.Value); value != "" {
			parts = append(parts, value)
		}
	}
	return strings.Join(parts, "\n")
}
