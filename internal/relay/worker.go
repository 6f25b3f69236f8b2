package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/whatsapp-assistant-relay/internal/whatsapp"
	"github.com/wolfman30/whatsapp-assistant-relay/pkg/logging"
)

// MessageDispatcher processes one inbound message.
type MessageDispatcher interface {
	Dispatch(ctx context.Context, msg whatsapp.InboundMessage) Result
}

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
)

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
}

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// Worker consumes queued inbound messages and dispatches them.
type Worker struct {
	dispatcher MessageDispatcher
	queue      queueClient
	logger     *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

// NewWorker constructs a queue consumer.
func NewWorker(dispatcher MessageDispatcher, queue queueClient, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if dispatcher == nil {
		panic("relay: dispatcher cannot be nil")
	}
	if queue == nil {
		panic("relay: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{dispatcher: dispatcher, queue: queue, logger: logger, cfg: cfg}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	logger := w.logger.With("worker_id", workerID)
	logger.Debug("relay worker started")

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			logger.Debug("relay worker stopping")
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			logger.Error("failed to receive relay jobs", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, logger, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, logger *logging.Logger, msg queueMessage) {
	payload, err := decodePayload(msg.Body)
	if err != nil {
		logger.Error("dropping undecodable relay job", "error", err, "queue_message_id", msg.ID)
		w.deleteMessage(logger, msg.ReceiptHandle)
		return
	}

	if msg.ReceiveCount > 1 {
		logger.Warn("relay job redelivered", "job_id", payload.ID, "receive_count", msg.ReceiveCount)
	}
	res := w.dispatcher.Dispatch(ctx, payload.Message)
	logResult(logger, payload.Message, res, "job_id", payload.ID,
		"queue_latency_ms", time.Since(payload.EnqueuedAt).Milliseconds())

	w.deleteMessage(logger, msg.ReceiptHandle)
}

func (w *Worker) deleteMessage(logger *logging.Logger, receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeoutSeconds*time.Second)
	defer cancel()
	if err := w.queue.Delete(ctx, receiptHandle); err != nil {
		logger.Error("failed to delete relay job", "error", err)
	}
}
