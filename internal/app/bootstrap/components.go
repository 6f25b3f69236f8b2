package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/whatsapp-assistant-relay/internal/config"
	"github.com/wolfman30/whatsapp-assistant-relay/internal/conversation"
	"github.com/wolfman30/whatsapp-assistant-relay/internal/relay"
	"github.com/wolfman30/whatsapp-assistant-relay/pkg/logging"
)

const (
	sweepInterval     = 5 * time.Minute
	memoryQueueBuffer = 256
)

// BuildConversationStore selects the reference store named by STORE_BACKEND.
// Background maintenance for the memory backend stops when ctx is done.
func BuildConversationStore(ctx context.Context, cfg *appconfig.Config, res *Resources) (conversation.Store, error) {
	switch strings.ToLower(cfg.StoreBackend) {
	case "", "memory":
		store := conversation.NewMemoryStore(cfg.ConversationTTL)
		store.StartSweeper(ctx, sweepInterval)
		return store, nil
	case "redis":
		client, err := res.Redis(ctx)
		if err != nil {
			return nil, err
		}
		return conversation.NewRedisStore(client, cfg.ConversationTTL, nil), nil
	case "postgres":
		pool, err := res.Postgres(ctx)
		if err != nil {
			return nil, err
		}
		store := conversation.NewPGStore(pool, cfg.ConversationTTL)
		go purgeExpired(ctx, store, sweepInterval, res.logger)
		return store, nil
	case "dynamodb":
		awsCfg, err := res.AWS(ctx)
		if err != nil {
			return nil, err
		}
		return conversation.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.ConversationsTable, cfg.ConversationTTL), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}

func purgeExpired(ctx context.Context, store *conversation.PGStore, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("failed to purge expired conversations", "error", err)
				continue
			}
			if removed > 0 {
				logger.Debug("purged expired conversations", "removed", removed)
			}
		}
	}
}

// BuildLedger returns the dedup ledger, or nil when DEDUP_ENABLED is false.
// The redis store backend shares its client with a Redis ledger.
func BuildLedger(ctx context.Context, cfg *appconfig.Config, res *Resources) (relay.Ledger, error) {
	if !cfg.DedupEnabled {
		return nil, nil
	}
	if strings.EqualFold(cfg.StoreBackend, "redis") {
		client, err := res.Redis(ctx)
		if err != nil {
			return nil, err
		}
		return relay.NewRedisLedger(client, cfg.DedupTTL), nil
	}
	return relay.NewMemoryLedger(cfg.DedupTTL), nil
}

// BuildAsync wires the publisher and worker for DISPATCH_MODE=async. Both are
// nil in sync mode.
func BuildAsync(ctx context.Context, cfg *appconfig.Config, res *Resources, dispatcher relay.MessageDispatcher, logger *logging.Logger) (*relay.Publisher, *relay.Worker, error) {
	if !strings.EqualFold(cfg.DispatchMode, "async") {
		return nil, nil, nil
	}
	workerOpts := []relay.WorkerOption{relay.WithWorkerCount(cfg.WorkerCount)}

	switch strings.ToLower(cfg.QueueBackend) {
	case "", "memory":
		queue := relay.NewMemoryQueue(memoryQueueBuffer)
		return relay.NewPublisher(queue, logger), relay.NewWorker(dispatcher, queue, logger, workerOpts...), nil
	case "sqs":
		if strings.TrimSpace(cfg.QueueURL) == "" {
			return nil, nil, fmt.Errorf("bootstrap: QUEUE_URL is required for the sqs queue")
		}
		awsCfg, err := res.AWS(ctx)
		if err != nil {
			return nil, nil, err
		}
		queue := relay.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.QueueURL)
		workerOpts = append(workerOpts, relay.WithReceiveWaitSeconds(20), relay.WithReceiveBatchSize(10))
		return relay.NewPublisher(queue, logger), relay.NewWorker(dispatcher, queue, logger, workerOpts...), nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
}
