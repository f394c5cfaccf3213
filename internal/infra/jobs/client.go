package jobs

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/scantrail/api/pkg/logger"
)

// Client manages enqueueing background jobs using Asynq.
type Client struct {
	client *asynq.Client
	logger *logger.Logger
}

// ClientConfig contains configuration for the job client.
type ClientConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// NewClient creates a new job client for enqueueing tasks.
func NewClient(cfg ClientConfig, log *logger.Logger) (*Client, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	client := asynq.NewClient(redisOpt)

	return &Client{
		client: client,
		logger: log.With("component", "job_client"),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueIngestBatch enqueues a batch ingestion job.
func (c *Client) EnqueueIngestBatch(ctx context.Context, payload IngestBatchPayload) error {
	task, err := NewIngestBatchTask(payload)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		c.logger.Error("failed to enqueue ingest batch",
			"batch_id", payload.BatchID,
			"location", payload.Location,
			"error", err,
		)
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	c.logger.Info("ingest batch queued",
		"task_id", info.ID,
		"batch_id", payload.BatchID,
		"location", payload.Location,
		"queue", info.Queue,
	)
	return nil
}
