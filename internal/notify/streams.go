package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/dispatch-sla-back/internal/domain"
	"github.com/redis/go-redis/v9"
)

type StreamsConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
}

// StreamsNotifier publishes notification events to a Redis Stream consumed by
// the delivery service (SMS/push). XAdd only: this side never reads back.
type StreamsNotifier struct {
	client *redis.Client
	stream string
}

func NewStreamsNotifier(ctx context.Context, cfg StreamsConfig) (*StreamsNotifier, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "dispatch_notifications"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &StreamsNotifier{client: client, stream: cfg.Stream}, nil
}

func (n *StreamsNotifier) Close() error {
	return n.client.Close()
}

func (n *StreamsNotifier) NotifyWorkerOffered(ctx context.Context, jobID, workerID string, deadline time.Time) error {
	return n.publish(ctx, map[string]any{
		"event":     "worker_offered",
		"job_id":    jobID,
		"worker_id": workerID,
		"deadline":  deadline.Format(time.RFC3339Nano),
	})
}

func (n *StreamsNotifier) NotifyCustomerStatusChanged(ctx context.Context, jobID string, status domain.JobStatus) error {
	return n.publish(ctx, map[string]any{
		"event":  "customer_status_changed",
		"job_id": jobID,
		"status": string(status),
	})
}

func (n *StreamsNotifier) NotifyOperatorTier(ctx context.Context, jobID, operatorID, reason string) error {
	return n.publish(ctx, map[string]any{
		"event":       "operator_tier_escalation",
		"job_id":      jobID,
		"operator_id": operatorID,
		"reason":      reason,
	})
}

func (n *StreamsNotifier) publish(ctx context.Context, values map[string]any) error {
	values["sent_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		Values: values,
	}).Result(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
