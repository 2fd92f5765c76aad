package notify

import (
	"context"
	"log"
	"time"

	"github.com/iago/dispatch-sla-back/internal/domain"
)

// Notifier delivers offer and status notifications to contractors and
// customers. Delivery is best-effort and always happens outside store
// transactions: a failed notification never rolls back a dispatch.
type Notifier interface {
	NotifyWorkerOffered(ctx context.Context, jobID, workerID string, deadline time.Time) error
	NotifyCustomerStatusChanged(ctx context.Context, jobID string, status domain.JobStatus) error
	NotifyOperatorTier(ctx context.Context, jobID, operatorID, reason string) error
}

// LogNotifier writes notifications to the process log. Used when no Redis
// backend is configured.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyWorkerOffered(_ context.Context, jobID, workerID string, deadline time.Time) error {
	if n.logger != nil {
		n.logger.Printf("notify worker offered job_id=%s worker_id=%s deadline=%s", jobID, workerID, deadline.Format(time.RFC3339))
	}
	return nil
}

func (n *LogNotifier) NotifyCustomerStatusChanged(_ context.Context, jobID string, status domain.JobStatus) error {
	if n.logger != nil {
		n.logger.Printf("notify customer status job_id=%s status=%s", jobID, status)
	}
	return nil
}

func (n *LogNotifier) NotifyOperatorTier(_ context.Context, jobID, operatorID, reason string) error {
	if n.logger != nil {
		n.logger.Printf("notify operator tier job_id=%s operator_id=%s reason=%s", jobID, operatorID, reason)
	}
	return nil
}
