package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/phytodb/services/backend/internal/config"
	"gitlab.com/phytodb/services/backend/internal/models"
	"gitlab.com/phytodb/services/backend/internal/notifier"
	"gitlab.com/phytodb/services/backend/internal/queue"
)

// Acknowledgment messages returned to the caller
const (
	QueuedMessage = "Mail request queued successfully"
	SentMessage   = "Mail sent successfully"
)

// Accepted is returned once a strategy has taken responsibility for a
// notification.
type Accepted struct {
	Message string
}

// Submitter is one way of handling "notify about a new docking request".
type Submitter interface {
	Submit(ctx context.Context, payload models.NotificationPayload) (Accepted, error)
}

// QueuePublisher appends the payload to the tail of the queue and
// acknowledges as soon as the append is confirmed. It never waits for the
// consumer and performs no deduplication.
type QueuePublisher struct {
	connector queue.Connector
	queueName string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewQueuePublisher builds the queue strategy. A nil connector means no
// queue target is configured; every Submit then fails with
// ErrMissingConfiguration.
func NewQueuePublisher(connector queue.Connector, queueName string, timeout time.Duration, logger *zap.Logger) *QueuePublisher {
	if queueName == "" {
		queueName = queue.DefaultName
	}
	return &QueuePublisher{
		connector: connector,
		queueName: queueName,
		timeout:   timeout,
		logger:    logger.Named("queue_publisher"),
	}
}

func (p *QueuePublisher) Submit(ctx context.Context, payload models.NotificationPayload) (Accepted, error) {
	if p.connector == nil {
		return Accepted{}, fmt.Errorf("%w: REDIS_URL is not set", ErrMissingConfiguration)
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return Accepted{}, fmt.Errorf("%w: encode payload: %v", ErrBackendUnavailable, err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	conn, err := p.connector.Acquire(ctx)
	if err != nil {
		return Accepted{}, fmt.Errorf("%w: acquire queue connection: %v", ErrBackendUnavailable, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			p.logger.Warn("failed to release queue connection", zap.Error(cerr))
		}
	}()

	length, err := conn.Append(ctx, p.queueName, value)
	if err != nil {
		return Accepted{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	p.logger.Info("notification queued",
		zap.String("queue", p.queueName),
		zap.Int64("length", length),
		zap.String("user_id", payload.UserID))

	return Accepted{Message: QueuedMessage}, nil
}

// DirectDispatcher sends the notification in-process and acknowledges only
// after the send completed. Nothing durable records the attempt.
type DirectDispatcher struct {
	notifier notifier.Notifier
	timeout  time.Duration
	logger   *zap.Logger
}

func NewDirectDispatcher(n notifier.Notifier, timeout time.Duration, logger *zap.Logger) *DirectDispatcher {
	return &DirectDispatcher{
		notifier: n,
		timeout:  timeout,
		logger:   logger.Named("direct_dispatcher"),
	}
}

func (d *DirectDispatcher) Submit(ctx context.Context, payload models.NotificationPayload) (Accepted, error) {
	if d.notifier == nil {
		return Accepted{}, fmt.Errorf("%w: no mail or sms transport configured", ErrMissingConfiguration)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := d.notifier.Notify(ctx, payload); err != nil {
		return Accepted{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	d.logger.Info("notification sent",
		zap.String("user_id", payload.UserID),
		zap.Duration("duration", time.Since(start)))

	return Accepted{Message: SentMessage}, nil
}

// NewSubmitter picks the strategy named by cfg.Strategy. connector and n may
// be nil when the corresponding backend is not configured.
func NewSubmitter(cfg *config.Config, connector queue.Connector, n notifier.Notifier, logger *zap.Logger) (Submitter, error) {
	switch cfg.Strategy {
	case config.StrategyQueue:
		return NewQueuePublisher(connector, cfg.Redis.QueueName, cfg.QueueTimeout, logger), nil
	case config.StrategyDirect:
		return NewDirectDispatcher(n, cfg.SendTimeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown notify strategy %q", cfg.Strategy)
	}
}
