// Package worker drains the notification queue and delivers each entry
// through the configured notifier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/phytodb/services/backend/internal/models"
	"gitlab.com/phytodb/services/backend/internal/notifier"
	"gitlab.com/phytodb/services/backend/internal/queue"
)

// Queue is the reliable-queue side the worker drives.
type Queue interface {
	Claim(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, raw string) error
	Bury(ctx context.Context, raw string) error
	Recover(ctx context.Context) (int, error)
}

type Recorder interface {
	Record(ctx context.Context, d *models.Delivery) error
}

type Archiver interface {
	Archive(ctx context.Context, raw []byte, reason string) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, event models.DeliveryEvent) error
}

type Options struct {
	MaxAttempts int
	Backoff     time.Duration
	Poll        time.Duration
	SendTimeout time.Duration
}

// Worker processes one entry at a time. Recorder, Archiver and Publisher are
// optional.
type Worker struct {
	queue     Queue
	notifier  notifier.Notifier
	recorder  Recorder
	archiver  Archiver
	publisher Publisher
	opts      Options
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) bool
	logger    *zap.Logger
}

func New(q Queue, n notifier.Notifier, opts Options, logger *zap.Logger) *Worker {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Worker{
		queue:    q,
		notifier: n,
		opts:     opts,
		now:      time.Now,
		sleep:    sleepCtx,
		logger:   logger.Named("worker"),
	}
}

func (w *Worker) WithRecorder(r Recorder) *Worker   { w.recorder = r; return w }
func (w *Worker) WithArchiver(a Archiver) *Worker   { w.archiver = a; return w }
func (w *Worker) WithPublisher(p Publisher) *Worker { w.publisher = p; return w }

// Run recovers entries orphaned by a previous crash and then processes the
// queue until ctx is done. The entry in flight when ctx ends is finished
// unless it is waiting out a retry backoff, in which case it stays claimed
// and is recovered on the next start.
func (w *Worker) Run(ctx context.Context) error {
	if w.notifier == nil {
		return fmt.Errorf("no notification channel configured")
	}

	n, err := w.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover claimed entries: %w", err)
	}
	if n > 0 {
		w.logger.Info("recovered claimed entries", zap.Int("count", n))
	}

	w.logger.Info("worker started", zap.Int("max_attempts", w.opts.MaxAttempts))
	for ctx.Err() == nil {
		if _, err := w.ProcessOne(ctx); err != nil {
			w.logger.Error("failed to process queue entry", zap.Error(err))
			w.sleep(ctx, w.opts.Backoff)
		}
	}
	w.logger.Info("worker stopped")
	return nil
}

// ProcessOne claims and handles a single entry. It reports false when the
// queue stayed empty for the poll interval.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	raw, err := w.queue.Claim(ctx, w.opts.Poll)
	if errors.Is(err, queue.ErrEmpty) || (err != nil && ctx.Err() != nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// stop claiming on shutdown, but finish what was claimed
	work := context.WithoutCancel(ctx)
	start := w.now()

	var payload models.NotificationPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		w.deadLetter(work, raw, payload, 0, start, fmt.Errorf("undecodable entry: %w", err))
		return true, w.ack(work, raw)
	}
	if err := payload.Validate(); err != nil {
		w.deadLetter(work, raw, payload, 0, start, fmt.Errorf("invalid entry: %w", err))
		return true, w.ack(work, raw)
	}

	attempts, interrupted, sendErr := w.deliver(ctx, payload)
	if interrupted {
		w.logger.Info("shutdown during backoff, leaving entry claimed",
			zap.String("user_id", payload.UserID), zap.Int("attempts", attempts))
		return true, nil
	}

	if sendErr != nil {
		w.deadLetter(work, raw, payload, attempts, start, sendErr)
		return true, w.ack(work, raw)
	}

	w.logger.Info("notification delivered",
		zap.String("user_id", payload.UserID),
		zap.String("protein_target", payload.ProteinTarget),
		zap.Int("attempts", attempts),
	)
	w.publish(work, payload, models.StatusDelivered, attempts, nil)
	w.record(work, &models.Delivery{
		UserID:        payload.UserID,
		UserEmail:     payload.UserEmail,
		ProteinTarget: payload.ProteinTarget,
		LigandTarget:  payload.LigandTarget,
		Status:        models.StatusDelivered,
		Attempts:      attempts,
		Duration:      w.now().Sub(start),
	})
	return true, w.ack(work, raw)
}

// deliver tries the notifier up to MaxAttempts times with a linear backoff.
func (w *Worker) deliver(ctx context.Context, payload models.NotificationPayload) (int, bool, error) {
	work := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= w.opts.MaxAttempts; attempt++ {
		err = w.notify(work, payload)
		if err == nil {
			return attempt, false, nil
		}
		if attempt == w.opts.MaxAttempts {
			return attempt, false, err
		}

		w.logger.Warn("delivery attempt failed",
			zap.String("user_id", payload.UserID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		w.publish(work, payload, models.StatusRetrying, attempt, err)
		if !w.sleep(ctx, time.Duration(attempt)*w.opts.Backoff) {
			return attempt, true, err
		}
	}
	return w.opts.MaxAttempts, false, err
}

func (w *Worker) notify(ctx context.Context, payload models.NotificationPayload) error {
	if w.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.SendTimeout)
		defer cancel()
	}
	return w.notifier.Notify(ctx, payload)
}

func (w *Worker) deadLetter(ctx context.Context, raw string, payload models.NotificationPayload, attempts int, start time.Time, cause error) {
	w.logger.Error("dead-lettering notification",
		zap.String("user_id", payload.UserID),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)

	var key *string
	if w.archiver != nil {
		k, err := w.archiver.Archive(ctx, []byte(raw), cause.Error())
		if err == nil {
			key = &k
		} else {
			w.logger.Error("failed to archive dead letter, keeping it in redis", zap.Error(err))
		}
	}
	if key == nil {
		if err := w.queue.Bury(ctx, raw); err != nil {
			w.logger.Error("failed to bury dead letter", zap.Error(err))
		}
	}

	msg := cause.Error()
	w.publish(ctx, payload, models.StatusDeadLettered, attempts, cause)
	w.record(ctx, &models.Delivery{
		UserID:        payload.UserID,
		UserEmail:     payload.UserEmail,
		ProteinTarget: payload.ProteinTarget,
		LigandTarget:  payload.LigandTarget,
		Status:        models.StatusDeadLettered,
		Attempts:      attempts,
		ErrorMessage:  &msg,
		Duration:      w.now().Sub(start),
		DeadLetterKey: key,
	})
}

func (w *Worker) ack(ctx context.Context, raw string) error {
	if err := w.queue.Ack(ctx, raw); err != nil {
		return fmt.Errorf("failed to ack entry: %w", err)
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, payload models.NotificationPayload, status string, attempts int, cause error) {
	if w.publisher == nil {
		return
	}
	event := models.DeliveryEvent{
		Status:        status,
		ProteinTarget: payload.ProteinTarget,
		LigandTarget:  payload.LigandTarget,
		UserID:        payload.UserID,
		Attempts:      attempts,
		At:            w.now().UTC(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	if err := w.publisher.Publish(ctx, event); err != nil {
		w.logger.Warn("failed to publish delivery event", zap.Error(err))
	}
}

func (w *Worker) record(ctx context.Context, d *models.Delivery) {
	if w.recorder == nil {
		return
	}
	if err := w.recorder.Record(ctx, d); err != nil {
		w.logger.Error("failed to record delivery", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
