package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Enqueuer is the slice of the asynq client the scheduler needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Scheduler periodically finds subscriptions whose billing interval
// has elapsed and enqueues one payment task per due subscription.
type Scheduler struct {
	store    Store
	client   Enqueuer
	interval time.Duration
	logger   *logrus.Entry
}

func NewScheduler(store Store, client Enqueuer, interval time.Duration, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		client:   client,
		interval: interval,
		logger:   logger.WithField("pkg", "subscription.Scheduler"),
	}
}

// Run ticks until the context is cancelled. One failed tick is logged
// and the next tick proceeds.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval).Info("scheduler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx, time.Now().UTC()); err != nil {
				s.logger.WithError(err).Error("scheduler tick failed")
			}
		}
	}
}

// Tick enqueues a payment task for every due subscription. Task ids
// derived from the subscription id and billing slot make re-enqueueing
// the same slot a no-op.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list due subscriptions: %w", err)
	}

	for _, sub := range due {
		task, err := NewExecutePaymentTask(sub.ID)
		if err != nil {
			return err
		}
		slot := sub.LastPaymentAt.Add(sub.BillingInterval).Unix()
		info, err := s.client.EnqueueContext(ctx, task,
			asynq.TaskID(fmt.Sprintf("%s:%d", sub.ID, slot)),
			asynq.MaxRetry(5),
			asynq.Timeout(15*time.Minute),
		)
		if err != nil {
			if errors.Is(err, asynq.ErrTaskIDConflict) {
				continue
			}
			return fmt.Errorf("failed to enqueue payment for subscription %s: %w", sub.ID, err)
		}
		s.logger.WithFields(logrus.Fields{
			"subscription": sub.ID,
			"task":         info.ID,
		}).Info("payment task enqueued")
	}
	return nil
}
