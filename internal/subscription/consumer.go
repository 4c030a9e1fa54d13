package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/KaushikKC/CharmPay/internal/esplora"
)

// TypeExecutePayment is the asynq task type for one billing-cycle
// payment.
const TypeExecutePayment = "subscription:execute"

// ExecutePaymentPayload is the task payload for TypeExecutePayment.
type ExecutePaymentPayload struct {
	SubscriptionID string `json:"subscription_id"`
}

// NewExecutePaymentTask builds the asynq task for one payment.
func NewExecutePaymentTask(subscriptionID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ExecutePaymentPayload{SubscriptionID: subscriptionID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return asynq.NewTask(TypeExecutePayment, payload), nil
}

// ConfirmationWaiter blocks until a transaction is included in a
// block or the context ends.
type ConfirmationWaiter interface {
	WaitConfirmed(ctx context.Context, txID string) (esplora.TxStatus, error)
}

// Consumer executes queued payment tasks against the service.
type Consumer struct {
	service *Service
	status  ConfirmationWaiter
	logger  *logrus.Entry
}

func NewConsumer(service *Service, status ConfirmationWaiter, logger *logrus.Logger) *Consumer {
	return &Consumer{
		service: service,
		status:  status,
		logger:  logger.WithField("pkg", "subscription.Consumer"),
	}
}

func (c *Consumer) handle(ctx context.Context, t *asynq.Task) error {
	var payload ExecutePaymentPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payment payload: %w", err)
	}

	sub, err := c.service.ExecutePayment(ctx, payload.SubscriptionID)
	if err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"subscription": sub.ID,
		"remaining":    sub.Remaining,
	}).Info("scheduled payment executed")

	c.waitSpellConfirmed(ctx, sub)
	return nil
}

// waitSpellConfirmed tracks the payment's spell tx into a block. The
// payment itself already succeeded, so a slow or failed confirmation
// only logs; the next billing cycle builds on the same outputs either
// way.
func (c *Consumer) waitSpellConfirmed(ctx context.Context, sub *Subscription) {
	if c.status == nil || sub.NFTUTXO == "" {
		return
	}
	txID, _, ok := strings.Cut(sub.NFTUTXO, ":")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	st, err := c.status.WaitConfirmed(ctx, txID)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"subscription": sub.ID,
			"spellTx":      txID,
		}).Warn("spell tx not yet confirmed")
		return
	}
	c.logger.WithFields(logrus.Fields{
		"subscription": sub.ID,
		"spellTx":      txID,
		"blockHeight":  st.BlockHeight,
	}).Info("spell tx confirmed")
}

// HandleExecutePayment is the asynq handler for TypeExecutePayment.
// Errors the service cannot recover from by retrying (terminal
// subscription, exhausted balance, state pending operator action)
// drop the task; everything else is retried by asynq.
func (c *Consumer) HandleExecutePayment(ctx context.Context, t *asynq.Task) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()

	err := c.handle(ctx, t)
	if err == nil {
		return nil
	}
	c.logger.WithError(err).Error("failed to handle payment task")

	if errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTerminal) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrPendingBroadcast) {
		return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
	}
	return err
}
