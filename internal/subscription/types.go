package subscription

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when no subscription has the id.
var ErrNotFound = errors.New("subscription not found")

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid subscription request")

// ErrTerminal is returned when an operation targets a cancelled or
// completed subscription.
var ErrTerminal = errors.New("subscription is terminal; no further transitions are accepted")

// ErrInsufficientBalance is returned when a payment would exceed the
// remaining locked balance. Checked before proving to avoid a wasted
// round-trip on a spell the contract would reject.
var ErrInsufficientBalance = errors.New("payment exceeds remaining locked balance")

// ErrNothingPending is returned by ResumeSpellBroadcast when no spell
// transaction is awaiting broadcast.
var ErrNothingPending = errors.New("no pending spell transaction to broadcast")

// ErrPendingBroadcast is returned when a new transition is requested
// while a previously signed spell transaction is still awaiting
// broadcast. The pending transaction must be resumed first so chain
// state matches the persisted record.
var ErrPendingBroadcast = errors.New("a previous spell transaction is awaiting broadcast; resume it before starting a new transition")

// Subscription is the client-side record of one on-chain subscription.
// Remaining is monotonically non-increasing and exactly zero in the
// terminal state.
type Subscription struct {
	ID              string        `json:"id"`
	PayerAddress    string        `json:"payer_address"`
	MerchantAddress string        `json:"merchant_address"`
	AmountPerCycle  uint64        `json:"amount_per_cycle"`
	BillingInterval time.Duration `json:"billing_interval"`
	LastPaymentAt   time.Time     `json:"last_payment_at"`
	TotalLocked     uint64        `json:"total_locked"`
	Remaining       uint64        `json:"remaining"`
	Active          bool          `json:"active"`

	// App binding established at creation.
	AppVK       string `json:"app_vk"`
	AppIdentity string `json:"app_identity"`

	// Current charm-bearing outputs, updated after every transition.
	NFTUTXO   string `json:"nft_utxo"`
	TokenUTXO string `json:"token_utxo"`

	// Raw spell tx awaiting rebroadcast after a partial broadcast.
	PendingSpellTx string `json:"pending_spell_tx,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the subscription accepts further
// transitions. A drained balance is terminal the same way a
// cancellation is, even though the on-chain NFT is not cancelled.
func (s *Subscription) Terminal() bool {
	return !s.Active || s.Remaining == 0
}

// PaymentDue reports whether a billing-cycle payment should run now.
func (s *Subscription) PaymentDue(now time.Time) bool {
	if s.Terminal() || s.Remaining < s.AmountPerCycle {
		return false
	}
	return now.Sub(s.LastPaymentAt) >= s.BillingInterval
}

// Store persists subscriptions across operations.
type Store interface {
	Get(ctx context.Context, id string) (*Subscription, error)
	Save(ctx context.Context, sub *Subscription) error
	List(ctx context.Context) ([]*Subscription, error)
	// ListDue returns active subscriptions whose billing interval has
	// elapsed and whose balance covers another cycle.
	ListDue(ctx context.Context, now time.Time) ([]*Subscription, error)
}
