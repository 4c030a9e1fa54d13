package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/KaushikKC/CharmPay/internal/broadcast"
	"github.com/KaushikKC/CharmPay/internal/charms"
	"github.com/KaushikKC/CharmPay/internal/esplora"
	"github.com/KaushikKC/CharmPay/internal/funding"
	"github.com/KaushikKC/CharmPay/internal/metrics"
	"github.com/KaushikKC/CharmPay/internal/signing"
)

// ChainIndex is the slice of the explorer client the service needs.
type ChainIndex interface {
	ListUnspent(ctx context.Context, address string) ([]esplora.UTXO, error)
	RawTransaction(ctx context.Context, txID string) (string, error)
	Broadcast(ctx context.Context, rawHex string) (string, error)
}

// ProofRequester submits spells to the proving service.
type ProofRequester interface {
	Prove(ctx context.Context, req charms.ProveRequest) (*charms.TxPair, error)
}

// Funder drives funding selection and conflict retry around a spell
// submission.
type Funder interface {
	AttemptWithRetry(
		ctx context.Context,
		address string,
		build funding.BuildFunc,
		submit funding.SubmitFunc,
		candidates []esplora.UTXO,
		maxAttempts int,
		maxRefreshCycles int,
	) (*charms.TxPair, esplora.UTXO, error)
}

// PairSigner turns an unsigned commit/spell pair into a signed one.
type PairSigner interface {
	SignPair(ctx context.Context, pair *charms.TxPair, prevTxs map[string]string) (*signing.SignedPair, error)
}

// PackageBroadcaster submits a signed pair to the network in order.
type PackageBroadcaster interface {
	SubmitPackage(ctx context.Context, pair *signing.SignedPair) (string, string, error)
}

// Config carries the app binding and retry tuning for the service.
type Config struct {
	VK               string
	AppBinary        string
	FeeRate          float64
	MaxAttempts      int
	MaxRefreshCycles int
	NetParams        *chaincfg.Params
}

// Service orchestrates the full lifecycle of a subscription: create,
// per-cycle payment, cancel, and broadcast recovery. Each operation is
// one spell round-trip: build, prove (with funding retry), sign,
// broadcast, persist.
type Service struct {
	index       ChainIndex
	prover      ProofRequester
	allocator   Funder
	signer      PairSigner
	broadcaster PackageBroadcaster
	store       Store
	metrics     *metrics.FlowMetrics
	logger      *logrus.Logger
	cfg         Config
}

func NewService(
	index ChainIndex,
	prover ProofRequester,
	allocator Funder,
	signer PairSigner,
	broadcaster PackageBroadcaster,
	store Store,
	flowMetrics *metrics.FlowMetrics,
	logger *logrus.Logger,
	cfg Config,
) *Service {
	return &Service{
		index:       index,
		prover:      prover,
		allocator:   allocator,
		signer:      signer,
		broadcaster: broadcaster,
		store:       store,
		metrics:     flowMetrics,
		logger:      logger,
		cfg:         cfg,
	}
}

// CreateRequest describes a new subscription lock-up.
type CreateRequest struct {
	ID              string        `json:"id,omitempty"`
	PayerAddress    string        `json:"payer_address"`
	MerchantAddress string        `json:"merchant_address"`
	AmountPerCycle  uint64        `json:"amount_per_cycle"`
	BillingInterval time.Duration `json:"billing_interval"`
	TotalLocked     uint64        `json:"total_locked"`
}

func (r CreateRequest) validate(params *chaincfg.Params) error {
	if r.TotalLocked == 0 {
		return errors.New("total_locked must be positive")
	}
	if r.AmountPerCycle == 0 || r.AmountPerCycle > r.TotalLocked {
		return errors.New("amount_per_cycle must be positive and must not exceed total_locked")
	}
	if r.BillingInterval <= 0 {
		return errors.New("billing_interval must be positive")
	}
	if err := validateAddress(r.PayerAddress, params); err != nil {
		return fmt.Errorf("invalid payer_address: %w", err)
	}
	if err := validateAddress(r.MerchantAddress, params); err != nil {
		return fmt.Errorf("invalid merchant_address: %w", err)
	}
	return nil
}

func validateAddress(addr string, params *chaincfg.Params) error {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return err
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("address %s is not valid for network %s", addr, params.Name)
	}
	return nil
}

// Get returns one subscription by id.
func (s *Service) Get(ctx context.Context, id string) (*Subscription, error) {
	return s.store.Get(ctx, id)
}

// List returns all known subscriptions.
func (s *Service) List(ctx context.Context) ([]*Subscription, error) {
	return s.store.List(ctx)
}

// Create locks the subscriber's funds under a fresh app identity and
// mints the subscription NFT plus the locked-value token. The winning
// funding UTXO fixes the identity, so it is only known after the
// prover accepts a submission.
//
// On a partial broadcast the subscription is persisted with the signed
// spell transaction pending; the returned record carries the id needed
// to resume.
func (s *Service) Create(ctx context.Context, req CreateRequest) (sub *Subscription, err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordOperation("create", err == nil, time.Since(start))
	}()

	if err = req.validate(s.cfg.NetParams); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	build := func(utxo esplora.UTXO) (*charms.Spell, error) {
		return charms.NewCreateSpell(charms.CreateParams{
			SubscriptionID:    id,
			VK:                s.cfg.VK,
			FundingUTXO:       utxo.OutPoint(),
			SubscriberAddress: req.PayerAddress,
			TotalLocked:       req.TotalLocked,
		}), nil
	}

	signed, fundingUTXO, err := s.runSpell(ctx, req.PayerAddress, build)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription %s: %w", id, err)
	}

	now := time.Now().UTC()
	sub = &Subscription{
		ID:              id,
		PayerAddress:    req.PayerAddress,
		MerchantAddress: req.MerchantAddress,
		AmountPerCycle:  req.AmountPerCycle,
		BillingInterval: req.BillingInterval,
		LastPaymentAt:   now,
		TotalLocked:     req.TotalLocked,
		Remaining:       req.TotalLocked,
		Active:          true,
		AppVK:           s.cfg.VK,
		AppIdentity:     charms.AppIdentity(fundingUTXO.OutPoint()),
		NFTUTXO:         signed.SpellTxID + ":0",
		TokenUTXO:       signed.SpellTxID + ":1",
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err = s.broadcastAndSave(ctx, sub, signed); err != nil {
		return sub, err
	}
	s.logger.WithFields(logrus.Fields{
		"subscription": sub.ID,
		"spellTx":      signed.SpellTxID,
		"locked":       sub.TotalLocked,
	}).Info("subscription created")
	return sub, nil
}

// ExecutePayment runs one billing-cycle payment: the NFT's remaining
// balance decreases by AmountPerCycle and exactly that token value
// moves to the merchant. The final payment drains the balance and the
// subscription becomes terminal.
func (s *Service) ExecutePayment(ctx context.Context, id string) (sub *Subscription, err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordOperation("payment", err == nil, time.Since(start))
	}()

	sub, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Terminal() {
		return nil, ErrTerminal
	}
	if sub.PendingSpellTx != "" {
		return nil, ErrPendingBroadcast
	}
	if sub.AmountPerCycle > sub.Remaining {
		return nil, ErrInsufficientBalance
	}

	spell := charms.NewPaymentSpell(charms.PaymentParams{
		SubscriptionID:    sub.ID,
		VK:                sub.AppVK,
		Identity:          sub.AppIdentity,
		SubscriberAddress: sub.PayerAddress,
		MerchantAddress:   sub.MerchantAddress,
		NFTUTXO:           sub.NFTUTXO,
		TokenUTXO:         sub.TokenUTXO,
		Remaining:         sub.Remaining,
		Payment:           sub.AmountPerCycle,
	})
	build := func(esplora.UTXO) (*charms.Spell, error) {
		return spell, nil
	}

	signed, _, err := s.runSpell(ctx, sub.PayerAddress, build)
	if err != nil {
		return nil, fmt.Errorf("failed to execute payment for subscription %s: %w", id, err)
	}

	sub.Remaining -= sub.AmountPerCycle
	sub.LastPaymentAt = time.Now().UTC()
	sub.NFTUTXO = signed.SpellTxID + ":0"
	if sub.Remaining > 0 {
		sub.TokenUTXO = signed.SpellTxID + ":2"
	} else {
		// Drained: no change token exists and no transition remains.
		sub.TokenUTXO = ""
		sub.Active = false
	}
	sub.UpdatedAt = time.Now().UTC()

	if err = s.broadcastAndSave(ctx, sub, signed); err != nil {
		return sub, err
	}
	s.logger.WithFields(logrus.Fields{
		"subscription": sub.ID,
		"spellTx":      signed.SpellTxID,
		"paid":         sub.AmountPerCycle,
		"remaining":    sub.Remaining,
	}).Info("payment executed")
	return sub, nil
}

// Cancel moves the subscription NFT to its terminal state and refunds
// the full remaining token value to the subscriber.
func (s *Service) Cancel(ctx context.Context, id string) (sub *Subscription, err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordOperation("cancel", err == nil, time.Since(start))
	}()

	sub, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Terminal() {
		return nil, ErrTerminal
	}
	if sub.PendingSpellTx != "" {
		return nil, ErrPendingBroadcast
	}

	refund := sub.Remaining
	spell := charms.NewCancelSpell(charms.CancelParams{
		SubscriptionID:    sub.ID,
		VK:                sub.AppVK,
		Identity:          sub.AppIdentity,
		SubscriberAddress: sub.PayerAddress,
		NFTUTXO:           sub.NFTUTXO,
		TokenUTXO:         sub.TokenUTXO,
		Remaining:         refund,
	})
	build := func(esplora.UTXO) (*charms.Spell, error) {
		return spell, nil
	}

	signed, _, err := s.runSpell(ctx, sub.PayerAddress, build)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel subscription %s: %w", id, err)
	}

	sub.Remaining = 0
	sub.Active = false
	sub.NFTUTXO = signed.SpellTxID + ":0"
	sub.TokenUTXO = ""
	sub.UpdatedAt = time.Now().UTC()

	if err = s.broadcastAndSave(ctx, sub, signed); err != nil {
		return sub, err
	}
	s.logger.WithFields(logrus.Fields{
		"subscription": sub.ID,
		"spellTx":      signed.SpellTxID,
		"refunded":     refund,
	}).Info("subscription cancelled")
	return sub, nil
}

// ResumeSpellBroadcast rebroadcasts a spell transaction left pending
// by a partial broadcast. The commit transaction already on chain
// makes this safe to retry any number of times.
func (s *Service) ResumeSpellBroadcast(ctx context.Context, id string) (*Subscription, error) {
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.PendingSpellTx == "" {
		return nil, ErrNothingPending
	}

	txID, err := s.index.Broadcast(ctx, sub.PendingSpellTx)
	if err != nil {
		s.metrics.RecordBroadcast("spell", false)
		return nil, fmt.Errorf("failed to rebroadcast spell tx for subscription %s: %w", id, err)
	}
	s.metrics.RecordBroadcast("spell", true)

	sub.PendingSpellTx = ""
	sub.UpdatedAt = time.Now().UTC()
	if err := s.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to persist subscription %s: %w", id, err)
	}
	s.logger.WithFields(logrus.Fields{
		"subscription": sub.ID,
		"spellTx":      txID,
	}).Info("pending spell tx broadcast")
	return sub, nil
}

// runSpell drives one spell through funding allocation, proving and
// signing. The prevTxs map accumulated while building prove requests
// is reused to resolve previous outputs during signing.
func (s *Service) runSpell(
	ctx context.Context,
	payer string,
	build funding.BuildFunc,
) (*signing.SignedPair, esplora.UTXO, error) {
	candidates, err := s.index.ListUnspent(ctx, payer)
	if err != nil {
		return nil, esplora.UTXO{}, fmt.Errorf("failed to list funding candidates: %w", err)
	}

	prevTxs := make(map[string]string)

	submit := func(ctx context.Context, spell *charms.Spell, fundingUTXO esplora.UTXO) (*charms.TxPair, error) {
		raw, err := s.collectPrevTxs(ctx, spell, fundingUTXO, prevTxs)
		if err != nil {
			return nil, err
		}
		pair, err := s.prover.Prove(ctx, charms.ProveRequest{
			Spell:            spell,
			Binaries:         map[string]string{s.cfg.VK: s.cfg.AppBinary},
			PrevTxs:          raw,
			FundingUTXO:      fundingUTXO.OutPoint(),
			FundingUTXOValue: fundingUTXO.Value,
			ChangeAddress:    payer,
			FeeRate:          s.cfg.FeeRate,
		})
		switch {
		case err == nil:
			s.metrics.RecordProofAttempt(metrics.ProofAccepted)
		case isConflict(err):
			s.metrics.RecordProofAttempt(metrics.ProofConflict)
		default:
			s.metrics.RecordProofAttempt(metrics.ProofError)
		}
		return pair, err
	}

	pair, fundingUTXO, err := s.allocator.AttemptWithRetry(
		ctx, payer, build, submit, candidates, s.cfg.MaxAttempts, s.cfg.MaxRefreshCycles,
	)
	if err != nil {
		return nil, esplora.UTXO{}, err
	}

	signed, err := s.signer.SignPair(ctx, pair, prevTxs)
	if err != nil {
		return nil, esplora.UTXO{}, err
	}
	return signed, fundingUTXO, nil
}

// collectPrevTxs fetches the raw transaction behind every spell input
// and the funding UTXO, deduplicated. The shared map caches fetches
// across retry attempts within one operation.
func (s *Service) collectPrevTxs(
	ctx context.Context,
	spell *charms.Spell,
	fundingUTXO esplora.UTXO,
	cache map[string]string,
) ([]string, error) {
	ids := make([]string, 0, len(spell.Ins)+1)
	seen := make(map[string]struct{})
	add := func(txID string) {
		if _, ok := seen[txID]; !ok {
			seen[txID] = struct{}{}
			ids = append(ids, txID)
		}
	}
	for _, in := range spell.Ins {
		txID, _, ok := strings.Cut(in.UTXOID, ":")
		if !ok {
			return nil, fmt.Errorf("malformed utxo id %q", in.UTXOID)
		}
		add(txID)
	}
	add(fundingUTXO.TxID)

	// Resolve cache hits before any fetch goroutine starts writing,
	// so the map is never read and written concurrently.
	missing := make([]string, 0, len(ids))
	for _, txID := range ids {
		if _, ok := cache[txID]; !ok {
			missing = append(missing, txID)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, txID := range missing {
		txID := txID
		g.Go(func() error {
			hexTx, err := s.index.RawTransaction(gctx, txID)
			if err != nil {
				return fmt.Errorf("failed to fetch prev tx %s: %w", txID, err)
			}
			mu.Lock()
			cache[txID] = hexTx
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	raw := make([]string, 0, len(ids))
	for _, txID := range ids {
		raw = append(raw, cache[txID])
	}
	return raw, nil
}

// broadcastAndSave submits the signed pair and persists the updated
// record. A partial broadcast still persists: the signed spell tx has
// a fixed txid, so the post-state output references stay valid and the
// raw tx is kept for resume.
func (s *Service) broadcastAndSave(ctx context.Context, sub *Subscription, signed *signing.SignedPair) error {
	commitID, _, err := s.broadcaster.SubmitPackage(ctx, signed)
	if err != nil {
		var partial *broadcast.PartialBroadcastError
		if errors.As(err, &partial) {
			s.metrics.RecordBroadcast("commit", true)
			s.metrics.RecordBroadcast("spell", false)
			sub.PendingSpellTx = signed.SpellTx
			sub.UpdatedAt = time.Now().UTC()
			if saveErr := s.store.Save(ctx, sub); saveErr != nil {
				s.logger.WithError(saveErr).WithField("subscription", sub.ID).
					Error("failed to persist subscription after partial broadcast")
			}
			s.logger.WithFields(logrus.Fields{
				"subscription": sub.ID,
				"commitTx":     commitID,
			}).Warn("commit tx on chain, spell tx pending rebroadcast")
			return err
		}
		s.metrics.RecordBroadcast("commit", false)
		return err
	}
	s.metrics.RecordBroadcast("commit", true)
	s.metrics.RecordBroadcast("spell", true)

	sub.PendingSpellTx = ""
	if err := s.store.Save(ctx, sub); err != nil {
		return fmt.Errorf("failed to persist subscription %s: %w", sub.ID, err)
	}
	return nil
}

func isConflict(err error) bool {
	var conflict *charms.ConflictError
	return errors.As(err, &conflict)
}
