package charms

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SpellVersion is the descriptor version understood by the prover.
const SpellVersion = 2

// App keys used inside a spell. $00 is the subscription NFT app, $01
// the locked-value token app; both share one identity and one binary.
const (
	NFTKey   = "$00"
	TokenKey = "$01"
)

const (
	tickerActive    = "SUBSCRIPTION-"
	tickerCancelled = "CANCELLED-"
)

// NFTContent is the subscription state carried by the NFT charm. The
// cancelled marker lives in the ticker prefix so the charm keeps the
// exact shape the on-chain contract parses.
type NFTContent struct {
	Ticker    string `json:"ticker"`
	Remaining uint64 `json:"remaining"`
}

// Cancelled reports whether the ticker carries the cancelled marker.
func (n NFTContent) Cancelled() bool {
	return len(n.Ticker) >= len(tickerCancelled) && n.Ticker[:len(tickerCancelled)] == tickerCancelled
}

// Charms maps an app key to its charm value: NFTContent for the NFT
// app, a plain amount for the token app.
type Charms map[string]any

// Input is one consumed output with its expected charm state.
type Input struct {
	UTXOID string `json:"utxo_id"`
	Charms Charms `json:"charms,omitempty"`
}

// Output is one produced output with its new charm state.
type Output struct {
	Address string `json:"address"`
	Charms  Charms `json:"charms,omitempty"`
}

// Spell is one declarative state transition: which charm-bearing
// outputs are consumed and which are produced. Builders are pure;
// identical parameters always produce an identical spell.
type Spell struct {
	Version       int               `json:"version"`
	Apps          map[string]string `json:"apps"`
	PublicInputs  map[string]any    `json:"public_inputs,omitempty"`
	PrivateInputs map[string]any    `json:"private_inputs,omitempty"`
	Ins           []Input           `json:"ins"`
	Outs          []Output          `json:"outs"`
}

// AppIdentity derives the application identity bound to a funding UTXO:
// the hex sha256 of its "txid:vout" form. Minting is only valid in a
// transaction that spends exactly that UTXO.
func AppIdentity(fundingUTXO string) string {
	sum := sha256.Sum256([]byte(fundingUTXO))
	return hex.EncodeToString(sum[:])
}

func apps(identity, vk string) map[string]string {
	return map[string]string{
		NFTKey:   fmt.Sprintf("n/%s/%s", identity, vk),
		TokenKey: fmt.Sprintf("t/%s/%s", identity, vk),
	}
}

// CreateParams describes a new subscription lock-up.
type CreateParams struct {
	SubscriptionID    string
	VK                string
	FundingUTXO       string
	SubscriberAddress string
	TotalLocked       uint64
}

// NewCreateSpell mints the subscription NFT and the locked-value token
// in one transition. The funding UTXO is both consumed by the
// transaction and passed as the private input deriving the fresh app
// identity. Both outputs go to the subscriber: the NFT with
// remaining = TotalLocked, and a token of the same amount.
func NewCreateSpell(p CreateParams) *Spell {
	identity := AppIdentity(p.FundingUTXO)

	return &Spell{
		Version: SpellVersion,
		Apps:    apps(identity, p.VK),
		PrivateInputs: map[string]any{
			NFTKey: p.FundingUTXO,
		},
		Ins: []Input{
			{UTXOID: p.FundingUTXO},
		},
		Outs: []Output{
			{
				Address: p.SubscriberAddress,
				Charms: Charms{
					NFTKey: NFTContent{
						Ticker:    tickerActive + p.SubscriptionID,
						Remaining: p.TotalLocked,
					},
				},
			},
			{
				Address: p.SubscriberAddress,
				Charms: Charms{
					TokenKey: p.TotalLocked,
				},
			},
		},
	}
}

// PaymentParams describes one billing-cycle payment. Payment must not
// exceed Remaining; the builder does not enforce this (the on-chain
// contract does), so callers validate first to avoid burning a proof
// round-trip on a spell the contract will reject.
type PaymentParams struct {
	SubscriptionID    string
	VK                string
	Identity          string
	SubscriberAddress string
	MerchantAddress   string
	NFTUTXO           string
	TokenUTXO         string
	Remaining         uint64
	Payment           uint64
}

// NewPaymentSpell consumes the current NFT and the full locked token,
// and produces the decremented NFT plus the payment token to the
// merchant and the remainder token back to the subscriber. Token value
// is conserved: outputs sum to exactly Remaining. When the payment
// drains the balance no remainder output is produced.
func NewPaymentSpell(p PaymentParams) *Spell {
	newRemaining := p.Remaining - p.Payment

	outs := []Output{
		{
			Address: p.SubscriberAddress,
			Charms: Charms{
				NFTKey: NFTContent{
					Ticker:    tickerActive + p.SubscriptionID,
					Remaining: newRemaining,
				},
			},
		},
		{
			Address: p.MerchantAddress,
			Charms: Charms{
				TokenKey: p.Payment,
			},
		},
	}
	if newRemaining > 0 {
		outs = append(outs, Output{
			Address: p.SubscriberAddress,
			Charms: Charms{
				TokenKey: newRemaining,
			},
		})
	}

	return &Spell{
		Version: SpellVersion,
		Apps:    apps(p.Identity, p.VK),
		Ins: []Input{
			{
				UTXOID: p.NFTUTXO,
				Charms: Charms{
					NFTKey: NFTContent{
						Ticker:    tickerActive + p.SubscriptionID,
						Remaining: p.Remaining,
					},
				},
			},
			{
				UTXOID: p.TokenUTXO,
				Charms: Charms{
					TokenKey: p.Remaining,
				},
			},
		},
		Outs: outs,
	}
}

// CancelParams describes a subscription cancellation.
type CancelParams struct {
	SubscriptionID    string
	VK                string
	Identity          string
	SubscriberAddress string
	NFTUTXO           string
	TokenUTXO         string
	Remaining         uint64
}

// NewCancelSpell consumes the current NFT and the full remaining token
// and produces the terminal NFT (remaining 0, cancelled marker) plus a
// full refund token to the subscriber. No value goes to any other
// party.
func NewCancelSpell(p CancelParams) *Spell {
	return &Spell{
		Version: SpellVersion,
		Apps:    apps(p.Identity, p.VK),
		Ins: []Input{
			{
				UTXOID: p.NFTUTXO,
				Charms: Charms{
					NFTKey: NFTContent{
						Ticker:    tickerActive + p.SubscriptionID,
						Remaining: p.Remaining,
					},
				},
			},
			{
				UTXOID: p.TokenUTXO,
				Charms: Charms{
					TokenKey: p.Remaining,
				},
			},
		},
		Outs: []Output{
			{
				Address: p.SubscriberAddress,
				Charms: Charms{
					NFTKey: NFTContent{
						Ticker:    tickerCancelled + p.SubscriptionID,
						Remaining: 0,
					},
				},
			},
			{
				Address: p.SubscriberAddress,
				Charms: Charms{
					TokenKey: p.Remaining,
				},
			},
		},
	}
}
