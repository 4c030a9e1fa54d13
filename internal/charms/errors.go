package charms

import "fmt"

// ConflictError reports that the proving service already has a pending
// proof committed to the same funding UTXO. It is retried automatically
// by the funding allocator and never reaches callers directly.
type ConflictError struct {
	FundingUTXO string
	Message     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("funding utxo %s already committed to a pending proof: %s", e.FundingUTXO, e.Message)
}

// ValidationError reports that the prover rejected the spell semantics
// or answered with a response the client cannot interpret. It is fatal
// and not retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("prover rejected spell: %s; review the transition parameters before retrying", e.Message)
}

// TransportError reports a network-level failure talking to the prover.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("prover unreachable during %s: %v; check connectivity and retry", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
