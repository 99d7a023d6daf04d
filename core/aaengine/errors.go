package aaengine

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrorKind classifies every failure surfaced by the engine.
type ErrorKind string

const (
	KindInvalidInput         ErrorKind = "InvalidInput"
	KindSimulationFailed     ErrorKind = "SimulationFailed"
	KindInsufficientBalance  ErrorKind = "InsufficientBalance"
	KindPrefundShortfall     ErrorKind = "PrefundShortfall"
	KindSignatureMismatch    ErrorKind = "SignatureMismatch"
	KindBundlerRejectedFee   ErrorKind = "BundlerRejected:fee"
	KindBundlerRejectedOther ErrorKind = "BundlerRejected:other"
	KindTransportError       ErrorKind = "TransportError"
	KindReceiptTimeout       ErrorKind = "ReceiptTimeout"
	KindConcurrencyConflict  ErrorKind = "ConcurrencyConflict"
)

var (
	ErrConcurrencyConflict  = errors.New("an operation of the same kind is already in flight")
	ErrReceiptTimeout       = errors.New("receipt not found before max attempts; outcome unknown")
	ErrRetriesExhausted     = errors.New("fee escalation retries exhausted")
	ErrSignatureMismatch    = errors.New("recovered signer does not match account owner")
	ErrAuthorizationExpired = errors.New("paymaster authorization expired")
)

// GasSnapshot records the gas values of the last attempt for debugging.
type GasSnapshot struct {
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

func (g *GasSnapshot) String() string {
	if g == nil {
		return "<nil>"
	}
	return fmt.Sprintf("call=%s verification=%s preVerification=%s maxFee=%s maxPriorityFee=%s",
		g.CallGasLimit, g.VerificationGasLimit, g.PreVerificationGas, g.MaxFeePerGas, g.MaxPriorityFeePerGas)
}

// EngineError is the only error type Execute returns. It carries enough
// context to debug a failed operation and never includes key material.
type EngineError struct {
	Kind        ErrorKind
	OperationID string
	UserID      string
	Attempt     int
	Gas         *GasSnapshot
	// BundlerPayload is the raw `data` of a bundler rejection, if any.
	BundlerPayload interface{}
	Err            error
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.OperationID != "" {
		fmt.Fprintf(&b, " op=%s", e.OperationID)
	}
	if e.UserID != "" {
		fmt.Fprintf(&b, " user=%s", e.UserID)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " attempt=%d", e.Attempt)
	}
	if e.Gas != nil {
		fmt.Fprintf(&b, " gas=[%s]", e.Gas)
	}
	if e.BundlerPayload != nil {
		fmt.Fprintf(&b, " bundler_data=%v", e.BundlerPayload)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, err error) *EngineError {
	return &EngineError{Kind: kind, Err: err}
}

// KindOf returns the kind of the first EngineError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}
