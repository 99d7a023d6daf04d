package bundler

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// RPCError is a JSON-RPC error object returned by the bundler.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("bundler rejected operation (code %d): %s: %v", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("bundler rejected operation (code %d): %s", e.Code, e.Message)
}

// RejectionData is the structured part of a simulation rejection.
type RejectionData struct {
	Reason     string `mapstructure:"reason"`
	Paymaster  string `mapstructure:"paymaster"`
	Aggregator string `mapstructure:"aggregator"`
}

// IsSimulationRejection reports whether the bundler attached a nested data
// payload, which is how on-chain simulation failures are reported.
func (e *RPCError) IsSimulationRejection() bool {
	if e.Data == nil {
		return false
	}
	if s, ok := e.Data.(string); ok {
		return s != ""
	}
	return true
}

// Rejection decodes Data. A bare string payload becomes the Reason.
func (e *RPCError) Rejection() RejectionData {
	var out RejectionData
	switch d := e.Data.(type) {
	case nil:
	case string:
		out.Reason = d
	default:
		// unknown shapes leave the fields empty
		_ = mapstructure.WeakDecode(d, &out)
	}
	return out
}

var feePatterns = []string{
	"maxfeepergas",
	"maxpriorityfeepergas",
	"max fee per gas",
	"max priority fee",
	"fee too low",
	"underpriced",
	"gas price",
	"replacement fee",
}

// IsFeeRelated reports whether a higher fee could change the outcome.
func (e *RPCError) IsFeeRelated() bool {
	text := strings.ToLower(e.Message + " " + e.Rejection().Reason)
	for _, p := range feePatterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// IsNonceRelated matches the verifier's AA25 invalid account nonce.
func (e *RPCError) IsNonceRelated() bool {
	text := strings.ToLower(e.Message + " " + e.Rejection().Reason)
	return strings.Contains(text, "aa25") || strings.Contains(text, "invalid account nonce")
}

// TransportError wraps failures to reach the bundler at all, after the
// client's own retries are exhausted.
type TransportError struct {
	Method string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("bundler transport error on %s: http %d: %v", e.Method, e.Status, e.Err)
	}
	return fmt.Sprintf("bundler transport error on %s: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
