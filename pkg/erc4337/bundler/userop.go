package bundler

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
)

// WireFormat selects how gas limits travel to the bundler.
type WireFormat string

const (
	// WireUnpacked sends callGasLimit and verificationGasLimit as two fields.
	WireUnpacked WireFormat = "unpacked"
	// WirePacked sends both limits as the 32-byte accountGasLimits word.
	WirePacked WireFormat = "packed"
)

// UserOperation is the JSON-RPC shape of a user operation. Quantities are
// minimal hex ("0x0" for zero), byte fields are "0x" prefixed hex.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                string         `json:"nonce"`
	InitCode             string         `json:"initCode"`
	CallData             string         `json:"callData"`
	CallGasLimit         string         `json:"callGasLimit,omitempty"`
	VerificationGasLimit string         `json:"verificationGasLimit,omitempty"`
	AccountGasLimits     string         `json:"accountGasLimits,omitempty"`
	PreVerificationGas   string         `json:"preVerificationGas"`
	MaxFeePerGas         string         `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string         `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string         `json:"paymasterAndData"`
	Signature            string         `json:"signature"`
}

// ToWire converts an operation into its JSON-RPC representation.
func ToWire(op *userop.UserOperation, format WireFormat) (UserOperation, error) {
	uo := UserOperation{
		Sender:               op.Sender,
		Nonce:                quantity(op.Nonce),
		InitCode:             hexutil.Encode(op.InitCode),
		CallData:             hexutil.Encode(op.CallData),
		PreVerificationGas:   quantity(op.PreVerificationGas),
		MaxFeePerGas:         quantity(op.MaxFeePerGas),
		MaxPriorityFeePerGas: quantity(op.MaxPriorityFeePerGas),
		PaymasterAndData:     hexutil.Encode(op.PaymasterAndData),
		Signature:            hexutil.Encode(op.Signature),
	}

	switch format {
	case WirePacked:
		packed, err := op.PackedGasLimits()
		if err != nil {
			return UserOperation{}, err
		}
		uo.AccountGasLimits = hexutil.Encode(packed[:])
	case WireUnpacked, "":
		uo.CallGasLimit = quantity(op.CallGasLimit)
		uo.VerificationGasLimit = quantity(op.VerificationGasLimit)
	default:
		return UserOperation{}, fmt.Errorf("unknown wire format %q", format)
	}

	return uo, nil
}
