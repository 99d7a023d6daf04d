// Package userop holds the ERC-4337 (v0.6) user operation and the pure
// functions over it: hashing and gas-limit packing.
package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// UserOperation is the account-abstraction transaction envelope.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// Copy returns a deep copy so a retry never mutates an operation that was
// already handed to a bundler.
func (op *UserOperation) Copy() *UserOperation {
	return &UserOperation{
		Sender:               op.Sender,
		Nonce:                copyInt(op.Nonce),
		InitCode:             common.CopyBytes(op.InitCode),
		CallData:             common.CopyBytes(op.CallData),
		CallGasLimit:         copyInt(op.CallGasLimit),
		VerificationGasLimit: copyInt(op.VerificationGasLimit),
		PreVerificationGas:   copyInt(op.PreVerificationGas),
		MaxFeePerGas:         copyInt(op.MaxFeePerGas),
		MaxPriorityFeePerGas: copyInt(op.MaxPriorityFeePerGas),
		PaymasterAndData:     common.CopyBytes(op.PaymasterAndData),
		Signature:            common.CopyBytes(op.Signature),
	}
}

// TotalGas is call + verification + pre-verification gas.
func (op *UserOperation) TotalGas() *big.Int {
	total := new(big.Int).Set(orZero(op.CallGasLimit))
	total.Add(total, orZero(op.VerificationGasLimit))
	return total.Add(total, orZero(op.PreVerificationGas))
}

// RequiredPrefund is the worst case the verifier charges: total gas at the max fee.
func (op *UserOperation) RequiredPrefund() *big.Int {
	return new(big.Int).Mul(op.TotalGas(), orZero(op.MaxFeePerGas))
}

// HasInitCode reports whether the operation deploys its sender.
func (op *UserOperation) HasInitCode() bool {
	return len(op.InitCode) > 0
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
