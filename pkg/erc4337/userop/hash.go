package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	addressT, _ = abi.NewType("address", "", nil)
	uint256T, _ = abi.NewType("uint256", "", nil)
	bytes32T, _ = abi.NewType("bytes32", "", nil)

	// sender, nonce, keccak(initCode), keccak(callData), callGas, verificationGas,
	// preVerificationGas, maxFee, maxPriorityFee, keccak(paymasterAndData)
	structArgs = abi.Arguments{
		{Name: "sender", Type: addressT},
		{Name: "nonce", Type: uint256T},
		{Name: "hashInitCode", Type: bytes32T},
		{Name: "hashCallData", Type: bytes32T},
		{Name: "callGasLimit", Type: uint256T},
		{Name: "verificationGasLimit", Type: uint256T},
		{Name: "preVerificationGas", Type: uint256T},
		{Name: "maxFeePerGas", Type: uint256T},
		{Name: "maxPriorityFeePerGas", Type: uint256T},
		{Name: "hashPaymasterAndData", Type: bytes32T},
	}

	opHashArgs = abi.Arguments{
		{Name: "structHash", Type: bytes32T},
		{Name: "entryPoint", Type: addressT},
		{Name: "chainId", Type: uint256T},
	}
)

// PackForSignature is the ABI encoding of the operation without its signature.
// Dynamic fields are replaced by their keccak digest.
func (op *UserOperation) PackForSignature() ([]byte, error) {
	return structArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
}

// StructHash is keccak256 of PackForSignature.
func (op *UserOperation) StructHash() (common.Hash, error) {
	packed, err := op.PackForSignature()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// GetUserOpHash binds the operation to one verifier contract and one chain.
// The result is what the account owner signs.
func (op *UserOperation) GetUserOpHash(entrypoint common.Address, chainID *big.Int) (common.Hash, error) {
	structHash, err := op.StructHash()
	if err != nil {
		return common.Hash{}, err
	}
	encoded, err := opHashArgs.Pack(structHash, entrypoint, orZero(chainID))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}
