package aaengine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-wallet/core/chainio/signer"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
)

// OperationSigner signs the operation hash with the account owner key and
// checks the result locally before anything reaches the network.
type OperationSigner struct {
	entrypoint common.Address
	chainID    *big.Int
}

func NewOperationSigner(entrypoint common.Address, chainID *big.Int) *OperationSigner {
	return &OperationSigner{entrypoint: entrypoint, chainID: chainID}
}

// Sign returns a signed copy of op and its hash. expected is the owner
// address the account contract will check against.
func (s *OperationSigner) Sign(ctx context.Context, op *userop.UserOperation, key signer.Signer, expected common.Address) (*userop.UserOperation, common.Hash, error) {
	signed := op.Copy()
	signed.Signature = nil

	hash, err := signed.GetUserOpHash(s.entrypoint, s.chainID)
	if err != nil {
		return nil, common.Hash{}, err
	}

	sig, err := key.SignHash(ctx, hash.Bytes())
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("sign user op: %w", err)
	}

	recovered, err := signer.RecoverAddress(hash.Bytes(), sig)
	if err != nil {
		return nil, common.Hash{}, newError(KindSignatureMismatch, err)
	}
	if recovered != expected {
		return nil, common.Hash{}, newError(KindSignatureMismatch,
			fmt.Errorf("%w: recovered %s, want %s", ErrSignatureMismatch, recovered.Hex(), expected.Hex()))
	}

	signed.Signature = sig
	return signed, hash, nil
}
