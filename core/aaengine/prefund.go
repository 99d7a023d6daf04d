package aaengine

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-wallet/core/chainio/signer"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// DepositBackend is the verifier's deposit ledger. *aa.EntryPoint satisfies it.
type DepositBackend interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	DepositTo(ctx context.Context, funder signer.Signer, account common.Address, amount *big.Int) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// PrefundGuarantor tops up a sender's deposit from a backend funder.
type PrefundGuarantor struct {
	deposits DepositBackend
	funder   signer.Signer
	logger   logger.Logger
}

func NewPrefundGuarantor(deposits DepositBackend, funder signer.Signer, l logger.Logger) *PrefundGuarantor {
	return &PrefundGuarantor{
		deposits: deposits,
		funder:   funder,
		logger:   logger.EnsureLogger(l),
	}
}

// EnsurePrefund makes the sender's deposit cover op's worst case gas cost.
// A shortfall is deposited and mined before returning. The returned amount
// is what was deposited, zero when the balance was already enough.
func (p *PrefundGuarantor) EnsurePrefund(ctx context.Context, op *userop.UserOperation) (*big.Int, error) {
	required := op.RequiredPrefund()

	balance, err := p.deposits.BalanceOf(ctx, op.Sender)
	if err != nil {
		return nil, newError(KindTransportError, fmt.Errorf("read deposit of %s: %w", op.Sender.Hex(), err))
	}
	if balance.Cmp(required) >= 0 {
		return big.NewInt(0), nil
	}

	shortfall := new(big.Int).Sub(required, balance)
	p.logger.Info("topping up sender deposit",
		"sender", op.Sender.Hex(),
		"required", required,
		"balance", balance,
		"shortfall", shortfall,
		"funder", p.funder.Address().Hex())

	tx, err := p.deposits.DepositTo(ctx, p.funder, op.Sender, shortfall)
	if err != nil {
		return nil, newError(KindPrefundShortfall, fmt.Errorf("deposit %s for %s: %w", shortfall, op.Sender.Hex(), err))
	}

	receipt, err := p.deposits.WaitMined(ctx, tx)
	if err != nil {
		return nil, newError(KindPrefundShortfall, fmt.Errorf("wait deposit tx %s: %w", tx.Hash().Hex(), err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, newError(KindPrefundShortfall, errors.New("deposit tx "+tx.Hash().Hex()+" reverted"))
	}

	return shortfall, nil
}
