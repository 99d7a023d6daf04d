package aa

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-wallet/core/chainio/signer"
)

// Backend is what the entrypoint binding needs from an RPC client.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// EntryPoint wraps the verifier contract.
type EntryPoint struct {
	address  common.Address
	chainID  *big.Int
	backend  Backend
	contract *bind.BoundContract
}

func NewEntryPoint(address common.Address, chainID *big.Int, backend Backend) *EntryPoint {
	return &EntryPoint{
		address:  address,
		chainID:  chainID,
		backend:  backend,
		contract: bind.NewBoundContract(address, entryPointABI, backend, backend, backend),
	}
}

func (e *EntryPoint) Address() common.Address {
	return e.address
}

// GetNonce reads the sender's nonce for the given key (0 for the default sequence).
func (e *EntryPoint) GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
	if key == nil {
		key = big.NewInt(0)
	}
	var out []interface{}
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getNonce", sender, key); err != nil {
		return nil, fmt.Errorf("getNonce: %w", err)
	}
	return out[0].(*big.Int), nil
}

// BalanceOf is the account's deposit held by the verifier.
func (e *EntryPoint) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	var out []interface{}
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account); err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	return out[0].(*big.Int), nil
}

// DepositTo sends amount from the funder into account's deposit.
func (e *EntryPoint) DepositTo(ctx context.Context, funder signer.Signer, account common.Address, amount *big.Int) (*types.Transaction, error) {
	opts := signer.TransactOpts(ctx, funder, e.chainID)
	opts.Value = amount
	return e.contract.Transact(opts, "depositTo", account)
}

// WaitMined blocks until tx has a receipt.
func (e *EntryPoint) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return bind.WaitMined(ctx, e.backend, tx)
}

// UserOperationEvent is emitted once per included operation, success or not.
type UserOperationEvent struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	TxHash        common.Hash
	BlockNumber   uint64
}

// UserOperationEventTopic is topic0 of UserOperationEvent.
func UserOperationEventTopic() common.Hash {
	return entryPointABI.Events["UserOperationEvent"].ID
}

// ParseUserOperationEvent decodes a raw log of UserOperationEvent.
func ParseUserOperationEvent(log types.Log) (*UserOperationEvent, error) {
	if len(log.Topics) != 4 || log.Topics[0] != UserOperationEventTopic() {
		return nil, fmt.Errorf("log is not a UserOperationEvent")
	}

	values, err := entryPointABI.Unpack("UserOperationEvent", log.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack UserOperationEvent: %w", err)
	}

	return &UserOperationEvent{
		UserOpHash:    log.Topics[1],
		Sender:        common.BytesToAddress(log.Topics[2].Bytes()),
		Paymaster:     common.BytesToAddress(log.Topics[3].Bytes()),
		Nonce:         values[0].(*big.Int),
		Success:       values[1].(bool),
		ActualGasCost: values[2].(*big.Int),
		ActualGasUsed: values[3].(*big.Int),
		TxHash:        log.TxHash,
		BlockNumber:   log.BlockNumber,
	}, nil
}
