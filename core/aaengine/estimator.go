package aaengine

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/pkg/eip1559"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// ChainClient is what the engine reads from a network node.
// *ethclient.Client satisfies it.
type ChainClient interface {
	eip1559.FeeSource
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// GasLimits are the three gas fields of an operation.
type GasLimits struct {
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int

	// Fallback is set when simulation failed and the static default was used.
	Fallback error
}

// Fees is the 1559 fee pair of an operation.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

type GasEstimator struct {
	client     ChainClient
	entrypoint common.Address
	policy     config.GasPolicy
	logger     logger.Logger
}

func NewGasEstimator(client ChainClient, entrypoint common.Address, policy config.GasPolicy, l logger.Logger) *GasEstimator {
	return &GasEstimator{
		client:     client,
		entrypoint: entrypoint,
		policy:     policy,
		logger:     logger.EnsureLogger(l),
	}
}

// Estimate simulates the account call as the entrypoint would make it and
// pads the result by the policy buffer. It never fails: on simulation error
// the static default call gas is used and Fallback records why.
func (g *GasEstimator) Estimate(ctx context.Context, sender common.Address, callData, initCode []byte) GasLimits {
	limits := GasLimits{
		VerificationGasLimit: new(big.Int).Set(g.policy.DefaultVerificationGas),
		PreVerificationGas:   g.preVerificationGas(callData, initCode),
	}
	if len(initCode) > 0 {
		// the account has no code yet, so there is nothing to simulate against
		limits.VerificationGasLimit = new(big.Int).Set(g.policy.DeploymentVerificationGas)
		limits.CallGasLimit = new(big.Int).Set(g.policy.DefaultCallGas)
		return limits
	}

	gas, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From: g.entrypoint,
		To:   &sender,
		Data: callData,
	})
	if err != nil {
		g.logger.Warn("call gas simulation failed, using default", "sender", sender.Hex(), "default", g.policy.DefaultCallGas, "error", err)
		limits.CallGasLimit = new(big.Int).Set(g.policy.DefaultCallGas)
		limits.Fallback = newError(KindSimulationFailed, err)
		return limits
	}

	buffered := new(big.Int).SetUint64(gas)
	buffered.Mul(buffered, big.NewInt(100+g.policy.BufferPercent))
	buffered.Div(buffered, big.NewInt(100))
	limits.CallGasLimit = buffered
	return limits
}

// preVerificationGas is the policy base plus calldata cost (16 gas per
// non-zero byte, 4 per zero byte) scaled by the policy multiplier.
func (g *GasEstimator) preVerificationGas(callData, initCode []byte) *big.Int {
	var cost int64
	for _, data := range [][]byte{callData, initCode} {
		for _, b := range data {
			if b == 0 {
				cost += 4
			} else {
				cost += 16
			}
		}
	}

	scaled := decimal.NewFromInt(cost).Mul(g.policy.CallDataCostMultiplier).Ceil().BigInt()
	return scaled.Add(scaled, g.policy.DefaultPreVerificationGas)
}

// InitialFees suggests fees once per operation and applies the initial
// multiplier. Network errors fall back to the policy defaults.
func (g *GasEstimator) InitialFees(ctx context.Context) Fees {
	maxFee, tip, err := eip1559.SuggestFee(ctx, g.client)
	if err != nil {
		g.logger.Warn("fee suggestion failed, using policy defaults", "error", err)
		maxFee = g.policy.DefaultMaxFeePerGas
		tip = g.policy.DefaultMaxPriorityFeePerGas
	}

	return capPriority(Fees{
		MaxFeePerGas:         scale(maxFee, g.policy.InitialMultiplier),
		MaxPriorityFeePerGas: scale(tip, g.policy.InitialMultiplier),
	})
}

// Escalate returns initial × increment^attempt for both fees. attempt is the
// number of fee rejections so far; past MaxRetries it fails with
// ErrRetriesExhausted.
func (g *GasEstimator) Escalate(initial Fees, attempt int) (Fees, error) {
	if attempt > g.policy.MaxRetries {
		return Fees{}, ErrRetriesExhausted
	}
	factor := g.policy.Increment.Pow(decimal.NewFromInt(int64(attempt)))

	return capPriority(Fees{
		MaxFeePerGas:         scale(initial.MaxFeePerGas, factor),
		MaxPriorityFeePerGas: scale(initial.MaxPriorityFeePerGas, factor),
	}), nil
}

func (g *GasEstimator) Policy() config.GasPolicy {
	return g.policy
}

// scale multiplies wei by factor and truncates.
func scale(v *big.Int, factor decimal.Decimal) *big.Int {
	return decimal.NewFromBigInt(v, 0).Mul(factor).BigInt()
}

func capPriority(f Fees) Fees {
	if f.MaxPriorityFeePerGas.Cmp(f.MaxFeePerGas) > 0 {
		f.MaxPriorityFeePerGas = new(big.Int).Set(f.MaxFeePerGas)
	}
	return f
}
