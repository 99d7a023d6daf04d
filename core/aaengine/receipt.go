package aaengine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

const pollBackoffFactor = 1.5

// Receipt is the settled outcome of one operation.
type Receipt struct {
	TxHash        common.Hash
	BlockNumber   uint64
	Success       bool
	GasUsed       *big.Int
	ActualGasCost *big.Int
}

// ReceiptSource looks up an operation once. fromBlock is the block the
// operation was submitted at, 0 when unknown. A nil receipt with a nil
// error means not mined yet.
type ReceiptSource interface {
	Lookup(ctx context.Context, userOpHash common.Hash, fromBlock uint64) (*Receipt, error)
}

// LogFilterer is the subset of ethclient.Client used to scan entrypoint logs.
type LogFilterer interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// DefaultLogRange bounds the block span of a single eth_getLogs call.
const DefaultLogRange = 2000

// LogReceiptSource finds the UserOperationEvent in entrypoint logs. It scans
// from the submission block to head in DefaultLogRange chunks, or the last
// lookback blocks when the submission block is unknown.
type LogReceiptSource struct {
	client     LogFilterer
	entrypoint common.Address
	lookback   uint64
	maxRange   uint64
}

func NewLogReceiptSource(client LogFilterer, entrypoint common.Address, lookback uint64) *LogReceiptSource {
	return &LogReceiptSource{client: client, entrypoint: entrypoint, lookback: lookback, maxRange: DefaultLogRange}
}

func (s *LogReceiptSource) Lookup(ctx context.Context, userOpHash common.Hash, fromBlock uint64) (*Receipt, error) {
	current, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current block: %w", err)
	}

	from := fromBlock
	if from == 0 && current > s.lookback {
		from = current - s.lookback
	}
	if from > current {
		return nil, nil
	}

	for start := from; start <= current; start += s.maxRange {
		end := start + s.maxRange - 1
		if end > current {
			end = current
		}
		logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{s.entrypoint},
			Topics:    [][]common.Hash{{aa.UserOperationEventTopic()}, {userOpHash}},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to filter logs %d-%d: %w", start, end, err)
		}
		if len(logs) == 0 {
			continue
		}

		ev, err := aa.ParseUserOperationEvent(logs[0])
		if err != nil {
			return nil, err
		}
		return &Receipt{
			TxHash:        ev.TxHash,
			BlockNumber:   ev.BlockNumber,
			Success:       ev.Success,
			GasUsed:       ev.ActualGasUsed,
			ActualGasCost: ev.ActualGasCost,
		}, nil
	}
	return nil, nil
}

// UserOperationReceiptGetter is satisfied by *bundler.BundlerClient.
type UserOperationReceiptGetter interface {
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*bundler.UserOperationReceipt, error)
}

// BundlerReceiptSource asks the bundler instead of scanning logs.
type BundlerReceiptSource struct {
	client UserOperationReceiptGetter
}

func NewBundlerReceiptSource(client UserOperationReceiptGetter) *BundlerReceiptSource {
	return &BundlerReceiptSource{client: client}
}

// Lookup ignores fromBlock; the bundler indexes by hash.
func (s *BundlerReceiptSource) Lookup(ctx context.Context, userOpHash common.Hash, fromBlock uint64) (*Receipt, error) {
	r, err := s.client.GetUserOperationReceipt(ctx, userOpHash)
	if err != nil || r == nil {
		return nil, err
	}

	out := &Receipt{
		TxHash:  r.Receipt.TransactionHash,
		Success: r.Success,
	}
	if r.Receipt.BlockNumber != nil {
		out.BlockNumber = r.Receipt.BlockNumber.ToInt().Uint64()
	}
	if r.ActualGasUsed != nil {
		out.GasUsed = r.ActualGasUsed.ToInt()
	}
	if r.ActualGasCost != nil {
		out.ActualGasCost = r.ActualGasCost.ToInt()
	}
	return out, nil
}

// ReceiptWaiter polls a source with bounded attempts and growing intervals.
type ReceiptWaiter struct {
	source          ReceiptSource
	maxAttempts     int
	pollInterval    time.Duration
	maxPollInterval time.Duration
	logger          logger.Logger
}

func NewReceiptWaiter(source ReceiptSource, maxAttempts int, pollInterval, maxPollInterval time.Duration, l logger.Logger) *ReceiptWaiter {
	if maxPollInterval < pollInterval {
		maxPollInterval = pollInterval
	}
	return &ReceiptWaiter{
		source:          source,
		maxAttempts:     maxAttempts,
		pollInterval:    pollInterval,
		maxPollInterval: maxPollInterval,
		logger:          logger.EnsureLogger(l),
	}
}

// Wait returns the receipt, success or revert, or ErrReceiptTimeout once
// maxAttempts polls found nothing. onPoll, when set, runs before every poll.
// Lookup errors count as an empty poll.
func (w *ReceiptWaiter) Wait(ctx context.Context, userOpHash common.Hash, fromBlock uint64, onPoll func()) (*Receipt, error) {
	interval := w.pollInterval

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if onPoll != nil {
			onPoll()
		}

		receipt, err := w.source.Lookup(ctx, userOpHash, fromBlock)
		if err != nil {
			w.logger.Warn("receipt poll failed", "user_op_hash", userOpHash.Hex(), "attempt", attempt, "error", err)
		}
		if receipt != nil {
			w.logger.Debug("receipt found", "user_op_hash", userOpHash.Hex(), "attempt", attempt, "tx", receipt.TxHash.Hex(), "success", receipt.Success)
			return receipt, nil
		}

		if attempt == w.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * pollBackoffFactor)
		if interval > w.maxPollInterval {
			interval = w.maxPollInterval
		}
	}

	return nil, ErrReceiptTimeout
}
