package aaengine

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/core/testutil"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
)

// fakeLogs returns the logs whose block falls in the queried range.
type fakeLogs struct {
	head    uint64
	logs    []types.Log
	query   ethereum.FilterQuery
	queries []ethereum.FilterQuery
}

func (f *fakeLogs) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeLogs) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.query = q
	f.queries = append(f.queries, q)
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func userOperationEventLog(t *testing.T, hash common.Hash, success bool) types.Log {
	return userOperationEventLogAt(t, hash, success, 990)
}

func userOperationEventLogAt(t *testing.T, hash common.Hash, success bool, block uint64) types.Log {
	t.Helper()
	uint256T, _ := abi.NewType("uint256", "", nil)
	boolT, _ := abi.NewType("bool", "", nil)
	args := abi.Arguments{{Type: uint256T}, {Type: boolT}, {Type: uint256T}, {Type: uint256T}}
	data, err := args.Pack(big.NewInt(7), success, big.NewInt(2_640_000_000_000_000), big.NewInt(120_000))
	require.NoError(t, err)

	return types.Log{
		Address: aa.EntrypointV06,
		Topics: []common.Hash{
			aa.UserOperationEventTopic(),
			hash,
			common.BytesToHash(testutil.SmartWalletAddress.Bytes()),
			common.BytesToHash(testPaymaster.Bytes()),
		},
		Data:        data,
		TxHash:      common.HexToHash("0xabc"),
		BlockNumber: block,
	}
}

func TestLogReceiptSource(t *testing.T) {
	hash := common.HexToHash("0x1234")
	client := &fakeLogs{head: 1000}
	src := NewLogReceiptSource(client, aa.EntrypointV06, 100)

	r, err := src.Lookup(context.Background(), hash, 0)
	require.NoError(t, err)
	assert.Nil(t, r, "nothing mined yet")
	assert.Equal(t, big.NewInt(900), client.query.FromBlock)
	assert.Equal(t, hash, client.query.Topics[1][0])

	client.logs = []types.Log{userOperationEventLog(t, hash, false)}
	r, err = src.Lookup(context.Background(), hash, 0)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.False(t, r.Success)
	assert.Equal(t, common.HexToHash("0xabc"), r.TxHash)
	assert.Equal(t, uint64(990), r.BlockNumber)
	assert.Equal(t, big.NewInt(120_000), r.GasUsed)
}

func TestLogReceiptSourceLookbackFromGenesis(t *testing.T) {
	client := &fakeLogs{head: 10}
	src := NewLogReceiptSource(client, aa.EntrypointV06, 100)

	_, err := src.Lookup(context.Background(), common.Hash{}, 0)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), client.query.FromBlock)
}

func TestLogReceiptSourceScansFromSubmissionBlock(t *testing.T) {
	hash := common.HexToHash("0x5678")
	client := &fakeLogs{
		head: 1400,
		logs: []types.Log{userOperationEventLogAt(t, hash, true, 1005)},
	}
	src := NewLogReceiptSource(client, aa.EntrypointV06, 200)

	// landed long before the last lookback window
	r, err := src.Lookup(context.Background(), hash, 0)
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = src.Lookup(context.Background(), hash, 1000)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.Success)
	assert.Equal(t, uint64(1005), r.BlockNumber)
	assert.Equal(t, big.NewInt(1000), client.query.FromBlock)
}

func TestLogReceiptSourceChunksLongRanges(t *testing.T) {
	hash := common.HexToHash("0x9abc")
	client := &fakeLogs{
		head: 1349,
		logs: []types.Log{userOperationEventLogAt(t, hash, true, 1320)},
	}
	src := NewLogReceiptSource(client, aa.EntrypointV06, 200)
	src.maxRange = 100

	r, err := src.Lookup(context.Background(), hash, 1000)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, uint64(1320), r.BlockNumber)

	require.Len(t, client.queries, 4)
	for i, q := range client.queries {
		assert.Equal(t, uint64(1000+100*i), q.FromBlock.Uint64())
		assert.LessOrEqual(t, q.ToBlock.Uint64()-q.FromBlock.Uint64(), uint64(99))
	}

	// nothing at all: every chunk up to head is scanned once
	client.queries = nil
	r, err = src.Lookup(context.Background(), common.HexToHash("0x01"), 1000)
	require.NoError(t, err)
	assert.Nil(t, r)
	require.Len(t, client.queries, 4)
	assert.Equal(t, uint64(1349), client.queries[3].ToBlock.Uint64())
}

type fakeReceiptGetter struct {
	receipt *bundler.UserOperationReceipt
	err     error
}

func (f *fakeReceiptGetter) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*bundler.UserOperationReceipt, error) {
	return f.receipt, f.err
}

func TestBundlerReceiptSource(t *testing.T) {
	getter := &fakeReceiptGetter{}
	src := NewBundlerReceiptSource(getter)

	r, err := src.Lookup(context.Background(), common.Hash{}, 0)
	require.NoError(t, err)
	assert.Nil(t, r)

	rec := &bundler.UserOperationReceipt{
		Success:       true,
		ActualGasUsed: (*hexutil.Big)(big.NewInt(99)),
	}
	rec.Receipt.TransactionHash = common.HexToHash("0xdef")
	rec.Receipt.BlockNumber = (*hexutil.Big)(big.NewInt(12))
	getter.receipt = rec

	r, err = src.Lookup(context.Background(), common.Hash{}, 0)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.Success)
	assert.Equal(t, uint64(12), r.BlockNumber)
	assert.Equal(t, big.NewInt(99), r.GasUsed)
	assert.Nil(t, r.ActualGasCost)
}

// flakySource fails every lookup until found is set.
type flakySource struct {
	lookups int
	found   int
}

func (f *flakySource) Lookup(ctx context.Context, userOpHash common.Hash, fromBlock uint64) (*Receipt, error) {
	f.lookups++
	if f.found > 0 && f.lookups >= f.found {
		return &Receipt{Success: true}, nil
	}
	return nil, errors.New("connection reset")
}

func TestWaiterTimesOutAfterMaxAttempts(t *testing.T) {
	src := &flakySource{}
	w := NewReceiptWaiter(src, 4, time.Millisecond, 2*time.Millisecond, nil)

	polls := 0
	r, err := w.Wait(context.Background(), common.Hash{}, 0, func() { polls++ })
	assert.Nil(t, r)
	assert.ErrorIs(t, err, ErrReceiptTimeout)
	assert.Equal(t, 4, src.lookups)
	assert.Equal(t, 4, polls)
}

func TestWaiterReturnsOnceFound(t *testing.T) {
	src := &flakySource{found: 3}
	w := NewReceiptWaiter(src, 10, time.Millisecond, time.Millisecond, nil)

	r, err := w.Wait(context.Background(), common.Hash{}, 0, nil)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, 3, src.lookups)
}

func TestWaiterStopsOnCancel(t *testing.T) {
	src := &flakySource{}
	w := NewReceiptWaiter(src, 100, time.Hour, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Wait(ctx, common.Hash{}, 0, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, src.lookups)
}
