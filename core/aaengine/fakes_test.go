package aaengine

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/core/chainio/signer"
	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/core/testutil"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-wallet/storage"
)

const testUserID = "+14155550100"

var (
	usdt = config.Token{Symbol: "usdt", Address: common.HexToAddress("0xc2132D05D31c914a87C6611C10748AEb04B58e8F"), Decimals: 6}
	usdc = config.Token{Symbol: "usdc", Address: common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"), Decimals: 6}

	testPaymaster = common.HexToAddress("0xB985af5f96EF2722DC99aEBA573520903B86505e")
	testRouter    = common.HexToAddress("0xa5E0829CaCEd8fFDD4De3c43696c57F7D7A678ff")
	testNFT       = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	testRecipient = common.HexToAddress("0x000000000000000000000000000000000000beef")
)

func testPolicy() config.GasPolicy {
	p := config.DefaultGasPolicy()
	p.RetryDelay = time.Millisecond
	return p
}

func testChainConfig() *config.ChainConfig {
	return &config.ChainConfig{
		Name:        "polygon",
		ChainID:     big.NewInt(137),
		Entrypoint:  aa.EntrypointV06,
		Factory:     aa.DefaultFactory,
		Paymaster:   testPaymaster,
		SwapRouter:  testRouter,
		NFTContract: testNFT,
		Tokens:      map[string]config.Token{"usdt": usdt, "usdc": usdc},
		Policies:    map[string]config.GasPolicy{"default": testPolicy()},
	}
}

// fakeChain is a node with a fixed fee market.
type fakeChain struct {
	mu          sync.Mutex
	tip         *big.Int
	baseFee     *big.Int
	code        []byte
	gas         uint64
	estimateErr error
	calls       int
	head        uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		tip:     big.NewInt(1_000_000_000),
		baseFee: big.NewInt(10_000_000_000),
		code:    []byte{0x60, 0x80},
		gas:     100_000,
		head:    5_000,
	}
}

func (f *fakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return f.tip, nil
}

func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: f.baseFee}, nil
}

func (f *fakeChain) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.code, nil
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.gas, f.estimateErr
}

type fakeNonces struct {
	nonce *big.Int
}

func (f *fakeNonces) GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
	return f.nonce, nil
}

type fakeDeposits struct {
	mu       sync.Mutex
	balance  *big.Int
	deposits []*big.Int
	status   uint64
}

func (f *fakeDeposits) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeDeposits) DepositTo(ctx context.Context, funder signer.Signer, account common.Address, amount *big.Int) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deposits = append(f.deposits, new(big.Int).Set(amount))
	if f.status == types.ReceiptStatusSuccessful {
		f.balance = new(big.Int).Add(f.balance, amount)
	}
	return types.NewTx(&types.LegacyTx{Nonce: uint64(len(f.deposits)), Value: amount}), nil
}

func (f *fakeDeposits) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return &types.Receipt{Status: f.status, TxHash: tx.Hash()}, nil
}

// fakeBundler returns the queued errors in order, then accepts. A non-zero
// hash is answered instead of the operation's own hash.
type fakeBundler struct {
	mu        sync.Mutex
	responses []error
	sent      []*userop.UserOperation
	hash      common.Hash
}

func (f *fakeBundler) SendUserOperation(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, op.Copy())
	if len(f.responses) > 0 {
		err := f.responses[0]
		f.responses = f.responses[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	if f.hash != (common.Hash{}) {
		return f.hash, nil
	}
	h, _ := op.GetUserOpHash(entrypoint, big.NewInt(137))
	return h, nil
}

func (f *fakeBundler) Sent() []*userop.UserOperation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*userop.UserOperation(nil), f.sent...)
}

type fakeBalances struct {
	mu      sync.Mutex
	amounts map[common.Address]*big.Int
	calls   int
}

func (f *fakeBalances) FreshBalance(ctx context.Context, token config.Token, holder common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if v, ok := f.amounts[token.Address]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}

type fakeFactory struct{}

func (fakeFactory) Address() common.Address { return aa.DefaultFactory }

func (fakeFactory) GetAddress(ctx context.Context, owner common.Address, salt *big.Int) (common.Address, error) {
	return testutil.SmartWalletAddress, nil
}

// fakeReceipts reports nothing for the first `after` lookups, then the receipt.
// A negative after never finds anything.
type fakeReceipts struct {
	mu      sync.Mutex
	after   int
	success bool
	lookups int
	from    []uint64
}

func (f *fakeReceipts) Lookup(ctx context.Context, userOpHash common.Hash, fromBlock uint64) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	f.from = append(f.from, fromBlock)
	if f.after < 0 || f.lookups <= f.after {
		return nil, nil
	}
	return &Receipt{
		TxHash:      common.HexToHash("0xfeed"),
		BlockNumber: 42,
		Success:     f.success,
		GasUsed:     big.NewInt(120_000),
	}, nil
}

func (f *fakeReceipts) set(after int, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after, f.success, f.lookups, f.from = after, success, 0, nil
}

func (f *fakeReceipts) fromBlocks() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.from...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(ctx context.Context, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

// gateRecorder counts gate flag creations and removals.
type gateRecorder struct {
	storage.Storage

	mu      sync.Mutex
	sets    int
	clears  int
	touches int
}

func (r *gateRecorder) SetIfAbsent(key, value []byte) (bool, error) {
	ok, err := r.Storage.SetIfAbsent(key, value)
	if ok && bytes.HasPrefix(key, []byte(GatePrefix)) {
		r.mu.Lock()
		r.sets++
		r.mu.Unlock()
	}
	return ok, err
}

func (r *gateRecorder) ReplaceIf(key, expected, value []byte) (bool, error) {
	ok, err := r.Storage.ReplaceIf(key, expected, value)
	if ok && bytes.HasPrefix(key, []byte(GatePrefix)) {
		r.mu.Lock()
		if value == nil {
			r.clears++
		} else {
			r.touches++
		}
		r.mu.Unlock()
	}
	return ok, err
}

type harness struct {
	engine    *Engine
	chain     *fakeChain
	deposits  *fakeDeposits
	bundler   *fakeBundler
	balances  *fakeBalances
	receipts  *fakeReceipts
	notifier  *recordingNotifier
	db        *gateRecorder
	ownerKey  signer.Signer
	paymaster signer.Signer
}

type harnessOption func(*Deps, *harness)

func withOwnerKey(s signer.Signer) harnessOption {
	return func(d *Deps, h *harness) {
		keys := signer.NewKeyring()
		keys.Add(testUserID, s)
		d.Keys = keys
	}
}

func withPaymasterSigner(s signer.Signer) harnessOption {
	return func(d *Deps, h *harness) {
		d.PaymasterSigner = s
	}
}

// unreachableSigner stands in for a remote signer that cannot be reached.
type unreachableSigner struct {
	address common.Address
}

func (s unreachableSigner) Address() common.Address { return s.address }

func (s unreachableSigner) SignHash(ctx context.Context, digest []byte) ([]byte, error) {
	return nil, errors.New("signer unreachable: connection refused")
}

func withPolicy(p config.GasPolicy) harnessOption {
	return func(d *Deps, h *harness) {
		d.Chain.Policies["default"] = p
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	db := testutil.TestMustDB()
	t.Cleanup(func() { storage.Destroy(db) })

	owner := signer.NewPrivateKeySigner(testutil.MustKey(testutil.OwnerKeyHex))
	paymaster := signer.NewPrivateKeySigner(testutil.MustKey(testutil.PaymasterKeyHex))
	funder := signer.NewPrivateKeySigner(testutil.MustKey(testutil.FunderKeyHex))

	h := &harness{
		chain:    newFakeChain(),
		deposits: &fakeDeposits{balance: decimal.New(1, 18).BigInt(), status: types.ReceiptStatusSuccessful},
		bundler:  &fakeBundler{},
		balances: &fakeBalances{amounts: map[common.Address]*big.Int{
			usdt.Address: big.NewInt(100_000_000),
		}},
		receipts:  &fakeReceipts{success: true},
		notifier:  &recordingNotifier{},
		db:        &gateRecorder{Storage: db},
		ownerKey:  owner,
		paymaster: paymaster,
	}

	keys := signer.NewKeyring()
	keys.Add(testUserID, owner)

	d := Deps{
		Chain:    testChainConfig(),
		Client:   h.chain,
		Nonces:   &fakeNonces{nonce: big.NewInt(7)},
		Deposits: h.deposits,
		Bundler:  h.bundler,
		Balances: h.balances,
		Factory:  fakeFactory{},
		Receipts: h.receipts,
		Users: StaticDirectory{
			testUserID: &model.User{ID: testUserID, Owner: owner.Address()},
		},
		Keys: keys,

		PaymasterSigner: paymaster,
		Funder:          funder,

		DB:       h.db,
		Notifier: h.notifier,

		Gate: config.GateConfig{StalenessThreshold: 30 * time.Minute},
		Receipt: config.ReceiptConfig{
			MaxAttempts:     5,
			PollInterval:    time.Millisecond,
			MaxPollInterval: 2 * time.Millisecond,
		},
	}
	for _, o := range opts {
		o(&d, h)
	}

	h.engine = New(d)
	return h
}

func transferRequest(amount string) Request {
	return Request{
		UserID:    testUserID,
		Network:   "polygon",
		Kind:      Transfer,
		Token:     "usdt",
		Recipient: testRecipient.Hex(),
		Amount:    amount,
	}
}
