package aaengine

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/core/chainio/signer"
	"github.com/AvaProtocol/ap-wallet/core/testutil"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
)

func feeTooLow() error {
	return &bundler.RPCError{Code: -32602, Message: "maxFeePerGas must be at least 40000000000"}
}

func TestTransferConfirmed(t *testing.T) {
	h := newHarness(t)

	res, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.NoError(t, err)

	assert.Equal(t, StateConfirmed, res.State)
	require.NotNil(t, res.Receipt)
	assert.True(t, res.Receipt.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, testutil.SmartWalletAddress, res.Sender)

	assert.Equal(t, 1, h.db.sets, "gate set once")
	assert.Equal(t, 1, h.db.clears, "gate cleared once")

	flag, err := h.engine.Gate().Held(testUserID, Transfer)
	require.NoError(t, err)
	assert.Nil(t, flag)

	sent := h.bundler.Sent()
	require.Len(t, sent, 1)
	op := sent[0]
	assert.Equal(t, int64(7), op.Nonce.Int64())
	assert.Empty(t, op.InitCode)
	assert.Equal(t, int64(110_000), op.CallGasLimit.Int64())

	// the submitted operation carries a valid paymaster authorization and owner signature
	require.NoError(t, VerifyAuthorization(op.PaymasterAndData, h.paymaster.Address(), op.Sender, op.CallData, aa.EntrypointV06, big.NewInt(137), time.Now()))
	hash, err := op.GetUserOpHash(aa.EntrypointV06, big.NewInt(137))
	require.NoError(t, err)
	assert.Equal(t, hash, res.UserOpHash)
	recovered, err := signer.RecoverAddress(hash.Bytes(), op.Signature)
	require.NoError(t, err)
	assert.Equal(t, h.ownerKey.Address(), recovered)

	inner, err := aa.PackERC20Transfer(testRecipient, big.NewInt(50_000_000))
	require.NoError(t, err)
	want, err := aa.PackExecute(usdt.Address, big.NewInt(0), inner)
	require.NoError(t, err)
	assert.Equal(t, want, op.CallData)

	require.Len(t, h.notifier.events, 1)
	ev := h.notifier.events[0]
	assert.Equal(t, Transfer, ev.Kind)
	assert.Equal(t, testUserID, ev.UserID)
	assert.True(t, ev.Success)
	require.NotNil(t, ev.TxHash)
	assert.Equal(t, common.HexToHash("0xfeed"), *ev.TxHash)

	rec, err := h.engine.Operation(res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, string(StateConfirmed), rec.State)
	assert.Equal(t, "7", rec.Nonce)
}

func TestTransferInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	h.balances.amounts[usdt.Address] = big.NewInt(10_000_000)

	res, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.Error(t, err)
	assert.Equal(t, KindInsufficientBalance, KindOf(err))
	assert.Equal(t, StateFailed, res.State)

	assert.Empty(t, h.bundler.Sent())
	assert.Equal(t, 1, h.db.sets)
	assert.Equal(t, 1, h.db.clears)

	require.Len(t, h.notifier.events, 1)
	assert.False(t, h.notifier.events[0].Success)
	assert.Equal(t, KindInsufficientBalance, h.notifier.events[0].ErrorKind)
}

func TestFeeRejectionsEscalate(t *testing.T) {
	h := newHarness(t)
	h.bundler.responses = []error{feeTooLow(), feeTooLow(), feeTooLow()}

	res, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)
	assert.Equal(t, 4, res.Attempts)

	sent := h.bundler.Sent()
	require.Len(t, sent, 4)

	// tip 1 gwei is raised to the 2 gwei floor; max fee is 2 * 10 gwei base + tip
	initial := big.NewInt(22_000_000_000)
	assert.Equal(t, initial, sent[0].MaxFeePerGas)
	for i := 1; i < len(sent); i++ {
		assert.Equal(t, 1, sent[i].MaxFeePerGas.Cmp(sent[i-1].MaxFeePerGas), "attempt %d must pay more", i)
		assert.Equal(t, sent[0].Nonce, sent[i].Nonce)
		assert.NotEqual(t, sent[i-1].Signature, sent[i].Signature)
	}

	// 22 gwei * 1.2^3
	assert.Equal(t, big.NewInt(38_016_000_000), sent[3].MaxFeePerGas)
	assert.Equal(t, big.NewInt(3_456_000_000), sent[3].MaxPriorityFeePerGas)
	assert.Equal(t, sent[3].MaxFeePerGas, res.Fees.MaxFeePerGas)
}

func TestFeeRejectionsExhaustRetries(t *testing.T) {
	policy := testPolicy()
	policy.MaxRetries = 2
	h := newHarness(t, withPolicy(policy))
	h.bundler.responses = []error{feeTooLow(), feeTooLow(), feeTooLow(), feeTooLow()}

	res, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.Error(t, err)
	assert.Equal(t, KindBundlerRejectedFee, KindOf(err))
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateRejected, res.State)
	assert.Len(t, h.bundler.Sent(), 3)
	assert.Equal(t, 1, h.db.clears)

	ee := err.(*EngineError)
	assert.Equal(t, 3, ee.Attempt)
	require.NotNil(t, ee.Gas)
	assert.NotNil(t, ee.Gas.MaxFeePerGas)
}

func TestNonFeeRejectionIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.bundler.responses = []error{&bundler.RPCError{
		Code:    -32500,
		Message: "AA23 reverted (or OOG)",
		Data:    map[string]interface{}{"reason": "AA23 reverted"},
	}}

	res, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.Error(t, err)
	assert.Equal(t, KindBundlerRejectedOther, KindOf(err))
	assert.Equal(t, StateRejected, res.State)
	assert.Len(t, h.bundler.Sent(), 1)

	ee := err.(*EngineError)
	assert.Equal(t, map[string]interface{}{"reason": "AA23 reverted"}, ee.BundlerPayload)
}

func TestRejectionWithoutDataHasNoPayload(t *testing.T) {
	h := newHarness(t)
	h.bundler.responses = []error{&bundler.RPCError{Code: -32602, Message: "invalid userop: unknown entrypoint"}}

	_, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.Error(t, err)
	assert.Equal(t, KindBundlerRejectedOther, KindOf(err))
	assert.Nil(t, err.(*EngineError).BundlerPayload)
}

func TestTransportErrorIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.bundler.responses = []error{&bundler.TransportError{Method: "eth_sendUserOperation", Status: 503}}

	_, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.Error(t, err)
	assert.Equal(t, KindTransportError, KindOf(err))
	assert.Equal(t, 1, h.db.clears)
}

func TestReceiptTimeoutKeepsGateUntilSwept(t *testing.T) {
	h := newHarness(t)
	h.receipts.set(-1, false)

	res, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.Error(t, err)
	assert.Equal(t, KindReceiptTimeout, KindOf(err))
	assert.ErrorIs(t, err, ErrReceiptTimeout)
	assert.Equal(t, StateTimedOut, res.State)
	assert.Equal(t, 0, h.db.clears)

	flag, err := h.engine.Gate().Held(testUserID, Transfer)
	require.NoError(t, err)
	require.NotNil(t, flag)
	assert.Equal(t, res.OperationID, flag.OperationID)

	// a second transfer is refused while the first may still land
	_, err = h.engine.Execute(context.Background(), transferRequest("1"))
	assert.Equal(t, KindConcurrencyConflict, KindOf(err))

	gate := h.engine.Gate()
	gate.now = func() time.Time { return time.Now().Add(29 * time.Minute) }
	n, err := gate.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	gate.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	n, err = gate.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	flag, err = gate.Held(testUserID, Transfer)
	require.NoError(t, err)
	assert.Nil(t, flag)
}

func TestReconcileFinishesTimedOutOperation(t *testing.T) {
	h := newHarness(t)
	h.receipts.set(-1, false)

	res, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.Error(t, err)

	pending, err := h.engine.PendingOperations()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.OperationID, pending[0].ID)

	h.receipts.set(0, true)
	rec, err := h.engine.Reconcile(context.Background(), res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, rec.State)
	assert.Equal(t, 1, h.db.clears)

	pending, err = h.engine.PendingOperations()
	require.NoError(t, err)
	assert.Empty(t, pending)

	// the timeout and the confirmation are both reported
	require.Len(t, h.notifier.events, 2)
	assert.Equal(t, StateTimedOut, h.notifier.events[0].State)
	assert.True(t, h.notifier.events[1].Success)
}

func TestRevertedReceiptReleasesGate(t *testing.T) {
	h := newHarness(t)
	h.receipts.set(0, false)

	res, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.NoError(t, err)
	assert.Equal(t, StateReverted, res.State)
	assert.False(t, res.Receipt.Success)
	assert.Equal(t, 1, h.db.clears)
	assert.False(t, h.notifier.events[0].Success)
}

func TestWrongOwnerKeyNeverReachesBundler(t *testing.T) {
	wrong := signer.NewPrivateKeySigner(testutil.MustKey(testutil.FunderKeyHex))
	h := newHarness(t, withOwnerKey(wrong))

	res, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.Error(t, err)
	assert.Equal(t, KindSignatureMismatch, KindOf(err))
	assert.ErrorIs(t, err, ErrSignatureMismatch)
	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, h.bundler.Sent())
	assert.Equal(t, 1, h.db.clears)
}

func TestInvalidInputSkipsNetworkAndGate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"bad phone", Request{UserID: "alice", Network: "polygon", Kind: Transfer, Token: "usdt", Recipient: testRecipient.Hex(), Amount: "1"}},
		{"bad recipient", Request{UserID: testUserID, Network: "polygon", Kind: Transfer, Token: "usdt", Recipient: "0x123", Amount: "1"}},
		{"bad amount", Request{UserID: testUserID, Network: "polygon", Kind: Transfer, Token: "usdt", Recipient: testRecipient.Hex(), Amount: "ten"}},
		{"too precise", Request{UserID: testUserID, Network: "polygon", Kind: Transfer, Token: "usdt", Recipient: testRecipient.Hex(), Amount: "0.0000001"}},
		{"unknown token", Request{UserID: testUserID, Network: "polygon", Kind: Transfer, Token: "doge", Recipient: testRecipient.Hex(), Amount: "1"}},
		{"unknown kind", Request{UserID: testUserID, Network: "polygon", Kind: "bridge"}},
		{"wrong network", Request{UserID: testUserID, Network: "scroll", Kind: Transfer, Token: "usdt", Recipient: testRecipient.Hex(), Amount: "1"}},
		{"unknown user", Request{UserID: "+14155550199", Network: "polygon", Kind: Mint, TokenURI: "ipfs://x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res, err := h.engine.Execute(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, KindInvalidInput, KindOf(err))
			assert.Nil(t, res)
			assert.Equal(t, 0, h.chain.calls)
			assert.Equal(t, 0, h.balances.calls)
			assert.Equal(t, 0, h.db.sets)
		})
	}
}

func TestUndeployedSenderGetsInitCode(t *testing.T) {
	h := newHarness(t)
	h.chain.code = nil

	res, err := h.engine.Execute(context.Background(), Request{
		UserID:   testUserID,
		Network:  "polygon",
		Kind:     Mint,
		TokenURI: "ipfs://bafy/1.json",
	})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)

	sent := h.bundler.Sent()
	require.Len(t, sent, 1)
	wantInit, err := aa.GetInitCode(aa.DefaultFactory, h.ownerKey.Address(), big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, wantInit, sent[0].InitCode)
	assert.Equal(t, testPolicy().DeploymentVerificationGas, sent[0].VerificationGasLimit)
	assert.Equal(t, testPolicy().DefaultCallGas, sent[0].CallGasLimit)
	assert.Equal(t, 0, h.balances.calls, "mint spends nothing")

	// confirmed deployment is remembered
	w, err := h.engine.resolver.Resolve(context.Background(), testUserID, h.ownerKey.Address())
	require.NoError(t, err)
	assert.True(t, w.Deployed)
}

func TestPrefundShortfallIsToppedUpBeforeSubmission(t *testing.T) {
	h := newHarness(t)
	h.deposits.balance = big.NewInt(1_000)

	res, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)

	require.Len(t, h.deposits.deposits, 1)
	op := h.bundler.Sent()[0]
	want := new(big.Int).Sub(op.RequiredPrefund(), big.NewInt(1_000))
	assert.Equal(t, want, h.deposits.deposits[0])
}

func TestFailedTopUpIsPrefundShortfall(t *testing.T) {
	h := newHarness(t)
	h.deposits.balance = big.NewInt(0)
	h.deposits.status = 0

	_, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.Error(t, err)
	assert.Equal(t, KindPrefundShortfall, KindOf(err))
	assert.Empty(t, h.bundler.Sent())
}

func TestSimulationFailureFallsBackToDefaultGas(t *testing.T) {
	h := newHarness(t)
	h.chain.estimateErr = assert.AnError

	res, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)
	assert.Equal(t, testPolicy().DefaultCallGas, h.bundler.Sent()[0].CallGasLimit)
}

func TestSwapBatchesApproveAndSwap(t *testing.T) {
	h := newHarness(t)

	res, err := h.engine.Execute(context.Background(), Request{
		UserID:       testUserID,
		Network:      "polygon",
		Kind:         Swap,
		Token:        "usdt",
		TokenOut:     "usdc",
		Amount:       "20",
		MinAmountOut: "19.5",
	})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)

	callData := h.bundler.Sent()[0].CallData
	selector, err := aa.PackExecuteBatch([]common.Address{}, [][]byte{})
	require.NoError(t, err)
	assert.Equal(t, selector[:4], callData[:4])
}

func TestNonceAdvancesAcrossOperations(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Execute(context.Background(), transferRequest("10"))
	require.NoError(t, err)
	_, err = h.engine.Execute(context.Background(), transferRequest("10"))
	require.NoError(t, err)

	sent := h.bundler.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, int64(7), sent[0].Nonce.Int64())
	assert.Equal(t, int64(8), sent[1].Nonce.Int64())
}

func TestWalletResolvesConfiguredUser(t *testing.T) {
	h := newHarness(t)

	w, err := h.engine.Wallet(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, testutil.SmartWalletAddress, *w.Address)
	assert.Equal(t, h.ownerKey.Address(), *w.Owner)

	_, err = h.engine.Wallet(context.Background(), "+14155550199")
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestReconcileLetsAbandonedGateAge(t *testing.T) {
	h := newHarness(t)
	h.receipts.set(-1, false)

	res, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.Error(t, err)
	require.Equal(t, KindReceiptTimeout, KindOf(err))
	touches := h.db.touches

	// the daemon reconciles once a minute; the flag must still go stale
	gate := h.engine.Gate()
	start := time.Now()
	clearedAt := 0
	for minute := 1; minute <= 40 && clearedAt == 0; minute++ {
		tick := start.Add(time.Duration(minute) * time.Minute)
		gate.now = func() time.Time { return tick }

		_, err := h.engine.Reconcile(context.Background(), res.OperationID)
		assert.Equal(t, KindReceiptTimeout, KindOf(err))

		n, err := gate.Sweep()
		require.NoError(t, err)
		if n == 1 {
			clearedAt = minute
		}
	}

	assert.Equal(t, touches, h.db.touches, "reconcile must not touch the flag")
	require.NotZero(t, clearedAt, "flag still held after 40 minutes of reconcile ticks")
	assert.GreaterOrEqual(t, clearedAt, 30)
	assert.LessOrEqual(t, clearedAt, 31)

	flag, err := gate.Held(testUserID, Transfer)
	require.NoError(t, err)
	assert.Nil(t, flag)

	// a late receipt still finalizes the record without a flag to release
	h.receipts.set(0, true)
	rec, err := h.engine.Reconcile(context.Background(), res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, rec.State)
}

func TestConcurrentKindsGetDistinctNonces(t *testing.T) {
	h := newHarness(t)

	reqs := []Request{
		transferRequest("10"),
		{UserID: testUserID, Network: "polygon", Kind: Mint, TokenURI: "ipfs://bafy/2.json"},
	}
	errs := make([]error, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			_, errs[i] = h.engine.Execute(context.Background(), req)
		}(i, req)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	sent := h.bundler.Sent()
	require.Len(t, sent, 2)
	assert.ElementsMatch(t, []int64{7, 8}, []int64{sent[0].Nonce.Int64(), sent[1].Nonce.Int64()})
}

func TestFailureBeforeSubmissionReturnsNonce(t *testing.T) {
	h := newHarness(t)
	h.deposits.balance = big.NewInt(0)
	h.deposits.status = 0

	_, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.Equal(t, KindPrefundShortfall, KindOf(err))

	h.deposits.status = 1
	_, err = h.engine.Execute(context.Background(), transferRequest("50"))
	require.NoError(t, err)

	sent := h.bundler.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(7), sent[0].Nonce.Int64(), "the failed operation's nonce is reused")
}

func TestReconcileScansFromSubmissionBlock(t *testing.T) {
	h := newHarness(t)
	h.receipts.set(-1, false)

	res, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.Error(t, err)

	rec, err := h.engine.Operation(res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000), rec.SubmittedBlock)
	for _, from := range h.receipts.fromBlocks() {
		assert.Equal(t, uint64(5_000), from)
	}

	// hundreds of blocks later the lookup still starts at submission
	h.chain.head = 5_400
	h.receipts.set(0, true)
	got, err := h.engine.Reconcile(context.Background(), res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, got.State)
	assert.Equal(t, []uint64{5_000}, h.receipts.fromBlocks())
}

func TestPaymasterSigningFailureIsTransportError(t *testing.T) {
	h := newHarness(t, withPaymasterSigner(unreachableSigner{address: testPaymaster}))

	res, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.Error(t, err)
	assert.Equal(t, KindTransportError, KindOf(err))
	assert.NotErrorIs(t, err, ErrSignatureMismatch)
	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, h.bundler.Sent())
	assert.Equal(t, 1, h.db.clears)
}

func TestBundlerHashMismatchIsRecorded(t *testing.T) {
	h := newHarness(t)
	other := common.HexToHash("0xdeadbeef")
	h.bundler.hash = other

	res, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)

	local, err := h.bundler.Sent()[0].GetUserOpHash(aa.EntrypointV06, big.NewInt(137))
	require.NoError(t, err)
	assert.Equal(t, local, res.UserOpHash)

	rec, err := h.engine.Operation(res.OperationID)
	require.NoError(t, err)
	require.NotNil(t, rec.BundlerUserOpHash)
	assert.Equal(t, other, *rec.BundlerUserOpHash)
}

func TestMatchingBundlerHashIsNotRecorded(t *testing.T) {
	h := newHarness(t)

	res, err := h.engine.Execute(context.Background(), transferRequest("50"))
	require.NoError(t, err)

	rec, err := h.engine.Operation(res.OperationID)
	require.NoError(t, err)
	assert.Nil(t, rec.BundlerUserOpHash)
}
