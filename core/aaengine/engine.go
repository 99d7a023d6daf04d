// Package aaengine turns a user intent into a sponsored, signed ERC-4337
// user operation, submits it to a bundler and follows it to settlement.
package aaengine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/core/chainio/signer"
	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/metrics"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
	"github.com/AvaProtocol/ap-wallet/storage"
)

const (
	// OperationPrefix is the storage prefix of operation records.
	OperationPrefix = "op:"

	swapDeadline = 20 * time.Minute
)

// NonceSource reads the verifier's nonce. *aa.EntryPoint satisfies it.
type NonceSource interface {
	GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error)
}

// Bundler submits operations. *bundler.BundlerClient satisfies it.
type Bundler interface {
	SendUserOperation(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (common.Hash, error)
}

// BalanceReader reads balances without caching. *services.BalanceService satisfies it.
type BalanceReader interface {
	FreshBalance(ctx context.Context, token config.Token, holder common.Address) (*big.Int, error)
}

// Deps are the collaborators of an Engine on one network.
type Deps struct {
	Chain    *config.ChainConfig
	Client   ChainClient
	Nonces   NonceSource
	Deposits DepositBackend
	Bundler  Bundler
	Balances BalanceReader
	Factory  AddressDeriver
	Receipts ReceiptSource
	Users    UserDirectory
	Keys     KeyProvider

	PaymasterSigner signer.Signer
	Funder          signer.Signer

	DB       storage.Storage
	Notifier Notifier
	Metrics  metrics.MetricsGenerator
	Logger   logger.Logger

	PaymasterValidity time.Duration
	Gate              config.GateConfig
	Receipt           config.ReceiptConfig
}

type Engine struct {
	chain    *config.ChainConfig
	client   ChainClient
	nonces   NonceSource
	bundler  Bundler
	balances BalanceReader
	users    UserDirectory
	keys     KeyProvider

	nonceManager *bundler.NonceManager
	resolver     *WalletResolver
	gate         *ConcurrencyGate
	prefund      *PrefundGuarantor
	paymaster    *PaymasterAuthorizer
	paymasterKey common.Address
	opSigner     *OperationSigner
	waiter       *ReceiptWaiter

	db       storage.Storage
	notifier Notifier
	metrics  metrics.MetricsGenerator
	logger   logger.Logger

	now func() time.Time
}

func New(d Deps) *Engine {
	l := logger.EnsureLogger(d.Logger)
	if d.Notifier == nil {
		d.Notifier = noopNotifier{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NoopMetrics{}
	}
	if d.PaymasterValidity <= 0 {
		d.PaymasterValidity = config.DefaultPaymasterValidity
	}
	if d.Gate.StalenessThreshold <= 0 {
		d.Gate.StalenessThreshold = config.DefaultStalenessThreshold
	}
	if d.Receipt.MaxAttempts <= 0 {
		d.Receipt.MaxAttempts = config.DefaultReceiptAttempts
	}
	if d.Receipt.PollInterval <= 0 {
		d.Receipt.PollInterval = config.DefaultPollInterval
	}

	chain := d.Chain
	return &Engine{
		chain:    chain,
		client:   d.Client,
		nonces:   d.Nonces,
		bundler:  d.Bundler,
		balances: d.Balances,
		users:    d.Users,
		keys:     d.Keys,

		nonceManager: bundler.NewNonceManager(l),
		resolver:     NewWalletResolver(d.DB, d.Factory, chain.Name, l),
		gate:         NewConcurrencyGate(d.DB, d.Gate.StalenessThreshold, l),
		prefund:      NewPrefundGuarantor(d.Deposits, d.Funder, l),
		paymaster:    NewPaymasterAuthorizer(chain.Paymaster, d.PaymasterSigner, chain.Entrypoint, chain.ChainID, d.PaymasterValidity),
		paymasterKey: d.PaymasterSigner.Address(),
		opSigner:     NewOperationSigner(chain.Entrypoint, chain.ChainID),
		waiter:       NewReceiptWaiter(d.Receipts, d.Receipt.MaxAttempts, d.Receipt.PollInterval, d.Receipt.MaxPollInterval, l),

		db:       d.DB,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		logger:   l,

		now: time.Now,
	}
}

// Gate exposes the engine's concurrency gate, e.g. for a sweeper.
func (e *Engine) Gate() *ConcurrencyGate {
	return e.gate
}

// Result describes where an operation ended up.
type Result struct {
	OperationID string
	State       State
	Sender      common.Address
	UserOpHash  common.Hash
	Receipt     *Receipt
	// Attempts is the number of submissions made to the bundler.
	Attempts  int
	Fees      Fees
	Operation *userop.UserOperation
}

// operation is the per-request state carried through the flow.
type operation struct {
	req    Request
	in     *intent
	owner  common.Address
	key    signer.Signer
	record *model.OperationRecord
	result *Result

	gas     *GasSnapshot
	payload interface{}
}

// Execute runs one request to a final state. Input and user errors are
// returned before the gate is touched. Every other failure is an
// *EngineError; a Reverted receipt is reported in the Result, not as an error.
//
// A TimedOut operation keeps its gate flag so a second request of the same
// kind cannot double spend while the first may still land. Reconcile or the
// staleness sweep clears it.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Network != e.chain.Name {
		return nil, invalid("request for network %q sent to %q engine", req.Network, e.chain.Name)
	}
	in, err := parseRequest(req, e.chain)
	if err != nil {
		return nil, err
	}
	user, err := e.users.User(req.UserID)
	if err != nil {
		return nil, newError(KindInvalidInput, err)
	}
	key, err := e.keys.Signer(req.UserID)
	if err != nil {
		return nil, newError(KindInvalidInput, err)
	}

	now := e.now()
	op := &operation{
		req:   req,
		in:    in,
		owner: user.Owner,
		key:   key,
		record: &model.OperationRecord{
			ID:        ulid.Make().String(),
			UserID:    req.UserID,
			Kind:      string(req.Kind),
			Network:   e.chain.Name,
			CreatedAt: now.UnixMilli(),
		},
	}
	op.result = &Result{OperationID: op.record.ID}

	if err := e.gate.Acquire(req.UserID, req.Kind, op.record.ID); err != nil {
		e.metrics.IncGateConflict(string(req.Kind))
		return op.result, e.annotate(op, err)
	}

	state, err := e.run(ctx, op)
	return e.finish(ctx, op, state, err, now)
}

func (e *Engine) run(ctx context.Context, op *operation) (State, error) {
	wallet, err := e.resolver.Resolve(ctx, op.req.UserID, op.owner)
	if err != nil {
		return StateFailed, newError(KindTransportError, err)
	}
	sender := *wallet.Address
	op.record.Sender = sender
	op.result.Sender = sender

	if token, amount, ok := op.in.spend(); ok {
		balance, err := e.balances.FreshBalance(ctx, token, sender)
		if err != nil {
			return StateFailed, newError(KindTransportError, err)
		}
		if balance.Cmp(amount) < 0 {
			return StateFailed, newError(KindInsufficientBalance,
				fmt.Errorf("%s balance %s is below %s", token.Symbol, balance, amount))
		}
	}

	callData, err := op.in.callData(sender, e.chain, e.now().Add(swapDeadline))
	if err != nil {
		return StateFailed, newError(KindInvalidInput, err)
	}

	initCode, err := e.initCode(ctx, wallet)
	if err != nil {
		return StateFailed, newError(KindTransportError, err)
	}

	estimator := NewGasEstimator(e.client, e.chain.Entrypoint, e.chain.Policy(string(op.req.Kind)), e.logger)
	policy := estimator.Policy()
	initialFees := estimator.InitialFees(ctx)
	fees := initialFees

	nonce, err := e.nonceManager.ReserveNonce(ctx, sender, func(ctx context.Context) (*big.Int, error) {
		return e.nonces.GetNonce(ctx, sender, nil)
	})
	if err != nil {
		return StateFailed, newError(KindTransportError, fmt.Errorf("fetch nonce: %w", err))
	}
	accepted := false
	defer func() {
		if !accepted {
			e.nonceManager.ReleaseNonce(sender, nonce)
		}
	}()
	op.record.Nonce = nonce.String()

	var (
		signed     *userop.UserOperation
		hash       common.Hash
		bundlerRet common.Hash
	)
	for attempt := 0; ; {
		// Built
		limits := estimator.Estimate(ctx, sender, callData, initCode)
		if limits.Fallback != nil {
			e.metrics.IncGasFallback(e.chain.Name)
		}

		uo := &userop.UserOperation{
			Sender:               sender,
			Nonce:                nonce,
			InitCode:             initCode,
			CallData:             callData,
			CallGasLimit:         limits.CallGasLimit,
			VerificationGasLimit: limits.VerificationGasLimit,
			PreVerificationGas:   limits.PreVerificationGas,
			MaxFeePerGas:         fees.MaxFeePerGas,
			MaxPriorityFeePerGas: fees.MaxPriorityFeePerGas,
		}
		op.gas = snapshot(uo)
		op.record.Attempts = attempt + 1
		e.transition(op, StateBuilt)

		topUp, err := e.prefund.EnsurePrefund(ctx, uo)
		if err != nil {
			return StateFailed, err
		}
		if topUp.Sign() > 0 {
			e.metrics.IncPrefundTopUp(e.chain.Name)
		}
		e.transition(op, StatePrefundChecked)

		auth, err := e.paymaster.Authorize(ctx, sender, callData)
		if err != nil {
			return StateFailed, newError(KindTransportError, fmt.Errorf("paymaster authorization: %w", err))
		}
		uo.PaymasterAndData = auth.Bytes()
		if err := VerifyAuthorization(uo.PaymasterAndData, e.paymasterKey, sender, callData, e.chain.Entrypoint, e.chain.ChainID, e.now()); err != nil {
			return StateFailed, newError(KindSignatureMismatch, err)
		}
		e.transition(op, StateAuthorized)

		signed, hash, err = e.opSigner.Sign(ctx, uo, op.key, op.owner)
		if err != nil {
			e.logger.Error("user operation failed local signature check", "operation_id", op.record.ID, "sender", sender.Hex(), "error", err)
			return StateFailed, err
		}
		e.transition(op, StateSigned)

		if op.record.SubmittedBlock == 0 {
			op.record.SubmittedBlock = e.headBlock(ctx)
		}
		bundlerRet, err = e.bundler.SendUserOperation(ctx, signed, e.chain.Entrypoint)
		op.result.Attempts = attempt + 1
		if err == nil {
			accepted = true
			break
		}

		var rpcErr *bundler.RPCError
		if !errors.As(err, &rpcErr) {
			return StateFailed, newError(KindTransportError, err)
		}
		if rpcErr.IsSimulationRejection() {
			op.payload = rpcErr.Data
			rej := rpcErr.Rejection()
			e.logger.Warn("bundler simulation rejected operation",
				"operation_id", op.record.ID,
				"attempt", attempt+1,
				"reason", rej.Reason,
				"paymaster", rej.Paymaster)
		}

		if !rpcErr.IsFeeRelated() {
			if rpcErr.IsNonceRelated() {
				e.nonceManager.ResetNonce(sender)
			}
			return StateRejected, newError(KindBundlerRejectedOther, rpcErr)
		}

		attempt++
		next, escErr := estimator.Escalate(initialFees, attempt)
		if escErr != nil {
			return StateRejected, newError(KindBundlerRejectedFee, fmt.Errorf("%w after %d submissions: %v", escErr, attempt, rpcErr))
		}
		e.metrics.IncRetry(string(op.req.Kind))
		e.logger.Info("bundler rejected fees, escalating",
			"operation_id", op.record.ID,
			"attempt", attempt,
			"max_fee_per_gas", next.MaxFeePerGas,
			"max_priority_fee_per_gas", next.MaxPriorityFeePerGas,
			"reason", rpcErr.Message)
		fees = next

		if err := sleepCtx(ctx, policy.RetryDelay); err != nil {
			return StateFailed, newError(KindTransportError, err)
		}
	}

	op.result.UserOpHash = hash
	op.result.Operation = signed
	op.result.Fees = fees
	op.record.UserOpHash = hash
	if bundlerRet != (common.Hash{}) && bundlerRet != hash {
		// the receipt is looked up by the local hash, which is what the entrypoint emits
		ret := bundlerRet
		op.record.BundlerUserOpHash = &ret
		e.logger.Error("bundler returned a different user operation hash",
			"operation_id", op.record.ID,
			"user_op_hash", hash.Hex(),
			"bundler_user_op_hash", bundlerRet.Hex())
	}
	e.transition(op, StateSubmitted)
	e.logger.Info("user operation submitted",
		"operation_id", op.record.ID,
		"user_op_hash", hash.Hex(),
		"sender", sender.Hex(),
		"nonce", signed.Nonce,
		"block", op.record.SubmittedBlock)

	state, err := e.await(ctx, op, true)
	if state == StateConfirmed && signed.HasInitCode() {
		if err := e.resolver.MarkDeployed(wallet); err != nil {
			e.logger.Warn("failed to mark wallet deployed", "sender", sender.Hex(), "error", err)
		}
	}
	return state, err
}

// headBlock reads the current block, or 0 when the node cannot tell. Receipt
// lookups start there; 0 falls back to the configured lookback.
func (e *Engine) headBlock(ctx context.Context) uint64 {
	n, err := e.client.BlockNumber(ctx)
	if err != nil {
		e.logger.Warn("failed to read block number before submission", "error", err)
		return 0
	}
	return n
}

// await polls for the receipt from the submission block on. When touch is
// set the gate flag is refreshed on every poll; only the in-flight Execute
// does that, so a timed out flag ages toward the sweep.
func (e *Engine) await(ctx context.Context, op *operation, touch bool) (State, error) {
	var onPoll func()
	if touch {
		onPoll = func() {
			if err := e.gate.Touch(op.req.UserID, op.req.Kind, op.record.ID); err != nil {
				e.logger.Warn("failed to touch gate", "operation_id", op.record.ID, "error", err)
			}
		}
	}
	receipt, err := e.waiter.Wait(ctx, op.result.UserOpHash, op.record.SubmittedBlock, onPoll)
	if err != nil {
		// a cancelled caller is no different from a timeout: the operation may still land
		return StateTimedOut, newError(KindReceiptTimeout, fmt.Errorf("%w: %v", ErrReceiptTimeout, err))
	}

	op.result.Receipt = receipt
	txHash := receipt.TxHash
	op.record.TxHash = &txHash
	if !receipt.Success {
		return StateReverted, nil
	}
	return StateConfirmed, nil
}

func (e *Engine) initCode(ctx context.Context, wallet *model.SmartWallet) ([]byte, error) {
	if wallet.Deployed {
		return nil, nil
	}
	code, err := e.client.CodeAt(ctx, *wallet.Address, nil)
	if err != nil {
		return nil, fmt.Errorf("read code of %s: %w", wallet.Address.Hex(), err)
	}
	if len(code) > 0 {
		if err := e.resolver.MarkDeployed(wallet); err != nil {
			e.logger.Warn("failed to mark wallet deployed", "sender", wallet.Address.Hex(), "error", err)
		}
		return nil, nil
	}

	factory := e.chain.Factory
	if wallet.Factory != nil {
		factory = *wallet.Factory
	}
	return aa.GetInitCode(factory, *wallet.Owner, wallet.Salt)
}

// transition records a state change and refreshes the gate flag.
func (e *Engine) transition(op *operation, state State) {
	op.result.State = state
	op.record.State = string(state)
	e.saveRecord(op.record)

	if err := e.gate.Touch(op.req.UserID, op.req.Kind, op.record.ID); err != nil {
		e.logger.Warn("failed to touch gate", "operation_id", op.record.ID, "state", state, "error", err)
	}
	e.logger.Debug("operation transition", "operation_id", op.record.ID, "state", state, "attempt", op.record.Attempts)
}

// finish persists the outcome, releases the gate unless timed out and emits the event.
func (e *Engine) finish(ctx context.Context, op *operation, state State, err error, started time.Time) (*Result, error) {
	op.result.State = state
	op.record.State = string(state)

	var ee *EngineError
	if err != nil {
		ee = e.annotate(op, err)
		op.record.Error = ee.Error()
		err = ee
	} else if state == StateReverted {
		op.record.Error = "reverted on chain"
	}
	e.saveRecord(op.record)

	if state != StateTimedOut {
		if _, relErr := e.gate.Release(op.req.UserID, op.req.Kind, op.record.ID); relErr != nil {
			e.logger.Error("failed to release gate", "operation_id", op.record.ID, "error", relErr)
		}
	}

	e.metrics.IncOperation(string(op.req.Kind), string(state))
	e.metrics.ObserveDuration(string(op.req.Kind), e.now().Sub(started))
	e.emit(ctx, op, ee)

	if ee != nil {
		e.logger.Warn("operation ended with error", "operation_id", op.record.ID, "state", state, "kind", ee.Kind, "error", ee.Err)
		return op.result, ee
	}
	e.logger.Info("operation finished", "operation_id", op.record.ID, "state", state, "tx", op.record.TxHash)
	return op.result, nil
}

func (e *Engine) emit(ctx context.Context, op *operation, ee *EngineError) {
	ev := Event{
		OperationID: op.record.ID,
		Kind:        op.req.Kind,
		UserID:      op.req.UserID,
		Network:     e.chain.Name,
		State:       op.result.State,
		Success:     op.result.State == StateConfirmed,
		TxHash:      op.record.TxHash,
		Error:       op.record.Error,
	}
	if op.record.UserOpHash != (common.Hash{}) {
		h := op.record.UserOpHash
		ev.UserOpHash = &h
	}
	if ee != nil {
		ev.ErrorKind = ee.Kind
	}
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.logger.Error("failed to emit operation event", "operation_id", op.record.ID, "error", err)
	}
}

func (e *Engine) annotate(op *operation, err error) *EngineError {
	var ee *EngineError
	if !errors.As(err, &ee) {
		ee = newError(KindTransportError, err)
	}
	ee.OperationID = op.record.ID
	ee.UserID = op.req.UserID
	ee.Attempt = op.result.Attempts
	if ee.Gas == nil {
		ee.Gas = op.gas
	}
	if ee.BundlerPayload == nil {
		ee.BundlerPayload = op.payload
	}
	return ee
}

func (e *Engine) saveRecord(r *model.OperationRecord) {
	r.UpdatedAt = e.now().UnixMilli()
	data, err := r.ToJSON()
	if err == nil {
		err = e.db.Set([]byte(OperationPrefix+r.ID), data)
	}
	if err != nil {
		e.logger.Error("failed to persist operation record", "operation_id", r.ID, "error", err)
	}
}

// Wallet resolves the user's smart wallet on this engine's network.
func (e *Engine) Wallet(ctx context.Context, userID string) (*model.SmartWallet, error) {
	user, err := e.users.User(userID)
	if err != nil {
		return nil, newError(KindInvalidInput, err)
	}
	return e.resolver.Resolve(ctx, userID, user.Owner)
}

// Operation loads a persisted record.
func (e *Engine) Operation(operationID string) (*model.OperationRecord, error) {
	data, err := e.db.GetKey([]byte(OperationPrefix + operationID))
	if err != nil {
		return nil, err
	}
	r := &model.OperationRecord{}
	return r, r.FromStorageData(data)
}

// PendingOperations lists timed out operations on this engine's network.
func (e *Engine) PendingOperations() ([]*model.OperationRecord, error) {
	kvs, err := e.db.GetByPrefix([]byte(OperationPrefix))
	if err != nil {
		return nil, err
	}
	var out []*model.OperationRecord
	for _, kv := range kvs {
		r := &model.OperationRecord{}
		if err := r.FromStorageData(kv.Value); err != nil {
			e.logger.Warn("skip undecodable operation record", "key", string(kv.Key), "error", err)
			continue
		}
		if r.Network == e.chain.Name && r.State == string(StateTimedOut) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Reconcile polls again for a timed out operation. When a receipt is found
// the record is finalized, the gate is released and the event is emitted.
// Otherwise it returns ReceiptTimeout and the gate stays held.
func (e *Engine) Reconcile(ctx context.Context, operationID string) (*Result, error) {
	rec, err := e.Operation(operationID)
	if err != nil {
		return nil, fmt.Errorf("load operation %s: %w", operationID, err)
	}

	op := &operation{
		req:    Request{UserID: rec.UserID, Network: rec.Network, Kind: OperationKind(rec.Kind)},
		record: rec,
		result: &Result{
			OperationID: rec.ID,
			State:       State(rec.State),
			Sender:      rec.Sender,
			UserOpHash:  rec.UserOpHash,
			Attempts:    rec.Attempts,
		},
	}
	if State(rec.State) != StateTimedOut {
		return op.result, nil
	}

	// no touch here: the reconciler must not keep an abandoned flag alive
	state, err := e.await(ctx, op, false)
	if state == StateTimedOut {
		e.saveRecord(rec)
		return op.result, e.annotate(op, err)
	}
	return e.finish(ctx, op, state, err, time.UnixMilli(rec.CreatedAt))
}

func snapshot(op *userop.UserOperation) *GasSnapshot {
	return &GasSnapshot{
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
