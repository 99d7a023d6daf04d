package bundler

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// NonceFetcher reads the verifier's current nonce for a sender.
type NonceFetcher func(ctx context.Context) (*big.Int, error)

// NonceManager hands out nonces per sender. A nonce is reserved when it is
// issued, so two operations built concurrently for the same account never
// share one, and stays reserved once the bundler accepted it until the
// chain catches up.
type NonceManager struct {
	mu      sync.Mutex
	senders map[common.Address]*sync.Mutex
	pending map[common.Address]*big.Int
	logger  logger.Logger
}

func NewNonceManager(l logger.Logger) *NonceManager {
	return &NonceManager{
		senders: make(map[common.Address]*sync.Mutex),
		pending: make(map[common.Address]*big.Int),
		logger:  logger.EnsureLogger(l),
	}
}

func (nm *NonceManager) senderLock(sender common.Address) *sync.Mutex {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	l, ok := nm.senders[sender]
	if !ok {
		l = &sync.Mutex{}
		nm.senders[sender] = l
	}
	return l
}

// ReserveNonce returns max(on-chain nonce, next unreserved nonce) and
// reserves it. Callers that fail before the bundler accepts the operation
// hand it back with ReleaseNonce.
func (nm *NonceManager) ReserveNonce(ctx context.Context, sender common.Address, fetch NonceFetcher) (*big.Int, error) {
	lock := nm.senderLock(sender)
	lock.Lock()
	defer lock.Unlock()

	onChain, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	nm.mu.Lock()
	defer nm.mu.Unlock()

	nonce := new(big.Int).Set(onChain)
	if cached, ok := nm.pending[sender]; ok && cached.Cmp(onChain) > 0 {
		nm.logger.Debug("using reserved nonce", "sender", sender.Hex(), "cached", cached.String(), "onchain", onChain.String())
		nonce.Set(cached)
	}
	nm.pending[sender] = new(big.Int).Add(nonce, big.NewInt(1))
	return nonce, nil
}

// ReleaseNonce rolls back a reservation that never reached the bundler. Only
// the most recent reservation can be rolled back; an older one leaves a gap
// that the next invalid-nonce rejection repairs through ResetNonce.
func (nm *NonceManager) ReleaseNonce(sender common.Address, nonce *big.Int) bool {
	lock := nm.senderLock(sender)
	lock.Lock()
	defer lock.Unlock()

	nm.mu.Lock()
	defer nm.mu.Unlock()

	cur, ok := nm.pending[sender]
	if !ok {
		return false
	}
	if new(big.Int).Add(nonce, big.NewInt(1)).Cmp(cur) != 0 {
		nm.logger.Warn("nonce released out of order", "sender", sender.Hex(), "nonce", nonce.String(), "next", cur.String())
		return false
	}
	nm.pending[sender] = new(big.Int).Set(nonce)
	return true
}

// ResetNonce forgets the reservations, e.g. after an invalid-nonce rejection.
func (nm *NonceManager) ResetNonce(sender common.Address) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	delete(nm.pending, sender)
	nm.logger.Info("reset cached nonce", "sender", sender.Hex())
}
