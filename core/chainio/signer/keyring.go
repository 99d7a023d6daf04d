package signer

import (
	"fmt"
	"sync"
)

// Keyring maps user ids to their account owner signer.
type Keyring struct {
	mu      sync.RWMutex
	signers map[string]Signer
}

func NewKeyring() *Keyring {
	return &Keyring{signers: make(map[string]Signer)}
}

func (k *Keyring) Add(userID string, s Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[userID] = s
}

func (k *Keyring) Signer(userID string) (Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	s, ok := k.signers[userID]
	if !ok {
		return nil, fmt.Errorf("no signing key for user %s", userID)
	}
	return s, nil
}
