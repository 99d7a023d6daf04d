package aaengine

import (
	"fmt"

	"github.com/AvaProtocol/ap-wallet/core/chainio/signer"
	"github.com/AvaProtocol/ap-wallet/model"
)

// UserDirectory returns the owner of a user's wallet.
type UserDirectory interface {
	User(userID string) (*model.User, error)
}

// KeyProvider returns the signing capability of a user's owner key.
// *signer.Keyring satisfies it.
type KeyProvider interface {
	Signer(userID string) (signer.Signer, error)
}

// StaticDirectory is an in-memory UserDirectory.
type StaticDirectory map[string]*model.User

func (d StaticDirectory) User(userID string) (*model.User, error) {
	u, ok := d[userID]
	if !ok {
		return nil, fmt.Errorf("unknown user %s", userID)
	}
	return u, nil
}
