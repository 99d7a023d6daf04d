package aaengine

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
	"github.com/AvaProtocol/ap-wallet/storage"
)

// AddressDeriver computes counterfactual account addresses. *aa.Factory satisfies it.
type AddressDeriver interface {
	Address() common.Address
	GetAddress(ctx context.Context, owner common.Address, salt *big.Int) (common.Address, error)
}

// WalletResolver maps a user id to its sender proxy on one network and
// caches the result in storage, since the derivation is deterministic.
type WalletResolver struct {
	db      storage.Storage
	factory AddressDeriver
	network string
	logger  logger.Logger
}

func NewWalletResolver(db storage.Storage, factory AddressDeriver, network string, l logger.Logger) *WalletResolver {
	return &WalletResolver{
		db:      db,
		factory: factory,
		network: network,
		logger:  logger.EnsureLogger(l),
	}
}

func WalletKey(network, userID string) []byte {
	return []byte(fmt.Sprintf("wallet:%s:%s", network, userID))
}

// Resolve returns the user's wallet, deriving and storing it on first use.
// A stored wallet whose owner differs from owner is rederived.
func (r *WalletResolver) Resolve(ctx context.Context, userID string, owner common.Address) (*model.SmartWallet, error) {
	key := WalletKey(r.network, userID)

	data, err := r.db.GetKey(key)
	if err == nil {
		w := &model.SmartWallet{}
		if err := w.FromStorageData(data); err != nil {
			return nil, fmt.Errorf("decode wallet %s: %w", key, err)
		}
		if w.Owner != nil && *w.Owner == owner {
			return w, nil
		}
		r.logger.Warn("stored wallet owner changed, rederiving", "user_id", userID, "network", r.network)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	salt := big.NewInt(0)
	address, err := r.factory.GetAddress(ctx, owner, salt)
	if err != nil {
		return nil, fmt.Errorf("derive sender for %s: %w", userID, err)
	}

	factory := r.factory.Address()
	w := &model.SmartWallet{
		UserID:  userID,
		Network: r.network,
		Owner:   &owner,
		Address: &address,
		Factory: &factory,
		Salt:    salt,
	}
	if err := r.Save(w); err != nil {
		return nil, err
	}
	return w, nil
}

// MarkDeployed records that the wallet has code.
func (r *WalletResolver) MarkDeployed(w *model.SmartWallet) error {
	if w.Deployed {
		return nil
	}
	w.Deployed = true
	return r.Save(w)
}

func (r *WalletResolver) Save(w *model.SmartWallet) error {
	data, err := w.ToJSON()
	if err != nil {
		return err
	}
	return r.db.Set(WalletKey(w.Network, w.UserID), data)
}
