package model

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// User is an end user identified by phone number. Owner is the EOA that
// controls the user's smart wallet.
type User struct {
	ID    string
	Owner common.Address
}

// SmartWallet is a resolved account-abstraction sender for one user on one network.
type SmartWallet struct {
	UserID  string          `json:"user_id"`
	Network string          `json:"network"`
	Owner   *common.Address `json:"owner"`
	Address *common.Address `json:"address"`
	Factory *common.Address `json:"factory,omitempty"`
	Salt    *big.Int        `json:"salt"`
	// Deployed is sticky: once code is observed at Address it is never cleared.
	Deployed bool `json:"deployed,omitempty"`
}

func (w *SmartWallet) ToJSON() ([]byte, error) {
	return json.Marshal(w)
}

func (w *SmartWallet) FromStorageData(body []byte) error {
	return json.Unmarshal(body, w)
}
