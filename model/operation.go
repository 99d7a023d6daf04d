package model

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
)

// OperationRecord is the persisted trace of one engine execution, kept so
// a timed-out operation can be reconciled later.
type OperationRecord struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Kind       string         `json:"kind"`
	Network    string         `json:"network"`
	Sender     common.Address `json:"sender"`
	Nonce      string         `json:"nonce"`
	UserOpHash common.Hash    `json:"user_op_hash"`
	State      string         `json:"state"`
	Attempts   int            `json:"attempts"`
	TxHash     *common.Hash   `json:"tx_hash,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`

	// SubmittedBlock is the head block read just before the first
	// submission. Receipt lookups scan forward from it.
	SubmittedBlock uint64 `json:"submitted_block,omitempty"`
	// BundlerUserOpHash is set only when the bundler answered with a hash
	// other than UserOpHash.
	BundlerUserOpHash *common.Hash `json:"bundler_user_op_hash,omitempty"`
}

func (r *OperationRecord) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

func (r *OperationRecord) FromStorageData(body []byte) error {
	return json.Unmarshal(body, r)
}
