package migrations

import (
	"encoding/json"
	"fmt"

	"github.com/AvaProtocol/ap-wallet/core/aaengine"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/storage"
)

// ReleaseSettledGates clears concurrency flags whose operation record is
// already terminal. Such flags remain when the process exits, or the release
// write fails, after the final state was persisted.
func ReleaseSettledGates(db storage.Storage) (int, error) {
	flags, err := db.GetByPrefix([]byte(aaengine.GatePrefix))
	if err != nil {
		return 0, fmt.Errorf("failed to list gate flags: %w", err)
	}

	released := 0
	for _, kv := range flags {
		flag := &aaengine.GateFlag{}
		if err := json.Unmarshal(kv.Value, flag); err != nil || flag.OperationID == "" {
			continue
		}

		data, err := db.GetKey([]byte(aaengine.OperationPrefix + flag.OperationID))
		if err != nil {
			// no record yet: the operation may still be in flight
			continue
		}
		rec := &model.OperationRecord{}
		if err := rec.FromStorageData(data); err != nil {
			continue
		}
		if !aaengine.State(rec.State).Terminal() {
			continue
		}

		ok, err := db.ReplaceIf(kv.Key, kv.Value, nil)
		if err != nil {
			return released, fmt.Errorf("failed to release %s: %w", kv.Key, err)
		}
		if ok {
			released++
		}
	}
	return released, nil
}
