package aaengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AvaProtocol/ap-wallet/pkg/logger"
	"github.com/AvaProtocol/ap-wallet/storage"
)

// GatePrefix is the storage prefix of in-flight flags.
const GatePrefix = "gate:"

// GateFlag is the persisted in-flight marker for one (user, kind).
type GateFlag struct {
	OperationID string `json:"operation_id"`
	AcquiredAt  int64  `json:"acquired_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

func GateKey(userID string, kind OperationKind) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", GatePrefix, userID, kind))
}

// ConcurrencyGate allows one in-flight operation per (user, kind). Every
// write is a compare-and-set against storage so two processes sharing the
// db cannot both hold a flag.
//
// Sweep is a crash recovery net only. It clears flags that have not been
// touched for the staleness threshold; a live operation touches its flag on
// each state change and on each receipt poll, so it is never swept unless
// the process stalled longer than the threshold.
type ConcurrencyGate struct {
	db        storage.Storage
	staleness time.Duration
	logger    logger.Logger

	now func() time.Time
}

func NewConcurrencyGate(db storage.Storage, staleness time.Duration, l logger.Logger) *ConcurrencyGate {
	return &ConcurrencyGate{
		db:        db,
		staleness: staleness,
		logger:    logger.EnsureLogger(l),
		now:       time.Now,
	}
}

// Acquire sets the flag for operationID or fails with ConcurrencyConflict.
func (g *ConcurrencyGate) Acquire(userID string, kind OperationKind, operationID string) error {
	now := g.now().UnixMilli()
	value, err := json.Marshal(&GateFlag{OperationID: operationID, AcquiredAt: now, UpdatedAt: now})
	if err != nil {
		return err
	}

	ok, err := g.db.SetIfAbsent(GateKey(userID, kind), value)
	if err != nil {
		return newError(KindTransportError, fmt.Errorf("acquire gate: %w", err))
	}
	if !ok {
		return newError(KindConcurrencyConflict, ErrConcurrencyConflict)
	}
	return nil
}

// Touch refreshes the flag's activity time if operationID still owns it.
func (g *ConcurrencyGate) Touch(userID string, kind OperationKind, operationID string) error {
	key := GateKey(userID, kind)
	current, flag, err := g.read(key)
	if err != nil {
		return err
	}
	if flag == nil || flag.OperationID != operationID {
		return fmt.Errorf("gate %s is not held by %s", key, operationID)
	}

	flag.UpdatedAt = g.now().UnixMilli()
	next, err := json.Marshal(flag)
	if err != nil {
		return err
	}
	ok, err := g.db.ReplaceIf(key, current, next)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("gate %s changed while touching", key)
	}
	return nil
}

// Release clears the flag if operationID still owns it. It reports whether
// a flag was cleared.
func (g *ConcurrencyGate) Release(userID string, kind OperationKind, operationID string) (bool, error) {
	key := GateKey(userID, kind)
	current, flag, err := g.read(key)
	if err != nil || flag == nil {
		return false, err
	}
	if flag.OperationID != operationID {
		g.logger.Warn("gate owned by another operation, not releasing", "key", string(key), "owner", flag.OperationID, "operation_id", operationID)
		return false, nil
	}
	return g.db.ReplaceIf(key, current, nil)
}

// Held returns the current flag or nil.
func (g *ConcurrencyGate) Held(userID string, kind OperationKind) (*GateFlag, error) {
	_, flag, err := g.read(GateKey(userID, kind))
	return flag, err
}

// Sweep clears every flag idle for longer than the staleness threshold and
// returns how many were cleared.
func (g *ConcurrencyGate) Sweep() (int, error) {
	kvs, err := g.db.GetByPrefix([]byte(GatePrefix))
	if err != nil {
		return 0, err
	}

	cutoff := g.now().Add(-g.staleness).UnixMilli()
	cleared := 0
	for _, kv := range kvs {
		flag := &GateFlag{}
		if err := json.Unmarshal(kv.Value, flag); err != nil {
			g.logger.Error("undecodable gate flag", "key", string(kv.Key), "error", err)
			continue
		}
		if flag.UpdatedAt > cutoff {
			continue
		}

		ok, err := g.db.ReplaceIf(kv.Key, kv.Value, nil)
		if err != nil {
			return cleared, err
		}
		if ok {
			cleared++
			g.logger.Warn("cleared stale gate flag",
				"key", string(kv.Key),
				"operation_id", flag.OperationID,
				"idle", time.Duration(g.now().UnixMilli()-flag.UpdatedAt)*time.Millisecond)
		}
	}
	return cleared, nil
}

func (g *ConcurrencyGate) read(key []byte) ([]byte, *GateFlag, error) {
	current, err := g.db.GetKey(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	flag := &GateFlag{}
	if err := json.Unmarshal(current, flag); err != nil {
		return nil, nil, err
	}
	return current, flag, nil
}
