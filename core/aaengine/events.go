package aaengine

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-wallet/core/apqueue"
)

// EventJobType is the outbox job type of operation events.
const EventJobType = "operation_event"

// Event is emitted once per operation when it reaches a final state. It is
// data only; formatting for people happens downstream.
type Event struct {
	OperationID string        `json:"operation_id"`
	Kind        OperationKind `json:"kind"`
	UserID      string        `json:"user_id"`
	Network     string        `json:"network"`
	State       State         `json:"state"`
	Success     bool          `json:"success"`
	UserOpHash  *common.Hash  `json:"user_op_hash,omitempty"`
	TxHash      *common.Hash  `json:"tx_hash,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty"`
}

// DeliveryKey identifies one event of one operation. An operation that
// timed out and was later reconciled emits two events with different keys.
func (ev Event) DeliveryKey() string {
	return ev.OperationID + ":" + string(ev.State)
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// OutboxNotifier persists events to the queue; a worker delivers them. The
// job's external id is the event's DeliveryKey.
type OutboxNotifier struct {
	queue *apqueue.Queue
}

func NewOutboxNotifier(queue *apqueue.Queue) *OutboxNotifier {
	return &OutboxNotifier{queue: queue}
}

func (n *OutboxNotifier) Notify(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = n.queue.Enqueue(EventJobType, ev.DeliveryKey(), data)
	return err
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Event) error { return nil }
