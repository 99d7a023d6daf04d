package apqueue

import (
	"encoding/json"
)

type jobStatus uint8

const (
	jobPending jobStatus = iota
	jobInProgress
	jobComplete
	jobFailed
	// jobRetrying holds failed jobs until their next attempt is due
	jobRetrying
)

func (s jobStatus) HumanReadable() string {
	switch s {
	case jobPending:
		return "pending"
	case jobInProgress:
		return "in_progress"
	case jobComplete:
		return "complete"
	case jobFailed:
		return "failed"
	case jobRetrying:
		return "retrying"
	}
	return "unknown"
}

type Job struct {
	// ExternalID lets callers find a job without decoding Data. Webhook
	// deliveries send it as the idempotency key.
	ExternalID string `json:"external_id"`
	Type       string `json:"type"`
	Data       []byte `json:"data"`

	// ID is allocated from a badger sequence and is unique within the queue
	ID         uint64 `json:"id"`
	Attempts   int    `json:"attempts"`
	EnqueuedAt int64  `json:"enqueued_at"`
	LastError  string `json:"last_error,omitempty"`
	// NextAttemptAt is when a retrying job becomes pending again, unix ms
	NextAttemptAt int64 `json:"next_attempt_at,omitempty"`
}

func encodeJob(j *Job) ([]byte, error) {
	return json.Marshal(j)
}

func decodeJob(b []byte) (*Job, error) {
	j := &Job{}
	if err := json.Unmarshal(b, j); err != nil {
		return nil, err
	}
	return j, nil
}
