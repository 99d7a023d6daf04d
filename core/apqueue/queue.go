// Package apqueue is a small durable job queue on top of storage. The engine
// uses it as an outbox: terminal operation events are enqueued in the same
// process that produced them and delivered by a Worker.
package apqueue

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-wallet/pkg/logger"
	"github.com/AvaProtocol/ap-wallet/storage"
)

type Queue struct {
	db     storage.Storage
	seq    storage.Sequence
	dbLock sync.Mutex
	logger logger.Logger

	eventCh   chan uint64
	closeCh   chan struct{}
	closeOnce sync.Once

	prefix       string
	maxAttempts  int
	retryBackoff time.Duration
	maxBackoff   time.Duration

	scheduler gocron.Scheduler
	now       func() time.Time
}

type QueueOption struct {
	Prefix string
	// MaxAttempts before a job stays in the failed bucket. Default 5.
	MaxAttempts int
	// RetryBackoff is the delay before the first retry; it doubles on each
	// further failure up to MaxBackoff. Defaults 10s and 10m.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

func New(db storage.Storage, l logger.Logger, opts *QueueOption) *Queue {
	q := &Queue{
		db:     db,
		logger: logger.EnsureLogger(l),

		eventCh: make(chan uint64, 1000),
		closeCh: make(chan struct{}),

		prefix:       "d",
		maxAttempts:  5,
		retryBackoff: 10 * time.Second,
		maxBackoff:   10 * time.Minute,

		now: time.Now,
	}

	if opts != nil {
		if opts.Prefix != "" {
			q.prefix = opts.Prefix
		}
		if opts.MaxAttempts > 0 {
			q.maxAttempts = opts.MaxAttempts
		}
		if opts.RetryBackoff > 0 {
			q.retryBackoff = opts.RetryBackoff
		}
		if opts.MaxBackoff > 0 {
			q.maxBackoff = opts.MaxBackoff
		}
	}
	if q.maxBackoff < q.retryBackoff {
		q.maxBackoff = q.retryBackoff
	}

	return q
}

// MustStart allocates the id sequence, panicking if storage is unusable.
func (q *Queue) MustStart() {
	var err error
	q.seq, err = q.db.GetSequence([]byte("q:seq:"+q.prefix), 1000)
	if err != nil {
		panic(err)
	}
}

// Recover moves jobs left in progress by a crash back to pending.
func (q *Queue) Recover() (int, error) {
	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	kvs, err := q.db.GetByPrefix(q.getQueueKeyPrefix(jobInProgress))
	if err != nil {
		return 0, err
	}

	for _, kv := range kvs {
		j, err := decodeJob(kv.Value)
		if err != nil {
			q.logger.Error("skip undecodable job during recover", "key", string(kv.Key), "error", err)
			continue
		}
		if err := q.db.Move(kv.Key, q.getJobKey(jobPending, j.ID)); err != nil {
			return 0, err
		}
		q.notify(j.ID)
	}

	return len(kvs), nil
}

func (q *Queue) Stop() error {
	q.closeOnce.Do(func() { close(q.closeCh) })
	if q.scheduler != nil {
		if err := q.scheduler.Shutdown(); err != nil {
			q.logger.Warn("queue scheduler shutdown", "error", err)
		}
	}
	if q.seq == nil {
		return nil
	}
	return q.seq.Release()
}

// Enqueue stores a pending job and wakes the worker.
func (q *Queue) Enqueue(jobType string, externalID string, data []byte) (uint64, error) {
	num, err := q.seq.Next()
	if err != nil {
		return 0, err
	}

	j := &Job{
		Type:       jobType,
		ExternalID: externalID,
		Data:       data,
		ID:         num + 1,
		EnqueuedAt: time.Now().UnixMilli(),
	}

	b, err := encodeJob(j)
	if err != nil {
		return 0, err
	}
	if err := q.db.Set(q.getJobKey(jobPending, j.ID), b); err != nil {
		return 0, err
	}

	q.notify(j.ID)
	return j.ID, nil
}

// Dequeue moves the oldest pending job to in-progress. It returns nil when
// the queue is empty. A pending entry that cannot be decoded is moved to the
// failed bucket so it does not block the jobs behind it.
func (q *Queue) Dequeue() (*Job, error) {
	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	pendingPrefix := q.getQueueKeyPrefix(jobPending)
	for {
		k, v, err := q.db.FirstKVHasPrefix(pendingPrefix)
		if err != nil {
			return nil, err
		}
		if k == nil {
			return nil, nil
		}

		j, err := decodeJob(v)
		if err != nil {
			dest := append(q.getQueueKeyPrefix(jobFailed), bytes.TrimPrefix(k, pendingPrefix)...)
			q.logger.Error("moving undecodable job to failed", "key", string(k), "error", err)
			if mvErr := q.db.Move(k, dest); mvErr != nil {
				return nil, fmt.Errorf("quarantine undecodable job %s: %w", k, mvErr)
			}
			continue
		}

		return j, q.db.Move(k, q.getJobKey(jobInProgress, j.ID))
	}
}

// backoff is the delay before retry number attempts.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.retryBackoff
	for i := 1; i < attempts && d < q.maxBackoff; i++ {
		d *= 2
	}
	if d > q.maxBackoff {
		d = q.maxBackoff
	}
	return d
}

// markJobDone moves a job out of in-progress. A failed job waits in the
// retrying bucket for an exponential backoff, then PromoteDueRetries makes
// it pending again, until it runs out of attempts.
func (q *Queue) markJobDone(job *Job, status jobStatus, cause error) error {
	if status != jobComplete && status != jobFailed {
		return errors.New("can only move to complete or failed status")
	}

	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	src := q.getJobKey(jobInProgress, job.ID)
	if status == jobComplete {
		return q.db.Move(src, q.getJobKey(jobComplete, job.ID))
	}

	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	dest := q.getJobKey(jobFailed, job.ID)
	if job.Attempts < q.maxAttempts {
		job.NextAttemptAt = q.now().Add(q.backoff(job.Attempts)).UnixMilli()
		dest = q.getJobKey(jobRetrying, job.ID)
	}
	b, err := encodeJob(job)
	if err != nil {
		return err
	}

	if err := q.db.Delete(src); err != nil {
		return err
	}
	return q.db.Set(dest, b)
}

// PromoteDueRetries moves retrying jobs whose backoff elapsed back to
// pending and wakes the worker. It returns how many were moved.
func (q *Queue) PromoteDueRetries() (int, error) {
	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	kvs, err := q.db.GetByPrefix(q.getQueueKeyPrefix(jobRetrying))
	if err != nil {
		return 0, err
	}

	now := q.now().UnixMilli()
	moved := 0
	for _, kv := range kvs {
		j, err := decodeJob(kv.Value)
		if err != nil {
			q.logger.Error("skip undecodable retrying job", "key", string(kv.Key), "error", err)
			continue
		}
		if j.NextAttemptAt > now {
			continue
		}
		if err := q.db.Move(kv.Key, q.getJobKey(jobPending, j.ID)); err != nil {
			return moved, err
		}
		moved++
		q.notify(j.ID)
	}
	return moved, nil
}

// Count returns the number of jobs in a status bucket.
func (q *Queue) Count(status jobStatus) (int, error) {
	kvs, err := q.db.GetByPrefix(q.getQueueKeyPrefix(status))
	return len(kvs), err
}

func (q *Queue) notify(id uint64) {
	select {
	case q.eventCh <- id:
	default:
		// worker drains everything pending on the next wake up
	}
}

func (q *Queue) getQueueKeyPrefix(status jobStatus) []byte {
	return []byte(fmt.Sprintf("q:%s:%v:", q.prefix, status))
}

func (q *Queue) getJobKey(status jobStatus, jID uint64) []byte {
	return append(q.getQueueKeyPrefix(status), []byte(fmt.Sprintf("%020d", jID))...)
}
