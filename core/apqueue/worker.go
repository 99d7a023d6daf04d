package apqueue

import (
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

type JobProcessor interface {
	Perform(j *Job) error
}

type Worker struct {
	q *Queue

	processorRegistry map[string]JobProcessor
	logger            logger.Logger
}

// NewWorker creates a worker that drains q with registered processors.
func NewWorker(q *Queue) *Worker {
	return &Worker{
		q:                 q,
		logger:            q.logger,
		processorRegistry: make(map[string]JobProcessor),
	}
}

// RegisterProcessor must be called before MustStart.
func (w *Worker) RegisterProcessor(jobType string, processor JobProcessor) {
	w.processorRegistry[jobType] = processor
}

func (w *Worker) loop() {
	// pick up anything left from a previous run
	w.drain()

	for {
		select {
		case <-w.q.eventCh:
			w.drain()
		case <-w.q.closeCh:
			return
		}
	}
}

// drain processes pending jobs until the queue is empty.
func (w *Worker) drain() {
	for {
		select {
		case <-w.q.closeCh:
			return
		default:
		}

		job, err := w.q.Dequeue()
		if err != nil {
			w.logger.Error("failed to dequeue", "error", err)
			return
		}
		if job == nil {
			return
		}
		w.process(job)
	}
}

func (w *Worker) process(job *Job) {
	processor, ok := w.processorRegistry[job.Type]
	if !ok {
		w.logger.Warn("unsupported job type", "job_id", job.ID, "type", job.Type)
		if err := w.q.markJobDone(job, jobComplete, nil); err != nil {
			w.logger.Error("failed to mark job", "job_id", job.ID, "error", err)
		}
		return
	}

	err := processor.Perform(job)
	if err == nil {
		if err := w.q.markJobDone(job, jobComplete, nil); err != nil {
			w.logger.Error("failed to mark job complete", "job_id", job.ID, "error", err)
			return
		}
		w.logger.Debug("job performed", "job_id", job.ID, "external_id", job.ExternalID)
		return
	}

	w.logger.Error("failed to perform job", "job_id", job.ID, "external_id", job.ExternalID, "attempts", job.Attempts+1, "error", err)
	if err := w.q.markJobDone(job, jobFailed, err); err != nil {
		w.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) MustStart() {
	go w.loop()
}
