package aaengine

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-wallet/metrics"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// Sweeper runs ConcurrencyGate.Sweep on a fixed interval.
type Sweeper struct {
	gate      *ConcurrencyGate
	interval  time.Duration
	scheduler gocron.Scheduler
	metrics   metrics.MetricsGenerator
	logger    logger.Logger
}

func NewSweeper(gate *ConcurrencyGate, interval time.Duration, m metrics.MetricsGenerator, l logger.Logger) *Sweeper {
	if m == nil {
		m = metrics.NoopMetrics{}
	}
	return &Sweeper{
		gate:     gate,
		interval: interval,
		metrics:  m,
		logger:   logger.EnsureLogger(l),
	}
}

func (s *Sweeper) Start() error {
	var err error
	s.scheduler, err = gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	_, err = s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.RunOnce),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create sweep job: %w", err)
	}

	s.scheduler.Start()
	s.logger.Info("gate sweeper started", "interval", s.interval)
	return nil
}

// RunOnce sweeps immediately.
func (s *Sweeper) RunOnce() {
	n, err := s.gate.Sweep()
	if err != nil {
		s.logger.Error("gate sweep failed", "error", err)
	}
	if n > 0 {
		s.metrics.AddSwept(n)
	}
}

func (s *Sweeper) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}
