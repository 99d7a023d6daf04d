package cmd

import (
	"context"
	"fmt"

	"github.com/AvaProtocol/ap-wallet/core/aaengine"
	"github.com/AvaProtocol/ap-wallet/core/apqueue"
	walletconfig "github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/metrics"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
	"github.com/AvaProtocol/ap-wallet/storage"
)

// session is what a one shot command needs: config, storage, the event
// outbox and an engine on the selected network. The daemon must not hold the
// same db path while a session is open.
type session struct {
	cfg    *walletconfig.Config
	logger logger.Logger
	db     storage.Storage
	queue  *apqueue.Queue
	rt     *aaengine.Runtime
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := walletconfig.NewConfig(config)
	if err != nil {
		return nil, err
	}
	l, err := logger.New(cfg.Environment)
	if err != nil {
		return nil, err
	}

	db, err := storage.NewWithPath(cfg.DbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage at %s: %w", cfg.DbPath, err)
	}

	// events land in the same outbox the daemon drains
	queue := apqueue.New(db, l, &apqueue.QueueOption{Prefix: "events"})
	queue.MustStart()

	rt, err := aaengine.Build(ctx, cfg, network, db, aaengine.NewOutboxNotifier(queue), metrics.NoopMetrics{}, l)
	if err != nil {
		queue.Stop()
		db.Close()
		return nil, err
	}

	return &session{cfg: cfg, logger: l, db: db, queue: queue, rt: rt}, nil
}

func (s *session) Close() {
	s.rt.Close()
	if err := s.queue.Stop(); err != nil {
		s.logger.Warn("outbox shutdown", "error", err)
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("storage close", "error", err)
	}
}
