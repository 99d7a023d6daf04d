package migrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AvaProtocol/ap-wallet/core/backup"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
	"github.com/AvaProtocol/ap-wallet/storage"
)

const keyPrefix = "migration:"

// MigrationFunc performs one database migration and returns the number of
// records it updated.
type MigrationFunc func(db storage.Storage) (int, error)

type Migration struct {
	Name     string
	Function MigrationFunc
}

// Migrator applies each registered migration once, recording completion
// under migration:<name>.
type Migrator struct {
	db         storage.Storage
	migrations []Migration
	backup     *backup.Service
	logger     logger.Logger
	mu         sync.Mutex
}

// NewMigrator creates a migrator. A nil backup skips the pre-migration snapshot.
func NewMigrator(db storage.Storage, b *backup.Service, migrations []Migration, l logger.Logger) *Migrator {
	return &Migrator{
		db:         db,
		migrations: append([]Migration(nil), migrations...),
		backup:     b,
		logger:     logger.EnsureLogger(l),
	}
}

func (m *Migrator) Register(name string, fn MigrationFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.migrations = append(m.migrations, Migration{
		Name:     name,
		Function: fn,
	})
}

func (m *Migrator) applied(name string) bool {
	exists, err := m.db.Exist([]byte(keyPrefix + name))
	return err == nil && exists
}

// Run executes every registered migration that has not been applied yet.
// The database is backed up first when anything is pending.
func (m *Migrator) Run(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := 0
	for _, migration := range m.migrations {
		if !m.applied(migration.Name) {
			pending++
		}
	}
	if pending == 0 {
		return nil
	}

	if m.backup != nil {
		m.logger.Info("pending migrations found, backing up database first", "pending", pending)
		backupFile, err := m.backup.PerformBackup(ctx)
		if err != nil {
			return fmt.Errorf("failed to create backup before migrations: %w", err)
		}
		m.logger.Info("database backup created", "file", backupFile)
	}

	for _, migration := range m.migrations {
		if m.applied(migration.Name) {
			m.logger.Debug("migration already applied", "name", migration.Name)
			continue
		}

		m.logger.Info("running migration", "name", migration.Name)
		recordsUpdated, err := migration.Function(m.db)
		if err != nil {
			return fmt.Errorf("migration %s failed: %w", migration.Name, err)
		}
		m.logger.Info("migration completed", "name", migration.Name, "records", recordsUpdated)

		mark := fmt.Sprintf("records=%d,ts=%d", recordsUpdated, time.Now().UnixMilli())
		if err := m.db.Set([]byte(keyPrefix+migration.Name), []byte(mark)); err != nil {
			return fmt.Errorf("failed to mark migration as complete in database: %w", err)
		}
	}

	return nil
}
