package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-wallet/core/backup"
	walletconfig "github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
	"github.com/AvaProtocol/ap-wallet/storage"
)

var (
	backupDir        string
	periodicInterval int
	dbPath           string
	restoreFile      string

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Backup BadgerDB data",
		Long: `Backup BadgerDB data to a specified directory.

The backup command can run either as a one-time backup or as a periodic backup process.
Backups are stored in the format: /backup_dir/yy-mm-dd-hh-mm/full-backup.db
Use --db-path to override the db_path from the config file.
Use --dir to specify where to store the backups.
Use --interval to enable periodic backups (value in minutes, 0 means one-time backup).

The daemon holds the database lock; stop it first or set backup.interval in its config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveDbPath()
			if err != nil {
				return err
			}
			return runBackup(cmd, path, backupDir, periodicInterval)
		},
	}

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Restore BadgerDB data from backup",
		Long: `Restore BadgerDB data from a backup file.

Use --db-path to override the db_path from the config file.
Use --file to specify the backup file to restore from.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveDbPath()
			if err != nil {
				return err
			}
			return runRestore(cmd, path, restoreFile)
		},
	}
)

func resolveDbPath() (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	cfg, err := walletconfig.NewConfig(config)
	if err != nil {
		return "", fmt.Errorf("no --db-path given and config unreadable: %w", err)
	}
	return cfg.DbPath, nil
}

func runBackup(cmd *cobra.Command, dbPath, backupDir string, intervalMinutes int) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Starting BadgerDB backup. DB path: %s, Backup directory: %s\n", dbPath, backupDir)

	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	db, err := storage.NewWithPath(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	service := backup.NewService(logger.NewNoOpLogger(), db, backupDir)
	file, err := service.PerformBackup(contextOf(cmd))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Backup completed successfully to %s\n", file)

	if intervalMinutes == 0 {
		return nil
	}

	fmt.Fprintf(out, "Setting up periodic backup every %d minutes\n", intervalMinutes)
	if err := service.StartPeriodicBackup(time.Duration(intervalMinutes) * time.Minute); err != nil {
		return err
	}
	defer service.StopPeriodicBackup()

	ctx, stop := signal.NotifyContext(contextOf(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}

func runRestore(cmd *cobra.Command, dbPath, restoreFile string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Starting BadgerDB restore. DB path: %s, Restore file: %s\n", dbPath, restoreFile)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return fmt.Errorf("failed to create DB directory: %w", err)
	}

	db, err := storage.NewWithPath(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := backup.Restore(contextOf(cmd), db, restoreFile); err != nil {
		return err
	}

	fmt.Fprintf(out, "Restore completed successfully\n")
	return nil
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func init() {
	backupCmd.Flags().StringVar(&dbPath, "db-path", "", "Path to the BadgerDB directory, defaults to db_path from the config")
	backupCmd.Flags().StringVar(&backupDir, "dir", walletconfig.DefaultBackupDir, "Directory to store backups")
	backupCmd.Flags().IntVar(&periodicInterval, "interval", 0, "Run backups periodically (minutes, 0 for one-time)")
	rootCmd.AddCommand(backupCmd)

	restoreCmd.Flags().StringVar(&dbPath, "db-path", "", "Path to the BadgerDB directory, defaults to db_path from the config")
	restoreCmd.Flags().StringVar(&restoreFile, "file", "", "Backup file to restore from (required)")
	restoreCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(restoreCmd)
}
