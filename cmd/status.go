package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-wallet/core/aaengine"
	walletconfig "github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/storage"
)

const statusListLimit = 10

var (
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Display system status",
		Long:  `Display status information about held concurrency flags and timed out operations in the database`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := walletconfig.NewConfig(config)
			if err != nil {
				return err
			}
			db, err := storage.NewWithPath(cfg.DbPath)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "❌ Failed to open database at %s: %v\n", cfg.DbPath, err)
				fmt.Fprintf(cmd.OutOrStdout(), "   💡 Stop the daemon first, it holds the database lock\n")
				return err
			}
			defer db.Close()

			return renderStatus(cmd.OutOrStdout(), db, cfg.Gate.StalenessThreshold, time.Now())
		},
	}
)

func renderStatus(w io.Writer, db storage.Storage, staleness time.Duration, now time.Time) error {
	fmt.Fprintf(w, "📊 System Status Report\n")
	fmt.Fprintf(w, "======================\n\n")
	fmt.Fprintf(w, "💾 Database: %s\n\n", db.DbPath())

	gates, err := db.GetByPrefix([]byte(aaengine.GatePrefix))
	if err != nil {
		return fmt.Errorf("failed to query gate flags: %w", err)
	}
	fmt.Fprintf(w, "🔒 Held concurrency flags: %d\n", len(gates))
	for i, kv := range gates {
		if i >= statusListLimit {
			fmt.Fprintf(w, "   ... and %d more\n", len(gates)-statusListLimit)
			break
		}
		flag := &aaengine.GateFlag{}
		if err := json.Unmarshal(kv.Value, flag); err != nil {
			fmt.Fprintf(w, "   %d. %s (undecodable)\n", i+1, kv.Key)
			continue
		}
		idle := now.Sub(time.UnixMilli(flag.UpdatedAt)).Truncate(time.Second)
		marker := ""
		if idle > staleness {
			marker = " ⚠️ stale, next sweep clears it"
		}
		fmt.Fprintf(w, "   %d. %s op=%s idle=%s%s\n", i+1, strings.TrimPrefix(string(kv.Key), aaengine.GatePrefix), flag.OperationID, idle, marker)
	}
	fmt.Fprintln(w)

	ops, err := db.GetByPrefix([]byte(aaengine.OperationPrefix))
	if err != nil {
		return fmt.Errorf("failed to query operations: %w", err)
	}
	counts := map[string]int{}
	var timedOut []*model.OperationRecord
	for _, kv := range ops {
		rec := &model.OperationRecord{}
		if err := rec.FromStorageData(kv.Value); err != nil {
			continue
		}
		counts[rec.State]++
		if rec.State == string(aaengine.StateTimedOut) {
			timedOut = append(timedOut, rec)
		}
	}
	fmt.Fprintf(w, "📋 Operations: %d\n", len(ops))
	for _, st := range []aaengine.State{aaengine.StateConfirmed, aaengine.StateReverted, aaengine.StateRejected, aaengine.StateFailed, aaengine.StateTimedOut} {
		if counts[string(st)] > 0 {
			fmt.Fprintf(w, "   %-10s %d\n", st, counts[string(st)])
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "💡 Troubleshooting:\n")
	if len(timedOut) == 0 {
		fmt.Fprintf(w, "   ✅ No timed out operations\n")
		return nil
	}
	fmt.Fprintf(w, "   ⏳ %d timed out operations may still land:\n", len(timedOut))
	for i, rec := range timedOut {
		if i >= statusListLimit {
			fmt.Fprintf(w, "   ... and %d more\n", len(timedOut)-statusListLimit)
			break
		}
		fmt.Fprintf(w, "   %s %s %s user_op=%s\n", rec.ID, rec.Network, rec.Kind, rec.UserOpHash.Hex())
	}
	fmt.Fprintf(w, "   📝 Run \"ap-wallet reconcile\" or start the daemon to settle them\n")
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
