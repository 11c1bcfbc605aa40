// migratorctl is the CLI operator surface of spec.md §6.6. It opens the
// same BoltDB data directory migratord uses directly — there is no
// intermediary API for these operations, mirroring how small operator
// tools in this corpus reach straight into shared state rather than
// round-tripping through a server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmigrate/migrator/pkg/config"
	"github.com/atmigrate/migrator/pkg/jobs"
	"github.com/atmigrate/migrator/pkg/migration"
	"github.com/atmigrate/migrator/pkg/orchestrator"
	"github.com/atmigrate/migrator/pkg/pds"
	"github.com/atmigrate/migrator/pkg/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "migratorctl",
	Short: "migratorctl operates on a migratord data directory out of band",
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "./migrator-data", "migratord's data directory")
	rootCmd.PersistentFlags().String("config", "", "Optional YAML config file (for --data-dir default)")

	rootCmd.AddCommand(listErrorsCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(checkOrphanCmd)
}

func openStore(cmd *cobra.Command) (*store.BoltStore, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	configPath, _ := cmd.Flags().GetString("config")
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err == nil && cfg.DataDir != "" {
			dataDir = cfg.DataDir
		}
	}
	return store.Open(dataDir)
}

var listErrorsCmd = &cobra.Command{
	Use:   "list-errors SUBSTRING",
	Short: "List migrations whose last error matches the given substring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		migrations, err := s.ListByLastErrorSubstring(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		if len(migrations) == 0 {
			fmt.Println("no migrations matched")
			return nil
		}

		fmt.Printf("%-20s %-20s %-18s %s\n", "TOKEN", "DID", "STATUS", "LAST_ERROR")
		for _, m := range migrations {
			fmt.Printf("%-20s %-20s %-18s %s\n", m.Token, truncate(m.DID, 20), m.Status, m.LastError)
		}
		return nil
	},
}

// entryStatusForStep maps a job step back to the status its handler's
// EntryCheck requires, mirroring pkg/api's retry handler (spec.md §6.1,
// §7: "a retry button reconstructs the phase job for the step indicated by
// current_job_step").
func entryStatusForStep(step jobs.Step) (migration.Status, bool) {
	switch step {
	case orchestrator.StepDownloadBackup:
		return migration.StatusPendingDownload, true
	case orchestrator.StepBuildBackup:
		return migration.StatusPendingBackup, true
	case orchestrator.StepCreateAccount:
		return migration.StatusPendingAccount, true
	case orchestrator.StepImportRepo:
		return migration.StatusPendingRepo, true
	case orchestrator.StepImportBlobs:
		return migration.StatusPendingBlobs, true
	case orchestrator.StepImportPrefs:
		return migration.StatusPendingPrefs, true
	case orchestrator.StepRequestPLCToken, orchestrator.StepDirectoryUpdate:
		return migration.StatusPendingPLC, true
	case orchestrator.StepActivate:
		return migration.StatusPendingActivate, true
	default:
		return "", false
	}
}

var resetCmd = &cobra.Command{
	Use:   "reset TOKEN",
	Short: "Reset a failed migration to retry, given its token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		ctx := context.Background()
		m, err := s.LoadMigrationByToken(ctx, args[0])
		if err != nil {
			return fmt.Errorf("load migration: %w", err)
		}
		if m.Status != migration.StatusFailed {
			return fmt.Errorf("migration %s is %s, not failed; nothing to reset", m.Token, m.Status)
		}
		entryStatus, ok := entryStatusForStep(jobs.Step(m.CurrentJobStep))
		if !ok {
			return fmt.Errorf("migration %s has no resumable current_job_step (%q)", m.Token, m.CurrentJobStep)
		}

		m.Status = entryStatus
		m.LastError = ""
		if err := s.SaveMigration(ctx, m); err != nil {
			return fmt.Errorf("save migration: %w", err)
		}

		queue := jobs.QueueMigrations
		if entryStatus == migration.StatusPendingPLC || entryStatus == migration.StatusPendingActivate {
			queue = jobs.QueueCritical
		}
		if err := s.Enqueue(ctx, &jobs.Job{
			ID:          fmt.Sprintf("operator-reset-%s-%d-%d", m.CurrentJobStep, m.ID, time.Now().UnixNano()),
			MigrationID: m.ID,
			Queue:       queue,
			Step:        jobs.Step(m.CurrentJobStep),
			MaxAttempts: 5,
		}); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}

		fmt.Printf("migration %s reset to %s, step %q re-enqueued\n", m.Token, entryStatus, m.CurrentJobStep)
		return nil
	},
}

var checkOrphanCmd = &cobra.Command{
	Use:   "check-orphan DID TARGET_HOST",
	Short: "Check whether a DID has an orphaned deactivated record on a target PDS",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		did, rawHost := args[0], args[1]

		targetHost, err := migration.NormalizeHost(rawHost)
		if err != nil {
			return err
		}

		dir, err := os.MkdirTemp("", "migratorctl-*")
		if err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
		defer os.RemoveAll(dir)

		adapter, err := pds.NewAdapter(dir, nil)
		if err != nil {
			return fmt.Errorf("create adapter: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		status := adapter.CheckAccountExistsOnTarget(ctx, targetHost, did)
		fmt.Printf("did:         %s\n", did)
		fmt.Printf("target:      %s\n", targetHost)
		fmt.Printf("exists:      %v\n", status.Exists)
		fmt.Printf("deactivated: %v\n", status.Deactivated)
		if status.Exists && status.Deactivated {
			fmt.Println("orphaned deactivated record found; remove it on the target before retrying this DID's migration")
		}
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
