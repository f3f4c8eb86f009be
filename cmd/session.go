package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	braiderrors "braid.dev/braid/internal/errors"
	"braid.dev/braid/internal/output"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage workspace sessions directly",
	Long: `Manage copy-on-write workspace sessions outside the branch flow.

A session is an isolated clone of a base directory. Work in the session
path, then commit to swap it back atomically, or roll it back to discard.
Branches manage their own sessions; these commands are for driving a
session by hand.`,
}

var sessionBeginCmd = &cobra.Command{
	Use:   "begin <base-path>",
	Short: "Open a session over a base directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionBeginRun(args[0])
	},
}

var sessionCommitCmd = &cobra.Command{
	Use:   "commit <session-id>",
	Short: "Atomically swap the session tree back into the base path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCommitRun(args[0])
	},
}

var sessionRollbackCmd = &cobra.Command{
	Use:   "rollback <session-id>",
	Short: "Discard a session and its tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionRollbackRun(args[0])
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tracked sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned session trees left by crashes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCleanupRun()
	},
}

func init() {
	sessionCmd.AddCommand(sessionBeginCmd)
	sessionCmd.AddCommand(sessionCommitCmd)
	sessionCmd.AddCommand(sessionRollbackCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionCleanupCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionBeginRun(basePath string) error {
	sm, err := getSessionManager()
	if err != nil {
		return err
	}

	id, err := sm.Begin(context.Background(), basePath)
	if err != nil {
		return err
	}
	path, err := sm.Path(id)
	if err != nil {
		return err
	}

	ui.Success("Session %s opened", id)
	ui.Info("Work in: %s", path)
	return nil
}

func sessionCommitRun(id string) error {
	sm, err := getSessionManager()
	if err != nil {
		return err
	}

	if err := sm.Commit(context.Background(), id); err != nil {
		if errors.Is(err, braiderrors.ErrConflict) {
			ui.Warning("Base tree changed since the session opened; the session stays active.")
			ui.Info("Retry after reconciling, or discard with 'braid session rollback %s'", id)
		}
		return err
	}
	ui.Success("Session %s committed", id)
	return nil
}

func sessionRollbackRun(id string) error {
	sm, err := getSessionManager()
	if err != nil {
		return err
	}

	if err := sm.Rollback(context.Background(), id); err != nil {
		return err
	}
	ui.Success("Session %s rolled back", id)
	return nil
}

func sessionListRun() error {
	sm, err := getSessionManager()
	if err != nil {
		return err
	}

	list := sm.List()
	if len(list) == 0 {
		ui.Info("No sessions. Use 'braid session begin <path>' to open one.")
		return nil
	}

	detector := newProcessDetector()
	table := ui.Table([]string{"ID", "State", "Agent", "Base", "Created"})
	for _, s := range list {
		working := "-"
		if detector.IsAgentRunning(s.SessionPath) {
			working = output.Cyan("working")
		}
		table.Append([]string{
			s.ID,
			output.StatusColor(string(s.State)),
			working,
			s.BasePath,
			timeAgo(s.CreatedAt),
		})
	}
	table.Render()

	if orphans := sm.OrphanCount(); orphans > 0 {
		fmt.Fprintln(ui.Out)
		ui.Warning("%d orphaned session trees; remove with 'braid session cleanup'", orphans)
	}
	return nil
}

func sessionCleanupRun() error {
	sm, err := getSessionManager()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would remove %d orphaned session trees", sm.OrphanCount())
		return nil
	}

	n, err := sm.CleanupOrphans(context.Background())
	if err != nil {
		return err
	}
	if n == 0 {
		ui.Info("No orphaned session trees.")
		return nil
	}
	ui.Success("Removed %d orphaned session trees", n)
	return nil
}
