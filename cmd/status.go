package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"braid.dev/braid/internal/health"
	"braid.dev/braid/internal/models"
	"braid.dev/braid/internal/output"
	"braid.dev/braid/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the branching kernel dashboard",
	Long: `Show a kernel overview: branch slots in use, sessions, pending
merge approvals, and a health score for the subsystem.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusRun() error {
	mgr, err := getBranchManager()
	if err != nil {
		return err
	}
	sm, err := getSessionManager()
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	settings := mgr.Settings()

	pending, err := mgr.Queue().ListPending(ctx)
	if err != nil {
		return err
	}
	completed, err := s.ListBranches(ctx, store.BranchListFilter{Status: models.BranchCompleted})
	if err != nil {
		return err
	}
	failed, err := s.ListBranches(ctx, store.BranchListFilter{Status: models.BranchFailed})
	if err != nil {
		return err
	}

	snap := &health.Snapshot{
		ActiveBranches:  mgr.ActiveCount(),
		BranchLimit:     settings.MaxConcurrentBranches,
		PendingMerges:   len(pending),
		CompletedRecent: len(completed),
		FailedRecent:    len(failed),
		ActiveSessions:  sm.ActiveCount(),
		OrphanSessions:  sm.OrphanCount(),
	}
	for _, mr := range pending {
		if snap.OldestPending.IsZero() || mr.CreatedAt.Before(snap.OldestPending) {
			snap.OldestPending = mr.CreatedAt
		}
	}
	score := health.NewScorer().Score(snap)

	fmt.Fprintf(ui.Out, "%s  health %s/100\n\n", output.Cyan("braid kernel"), output.HealthColor(score.Total))
	fmt.Fprintf(ui.Out, "  Branches:        %d/%d slots in use\n", snap.ActiveBranches, snap.BranchLimit)
	fmt.Fprintf(ui.Out, "  Sessions:        %d active, %d orphaned\n", snap.ActiveSessions, snap.OrphanSessions)
	fmt.Fprintf(ui.Out, "  Pending merges:  %d\n", snap.PendingMerges)
	fmt.Fprintf(ui.Out, "  Outcomes:        %d completed, %d failed\n", snap.CompletedRecent, snap.FailedRecent)
	fmt.Fprintf(ui.Out, "  Merge strategy:  %s (approval required: %v)\n", settings.DefaultMergeStrategy, settings.RequireMergeApproval)

	active, err := s.ListBranches(ctx, store.BranchListFilter{Active: true})
	if err != nil {
		return err
	}
	if len(active) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Name", "Status", "Agents", "Created"})
		for _, b := range active {
			table.Append([]string{
				output.Cyan(b.Name),
				output.StatusColor(string(b.Status)),
				fmt.Sprintf("%d", len(b.Config.Agents)),
				timeAgo(b.CreatedAt),
			})
		}
		table.Render()
	}

	if snap.PendingMerges > 0 {
		fmt.Fprintln(ui.Out)
		ui.Warning("%d merge requests await review: 'braid merge review'", snap.PendingMerges)
	}
	return nil
}
