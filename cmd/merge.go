package cmd

import (
	"fmt"
	"os/user"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"braid.dev/braid/internal/models"
	"braid.dev/braid/internal/output"
)

var (
	mergeStrategyFlag string
	mergeApprover     string
	mergeReason       string
	mergeListStatus   string
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Request, approve, and reject merges",
	Long: `Drive the merge queue.

A completed branch that is not auto-merged parks behind a merge request.
Approving the request re-runs the merge and, when clean, commits the
combined tree back into the base path. Rejecting returns the branch to
execution so it can be reworked or aborted.`,
}

var mergeRequestCmd = &cobra.Command{
	Use:   "request <branch-id-or-name>",
	Short: "Queue a branch for merging",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mergeRequestRun(args[0])
	},
}

var mergeApproveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending merge request and apply the merge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mergeApproveRun(args[0])
	},
}

var mergeRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a pending merge request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mergeRejectRun(args[0])
	},
}

var mergeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List merge requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return mergeListRun()
	},
}

var mergeShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show one merge request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mergeShowRun(args[0])
	},
}

var mergeReviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Interactively review pending merge requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return mergeReviewRun()
	},
}

func init() {
	mergeRequestCmd.Flags().StringVar(&mergeStrategyFlag, "strategy", "", "Override the branch's merge strategy")
	mergeApproveCmd.Flags().StringVar(&mergeApprover, "by", "", "Approver name (default: current user)")
	mergeRejectCmd.Flags().StringVar(&mergeApprover, "by", "", "Reviewer name (default: current user)")
	mergeRejectCmd.Flags().StringVar(&mergeReason, "reason", "", "Why the merge was rejected")
	mergeListCmd.Flags().StringVar(&mergeListStatus, "status", "", "Filter by status")

	mergeCmd.AddCommand(mergeRequestCmd)
	mergeCmd.AddCommand(mergeApproveCmd)
	mergeCmd.AddCommand(mergeRejectCmd)
	mergeCmd.AddCommand(mergeListCmd)
	mergeCmd.AddCommand(mergeShowCmd)
	mergeCmd.AddCommand(mergeReviewCmd)
	rootCmd.AddCommand(mergeCmd)
}

// approverName resolves --by, falling back to the OS user.
func approverName() string {
	if mergeApprover != "" {
		return mergeApprover
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

func mergeRequestRun(ref string) error {
	mgr, err := getBranchManager()
	if err != nil {
		return err
	}
	ctx := rootCmd.Context()

	b, err := resolveBranch(ctx, mgr, ref)
	if err != nil {
		return err
	}
	mr, err := mgr.RequestMerge(ctx, b.ID, mergeStrategyFlag)
	if err != nil {
		return err
	}

	switch mr.Status {
	case models.MergeMerged:
		ui.Success("Branch %s merged (%s strategy)", b.Name, mr.Strategy)
	case models.MergePending:
		ui.Info("Merge request %s queued; approve with 'braid merge approve %s'", mr.ID, mr.ID)
	default:
		ui.Info("Merge request %s is %s", mr.ID, output.StatusColor(string(mr.Status)))
	}
	return nil
}

func mergeApproveRun(id string) error {
	mgr, err := getBranchManager()
	if err != nil {
		return err
	}

	b, err := mgr.ApproveMerge(rootCmd.Context(), id, approverName())
	if err != nil {
		return err
	}

	switch b.Status {
	case models.BranchCompleted:
		ui.Success("Merge applied; branch %s completed", b.Name)
	case models.BranchMergePendingApproval:
		ui.Warning("Merge conflicted; branch %s stays parked for review", b.Name)
		if b.Result != nil {
			for _, c := range b.Result.Conflicts {
				ui.Warning("conflict at %s (%s)", c.Path, c.Kind)
			}
		}
	default:
		ui.Info("Branch %s is now %s", b.Name, output.StatusColor(string(b.Status)))
	}
	return nil
}

func mergeRejectRun(id string) error {
	mgr, err := getBranchManager()
	if err != nil {
		return err
	}

	b, err := mgr.RejectMerge(rootCmd.Context(), id, approverName(), mergeReason)
	if err != nil {
		return err
	}
	ui.Success("Merge request rejected; branch %s returned to execution", b.Name)
	return nil
}

func mergeListRun() error {
	mgr, err := getBranchManager()
	if err != nil {
		return err
	}

	requests, err := mgr.Queue().List(rootCmd.Context(), models.MergeRequestStatus(mergeListStatus), 0)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		ui.Info("No merge requests.")
		return nil
	}

	table := ui.Table([]string{"ID", "Branch", "Strategy", "Status", "Approved by", "Created"})
	for _, mr := range requests {
		by := mr.ApprovedBy
		if by == "" {
			by = "-"
		}
		table.Append([]string{
			mr.ID,
			mr.BranchID,
			mr.Strategy,
			output.StatusColor(string(mr.Status)),
			by,
			timeAgo(mr.CreatedAt),
		})
	}
	table.Render()
	return nil
}

func mergeShowRun(id string) error {
	mgr, err := getBranchManager()
	if err != nil {
		return err
	}

	mr, err := mgr.Queue().Get(rootCmd.Context(), id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "Merge request %s\n", output.Cyan(mr.ID))
	fmt.Fprintf(ui.Out, "  Branch:            %s\n", mr.BranchID)
	fmt.Fprintf(ui.Out, "  Strategy:          %s\n", mr.Strategy)
	fmt.Fprintf(ui.Out, "  Status:            %s\n", output.StatusColor(string(mr.Status)))
	fmt.Fprintf(ui.Out, "  Requires approval: %v\n", mr.RequiresApproval)
	if mr.ApprovedBy != "" {
		fmt.Fprintf(ui.Out, "  Decided by:        %s\n", mr.ApprovedBy)
	}
	if mr.Reason != "" {
		fmt.Fprintf(ui.Out, "  Reason:            %s\n", mr.Reason)
	}
	return nil
}

func mergeReviewRun() error {
	mgr, err := getBranchManager()
	if err != nil {
		return err
	}
	ctx := rootCmd.Context()

	pending, err := mgr.Queue().ListPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		ui.Info("Nothing to review.")
		return nil
	}

	options := make([]string, len(pending))
	byOption := make(map[string]*models.MergeRequest, len(pending))
	for i, mr := range pending {
		b, err := mgr.Get(ctx, mr.BranchID)
		label := fmt.Sprintf("%s  branch %s  (%s, %s)", mr.ID, mr.BranchID, mr.Strategy, timeAgo(mr.CreatedAt))
		if err == nil {
			label = fmt.Sprintf("%s  %s  (%s, %s)", mr.ID, b.Name, mr.Strategy, timeAgo(mr.CreatedAt))
		}
		options[i] = label
		byOption[label] = mr
	}

	var choice string
	if err := survey.AskOne(&survey.Select{
		Message: "Pending merge requests:",
		Options: options,
	}, &choice); err != nil {
		return err
	}
	mr := byOption[choice]

	var decision string
	if err := survey.AskOne(&survey.Select{
		Message: fmt.Sprintf("Decision for %s:", mr.ID),
		Options: []string{"approve", "reject", "skip"},
	}, &decision); err != nil {
		return err
	}

	switch decision {
	case "approve":
		return mergeApproveRun(mr.ID)
	case "reject":
		if err := survey.AskOne(&survey.Input{Message: "Reason:"}, &mergeReason); err != nil {
			return err
		}
		return mergeRejectRun(mr.ID)
	default:
		ui.Info("Skipped.")
		return nil
	}
}
