package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"braid.dev/braid/internal/branch"
	"braid.dev/braid/internal/models"
	"braid.dev/braid/internal/output"
	"braid.dev/braid/internal/store"
)

var (
	branchName          string
	branchAgents        []string
	branchParent        string
	branchExecStrategy  string
	branchParallel      int
	branchAutoMerge     bool
	branchOwnSessions   bool
	branchMergeStrategy string
	branchPlanFile      string
	branchListStatus    string
	branchListActive    bool
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Create, run, and inspect branches",
	Long: `Manage branches: isolated lines of concurrent agent work.

Each branch clones a base directory into a private session, runs its agent
assignments inside it, and merges the result back through the configured
merge strategy.`,
}

var branchCreateCmd = &cobra.Command{
	Use:   "create [base-path]",
	Short: "Create a branch over a base directory",
	Long: `Create a branch over a base directory tree.

Agents are given as --agent "agent-id:task description", repeatable. A plan
file (--plan) supplies name, agents and merge configuration in one YAML
document instead; flags override plan values. With --parent the branch nests
under another branch and clones that branch's session tree.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := ""
		if len(args) == 1 {
			base = args[0]
		}
		return branchCreateRun(base)
	},
}

var branchListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List branches",
	RunE: func(cmd *cobra.Command, args []string) error {
		return branchListRun()
	},
}

var branchShowCmd = &cobra.Command{
	Use:   "show <id-or-name>",
	Short: "Show branch details, assignments, and results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return branchShowRun(args[0])
	},
}

var branchRunCmd = &cobra.Command{
	Use:   "run <id-or-name>",
	Short: "Execute a branch's assignments and enter the merge flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return branchRunRun(args[0])
	},
}

var branchAbortCmd = &cobra.Command{
	Use:   "abort <id-or-name>",
	Short: "Abort an executing branch and roll its session back",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return branchAbortRun(args[0])
	},
}

func init() {
	branchCreateCmd.Flags().StringVar(&branchName, "name", "", "Branch name (default: derived from the plan or base)")
	branchCreateCmd.Flags().StringArrayVar(&branchAgents, "agent", nil, `Agent assignment as "agent-id:task", repeatable`)
	branchCreateCmd.Flags().StringVar(&branchParent, "parent", "", "Parent branch id for a nested branch")
	branchCreateCmd.Flags().StringVar(&branchExecStrategy, "strategy", "", "Execution strategy: sequential or parallel")
	branchCreateCmd.Flags().IntVar(&branchParallel, "parallel", 0, "Max concurrent assignments (implies --strategy parallel)")
	branchCreateCmd.Flags().BoolVar(&branchAutoMerge, "auto-merge", false, "Merge without an approval stop when clean")
	branchCreateCmd.Flags().BoolVar(&branchOwnSessions, "per-agent-sessions", false, "Give each agent its own working tree instead of one shared tree")
	branchCreateCmd.Flags().StringVar(&branchMergeStrategy, "merge-strategy", "", "Merge strategy: union, ours, theirs, three_way")
	branchCreateCmd.Flags().StringVar(&branchPlanFile, "plan", "", "Branch plan YAML file")

	branchListCmd.Flags().StringVar(&branchListStatus, "status", "", "Filter by status")
	branchListCmd.Flags().BoolVar(&branchListActive, "active", false, "Show only non-terminal branches")

	branchCmd.AddCommand(branchCreateCmd)
	branchCmd.AddCommand(branchListCmd)
	branchCmd.AddCommand(branchShowCmd)
	branchCmd.AddCommand(branchRunCmd)
	branchCmd.AddCommand(branchAbortCmd)
	rootCmd.AddCommand(branchCmd)
}

// parseAgentSpecs turns --agent "id:task" values into agent specs. A value
// without a colon becomes a task for an auto-numbered agent.
func parseAgentSpecs(raw []string) ([]models.AgentSpec, error) {
	specs := make([]models.AgentSpec, 0, len(raw))
	for i, entry := range raw {
		id, task, found := strings.Cut(entry, ":")
		if !found {
			specs = append(specs, models.AgentSpec{AgentID: fmt.Sprintf("agent-%d", i+1), Task: strings.TrimSpace(entry)})
			continue
		}
		id = strings.TrimSpace(id)
		task = strings.TrimSpace(task)
		if id == "" || task == "" {
			return nil, fmt.Errorf("invalid agent spec %q: want \"agent-id:task\"", entry)
		}
		specs = append(specs, models.AgentSpec{AgentID: id, Task: task})
	}
	return specs, nil
}

// loadPlanFile reads and validates a branch plan YAML file.
func loadPlanFile(path string) (*models.BranchPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	var plan models.BranchPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan file %s: %w", path, err)
	}
	if len(plan.Agents) == 0 {
		return nil, fmt.Errorf("plan file %s has no agents", path)
	}
	return &plan, nil
}

func branchCreateRun(base string) error {
	mgr, err := getBranchManager()
	if err != nil {
		return err
	}

	req := branch.CreateRequest{
		Name:     branchName,
		Base:     base,
		ParentID: branchParent,
		Config: models.BranchConfig{
			ExecutionStrategy: models.ExecutionStrategy(branchExecStrategy),
			MaxConcurrent:     branchParallel,
			PerAgentSessions:  branchOwnSessions,
			AutoMerge:         branchAutoMerge,
			MergeStrategy:     branchMergeStrategy,
		},
	}

	if branchPlanFile != "" {
		plan, err := loadPlanFile(branchPlanFile)
		if err != nil {
			return err
		}
		cfg := plan.Config()
		if req.Name == "" {
			req.Name = plan.Name
		}
		if req.Base == "" {
			req.Base = plan.Base
		}
		req.Config.Agents = cfg.Agents
		if req.Config.ExecutionStrategy == "" {
			req.Config.ExecutionStrategy = cfg.ExecutionStrategy
		}
		if req.Config.MaxConcurrent == 0 {
			req.Config.MaxConcurrent = cfg.MaxConcurrent
		}
		if req.Config.MergeStrategy == "" {
			req.Config.MergeStrategy = cfg.MergeStrategy
		}
		if !req.Config.AutoMerge {
			req.Config.AutoMerge = cfg.AutoMerge
		}
		if !req.Config.PerAgentSessions {
			req.Config.PerAgentSessions = cfg.PerAgentSessions
		}
	}

	if len(branchAgents) > 0 {
		specs, err := parseAgentSpecs(branchAgents)
		if err != nil {
			return err
		}
		req.Config.Agents = specs
	}
	if len(req.Config.Agents) == 0 {
		return fmt.Errorf("no agents given: use --agent or --plan")
	}
	if branchParallel > 0 && req.Config.ExecutionStrategy == "" {
		req.Config.ExecutionStrategy = models.ExecutionParallel
	}
	if req.Name == "" && req.Base != "" {
		req.Name = fmt.Sprintf("branch-%s-%d", strings.ReplaceAll(strings.Trim(req.Base, "/."), "/", "-"), time.Now().Unix())
	}

	if dryRun {
		ui.DryRunMsg("Would create branch %q over %s with %d agents", req.Name, req.Base, len(req.Config.Agents))
		return nil
	}

	b, err := mgr.Create(rootCmd.Context(), req)
	if err != nil {
		return err
	}

	ui.Success("Branch %s created (%s)", b.Name, b.ID)
	ui.Info("Session: %s", b.SessionID)
	for _, spec := range b.Config.Agents {
		ui.VerboseLog("agent %s: %s", spec.AgentID, spec.Task)
	}
	ui.Info("Run it with: braid branch run %s", b.Name)
	return nil
}

// resolveBranch accepts a branch id or name.
func resolveBranch(ctx context.Context, mgr *branch.Manager, ref string) (*models.Branch, error) {
	if b, err := mgr.Get(ctx, ref); err == nil {
		return b, nil
	}
	return mgr.GetByName(ctx, ref)
}

func branchListRun() error {
	mgr, err := getBranchManager()
	if err != nil {
		return err
	}

	branches, err := mgr.List(rootCmd.Context(), store.BranchListFilter{
		Status: models.BranchStatus(branchListStatus),
		Active: branchListActive,
	})
	if err != nil {
		return err
	}
	if len(branches) == 0 {
		ui.Info("No branches. Use 'braid branch create <base> --agent ...' to start one.")
		return nil
	}

	table := ui.Table([]string{"Name", "ID", "Status", "Agents", "Parent", "Created"})
	for _, b := range branches {
		parent := "-"
		if b.ParentID != "" {
			parent = b.ParentID
		}
		table.Append([]string{
			output.Cyan(b.Name),
			b.ID,
			output.StatusColor(string(b.Status)),
			fmt.Sprintf("%d", len(b.Config.Agents)),
			parent,
			timeAgo(b.CreatedAt),
		})
	}
	table.Render()
	return nil
}

func branchShowRun(ref string) error {
	mgr, err := getBranchManager()
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := rootCmd.Context()

	b, err := resolveBranch(ctx, mgr, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(b.Name), b.ID)
	fmt.Fprintf(ui.Out, "  Status:         %s\n", output.StatusColor(string(b.Status)))
	fmt.Fprintf(ui.Out, "  Session:        %s\n", b.SessionID)
	if b.ParentID != "" {
		fmt.Fprintf(ui.Out, "  Parent:         %s\n", b.ParentID)
	}
	fmt.Fprintf(ui.Out, "  Execution:      %s\n", b.Config.ExecutionStrategy)
	fmt.Fprintf(ui.Out, "  Merge strategy: %s (auto-merge: %v)\n", b.Config.MergeStrategy, b.Config.AutoMerge)
	fmt.Fprintf(ui.Out, "  Created:        %s\n", b.CreatedAt.Local().Format(time.RFC822))
	if b.CompletedAt != nil {
		fmt.Fprintf(ui.Out, "  Completed:      %s\n", b.CompletedAt.Local().Format(time.RFC822))
	}

	assignments, err := s.ListAssignments(ctx, b.ID)
	if err != nil {
		return err
	}
	if len(assignments) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Agent", "Task", "Status"})
		for _, a := range assignments {
			task := a.Task
			if len(task) > 60 {
				task = task[:57] + "..."
			}
			table.Append([]string{a.AgentID, task, output.StatusColor(string(a.Status))})
		}
		table.Render()
	}

	if b.Result != nil {
		fmt.Fprintln(ui.Out)
		ui.Info("Result: %d file changes, %d conflicts", len(b.Result.FileChanges), len(b.Result.Conflicts))
		for _, c := range b.Result.FileChanges {
			ui.VerboseLog("%s %s", c.Kind, c.Path)
		}
		for _, c := range b.Result.Conflicts {
			ui.Warning("conflict at %s (%s)", c.Path, c.Kind)
		}
	}
	return nil
}

func branchRunRun(ref string) error {
	mgr, err := getBranchManager()
	if err != nil {
		return err
	}
	ctx := rootCmd.Context()

	b, err := resolveBranch(ctx, mgr, ref)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would run %d assignments for branch %s", len(b.Config.Agents), b.Name)
		return nil
	}

	ui.Info("Running branch %s (%d assignments, %s)...", b.Name, len(b.Config.Agents), b.Config.ExecutionStrategy)
	done, err := mgr.Run(ctx, b.ID)
	if err != nil {
		return err
	}

	switch done.Status {
	case models.BranchCompleted:
		ui.Success("Branch %s merged and completed", done.Name)
	case models.BranchMergePendingApproval:
		ui.Warning("Branch %s awaits merge approval; review with 'braid merge review'", done.Name)
	case models.BranchFailed:
		ui.Error("Branch %s failed; see 'braid branch show %s'", done.Name, done.Name)
	default:
		ui.Info("Branch %s is now %s", done.Name, output.StatusColor(string(done.Status)))
	}
	return nil
}

func branchAbortRun(ref string) error {
	mgr, err := getBranchManager()
	if err != nil {
		return err
	}
	ctx := rootCmd.Context()

	b, err := resolveBranch(ctx, mgr, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would abort branch %s", b.Name)
		return nil
	}

	if _, err := mgr.Abort(ctx, b.ID); err != nil {
		return err
	}
	ui.Success("Branch %s aborted; session rolled back", b.Name)
	return nil
}

// timeAgo formats a timestamp as a short relative duration.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
