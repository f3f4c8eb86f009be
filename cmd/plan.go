package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"braid.dev/braid/internal/llm"
)

var (
	planBase string
	planOut  string
)

// maxPlanFiles caps how many workspace paths are sent to the model.
const maxPlanFiles = 200

var planCmd = &cobra.Command{
	Use:   "plan <goal>",
	Short: "Suggest a branch plan for a goal",
	Long: `Ask the model to split a goal into agent assignments.

The suggestion is printed as a branch plan YAML document; save it with
--out and create the branch with 'braid branch create --plan <file>'.
With --base the workspace file listing is included in the prompt so the
split can respect the actual tree.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return planRun(args[0])
	},
}

func init() {
	planCmd.Flags().StringVar(&planBase, "base", "", "Base directory to include a file listing from")
	planCmd.Flags().StringVar(&planOut, "out", "", "Write the plan YAML to a file instead of stdout")
	rootCmd.AddCommand(planCmd)
}

// newLLMClient creates an LLM client from config/env, or returns nil if no
// API key is configured.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}

// listWorkspaceFiles returns up to maxPlanFiles relative paths under base,
// skipping dot directories.
func listWorkspaceFiles(base string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") && path != base {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		if len(files) >= maxPlanFiles {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list workspace files: %w", err)
	}
	return files, nil
}

func planRun(goal string) error {
	client := newLLMClient()
	if client == nil {
		return fmt.Errorf("no Anthropic API key configured: set anthropic.api_key or ANTHROPIC_API_KEY")
	}
	mgr, err := getBranchManager()
	if err != nil {
		return err
	}

	var files []string
	if planBase != "" {
		if files, err = listWorkspaceFiles(planBase); err != nil {
			return err
		}
	}
	strategies := make([]string, 0, 4)
	for name := range mgr.Strategies() {
		strategies = append(strategies, name)
	}

	ui.Info("Asking %s for a plan...", viper.GetString("anthropic.model"))
	plan, err := client.SuggestPlan(rootCmd.Context(), goal, files, strategies)
	if err != nil {
		return err
	}
	if planBase != "" && plan.Base == "" {
		plan.Base = planBase
	}

	data, err := yaml.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	if planOut != "" {
		if dryRun {
			ui.DryRunMsg("Would write plan to %s", planOut)
		} else if err := os.WriteFile(planOut, data, 0o644); err != nil {
			return fmt.Errorf("write plan file: %w", err)
		} else {
			ui.Success("Plan written to %s", planOut)
			ui.Info("Create the branch with: braid branch create --plan %s", planOut)
		}
	}

	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, string(data))
	if plan.Rationale != "" {
		fmt.Fprintln(ui.Out)
		ui.Info("Rationale: %s", plan.Rationale)
	}
	return nil
}
