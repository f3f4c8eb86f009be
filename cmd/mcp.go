package cmd

import (
	"github.com/spf13/cobra"

	"braid.dev/braid/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an orchestrating agent drive the branching kernel natively:
open branches, run them, inspect sessions, and decide merges. Configure
in a client with:

  {
    "mcpServers": {
      "braid": { "command": "braid", "args": ["mcp"] }
    }
  }

Available tools: braid_create_branch, braid_list_branches,
braid_branch_status, braid_run_branch, braid_abort_branch,
braid_branch_changes, braid_request_merge, braid_approve_merge,
braid_reject_merge, braid_list_merges, braid_list_sessions,
braid_cleanup_sessions, braid_status, braid_suggest_plan`,
	RunE: func(cmd *cobra.Command, args []string) error {
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

		srv := mcp.NewServer(mgr, sm, s, newLLMClient())
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
