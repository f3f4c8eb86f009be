package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "braid"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage braid configuration.

Running bare 'braid config' is the same as 'braid config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# braid configuration
# See: braid config show (for effective values and sources)

# State/data directory (default: ~/.config/braid)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/braid/braid.db)
# db_path: {{ .DBPath }}

# Workspace sessions
workspace:
  # Where session trees are cloned (default: <state_dir>/sessions)
  # dir: ""

  # Directories branches may be created over; empty allows everything
  allowed_roots: []

# Branching limits and merge behavior
branching:
  # Concurrent non-terminal branches (default: 8)
  max_concurrent_branches: {{ .MaxConcurrentBranches }}

  # Branch-of-branch nesting depth (default: 3)
  max_nesting_depth: {{ .MaxNestingDepth }}

  # Strategy when a branch names none: union, ours, theirs, three_way
  default_merge_strategy: "{{ .DefaultMergeStrategy }}"

  # Merge clean branches without an approval stop (default: false)
  auto_merge: {{ .AutoMerge }}

  # Park non-auto merges until someone approves (default: true)
  require_merge_approval: {{ .RequireMergeApproval }}

  # Per-assignment execution timeout in seconds (default: 300)
  branch_timeout_secs: {{ .BranchTimeoutSecs }}

# Agent execution
agent:
  # Command run per assignment inside the session tree. Placeholders:
  # {task}, {task_id}, {agent}, {session}
  command: "{{ .AgentCommand }}"

# Anthropic API (plan suggestion and the inference runner)
anthropic:
  # api_key: ""
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	StateDir              string
	DBPath                string
	MaxConcurrentBranches int
	MaxNestingDepth       int
	DefaultMergeStrategy  string
	AutoMerge             bool
	RequireMergeApproval  bool
	BranchTimeoutSecs     int
	AgentCommand          string
	AnthropicModel        string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:              viper.GetString("state_dir"),
		DBPath:                viper.GetString("db_path"),
		MaxConcurrentBranches: viper.GetInt("branching.max_concurrent_branches"),
		MaxNestingDepth:       viper.GetInt("branching.max_nesting_depth"),
		DefaultMergeStrategy:  viper.GetString("branching.default_merge_strategy"),
		AutoMerge:             viper.GetBool("branching.auto_merge"),
		RequireMergeApproval:  viper.GetBool("branching.require_merge_approval"),
		BranchTimeoutSecs:     viper.GetInt("branching.branch_timeout_secs"),
		AgentCommand:          viper.GetString("agent.command"),
		AnthropicModel:        viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "BRAID_STATE_DIR"},
	{Key: "db_path", EnvVar: "BRAID_DB_PATH"},
	{Key: "workspace.dir", EnvVar: "BRAID_WORKSPACE_DIR"},
	{Key: "workspace.allowed_roots", EnvVar: "BRAID_WORKSPACE_ALLOWED_ROOTS"},
	{Key: "branching.max_concurrent_branches", EnvVar: "BRAID_BRANCHING_MAX_CONCURRENT_BRANCHES"},
	{Key: "branching.max_nesting_depth", EnvVar: "BRAID_BRANCHING_MAX_NESTING_DEPTH"},
	{Key: "branching.default_merge_strategy", EnvVar: "BRAID_BRANCHING_DEFAULT_MERGE_STRATEGY"},
	{Key: "branching.auto_merge", EnvVar: "BRAID_BRANCHING_AUTO_MERGE"},
	{Key: "branching.require_merge_approval", EnvVar: "BRAID_BRANCHING_REQUIRE_MERGE_APPROVAL"},
	{Key: "branching.branch_timeout_secs", EnvVar: "BRAID_BRANCHING_BRANCH_TIMEOUT_SECS"},
	{Key: "agent.command", EnvVar: "BRAID_AGENT_COMMAND"},
	{Key: "anthropic.model", EnvVar: "BRAID_ANTHROPIC_MODEL"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-36s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set — set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'braid config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
