package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"braid.dev/braid/internal/agent"
	"braid.dev/braid/internal/branch"
	"braid.dev/braid/internal/engine"
	"braid.dev/braid/internal/events"
	"braid.dev/braid/internal/output"
	"braid.dev/braid/internal/sessions"
	"braid.dev/braid/internal/store"

	"github.com/kballard/go-shellquote"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize and
// the lazy getters below.
var (
	ui        *output.UI
	dataStore store.Store
	bus       *events.Bus

	sessionMgr *sessions.Manager
	branchMgr  *branch.Manager

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "braid",
	Short: "Braid - branch, execute, and merge concurrent agent workspaces",
	Long: `braid is the branching and merge kernel for concurrent agent work.
It gives each line of work an isolated copy-on-write session over a base
directory, runs agent assignments inside it, and merges the results back
under a choice of conflict-resolution strategies.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return statusRun()
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/braid/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "braid")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BRAID")
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "braid")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "braid.db"))
	viper.SetDefault("workspace.dir", "")
	viper.SetDefault("workspace.allowed_roots", []string{})
	viper.SetDefault("branching.max_concurrent_branches", 8)
	viper.SetDefault("branching.max_nesting_depth", 3)
	viper.SetDefault("branching.default_merge_strategy", "union")
	viper.SetDefault("branching.auto_merge", false)
	viper.SetDefault("branching.require_merge_approval", true)
	viper.SetDefault("branching.allow_nested", true)
	viper.SetDefault("branching.branch_timeout_secs", 300)
	viper.SetDefault("agent.command", "")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun
	bus = events.NewBus()

	// Store and managers initialize lazily — only when commands actually
	// need them. This allows config/version commands to run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// getSessionManager returns the shared session manager, creating it on first
// call from workspace.* config.
func getSessionManager() (*sessions.Manager, error) {
	if sessionMgr != nil {
		return sessionMgr, nil
	}

	dir := viper.GetString("workspace.dir")
	if dir == "" {
		dir = filepath.Join(viper.GetString("state_dir"), "sessions")
	}
	m, err := sessions.NewManager(sessions.Options{
		Dir:          dir,
		AllowedRoots: viper.GetStringSlice("workspace.allowed_roots"),
		Bus:          bus,
	})
	if err != nil {
		return nil, fmt.Errorf("init session manager: %w", err)
	}
	sessionMgr = m
	return sessionMgr, nil
}

// settingsFromConfig maps branching.* config keys onto manager settings.
func settingsFromConfig() branch.Settings {
	return branch.Settings{
		MaxConcurrentBranches: viper.GetInt("branching.max_concurrent_branches"),
		MaxNestingDepth:       viper.GetInt("branching.max_nesting_depth"),
		DefaultMergeStrategy:  viper.GetString("branching.default_merge_strategy"),
		AutoMerge:             viper.GetBool("branching.auto_merge"),
		RequireMergeApproval:  viper.GetBool("branching.require_merge_approval"),
		AllowNested:           viper.GetBool("branching.allow_nested"),
		BranchTimeout:         time.Duration(viper.GetInt("branching.branch_timeout_secs")) * time.Second,
	}
}

// newRunner builds the assignment runner from config: agent.command when set,
// otherwise the inference runner when an API key is available.
func newRunner() (engine.Runner, error) {
	if command := viper.GetString("agent.command"); command != "" {
		argv, err := shellquote.Split(command)
		if err != nil {
			return nil, fmt.Errorf("parse agent.command: %w", err)
		}
		return agent.NewCommandRunner(argv)
	}
	if client := newLLMClient(); client != nil {
		return agent.NewInferenceRunner(client), nil
	}
	return nil, fmt.Errorf("no agent runner configured: set agent.command or anthropic.api_key")
}

// newProcessDetector builds a detector for the configured agent executable,
// used to tell whether an agent is still working inside a session tree. The
// detector matches nothing when no agent.command is set.
func newProcessDetector() agent.ProcessDetector {
	name := ""
	if command := viper.GetString("agent.command"); command != "" {
		if argv, err := shellquote.Split(command); err == nil && len(argv) > 0 {
			name = filepath.Base(argv[0])
		}
	}
	return &agent.OSProcessDetector{ProcessName: name}
}

// getBranchManager returns the shared branch manager, wiring the kernel
// together on first call. Commands that only create, inspect or decide on
// branches work even when no runner is configured.
func getBranchManager() (*branch.Manager, error) {
	if branchMgr != nil {
		return branchMgr, nil
	}

	s, err := getStore()
	if err != nil {
		return nil, err
	}
	sm, err := getSessionManager()
	if err != nil {
		return nil, err
	}

	settings := settingsFromConfig()
	var eng *engine.Engine
	if runner, err := newRunner(); err == nil {
		eng = engine.New(runner, engine.Options{Timeout: settings.BranchTimeout})
	} else {
		ui.VerboseLog("%v", err)
	}

	m, err := branch.NewManager(branch.Options{
		Store:    s,
		Sessions: sm,
		Engine:   eng,
		Bus:      bus,
		Settings: settings,
	})
	if err != nil {
		return nil, err
	}
	if restored, err := m.Reload(rootCmd.Context()); err == nil && restored > 0 {
		ui.VerboseLog("restored %d branches from previous run", restored)
	}

	branchMgr = m
	return branchMgr, nil
}
