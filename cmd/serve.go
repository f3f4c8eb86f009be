package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"braid.dev/braid/internal/api"
	"braid.dev/braid/internal/daemon"
	webui "braid.dev/braid/internal/ui"
)

var (
	serveAddr       string
	serveForeground bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the braid HTTP API and status page",
	Long: `Run an HTTP server exposing the kernel: a JSON API under /api/v1,
a server-sent event stream of lifecycle events, and an embedded status
page at /.

By default the server detaches into the background and tracks itself
with a PID file under the state directory. Use --foreground to stay
attached.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveForeground {
			return serveForegroundRun()
		}
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default :8787)")
	serveCmd.Flags().BoolVar(&serveForeground, "foreground", false, "Run attached to the terminal")
	viper.SetDefault("serve.addr", ":8787")

	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

// pidFile returns the server PID file under the state directory.
func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "braid-serve.pid"))
}

// serveLogPath returns where the detached server writes its log.
func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "braid-serve.log")
}

func listenAddr() string {
	if serveAddr != "" {
		return serveAddr
	}
	return viper.GetString("serve.addr")
}

// serveStartRun detaches a child running --foreground and records its PID.
func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	if dryRun {
		ui.DryRunMsg("Would start server on %s", listenAddr())
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open server log: %w", err)
	}
	defer logFile.Close()

	args := []string{"serve", "--foreground", "--addr", listenAddr()}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if err := pf.WritePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}

	ui.Success("Server started on %s (pid %d)", listenAddr(), child.Process.Pid)
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		_ = pf.Remove()
		return fmt.Errorf("server not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop server (pid %d)", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	// Give it a moment, then make sure it is gone.
	for range 20 {
		if _, still := pf.IsRunning(); !still {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if _, still := pf.IsRunning(); still {
		_ = pf.Signal(sigKILL())
	}
	_ = pf.Remove()

	ui.Success("Server stopped (pid %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		ui.Success("Server running (pid %d), log: %s", pid, serveLogPath())
		return nil
	}
	ui.Info("Server not running")
	return nil
}

// serveForegroundRun wires the kernel into an HTTP server and blocks until
// a shutdown signal arrives.
func serveForegroundRun() error {
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

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pf := pidFile()
	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := pf.Write(); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	defer func() { _ = pf.Remove() }()

	apiServer := api.NewServer(mgr, sm, s, bus)
	page, err := webui.Handler()
	if err != nil {
		return fmt.Errorf("init status page: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", apiServer.Router())
	mux.Handle("/api/", apiServer.Router())
	mux.Handle("/", page)

	srv := &http.Server{
		Addr:    listenAddr(),
		Handler: logRequests(logger, mux),
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("braid server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// logRequests wraps a handler with slog request logging.
func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Millisecond).String(),
		)
	})
}
