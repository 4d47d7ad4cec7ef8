package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"sqragent/internal/config"
	"sqragent/internal/daemon"

	"github.com/spf13/cobra"
)

var foreground bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sqragent daemon",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (don't daemonize)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	return runStartWith(loadConfig, daemon.IsRunning, runForeground, runBackground)
}

type daemonRunningFunc func(string) bool
type startRunnerFunc func(*config.Config) error

func runStartWith(
	loadConfigFn func() (*config.Config, error),
	isDaemonRunning daemonRunningFunc,
	runForegroundFn startRunnerFunc,
	runBackgroundFn startRunnerFunc,
) error {
	cfg, err := loadConfigFn()
	if err != nil {
		return err
	}
	if isDaemonRunning(cfg.PIDFile) {
		return fmt.Errorf("daemon is already running (see %s)", cfg.PIDFile)
	}
	if foreground {
		return runForegroundFn(cfg)
	}
	return runBackgroundFn(cfg)
}

// runForeground configures logging and runs the daemon in the current process.
func runForeground(cfg *config.Config) error {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		slog.SetDefault(slog.New(slog.NewJSONHandler(f, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	fmt.Println("Starting sqragent daemon in foreground...")
	return daemon.Run(cfg)
}

// runBackground re-execs the current binary with --foreground as a detached
// child process, then waits briefly to verify it started successfully.
func runBackground(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	childArgs := []string{"start", "--foreground"}
	if cfgPath != "" {
		childArgs = append(childArgs, "--config", cfgPath)
	}

	logPath := cfg.LogFile
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, childArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	// A zombie still passes kill(pid, 0), so reap the child to detect early exits.
	waitCh := make(chan error, 1)
	go func() { waitCh <- child.Wait() }()

	select {
	case err := <-waitCh:
		if err != nil {
			return fmt.Errorf("daemon exited immediately (%v); check logs at %s", err, logPath)
		}
		return fmt.Errorf("daemon exited immediately; check logs at %s", logPath)
	case <-time.After(500 * time.Millisecond):
	}

	fmt.Printf("Daemon started. Log: %s\n", logPath)
	return nil
}
