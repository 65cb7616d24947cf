package main

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/taskdaemon/taskdaemon/internal/config"
)

var (
	stopForce   bool
	stopTimeout time.Duration
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "send SIGKILL instead of waiting for graceful shutdown")
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "how long to wait for graceful shutdown before giving up")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(defaultConfigPath())
	if err != nil {
		return err
	}
	pidPath := filepath.Join(cfg.DataDir, "daemon.pid")

	pid, err := readPID(pidPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "taskdaemon is not running")
		os.Exit(exitNotRunning)
	}
	if !processAlive(pid) {
		fmt.Fprintln(os.Stderr, "taskdaemon is not running (stale pid file)")
		_ = os.Remove(pidPath)
		os.Exit(exitNotRunning)
	}

	sig := syscall.SIGTERM
	if stopForce {
		sig = syscall.SIGKILL
	}
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("signaling pid %d: %w", pid, err)
	}
	if stopForce {
		return nil
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "taskdaemon did not shut down within %s\n", stopTimeout)
	os.Exit(exitShutdownTimeout)
	return nil
}

// processAlive checks liveness with signal 0, which delivers no signal
// but still reports ESRCH if the pid doesn't exist.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
