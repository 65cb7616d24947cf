// Command taskdaemon runs the loop execution daemon: it supervises loop
// executions through internal/loopmanager, drives each one through
// internal/loopengine, and exposes a local control socket
// (internal/ipc) for the CLI's stop/status/new-plan commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskdaemon",
	Short: "Loop execution daemon",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to daemon.toml (default: $HOME/.taskdaemon/daemon.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if configPath != "" {
		return configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.taskdaemon/daemon.toml"
}
