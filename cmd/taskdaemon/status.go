package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskdaemon/taskdaemon/internal/config"
	"github.com/taskdaemon/taskdaemon/internal/ipc"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "keep polling and reprinting status every second")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(defaultConfigPath())
	if err != nil {
		return err
	}

	if !statusWatch {
		return printStatus(cfg)
	}
	for {
		if err := printStatus(cfg); err != nil {
			return err
		}
		time.Sleep(time.Second)
	}
}

func printStatus(cfg config.Daemon) error {
	pidPath := filepath.Join(cfg.DataDir, "daemon.pid")
	pid, err := readPID(pidPath)
	if err != nil || !processAlive(pid) {
		fmt.Println("stopped")
		return nil
	}

	resp, err := ipc.Send(cfg.SocketPath, ipc.Request{Type: ipc.ReqPing})
	if err != nil {
		fmt.Printf("running (pid %d), but control socket is unreachable: %v\n", pid, err)
		return nil
	}
	if resp.Type != ipc.RespPong {
		fmt.Printf("running (pid %d), unexpected response: %+v\n", pid, resp)
		return nil
	}
	fmt.Printf("running (pid %d, version %s)\n", pid, resp.Version)
	return nil
}
