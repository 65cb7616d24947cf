package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskdaemon/taskdaemon/internal/config"
	"github.com/taskdaemon/taskdaemon/internal/coordinator"
	"github.com/taskdaemon/taskdaemon/internal/ipc"
	"github.com/taskdaemon/taskdaemon/internal/llm"
	"github.com/taskdaemon/taskdaemon/internal/loopengine"
	"github.com/taskdaemon/taskdaemon/internal/loopmanager"
	"github.com/taskdaemon/taskdaemon/internal/scheduler"
	"github.com/taskdaemon/taskdaemon/internal/statemgr"
	"github.com/taskdaemon/taskdaemon/internal/telemetry"
	"github.com/taskdaemon/taskdaemon/internal/toolexec"
)

var (
	startForeground bool
	startPIDFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the loop execution daemon",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().BoolVar(&startForeground, "foreground", false, "run in the foreground (the daemon never detaches; it runs in the calling process either way)")
	startCmd.Flags().StringVar(&startPIDFile, "pid-file", "", "path to the daemon's PID/lock file (default: <data_dir>/daemon.pid)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(defaultConfigPath())
	if err != nil {
		return err
	}

	pidPath := startPIDFile
	if pidPath == "" {
		pidPath = filepath.Join(cfg.DataDir, "daemon.pid")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	pf, existingPID, ok, err := acquirePIDFile(pidPath)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "taskdaemon already running (pid %d)\n", existingPID)
		os.Exit(exitAlreadyRunning)
	}
	defer pf.release()

	if !startForeground {
		log.Printf("[taskdaemon] --foreground not requested; daemonizing is left to the process supervisor (systemd/launchd); running in this process")
	}

	return runDaemon(cmd.Context(), cfg)
}

func runDaemon(ctx context.Context, cfg config.Daemon) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sm, err := statemgr.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer sm.Close()

	coord := coordinator.New(sm)
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("replaying coordinator events: %w", err)
	}

	sched := scheduler.New(scheduler.Config{
		MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
		WindowLimit:    cfg.Scheduler.WindowLimit,
		WindowDuration: cfg.Scheduler.WindowDuration,
	})

	apiKey, err := cfg.APIKey()
	if err != nil {
		return err
	}
	client, err := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:            apiKey,
		Model:             cfg.LLM.Model,
		MaxTokens:         cfg.LLM.MaxTokens,
		ContextWindow:     cfg.LLM.ContextWindow,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	})
	if err != nil {
		return fmt.Errorf("building LLM client: %w", err)
	}
	client = llm.WithRetry(client, llm.RetryConfig{
		MaxRetries:     cfg.LLM.MaxRetries,
		InitialBackoff: time.Duration(cfg.LLM.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.LLM.MaxBackoffMS) * time.Millisecond,
	})

	tools, err := toolexec.NewRegistry(toolexec.BuiltinTools())
	if err != nil {
		return fmt.Errorf("building tool registry: %w", err)
	}

	loopTypes, err := loopmanager.NewLoopTypes(cfg.LoopTypes.UserDir, cfg.LoopTypes.ProjectDir)
	if err != nil {
		return fmt.Errorf("loading loop types: %w", err)
	}
	if err := loopTypes.WatchDirs(ctx, cfg.LoopTypes.UserDir, cfg.LoopTypes.ProjectDir); err != nil {
		log.Printf("[taskdaemon] watching loop-type dirs: %v", err)
	}

	metrics, shutdownMetrics, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:    "taskdaemon",
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return fmt.Errorf("building telemetry provider: %w", err)
	}
	defer shutdownMetrics(context.Background())
	if err := metrics.RegisterSchedulerGauges(sched); err != nil {
		log.Printf("[taskdaemon] registering scheduler gauges: %v", err)
	}
	if err := metrics.RegisterCoordinatorGauge(coord); err != nil {
		log.Printf("[taskdaemon] registering coordinator gauge: %v", err)
	}

	engine := &loopengine.Engine{
		SM:        sm,
		Scheduler: sched,
		Coord:     coord,
		Client:    client,
		Tools:     tools,
		LoopTypes: loopTypes,
		Rebaser:   loopengine.GitRebaser{},
		Metrics:   metrics,
	}

	mgr := loopmanager.New(sm, engine, coord, loopmanager.Config{
		MaxConcurrent: cfg.Manager.MaxConcurrent,
		ReadinessPoll: cfg.Manager.ReadinessPoll,
		RecoveryAge:   cfg.Manager.RecoveryAge,
		ShutdownGrace: cfg.Manager.ShutdownGrace,
	})
	if err := metrics.RegisterManagerGauge(mgr); err != nil {
		log.Printf("[taskdaemon] registering manager gauge: %v", err)
	}

	listener, err := ipc.Listen(cfg.SocketPath, ipcHandler(ctx, cancel, mgr))
	if err != nil {
		return fmt.Errorf("opening control socket: %w", err)
	}
	defer listener.Close()
	go func() {
		if err := listener.Serve(ctx); err != nil {
			log.Printf("[taskdaemon] ipc listener: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)
	go handleSignals(ctx, cancel, sigCh, loopTypes, cfg, mgr)

	log.Printf("[taskdaemon] started: data_dir=%s socket=%s", cfg.DataDir, cfg.SocketPath)
	return mgr.Run(ctx)
}

func handleSignals(ctx context.Context, cancel context.CancelFunc, sigCh chan os.Signal, loopTypes *loopmanager.LoopTypes, cfg config.Daemon, mgr *loopmanager.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				log.Printf("[taskdaemon] received %s, beginning graceful shutdown", sig)
				cancel()
				return
			case syscall.SIGHUP:
				log.Printf("[taskdaemon] received SIGHUP, reloading loop types and validator paths")
				if err := loopTypes.Reload(cfg.LoopTypes.UserDir, cfg.LoopTypes.ProjectDir); err != nil {
					log.Printf("[taskdaemon] reload failed: %v", err)
				}
			case syscall.SIGUSR1:
				log.Printf("[taskdaemon] status dump: running_tasks=%d", mgr.RunningCount())
			}
		}
	}
}

func ipcHandler(ctx context.Context, shutdown context.CancelFunc, mgr *loopmanager.Manager) ipc.Handler {
	return func(_ context.Context, req ipc.Request) ipc.Response {
		switch req.Type {
		case ipc.ReqPing:
			return ipc.Response{Type: ipc.RespPong, Version: "1"}
		case ipc.ReqExecutionPending, ipc.ReqExecutionResumed:
			if req.ID == "" {
				return ipc.Response{Type: ipc.RespError, Message: "missing id"}
			}
			mgr.Nudge(ctx, req.ID)
			return ipc.Response{Type: ipc.RespOk}
		case ipc.ReqShutdown:
			shutdown()
			return ipc.Response{Type: ipc.RespOk}
		default:
			return ipc.Response{Type: ipc.RespError, Message: fmt.Sprintf("unrecognized request type %q", req.Type)}
		}
	}
}
