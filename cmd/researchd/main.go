package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/researchd/internal/bus"
	"github.com/basket/researchd/internal/config"
	"github.com/basket/researchd/internal/cron"
	"github.com/basket/researchd/internal/memory"
	otelPkg "github.com/basket/researchd/internal/otel"
	"github.com/basket/researchd/internal/persistence"
	"github.com/basket/researchd/internal/runner"
	"github.com/basket/researchd/internal/telemetry"
	"github.com/basket/researchd/internal/tools"
	"github.com/basket/researchd/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the research daemon

SUBCOMMANDS:
  %s submit -task <text>      Submit a research job
                              Flags: -budget-tokens, -time-limit,
                              -domains, -require-citations, -min-citations,
                              -require-approval, -allow-partial
  %s status <job-id>          Show a job's current state
                              Flags: -history <n> to include recent events
  %s approvals                List approval requests awaiting a decision
  %s approve <job-id>         Approve the job's pending request (-approver, -comment)
  %s deny <job-id>            Deny the job's pending request (-approver, -comment)
  %s cancel <job-id>          Request cooperative cancellation

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  RESEARCHD_HOME           Data directory (default: ~/.researchd)
  RESEARCHD_WORKER_COUNT   Override configured worker count
  RESEARCHD_LOG_LEVEL      Override configured log level
`)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("researchd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "submit":
			os.Exit(runSubmitCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "approvals":
			os.Exit(runApprovalsCommand(ctx, args[1:]))
		case "approve":
			os.Exit(runResolveCommand(ctx, true, args[1:]))
		case "deny":
			os.Exit(runResolveCommand(ctx, false, args[1:]))
		case "cancel":
			os.Exit(runCancelCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx)
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(telemetry.Options{
		HomeDir: cfg.HomeDir,
		Level:   cfg.LogLevel,
	})
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "researchd.db"), eventBus,
		persistence.WithLeaseDuration(cfg.LeaseDuration()))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	registry := tools.NewRegistry(tools.Config{
		CallTimeout: cfg.ToolCallTimeout(),
		MaxAttempts: cfg.Tools.MaxAttempts,
		Logger:      logger,
	})
	if err := tools.RegisterBuiltins(registry, tools.BuiltinConfig{
		SearchEndpoint: cfg.Tools.SearchEndpoint,
	}); err != nil {
		fatalStartup(logger, "E_TOOL_REGISTER", err)
	}
	logger.Info("startup phase", "phase", "tools_registered", "tools", registry.Names())

	mem := memory.NewManager(store, cfg.ShortTermTTL(), logger)

	jobRunner := runner.New(store, registry, mem, &runner.SearchPlanner{}, runner.Config{
		SubtaskConcurrency: cfg.SubtaskConcurrency,
		JoinTimeout:        cfg.JoinTimeout(),
		ReplanDepth:        cfg.ReplanDepth,
		Metrics:            metrics,
		Logger:             logger,
	})

	pool := worker.New(store, jobRunner, worker.Config{
		WorkerCount: cfg.WorkerCount,
		JobTimeout:  cfg.JobTimeout(),
		Bus:         eventBus,
		Logger:      logger,
	})

	backupDir := filepath.Join(cfg.HomeDir, "backups")
	if cfg.Maintenance.BackupSchedule != "" {
		if err := os.MkdirAll(backupDir, 0o755); err != nil {
			fatalStartup(logger, "E_BACKUP_DIR_CREATE", err)
		}
	}
	sched, err := cron.NewScheduler(cron.Config{
		Store:          store,
		Logger:         logger,
		SweepSchedule:  cfg.Maintenance.SweepSchedule,
		BackupSchedule: cfg.Maintenance.BackupSchedule,
		BackupDir:      backupDir,
		CheckpointKeep: cfg.Maintenance.CheckpointKeep,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}

	observeMetrics(ctx, eventBus, store, metrics)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		fingerprint := cfg.Fingerprint()
		for range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err.Error())
				continue
			}
			if newCfg.Fingerprint() == fingerprint {
				continue
			}
			fingerprint = newCfg.Fingerprint()
			// Worker count and timeouts bind at startup; a restart picks them up.
			logger.Info("config.yaml changed; daemon tuning takes effect on restart",
				"worker_count", newCfg.WorkerCount,
				"log_level", newCfg.LogLevel)
		}
	}()

	pool.Start(ctx)
	sched.Start(ctx)
	logger.Info("researchd started",
		"version", Version,
		"workers", cfg.WorkerCount,
		"subtask_concurrency", cfg.SubtaskConcurrency)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	sched.Stop()
	pool.Drain(10 * time.Second)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"researchd","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
