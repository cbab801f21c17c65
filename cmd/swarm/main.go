package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uesteibar/swarm/internal/config"
	"github.com/uesteibar/swarm/internal/dashboard"
	"github.com/uesteibar/swarm/internal/forge"
	"github.com/uesteibar/swarm/internal/intake"
	"github.com/uesteibar/swarm/internal/logging"
	"github.com/uesteibar/swarm/internal/pool"
	"github.com/uesteibar/swarm/internal/reviewer"
	"github.com/uesteibar/swarm/internal/skills"
	"github.com/uesteibar/swarm/internal/store"
	"github.com/uesteibar/swarm/internal/watcher"
	"github.com/uesteibar/swarm/internal/worktree"
)

var version = "dev"

const maxBackoff = 600 * time.Second

func usage() {
	fmt.Fprint(os.Stderr, `swarm — supervises coding agents across GitHub issues

Usage:
  swarm serve [flags]      Start the orchestrator
  swarm validate [flags]   Check configuration and environment, then exit
  swarm version            Print version

Flags:
  --config      Path to a YAML config file (env: SWARM_CONFIG)
  --log-file    Also write logs to this file (env: SWARM_LOG_FILE)
  --log-level   debug, info, warn or error (env: SWARM_LOG_LEVEL, default info)
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "serve":
		err = runServe(rest)
	case "validate":
		err = runValidate(rest)
	case "--version", "version":
		fmt.Println("swarm " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "swarm %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

type cliFlags struct {
	configPath string
	logFile    string
	logLevel   string
}

func parseFlags(args []string) cliFlags {
	f := cliFlags{
		logFile:  os.Getenv("SWARM_LOG_FILE"),
		logLevel: os.Getenv("SWARM_LOG_LEVEL"),
	}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				f.configPath = args[i+1]
				i++
			}
		case "--log-file":
			if i+1 < len(args) {
				f.logFile = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				f.logLevel = args[i+1]
				i++
			}
		}
	}
	return f
}

func runValidate(args []string) error {
	flags := parseFlags(args)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	fmt.Println(cfg.Redacted())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if errs := cfg.Validate(ctx); len(errs) > 0 {
		for _, msg := range errs {
			fmt.Fprintf(os.Stderr, "  - %s\n", msg)
		}
		return fmt.Errorf("%d validation error(s)", len(errs))
	}
	fmt.Println("configuration ok")
	return nil
}

func runServe(args []string) error {
	flags := parseFlags(args)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	logger, err := logging.Setup(flags.logFile, flags.logLevel)
	if err != nil {
		return err
	}
	defer logging.Close()
	slog.SetDefault(logger)

	logger.Info("starting swarm orchestrator", "version", version)
	fmt.Println(cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errs := cfg.Validate(ctx); len(errs) > 0 {
		for _, msg := range errs {
			logger.Error("validation failed", "problem", msg)
		}
		return fmt.Errorf("%d validation error(s)", len(errs))
	}
	logger.Info("environment validation passed")

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer st.Close()
	logger.Info("state database ready", "path", cfg.DBPath)

	gateway := forge.NewGateway(cfg.GithubRepo, cfg.ForgeToken, logger)
	git := forge.NewGit(logger)
	trees := worktree.NewManager(cfg.TargetRepoPath, cfg.WorktreeDir, cfg.BaseBranch, logger)
	launcher := &pool.ClaudeLauncher{
		OAuthToken: cfg.ClaudeOAuthToken,
		ForgeToken: cfg.ForgeToken,
	}

	agents := pool.New(cfg, st, gateway, git, trees, launcher, logger)
	agents.RecoverStale(ctx)

	if existing, err := trees.List(ctx); err == nil && len(existing) > 1 {
		// Entry zero is the main checkout; the rest are worker worktrees
		// preserved across restarts.
		logger.Info("found existing worktrees", "count", len(existing)-1)
	}

	if cfg.SkillsEnabled {
		found, err := skills.Discover(cfg.TargetRepoPath)
		if err != nil {
			logger.Warn("skill discovery failed", "error", err)
		} else if len(found) > 0 {
			names := make([]string, 0, len(found))
			for _, sk := range found {
				names = append(names, sk.Name)
			}
			logger.Info("skills available to workers", "skills", names)
		}
	}

	// A completed worker wakes the main loop so freed capacity is reused
	// without waiting out the poll interval.
	wake := make(chan struct{}, 1)
	agents.SetCompletionCallback(func(agentID string) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})

	hub := dashboard.NewHub(logger)
	agents.SetNotifier(hub)

	dash, err := dashboard.New(fmt.Sprintf("127.0.0.1:%d", cfg.DashboardPort), dashboard.Config{
		Store: st,
		Live:  agents,
		Hub:   hub,
	})
	if err != nil {
		return fmt.Errorf("starting dashboard: %w", err)
	}
	defer dash.Close()
	go func() {
		if err := dash.Serve(); err != nil && ctx.Err() == nil {
			logger.Error("dashboard server stopped", "error", err)
		}
	}()
	logger.Info("dashboard listening", "url", fmt.Sprintf("http://localhost:%d", cfg.DashboardPort))

	prMonitor := reviewer.NewMonitor(cfg, st, gateway, agents, logger)
	go prMonitor.Run(ctx)

	limitWatcher := watcher.New(cfg, st, agents, nil, logger)
	go limitWatcher.Run(ctx)

	poller := intake.NewPoller(cfg, st, gateway, agents, logger)

	logger.Info("orchestrator running",
		"poll_interval_seconds", cfg.PollIntervalSeconds,
		"max_concurrent_agents", cfg.MaxConcurrentAgents)

	consecutiveErrors := 0
	for {
		if _, err := poller.PollOnce(ctx); err != nil {
			consecutiveErrors++
			logger.Error("poll cycle failed",
				"consecutive", consecutiveErrors, "error", err)
			if consecutiveErrors >= 3 {
				backoff := min(time.Duration(consecutiveErrors)*cfg.PollInterval(), maxBackoff)
				logger.Warn("backing off after repeated poll failures", "backoff", backoff)
				if !sleepCtx(ctx, backoff) {
					break
				}
				continue
			}
		} else {
			consecutiveErrors = 0
		}

		select {
		case <-ctx.Done():
		case <-wake:
			continue
		case <-time.After(cfg.PollInterval()):
			continue
		}
		break
	}

	logger.Info("shutting down")
	agents.Shutdown()
	logger.Info("orchestrator stopped")
	return nil
}

// sleepCtx waits for d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
