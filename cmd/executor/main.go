package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/muckitymuck/erasure-executor/internal/api"
	"github.com/muckitymuck/erasure-executor/internal/config"
	"github.com/muckitymuck/erasure-executor/internal/deadletter"
	"github.com/muckitymuck/erasure-executor/internal/pii"
	"github.com/muckitymuck/erasure-executor/internal/plan"
	"github.com/muckitymuck/erasure-executor/internal/retention"
	"github.com/muckitymuck/erasure-executor/internal/retry"
	"github.com/muckitymuck/erasure-executor/internal/runner"
	"github.com/muckitymuck/erasure-executor/internal/scheduler"
	"github.com/muckitymuck/erasure-executor/internal/store"
	"github.com/muckitymuck/erasure-executor/internal/tasks"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// validateRuntimeConfigReload rejects a reload that changes a field which
// requires a process restart to take effect, mirroring
// Heikkila-Pty-Ltd-cortex's validateRuntimeConfigReload.
func validateRuntimeConfigReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}
	if oldCfg.DatabaseURL != newCfg.DatabaseURL {
		return fmt.Errorf("database_url changed (%q -> %q) and requires restart", oldCfg.DatabaseURL, newCfg.DatabaseURL)
	}
	if oldCfg.BindHost != newCfg.BindHost {
		return fmt.Errorf("bind_host changed (%q -> %q) and requires restart", oldCfg.BindHost, newCfg.BindHost)
	}
	if oldCfg.BindPort != newCfg.BindPort {
		return fmt.Errorf("bind_port changed (%d -> %d) and requires restart", oldCfg.BindPort, newCfg.BindPort)
	}
	return nil
}

// buildCollaborators wires the task dispatcher's external connectors from
// cfg. Connectors whose internals are out of core scope are left nil when
// cfg gives no way to configure them; the dispatcher reports a fatal
// configuration error for a task type with no backing collaborator rather
// than panicking (internal/tasks/interfaces.go).
func buildCollaborators(cfg *config.Config, st *store.Store) (*tasks.Collaborators, error) {
	httpClient := &http.Client{Timeout: time.Duration(cfg.DefaultTimeoutMS) * time.Millisecond}

	collabs := &tasks.Collaborators{
		HTTP:        httpClient,
		Scraper:     tasks.GoquerySelector{},
		HumanQueue:  st,
		BrokerStore: st,
	}

	if cfg.AgentEmail.Address != "" {
		collabs.Mailer = tasks.SMTPMailer{
			Host: cfg.AgentEmail.SMTPHost, Port: fmt.Sprint(cfg.AgentEmail.SMTPPort),
			Username: cfg.AgentEmail.Address, Password: cfg.AgentEmail.Password,
			UseTLS: true,
		}
	}

	collabs.SearchEngine = tasks.HTTPSearchEngineClient{HTTP: httpClient, Scraper: collabs.Scraper, Engine: "google"}

	switch cfg.LLM.Provider {
	case "mock":
		collabs.LLM = tasks.MockLLMClient{}
	case "openai_compatible":
		collabs.LLM = tasks.NewOpenAICompatibleLLMClient(cfg.LLM.APIKey, cfg.LLM.Endpoint, cfg.LLM.Model)
	}

	if cfg.PII.EncryptionKey != "" {
		vault, err := pii.NewVaultFromHex(cfg.PII.EncryptionKey, st)
		if err != nil {
			return nil, fmt.Errorf("pii vault: %w", err)
		}
		collabs.Vault = vault
	}

	return collabs, nil
}

func main() {
	configPath := flag.String("config", "executor.yaml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("erasure-executor starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger = configureLogger(cfg.LogLevel, *dev)
	slog.SetDefault(logger)

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.DatabaseURL, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	loader := plan.NewLoader(cfg.PlansRoot)

	collabs, err := buildCollaborators(cfg, st)
	if err != nil {
		logger.Error("failed to build task collaborators", "error", err)
		os.Exit(1)
	}
	dispatcher := tasks.NewDispatcher()

	dlTracker := deadletter.New(st, cfg.DeadLetter.MaxFailures, logger.With("component", "deadletter"))

	runnerCfg := runner.Config{
		PlansRoot:                  cfg.PlansRoot,
		ArtifactsRoot:              cfg.ArtifactsRoot,
		MaxConcurrentRuns:          cfg.MaxConcurrentRuns,
		DefaultTimeoutMS:           cfg.DefaultTimeoutMS,
		RunTimeoutMS:               cfg.RunTimeoutMS,
		RunClaimTTL:                time.Duration(cfg.RunClaimTTLSeconds) * time.Second,
		SideEffectsRequireApproval: cfg.Policy.SideEffectsRequireApproval,
		RetryPolicy: retry.Policy{
			Attempts: cfg.Retry.Attempts,
			MinDelay: time.Duration(cfg.Retry.MinDelayMS) * time.Millisecond,
			MaxDelay: time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
			Jitter:   cfg.Retry.Jitter,
		},
	}
	r := runner.New(st, loader, dispatcher, collabs, runnerCfg, logger.With("component", "runner"), dlTracker)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(st, loader, time.Duration(cfg.Scheduler.PollIntervalSeconds)*time.Second, logger.With("component", "scheduler"))
	}

	sweeper := retention.New(st, retention.Config{
		ArtifactsRoot:             cfg.ArtifactsRoot,
		PollInterval:              time.Duration(cfg.Retention.PollIntervalSeconds) * time.Second,
		HTMLRetentionDays:         cfg.Retention.HTMLDays,
		ScreenshotRetentionDays:   cfg.Retention.ScreenshotDays,
		ConfirmationRetentionDays: cfg.Retention.ConfirmationDays,
	}, logger.With("component", "retention"))

	addr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort)
	apiSrv := api.NewServer(addr, cfg.AuthToken, st, loader, sched, cfg.ArtifactsRoot, logger.With("component", "api"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.Run(ctx)
	if sched != nil {
		go sched.Run(ctx)
	}
	go sweeper.Run(ctx)
	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server error", "error", err)
		}
	}()

	logger.Info("erasure-executor running", "bind", addr)

	var cfgMu sync.Mutex
	applyReload := func() error {
		cfgMu.Lock()
		defer cfgMu.Unlock()

		updated, err := config.Reload(*configPath)
		if err != nil {
			return err
		}
		if err := validateRuntimeConfigReload(cfg, updated); err != nil {
			return err
		}
		cfgManager.Set(updated)
		cfg = updated
		logger = configureLogger(cfg.LogLevel, *dev)
		slog.SetDefault(logger)
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := applyReload(); err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			logger.Info("config reloaded")
		default:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			logger.Info("erasure-executor stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}
