// Package main provides the threatsmith binary entry point.
// Threatsmith is an LLM-backed threat-modeling orchestrator: it turns a
// system description into a MITRE ATT&CK-grounded threat model through a
// multi-stage analysis pipeline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/threatsmith/threatsmith/llm/providers"

	"github.com/threatsmith/threatsmith/api"
	"github.com/threatsmith/threatsmith/config"
	"github.com/threatsmith/threatsmith/job"
	"github.com/threatsmith/threatsmith/knowledge"
	"github.com/threatsmith/threatsmith/llm"
	"github.com/threatsmith/threatsmith/model"
	"github.com/threatsmith/threatsmith/pipeline"
	"github.com/threatsmith/threatsmith/storage"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "threatsmith"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// flagOverrides carries command-line settings that take precedence over
// every config layer.
type flagOverrides struct {
	corpusDir string
	natsURL   string
	listen    string
}

func (o flagOverrides) apply(cfg *config.Config) {
	if o.corpusDir != "" {
		cfg.Knowledge.CorpusDir = o.corpusDir
	}
	if o.natsURL != "" {
		cfg.NATS.URL = o.natsURL
	}
	if o.listen != "" {
		cfg.Server.Listen = o.listen
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		overrides  flagOverrides
	)

	cmd := &cobra.Command{
		Use:   "threatsmith",
		Short: "Threat-modeling analysis orchestrator",
		Long: `Threatsmith analyzes system descriptions for security threats.

A five-stage LLM pipeline decomposes the system, maps it to MITRE
ATT&CK techniques, evaluates control coverage, constructs rated attack
paths, and recommends mitigations. Jobs run asynchronously per project
and persist their state in NATS JetStream KV.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, overrides)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&overrides.corpusDir, "corpus", "", "ATT&CK corpus shard directory (overrides config)")
	cmd.Flags().StringVar(&overrides.natsURL, "nats-url", "", "NATS server URL (overrides config)")
	cmd.Flags().StringVar(&overrides.listen, "listen", "", "HTTP listen address (overrides config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string, overrides flagOverrides) error {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	overrides.apply(cfg)

	// Connect to NATS
	nc, err := nats.Connect(cfg.NATS.URL, nats.Timeout(cfg.NATS.ConnectTimeout))
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w (is nats-server running?)", cfg.NATS.URL, err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("init JetStream: %w", err)
	}

	ctx := context.Background()
	store, err := storage.NewNATSStore(ctx, js)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	// Load the ATT&CK corpus: embedded seed plus optional shard overlay.
	kb, err := knowledge.Load(cfg.Knowledge.CorpusDir)
	if err != nil {
		return fmt.Errorf("load knowledge base: %w", err)
	}
	logger.Info("knowledge base loaded", "version", kb.Version(), "techniques", kb.Len())

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if cfg.Knowledge.Watch && cfg.Knowledge.CorpusDir != "" {
		watcher, err := knowledge.NewWatcher(kb, cfg.Knowledge.CorpusDir, logger)
		if err != nil {
			return fmt.Errorf("watch corpus dir: %w", err)
		}
		defer watcher.Close()
		go watcher.Run(watchCtx)
	}

	// LLM gateway
	registry := model.NewDefaultRegistry()
	gateway := llm.NewClient(registry,
		llm.WithLogger(logger),
		llm.WithRecorder(llm.DefaultRecorder()),
		llm.WithRetryConfig(llm.RetryConfig{
			MaxAttempts:       cfg.LLM.MaxAttempts,
			BackoffBase:       cfg.LLM.BackoffBase,
			BackoffMultiplier: 2.0,
			MaxBackoff:        cfg.LLM.MaxBackoff,
			CallTimeout:       cfg.LLM.CallTimeout,
		}),
	)

	// Pipeline and job manager
	metrics := pipeline.DefaultMetrics()
	coordinator := pipeline.NewCoordinator(
		pipeline.DefaultStages(gateway, kb, cfg.Pipeline),
		store,
		cfg.Risk,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
	)
	manager := job.NewManager(store, coordinator, cfg.LLM, cfg.Pipeline,
		job.WithLogger(logger),
		job.WithMetrics(metrics),
	)
	defer manager.Close()

	// Jobs orphaned by a previous crash are failed before serving.
	if err := manager.Recover(ctx); err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}

	server := api.NewServer(cfg.Server, api.New(manager, store, kb, logger), logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	logger.Info("threatsmith ready", "version", Version, "listen", cfg.Server.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath == "" {
		return config.NewLoader(logger).Load()
	}
	cfg := config.DefaultConfig()
	fileCfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Merge(fileCfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
