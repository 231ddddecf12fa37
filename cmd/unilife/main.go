// Unilife is a conversational life-planning assistant backend.
//
// It serves an HTTP API that routes each message through a tool-calling
// language model pipeline, persists the transcript, and distills long
// running conversations into user preferences in the background.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	unilife serve              Start the API server
//	unilife init [dir]         Initialize a working directory with defaults
//	unilife ask <message>      Send a single message (for testing)
//	unilife version            Print version and build information
//	unilife -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Spardaa/unilife-backend-sub000/internal/agent"
	"github.com/Spardaa/unilife-backend-sub000/internal/api"
	"github.com/Spardaa/unilife-backend-sub000/internal/assistant"
	"github.com/Spardaa/unilife-backend-sub000/internal/buildinfo"
	"github.com/Spardaa/unilife-backend-sub000/internal/config"
	"github.com/Spardaa/unilife-backend-sub000/internal/connwatch"
	"github.com/Spardaa/unilife-backend-sub000/internal/llm"
	"github.com/Spardaa/unilife-backend-sub000/internal/opstate"
	"github.com/Spardaa/unilife-backend-sub000/internal/preferences"
	"github.com/Spardaa/unilife-backend-sub000/internal/reflection"
	"github.com/Spardaa/unilife-backend-sub000/internal/router"
	"github.com/Spardaa/unilife-backend-sub000/internal/scheduler"
	"github.com/Spardaa/unilife-backend-sub000/internal/tools"
	"github.com/Spardaa/unilife-backend-sub000/internal/transcript"
	"github.com/Spardaa/unilife-backend-sub000/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main builds the OS-level environment and delegates to [run] so the
// command can be driven from tests.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand to keep
// flag.CommandLine globals out of tests.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return errors.New("usage: unilife ask <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Unilife - conversational planning assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: unilife [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Send a single message (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// runServe opens the stores, starts the background workers and the API
// server, and blocks until ctx is cancelled or a shutdown signal
// arrives.
//
// Shutdown order:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. The sweep runner releases its lease
//  4. Reflection workers finish their current job
//  5. The database is closed via defer
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting unilife",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.LLM.Model,
		"mode", cfg.Pipeline.Mode,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "unilife.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	logger.Info("database opened", "path", dbPath)

	turns, err := transcript.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	prefs, err := preferences.NewStore(db)
	if err != nil {
		return fmt.Errorf("open preference store: %w", err)
	}
	leases, err := opstate.NewStore(db)
	if err != nil {
		return fmt.Errorf("open lease store: %w", err)
	}
	usageStore, err := usage.NewStore(db)
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}

	ollama := llm.NewOllamaClient(cfg.LLM.URL, logger)
	client := usage.NewMeter(ollama, usageStore, logger)
	rtr, err := newRouter(client, prefs, cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	worker := reflection.NewWorker(prefs,
		reflection.NewLLMExtract(client, cfg.LLM.Model, logger),
		reflection.Config{
			Workers:     cfg.Reflection.Workers,
			QueueSize:   cfg.Reflection.QueueSize,
			MinMessages: cfg.Reflection.MinMessages,
			Timeout:     cfg.Reflection.ExtractTimeout(),
		}, logger)
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("start reflection worker: %w", err)
	}
	defer worker.Stop()

	observer := scheduler.NewObserver(scheduler.ObserverConfig{
		VolumeThreshold:  cfg.Observer.VolumeThreshold,
		ElapsedThreshold: cfg.Observer.Elapsed(),
	}, worker, logger)

	// The pending map is in-process, so the lease guards this observer
	// against concurrent sweeps, not other processes.
	runner := scheduler.NewRunner(observer, leases, scheduler.RunnerConfig{
		Interval:  cfg.Observer.Interval(),
		LeaseName: scheduler.LeaseNameFor(observer.ID()),
		LeaseTTL:  cfg.Observer.TTL(),
	}, logger)
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start sweep runner: %w", err)
	}
	defer runner.Stop()

	watcher := connwatch.Watch(ctx, connwatch.WatcherConfig{
		Name:    "llm",
		Probe:   ollama.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnDown: func(err error) {
			logger.Warn("model endpoint unreachable", "url", cfg.LLM.URL, "error", err)
		},
		Logger: logger,
	})
	defer watcher.Stop()

	svc := assistant.NewService(turns, rtr, observer, assistant.Config{
		HistoryLimit: cfg.Pipeline.HistoryWindow,
	}, logger)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, svc, logger)
	server.SetRouter(rtr)
	server.SetLLMHealth(watcher)
	server.SetUsage(usageStore)
	server.SetBackgroundStatus(func() map[string]any {
		return map[string]any{
			"pending_conversations": observer.Len(),
			"sweeper":               runner.Stats(),
			"reflection":            worker.Stats(),
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	return nil
}

// runAsk sends one message through the full pipeline against in-memory
// stores and prints the reply.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, message string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	prefs, err := preferences.NewStore(db)
	if err != nil {
		return fmt.Errorf("open preference store: %w", err)
	}

	client := llm.NewOllamaClient(cfg.LLM.URL, logger)
	rtr, err := newRouter(client, prefs, cfg, logger)
	if err != nil {
		return err
	}
	svc := assistant.NewService(transcript.NewMemoryStore(), rtr, nil, assistant.Config{
		HistoryLimit: cfg.Pipeline.HistoryWindow,
	}, logger)

	resp, err := svc.Process(ctx, assistant.Request{UserID: "cli", Message: message})
	if err != nil && resp == nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(resp); encErr != nil {
			return encErr
		}
	} else {
		fmt.Fprintln(stdout, resp.Reply)
	}
	return err
}

// newRouter builds the tool registry and the process-wide pipeline.
func newRouter(client llm.Client, prefs *preferences.Store, cfg *config.Config, logger *slog.Logger) (*router.Router, error) {
	registry := tools.NewRegistry()
	if err := tools.RegisterPreferenceTools(registry, prefs); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	logger.Info("tools registered", "count", registry.Len())

	return router.NewRouter(client, registry, router.Config{
		Mode:          router.Mode(cfg.Pipeline.Mode),
		HistoryWindow: cfg.Pipeline.HistoryWindow,
		Loop: agent.LoopConfig{
			MaxIterations: cfg.Pipeline.MaxIterations,
			Parallel:      cfg.Pipeline.ParallelTools,
			FallbackReply: agent.DefaultFallbackReply,
			Model:         cfg.LLM.Model,
			CallTimeout:   cfg.LLM.CallTimeout(),
		},
		Filter: router.FilterConfig{
			Enabled:     cfg.Pipeline.ContextFilter.Enabled,
			Cutoff:      cfg.Pipeline.ContextFilter.Cutoff,
			Model:       cfg.LLM.Model,
			CallTimeout: cfg.LLM.CallTimeout(),
		},
	}, logger), nil
}

// loadConfig resolves and parses the configuration file. An explicit
// path must exist; when none is found on the search path the defaults
// are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, cfgPath, nil
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return config.NewLogger(w, level, cfg.LogFormat)
}
