// Zaprelay bridges WhatsApp conversations to a local Ollama instance.
//
// It connects to a WhatsApp gateway sidecar over websocket, filters
// group traffic by mention, gates conversations through an
// authorization policy, keeps a bounded context window per
// conversation, and relays replies from the configured model.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	zaprelay serve           Start the relay
//	zaprelay init [dir]      Initialize a working directory with defaults
//	zaprelay version         Print version and build information
//	zaprelay -o json version Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mvbarbosa/zaprelay/internal/archive"
	"github.com/mvbarbosa/zaprelay/internal/auth"
	"github.com/mvbarbosa/zaprelay/internal/buildinfo"
	"github.com/mvbarbosa/zaprelay/internal/config"
	"github.com/mvbarbosa/zaprelay/internal/events"
	"github.com/mvbarbosa/zaprelay/internal/gateway"
	"github.com/mvbarbosa/zaprelay/internal/llm"
	"github.com/mvbarbosa/zaprelay/internal/mqtt"
	"github.com/mvbarbosa/zaprelay/internal/relay"
	"github.com/mvbarbosa/zaprelay/internal/router"
	"github.com/mvbarbosa/zaprelay/internal/transcribe"
	"github.com/mvbarbosa/zaprelay/internal/window"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Stdin, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the zaprelay command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the gateway bridge and background goroutines.
//   - stdout and stderr receive all program output. Structured logs and
//     the login QR code go to stdout; fatal error messages go to stderr.
//   - stdin feeds the interactive enrollment prompt under the enroll
//     authorization policy.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with
//     parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdout, stderr io.Writer, stdin io.Reader, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
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
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
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
		return runServe(ctx, stdout, stderr, stdin, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Zaprelay - WhatsApp to Ollama conversation relay")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: zaprelay [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the relay")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./zaprelay.yaml, ~/.config/zaprelay/zaprelay.yaml, /etc/zaprelay/zaprelay.yaml")
	return nil
}

// runServe handles the "zaprelay serve" subcommand. It is the primary
// operating mode: loads config, opens the authorization store and the
// transcript archive, connects to the gateway sidecar, and blocks until
// a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The bridge drains in-flight message handlers
//  3. The authorization gate flushes dirty records
//  4. The archive and MQTT connections are closed via defers
func runServe(ctx context.Context, stdout, stderr io.Writer, stdin io.Reader, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting zaprelay", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		// Already validated by config.Validate(), so this error path
		// should be unreachable in practice.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"gateway_url", cfg.Gateway.URL,
		"ollama_url", cfg.Ollama.URL,
		"default_model", cfg.Auth.DefaultModel,
		"auth_policy", cfg.Auth.Policy,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.New()

	// --- Authorization gate ---
	// Durable allow-list in a JSON file, loaded up front. Under the
	// enroll policy, unknown conversations prompt on the terminal.
	var decider auth.Decider
	if cfg.Auth.Policy == string(auth.PolicyEnroll) {
		decider = newTerminalDecider(stdin, stdout)
	}

	gate, err := auth.NewGate(auth.GateConfig{
		Policy:        auth.Policy(cfg.Auth.Policy),
		DefaultModel:  cfg.Auth.DefaultModel,
		Decider:       decider,
		Store:         auth.NewFileStore(cfg.Auth.StorePath),
		Logger:        logger,
		FlushInterval: time.Duration(cfg.Auth.FlushIntervalSec) * time.Second,
		Bus:           bus,
	})
	if err != nil {
		return fmt.Errorf("authorization gate: %w", err)
	}
	go gate.Run(ctx)
	logger.Info("authorization store loaded",
		"path", cfg.Auth.StorePath,
		"authorized", gate.AuthorizedCount(),
	)

	// --- Context window ---
	windowStore := window.NewStore(cfg.Window.Limit)

	// --- Model router ---
	modelRouter := router.New(logger, gate, cfg.Auth.DefaultModel)

	// --- Inference backend ---
	ollamaClient := llm.NewOllamaClient(cfg.Ollama.URL, cfg.OllamaTimeout())
	if err := ollamaClient.Ping(ctx); err != nil {
		// Not fatal: Ollama may come up after the relay.
		logger.Warn("ollama not reachable at startup", "url", cfg.Ollama.URL, "error", err)
	}

	// --- Transcription sidecar ---
	// Optional. When disabled, voice messages get the transcription
	// apology.
	var transcriber relay.Transcriber
	if cfg.Transcribe.Enabled {
		transcriber = transcribe.NewClient(cfg.Transcribe.URL, cfg.TranscribeTimeout())
		logger.Info("transcription enabled", "url", cfg.Transcribe.URL)
	}

	// --- Transcript archive ---
	var archiveStore *archive.Store
	if cfg.Archive.Enabled {
		archiveStore, err = archive.Open(cfg.Archive.Path)
		if err != nil {
			return fmt.Errorf("open transcript archive %s: %w", cfg.Archive.Path, err)
		}
		defer archiveStore.Close()
		logger.Info("transcript archive opened", "path", cfg.Archive.Path)
	}

	// --- Gateway client ---
	// The dispatcher is constructed after the client (it sends replies
	// through it), so the ready callback captures the variable.
	var dispatcher *relay.Dispatcher
	client := gateway.NewClient(gateway.ClientConfig{
		URL:      cfg.Gateway.URL,
		Logger:   logger,
		QRWriter: stdout,
		OnReady: func(selfID string) {
			if dispatcher != nil {
				dispatcher.SetSelfID(selfID)
			}
		},
	})

	// --- Dispatcher ---
	dispatcherCfg := relay.DispatcherConfig{
		Logger:      logger,
		Auth:        gate,
		Router:      modelRouter,
		Window:      windowStore,
		Inference:   &ollamaInference{client: ollamaClient},
		Transcriber: transcriber,
		Sender:      client,
		Bus:         bus,
	}
	if archiveStore != nil {
		dispatcherCfg.Archive = archiveStore
	}
	dispatcher = relay.NewDispatcher(dispatcherCfg)

	// --- MQTT stats publisher ---
	if cfg.MQTT.Enabled {
		stats := &relayStats{
			dispatcher: dispatcher,
			gate:       gate,
			router:     modelRouter,
			window:     windowStore,
		}
		publisher := mqtt.New(cfg.MQTT, stats, logger)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = publisher.Stop(stopCtx)
		}()
	}

	// --- Bridge ---
	bridge := gateway.NewBridge(gateway.BridgeConfig{
		Client:    client,
		Handler:   dispatcher,
		Logger:    logger,
		Matcher:   gateway.NewGroupMatcher(cfg.Gateway.GroupMatch, cfg.Gateway.GroupDomain),
		RateLimit: cfg.Gateway.RateLimit,
		Bus:       bus,
	})

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	// Blocks until ctx is cancelled or the gateway connection drops,
	// then drains in-flight handlers.
	bridge.Run(ctx)

	gate.Flush()
	logger.Info("zaprelay stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level. All log output in zaprelay goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// ollamaInference adapts the Ollama client to the dispatcher's
// [relay.Inference] interface.
type ollamaInference struct {
	client *llm.OllamaClient
}

func (o *ollamaInference) Reply(ctx context.Context, model string, turns []window.Turn) (string, error) {
	messages := make([]llm.Message, len(turns))
	for i, t := range turns {
		messages[i] = llm.Message{Role: t.Role, Content: t.Content}
	}
	resp, err := o.client.Chat(ctx, model, messages)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// relayStats bridges relay runtime state to the MQTT publisher's
// [mqtt.StatsSource] interface.
type relayStats struct {
	dispatcher *relay.Dispatcher
	gate       *auth.Gate
	router     *router.Router
	window     *window.Store
}

func (s *relayStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (s *relayStats) Version() string       { return buildinfo.Version }
func (s *relayStats) Conversations() int    { return s.window.Conversations() }
func (s *relayStats) Authorized() int       { return s.gate.AuthorizedCount() }

func (s *relayStats) Outcomes() map[string]int {
	counts := s.dispatcher.OutcomeCounts()
	out := make(map[string]int, len(counts))
	for outcome, n := range counts {
		out[string(outcome)] = int(n)
	}
	return out
}

func (s *relayStats) Models() map[string]int {
	counts := s.router.Counts()
	out := make(map[string]int, len(counts))
	for model, n := range counts {
		out[model] = int(n)
	}
	return out
}
