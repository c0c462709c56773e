// Darktable-mcp bridges an AI assistant to a running darktable instance.
//
// It speaks line-delimited JSON-RPC on stdin/stdout, advertises a small
// fixed set of photo-editing tools, and executes each tool by sending a
// Lua script to darktable's remote scripting interface. Configuration
// is optional; see [config.DefaultSearchPaths] for where it is looked up.
//
// Usage:
//
//	darktable-mcp serve              Serve JSON-RPC on stdin/stdout (default)
//	darktable-mcp init [dir]         Write an example config file
//	darktable-mcp probe [script]     Run one Lua script and print the result
//	darktable-mcp tools              List the advertised tools
//	darktable-mcp journal [since]    Summarize journaled remote calls
//	darktable-mcp version            Print version and build information
//	darktable-mcp -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/yuri-schmaltz/darktable-mcp/internal/buildinfo"
	"github.com/yuri-schmaltz/darktable-mcp/internal/config"
	"github.com/yuri-schmaltz/darktable-mcp/internal/connwatch"
	"github.com/yuri-schmaltz/darktable-mcp/internal/events"
	"github.com/yuri-schmaltz/darktable-mcp/internal/journal"
	"github.com/yuri-schmaltz/darktable-mcp/internal/mcp"
	"github.com/yuri-schmaltz/darktable-mcp/internal/mqtt"
	"github.com/yuri-schmaltz/darktable-mcp/internal/remote"
	"github.com/yuri-schmaltz/darktable-mcp/internal/tools"
)

// probeScript is the default script for the probe command. It proves the
// Lua environment is live and that results come back intact.
const probeScript = "require 'darktable'; print('LUA DBUS TEST: OK'); return 'SUCCESS'"

// channelFactory builds the transport for a remote configuration. Tests
// replace it with an in-memory channel.
type channelFactory func(cfg config.RemoteConfig, logger *slog.Logger) remote.Channel

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. stdin and stdout carry the protocol when
// serving, so every log line goes to stderr.
//
// Arguments are parsed by hand; the flag package's global state would
// keep run from being called concurrently in tests.
func run(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
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
	case "serve", "":
		// An MCP client launches the bridge without arguments.
		return runServe(ctx, stdin, stdout, stderr, configPath, openChannel)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "probe":
		script := probeScript
		if len(cmdArgs) > 0 {
			script = strings.Join(cmdArgs, " ")
		}
		return runProbe(ctx, stdout, stderr, configPath, script, openChannel)
	case "tools":
		return runTools(stdout, outputFmt)
	case "journal":
		since := 24 * time.Hour
		if len(cmdArgs) > 0 {
			d, err := time.ParseDuration(cmdArgs[0])
			if err != nil || d <= 0 {
				return fmt.Errorf("usage: darktable-mcp journal [since], e.g. 24h")
			}
			since = d
		}
		return runJournal(stdout, configPath, outputFmt, since)
	case "version":
		return runVersion(stdout, outputFmt)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
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

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "darktable-mcp - JSON-RPC tool bridge for darktable")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: darktable-mcp [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Serve JSON-RPC on stdin/stdout (default)")
	fmt.Fprintln(w, "  init [dir]       Write an example darktable-mcp.yaml (default: .)")
	fmt.Fprintln(w, "  probe [script]   Run one Lua script in darktable and print the result")
	fmt.Fprintln(w, "  tools            List the advertised tools")
	fmt.Fprintln(w, "  journal [since]  Summarize journaled remote calls (default: 24h)")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe connects to darktable and serves requests from stdin until
// the input ends or the process is signalled.
func runServe(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, configPath string, newChannel channelFactory) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)
	logger.Info("starting darktable-mcp",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"transport", cfg.Remote.Transport,
		"strict_tools", cfg.StrictTools,
		"strict_methods", cfg.StrictMethods,
	)

	sessionID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate session id: %w", err)
	}

	bus := events.New()
	if logger.Enabled(ctx, slog.LevelDebug) {
		evCtx, evCancel := context.WithCancel(ctx)
		evDone := make(chan struct{})
		go func() {
			defer close(evDone)
			logEvents(evCtx, bus, logger)
		}()
		defer func() {
			evCancel()
			<-evDone
		}()
	}

	ch, closeJournal, err := buildChannel(cfg, sessionID.String(), newChannel, logger)
	if err != nil {
		return err
	}
	defer closeJournal()

	endpoint := endpointName(cfg.Remote)
	backoff := connwatch.BackoffConfig{
		InitialDelay: cfg.Remote.Connect.InitialDelay,
		MaxDelay:     cfg.Remote.Connect.MaxDelay,
		MaxRetries:   cfg.Remote.Connect.MaxRetries,
	}
	if err := connwatch.Connect(ctx, backoff, endpoint, ch.Connect, logger); err != nil {
		return err
	}
	defer func() {
		if err := ch.Close(); err != nil {
			logger.Warn("close remote channel", "error", err)
		}
	}()

	if cfg.Remote.WatchInterval > 0 {
		w := connwatch.Watch(ctx, connwatch.WatcherConfig{
			Name:     endpoint,
			Probe:    ch.Ping,
			Interval: cfg.Remote.WatchInterval,
			Ready:    true,
			OnReady: func() {
				bus.Emit(events.SourceRemote, events.KindEndpointUp, map[string]any{"endpoint": endpoint})
			},
			OnDown: func(err error) {
				bus.Emit(events.SourceRemote, events.KindEndpointDown, map[string]any{
					"endpoint": endpoint,
					"error":    err.Error(),
				})
			},
			Logger: logger,
		})
		defer w.Stop()
	}

	if cfg.MQTT.Configured() {
		pub := mqtt.New(cfg.MQTT, sessionID.String(), bus, logger)
		pubCtx, pubCancel := context.WithCancel(ctx)
		pubDone := make(chan struct{})
		go func() {
			defer close(pubDone)
			if err := pub.Start(pubCtx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		defer func() {
			pubCancel()
			<-pubDone
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pub.Stop(stopCtx); err != nil {
				logger.Warn("mqtt stop", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "instance", sessionID.String())
	}

	var regOpts []tools.Option
	if cfg.StrictTools {
		regOpts = append(regOpts, tools.WithStrictTools())
	}
	regOpts = append(regOpts, tools.WithLogger(logger))
	registry := tools.NewRegistry(tools.RemoteRunner(ch, cfg.Remote.Method), regOpts...)

	dispOpts := []mcp.Option{mcp.WithEventBus(bus), mcp.WithLogger(logger)}
	if cfg.StrictMethods {
		dispOpts = append(dispOpts, mcp.WithStrictMethods())
	}
	dispatcher := mcp.NewDispatcher(registry, dispOpts...)

	// A blocked read only returns when stdin is closed.
	if c, ok := stdin.(io.Closer); ok {
		release := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer release()
	}

	logger.Info("serving", "session", sessionID.String(), "tools", len(registry.List()))
	err = mcp.NewSession(dispatcher, stdin, stdout, logger).Run(ctx)
	if ctx.Err() != nil {
		logger.Info("shutdown signal received", "uptime", buildinfo.Uptime())
		return nil
	}
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	logger.Info("input closed, shutting down", "uptime", buildinfo.Uptime())
	return nil
}

// runProbe sends one script to darktable and prints the normalized
// result, for checking the remote setup without an MCP client.
func runProbe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, script string, newChannel channelFactory) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	ch := remote.Guard(newChannel(cfg.Remote, logger), cfg.Remote.CallTimeout)
	if err := ch.Connect(ctx); err != nil {
		return err
	}
	defer ch.Close()

	start := time.Now()
	result, err := ch.Invoke(ctx, cfg.Remote.Method, script)
	if err != nil {
		return err
	}
	logger.Debug("probe completed", "elapsed", time.Since(start))

	// Plain text prints as is; JSON is pretty-printed the way callTool
	// returns it.
	content := tools.Normalize(result)
	if s, ok := content.(string); ok {
		fmt.Fprintln(stdout, s)
		return nil
	}
	fmt.Fprintln(stdout, tools.Render(content))
	return nil
}

// runTools prints the tool catalog as served by listTools.
func runTools(w io.Writer, outputFmt string) error {
	list := tools.NewRegistry(nil).List()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(mcp.ListToolsResult{Tools: list})
	}
	for _, t := range list {
		fmt.Fprintf(w, "%-20s %s\n", t.Name, t.Description)
		names := make([]string, 0, len(t.Parameters))
		for name := range t.Parameters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := t.Parameters[name]
			line := fmt.Sprintf("  %s (%s)", name, p.Type)
			if isRequired(t, name) {
				line += " required"
			}
			if p.Description != "" {
				line += ": " + p.Description
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}

func isRequired(t *tools.Tool, name string) bool {
	for _, r := range t.Required {
		if r == name {
			return true
		}
	}
	return false
}

// runJournal prints per-tool call statistics and the most recent calls
// from the journal database.
func runJournal(w io.Writer, configPath string, outputFmt string, since time.Duration) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.Journal.Enabled() {
		return errors.New("journal is not configured (set journal.path)")
	}

	db, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	store, err := journal.NewStore(db)
	if err != nil {
		db.Close()
		return err
	}
	defer store.Close()

	end := time.Now()
	byTool, err := store.SummaryByTool(end.Add(-since), end)
	if err != nil {
		return err
	}
	recent, err := store.Recent(10)
	if err != nil {
		return err
	}
	return printJournal(w, outputFmt, since, byTool, recent)
}

func printJournal(w io.Writer, outputFmt string, since time.Duration, byTool map[string]*journal.Summary, recent []journal.Record) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"since":   since.String(),
			"by_tool": byTool,
			"recent":  recent,
		})
	}

	names := make([]string, 0, len(byTool))
	for name := range byTool {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(w, "Remote calls in the last %s:\n", since)
	if len(names) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, name := range names {
		s := byTool[name]
		label := name
		if label == "" {
			label = "(direct)"
		}
		fmt.Fprintf(w, "  %-20s calls=%d failed=%d total=%s max=%s\n",
			label, s.TotalCalls, s.FailedCalls, s.TotalDuration.Round(time.Millisecond), s.MaxDuration.Round(time.Millisecond))
	}

	if len(recent) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Recent calls:")
		for _, r := range recent {
			status := "ok"
			if r.Error != "" {
				status = "error: " + r.Error
			}
			fmt.Fprintf(w, "  %s %-20s %8s %s\n",
				r.Timestamp.Local().Format(time.DateTime), r.Tool, r.Duration.Round(time.Millisecond), status)
		}
	}
	return nil
}

// buildChannel creates the transport, wraps it with the journal when one
// is configured, and serializes it behind the call timeout. The returned
// func closes the journal.
func buildChannel(cfg *config.Config, sessionID string, newChannel channelFactory, logger *slog.Logger) (remote.Channel, func(), error) {
	ch := newChannel(cfg.Remote, logger)
	closeJournal := func() {}

	if cfg.Journal.Enabled() {
		db, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, nil, err
		}
		store, err := journal.NewStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		ch = journal.NewChannel(ch, store, sessionID, logger)
		closeJournal = func() {
			if err := store.Close(); err != nil {
				logger.Warn("close journal", "error", err)
			}
		}
		logger.Info("journal enabled", "path", cfg.Journal.Path)
	}

	return remote.Guard(ch, cfg.Remote.CallTimeout), closeJournal, nil
}

// openChannel is the production channelFactory.
func openChannel(cfg config.RemoteConfig, logger *slog.Logger) remote.Channel {
	if cfg.Transport == config.TransportWebSocket {
		return remote.NewWebSocket(remote.WebSocketConfig{URL: cfg.WebSocketURL, Logger: logger})
	}
	return remote.NewDBus(remote.DBusConfig{
		Bus: cfg.Bus,
		Endpoint: remote.Endpoint{
			Service:   cfg.Service,
			Path:      cfg.Path,
			Interface: cfg.Interface,
			Method:    cfg.Method,
		},
		Logger: logger,
	})
}

// endpointName labels the remote endpoint in logs and events.
func endpointName(cfg config.RemoteConfig) string {
	if cfg.Transport == config.TransportWebSocket {
		return cfg.WebSocketURL
	}
	return cfg.Service
}

// logEvents writes every bus event to the debug log until ctx is done.
func logEvents(ctx context.Context, bus *events.Bus, logger *slog.Logger) {
	sub := bus.Subscribe(64)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			attrs := []any{"source", e.Source, "kind", e.Kind}
			for k, v := range e.Data {
				attrs = append(attrs, k, v)
			}
			logger.Debug("event", attrs...)
		}
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by cfg. The level was
// checked by config.Validate.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. Without an
// explicit path and without a file in any default location, the
// built-in defaults are used and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
