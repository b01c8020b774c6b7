package main

import (
	"errors"
	"expvar"
	"flag"
	"fmt"
	"io"
	stlog "log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"

	"github.com/shehackedyou/pycomplete"
	"github.com/tidwall/sjson"
)

// App version (set via linker flags -ldflags="-X main.appVersion=...")
var appVersion = "dev"

func main() {
	logPath := flag.String("log-file", "pycomplete-lsp.log", "File to append logs to (also written to stderr)")
	debugAddr := flag.String("debug-addr", "localhost:6061", "Address for the pprof/expvar server; empty disables it")
	logLevelFlag := flag.String("log-level", "", "Log level (debug, info, warn, error) - overrides config")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("pycomplete-lsp", appVersion)
		return
	}
	overrides, err := flagOverrides(*logLevelFlag)
	if err != nil {
		stlog.Fatalf("Invalid -log-level: %v", err)
	}

	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
	if err != nil {
		stlog.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()
	logWriter := io.MultiWriter(os.Stderr, logFile)

	// --- Temporary logger until the configured level is known ---
	tempLogger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: slog.LevelInfo}))

	completer, initErr := pycomplete.NewCompleter(tempLogger)
	if initErr != nil {
		tempLogger.Error("Failed to initialize completion service", "error", initErr)
		if !errors.Is(initErr, pycomplete.ErrConfig) || completer == nil {
			os.Exit(1)
		}
	}
	if overrides != nil {
		if _, err := completer.ApplySettingsJSON(overrides); err != nil {
			tempLogger.Error("Failed to apply command line overrides", "error", err)
			os.Exit(1)
		}
	}
	defer func() {
		slog.Info("Closing completion service...")
		if err := completer.Close(); err != nil {
			slog.Error("Error closing completer", "error", err)
		}
	}()

	// --- Global logger with a level the server can change at runtime ---
	initialConfig := completer.GetCurrentConfig()
	levelVar := new(slog.LevelVar)
	logLevel, parseLevelErr := pycomplete.ParseLogLevel(initialConfig.LogLevel)
	if parseLevelErr != nil {
		logLevel = slog.LevelInfo
		tempLogger.Warn("Invalid log level in config, using default 'info'", "config_level", initialConfig.LogLevel, "error", parseLevelErr)
	}
	levelVar.Set(logLevel)
	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: levelVar, AddSource: true}))
	slog.SetDefault(logger)

	slog.Info("pycomplete LSP server starting...", "version", appVersion, "log_level", logLevel.String())
	if initErr != nil {
		slog.Warn("Completion service initialized with configuration warnings", "error", initErr)
	}

	// --- Config hot reload ---
	if primary, _, pathErr := pycomplete.GetConfigPaths(logger); pathErr == nil && primary != "" {
		watcher, watchErr := pycomplete.NewConfigWatcher(primary, func(cfg pycomplete.Config) error {
			if err := completer.UpdateConfig(cfg); err != nil {
				return err
			}
			if lvl, err := pycomplete.ParseLogLevel(cfg.LogLevel); err == nil {
				levelVar.Set(lvl)
			}
			return nil
		}, logger)
		if watchErr != nil {
			slog.Warn("Config hot reload disabled", "error", watchErr)
		} else {
			defer watcher.Close()
		}
	}

	// --- Profiling & Metrics ---
	if *debugAddr != "" {
		runtime.SetBlockProfileRate(1)
		runtime.SetMutexProfileFraction(1)
		startDebugServer(*debugAddr)
	}

	lspServer := pycomplete.NewServer(completer, logger, appVersion, levelVar)
	lspServer.Run(os.Stdin, os.Stdout)

	slog.Info("LSP server has shut down gracefully.")
}

// flagOverrides turns command line settings into a JSON settings object, or
// nil when none were given.
func flagOverrides(logLevel string) ([]byte, error) {
	if logLevel == "" {
		return nil, nil
	}
	if _, err := pycomplete.ParseLogLevel(logLevel); err != nil {
		return nil, err
	}
	return sjson.SetBytes([]byte(`{}`), "log_level", logLevel)
}

// startDebugServer starts the HTTP server for pprof and expvar.
func startDebugServer(addr string) {
	go func() {
		slog.Info("Starting debug server for pprof/expvar", "addr", addr)
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/cmdline", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/profile", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/symbol", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/trace", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
		if err := http.ListenAndServe(addr, debugMux); err != nil {
			slog.Error("Debug server failed", "error", err)
		}
	}()
}
