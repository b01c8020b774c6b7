package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shehackedyou/pycomplete"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Set at build time
var version = "dev"

// setFlags collects repeated -set key=value flags.
type setFlags []string

func (s *setFlags) String() string     { return strings.Join(*s, ",") }
func (s *setFlags) Set(v string) error { *s = append(*s, v); return nil }

// cliDocument is the buffer handed to the provider.
type cliDocument struct {
	text      string
	line, col int
	path      string
}

func (d cliDocument) Text() string             { return d.text }
func (d cliDocument) Cursor() (int, int)       { return d.line, d.col }
func (d cliDocument) Location() (string, bool) { return d.path, d.path != "" }

// cliContext records the published batch and stops the loop.
type cliContext struct {
	doc       cliDocument
	loop      *pycomplete.Loop
	proposals []pycomplete.Proposal
	published bool
}

func (c *cliContext) Document() pycomplete.Document { return c.doc }

func (c *cliContext) Publish(proposals []pycomplete.Proposal, final bool) {
	c.proposals = proposals
	c.published = true
	if final {
		c.loop.Stop()
	}
}

func main() {
	var settings setFlags
	filePath := flag.String("file", "", "Path to the Python file (required unless -stdin is used)")
	line := flag.Int("line", 0, "Cursor line (1-based); 0 means the last line")
	col := flag.Int("col", -1, "Cursor column in characters (0-based); -1 means end of line")
	stdin := flag.Bool("stdin", false, "Read the buffer from stdin as an unsaved document")
	backend := flag.String("backend", "", "Analysis backend (jedi, lexical) - overrides config")
	logLevelFlag := flag.String("log-level", "", "Log level (debug, info, warn, error) - overrides config")
	jsonOut := flag.Bool("json", false, "Print proposals as JSON")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall time limit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	writeConfig := flag.Bool("write-config", false, "Save -set, -backend and -log-level into the user config file and exit")
	flag.Var(&settings, "set", "Override a config field, e.g. -set decorate_callables=true (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Println("pycomplete-cli", version)
		return
	}

	tempLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	overrides, err := buildOverrides(settings, *backend, *logLevelFlag)
	if err != nil {
		tempLogger.Error("Invalid -set flag", "error", err)
		os.Exit(1)
	}

	if *writeConfig {
		path, err := persistOverrides(overrides, tempLogger)
		if err != nil {
			tempLogger.Error("Failed to update config file", "error", err)
			os.Exit(1)
		}
		pycomplete.PrettyPrint(pycomplete.ColorGreen, fmt.Sprintf("Updated %s\n", path))
		return
	}

	// --- Input ---
	var source, absPath string
	switch {
	case *stdin:
		if *filePath != "" {
			tempLogger.Error("Cannot use -file when -stdin is specified.")
			flag.Usage()
			os.Exit(1)
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			tempLogger.Error("Failed to read from stdin", "error", err)
			os.Exit(1)
		}
		source = string(data)
	case *filePath != "":
		p, err := filepath.Abs(*filePath)
		if err != nil {
			tempLogger.Error("Invalid file path provided via -file flag", "path", *filePath, "error", err)
			os.Exit(1)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			tempLogger.Error("Cannot read file provided via -file flag", "path", p, "error", err)
			os.Exit(1)
		}
		source, absPath = string(data), p
	default:
		tempLogger.Error("Missing required flag: -file or -stdin")
		flag.Usage()
		os.Exit(1)
	}

	cursorLine, cursorCol, err := resolveCursor(source, *line, *col)
	if err != nil {
		tempLogger.Error("Invalid cursor position", "line", *line, "col", *col, "error", err)
		os.Exit(1)
	}

	// --- Completer and overrides ---
	completer, initErr := pycomplete.NewCompleter(tempLogger)
	if initErr != nil && (!errors.Is(initErr, pycomplete.ErrConfig) || completer == nil) {
		tempLogger.Error("Fatal error initializing completion service", "error", initErr)
		os.Exit(1)
	}
	defer completer.Close()

	if overrides != "{}" {
		if _, err := completer.ApplySettingsJSON([]byte(overrides)); err != nil {
			tempLogger.Error("Failed to apply overrides", "overrides", overrides, "error", err)
			os.Exit(1)
		}
	}

	cfg := completer.GetCurrentConfig()
	logLevel, parseLevelErr := pycomplete.ParseLogLevel(cfg.LogLevel)
	if parseLevelErr != nil {
		logLevel = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	if initErr != nil {
		slog.Warn("Completion service initialized with configuration warnings", "error", initErr)
	}

	// --- Run one trigger through the provider on a local loop ---
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	loop := pycomplete.NewLoop(slog.Default())
	provider := completer.NewProvider(loop)
	cc := &cliContext{
		doc:  cliDocument{text: source, line: cursorLine, col: cursorCol, path: absPath},
		loop: loop,
	}
	_ = loop.Post(func() { provider.OnTrigger(cc) })
	if err := loop.Run(ctx); err != nil {
		slog.Error("Completion did not finish", "error", err)
		os.Exit(1)
	}
	if !cc.published {
		os.Exit(1)
	}
	slog.Debug("Provider stats", "stats", provider.Stats())

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cc.proposals); err != nil {
			slog.Error("Failed to encode proposals", "error", err)
			os.Exit(1)
		}
		return
	}
	if len(cc.proposals) == 0 {
		pycomplete.PrettyPrint(pycomplete.ColorYellow, "No completions.\n")
		return
	}
	for _, p := range cc.proposals {
		fmt.Printf("%s\t%s\t%s\n", p.Insert, p.Category, p.Icon.Name)
	}
	pycomplete.PrettyPrint(pycomplete.ColorGreen, fmt.Sprintf("%d completions (%s backend)\n", len(cc.proposals), cfg.Backend))
}

// persistOverrides writes the overrides into the primary config file, or the
// secondary one when no user config directory is known.
func persistOverrides(overrides string, logger *slog.Logger) (string, error) {
	if overrides == "{}" {
		return "", errors.New("nothing to write; use -set, -backend or -log-level")
	}
	primary, secondary, err := pycomplete.GetConfigPaths(logger)
	if err != nil {
		return "", err
	}
	path := primary
	if path == "" {
		path = secondary
	}
	return path, pycomplete.EditConfigFile(path, []byte(overrides), logger)
}

// resolveCursor turns flag values into the provider's 0-based line and column.
func resolveCursor(source string, line, col int) (int, int, error) {
	lines := strings.Split(source, "\n")
	if line == 0 {
		line = len(lines)
	}
	if line < 1 || line > len(lines) {
		return 0, 0, fmt.Errorf("line %d outside 1..%d", line, len(lines))
	}
	text := strings.TrimSuffix(lines[line-1], "\r")
	width := len([]rune(text))
	if col < 0 {
		col = width
	}
	if col > width {
		return 0, 0, fmt.Errorf("column %d beyond line length %d", col, width)
	}
	return line - 1, col, nil
}

// buildOverrides turns -set, -backend and -log-level into a JSON settings object.
// Values that parse as JSON (numbers, booleans, arrays) are kept typed.
func buildOverrides(settings []string, backend, logLevel string) (string, error) {
	doc := "{}"
	var err error
	for _, kv := range settings {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return "", fmt.Errorf("expected key=value, got %q", kv)
		}
		if gjson.Valid(value) {
			doc, err = sjson.SetRaw(doc, key, value)
		} else {
			doc, err = sjson.Set(doc, key, value)
		}
		if err != nil {
			return "", err
		}
	}
	if backend != "" {
		if doc, err = sjson.Set(doc, "backend", backend); err != nil {
			return "", err
		}
	}
	if logLevel != "" {
		if doc, err = sjson.Set(doc, "log_level", logLevel); err != nil {
			return "", err
		}
	}
	unknown, err := pycomplete.UnknownConfigKeys([]byte(doc))
	if err != nil {
		return "", err
	}
	if len(unknown) > 0 {
		return "", fmt.Errorf("unknown config keys: %s", strings.Join(unknown, ", "))
	}
	return doc, nil
}
