// pycomplete/pycomplete_types.go
// Contains core type definitions used throughout the pycomplete package.
package pycomplete

import (
	"encoding/json"
	"errors"
	"fmt"
	stdslog "log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// =============================================================================
// Configuration Types & Constants
// =============================================================================

const (
	BackendJedi    = "jedi"    // Jedi via the configured Python interpreter.
	BackendLexical = "lexical" // Pure-Go lexical fallback.

	defaultPythonPath          = "python3"
	defaultBackend             = BackendJedi
	defaultAnalysisTimeoutMs   = 3000
	defaultMaxWorkers          = 4
	defaultPriority            = 200
	defaultLogLevel            = "info"
	defaultMemoryCacheTTLSecs  = 300 // 5 minutes
	defaultConfigFileName      = "config.json"
	configDirName              = "pycomplete" // Subdirectory name for config/data.
	cacheSchemaVersion         = 1            // Bump when CachedCompletionEntry changes shape.
	defaultProviderDisplayName = "Python"
)

// Config holds the active configuration for the completion service.
type Config struct {
	PythonPath            string        `json:"python_path"`              // Interpreter that has jedi installed.
	Backend               string        `json:"backend"`                  // "jedi" or "lexical".
	AnalysisTimeoutMs     int           `json:"analysis_timeout_ms"`      // Upper bound for one analysis call.
	MaxWorkers            int           `json:"max_workers"`              // Concurrently running analyses.
	DecorateCallables     bool          `json:"decorate_callables"`       // Append "(" to function/class insertions.
	LogLevel              string        `json:"log_level"`                // debug, info, warn, error.
	MemoryCacheTTLSeconds int           `json:"memory_cache_ttl_seconds"` // TTL for memory cache items.
	UseDiskCache          bool          `json:"use_disk_cache"`           // Persist results in bbolt.
	ExtraSysPath          []string      `json:"extra_sys_path"`           // Prepended to jedi's sys.path.
	Priority              int           `json:"priority"`                 // Provider priority, positive.
	Activation            string        `json:"activation"`               // "interactive" or "user-requested".
	AnalysisTimeout       time.Duration `json:"-"`                        // Derived.
	MemoryCacheTTL        time.Duration `json:"-"`                        // Derived.
}

// FileConfig represents the structure of the JSON config file for unmarshalling.
// Pointers distinguish unset fields from zero values.
type FileConfig struct {
	PythonPath            *string   `json:"python_path"`
	Backend               *string   `json:"backend"`
	AnalysisTimeoutMs     *int      `json:"analysis_timeout_ms"`
	MaxWorkers            *int      `json:"max_workers"`
	DecorateCallables     *bool     `json:"decorate_callables"`
	LogLevel              *string   `json:"log_level"`
	MemoryCacheTTLSeconds *int      `json:"memory_cache_ttl_seconds"`
	UseDiskCache          *bool     `json:"use_disk_cache"`
	ExtraSysPath          *[]string `json:"extra_sys_path"`
	Priority              *int      `json:"priority"`
	Activation            *string   `json:"activation"`
}

// getDefaultConfig returns a new instance of the default configuration.
func getDefaultConfig() Config {
	return Config{
		PythonPath:            defaultPythonPath,
		Backend:               defaultBackend,
		AnalysisTimeoutMs:     defaultAnalysisTimeoutMs,
		MaxWorkers:            defaultMaxWorkers,
		DecorateCallables:     false,
		LogLevel:              defaultLogLevel,
		MemoryCacheTTLSeconds: defaultMemoryCacheTTLSecs,
		UseDiskCache:          true,
		ExtraSysPath:          []string{},
		Priority:              defaultPriority,
		Activation:            string(ActivationInteractive),
		AnalysisTimeout:       time.Duration(defaultAnalysisTimeoutMs) * time.Millisecond,
		MemoryCacheTTL:        time.Duration(defaultMemoryCacheTTLSecs) * time.Second,
	}
}

// Validate checks if configuration values are valid, applying defaults for some fields.
func (c *Config) Validate(logger *stdslog.Logger) error {
	var validationErrors []error
	if logger == nil {
		logger = stdslog.Default()
	}
	tempDefault := getDefaultConfig()

	switch c.Backend {
	case BackendJedi, BackendLexical:
	case "":
		logger.Warn("Config validation: backend is empty, applying default.", "default", tempDefault.Backend)
		c.Backend = tempDefault.Backend
	default:
		validationErrors = append(validationErrors, fmt.Errorf("unknown backend '%s', must be %q or %q", c.Backend, BackendJedi, BackendLexical))
		c.Backend = tempDefault.Backend
	}
	if c.Backend == BackendJedi && strings.TrimSpace(c.PythonPath) == "" {
		validationErrors = append(validationErrors, errors.New("python_path cannot be empty when backend is jedi"))
	}
	if c.AnalysisTimeoutMs <= 0 {
		logger.Warn("Config validation: analysis_timeout_ms is not positive, applying default.", "configured_value", c.AnalysisTimeoutMs, "default", tempDefault.AnalysisTimeoutMs)
		c.AnalysisTimeoutMs = tempDefault.AnalysisTimeoutMs
	}
	if c.MaxWorkers <= 0 {
		logger.Warn("Config validation: max_workers is not positive, applying default.", "configured_value", c.MaxWorkers, "default", tempDefault.MaxWorkers)
		c.MaxWorkers = tempDefault.MaxWorkers
	}
	if c.MemoryCacheTTLSeconds <= 0 {
		logger.Warn("Config validation: memory_cache_ttl_seconds is not positive, applying default.", "configured_value", c.MemoryCacheTTLSeconds, "default", tempDefault.MemoryCacheTTLSeconds)
		c.MemoryCacheTTLSeconds = tempDefault.MemoryCacheTTLSeconds
	}
	if c.Priority <= 0 {
		logger.Warn("Config validation: priority is not positive, applying default.", "configured_value", c.Priority, "default", tempDefault.Priority)
		c.Priority = tempDefault.Priority
	}
	if c.Activation == "" {
		c.Activation = tempDefault.Activation
	} else if _, err := ParseActivation(c.Activation); err != nil {
		validationErrors = append(validationErrors, err)
		c.Activation = tempDefault.Activation
	}
	c.AnalysisTimeout = time.Duration(c.AnalysisTimeoutMs) * time.Millisecond
	c.MemoryCacheTTL = time.Duration(c.MemoryCacheTTLSeconds) * time.Second

	if c.LogLevel == "" {
		logger.Warn("Config validation: log_level is empty, applying default.", "default", defaultLogLevel)
		c.LogLevel = defaultLogLevel
	} else if _, err := ParseLogLevel(c.LogLevel); err != nil {
		logger.Warn("Config validation: Invalid log_level found, applying default.", "configured_value", c.LogLevel, "default", defaultLogLevel, "error", err)
		validationErrors = append(validationErrors, fmt.Errorf("invalid log_level '%s': %w", c.LogLevel, err))
		c.LogLevel = defaultLogLevel
	}
	if c.ExtraSysPath == nil {
		c.ExtraSysPath = []string{}
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(validationErrors...))
	}
	return nil
}

// UnknownConfigKeys decodes a JSON settings object onto FileConfig and returns
// the keys no field claims, sorted. Values of the wrong type are an error.
func UnknownConfigKeys(settings []byte) ([]string, error) {
	var raw map[string]any
	if err := json.Unmarshal(settings, &raw); err != nil {
		return nil, fmt.Errorf("%w: settings must be a JSON object: %w", ErrInvalidConfig, err)
	}
	var fc FileConfig
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:   &fc,
		TagName:  "json",
		Metadata: &md,
	})
	if err != nil {
		return nil, fmt.Errorf("creating settings decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	sort.Strings(md.Unused)
	return md.Unused, nil
}

// mergeFileConfig copies every field present in fc onto cfg and returns how many were set.
func mergeFileConfig(cfg *Config, fc FileConfig) int {
	merged := 0
	if fc.PythonPath != nil {
		cfg.PythonPath = *fc.PythonPath
		merged++
	}
	if fc.Backend != nil {
		cfg.Backend = *fc.Backend
		merged++
	}
	if fc.AnalysisTimeoutMs != nil {
		cfg.AnalysisTimeoutMs = *fc.AnalysisTimeoutMs
		merged++
	}
	if fc.MaxWorkers != nil {
		cfg.MaxWorkers = *fc.MaxWorkers
		merged++
	}
	if fc.DecorateCallables != nil {
		cfg.DecorateCallables = *fc.DecorateCallables
		merged++
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
		merged++
	}
	if fc.MemoryCacheTTLSeconds != nil {
		cfg.MemoryCacheTTLSeconds = *fc.MemoryCacheTTLSeconds
		merged++
	}
	if fc.UseDiskCache != nil {
		cfg.UseDiskCache = *fc.UseDiskCache
		merged++
	}
	if fc.ExtraSysPath != nil {
		cfg.ExtraSysPath = append([]string(nil), (*fc.ExtraSysPath)...)
		merged++
	}
	if fc.Priority != nil {
		cfg.Priority = *fc.Priority
		merged++
	}
	if fc.Activation != nil {
		cfg.Activation = *fc.Activation
		merged++
	}
	return merged
}

// =============================================================================
// Completion Types
// =============================================================================

// Request is an immutable snapshot of editor state taken when completion triggers.
type Request struct {
	ID      uint64 // Monotonic identity; the token compares these.
	Source  string // Full document text.
	Path    string // Backing file path, "" for unsaved buffers.
	Line    int    // 1-based.
	Column  int    // 0-based, in code points.
	TraceID string // Log correlation only.
}

// Candidate is one suggestion returned by an Analyzer.
type Candidate struct {
	Name     string `json:"name"`
	Category string `json:"category"` // module, class, instance, function, param, path, keyword, property, statement
	Doc      string `json:"doc"`
}

// Proposal is the presentation record handed to the host.
type Proposal struct {
	Label    string
	Insert   string
	Category string
	Icon     Icon
	Info     string
}

// AnalysisResult is the outcome of one analysis call. A failed result
// never carries candidates.
type AnalysisResult struct {
	Candidates []Candidate
	Err        error
}

// OK reports whether the analysis succeeded.
func (r AnalysisResult) OK() bool { return r.Err == nil }

// Activation controls when the host consults the provider.
type Activation string

const (
	ActivationInteractive   Activation = "interactive"    // Every qualifying keystroke.
	ActivationUserRequested Activation = "user-requested" // Only explicit invocations.
)

// ParseActivation converts a config string into an Activation.
func ParseActivation(s string) (Activation, error) {
	switch Activation(strings.ToLower(strings.TrimSpace(s))) {
	case ActivationInteractive:
		return ActivationInteractive, nil
	case ActivationUserRequested:
		return ActivationUserRequested, nil
	}
	return "", fmt.Errorf("unknown activation '%s', must be %q or %q", s, ActivationInteractive, ActivationUserRequested)
}

// ProviderInfo is what the provider registers with the host.
type ProviderInfo struct {
	Name       string
	Priority   int
	Activation Activation
}

// =============================================================================
// Cache Types
// =============================================================================

type CachedCompletionEntry struct {
	SchemaVersion int         // Version of the cache structure itself.
	Backend       string      // Backend that produced the candidates.
	StoredAt      time.Time   // When the entry was written.
	Candidates    []Candidate // Cached analysis output.
}
