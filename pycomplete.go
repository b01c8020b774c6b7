// pycomplete.go
// Package pycomplete provides Python code completion for editors: an
// asynchronous, cancellation-aware request lifecycle in front of the Jedi
// analysis engine, served to editors over the Language Server Protocol.
package pycomplete

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdslog "log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/dustin/go-humanize"
)

// Core type definitions are in pycomplete_types.go.
// Exported error variables are in pycomplete_errors.go.

// =============================================================================
// Interfaces for Components
// =============================================================================

// Analyzer produces completion candidates for a snapshot. Implementations must
// be safe to call from worker goroutines and should honour ctx cancellation.
type Analyzer interface {
	// Complete returns candidates for the cursor at req.Line (1-based) and
	// req.Column (0-based). An empty req.Path means an unsaved buffer.
	Complete(ctx context.Context, req Request) ([]Candidate, error)
	// Close releases resources held by the analyzer.
	Close() error
}

// AvailabilityChecker is implemented by analyzers that depend on an external runtime.
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context) error
}

// =============================================================================
// Configuration Loading
// =============================================================================

// LoadConfig loads configuration from standard locations, merges with defaults,
// validates, and attempts to write a default config if needed.
func LoadConfig(logger *stdslog.Logger) (Config, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	cfg := getDefaultConfig()
	var loadedFromFile bool
	var loadErrors []error
	var configParseError error

	primaryPath, secondaryPath, pathErr := GetConfigPaths(logger)
	if pathErr != nil {
		loadErrors = append(loadErrors, pathErr)
		logger.Warn("Could not determine config paths, using defaults", "error", pathErr)
	}

	if primaryPath != "" {
		logger.Debug("Attempting to load config", "path", primaryPath)
		loaded, loadErr := LoadAndMergeConfig(primaryPath, &cfg, logger)
		if loadErr != nil {
			if strings.Contains(loadErr.Error(), "parsing config file JSON") {
				configParseError = loadErr
			}
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", primaryPath, loadErr))
			logger.Warn("Failed to load or merge config", "path", primaryPath, "error", loadErr)
		} else if loaded {
			loadedFromFile = true
			logger.Info("Loaded config", "path", primaryPath)
		}
	}

	if !loadedFromFile && secondaryPath != "" && secondaryPath != primaryPath {
		logger.Debug("Attempting to load config from secondary path", "path", secondaryPath)
		loaded, loadErr := LoadAndMergeConfig(secondaryPath, &cfg, logger)
		if loadErr != nil {
			if configParseError == nil && strings.Contains(loadErr.Error(), "parsing config file JSON") {
				configParseError = loadErr
			}
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", secondaryPath, loadErr))
			logger.Warn("Failed to load or merge config", "path", secondaryPath, "error", loadErr)
		} else if loaded {
			loadedFromFile = true
			configParseError = nil
			logger.Info("Loaded config", "path", secondaryPath)
		}
	}

	if !loadedFromFile || configParseError != nil {
		writePath := primaryPath
		if writePath == "" {
			writePath = secondaryPath
		}
		if writePath != "" {
			if configParseError != nil {
				logger.Warn("Existing config file failed to parse. Leaving it untouched.", "path", writePath, "error", configParseError)
			} else {
				logger.Info("No valid config file found. Attempting to write default.", "path", writePath)
				if err := WriteDefaultConfig(writePath, getDefaultConfig(), logger); err != nil {
					logger.Warn("Failed to write default config", "path", writePath, "error", err)
					loadErrors = append(loadErrors, fmt.Errorf("writing default config failed: %w", err))
				}
			}
		} else {
			logger.Warn("Cannot determine path to write default config.")
			loadErrors = append(loadErrors, errors.New("cannot determine default config path"))
		}
		cfg = getDefaultConfig()
		logger.Info("Using default configuration values.")
	}

	finalCfg := cfg
	if err := finalCfg.Validate(logger); err != nil {
		logger.Error("Final configuration is invalid, falling back to pure defaults.", "error", err)
		loadErrors = append(loadErrors, fmt.Errorf("post-load config validation failed: %w", err))
		pureDefault := getDefaultConfig()
		if valErr := pureDefault.Validate(logger); valErr != nil {
			return pureDefault, fmt.Errorf("default config definition is invalid: %w", valErr)
		}
		finalCfg = pureDefault
	}

	if len(loadErrors) > 0 {
		return finalCfg, fmt.Errorf("%w: %w", ErrConfig, errors.Join(loadErrors...))
	}
	return finalCfg, nil
}

// =============================================================================
// Completer Service
// =============================================================================

// CompleterOption configures a Completer.
type CompleterOption func(*completerSettings)

type completerSettings struct {
	analyzer Analyzer
	cacheDir string
	icons    *IconTable
}

// WithAnalyzer replaces the configured backend. Caching still wraps it.
func WithAnalyzer(a Analyzer) CompleterOption {
	return func(s *completerSettings) { s.analyzer = a }
}

// WithCacheDir sets where the bbolt cache file lives instead of the user cache dir.
func WithCacheDir(dir string) CompleterOption {
	return func(s *completerSettings) { s.cacheDir = dir }
}

// WithIconTable sets the icon table handed to providers.
func WithIconTable(icons *IconTable) CompleterOption {
	return func(s *completerSettings) { s.icons = icons }
}

// Completer owns configuration, the analysis backend with its caches, and the
// providers created from it. It implements Analyzer by delegating to the
// current backend, so a backend swap on config change is seen by providers.
type Completer struct {
	mu        sync.RWMutex // guards config, backend, providers
	config    Config
	backend   Analyzer // configured backend without caching
	cache     *cachingAnalyzer
	serve     *fallbackAnalyzer // cache first, lexical when the backend is unavailable
	providers []*Provider
	icons     *IconTable
	custom    Analyzer // set by WithAnalyzer
	logger    *stdslog.Logger
}

// NewCompleter loads configuration from disk and creates the service.
// An ErrConfig error is returned alongside a usable Completer.
func NewCompleter(logger *stdslog.Logger, opts ...CompleterOption) (*Completer, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	serviceLogger := logger.With("service", "Completer")

	cfg, configErr := LoadConfig(serviceLogger)
	if configErr != nil && !errors.Is(configErr, ErrConfig) {
		serviceLogger.Error("Fatal error during initial config load", "error", configErr)
		return nil, configErr
	}
	c, err := NewCompleterWithConfig(cfg, serviceLogger, opts...)
	if err != nil {
		return nil, err
	}
	if configErr != nil {
		return c, configErr
	}
	return c, nil
}

// NewCompleterWithConfig creates the service with a specific config.
func NewCompleterWithConfig(config Config, logger *stdslog.Logger, opts ...CompleterOption) (*Completer, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	if err := config.Validate(logger); err != nil {
		return nil, fmt.Errorf("provided config validation failed: %w", err)
	}
	settings := completerSettings{}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.icons == nil {
		settings.icons = DefaultIconTable()
	}

	c := &Completer{
		config: config,
		icons:  settings.icons,
		custom: settings.analyzer,
		logger: logger,
	}
	c.backend = c.buildBackend(config)
	c.cache = newCachingAnalyzer(c.backend, cacheOptions{
		dbDir:     cacheDirFor(settings.cacheDir, logger),
		useDisk:   config.UseDiskCache,
		ttl:       config.MemoryCacheTTL,
		backendID: backendID(config, settings.analyzer),
	}, logger)
	c.serve = c.buildServe(config)
	logger.Info("Completer initialized", "backend", backendID(config, settings.analyzer), "max_workers", config.MaxWorkers, "disk_cache", c.cache.DiskEnabled())
	return c, nil
}

func (c *Completer) buildBackend(cfg Config) Analyzer {
	if c.custom != nil {
		return c.custom
	}
	if cfg.Backend == BackendLexical {
		return newLexicalAnalyzer(c.logger)
	}
	return newJediAnalyzer(jediOptions{pythonPath: cfg.PythonPath, extraSysPath: cfg.ExtraSysPath}, c.logger)
}

// buildServe puts the lexical fallback outside the cache, so only results of
// the configured backend are ever stored.
func (c *Completer) buildServe(cfg Config) *fallbackAnalyzer {
	serve := &fallbackAnalyzer{primary: c.cache, logger: c.logger}
	if c.custom == nil && cfg.Backend == BackendJedi {
		serve.secondary = newLexicalAnalyzer(c.logger)
	}
	return serve
}

func backendID(cfg Config, custom Analyzer) string {
	if custom != nil {
		return fmt.Sprintf("custom:%T", custom)
	}
	if cfg.Backend == BackendJedi {
		return BackendJedi + ":" + cfg.PythonPath + ":" + strings.Join(cfg.ExtraSysPath, string(os.PathListSeparator))
	}
	return cfg.Backend
}

func cacheDirFor(override string, logger *stdslog.Logger) string {
	if override != "" {
		return override
	}
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		logger.Warn("Could not determine user cache directory, disk caching disabled.", "error", err)
		return ""
	}
	return filepath.Join(userCacheDir, configDirName, "bboltdb", fmt.Sprintf("v%d", cacheSchemaVersion))
}

// Complete implements Analyzer through the cache and the current backend,
// falling back to lexical completion when Jedi cannot run.
func (c *Completer) Complete(ctx context.Context, req Request) ([]Candidate, error) {
	c.mu.RLock()
	serve := c.serve
	c.mu.RUnlock()
	return serve.Complete(ctx, req)
}

// CheckAvailability probes the backend when it depends on an external runtime.
func (c *Completer) CheckAvailability(ctx context.Context) error {
	c.mu.RLock()
	backend := c.backend
	c.mu.RUnlock()
	if checker, ok := backend.(AvailabilityChecker); ok {
		return checker.CheckAvailability(ctx)
	}
	return nil
}

// NewProvider creates a provider bound to this completer's config. The
// completer keeps its options in sync on UpdateConfig.
func (c *Completer) NewProvider(poster Poster) *Provider {
	cfg := c.GetCurrentConfig()
	activation, _ := ParseActivation(cfg.Activation)
	p := NewProvider(c, poster,
		WithProviderInfo(ProviderInfo{Name: defaultProviderDisplayName, Priority: cfg.Priority, Activation: activation}),
		WithIcons(c.icons),
		WithMaxWorkers(cfg.MaxWorkers),
		WithProviderOptions(providerOptionsFrom(cfg)),
		WithProviderLogger(c.logger),
	)
	c.mu.Lock()
	c.providers = append(c.providers, p)
	c.mu.Unlock()
	return p
}

// Icons returns the icon table handed to providers.
func (c *Completer) Icons() *IconTable { return c.icons }

func providerOptionsFrom(cfg Config) ProviderOptions {
	return ProviderOptions{DecorateCallables: cfg.DecorateCallables, AnalysisTimeout: cfg.AnalysisTimeout}
}

// UpdateConfig validates and applies a new configuration. The backend is rebuilt
// when its settings change; max_workers, priority and activation apply to
// providers created afterwards.
func (c *Completer) UpdateConfig(newConfig Config) error {
	if err := newConfig.Validate(c.logger); err != nil {
		c.logger.Error("Invalid configuration provided for update", "error", err)
		return fmt.Errorf("invalid configuration update: %w", err)
	}

	c.mu.Lock()
	old := c.config
	c.config = newConfig
	var retired Analyzer
	if backendID(old, c.custom) != backendID(newConfig, c.custom) {
		retired = c.backend
		c.backend = c.buildBackend(newConfig)
		c.cache.SetBackend(c.backend, backendID(newConfig, c.custom))
		c.serve = c.buildServe(newConfig)
	}
	c.cache.SetTTL(newConfig.MemoryCacheTTL)
	providers := append([]*Provider(nil), c.providers...)
	c.mu.Unlock()

	if retired != nil && retired != c.custom {
		if err := retired.Close(); err != nil {
			c.logger.Warn("Error closing retired backend", "error", err)
		}
	}
	for _, p := range providers {
		p.UpdateOptions(providerOptionsFrom(newConfig))
	}

	c.logger.Info("Completer configuration updated",
		stdslog.Group("new_config",
			stdslog.String("backend", newConfig.Backend),
			stdslog.String("python_path", newConfig.PythonPath),
			stdslog.Int("analysis_timeout_ms", newConfig.AnalysisTimeoutMs),
			stdslog.Int("max_workers", newConfig.MaxWorkers),
			stdslog.Bool("decorate_callables", newConfig.DecorateCallables),
			stdslog.String("log_level", newConfig.LogLevel),
			stdslog.Int("memory_cache_ttl_seconds", newConfig.MemoryCacheTTLSeconds),
			stdslog.String("activation", newConfig.Activation),
		),
	)
	if old.MaxWorkers != newConfig.MaxWorkers {
		c.logger.Info("max_workers changed; applies to providers created from now on", "old", old.MaxWorkers, "new", newConfig.MaxWorkers)
	}
	return nil
}

// ApplySettingsJSON merges a JSON object of config fields into the current
// configuration and applies it. It returns how many fields were set.
func (c *Completer) ApplySettingsJSON(data []byte) (int, error) {
	var fileCfg FileConfig
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return 0, fmt.Errorf("%w: parsing settings: %w", ErrInvalidConfig, err)
	}
	newConfig := c.GetCurrentConfig()
	merged := mergeFileConfig(&newConfig, fileCfg)
	if merged == 0 {
		return 0, nil
	}
	if err := c.UpdateConfig(newConfig); err != nil {
		return 0, err
	}
	return merged, nil
}

// GetCurrentConfig returns a copy of the current configuration.
func (c *Completer) GetCurrentConfig() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfgCopy := c.config
	cfgCopy.ExtraSysPath = append(c.config.ExtraSysPath[:0:0], c.config.ExtraSysPath...)
	return cfgCopy
}

// InvalidateCache drops cached results for a file path.
func (c *Completer) InvalidateCache(path string) error {
	c.logger.Debug("Request to invalidate completion cache", "path", path)
	return c.cache.InvalidatePath(path)
}

// InvalidateAllCaches drops every cached result, used when a file is saved.
func (c *Completer) InvalidateAllCaches() error {
	c.logger.Debug("Request to clear completion cache")
	return c.cache.InvalidateAll()
}

// CacheMetrics returns the memory cache metrics, or nil when metrics are off.
func (c *Completer) CacheMetrics() *ristretto.Metrics {
	return c.cache.Metrics()
}

// Close stops every provider and releases caches and the backend.
func (c *Completer) Close() error {
	c.mu.Lock()
	providers := c.providers
	c.providers = nil
	c.mu.Unlock()
	for _, p := range providers {
		p.Close()
	}

	if m := c.cache.Metrics(); m != nil {
		c.logger.Info("Closing completer", "cache_hits", m.Hits(), "cache_misses", m.Misses(), "cache_cost_added", humanize.IBytes(m.CostAdded()))
	}
	var closeErrors []error
	if err := c.cache.Close(); err != nil {
		closeErrors = append(closeErrors, err)
	}
	if c.backend != nil {
		if err := c.backend.Close(); err != nil {
			closeErrors = append(closeErrors, fmt.Errorf("backend close failed: %w", err))
		}
	}
	return errors.Join(closeErrors...)
}
