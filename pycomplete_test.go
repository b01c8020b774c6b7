package pycomplete

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		t.Skip("config paths are driven by XDG_CONFIG_HOME only on unix-like systems other than darwin")
	}
	withMaxWorkers := getDefaultConfig()
	withMaxWorkers.MaxWorkers = 7
	withMaxWorkers.DecorateCallables = true

	tests := []struct {
		name          string
		primary       string // "" means no file
		secondary     string
		want          Config
		wantErr       error
		wantWritten   bool
		wantUntouched bool
	}{
		{name: "No config files", want: getDefaultConfig(), wantWritten: true},
		{name: "Primary config", primary: `{"max_workers":7,"decorate_callables":true}`, want: withMaxWorkers},
		{name: "Secondary config", secondary: `{"max_workers":7,"decorate_callables":true}`, want: withMaxWorkers},
		{name: "Primary wins over secondary", primary: `{"max_workers":7,"decorate_callables":true}`, secondary: `{"max_workers":1}`, want: withMaxWorkers},
		{name: "Unparseable primary", primary: `{"max_workers":`, want: getDefaultConfig(), wantErr: ErrConfig, wantUntouched: true},
		{name: "Invalid values fall back to defaults", primary: `{"backend":"bogus"}`, want: getDefaultConfig(), wantErr: ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmp := t.TempDir()
			xdg := filepath.Join(tmp, "xdg")
			home := filepath.Join(tmp, "home")
			t.Setenv("XDG_CONFIG_HOME", xdg)
			t.Setenv("HOME", home)
			t.Setenv("USERPROFILE", home)
			primaryPath := filepath.Join(xdg, configDirName, defaultConfigFileName)
			secondaryPath := filepath.Join(home, ".config", configDirName, defaultConfigFileName)
			writeFile := func(path, content string) {
				if content == "" {
					return
				}
				if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(path, []byte(content), 0644); err != nil {
					t.Fatal(err)
				}
			}
			writeFile(primaryPath, tt.primary)
			writeFile(secondaryPath, tt.secondary)

			got, err := LoadConfig(discardLogger())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("LoadConfig() error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Errorf("LoadConfig() unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("LoadConfig() =\n%+v\nwant\n%+v", got, tt.want)
			}
			if tt.wantWritten {
				if _, statErr := os.Stat(primaryPath); statErr != nil {
					t.Errorf("default config not written: %v", statErr)
				}
			}
			if tt.wantUntouched {
				data, _ := os.ReadFile(primaryPath)
				if string(data) != tt.primary {
					t.Errorf("unparseable config was overwritten: %q", data)
				}
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		check   func(*testing.T, Config)
	}{
		{"Defaults", func(c *Config) {}, false, nil},
		{"Unknown backend", func(c *Config) { c.Backend = "ropes" }, true, func(t *testing.T, c Config) {
			if c.Backend != defaultBackend {
				t.Errorf("backend = %q, want default", c.Backend)
			}
		}},
		{"Empty python path with jedi", func(c *Config) { c.PythonPath = " " }, true, nil},
		{"Empty python path with lexical", func(c *Config) { c.Backend = BackendLexical; c.PythonPath = "" }, false, nil},
		{"Bad activation", func(c *Config) { c.Activation = "sometimes" }, true, nil},
		{"Bad log level", func(c *Config) { c.LogLevel = "loud" }, true, func(t *testing.T, c Config) {
			if c.LogLevel != defaultLogLevel {
				t.Errorf("log level = %q, want default", c.LogLevel)
			}
		}},
		{"Non-positive numbers get defaults", func(c *Config) {
			c.MaxWorkers, c.Priority, c.AnalysisTimeoutMs, c.MemoryCacheTTLSeconds = 0, -1, 0, -5
		}, false, func(t *testing.T, c Config) {
			if c.MaxWorkers != defaultMaxWorkers || c.Priority != defaultPriority {
				t.Errorf("max_workers=%d priority=%d, want defaults", c.MaxWorkers, c.Priority)
			}
			if c.AnalysisTimeout != time.Duration(defaultAnalysisTimeoutMs)*time.Millisecond {
				t.Errorf("AnalysisTimeout = %v", c.AnalysisTimeout)
			}
			if c.MemoryCacheTTL != time.Duration(defaultMemoryCacheTTLSecs)*time.Second {
				t.Errorf("MemoryCacheTTL = %v", c.MemoryCacheTTL)
			}
		}},
		{"Derived durations", func(c *Config) { c.AnalysisTimeoutMs = 250 }, false, func(t *testing.T, c Config) {
			if c.AnalysisTimeout != 250*time.Millisecond {
				t.Errorf("AnalysisTimeout = %v, want 250ms", c.AnalysisTimeout)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate(discardLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error %v does not wrap ErrInvalidConfig", err)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func newTestCompleter(t *testing.T, cfg Config, opts ...CompleterOption) *Completer {
	t.Helper()
	opts = append([]CompleterOption{WithCacheDir(t.TempDir())}, opts...)
	c, err := NewCompleterWithConfig(cfg, discardLogger(), opts...)
	if err != nil {
		t.Fatalf("NewCompleterWithConfig failed: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("Error closing completer: %v", err)
		}
	})
	return c
}

func TestCompleter_UpdateConfig(t *testing.T) {
	cfg := getDefaultConfig()
	cfg.Backend = BackendLexical
	cfg.UseDiskCache = false
	c := newTestCompleter(t, cfg)
	if _, ok := c.backend.(*lexicalAnalyzer); !ok {
		t.Fatalf("backend = %T, want *lexicalAnalyzer", c.backend)
	}

	t.Run("ValidUpdate", func(t *testing.T) {
		newCfg := c.GetCurrentConfig()
		newCfg.Backend = BackendJedi
		newCfg.DecorateCallables = true
		if err := newCfg.Validate(discardLogger()); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if err := c.UpdateConfig(newCfg); err != nil {
			t.Fatalf("UpdateConfig failed: %v", err)
		}
		if got := c.GetCurrentConfig(); !reflect.DeepEqual(got, newCfg) {
			t.Errorf("GetCurrentConfig() = %+v, want %+v", got, newCfg)
		}
		if _, ok := c.backend.(*jediAnalyzer); !ok {
			t.Errorf("backend after switching to jedi = %T, want *jediAnalyzer", c.backend)
		}
		if c.serve.secondary == nil || c.serve.primary != Analyzer(c.cache) {
			t.Errorf("jedi backend should be served through the cache with a lexical fallback")
		}
	})

	t.Run("InvalidUpdate", func(t *testing.T) {
		before := c.GetCurrentConfig()
		bad := before
		bad.Activation = "whenever"
		err := c.UpdateConfig(bad)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("UpdateConfig() error = %v, want ErrInvalidConfig", err)
		}
		if got := c.GetCurrentConfig(); !reflect.DeepEqual(got, before) {
			t.Errorf("config changed after an invalid update")
		}
	})

	t.Run("CopyIsIndependent", func(t *testing.T) {
		got := c.GetCurrentConfig()
		got.ExtraSysPath = append(got.ExtraSysPath, "/mutated")
		if len(c.GetCurrentConfig().ExtraSysPath) != 0 {
			t.Error("mutating a returned config changed the completer")
		}
	})
}

func TestCompleter_ApplySettingsJSON(t *testing.T) {
	cfg := getDefaultConfig()
	cfg.UseDiskCache = false
	c := newTestCompleter(t, cfg, WithAnalyzer(&countingAnalyzer{}))
	tl := startTestLoop(t)
	p := c.NewProvider(loopPoster{tl})

	n, err := c.ApplySettingsJSON([]byte(`{"decorate_callables":true,"analysis_timeout_ms":1500,"unknown_field":1}`))
	if err != nil {
		t.Fatalf("ApplySettingsJSON failed: %v", err)
	}
	if n != 2 {
		t.Errorf("fields merged = %d, want 2", n)
	}
	if opts := p.options(); !opts.DecorateCallables || opts.AnalysisTimeout != 1500*time.Millisecond {
		t.Errorf("provider options not updated: %+v", opts)
	}

	if n, err := c.ApplySettingsJSON([]byte(`{"nothing":"relevant"}`)); err != nil || n != 0 {
		t.Errorf("irrelevant settings: n=%d err=%v", n, err)
	}
	if _, err := c.ApplySettingsJSON([]byte(`{"max_workers":"four"}`)); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("mistyped settings: err = %v, want ErrInvalidConfig", err)
	}
	if _, err := c.ApplySettingsJSON([]byte(`{"backend":"ropes"}`)); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("invalid backend: err = %v, want ErrInvalidConfig", err)
	}
}

func TestCompleter_NewProvider(t *testing.T) {
	cfg := getDefaultConfig()
	cfg.Backend = BackendLexical
	cfg.UseDiskCache = false
	cfg.Priority = 500
	cfg.Activation = string(ActivationUserRequested)
	c := newTestCompleter(t, cfg)
	tl := startTestLoop(t)
	p := c.NewProvider(loopPoster{tl})

	info := p.Info()
	if info.Priority != 500 || info.Activation != ActivationUserRequested || info.Name != defaultProviderDisplayName {
		t.Errorf("provider info = %+v", info)
	}

	cc := newRecordingContext(fakeDoc{text: "import os\nos.path\nos.getcwd()\nos.", line: 3, col: 3}, tl)
	tl.do(t, func() { p.OnTrigger(cc) })
	cc.waitPublish(t)
	var labels []string
	for _, prop := range cc.Batches()[0].proposals {
		labels = append(labels, prop.Label)
	}
	if want := []string{"getcwd", "path"}; !reflect.DeepEqual(labels, want) {
		t.Errorf("lexical completion labels = %v, want %v", labels, want)
	}
}

func TestCompleter_CheckAvailability(t *testing.T) {
	cfg := getDefaultConfig()
	cfg.PythonPath = "pycomplete-no-such-python"
	cfg.UseDiskCache = false
	c := newTestCompleter(t, cfg)
	if err := c.CheckAvailability(context.Background()); !errors.Is(err, ErrAnalyzerUnavailable) {
		t.Errorf("CheckAvailability = %v, want ErrAnalyzerUnavailable", err)
	}

	// Missing jedi still completes through the lexical fallback.
	got, err := c.Complete(context.Background(), Request{Source: "x = 1\npri", Line: 2, Column: 3})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if len(got) != 1 || got[0].Name != "print" {
		t.Errorf("Complete = %+v, want print from the lexical fallback", got)
	}
}

func TestCompleter_FallbackSkipsCache(t *testing.T) {
	cfg := getDefaultConfig()
	cfg.PythonPath = "pycomplete-no-such-python"
	c := newTestCompleter(t, cfg)
	if !c.cache.DiskEnabled() {
		t.Skip("bbolt cache could not be opened")
	}
	req := Request{Source: "import os\nos.", Path: filepath.Join(t.TempDir(), "app.py"), Line: 2, Column: 3}
	if _, err := c.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	c.cache.waitMemory()

	id := backendID(c.GetCurrentConfig(), nil)
	key := cacheKeyFor(id, req)
	if got, ok := c.cache.readDisk(key, id, discardLogger()); ok {
		t.Errorf("lexical fallback result stored on disk: %+v", got)
	}
	if got, ok := c.cache.GetMemoryCache(key.String()); ok {
		t.Errorf("lexical fallback result stored in memory: %+v", got)
	}
}

func TestUnknownConfigKeys(t *testing.T) {
	tests := []struct {
		name     string
		settings string
		want     []string
		wantErr  bool
	}{
		{"All known", `{"max_workers": 2, "decorate_callables": true, "extra_sys_path": ["/opt/lib"], "backend": "lexical"}`, nil, false},
		{"Misspelled", `{"max_worker": 2, "decorate_callable": true, "backend": "jedi"}`, []string{"decorate_callable", "max_worker"}, false},
		{"Wrong type", `{"max_workers": "many"}`, nil, true},
		{"Not an object", `[1]`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UnknownConfigKeys([]byte(tt.settings))
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnknownConfigKeys() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("UnknownConfigKeys() = %v, want %v", got, tt.want)
			}
		})
	}
}
