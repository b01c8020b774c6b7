package pycomplete

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/tidwall/gjson"
)

func TestLSPPositionToCursor(t *testing.T) {
	content := []byte("import os\r\nname = 'héllo' + os.\n𝒳 = os.pa\n")
	tests := []struct {
		name       string
		pos        LSPPosition
		wantLine   int
		wantCol    int
		wantOffset int
		wantErr    error
	}{
		{"Start of file", LSPPosition{Line: 0, Character: 0}, 1, 0, 0, nil},
		{"End of first line before CRLF", LSPPosition{Line: 0, Character: 9}, 1, 9, 9, nil},
		{"After multi-byte rune", LSPPosition{Line: 1, Character: 10}, 2, 10, 11 + 11, nil},
		{"End of second line", LSPPosition{Line: 1, Character: 20}, 2, 20, 11 + 21, nil},
		{"After surrogate pair", LSPPosition{Line: 2, Character: 2}, 3, 1, 33 + 4, nil},
		{"End of third line", LSPPosition{Line: 2, Character: 10}, 3, 9, 33 + 12, nil},
		{"Character past end clamps", LSPPosition{Line: 0, Character: 99}, 1, 9, 9, nil},
		{"Empty last line", LSPPosition{Line: 3, Character: 0}, 4, 0, 46, nil},
		{"Line past end", LSPPosition{Line: 9, Character: 0}, 0, 0, -1, ErrPositionOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, col, offset, err := LSPPositionToCursor(content, tt.pos)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if line != tt.wantLine || col != tt.wantCol || offset != tt.wantOffset {
				t.Errorf("LSPPositionToCursor(%+v) = (%d, %d, %d), want (%d, %d, %d)", tt.pos, line, col, offset, tt.wantLine, tt.wantCol, tt.wantOffset)
			}
		})
	}
}

func TestUtf16OffsetToBytes(t *testing.T) {
	line := []byte("a𝒳b")
	tests := []struct {
		offset    int
		wantBytes int
		wantRunes int
		wantErr   error
	}{
		{0, 0, 0, nil},
		{1, 1, 1, nil},
		{2, 1, 1, nil}, // middle of the surrogate pair
		{3, 5, 2, nil},
		{4, 6, 3, nil},
		{5, 6, 3, ErrPositionOutOfRange},
		{-1, 0, 0, ErrInvalidPositionInput},
	}
	for _, tt := range tests {
		gotBytes, gotRunes, err := Utf16OffsetToBytes(line, tt.offset)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Utf16OffsetToBytes(%d) err = %v, want %v", tt.offset, err, tt.wantErr)
			}
			continue
		}
		if err != nil || gotBytes != tt.wantBytes || gotRunes != tt.wantRunes {
			t.Errorf("Utf16OffsetToBytes(%d) = (%d, %d, %v), want (%d, %d)", tt.offset, gotBytes, gotRunes, err, tt.wantBytes, tt.wantRunes)
		}
	}
	if _, _, err := Utf16OffsetToBytes([]byte{'a', 0xff}, 2); !errors.Is(err, ErrInvalidUTF8) {
		t.Errorf("invalid UTF-8: err = %v, want ErrInvalidUTF8", err)
	}
}

func TestCursorToByteOffset(t *testing.T) {
	text := "import os\nnäme = os.\n"
	tests := []struct {
		line, col int
		want      int
		wantErr   bool
	}{
		{1, 0, 0, false},
		{1, 9, 9, false},
		{1, 50, 9, false}, // clamped
		{2, 2, 10 + 3, false},
		{2, 10, 10 + 11, false},
		{3, 0, 22, false},
		{4, 0, -1, true},
		{0, 0, -1, true},
		{1, -1, -1, true},
	}
	for _, tt := range tests {
		got, err := CursorToByteOffset(text, tt.line, tt.col)
		if (err != nil) != tt.wantErr {
			t.Errorf("CursorToByteOffset(%d, %d) err = %v, wantErr %v", tt.line, tt.col, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("CursorToByteOffset(%d, %d) = %d, want %d", tt.line, tt.col, got, tt.want)
		}
	}
}

func TestValidateAndGetFilePath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("URI tests use unix paths")
	}
	tests := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{"file:///home/user/app.py", "/home/user/app.py", false},
		{"file:///home/user/../user/app.py", "/home/user/app.py", false},
		{"file:///tmp/with%20space.py", "/tmp/with space.py", false},
		{"untitled:Untitled-1", "", true},
		{"", "", true},
		{"http://example.com/a.py", "", true},
	}
	for _, tt := range tests {
		got, err := ValidateAndGetFilePath(tt.uri, discardLogger())
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateAndGetFilePath(%q) err = %v, wantErr %v", tt.uri, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidURI) {
			t.Errorf("ValidateAndGetFilePath(%q) err %v does not wrap ErrInvalidURI", tt.uri, err)
		}
		if got != tt.want {
			t.Errorf("ValidateAndGetFilePath(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}

	path := filepath.Join(t.TempDir(), "round trip.py")
	if got, ok := DocumentLocation(PathToURI(path), nil); !ok || got != path {
		t.Errorf("DocumentLocation(PathToURI(%q)) = (%q, %v)", path, got, ok)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{" INFO ", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"err", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = (%v, %v), want (%v, wantErr %v)", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestEditConfigFile(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	t.Run("KeepsOtherKeys", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		if err := os.WriteFile(path, []byte(`{"python_path": "/opt/py/bin/python", "x_comment": "mine"}`), 0644); err != nil {
			t.Fatal(err)
		}
		if err := EditConfigFile(path, []byte(`{"decorate_callables": true, "max_workers": 2}`), logger); err != nil {
			t.Fatalf("EditConfigFile failed: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		checks := map[string]string{
			"python_path":        "/opt/py/bin/python",
			"x_comment":          "mine",
			"decorate_callables": "true",
			"max_workers":        "2",
		}
		for key, want := range checks {
			if got := gjson.GetBytes(data, key).String(); got != want {
				t.Errorf("%s = %q, want %q (file %s)", key, got, want, data)
			}
		}
	})

	t.Run("CreatesMissingFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "config.json")
		if err := EditConfigFile(path, []byte(`{"backend": "lexical"}`), logger); err != nil {
			t.Fatalf("EditConfigFile failed: %v", err)
		}
		cfg := getDefaultConfig()
		loaded, err := LoadAndMergeConfig(path, &cfg, logger)
		if err != nil || !loaded {
			t.Fatalf("LoadAndMergeConfig() = %v, %v", loaded, err)
		}
		if cfg.Backend != BackendLexical {
			t.Errorf("Backend = %q, want %q", cfg.Backend, BackendLexical)
		}
	})

	t.Run("InvalidValueLeavesFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		original := []byte(`{"backend": "jedi"}`)
		if err := os.WriteFile(path, original, 0644); err != nil {
			t.Fatal(err)
		}
		err := EditConfigFile(path, []byte(`{"activation": "sometimes"}`), logger)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("EditConfigFile error = %v, want ErrInvalidConfig", err)
		}
		data, _ := os.ReadFile(path)
		if string(data) != string(original) {
			t.Errorf("file changed to %s", data)
		}
	})

	t.Run("RejectsNonObject", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		if err := EditConfigFile(path, []byte(`[1, 2]`), logger); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("EditConfigFile error = %v, want ErrInvalidConfig", err)
		}
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("file was created for rejected settings")
		}
	})

	t.Run("UnknownKey", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		if err := EditConfigFile(path, []byte(`{"max_worker": 2}`), logger); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("EditConfigFile error = %v, want ErrInvalidConfig", err)
		}
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("file was created for an unknown key")
		}
	})

	t.Run("CorruptFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		if err := os.WriteFile(path, []byte(`{"backend": `), 0644); err != nil {
			t.Fatal(err)
		}
		if err := EditConfigFile(path, []byte(`{"backend": "lexical"}`), logger); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("EditConfigFile error = %v, want ErrInvalidConfig", err)
		}
	})
}

func TestIsPythonDocument(t *testing.T) {
	tests := []struct {
		languageID, uri string
		want            bool
	}{
		{"python", "file:///tmp/a.txt", true},
		{"Python3", "untitled:Untitled-1", true},
		{"go", "file:///tmp/a.py", false},
		{"", "file:///tmp/pkg/mod.py", true},
		{"", "file:///tmp/stubs/mod.PYI", true},
		{"", "untitled:Untitled-1", false},
		{"", "file:///tmp/Makefile", false},
	}
	for _, tt := range tests {
		if got := IsPythonDocument(tt.languageID, tt.uri); got != tt.want {
			t.Errorf("IsPythonDocument(%q, %q) = %v, want %v", tt.languageID, tt.uri, got, tt.want)
		}
	}
}
