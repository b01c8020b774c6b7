// pycomplete_utils.go
package pycomplete

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ============================================================================
// Terminal Colors
// ============================================================================
var (
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[38;5;119m"
	ColorYellow = "\033[38;5;220m"
	ColorBlue   = "\033[38;5;153m"
	ColorRed    = "\033[38;5;203m"
	ColorCyan   = "\033[38;5;141m"
)

// PrettyPrint prints colored text to stderr.
func PrettyPrint(color, text string) {
	fmt.Fprint(os.Stderr, color, text, ColorReset)
}

// ============================================================================
// Logging Helpers
// ============================================================================

// ParseLogLevel converts a level name into a slog.Level.
func ParseLogLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level string: %q (expected debug, info, warn, or error)", levelStr)
}

// ============================================================================
// Config File Helpers
// ============================================================================

// GetConfigPaths returns the primary (user config dir) and secondary (~/.config) config file paths.
func GetConfigPaths(logger *slog.Logger) (primary string, secondary string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	if dir, cfgErr := os.UserConfigDir(); cfgErr == nil {
		primary = filepath.Join(dir, configDirName, defaultConfigFileName)
	} else {
		logger.Warn("Could not determine user config directory", "error", cfgErr)
		errs = append(errs, cfgErr)
	}
	if home, homeErr := os.UserHomeDir(); homeErr == nil {
		secondary = filepath.Join(home, ".config", configDirName, defaultConfigFileName)
	} else {
		logger.Warn("Could not determine user home directory", "error", homeErr)
		errs = append(errs, homeErr)
	}
	if primary == "" && secondary == "" {
		return "", "", fmt.Errorf("%w: cannot determine config paths: %w", ErrConfig, errors.Join(errs...))
	}
	return primary, secondary, nil
}

// LoadAndMergeConfig reads path and merges the fields it sets into cfg.
// A missing file is not an error; loaded reports whether anything was read.
func LoadAndMergeConfig(path string, cfg *Config, logger *slog.Logger) (loaded bool, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			logger.Debug("Config file not found", "path", path)
			return false, nil
		}
		return false, fmt.Errorf("reading config file %q: %w", path, readErr)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		logger.Warn("Config file is empty", "path", path)
		return false, nil
	}
	var fileCfg FileConfig
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return false, fmt.Errorf("parsing config file JSON %q: %w", path, err)
	}
	merged := mergeFileConfig(cfg, fileCfg)
	logger.Debug("Merged config file", "path", path, "fields_merged", merged)
	return true, nil
}

// WriteDefaultConfig writes cfg as indented JSON, creating parent directories.
func WriteDefaultConfig(path string, cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating config directory for %q: %w", path, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0640); err != nil {
		return fmt.Errorf("writing default config %q: %w", path, err)
	}
	logger.Info("Wrote default config file", "path", path)
	return nil
}

// EditConfigFile sets each top-level key of the settings object in the config
// file at path, keeping every other key as written. The result must validate
// on top of the defaults before it is written.
func EditConfigFile(path string, settings []byte, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if !gjson.ValidBytes(settings) || !gjson.ParseBytes(settings).IsObject() {
		return fmt.Errorf("%w: settings must be a JSON object", ErrInvalidConfig)
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		data = []byte("{}")
	case err != nil:
		return fmt.Errorf("%w: reading config file %q: %w", ErrConfig, path, err)
	case len(bytes.TrimSpace(data)) == 0:
		data = []byte("{}")
	case !gjson.ValidBytes(data):
		return fmt.Errorf("%w: config file %q is not valid JSON", ErrInvalidConfig, path)
	}

	unknown, err := UnknownConfigKeys(settings)
	if err != nil {
		return err
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: unknown config keys %s", ErrInvalidConfig, strings.Join(unknown, ", "))
	}

	var setErr error
	gjson.ParseBytes(settings).ForEach(func(key, value gjson.Result) bool {
		data, setErr = sjson.SetRawBytes(data, escapeJSONPathKey(key.String()), []byte(value.Raw))
		return setErr == nil
	})
	if setErr != nil {
		return fmt.Errorf("%w: updating config file %q: %w", ErrConfig, path, setErr)
	}

	cfg := getDefaultConfig()
	var fileCfg FileConfig
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	mergeFileConfig(&cfg, fileCfg)
	if err := cfg.Validate(logger); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("%w: creating config directory for %q: %w", ErrConfig, path, err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("%w: writing config file %q: %w", ErrConfig, path, err)
	}
	logger.Info("Updated config file", "path", path, "settings", string(settings))
	return nil
}

// escapeJSONPathKey keeps dots and wildcards in a key from being read as path syntax.
func escapeJSONPathKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ============================================================================
// URI Helpers
// ============================================================================

// IsPythonDocument reports whether a document should get Python completion.
// A languageId sent by the client decides; otherwise the file extension does.
func IsPythonDocument(languageID, uri string) bool {
	if languageID != "" {
		return strings.Contains(strings.ToLower(languageID), "python")
	}
	switch strings.ToLower(filepath.Ext(uri)) {
	case ".py", ".pyi", ".pyw":
		return true
	}
	return false
}

// ValidateAndGetFilePath converts a file:// URI into a clean absolute path.
func ValidateAndGetFilePath(uri string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if uri == "" {
		return "", fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	if parsed.Scheme != "file" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, parsed.Scheme)
	}
	path := filepath.FromSlash(parsed.Path)
	if !filepath.IsAbs(path) {
		logger.Debug("Non-absolute path in file URI", "uri", uri, "path", path)
		return "", fmt.Errorf("%w: path %q is not absolute", ErrInvalidURI, path)
	}
	return filepath.Clean(path), nil
}

// DocumentLocation resolves a document URI to a backing file path.
// Unsaved buffers (any scheme other than file) have no location and report ok=false.
func DocumentLocation(uri string, logger *slog.Logger) (path string, ok bool) {
	path, err := ValidateAndGetFilePath(uri, logger)
	if err != nil {
		return "", false
	}
	return path, true
}

// PathToURI converts an absolute path into a file:// URI.
func PathToURI(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}

// ============================================================================
// Position Conversion Helpers
// ============================================================================

// LSPPositionToCursor converts a 0-based LSP line/character (UTF-16) into a 1-based
// line, a 0-based column counted in code points, and the absolute byte offset.
// Characters past the end of a line clamp to the line end.
func LSPPositionToCursor(content []byte, pos LSPPosition) (line, col, byteOffset int, err error) {
	targetLine := int(pos.Line)
	lineStart := 0
	for i := 0; i < targetLine; i++ {
		nl := bytes.IndexByte(content[lineStart:], '\n')
		if nl < 0 {
			return 0, 0, -1, fmt.Errorf("%w: line %d not found (document has %d lines)", ErrPositionOutOfRange, targetLine, i+1)
		}
		lineStart += nl + 1
	}
	lineEnd := len(content)
	if nl := bytes.IndexByte(content[lineStart:], '\n'); nl >= 0 {
		lineEnd = lineStart + nl
	}
	lineBytes := bytes.TrimSuffix(content[lineStart:lineEnd], []byte("\r"))

	byteInLine, runes, convErr := Utf16OffsetToBytes(lineBytes, int(pos.Character))
	if convErr != nil {
		if !errors.Is(convErr, ErrPositionOutOfRange) {
			return 0, 0, -1, fmt.Errorf("%w: line %d: %w", ErrPositionConversion, targetLine, convErr)
		}
		slog.Debug("UTF16 offset out of range, clamping to line end", "line", targetLine, "char", pos.Character)
		byteInLine = len(lineBytes)
		runes = utf8.RuneCount(lineBytes)
	}
	return targetLine + 1, runes, lineStart + byteInLine, nil
}

// Utf16OffsetToBytes converts a 0-based UTF-16 offset within a line into a byte
// offset and the number of code points before it.
func Utf16OffsetToBytes(line []byte, utf16Offset int) (byteOffset int, runes int, err error) {
	if utf16Offset < 0 {
		return 0, 0, fmt.Errorf("%w: invalid utf16Offset: %d (must be >= 0)", ErrInvalidPositionInput, utf16Offset)
	}
	units := 0
	for byteOffset < len(line) && units < utf16Offset {
		r, size := utf8.DecodeRune(line[byteOffset:])
		if r == utf8.RuneError && size <= 1 {
			return byteOffset, runes, fmt.Errorf("%w at byte offset %d", ErrInvalidUTF8, byteOffset)
		}
		width := 1
		if r > 0xFFFF {
			width = 2 // surrogate pair
		}
		if units+width > utf16Offset {
			break // offset points into the middle of a pair
		}
		units += width
		byteOffset += size
		runes++
	}
	if units < utf16Offset && byteOffset >= len(line) {
		return len(line), runes, fmt.Errorf("%w: utf16Offset %d is beyond the line length in UTF-16 units (%d)", ErrPositionOutOfRange, utf16Offset, units)
	}
	return byteOffset, runes, nil
}

// CursorToByteOffset converts a 1-based line and 0-based code point column into a
// byte offset within text, clamping the column to the line end.
func CursorToByteOffset(text string, line, col int) (int, error) {
	if line < 1 || col < 0 {
		return -1, fmt.Errorf("%w: line=%d col=%d", ErrInvalidPositionInput, line, col)
	}
	lineStart := 0
	for i := 1; i < line; i++ {
		nl := strings.IndexByte(text[lineStart:], '\n')
		if nl < 0 {
			return -1, fmt.Errorf("%w: line %d beyond end of text", ErrPositionOutOfRange, line)
		}
		lineStart += nl + 1
	}
	offset := lineStart
	for n := 0; n < col && offset < len(text) && text[offset] != '\n'; n++ {
		_, size := utf8.DecodeRuneInString(text[offset:])
		offset += size
	}
	return offset, nil
}
