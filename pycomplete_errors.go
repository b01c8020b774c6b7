// pycomplete/pycomplete_errors.go
// Contains exported error definitions for the pycomplete package.
package pycomplete

import "errors"

// =============================================================================
// Exported Errors
// =============================================================================

var (
	// ErrAnalysisFailed indicates the analysis backend could not produce candidates
	// for a snapshot (syntax the engine rejects, an exception inside the engine, bad output).
	// Callers treat it as "zero candidates", never as a fatal condition.
	ErrAnalysisFailed = errors.New("code analysis failed")

	// ErrAnalyzerUnavailable indicates the backend cannot run at all
	// (interpreter missing, jedi not importable).
	ErrAnalyzerUnavailable = errors.New("analysis backend unavailable")

	// ErrConfig indicates non-fatal errors during config loading or processing.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidConfig indicates a configuration value is invalid after validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCacheRead indicates failure reading from the cache.
	ErrCacheRead = errors.New("cache read failed")

	// ErrCacheWrite indicates failure writing to the cache.
	ErrCacheWrite = errors.New("cache write failed")

	// ErrCacheDecode indicates failure decoding data read from the cache.
	ErrCacheDecode = errors.New("cache decode failed")

	// ErrCacheEncode indicates failure encoding data for writing to the cache.
	ErrCacheEncode = errors.New("cache encode failed")

	// ErrPositionConversion indicates failure converting between position formats (LSP UTF-16 <-> code points).
	ErrPositionConversion = errors.New("position conversion failed")

	// ErrInvalidPositionInput indicates input position values (line/col) are invalid.
	ErrInvalidPositionInput = errors.New("invalid input position")

	// ErrPositionOutOfRange indicates a position is outside the valid bounds of the file or line.
	ErrPositionOutOfRange = errors.New("position out of range")

	// ErrInvalidUTF8 indicates an invalid UTF-8 sequence was encountered during processing.
	ErrInvalidUTF8 = errors.New("invalid utf-8 sequence")

	// ErrInvalidURI indicates a document URI is invalid or uses an unsupported scheme.
	ErrInvalidURI = errors.New("invalid document URI")

	// ErrLoopStopped is returned when work is posted to a loop that has shut down.
	ErrLoopStopped = errors.New("event loop stopped")
)
