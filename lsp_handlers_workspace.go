// pycomplete/lsp_handlers_workspace.go
// Contains LSP method handlers related to workspace events.
package pycomplete

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/tidwall/gjson"
)

// settingsSection is the key clients nest pycomplete settings under.
const settingsSection = "pycomplete"

// handleDidChangeConfiguration merges client settings into the current
// configuration. Settings may be nested under "pycomplete" or sent flat.
func (s *Server) handleDidChangeConfiguration(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeConfigurationParams, logger *slog.Logger) (any, error) {
	logger.Info("Handling workspace/didChangeConfiguration")

	raw := params.Settings
	if section := gjson.GetBytes(raw, settingsSection); section.Exists() && section.IsObject() {
		raw = json.RawMessage(section.Raw)
	} else if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		logger.Debug("Ignoring non-object settings", "raw_settings", string(params.Settings))
		return nil, nil
	}

	mergedFields, err := s.completer.ApplySettingsJSON(raw)
	if err != nil {
		logger.Error("Failed to apply client settings", "error", err, "raw_settings", string(raw))
		s.sendShowMessage(conn, MessageTypeError, fmt.Sprintf("Failed to apply configuration update: %v", err))
		return nil, nil
	}
	if mergedFields == 0 {
		logger.Debug("No relevant configuration changes found in workspace/didChangeConfiguration notification")
		return nil, nil
	}
	logger.Info("Applied configuration changes from client", "fields_merged", mergedFields)
	s.applyLogLevel(s.completer.GetCurrentConfig().LogLevel, logger)
	return nil, nil
}

// applyLogLevel moves the shared LevelVar to level, if the server has one.
func (s *Server) applyLogLevel(level string, logger *slog.Logger) {
	if s.levelVar == nil {
		return
	}
	newLevel, err := ParseLogLevel(level)
	if err != nil {
		logger.Warn("Cannot update logger level due to parse error", "level_string", level, "error", err)
		return
	}
	if s.levelVar.Level() != newLevel {
		s.levelVar.Set(newLevel)
		logger.Info("Log level updated", "new_level", newLevel)
	}
}
