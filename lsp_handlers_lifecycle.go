// pycomplete/lsp_handlers_lifecycle.go
// Contains LSP method handlers related to the server lifecycle (initialize, shutdown, exit).
package pycomplete

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Lifecycle Method Handlers
// ============================================================================

// completionTriggerCharacters makes clients ask for completion after a dot
// without an explicit invocation.
var completionTriggerCharacters = []string{"."}

// handleInitialize stores client capabilities and returns server capabilities.
func (s *Server) handleInitialize(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params InitializeParams, logger *slog.Logger) (any, error) {
	clientName, clientVersion := "", ""
	if params.ClientInfo != nil {
		clientName, clientVersion = params.ClientInfo.Name, params.ClientInfo.Version
	}
	logger.Info("Handling initialize request", "client_name", clientName, "client_version", clientVersion)

	serverCapabilities := ServerCapabilities{
		TextDocumentSync: &TextDocumentSyncOptions{
			OpenClose: true,
			Change:    TextDocumentSyncKindFull,
			Save:      &SaveOptions{},
		},
		CompletionProvider: &CompletionOptions{
			TriggerCharacters: completionTriggerCharacters,
			ResolveProvider:   true,
		},
	}

	s.clientCaps = params.Capabilities
	s.initParams = &params

	result := InitializeResult{
		Capabilities: serverCapabilities,
		ServerInfo:   s.serverInfo,
	}
	logger.Info("Initialization successful", "provider", s.provider.Info().Name, "priority", s.provider.Info().Priority)
	return result, nil
}

// availabilityProbeTimeout bounds the backend probe run after initialized.
const availabilityProbeTimeout = 10 * time.Second

// handleInitialized probes the analysis backend in the background and warns
// the user when completion will run on the lexical fallback.
func (s *Server) handleInitialized(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Client initialized notification received")
	go func() {
		probeCtx, cancel := context.WithTimeout(context.Background(), availabilityProbeTimeout)
		defer cancel()
		if err := s.completer.CheckAvailability(probeCtx); err != nil {
			logger.Warn("Primary analysis backend unavailable, lexical fallback will be used", "error", err)
			s.sendShowMessage(conn, MessageTypeWarning, fmt.Sprintf("pycomplete: Jedi is unavailable, using basic completion (%v)", err))
		}
	}()
	return nil, nil
}

// handleShutdown stops completion work and answers a pending completion with
// RequestCancelled. The connection stays open until exit.
func (s *Server) handleShutdown(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Handling shutdown request")
	s.shutdown.Store(true)
	if err := s.loop.Post(func() { s.abandonPending("Server is shutting down") }); err != nil {
		logger.Warn("Could not answer pending completion on shutdown", "error", err)
	}
	s.provider.Cancel()
	return nil, nil
}

// handleExit closes the connection, which ends Run.
func (s *Server) handleExit(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Handling exit notification")
	if conn != nil {
		conn.Close()
	}
	return nil, nil
}
