// pycomplete/lsp_handlers_textdocument.go
// Contains LSP method handlers related to text document synchronization and
// completion (didOpen, didChange, didSave, didClose, completion, resolve).
package pycomplete

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ============================================================================
// Document Synchronization
// ============================================================================

func (s *Server) handleDidOpen(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidOpenTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	openLogger := logger.With("uri", uri, "version", params.TextDocument.Version, "size", len(params.TextDocument.Text))
	openLogger.Info("Handling textDocument/didOpen")

	s.filesMu.Lock()
	python := IsPythonDocument(params.TextDocument.LanguageID, string(uri))
	s.files[uri] = &OpenFile{
		URI:     uri,
		Content: []byte(params.TextDocument.Text),
		Version: params.TextDocument.Version,
		Python:  python,
	}
	s.filesMu.Unlock()

	if !python {
		openLogger.Info("Not a Python document, completion disabled", "language_id", params.TextDocument.LanguageID)
	}

	if _, saved := DocumentLocation(string(uri), openLogger); !saved {
		openLogger.Debug("Document has no file location, completing as unsaved buffer")
	}
	return nil, nil
}

// handleDidChange replaces the stored content (Full sync only).
func (s *Server) handleDidChange(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	changeLogger := logger.With("uri", uri, "new_version", version)

	if len(params.ContentChanges) == 0 {
		changeLogger.Warn("Received didChange notification with no content changes")
		return nil, nil
	}
	newContent := []byte(params.ContentChanges[len(params.ContentChanges)-1].Text)

	s.filesMu.Lock()
	currentFile, exists := s.files[uri]
	if !exists {
		s.files[uri] = &OpenFile{URI: uri, Content: newContent, Version: version, Python: IsPythonDocument("", string(uri))}
		changeLogger.Debug("Stored content for document not seen in didOpen", "new_size", len(newContent))
	} else if version > currentFile.Version {
		s.files[uri] = &OpenFile{URI: uri, Content: newContent, Version: version, Python: currentFile.Python}
		changeLogger.Debug("Updated file content", "new_size", len(newContent))
	} else {
		changeLogger.Warn("Ignoring out-of-order didChange notification", "received_version", version, "current_version", currentFile.Version)
	}
	s.filesMu.Unlock()
	return nil, nil
}

// handleDidSave drops all cached results: names the saved file provides may
// have changed for every buffer that imports it.
func (s *Server) handleDidSave(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidSaveTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	saveLogger := logger.With("uri", uri)
	saveLogger.Info("Handling textDocument/didSave")

	if params.Text != nil {
		s.filesMu.Lock()
		if f, ok := s.files[uri]; ok {
			f.Content = []byte(*params.Text)
		}
		s.filesMu.Unlock()
	}
	if err := s.completer.InvalidateAllCaches(); err != nil {
		saveLogger.Warn("Failed to invalidate cache on didSave", "error", err)
	}
	return nil, nil
}

func (s *Server) handleDidClose(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidCloseTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	closeLogger := logger.With("uri", uri)
	closeLogger.Info("Handling textDocument/didClose")

	s.filesMu.Lock()
	delete(s.files, uri)
	s.filesMu.Unlock()

	if path, ok := DocumentLocation(string(uri), closeLogger); ok {
		if err := s.completer.InvalidateCache(path); err != nil {
			closeLogger.Warn("Failed to invalidate cache on didClose", "error", err)
		}
	}
	return nil, nil
}

// ============================================================================
// Completion
// ============================================================================

// lspDocument is the snapshot a provider sees for one completion request.
type lspDocument struct {
	text   string
	line   int // 0-based
	column int // 0-based, code points
	path   string
	saved  bool
}

func (d lspDocument) Text() string             { return d.text }
func (d lspDocument) Cursor() (int, int)       { return d.line, d.column }
func (d lspDocument) Location() (string, bool) { return d.path, d.saved }
func (d lspDocument) String() string           { return fmt.Sprintf("%s:%d:%d", d.path, d.line+1, d.column) }

// lspCompletion adapts one textDocument/completion request to CompletionContext.
// Its fields are only accessed on the loop goroutine.
type lspCompletion struct {
	s       *Server
	conn    *jsonrpc2.Conn
	id      jsonrpc2.ID
	doc     lspDocument
	replied bool
	logger  *slog.Logger
}

func (c *lspCompletion) Document() Document { return c.doc }

// Publish answers the request with the final batch.
func (c *lspCompletion) Publish(proposals []Proposal, final bool) {
	c.s.replyCompletion(c, proposals)
}

// handleCompletion queues the request on the loop and returns without replying.
func (s *Server) handleCompletion(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) {
	if s.shutdown.Load() {
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{Code: int64(JsonRpcInvalidRequest), Message: "Server is shutting down"})
		return
	}
	var params CompletionParams
	if req.Params == nil || json.Unmarshal(*req.Params, &params) != nil {
		logger.Error("Failed to unmarshal completion params")
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: "Invalid completion params"})
		return
	}
	id := req.ID
	s.requestTracker.Add(id, func() {
		_ = s.loop.Post(func() { s.cancelPending(id) })
	})
	err := s.loop.Post(func() { s.startCompletion(conn, id, params, logger) })
	if err != nil {
		s.requestTracker.Remove(id)
		logger.Warn("UI loop unavailable, answering with an empty list", "error", err)
		_ = conn.Reply(ctx, id, CompletionList{Items: []CompletionItem{}})
	}
}

// startCompletion runs on the loop: it snapshots the document, supersedes any
// pending request and triggers the provider.
func (s *Server) startCompletion(conn *jsonrpc2.Conn, id jsonrpc2.ID, params CompletionParams, logger *slog.Logger) {
	uri := params.TextDocument.URI
	completionLogger := logger.With("uri", uri, "lsp_line", params.Position.Line, "lsp_char", params.Position.Character)

	s.filesMu.RLock()
	file, ok := s.files[uri]
	var content []byte
	var python bool
	if ok {
		content, python = file.Content, file.Python
	}
	s.filesMu.RUnlock()
	if !ok {
		completionLogger.Warn("Completion request for unknown document")
		s.replyEmpty(conn, id)
		return
	}
	if !python {
		s.requestTracker.Remove(id)
		if err := conn.Reply(context.Background(), id, CompletionList{Items: []CompletionItem{}}); err != nil {
			completionLogger.Warn("Failed to send empty completion reply", "error", err)
		}
		return
	}

	line, col, offset, err := LSPPositionToCursor(content, params.Position)
	if err != nil {
		completionLogger.Warn("Failed to convert LSP position", "error", err)
		s.replyEmpty(conn, id)
		return
	}
	text := string(content)

	invoked := params.Context == nil || params.Context.TriggerKind == CompletionTriggerKindInvoked
	activation, _ := ParseActivation(s.completer.GetCurrentConfig().Activation)
	if !invoked && activation == ActivationUserRequested {
		completionLogger.Debug("Automatic completion disabled by activation mode")
		s.replyEmpty(conn, id)
		return
	}
	if !s.provider.ShouldTrigger(MatchContextAt(text, offset)) {
		completionLogger.Debug("Completion not triggered at this position", "invoked", invoked)
		s.replyEmpty(conn, id)
		return
	}

	path, saved := DocumentLocation(string(uri), completionLogger)
	cc := &lspCompletion{
		s:    s,
		conn: conn,
		id:   id,
		doc: lspDocument{
			text:   text,
			line:   line - 1,
			column: col,
			path:   path,
			saved:  saved,
		},
		logger: completionLogger,
	}
	if prev := s.pending; prev != nil && !prev.replied {
		prev.replied = true
		s.requestTracker.Remove(prev.id)
		prev.logger.Debug("Completion request superseded")
		_ = conn.ReplyWithError(context.Background(), prev.id, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Superseded by a newer completion request"})
	}
	s.pending = cc
	s.provider.OnTrigger(cc)
}

// cancelPending answers the pending request with RequestCancelled if id names it.
func (s *Server) cancelPending(id jsonrpc2.ID) {
	if cc := s.pending; cc != nil && cc.id == id {
		s.abandonPending("Request cancelled")
	}
}

// abandonPending stops the pending request's analysis and answers it with
// RequestCancelled. Runs on the loop.
func (s *Server) abandonPending(message string) {
	cc := s.pending
	if cc == nil || cc.replied {
		return
	}
	s.provider.Cancel()
	cc.replied = true
	s.pending = nil
	s.requestTracker.Remove(cc.id)
	cc.logger.Info("Pending completion request abandoned", "reason", message)
	if err := cc.conn.ReplyWithError(context.Background(), cc.id, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: message}); err != nil {
		cc.logger.Warn("Failed to answer abandoned completion request", "error", err)
	}
}

func (s *Server) replyCompletion(cc *lspCompletion, proposals []Proposal) {
	if cc.replied {
		return
	}
	cc.replied = true
	if s.pending == cc {
		s.pending = nil
	}
	s.requestTracker.Remove(cc.id)

	s.resolveMu.Lock()
	s.resolveGen++
	gen := s.resolveGen
	s.lastItems = proposals
	s.resolveMu.Unlock()

	items := make([]CompletionItem, 0, len(proposals))
	for i, p := range proposals {
		data, err := sjson.SetBytes([]byte(`{}`), "gen", gen)
		if err == nil {
			data, err = sjson.SetBytes(data, "index", i)
		}
		if err != nil {
			cc.logger.Warn("Failed to encode completion item data", "error", err)
			data = nil
		}
		items = append(items, CompletionItem{
			Label:            p.Label,
			Kind:             p.Icon.Kind,
			Detail:           p.Category,
			SortText:         fmt.Sprintf("%05d", i),
			InsertText:       p.Insert,
			InsertTextFormat: PlainTextFormat,
			Data:             data,
		})
	}
	cc.logger.Info("Completion published", "items", len(items), "document", cc.doc.String())
	if err := cc.conn.Reply(context.Background(), cc.id, CompletionList{IsIncomplete: false, Items: items}); err != nil {
		cc.logger.Warn("Failed to send completion reply", "error", err)
	}
}

// replyEmpty answers a request the provider was not asked to handle. The list
// is incomplete so the client asks again as the user keeps typing.
func (s *Server) replyEmpty(conn *jsonrpc2.Conn, id jsonrpc2.ID) {
	s.requestTracker.Remove(id)
	if err := conn.Reply(context.Background(), id, CompletionList{IsIncomplete: true, Items: []CompletionItem{}}); err != nil {
		s.logger.Warn("Failed to send empty completion reply", "error", err)
	}
}

// handleResolve fills in documentation for an item of the last published list.
// Items from older lists are returned unchanged.
func (s *Server) handleResolve(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, item CompletionItem, logger *slog.Logger) (any, error) {
	if len(item.Data) == 0 {
		return item, nil
	}
	gen := gjson.GetBytes(item.Data, "gen").Uint()
	index := gjson.GetBytes(item.Data, "index").Int()

	s.resolveMu.Lock()
	var proposal Proposal
	found := gen == s.resolveGen && index >= 0 && int(index) < len(s.lastItems)
	if found {
		proposal = s.lastItems[index]
	}
	s.resolveMu.Unlock()
	if !found {
		logger.Debug("Resolve for a stale completion item", "gen", gen, "index", index)
		return item, nil
	}

	info := s.provider.RenderInfo(proposal)
	if info != "" {
		item.Documentation = &MarkupContent{Kind: MarkupKindPlainText, Value: info}
	}
	return item, nil
}
