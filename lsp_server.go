// pycomplete/lsp_server.go
// Implements the Language Server Protocol (LSP) server logic.
package pycomplete

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Server Implementation
// ============================================================================

// Server is the LSP front end. Completion requests are handed to the UI loop,
// which owns the pending request and the provider's trigger sequence.
type Server struct {
	logger         *slog.Logger
	levelVar       *slog.LevelVar
	completer      *Completer
	loop           *Loop
	provider       *Provider
	files          map[DocumentURI]*OpenFile
	filesMu        sync.RWMutex
	clientCaps     ClientCapabilities
	serverInfo     *ServerInfo
	initParams     *InitializeParams
	requestTracker *RequestTracker
	shutdown       atomic.Bool

	// pending is only touched on the loop goroutine.
	pending *lspCompletion

	// Proposals of the last published completion, for completionItem/resolve.
	resolveMu  sync.Mutex
	resolveGen uint64
	lastItems  []Proposal
}

// OpenFile represents a file currently open in the client editor.
type OpenFile struct {
	URI     DocumentURI
	Content []byte
	Version int
	Python  bool // completion is only offered for Python documents
}

// NewServer creates a new LSP server instance. levelVar, when set, follows
// log_level changes pushed by the client.
func NewServer(completer *Completer, logger *slog.Logger, version string, levelVar *slog.LevelVar) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	loop := NewLoop(logger)
	s := &Server{
		logger:    logger,
		levelVar:  levelVar,
		completer: completer,
		loop:      loop,
		provider:  completer.NewProvider(loop),
		files:     make(map[DocumentURI]*OpenFile),
		serverInfo: &ServerInfo{
			Name:    "pycomplete LSP",
			Version: version,
		},
		requestTracker: NewRequestTracker(),
	}
	publishExpvarMetrics(s)
	return s
}

// Run serves LSP over r and w until the connection closes.
func (s *Server) Run(r io.Reader, w io.Writer) {
	s.logger.Info("Starting LSP server run loop")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := s.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("UI loop exited with error", "error", err)
		}
	}()

	stream := &stdrwc{r: r, w: w}
	conn := jsonrpc2.NewConn(ctx, jsonrpc2.NewPlainObjectStream(stream), s)
	s.logger.Info("JSON-RPC connection established")

	<-conn.DisconnectNotify()
	s.logger.Info("JSON-RPC connection closed")

	s.provider.Close()
	s.loop.Stop()
}

// stdrwc is a simple ReadWriteCloser that wraps stdin/stdout without closing them.
type stdrwc struct {
	r io.Reader
	w io.Writer
}

func (s *stdrwc) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdrwc) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stdrwc) Close() error                { return nil }

// Handle implements jsonrpc2.Handler. Completion replies are deferred until the
// provider publishes; every other method is answered synchronously.
func (s *Server) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Method == "textDocument/completion" && !req.Notif {
		s.handleCompletion(ctx, conn, req, s.logger.With("method", req.Method, "req_id", req.ID))
		return
	}
	jsonrpc2.HandlerWithError(s.handle).Handle(ctx, conn, req)
}

// handle routes incoming LSP requests/notifications to appropriate methods.
func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (result any, err error) {
	methodLogger := s.logger.With("method", req.Method, "is_notification", req.Notif)
	if !req.Notif {
		methodLogger = methodLogger.With("req_id", req.ID)
	}
	methodLogger.Debug("Received request/notification")

	defer func() {
		if r := recover(); r != nil {
			methodLogger.Error("Panic recovered in handler", "panic_value", r, "stack", string(debug.Stack()))
			panicData, marshalErr := json.Marshal(fmt.Sprintf("Panic: %v", r))
			if marshalErr != nil {
				panicData = json.RawMessage(`"failed to marshal panic data"`)
			}
			rawPanicData := json.RawMessage(panicData)
			err = &jsonrpc2.Error{
				Code:    int64(JsonRpcInternalError),
				Message: fmt.Sprintf("Internal server error in method %s", req.Method),
				Data:    &rawPanicData,
			}
			result = nil
		}
	}()

	if !req.Notif {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		s.requestTracker.Add(req.ID, cancel)
		defer s.requestTracker.Remove(req.ID)
	}
	if s.shutdown.Load() && req.Method != "exit" && !req.Notif {
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidRequest), Message: "Server is shutting down"}
	}

	unmarshalParams := func(target any) error {
		if req.Params == nil {
			return errors.New("params field is null")
		}
		return json.Unmarshal(*req.Params, target)
	}

	switch req.Method {
	case "initialize":
		var params InitializeParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal initialize params", "error", err)
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid initialize params: %v", err)}
		}
		return s.handleInitialize(ctx, conn, req, params, methodLogger)

	case "initialized":
		return s.handleInitialized(ctx, conn, req, methodLogger)

	case "shutdown":
		return s.handleShutdown(ctx, conn, req, methodLogger)

	case "exit":
		return s.handleExit(ctx, conn, req, methodLogger)

	case "textDocument/didOpen":
		var params DidOpenTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didOpen params", "error", err)
			return nil, nil
		}
		return s.handleDidOpen(ctx, conn, req, params, methodLogger)

	case "textDocument/didChange":
		var params DidChangeTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didChange params", "error", err)
			return nil, nil
		}
		return s.handleDidChange(ctx, conn, req, params, methodLogger)

	case "textDocument/didSave":
		var params DidSaveTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didSave params", "error", err)
			return nil, nil
		}
		return s.handleDidSave(ctx, conn, req, params, methodLogger)

	case "textDocument/didClose":
		var params DidCloseTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didClose params", "error", err)
			return nil, nil
		}
		return s.handleDidClose(ctx, conn, req, params, methodLogger)

	case "completionItem/resolve":
		var item CompletionItem
		if err := unmarshalParams(&item); err != nil {
			methodLogger.Error("Failed to unmarshal completion item", "error", err)
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid completion item: %v", err)}
		}
		return s.handleResolve(ctx, conn, req, item, methodLogger)

	case "workspace/didChangeConfiguration":
		var params DidChangeConfigurationParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didChangeConfiguration params", "error", err)
			return nil, nil
		}
		return s.handleDidChangeConfiguration(ctx, conn, req, params, methodLogger)

	case "$/cancelRequest":
		var params CancelParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal cancelRequest params", "error", err)
			return nil, nil
		}
		var cancelID jsonrpc2.ID
		switch idVal := params.ID.(type) {
		case float64:
			cancelID = jsonrpc2.ID{Num: uint64(idVal)}
		case string:
			cancelID = jsonrpc2.ID{Str: idVal, IsString: true}
		default:
			methodLogger.Warn("Could not determine type of cancel request ID", "id_value", params.ID, "id_type", fmt.Sprintf("%T", params.ID))
			return nil, nil
		}
		s.requestTracker.Cancel(cancelID)
		methodLogger.Debug("Cancellation request processed", "cancelled_id", cancelID)
		return nil, nil

	default:
		if req.Notif {
			methodLogger.Debug("Ignoring unhandled notification")
			return nil, nil
		}
		methodLogger.Warn("Unhandled LSP method")
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcMethodNotFound), Message: fmt.Sprintf("Method not supported: %s", req.Method)}
	}
}

// ============================================================================
// LSP Notification Sending Helpers
// ============================================================================

func (s *Server) sendShowMessage(conn *jsonrpc2.Conn, msgType MessageType, message string) {
	if conn == nil {
		s.logger.Warn("Cannot send showMessage: connection is nil")
		return
	}
	params := ShowMessageParams{Type: msgType, Message: message}
	if err := conn.Notify(context.Background(), "window/showMessage", params); err != nil {
		s.logger.Error("Failed to send window/showMessage notification", "error", err, "message_type", msgType)
	}
}

// ============================================================================
// Metrics Publishing
// ============================================================================

var (
	expvarOnce    sync.Once
	expvarCurrent atomic.Pointer[Server]
)

// publishExpvarMetrics exposes the most recently created server's state.
// expvar names are global, so they are registered once per process.
func publishExpvarMetrics(s *Server) {
	expvarCurrent.Store(s)
	expvarOnce.Do(func() {
		startTime := time.Now()
		current := func() *Server { return expvarCurrent.Load() }
		expvar.Publish("serverInfo", expvar.Func(func() any { return current().serverInfo }))
		expvar.NewString("serverStartTime").Set(startTime.Format(time.RFC3339))
		expvar.Publish("goroutines", expvar.Func(func() any { return runtime.NumGoroutine() }))
		expvar.Publish("memory.allocBytes", expvar.Func(func() any {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.Alloc
		}))
		expvar.Publish("lsp.openFiles", expvar.Func(func() any {
			srv := current()
			srv.filesMu.RLock()
			defer srv.filesMu.RUnlock()
			return len(srv.files)
		}))
		expvar.Publish("lsp.pendingRequests", expvar.Func(func() any { return current().requestTracker.Count() }))
		expvar.Publish("provider.stats", expvar.Func(func() any { return current().provider.Stats() }))
		expvar.Publish("cache.memory", expvar.Func(func() any {
			m := current().completer.CacheMetrics()
			if m == nil {
				return nil
			}
			return map[string]uint64{
				"hits":        m.Hits(),
				"misses":      m.Misses(),
				"costAdded":   m.CostAdded(),
				"costEvicted": m.CostEvicted(),
				"keysAdded":   m.KeysAdded(),
				"keysEvicted": m.KeysEvicted(),
			}
		}))
	})
	s.logger.Debug("Expvar metrics published")
}

// ============================================================================
// Request Cancellation Tracker
// ============================================================================

// RequestTracker maps in-flight LSP request IDs to the function that cancels them.
type RequestTracker struct {
	mu       sync.Mutex
	requests map[jsonrpc2.ID]func()
}

// NewRequestTracker creates a new tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{requests: make(map[jsonrpc2.ID]func())}
}

// Add registers cancel for id, replacing any earlier registration.
func (rt *RequestTracker) Add(id jsonrpc2.ID, cancel func()) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.requests[id] = cancel
}

// Remove deregisters a request ID.
func (rt *RequestTracker) Remove(id jsonrpc2.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.requests, id)
}

// Cancel runs and forgets the cancel function registered for id, if any.
func (rt *RequestTracker) Cancel(id jsonrpc2.ID) bool {
	rt.mu.Lock()
	cancel, found := rt.requests[id]
	if found {
		delete(rt.requests, id)
	}
	rt.mu.Unlock()

	if found {
		cancel()
	}
	return found
}

// Count returns the number of currently tracked requests.
func (rt *RequestTracker) Count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.requests)
}
