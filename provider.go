// pycomplete/provider.go
// Completion provider: trigger dispatch and result publishing.
package pycomplete

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Document is the host's buffer as seen at trigger time.
type Document interface {
	Text() string
	// Cursor returns the 0-based line and the 0-based column in code points.
	Cursor() (line, column int)
	// Location returns the backing file path; ok is false for unsaved buffers.
	Location() (path string, ok bool)
}

// CompletionContext is handed to OnTrigger by the host. Publish is only ever
// called on the UI loop.
type CompletionContext interface {
	Document() Document
	Publish(proposals []Proposal, final bool)
}

// ProviderOptions are the settings a provider reads on every trigger.
type ProviderOptions struct {
	DecorateCallables bool
	AnalysisTimeout   time.Duration
}

// ProviderStats counts trigger outcomes.
type ProviderStats struct {
	Triggers  uint64
	Published uint64
	Dropped   uint64
	Failed    uint64
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithProviderInfo sets the registration info.
func WithProviderInfo(info ProviderInfo) ProviderOption {
	return func(p *Provider) { p.info = info }
}

// WithIcons sets the category icon table.
func WithIcons(icons *IconTable) ProviderOption {
	return func(p *Provider) {
		if icons != nil {
			p.icons = icons
		}
	}
}

// WithMaxWorkers caps how many analyses run at once.
func WithMaxWorkers(n int) ProviderOption {
	return func(p *Provider) {
		if n > 0 {
			p.maxWorkers = n
		}
	}
}

// WithProviderOptions sets the initial per-trigger options.
func WithProviderOptions(opts ProviderOptions) ProviderOption {
	return func(p *Provider) { p.opts.Store(&opts) }
}

// WithProviderLogger sets the logger.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Provider is the completion provider registered with the host. OnTrigger is
// the dispatcher; run is the publisher executed once per trigger on its own
// goroutine. Only the request token is shared between them.
type Provider struct {
	info       ProviderInfo
	analyzer   Analyzer
	icons      *IconTable
	poster     Poster
	logger     *slog.Logger
	maxWorkers int
	sem        *semaphore.Weighted
	opts       atomic.Pointer[ProviderOptions]

	mu      sync.Mutex // guards current, cancel, closed and wg.Add
	current uint64
	cancel  context.CancelFunc
	closed  bool

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	triggers  atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewProvider creates a provider that analyzes with analyzer and delivers
// results through poster.
func NewProvider(analyzer Analyzer, poster Poster, opts ...ProviderOption) *Provider {
	p := &Provider{
		info: ProviderInfo{
			Name:       defaultProviderDisplayName,
			Priority:   defaultPriority,
			Activation: ActivationInteractive,
		},
		analyzer:   analyzer,
		icons:      DefaultIconTable(),
		poster:     poster,
		logger:     slog.Default(),
		maxWorkers: defaultMaxWorkers,
	}
	p.opts.Store(&ProviderOptions{AnalysisTimeout: time.Duration(defaultAnalysisTimeoutMs) * time.Millisecond})
	for _, opt := range opts {
		opt(p)
	}
	if p.info.Priority <= 0 {
		p.info.Priority = defaultPriority
	}
	p.logger = p.logger.With("component", "Provider", "provider", p.info.Name)
	p.sem = semaphore.NewWeighted(int64(p.maxWorkers))
	p.root, p.stop = context.WithCancel(context.Background())
	return p
}

// Info returns the registration info.
func (p *Provider) Info() ProviderInfo { return p.info }

// UpdateOptions replaces the per-trigger options. In-flight workers keep the
// options they started with.
func (p *Provider) UpdateOptions(opts ProviderOptions) {
	p.opts.Store(&opts)
}

func (p *Provider) options() ProviderOptions {
	return *p.opts.Load()
}

// ShouldTrigger is the match predicate.
func (p *Provider) ShouldTrigger(mc MatchContext) bool {
	return ShouldTrigger(mc)
}

// OnTrigger snapshots the document, makes the new request current and starts
// exactly one worker for it. It must be called on the UI loop and does not wait
// for analysis.
func (p *Provider) OnTrigger(cc CompletionContext) {
	doc := cc.Document()
	text := doc.Text()
	line, col := doc.Cursor()
	path, ok := doc.Location()
	if !ok {
		path = ""
	}
	if line < 0 {
		line = 0
	}
	if col < 0 {
		col = 0
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(p.root)
	p.current++
	id := p.current
	prev := p.cancel
	p.cancel = cancel
	p.wg.Add(1)
	p.mu.Unlock()
	if prev != nil {
		prev()
	}

	req := Request{
		ID:      id,
		Source:  text,
		Path:    path,
		Line:    line + 1,
		Column:  col,
		TraceID: uuid.NewString(),
	}
	p.triggers.Add(1)
	p.logger.Debug("Completion triggered", "req_id", id, "trace_id", req.TraceID, "path", path, "line", req.Line, "col", req.Column)

	go p.run(ctx, req, cc)
}

// run is the worker body: analyze, build proposals, and publish only if req is
// still the current request.
func (p *Provider) run(ctx context.Context, req Request, cc CompletionContext) {
	defer p.wg.Done()
	logger := p.logger.With("req_id", req.ID, "trace_id", req.TraceID)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		logger.Debug("Request superseded while waiting for a worker slot")
		p.dropped.Add(1)
		return
	}
	opts := p.options()
	result := p.analyze(ctx, req, opts, logger)
	p.sem.Release(1)

	if !result.OK() {
		p.failed.Add(1)
	}
	proposals := BuildProposals(result.Candidates, p.icons, opts.DecorateCallables)

	if !p.isCurrent(req.ID) {
		logger.Debug("Dropping stale completion results", "candidates", len(proposals))
		p.dropped.Add(1)
		return
	}
	err := p.poster.Post(func() {
		// A trigger handled on the loop after the post above still wins.
		if !p.isCurrent(req.ID) {
			logger.Debug("Dropping completion results superseded on the UI loop")
			p.dropped.Add(1)
			return
		}
		cc.Publish(proposals, true)
		p.published.Add(1)
	})
	if err != nil {
		logger.Warn("Could not deliver completion results to the UI loop", "error", err)
	}
}

// analyze calls the analyzer and folds every failure, panics included, into a
// result with zero candidates.
func (p *Provider) analyze(ctx context.Context, req Request, opts ProviderOptions, logger *slog.Logger) (result AnalysisResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in analyzer", "panic_value", r, "stack", string(debug.Stack()))
			result = AnalysisResult{Err: fmt.Errorf("%w: panic: %v", ErrAnalysisFailed, r)}
		}
	}()
	if p.analyzer == nil {
		return AnalysisResult{Err: fmt.Errorf("%w: no analyzer configured", ErrAnalyzerUnavailable)}
	}
	if opts.AnalysisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.AnalysisTimeout)
		defer cancel()
	}

	start := time.Now()
	candidates, err := p.analyzer.Complete(ctx, req)
	if err != nil {
		logger.Debug("Analysis failed, publishing no candidates", "error", err, "elapsed", time.Since(start))
		return AnalysisResult{Err: err}
	}
	logger.Debug("Analysis finished", "candidates", len(candidates), "elapsed", time.Since(start))
	return AnalysisResult{Candidates: candidates}
}

func (p *Provider) isCurrent(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current == id
}

// Current returns the identity of the most recent request.
func (p *Provider) Current() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Cancel supersedes any in-flight request without starting a new one.
func (p *Provider) Cancel() {
	p.mu.Lock()
	p.current++
	prev := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// RenderInfo returns the text shown in the read-only info view for a proposal.
func (p *Provider) RenderInfo(proposal Proposal) string {
	return proposal.Info
}

// Stats returns trigger outcome counters.
func (p *Provider) Stats() ProviderStats {
	return ProviderStats{
		Triggers:  p.triggers.Load(),
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
	}
}

// Close cancels in-flight work and waits for every worker to return.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.Cancel()
	p.stop()
	p.wg.Wait()
}

// BuildProposals maps candidates to presentation records. Candidates without a
// name are skipped. With decorate set, functions and classes insert "name(".
func BuildProposals(candidates []Candidate, icons *IconTable, decorate bool) []Proposal {
	proposals := make([]Proposal, 0, len(candidates))
	for _, c := range candidates {
		if c.Name == "" {
			continue
		}
		insert := c.Name
		if decorate && isCallableCategory(c.Category) {
			insert += "("
		}
		proposals = append(proposals, Proposal{
			Label:    c.Name,
			Insert:   insert,
			Category: c.Category,
			Icon:     icons.Lookup(c.Category),
			Info:     c.Doc,
		})
	}
	return proposals
}

func isCallableCategory(category string) bool {
	return category == "function" || category == "class"
}
