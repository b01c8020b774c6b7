// pycomplete/analyzer_lexical.go
// Token-based backend used when Jedi is not installed, plus the fallback
// combinator that switches to it.
package pycomplete

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/alecthomas/chroma/v2"
)

var pythonKeywords = []string{
	"False", "None", "True", "and", "as", "assert", "async", "await", "break",
	"class", "continue", "def", "del", "elif", "else", "except", "finally", "for",
	"from", "global", "if", "import", "in", "is", "lambda", "nonlocal", "not", "or",
	"pass", "raise", "return", "try", "while", "with", "yield",
}

var pythonBuiltins = map[string]string{
	"abs": "function", "all": "function", "any": "function", "bool": "class",
	"bytes": "class", "callable": "function", "chr": "function", "dict": "class",
	"dir": "function", "enumerate": "class", "filter": "class", "float": "class",
	"format": "function", "getattr": "function", "hasattr": "function", "hash": "function",
	"id": "function", "input": "function", "int": "class", "isinstance": "function",
	"issubclass": "function", "iter": "function", "len": "function", "list": "class",
	"map": "class", "max": "function", "min": "function", "next": "function",
	"object": "class", "open": "function", "ord": "function", "print": "function",
	"range": "class", "repr": "function", "reversed": "class", "round": "function",
	"set": "class", "setattr": "function", "sorted": "function", "str": "class",
	"sum": "function", "super": "class", "tuple": "class", "type": "class", "zip": "class",
	"Exception": "class", "ValueError": "class", "TypeError": "class", "KeyError": "class",
}

// lexicalAnalyzer completes from keywords, builtins and identifiers found in
// the buffer. It never fails for lack of a runtime.
type lexicalAnalyzer struct {
	logger *slog.Logger
}

func newLexicalAnalyzer(logger *slog.Logger) *lexicalAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &lexicalAnalyzer{logger: logger.With("component", "LexicalAnalyzer")}
}

type lexToken struct {
	typ   chroma.TokenType
	value string
	start int
}

// Complete returns candidates for the word being typed at the cursor. After a
// dot, only attribute names previously seen on the same base are offered.
func (l *lexicalAnalyzer) Complete(ctx context.Context, req Request) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAnalysisFailed, err)
	}
	offset, err := CursorToByteOffset(req.Source, req.Line, req.Column)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAnalysisFailed, err)
	}
	if pythonLexer == nil {
		return nil, fmt.Errorf("%w: python lexer not registered", ErrAnalyzerUnavailable)
	}
	prefix, wordStart := wordBefore(req.Source, offset)
	base, isAttr := attributeBase(req.Source, wordStart)

	it, err := pythonLexer.Tokenise(&chroma.TokeniseOptions{State: "root"}, req.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: tokenise: %w", ErrAnalysisFailed, err)
	}
	var tokens []lexToken
	pos := 0
	for tok := it(); tok != chroma.EOF; tok = it() {
		if tok.Type != chroma.Text && tok.Type != chroma.TextWhitespace {
			tokens = append(tokens, lexToken{typ: tok.Type, value: tok.Value, start: pos})
		}
		pos += len(tok.Value)
	}

	seen := make(map[string]string)
	add := func(name, category string) {
		if !strings.HasPrefix(name, prefix) {
			return
		}
		if _, ok := seen[name]; !ok {
			seen[name] = category
		}
	}

	if isAttr {
		for i := 2; i < len(tokens); i++ {
			t := tokens[i]
			if t.start == wordStart || !isIdentifierToken(t.typ) {
				continue
			}
			if tokens[i-1].value == "." && tokens[i-2].value == base {
				add(t.value, "statement")
			}
		}
	} else {
		for _, t := range tokens {
			if t.start == wordStart || !isIdentifierToken(t.typ) {
				continue
			}
			add(t.value, categoryForToken(t.typ))
		}
		for name, category := range pythonBuiltins {
			add(name, category)
		}
		for _, kw := range pythonKeywords {
			add(kw, "keyword")
		}
	}

	candidates := make([]Candidate, 0, len(seen))
	for name, category := range seen {
		candidates = append(candidates, Candidate{Name: name, Category: category})
	}
	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := strings.HasPrefix(candidates[i].Name, "_"), strings.HasPrefix(candidates[j].Name, "_")
		if pi != pj {
			return pj
		}
		return candidates[i].Name < candidates[j].Name
	})
	l.logger.Debug("Lexical completion", "req_id", req.ID, "prefix", prefix, "attribute_of", base, "candidates", len(candidates))
	return candidates, nil
}

// Close is a no-op.
func (l *lexicalAnalyzer) Close() error { return nil }

// wordBefore returns the identifier fragment ending at offset and its start.
func wordBefore(text string, offset int) (string, int) {
	start := offset
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:start])
		if !isIdentRune(r) {
			break
		}
		start -= size
	}
	return text[start:offset], start
}

// attributeBase reports the identifier before a dot that immediately precedes
// wordStart, as in "os.pa".
func attributeBase(text string, wordStart int) (string, bool) {
	if wordStart == 0 || text[wordStart-1] != '.' {
		return "", false
	}
	base, _ := wordBefore(text, wordStart-1)
	return base, true
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isIdentifierToken(t chroma.TokenType) bool {
	return t.InCategory(chroma.Name)
}

func categoryForToken(t chroma.TokenType) string {
	switch t {
	case chroma.NameFunction, chroma.NameFunctionMagic:
		return "function"
	case chroma.NameClass:
		return "class"
	case chroma.NameNamespace:
		return "module"
	case chroma.NameBuiltin:
		return "function"
	case chroma.NameBuiltinPseudo:
		return "instance"
	}
	return "statement"
}

// fallbackAnalyzer uses primary and switches to secondary whenever primary
// reports ErrAnalyzerUnavailable. Other primary errors are returned unchanged.
type fallbackAnalyzer struct {
	primary   Analyzer
	secondary Analyzer
	logger    *slog.Logger
	warned    atomic.Bool
}

func (f *fallbackAnalyzer) Complete(ctx context.Context, req Request) ([]Candidate, error) {
	candidates, err := f.primary.Complete(ctx, req)
	if err == nil || !errors.Is(err, ErrAnalyzerUnavailable) || f.secondary == nil {
		return candidates, err
	}
	if f.warned.CompareAndSwap(false, true) && f.logger != nil {
		f.logger.Warn("Primary analyzer unavailable, falling back to lexical completion", "error", err)
	}
	return f.secondary.Complete(ctx, req)
}

// CheckAvailability reports the primary's availability when it can tell.
func (f *fallbackAnalyzer) CheckAvailability(ctx context.Context) error {
	if checker, ok := f.primary.(AvailabilityChecker); ok {
		return checker.CheckAvailability(ctx)
	}
	return nil
}

func (f *fallbackAnalyzer) Close() error {
	var errs []error
	if err := f.primary.Close(); err != nil {
		errs = append(errs, err)
	}
	if f.secondary != nil {
		if err := f.secondary.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
