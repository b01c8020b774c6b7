// pycomplete/trigger.go
// Trigger predicate and lexical context classes at a buffer position.
package pycomplete

import (
	"log/slog"
	"unicode"
	"unicode/utf8"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
)

// Lexical context classes reported for a position.
const (
	ContextComment = "comment"
	ContextString  = "string"
)

// MatchContext is what the host knows about the cursor when deciding whether to
// start a completion: the character just before it and the lexical classes there.
type MatchContext struct {
	Prev    rune
	HasPrev bool
	Classes []string
}

// ShouldTrigger reports whether completion should start. The previous character
// must be a letter, digit, underscore or dot, and the position must not be inside
// a comment or string. Classes is a set; any member counts.
func ShouldTrigger(mc MatchContext) bool {
	if !mc.HasPrev {
		return false
	}
	r := mc.Prev
	if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.') {
		return false
	}
	for _, class := range mc.Classes {
		if class == ContextComment || class == ContextString {
			return false
		}
	}
	return true
}

var pythonLexer = lexers.Get("python")

// ContextClassesAt returns the lexical classes of the character ending at byte
// offset in text (the character just before the cursor). Only the prefix is
// tokenised, so an unterminated string or comment still classifies correctly.
func ContextClassesAt(text string, offset int) []string {
	if offset <= 0 || offset > len(text) || pythonLexer == nil {
		return nil
	}
	prefix := text[:offset]
	it, err := pythonLexer.Tokenise(&chroma.TokeniseOptions{State: "root"}, prefix)
	if err != nil {
		slog.Debug("Tokenise failed, assuming code context", "error", err)
		return nil
	}
	target := offset - 1
	pos := 0
	var tokenType chroma.TokenType
	found := false
	for tok := it(); tok != chroma.EOF; tok = it() {
		end := pos + len(tok.Value)
		if target >= pos && target < end {
			tokenType = tok.Type
			found = true
			break
		}
		pos = end
	}
	if !found {
		return nil
	}
	var classes []string
	if tokenType.InCategory(chroma.Comment) {
		classes = append(classes, ContextComment)
	}
	if tokenType.InSubCategory(chroma.LiteralString) {
		classes = append(classes, ContextString)
	}
	return classes
}

// MatchContextAt builds a MatchContext for a cursor at byte offset in text.
func MatchContextAt(text string, offset int) MatchContext {
	if offset <= 0 || offset > len(text) {
		return MatchContext{}
	}
	r, _ := utf8.DecodeLastRuneInString(text[:offset])
	return MatchContext{
		Prev:    r,
		HasPrev: r != utf8.RuneError,
		Classes: ContextClassesAt(text, offset),
	}
}
