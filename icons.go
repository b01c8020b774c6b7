// pycomplete/icons.go
// Immutable category-to-icon table.
package pycomplete

import "strings"

// Icon is a presentation hint for a proposal: a themed icon name for hosts that
// draw their own popups plus the LSP item kind for protocol clients.
type Icon struct {
	Name string
	Kind CompletionItemKind
}

// FallbackIcon is used for categories the table does not know.
var FallbackIcon = Icon{Name: "list-add", Kind: CompletionItemKindText}

// IconTable maps analyzer categories to icons. It is immutable once built.
type IconTable struct {
	icons    map[string]Icon
	fallback Icon
}

// NewIconTable copies icons into a new table. A zero fallback becomes FallbackIcon.
func NewIconTable(icons map[string]Icon, fallback Icon) *IconTable {
	if fallback == (Icon{}) {
		fallback = FallbackIcon
	}
	t := &IconTable{icons: make(map[string]Icon, len(icons)), fallback: fallback}
	for category, icon := range icons {
		if icon == (Icon{}) {
			continue
		}
		t.icons[strings.ToLower(category)] = icon
	}
	return t
}

// DefaultIconTable covers the categories jedi reports.
func DefaultIconTable() *IconTable {
	return NewIconTable(map[string]Icon{
		"module":    {Name: "xapp-prefs-plugins-symbolic", Kind: CompletionItemKindModule},
		"class":     {Name: "application-x-appliance-symbolic", Kind: CompletionItemKindClass},
		"instance":  {Name: "insert-object-symbolic", Kind: CompletionItemKindVariable},
		"function":  {Name: "system-run-symbolic", Kind: CompletionItemKindFunction},
		"param":     {Name: "dialog-question-symbolic", Kind: CompletionItemKindVariable},
		"path":      {Name: "inode-directory-symbolic", Kind: CompletionItemKindFolder},
		"keyword":   {Name: "insert-text-symbolic", Kind: CompletionItemKindKeyword},
		"property":  {Name: "document-properties-symbolic", Kind: CompletionItemKindProperty},
		"statement": {Name: "document-send-symbolic", Kind: CompletionItemKindVariable},
	}, FallbackIcon)
}

// Lookup returns the icon for category, or the fallback. Categories match
// case-insensitively. It never returns a zero Icon.
func (t *IconTable) Lookup(category string) Icon {
	if t == nil {
		return FallbackIcon
	}
	if icon, ok := t.icons[strings.ToLower(category)]; ok {
		return icon
	}
	return t.fallback
}

// Len reports how many categories are mapped.
func (t *IconTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.icons)
}
