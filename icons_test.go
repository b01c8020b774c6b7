package pycomplete

import "testing"

func TestIconTable_Lookup(t *testing.T) {
	table := DefaultIconTable()
	tests := []struct {
		category string
		want     Icon
	}{
		{"module", Icon{Name: "xapp-prefs-plugins-symbolic", Kind: CompletionItemKindModule}},
		{"function", Icon{Name: "system-run-symbolic", Kind: CompletionItemKindFunction}},
		{"Function", Icon{Name: "system-run-symbolic", Kind: CompletionItemKindFunction}},
		{"path", Icon{Name: "inode-directory-symbolic", Kind: CompletionItemKindFolder}},
		{"", FallbackIcon},
		{"no-such-category", FallbackIcon},
	}
	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			if got := table.Lookup(tt.category); got != tt.want {
				t.Errorf("Lookup(%q) = %+v, want %+v", tt.category, got, tt.want)
			}
		})
	}
	if FallbackIcon.Name != "list-add" {
		t.Errorf("fallback icon = %q, want list-add", FallbackIcon.Name)
	}
}

func TestIconTable_IsImmutable(t *testing.T) {
	src := map[string]Icon{"class": {Name: "cls", Kind: CompletionItemKindClass}, "empty": {}}
	table := NewIconTable(src, Icon{})
	src["class"] = Icon{Name: "changed"}
	src["module"] = Icon{Name: "added"}

	if got := table.Lookup("class").Name; got != "cls" {
		t.Errorf("Lookup(class) = %q after mutating source map", got)
	}
	if got := table.Lookup("module"); got != FallbackIcon {
		t.Errorf("Lookup(module) = %+v, want fallback", got)
	}
	if got := table.Lookup("empty"); got != FallbackIcon {
		t.Errorf("zero icon entry should fall back, got %+v", got)
	}
	if table.Len() != 1 {
		t.Errorf("Len() = %d, want 1", table.Len())
	}

	var nilTable *IconTable
	if nilTable.Lookup("class") != FallbackIcon || nilTable.Len() != 0 {
		t.Error("nil table should behave as empty")
	}
}
