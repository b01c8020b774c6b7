package pycomplete

import (
	"reflect"
	"testing"
)

func TestShouldTrigger(t *testing.T) {
	tests := []struct {
		name string
		mc   MatchContext
		want bool
	}{
		{"Letter", MatchContext{Prev: 'o', HasPrev: true}, true},
		{"Digit", MatchContext{Prev: '7', HasPrev: true}, true},
		{"Underscore", MatchContext{Prev: '_', HasPrev: true}, true},
		{"Dot", MatchContext{Prev: '.', HasPrev: true}, true},
		{"Non-ASCII letter", MatchContext{Prev: 'é', HasPrev: true}, true},
		{"Space", MatchContext{Prev: ' ', HasPrev: true}, false},
		{"Open paren", MatchContext{Prev: '(', HasPrev: true}, false},
		{"Start of buffer", MatchContext{}, false},
		{"Inside comment", MatchContext{Prev: 'a', HasPrev: true, Classes: []string{ContextComment}}, false},
		{"Inside string", MatchContext{Prev: '.', HasPrev: true, Classes: []string{ContextString}}, false},
		{"String among other classes", MatchContext{Prev: 'a', HasPrev: true, Classes: []string{"name", ContextString}}, false},
		{"Unrelated class", MatchContext{Prev: 'a', HasPrev: true, Classes: []string{"name"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldTrigger(tt.mc); got != tt.want {
				t.Errorf("ShouldTrigger(%+v) = %v, want %v", tt.mc, got, tt.want)
			}
		})
	}
}

func TestContextClassesAt(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"Code", "import os\nos.", nil},
		{"Comment", "x = 1  # see os.", []string{ContextComment}},
		{"Double quoted string", `x = "os.`, []string{ContextString}},
		{"Single quoted string", "x = 'abc", []string{ContextString}},
		{"After closed string", `x = "a".`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ContextClassesAt(tt.text, len(tt.text))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ContextClassesAt(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestMatchContextAt(t *testing.T) {
	if mc := MatchContextAt("", 0); mc.HasPrev {
		t.Errorf("empty text: HasPrev = true")
	}
	if mc := MatchContextAt("os.", 10); mc.HasPrev {
		t.Errorf("offset past end: HasPrev = true")
	}

	mc := MatchContextAt("import os\nos.", len("import os\nos."))
	if !mc.HasPrev || mc.Prev != '.' {
		t.Errorf("Prev = %q (HasPrev %v), want '.'", mc.Prev, mc.HasPrev)
	}
	if !ShouldTrigger(mc) {
		t.Error("completion after 'os.' should trigger")
	}

	text := "name = 'ü"
	mc = MatchContextAt(text, len(text))
	if mc.Prev != 'ü' {
		t.Errorf("Prev = %q, want 'ü'", mc.Prev)
	}
	if ShouldTrigger(mc) {
		t.Error("completion inside a string literal should not trigger")
	}
}
