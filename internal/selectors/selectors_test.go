package selectors

import (
	"testing"

	"github.com/lherron/upm/internal/domain"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input       string
		expectType  Type
		expectToken string
	}{
		{"d7_user", TypeID, "d7_user"},
		{"d7_*", TypeGlob, "d7_*"},
		{"d7_node_?", TypeGlob, "d7_node_?"},
		{"d7_[nu]*", TypeGlob, "d7_[nu]*"},
		{"group:legacy", TypeGroup, "legacy"},
		{"group:", TypeGroup, ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			sel := Parse(tt.input)
			if sel.Type != tt.expectType {
				t.Errorf("Parse(%q).Type = %v, want %v", tt.input, sel.Type, tt.expectType)
			}
			if sel.Token != tt.expectToken {
				t.Errorf("Parse(%q).Token = %q, want %q", tt.input, sel.Token, tt.expectToken)
			}
			if sel.String() != tt.input {
				t.Errorf("Parse(%q).String() = %q", tt.input, sel.String())
			}
		})
	}
}

func TestParseAllRejects(t *testing.T) {
	for _, input := range []string{"group:", "d7_[user"} {
		if _, err := ParseAll([]string{"d7_user", input}); err == nil {
			t.Errorf("ParseAll(%q) succeeded, want error", input)
		}
	}
}

func TestMatches(t *testing.T) {
	user := &domain.Migration{ID: "d7_user", Group: "legacy"}
	file := &domain.Migration{ID: "d7_file", Group: "media"}

	tests := []struct {
		selector string
		want     map[string]bool
	}{
		{"d7_user", map[string]bool{"d7_user": true}},
		{"d7_*", map[string]bool{"d7_user": true, "d7_file": true}},
		{"*_file", map[string]bool{"d7_file": true}},
		{"group:legacy", map[string]bool{"d7_user": true}},
		{"group:other", map[string]bool{}},
		{"d7", map[string]bool{}},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			sel := Parse(tt.selector)
			for _, m := range []*domain.Migration{user, file} {
				if got := sel.Matches(m); got != tt.want[m.ID] {
					t.Errorf("%q matches %s = %v, want %v", tt.selector, m.ID, got, tt.want[m.ID])
				}
			}
		})
	}
}
