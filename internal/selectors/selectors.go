// Package selectors parses the migration selectors accepted on the command
// line: plain ids, globs over ids (d7_*), and group:<name>.
package selectors

import (
	"fmt"
	"path"
	"strings"

	"github.com/lherron/upm/internal/domain"
)

// Type represents what a selector matches against
type Type string

const (
	TypeID    Type = "id"
	TypeGlob  Type = "glob"
	TypeGroup Type = "group"
)

// Selector represents a parsed typed selector
type Selector struct {
	Type  Type
	Token string // The part after the prefix (e.g., "legacy" from "group:legacy")
}

// Parse parses a selector string and returns the type and token
func Parse(selector string) Selector {
	if strings.HasPrefix(selector, "group:") {
		return Selector{Type: TypeGroup, Token: strings.TrimPrefix(selector, "group:")}
	}
	if IsGlobPattern(selector) {
		return Selector{Type: TypeGlob, Token: selector}
	}
	return Selector{Type: TypeID, Token: selector}
}

// ParseAll parses every selector and rejects malformed globs.
func ParseAll(selectors []string) ([]Selector, error) {
	out := make([]Selector, 0, len(selectors))
	for _, s := range selectors {
		sel := Parse(s)
		switch sel.Type {
		case TypeGroup:
			if sel.Token == "" {
				return nil, fmt.Errorf("empty group selector %q", s)
			}
		case TypeGlob:
			if _, err := path.Match(sel.Token, ""); err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", s, err)
			}
		}
		out = append(out, sel)
	}
	return out, nil
}

// Matches reports whether m is selected.
func (s Selector) Matches(m *domain.Migration) bool {
	switch s.Type {
	case TypeGroup:
		return m.Group == s.Token
	case TypeGlob:
		ok, err := path.Match(s.Token, m.ID)
		return err == nil && ok
	default:
		return m.ID == s.Token
	}
}

// String returns the selector as it was written.
func (s Selector) String() string {
	if s.Type == TypeGroup {
		return "group:" + s.Token
	}
	return s.Token
}

// IsGlobPattern checks if a string contains glob characters
func IsGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}
