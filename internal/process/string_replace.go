package process

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lherron/upm/internal/domain"
	"gopkg.in/yaml.v3"
)

// Pair is one search and replace entry.
type Pair struct {
	Search  string `yaml:"search"`
	Replace string `yaml:"replace"`
}

// Replacements is an ordered list of pairs. In YAML it is either a mapping
// of search to replace or a sequence of {search, replace}.
type Replacements []Pair

func (r *Replacements) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.MappingNode:
		out := make(Replacements, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			out = append(out, Pair{Search: n.Content[i].Value, Replace: n.Content[i+1].Value})
		}
		*r = out
		return nil
	case yaml.SequenceNode:
		var pairs []Pair
		if err := n.Decode(&pairs); err != nil {
			return err
		}
		*r = pairs
		return nil
	default:
		return fmt.Errorf("replacements: expected mapping or sequence at line %d", n.Line)
	}
}

// StringReplace substitutes every search string in one pass. Matches are
// found left to right, the longest search wins at a position, and replaced
// text is never rescanned.
type StringReplace struct {
	replacer *strings.Replacer
}

// NewStringReplace builds the step from pairs. Empty searches are ignored;
// of two pairs with the same search the later one wins.
func NewStringReplace(pairs []Pair) *StringReplace {
	bySearch := map[string]int{}
	var uniq []Pair
	for _, p := range pairs {
		if p.Search == "" {
			continue
		}
		if i, ok := bySearch[p.Search]; ok {
			uniq[i].Replace = p.Replace
			continue
		}
		bySearch[p.Search] = len(uniq)
		uniq = append(uniq, p)
	}
	// strings.Replacer prefers earlier arguments at the same position.
	sort.SliceStable(uniq, func(i, j int) bool { return len(uniq[i].Search) > len(uniq[j].Search) })

	args := make([]string, 0, len(uniq)*2)
	for _, p := range uniq {
		args = append(args, p.Search, p.Replace)
	}
	return &StringReplace{replacer: strings.NewReplacer(args...)}
}

func newStringReplace(cfg domain.StepConfig, bc BuildContext) (Step, error) {
	var c struct {
		Replacements Replacements `yaml:"replacements"`
	}
	if err := cfg.Decode(&c); err != nil {
		return nil, domain.ConfigError("%s: string_replace: %v", bc.MigrationID, err)
	}
	if len(c.Replacements) == 0 {
		return nil, domain.ConfigError("%s: string_replace requires replacements", bc.MigrationID)
	}
	return NewStringReplace(c.Replacements), nil
}

func (s *StringReplace) Transform(ctx context.Context, value any, exec Executor, row *domain.Row, destinationProperty string) (any, error) {
	var in string
	switch v := value.(type) {
	case nil:
		in = ""
	case string:
		in = v
	case []byte:
		in = string(v)
	default:
		in = fmt.Sprint(v)
	}
	return s.replacer.Replace(in), nil
}
