package migrate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/lookup"
)

// Order returns migration ids so that every migration follows its
// dependencies. Ties resolve alphabetically. Required dependencies must
// exist; missing optional ones are ignored.
func Order(defs map[string]*domain.Migration) ([]string, error) {
	ids := make([]string, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	indeg := make(map[string]int, len(ids))
	out := make(map[string][]string, len(ids))
	for _, id := range ids {
		m := defs[id]
		for _, dep := range m.Dependencies.Required {
			if _, ok := defs[dep]; !ok {
				return nil, domain.ConfigError("%s: required dependency %q is not defined", id, dep)
			}
		}
		for _, dep := range m.Dependencies.All() {
			if _, ok := defs[dep]; !ok {
				continue
			}
			indeg[id]++
			out[dep] = append(out[dep], id)
		}
	}
	for k := range out {
		sort.Strings(out[k])
	}

	var ready []string
	for _, id := range ids {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(ids))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range out[id] {
			indeg[next]--
			if indeg[next] == 0 {
				k := sort.SearchStrings(ready, next)
				ready = append(ready, "")
				copy(ready[k+1:], ready[k:])
				ready[k] = next
			}
		}
	}

	if len(order) != len(ids) {
		var stuck []string
		for _, id := range ids {
			if indeg[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, domain.ConfigError("dependency cycle among: %s", strings.Join(stuck, ", "))
	}
	return order, nil
}

// Levels groups ids, given in dependency order, so that each migration is
// in a later level than all of its dependencies within ids.
func Levels(defs map[string]*domain.Migration, ids []string) [][]string {
	in := make(map[string]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}
	level := make(map[string]int, len(ids))
	var out [][]string
	for _, id := range ids {
		l := 0
		for _, dep := range defs[id].Dependencies.All() {
			if in[dep] && level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[id] = l
		for len(out) <= l {
			out = append(out, nil)
		}
		out[l] = append(out[l], id)
	}
	return out
}

type stubNode struct {
	owner   string
	without string
}

func (n stubNode) String() string {
	return n.owner + " (without " + n.without + ")"
}

// lookupEdge is a static lookup in field of a migration that may create a
// stub in owner.
type lookupEdge struct {
	field string
	owner string
}

func stubEdges(m *domain.Migration) ([]lookupEdge, error) {
	var edges []lookupEdge
	for _, fp := range m.Process {
		for _, step := range fp.Steps {
			if step.Plugin != "migration_lookup" && step.Plugin != "merge_migration_lookup" {
				continue
			}
			var s struct {
				Migration domain.StringList `yaml:"migration"`
				StubID    string            `yaml:"stub_id"`
				NoStub    bool              `yaml:"no_stub"`
			}
			if err := step.Decode(&s); err != nil {
				return nil, domain.ConfigError("%s: process %q: %v", m.ID, fp.Field, err)
			}
			if s.NoStub {
				continue
			}
			owner := lookup.ChooseStubOwner(m.ID, s.Migration, s.StubID)
			if owner.Ambiguous {
				continue
			}
			edges = append(edges, lookupEdge{field: fp.Field, owner: owner.ID})
		}
	}
	return edges, nil
}

// ValidateStubGraph rejects definitions in which creating a stub can lead
// back to creating a stub of the same migration without the same field.
// Dynamic lookups are resolved at run time and are not part of the graph.
func ValidateStubGraph(defs map[string]*domain.Migration) error {
	edges := make(map[string][]lookupEdge, len(defs))
	ids := make([]string, 0, len(defs))
	for id, m := range defs {
		e, err := stubEdges(m)
		if err != nil {
			return err
		}
		edges[id] = e
		ids = append(ids, id)
	}
	sort.Strings(ids)

	const (
		unvisited = iota
		active
		done
	)
	state := map[stubNode]int{}
	var path []stubNode
	var visit func(n stubNode) error
	visit = func(n stubNode) error {
		switch state[n] {
		case active:
			var cycle []string
			for i := len(path) - 1; i >= 0; i-- {
				cycle = append([]string{path[i].String()}, cycle...)
				if path[i] == n {
					break
				}
			}
			cycle = append(cycle, n.String())
			return domain.ConfigError("stub cycle: %s", strings.Join(cycle, " -> "))
		case done:
			return nil
		}
		state[n] = active
		path = append(path, n)
		for _, e := range edges[n.owner] {
			if e.field == n.without {
				continue
			}
			if _, ok := defs[e.owner]; !ok {
				return domain.ConfigError("%s: process %q looks up unknown migration %q", n.owner, e.field, e.owner)
			}
			if err := visit(stubNode{owner: e.owner, without: e.field}); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[n] = done
		return nil
	}

	for _, id := range ids {
		for _, e := range edges[id] {
			if _, ok := defs[e.owner]; !ok {
				return domain.ConfigError("%s: process %q looks up unknown migration %q", id, e.field, e.owner)
			}
			if err := visit(stubNode{owner: e.owner, without: e.field}); err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
		}
	}
	return nil
}
