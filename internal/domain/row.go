package domain

import (
	"fmt"
	"strings"
)

// PathDelimiter separates the segments of a nested property name.
const PathDelimiter = "/"

// Row is one unit of work flowing through a migration.
type Row struct {
	source      map[string]any
	destination map[string]any
	sourceIDs   []IDDefinition
	stub        bool
	idMap       *MapEntry
}

// NewRow creates a row from source values. The stub flag marks synthetic rows
// built to satisfy a reference before the real record is migrated.
func NewRow(values map[string]any, sourceIDs []IDDefinition, stub bool) *Row {
	src := make(map[string]any, len(values))
	for k, v := range values {
		src[k] = v
	}
	return &Row{
		source:      src,
		destination: map[string]any{},
		sourceIDs:   sourceIDs,
		stub:        stub,
	}
}

// IsStub reports whether the row is synthetic.
func (r *Row) IsStub() bool {
	return r.stub
}

// SourceIDDefinitions returns the source identity schema of the row.
func (r *Row) SourceIDDefinitions() []IDDefinition {
	return r.sourceIDs
}

// SourceIDValues returns the normalized source identity of the row, ordered
// by the id schema.
func (r *Row) SourceIDValues() ([]any, error) {
	if len(r.sourceIDs) == 0 {
		return nil, fmt.Errorf("%w: row has no source id definitions", ErrConfig)
	}
	values := make([]any, len(r.sourceIDs))
	for i, def := range r.sourceIDs {
		raw, ok := lookupPath(r.source, def.Name)
		if !ok || raw == nil {
			return nil, fmt.Errorf("source id %q is missing from row", def.Name)
		}
		v, err := def.Normalize(raw)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// SourceProperty returns a source value; nested values use "a/b".
func (r *Row) SourceProperty(name string) any {
	v, _ := lookupPath(r.source, name)
	return v
}

// HasSourceProperty reports whether the named source value exists.
func (r *Row) HasSourceProperty(name string) bool {
	_, ok := lookupPath(r.source, name)
	return ok
}

// SetSourceProperty sets a top level source value.
func (r *Row) SetSourceProperty(name string, v any) {
	r.source[name] = v
}

// Source returns a shallow copy of the source values.
func (r *Row) Source() map[string]any {
	out := make(map[string]any, len(r.source))
	for k, v := range r.source {
		out[k] = v
	}
	return out
}

// DestinationProperty returns a computed destination value.
func (r *Row) DestinationProperty(name string) any {
	v, _ := lookupPath(r.destination, name)
	return v
}

// HasDestinationProperty reports whether a destination value was computed.
func (r *Row) HasDestinationProperty(name string) bool {
	_, ok := lookupPath(r.destination, name)
	return ok
}

// SetDestinationProperty stores a computed destination value.
func (r *Row) SetDestinationProperty(name string, v any) {
	r.destination[name] = v
}

// RemoveDestinationProperty drops a computed destination value.
func (r *Row) RemoveDestinationProperty(name string) {
	delete(r.destination, name)
}

// Destination returns a shallow copy of the destination values.
func (r *Row) Destination() map[string]any {
	out := make(map[string]any, len(r.destination))
	for k, v := range r.destination {
		out[k] = v
	}
	return out
}

// Property resolves a parsed property reference against the row.
func (r *Row) Property(ref PropertyRef) any {
	if ref.Kind == PropertyDestination {
		return r.DestinationProperty(ref.Name)
	}
	return r.SourceProperty(ref.Name)
}

// IDMap returns the identity map entry loaded for this row, if any.
func (r *Row) IDMap() *MapEntry {
	return r.idMap
}

// SetIDMap attaches the existing identity map entry to the row.
func (r *Row) SetIDMap(e *MapEntry) {
	r.idMap = e
}

// NeedsUpdate reports whether the row updates an existing destination record.
func (r *Row) NeedsUpdate() bool {
	return r.idMap != nil && r.idMap.HasDestination()
}

func lookupPath(m map[string]any, name string) (any, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	if !strings.Contains(name, PathDelimiter) {
		return nil, false
	}
	var cur any = m
	for _, part := range strings.Split(name, PathDelimiter) {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}
