package domain

import "strings"

// PropertyMarker prefixes a property name that refers to a destination value.
const PropertyMarker = '@'

// PropertyKind says which side of a row a reference reads from.
type PropertyKind int

const (
	PropertySource PropertyKind = iota
	PropertyDestination
)

// PropertyRef is a parsed "name", "@name" or "@@name" reference.
type PropertyRef struct {
	Kind PropertyKind
	Name string
}

// ParsePropertyRef parses the marker convention used by get and dynamic
// lookups. An odd number of leading markers selects the destination side;
// every remaining pair of markers stands for one literal marker.
//
//	"uid"     -> Source("uid")
//	"@uid"    -> Destination("uid")
//	"@@uid"   -> Source("@uid")
//	"@@@uid"  -> Destination("@uid")
func ParsePropertyRef(s string) PropertyRef {
	n := 0
	for n < len(s) && s[n] == PropertyMarker {
		n++
	}
	ref := PropertyRef{Kind: PropertySource}
	pairs := n / 2
	if n%2 == 1 {
		ref.Kind = PropertyDestination
	}
	ref.Name = strings.Repeat(string(PropertyMarker), pairs) + s[n:]
	return ref
}

// String renders the reference back into its escaped form.
func (r PropertyRef) String() string {
	n := 0
	for n < len(r.Name) && r.Name[n] == PropertyMarker {
		n++
	}
	escaped := strings.Repeat("@@", n) + r.Name[n:]
	if r.Kind == PropertyDestination {
		return "@" + escaped
	}
	return escaped
}
