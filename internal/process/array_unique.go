package process

import (
	"context"
	"fmt"

	"github.com/lherron/upm/internal/domain"
)

// ArrayUnique wraps a scalar into a sequence and drops repeated elements,
// keeping the first occurrence. Elements are compared by their string form,
// so 1 and "1" are duplicates.
type ArrayUnique struct{}

func newArrayUnique(cfg domain.StepConfig, bc BuildContext) (Step, error) {
	return ArrayUnique{}, nil
}

func (ArrayUnique) Multiple() bool         { return true }
func (ArrayUnique) HandlesMultiples() bool { return true }

func (ArrayUnique) Transform(ctx context.Context, value any, exec Executor, row *domain.Row, destinationProperty string) (any, error) {
	items, ok := AsSlice(value)
	if !ok {
		items = []any{value}
	}
	seen := make(map[string]bool, len(items))
	out := make([]any, 0, len(items))
	for _, item := range items {
		key := fmt.Sprint(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out, nil
}
