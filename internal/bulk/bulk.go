// Package bulk runs a batch of migrations level by level, with the
// migrations of one level in parallel.
package bulk

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Operation represents a bulk operation configuration
type Operation struct {
	Jobs            int
	ContinueOnError bool
	// Progress receives one line per finished item when set.
	Progress io.Writer
}

// Result represents the result of a bulk operation
type Result struct {
	TotalItems int
	Succeeded  int
	Failed     int
	// Skipped items never started because an earlier item failed.
	Skipped int
	Errors  []ItemError
}

// ItemError represents an error for a specific item
type ItemError struct {
	Item  string
	Error error
}

// ItemFunc is the function to execute for each item
type ItemFunc func(ctx context.Context, item string) error

// Execute runs fn for every item. Levels run in order; the items of one
// level run with up to Jobs workers. Without ContinueOnError the first
// failure stops new items from starting.
func (op *Operation) Execute(ctx context.Context, levels [][]string, fn ItemFunc) *Result {
	result := &Result{}
	for _, level := range levels {
		result.TotalItems += len(level)
	}

	jobs := op.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}

	var mu sync.Mutex
	stopped := false
	for _, level := range levels {
		if stopped {
			result.Skipped += len(level)
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(jobs)
		for _, item := range level {
			item := item
			g.Go(func() error {
				if gctx.Err() != nil {
					mu.Lock()
					result.Skipped++
					mu.Unlock()
					return nil
				}
				// Running items finish; only new ones are held back.
				err := fn(ctx, item)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Failed++
					result.Errors = append(result.Errors, ItemError{Item: item, Error: err})
					op.progress("%s: error: %v\n", item, err)
					if !op.ContinueOnError {
						return err
					}
					return nil
				}
				result.Succeeded++
				op.progress("%s: success\n", item)
				return nil
			})
		}
		if err := g.Wait(); err != nil || ctx.Err() != nil {
			stopped = true
		}
	}
	return result
}

func (op *Operation) progress(format string, args ...any) {
	if op.Progress != nil {
		fmt.Fprintf(op.Progress, format, args...)
	}
}

// ExitCode returns the appropriate exit code for the result
func (r *Result) ExitCode() int {
	if r.Failed == 0 && r.Skipped == 0 {
		return 0 // All succeeded
	}
	if r.Succeeded > 0 {
		return 5 // Partial success
	}
	return 1 // All failed
}

// PrintSummary prints a human-readable summary of the result
func (r *Result) PrintSummary(w io.Writer) {
	switch {
	case r.Failed == 0 && r.Skipped == 0:
		fmt.Fprintf(w, "\n✓ All %d migrations succeeded\n", r.TotalItems)
	case r.Succeeded == 0 && r.Skipped == 0:
		fmt.Fprintf(w, "\n✗ All %d migrations failed\n", r.TotalItems)
	default:
		fmt.Fprintf(w, "\n⚠ Partial success: %d succeeded, %d failed, %d not run (out of %d)\n",
			r.Succeeded, r.Failed, r.Skipped, r.TotalItems)
	}

	if len(r.Errors) > 0 && len(r.Errors) <= 10 {
		fmt.Fprintf(w, "\nErrors:\n")
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s: %v\n", e.Item, e.Error)
		}
	} else if len(r.Errors) > 10 {
		fmt.Fprintf(w, "\nShowing first 10 errors (of %d):\n", len(r.Errors))
		for _, e := range r.Errors[:10] {
			fmt.Fprintf(w, "  %s: %v\n", e.Item, e.Error)
		}
	}
}
