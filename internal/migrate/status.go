package migrate

import (
	"context"
	"errors"

	"github.com/lherron/upm/internal/domain"
)

// Status summarizes one migration for operators.
type Status struct {
	ID          string           `json:"id"`
	Label       string           `json:"label,omitempty"`
	Group       string           `json:"group,omitempty"`
	// State is "running" while a run lock is held, otherwise "idle".
	State       string           `json:"state"`
	// Total is the number of source rows, -1 when the source is unreachable.
	Total       int              `json:"total"`
	Map         domain.MapCounts `json:"map"`
	Unprocessed int              `json:"unprocessed"`
	LastRun     *domain.Run      `json:"last_run,omitempty"`
	SourceError string           `json:"source_error,omitempty"`
}

// Status reports source and identity map counts of a migration.
func (m *Manager) Status(ctx context.Context, id string) (*Status, error) {
	d, err := m.Migration(id)
	if err != nil {
		return nil, err
	}
	st := &Status{ID: id, Label: d.Label, Group: d.Group, State: "idle", Total: -1}

	im, err := m.IDMap(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Map, err = im.Counts(ctx); err != nil {
		return nil, err
	}

	src, err := m.source(id)
	if err != nil {
		return nil, err
	}
	if n, err := src.Count(ctx); err != nil {
		st.SourceError = err.Error()
	} else {
		st.Total = n
		if un := n - st.Map.Total; un > 0 {
			st.Unprocessed = un
		}
	}

	if _, err := m.opts.Store.Locks.Get(id); err == nil {
		st.State = "running"
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if run, err := m.opts.Store.Runs.Last(id); err == nil {
		st.LastRun = run
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return st, nil
}
