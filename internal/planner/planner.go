// Package planner computes the reconciliation work the scheduler executes:
// gap detection, null-row retry sets, frontier discovery, and the top-down
// null trim.
package planner

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Store is the slice of the record store the planner reads and trims.
type Store interface {
	MaxID(ctx context.Context) (int64, error)
	PresentIDs(ctx context.Context) ([]int64, error)
	AllNullIDs(ctx context.Context) ([]int64, error)
	Delete(ctx context.Context, id int64) error
}

// Remote discovers the newest published record ID.
type Remote interface {
	MaxRemoteID(ctx context.Context) (int64, error)
}

// Planner derives fetch plans from store and remote state. All methods are
// idempotent except TrimNullFrontier, the only mutator.
type Planner struct {
	store  Store
	remote Remote
	logger *zap.Logger
}

// New builds a Planner.
func New(store Store, remote Remote, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{store: store, remote: remote, logger: logger}
}

// MissingIDs returns every ID in [1, max stored] with no row, ascending.
// An empty store yields an empty plan; discovery of new IDs beyond the
// stored maximum belongs to the catch-up phase.
func (p *Planner) MissingIDs(ctx context.Context) ([]int64, error) {
	max, err := p.store.MaxID(ctx)
	if err != nil {
		return nil, fmt.Errorf("plan missing ids: %w", err)
	}
	if max == 0 {
		return nil, nil
	}
	present, err := p.store.PresentIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("plan missing ids: %w", err)
	}

	var missing []int64
	next := int64(1)
	for _, id := range present {
		for ; next < id; next++ {
			missing = append(missing, next)
		}
		next = id + 1
	}
	for ; next <= max; next++ {
		missing = append(missing, next)
	}
	return missing, nil
}

// AllNullIDs returns the retry set of rows with every field null.
func (p *Planner) AllNullIDs(ctx context.Context) ([]int64, error) {
	ids, err := p.store.AllNullIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("plan null retries: %w", err)
	}
	return ids, nil
}

// Frontier returns the newest record ID published remotely.
func (p *Planner) Frontier(ctx context.Context) (int64, error) {
	max, err := p.remote.MaxRemoteID(ctx)
	if err != nil {
		return 0, fmt.Errorf("discover frontier: %w", err)
	}
	return max, nil
}

// CatchUpIDs returns the IDs between the stored maximum (exclusive) and
// the remote frontier (inclusive), ascending, along with the frontier
// itself. An empty slice means the store has caught up.
func (p *Planner) CatchUpIDs(ctx context.Context) ([]int64, int64, error) {
	frontier, err := p.Frontier(ctx)
	if err != nil {
		return nil, 0, err
	}
	max, err := p.store.MaxID(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("plan catch-up: %w", err)
	}
	if frontier <= max {
		return nil, frontier, nil
	}
	ids := make([]int64, 0, frontier-max)
	for id := max + 1; id <= frontier; id++ {
		ids = append(ids, id)
	}
	return ids, frontier, nil
}

// TrimNullFrontier deletes the contiguous run of all-null rows at the top
// of the store and returns how many were removed. These rows are optimistic
// probes past the real frontier; deleting them restores an honest maximum
// so catch-up does not anchor on phantom IDs. The walk stops at the first
// ID below the maximum that is absent or has data.
func (p *Planner) TrimNullFrontier(ctx context.Context) (int64, error) {
	max, err := p.store.MaxID(ctx)
	if err != nil {
		return 0, fmt.Errorf("trim null frontier: %w", err)
	}
	if max == 0 {
		return 0, nil
	}
	nullIDs, err := p.store.AllNullIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("trim null frontier: %w", err)
	}
	nullSet := make(map[int64]struct{}, len(nullIDs))
	for _, id := range nullIDs {
		nullSet[id] = struct{}{}
	}

	var trimmed int64
	for id := max; id >= 1; id-- {
		if _, ok := nullSet[id]; !ok {
			break
		}
		if err := p.store.Delete(ctx, id); err != nil {
			return trimmed, fmt.Errorf("trim null frontier at %d: %w", id, err)
		}
		trimmed++
	}
	if trimmed > 0 {
		p.logger.Info("trimmed null frontier",
			zap.Int64("removed", trimmed),
			zap.Int64("previous_max", max))
	}
	return trimmed, nil
}
