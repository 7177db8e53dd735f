package appointment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Mutation computes the change to write from the freshly loaded appointment.
// Returning an error aborts without writing.
type Mutation func(current *Appointment) (Change, error)

// Guard serialises status mutations per appointment with an optimistic
// version check: read, compute, write conditioned on the version read.
type Guard struct {
	repo Repository
}

func NewGuard(repo Repository) *Guard {
	return &Guard{repo: repo}
}

// WithVersion applies mutate to appointment id if its stored version equals
// expectedVersion. The returned appointment carries the new version, or the
// unchanged one when the mutation was a no-op.
func (g *Guard) WithVersion(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate Mutation) (*Appointment, error) {
	current, err := g.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, ErrConflict
	}

	change, err := mutate(current)
	if err != nil {
		return nil, err
	}
	if change.isNoop(current) {
		return current, nil
	}

	updated, err := g.repo.SaveChange(ctx, id, expectedVersion, change)
	if err != nil {
		return nil, fmt.Errorf("save appointment %s: %w", id, err)
	}
	return updated, nil
}
