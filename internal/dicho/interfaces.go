package dicho

import (
	"context"

	"github.com/Pierre-Graber/optimizer-api/internal/cluster"
	"github.com/Pierre-Graber/optimizer-api/internal/model"
	"github.com/Pierre-Graber/optimizer-api/internal/progress"
)

// Observer receives coarse progress milestones.
type Observer = progress.Observer

// Solver solves one problem directly. A nil result means no solution. Soft
// unassigned services carry a reason; hard ones (skills, capacity) do not.
type Solver interface {
	Solve(ctx context.Context, p *model.Problem, obs Observer) (*model.Result, error)
}

// Clusterer partitions weighted items; it may return fewer than k clusters.
type Clusterer interface {
	Partition(items []cluster.Item, k int, opts cluster.Options) ([][]cluster.Item, error)
}

// PartialBuilder restricts a problem to some services and vehicles (nil
// vehicleIDs keeps them all). It must not modify the parent.
type PartialBuilder interface {
	Build(parent *model.Problem, serviceIDs, vehicleIDs []string) *model.Problem
}

// MatrixService completes the distance/time matrices of a problem. Calling
// it on a complete problem is a no-op.
type MatrixService interface {
	Complete(ctx context.Context, p *model.Problem, obs Observer) error
}
