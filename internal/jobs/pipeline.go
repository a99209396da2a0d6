// Package jobs runs optimization jobs: it completes the matrices, hands the
// problem to the divide-and-conquer controller and falls back to a direct
// solve when the problem is small enough.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Pierre-Graber/optimizer-api/internal/config"
	"github.com/Pierre-Graber/optimizer-api/internal/dicho"
	"github.com/Pierre-Graber/optimizer-api/internal/model"
	"github.com/Pierre-Graber/optimizer-api/internal/opt"
	"github.com/Pierre-Graber/optimizer-api/internal/progress"
)

var ErrNoSolution = errors.New("jobs: solver returned no solution")

// Pipeline is the in-process solve used by the runner and the CLI.
type Pipeline struct {
	Matrix    dicho.MatrixService
	Heuristic *dicho.Heuristic
	Solver    dicho.Solver
	Defaults  config.DichoConfig
	Logger    progress.Logger
}

// NewPipeline wires the controller around solver with the configured division
// defaults.
func NewPipeline(solver dicho.Solver, matrix dicho.MatrixService, cfg config.DichoConfig, logger progress.Logger) *Pipeline {
	h := dicho.New(solver, matrix)
	h.Logger = logger
	h.Seed = cfg.Seed
	if cfg.MaxSplitRetries > 0 {
		h.MaxSplitRetries = cfg.MaxSplitRetries
	}
	return &Pipeline{Matrix: matrix, Heuristic: h, Solver: solver, Defaults: cfg, Logger: logger}
}

// Solve routes p. The problem is completed in place (matrices, defaults).
func (pl *Pipeline) Solve(ctx context.Context, p *model.Problem, obs progress.Observer) (*model.Result, error) {
	if p == nil {
		return nil, errors.New("jobs: no problem")
	}
	if obs == nil {
		obs = progress.Nop
	}
	ApplyDefaults(&p.Resolution, pl.Defaults)
	if pl.Matrix != nil {
		if err := pl.Matrix.Complete(ctx, p, obs); err != nil {
			return nil, err
		}
	}
	res, err := pl.Heuristic.SolveWithObserver(ctx, &model.Instance{Level: 0, Problem: p, Service: opt.Name}, obs)
	if err != nil {
		return nil, err
	}
	if res == nil {
		pl.logf("[jobs] problem %s solved directly: %d services, %d vehicles", p.ID, len(p.Services), len(p.Vehicles))
		res, err = pl.Solver.Solve(ctx, p, obs)
		if err != nil {
			return nil, fmt.Errorf("jobs: direct solve: %w", err)
		}
	}
	if res == nil {
		return nil, ErrNoSolution
	}
	return res, nil
}

func (pl *Pipeline) logf(format string, v ...any) {
	if pl.Logger != nil {
		pl.Logger.Printf(format, v...)
		return
	}
	log.Printf(format, v...)
}

// ApplyDefaults fills unset division parameters from the configuration.
func ApplyDefaults(r *model.Resolution, cfg config.DichoConfig) {
	if r.DichoAlgorithmVehicleLimit == 0 {
		r.DichoAlgorithmVehicleLimit = cfg.AlgorithmVehicleLimit
	}
	if r.DichoAlgorithmServiceLimit == 0 {
		r.DichoAlgorithmServiceLimit = cfg.AlgorithmServiceLimit
	}
	if r.DichoDivisionVehicleLimit == 0 {
		r.DichoDivisionVehicleLimit = cfg.DivisionVehicleLimit
	}
	if r.DichoDivisionServiceLimit == 0 {
		r.DichoDivisionServiceLimit = cfg.DivisionServiceLimit
	}
}
