package activities

import (
	"context"

	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/pkg/schema"
)

// exclusiveGatewayExecutor routes to the first condition that evaluates true,
// in declaration order, falling back to the default path. No match and no
// default fails with NO_PATH.
type exclusiveGatewayExecutor struct{ notResumable }

func (exclusiveGatewayExecutor) Execute(_ context.Context, actx *ActivityContext) (*Result, error) {
	cfg := actx.Activity.ExclusiveGateway
	if cfg == nil {
		return Failed(actx.Activity.ID, schema.ErrCodeValidation, "exclusive gateway has no config"), nil
	}

	env := actx.Env()
	for _, cond := range cfg.Conditions {
		matched, err := expressions.Evaluate(cond.Expression, env, actx.Resolver)
		if err != nil {
			return Failed(actx.Activity.ID, schema.ErrCodeExecution, err.Error()), nil
		}
		if matched {
			return &Result{Success: true, NextActivityID: cond.TargetActivityID}, nil
		}
	}

	if cfg.DefaultPath != "" {
		return &Result{Success: true, NextActivityID: cfg.DefaultPath}, nil
	}
	return Failed(actx.Activity.ID, schema.ErrCodeNoPath, "no condition matched and no default path"), nil
}

// parallelGatewayExecutor forks all outgoing paths unconditionally (split) or
// succeeds without branching (join). Join synchronization by branch count is
// the engine's job.
type parallelGatewayExecutor struct{ notResumable }

func (parallelGatewayExecutor) Execute(_ context.Context, actx *ActivityContext) (*Result, error) {
	cfg := actx.Activity.ParallelGateway
	if cfg == nil {
		return Failed(actx.Activity.ID, schema.ErrCodeValidation, "parallel gateway has no config"), nil
	}

	if cfg.Direction == schema.GatewayJoin {
		return Completed(nil), nil
	}

	paths := cfg.OutgoingPaths
	if len(paths) == 0 {
		// Fall back to the declared outgoing transitions.
		for _, t := range actx.Definition.TransitionsFrom(actx.Activity.ID) {
			paths = append(paths, t.TargetID)
		}
	}
	if len(paths) == 0 {
		return Failed(actx.Activity.ID, schema.ErrCodeNoPath, "parallel split has no outgoing paths"), nil
	}
	return &Result{Success: true, ParallelNextActivityIDs: paths}, nil
}

// inclusiveGatewayExecutor forks every matching path; with none matching it
// falls back to the default path as a single successor.
type inclusiveGatewayExecutor struct{ notResumable }

func (inclusiveGatewayExecutor) Execute(_ context.Context, actx *ActivityContext) (*Result, error) {
	cfg := actx.Activity.InclusiveGateway
	if cfg == nil {
		return Failed(actx.Activity.ID, schema.ErrCodeValidation, "inclusive gateway has no config"), nil
	}

	env := actx.Env()
	var targets []string
	for _, cond := range cfg.Conditions {
		matched, err := expressions.Evaluate(cond.Expression, env, actx.Resolver)
		if err != nil {
			return Failed(actx.Activity.ID, schema.ErrCodeExecution, err.Error()), nil
		}
		if matched {
			targets = append(targets, cond.TargetActivityID)
		}
	}

	switch {
	case len(targets) > 1:
		return &Result{Success: true, ParallelNextActivityIDs: targets}, nil
	case len(targets) == 1:
		return &Result{Success: true, NextActivityID: targets[0]}, nil
	case cfg.DefaultPath != "":
		return &Result{Success: true, NextActivityID: cfg.DefaultPath}, nil
	default:
		return Failed(actx.Activity.ID, schema.ErrCodeNoPath, "no condition matched and no default path"), nil
	}
}
