package engine

import (
	"fmt"
	"maps"

	"github.com/petrijr/inboxflow/internal/router"
	"github.com/petrijr/inboxflow/pkg/api"
)

// stageRegistry is the validated, read-only stage table of an engine.
type stageRegistry struct {
	route  api.RouteFunc
	stages api.StageTable
}

func newStageRegistry(table api.StageTable, route api.RouteFunc) (*stageRegistry, error) {
	if route == nil {
		route = router.Route
	}
	for stage, fn := range table {
		if fn == nil {
			return nil, fmt.Errorf("stage %q registered without a function", stage)
		}
	}
	if err := router.Validate(route, table); err != nil {
		return nil, err
	}
	return &stageRegistry{
		route:  route,
		stages: maps.Clone(table),
	}, nil
}

func (r *stageRegistry) Get(stage api.Stage) (api.StageFunc, error) {
	fn, ok := r.stages[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrInvalidRoute, stage)
	}
	return fn, nil
}

// Next routes inst. The result is either a registered stage or api.StageEnd.
func (r *stageRegistry) Next(inst *api.WorkflowInstance) (api.Stage, error) {
	next := r.route(inst)
	if next == api.StageEnd {
		return next, nil
	}
	if _, ok := r.stages[next]; !ok {
		return "", fmt.Errorf("%w: %q after %q", api.ErrInvalidRoute, next, inst.CurrentStage)
	}
	return next, nil
}
