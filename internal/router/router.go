// Package router decides which stage runs next for a workflow instance.
package router

import (
	"fmt"
	"slices"

	"github.com/petrijr/inboxflow/pkg/api"
)

// ForClassification maps a classification onto the stage that follows the
// classify stage. Unknown classifications map to the empty stage, which is
// never registered.
func ForClassification(c api.Classification) api.Stage {
	switch c {
	case api.ClassificationNeedsResponse:
		return api.StageGenerateResponse
	case api.ClassificationSortOnly:
		return api.StageNotifyOwner
	default:
		return ""
	}
}

// Route returns the stage to run after inst.CurrentStage. It reads only
// CurrentStage and Classification and never mutates inst.
func Route(inst *api.WorkflowInstance) api.Stage {
	switch inst.CurrentStage {
	case api.StageExtractContext:
		return api.StageClassify
	case api.StageClassify:
		return ForClassification(inst.Classification)
	case api.StageGenerateResponse:
		return api.StageNotifyOwner
	case api.StageNotifyOwner:
		if inst.Classification == api.ClassificationNeedsResponse {
			return api.StageAwaitDecision
		}
		return api.StageExecuteAction
	case api.StageAwaitDecision:
		return api.StageExecuteAction
	case api.StageExecuteAction:
		return api.StageEnd
	default:
		return ""
	}
}

var _ api.RouteFunc = Route

// Validate checks route against the registered stage table. It fails when a
// stage of api.AllStages is not registered, or when route returns anything
// other than a registered stage or api.StageEnd for a registered stage and a
// classification the classify stage can produce.
//
// Before classification has run the classification is empty; stages that
// cannot branch on it are checked for that case too.
func Validate(route api.RouteFunc, table api.StageTable) error {
	if route == nil {
		return fmt.Errorf("%w: nil router", api.ErrInvalidRoute)
	}
	for _, s := range api.AllStages {
		if table[s] == nil {
			return fmt.Errorf("%w: stage %q is not registered", api.ErrInvalidRoute, s)
		}
	}

	for _, c := range api.AllClassifications {
		if next := ForClassification(c); table[next] == nil {
			return fmt.Errorf("%w: classification %q maps to %q", api.ErrInvalidRoute, c, next)
		}
	}

	stages := make([]api.Stage, 0, len(table))
	for s := range table {
		stages = append(stages, s)
	}
	slices.Sort(stages)

	for _, s := range stages {
		for _, c := range classificationsAt(s) {
			probe := &api.WorkflowInstance{CurrentStage: s, Classification: c}
			next := route(probe)
			if next == api.StageEnd {
				continue
			}
			if _, ok := table[next]; !ok {
				return fmt.Errorf("%w: route(%s, %q) returned %q", api.ErrInvalidRoute, s, c, next)
			}
		}
	}
	return nil
}

// classificationsAt lists the classification values an instance can carry
// while sitting at stage s.
func classificationsAt(s api.Stage) []api.Classification {
	if s == api.StageExtractContext {
		return []api.Classification{""}
	}
	return api.AllClassifications
}
