package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/inboxflow/pkg/api"
)

func fullTable() api.StageTable {
	noop := func(ctx context.Context, inst *api.WorkflowInstance) (api.StageResult, error) {
		return api.Continue(), nil
	}
	table := api.StageTable{}
	for _, s := range api.AllStages {
		table[s] = noop
	}
	return table
}

func TestForClassification_CoversEnum(t *testing.T) {
	table := fullTable()
	for _, c := range api.AllClassifications {
		next := ForClassification(c)
		if _, ok := table[next]; !ok {
			t.Fatalf("classification %q maps to unregistered stage %q", c, next)
		}
	}
	assert.Equal(t, api.StageGenerateResponse, ForClassification(api.ClassificationNeedsResponse))
	assert.Equal(t, api.StageNotifyOwner, ForClassification(api.ClassificationSortOnly))
	assert.Equal(t, api.Stage(""), ForClassification("spam"))
}

func TestRoute_Transitions(t *testing.T) {
	cases := []struct {
		stage api.Stage
		class api.Classification
		want  api.Stage
	}{
		{api.StageExtractContext, "", api.StageClassify},
		{api.StageClassify, api.ClassificationNeedsResponse, api.StageGenerateResponse},
		{api.StageClassify, api.ClassificationSortOnly, api.StageNotifyOwner},
		{api.StageGenerateResponse, api.ClassificationNeedsResponse, api.StageNotifyOwner},
		{api.StageNotifyOwner, api.ClassificationNeedsResponse, api.StageAwaitDecision},
		{api.StageNotifyOwner, api.ClassificationSortOnly, api.StageExecuteAction},
		{api.StageAwaitDecision, api.ClassificationNeedsResponse, api.StageExecuteAction},
		{api.StageExecuteAction, api.ClassificationSortOnly, api.StageEnd},
	}
	for _, tc := range cases {
		inst := &api.WorkflowInstance{CurrentStage: tc.stage, Classification: tc.class}
		if got := Route(inst); got != tc.want {
			t.Fatalf("Route(%s, %q) = %q, want %q", tc.stage, tc.class, got, tc.want)
		}
	}
}

func TestRoute_IsPure(t *testing.T) {
	inst := &api.WorkflowInstance{ID: "i1", CurrentStage: api.StageClassify, Classification: api.ClassificationNeedsResponse}
	before := *inst
	_ = Route(inst)
	_ = Route(inst)
	assert.Equal(t, before, *inst)
}

func TestRoute_EveryRegisteredStageAndClassification(t *testing.T) {
	table := fullTable()
	for s := range table {
		for _, c := range api.AllClassifications {
			next := Route(&api.WorkflowInstance{CurrentStage: s, Classification: c})
			if next == api.StageEnd {
				continue
			}
			if _, ok := table[next]; !ok {
				t.Fatalf("Route(%s, %q) = %q, not a registered stage", s, c, next)
			}
		}
	}
}

func TestValidate_AcceptsRouter(t *testing.T) {
	require.NoError(t, Validate(Route, fullTable()))
}

// A router that returns the classification label instead of the stage name
// must be rejected at construction time.
func TestValidate_RejectsClassificationLabel(t *testing.T) {
	buggy := func(inst *api.WorkflowInstance) api.Stage {
		if inst.CurrentStage == api.StageClassify && inst.Classification == api.ClassificationNeedsResponse {
			return api.Stage(inst.Classification)
		}
		return Route(inst)
	}

	err := Validate(buggy, fullTable())
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrInvalidRoute))
	assert.Contains(t, err.Error(), "needs_response")
}

func TestValidate_RejectsMissingStage(t *testing.T) {
	table := fullTable()
	delete(table, api.StageGenerateResponse)

	err := Validate(Route, table)
	require.ErrorIs(t, err, api.ErrInvalidRoute)
}

func TestValidate_RejectsNilRouter(t *testing.T) {
	require.ErrorIs(t, Validate(nil, fullTable()), api.ErrInvalidRoute)
}
