package api

import "context"

// Stage names one unit of work in the pipeline.
type Stage string

const (
	StageExtractContext   Stage = "extract_context"
	StageClassify         Stage = "classify"
	StageGenerateResponse Stage = "generate_response"
	StageNotifyOwner      Stage = "notify_owner"
	StageAwaitDecision    Stage = "await_decision"
	StageExecuteAction    Stage = "execute_action"

	// StageEnd is the routing target after the last stage. It is never registered.
	StageEnd Stage = "end"
)

// EntryStage is where every new instance starts.
const EntryStage = StageExtractContext

// AllStages is the finite set of stages that must be registered with an engine.
var AllStages = []Stage{
	StageExtractContext,
	StageClassify,
	StageGenerateResponse,
	StageNotifyOwner,
	StageAwaitDecision,
	StageExecuteAction,
}

// Signal tells the engine what to do after a stage returns.
type Signal int

const (
	SignalContinue Signal = iota
	SignalSuspend
	SignalTerminate
)

func (s Signal) String() string {
	switch s {
	case SignalContinue:
		return "continue"
	case SignalSuspend:
		return "suspend"
	case SignalTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// StageResult is returned by a successful StageFunc.
// Status is only read for SignalTerminate.
type StageResult struct {
	Signal Signal
	Status Status
}

func Continue() StageResult { return StageResult{Signal: SignalContinue} }
func Suspend() StageResult  { return StageResult{Signal: SignalSuspend} }

func Terminate(status Status) StageResult {
	return StageResult{Signal: SignalTerminate, Status: status}
}

// StageFunc executes one stage against a working copy of the instance.
//
// The engine keeps the mutations only when the returned error is nil. A stage
// must check the instance fields it owns before calling out, so re-running it
// after a crash does not repeat an external effect.
type StageFunc func(ctx context.Context, inst *WorkflowInstance) (StageResult, error)

// StageTable maps every registered stage to its function.
type StageTable map[Stage]StageFunc

// RouteFunc picks the stage to run after inst.CurrentStage. It must be pure.
type RouteFunc func(inst *WorkflowInstance) Stage

type instanceKey struct{}

// WithInstanceID returns a context carrying the id of the instance being driven.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceKey{}, id)
}

// InstanceIDFromContext returns the instance id stored by WithInstanceID.
func InstanceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(instanceKey{}).(string)
	return id
}
