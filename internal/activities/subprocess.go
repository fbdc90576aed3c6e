package activities

import (
	"context"

	"github.com/rendis/procflow/pkg/schema"
)

// subProcessExecutor starts a nested workflow. With waitForCompletion the
// parent suspends until the child reaches a terminal state; otherwise the
// launch is fire-and-forget.
type subProcessExecutor struct{}

func (subProcessExecutor) Execute(ctx context.Context, actx *ActivityContext) (*Result, error) {
	cfg := actx.Activity.SubProcess
	if cfg == nil || cfg.WorkflowID == "" {
		return Failed(actx.Activity.ID, schema.ErrCodeValidation, "sub-process requires a workflow id"), nil
	}
	if actx.Launcher == nil {
		return Failed(actx.Activity.ID, schema.ErrCodeExecution, "no sub-process launcher configured"), nil
	}

	input, err := applyInputMappings(actx, cfg.InputMappings)
	if err != nil {
		return Failed(actx.Activity.ID, schema.ErrCodeExecution, err.Error()), nil
	}

	var parentID, parentBookmark string
	bookmark := BookmarkName(schema.ActivitySubProcess, actx.Activity.ID)
	if cfg.WaitForCompletion {
		parentID = actx.Instance.ID
		parentBookmark = bookmark
	}

	childID, err := actx.Launcher.LaunchSubProcess(ctx, cfg.WorkflowID, input, parentID, parentBookmark)
	if err != nil {
		return Failed(actx.Activity.ID, faultCode(err), err.Error()), nil
	}

	if cfg.WaitForCompletion {
		return Suspended(bookmark), nil
	}
	return Completed(map[string]any{"instance_id": childID}), nil
}

// Resume receives the completed child's output.
func (subProcessExecutor) Resume(_ context.Context, actx *ActivityContext, input map[string]any) (*Result, error) {
	cfg := actx.Activity.SubProcess
	if cfg != nil {
		if err := applyOutputMappings(actx, cfg.OutputMappings, input); err != nil {
			return Failed(actx.Activity.ID, schema.ErrCodeExecution, err.Error()), nil
		}
	}
	return Completed(input), nil
}
