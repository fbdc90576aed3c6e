package activities

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/pkg/schema"
)

type fakeLauncher struct {
	workflowID     string
	input          map[string]any
	parentID       string
	parentBookmark string
	childID        string
	err            error
}

func (f *fakeLauncher) LaunchSubProcess(_ context.Context, workflowID string, input map[string]any, parentInstanceID, parentBookmark string) (string, error) {
	f.workflowID = workflowID
	f.input = input
	f.parentID = parentInstanceID
	f.parentBookmark = parentBookmark
	return f.childID, f.err
}

func TestSubProcess_WaitForCompletionSuspends(t *testing.T) {
	act := schema.Activity{
		ID:   "fulfil",
		Type: schema.ActivitySubProcess,
		SubProcess: &schema.SubProcessConfig{
			WorkflowID:        "wf-child",
			WaitForCompletion: true,
			InputMappings:     map[string]string{"order": "var.order_id"},
		},
	}
	actx := execContext(t, act, map[string]any{"order_id": "o-5"})
	launcher := &fakeLauncher{childID: "child-1"}
	actx.Launcher = launcher

	result, err := subProcessExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	assert.True(t, result.Suspend)
	assert.Equal(t, "subProcess_fulfil", result.BookmarkName)

	assert.Equal(t, "wf-child", launcher.workflowID)
	assert.Equal(t, "o-5", launcher.input["order"])
	assert.Equal(t, "inst-1", launcher.parentID)
	assert.Equal(t, "subProcess_fulfil", launcher.parentBookmark)
}

func TestSubProcess_FireAndForgetCompletes(t *testing.T) {
	act := schema.Activity{
		ID:   "notify",
		Type: schema.ActivitySubProcess,
		SubProcess: &schema.SubProcessConfig{
			WorkflowID: "wf-notify",
		},
	}
	actx := execContext(t, act, nil)
	launcher := &fakeLauncher{childID: "child-2"}
	actx.Launcher = launcher

	result, err := subProcessExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Suspend)
	assert.Equal(t, "child-2", result.Output["instance_id"])

	// No parent linkage on fire-and-forget launches.
	assert.Empty(t, launcher.parentID)
	assert.Empty(t, launcher.parentBookmark)
}

func TestSubProcess_LaunchFailureFaults(t *testing.T) {
	act := schema.Activity{
		ID:   "fulfil",
		Type: schema.ActivitySubProcess,
		SubProcess: &schema.SubProcessConfig{
			WorkflowID:        "wf-missing",
			WaitForCompletion: true,
		},
	}
	actx := execContext(t, act, nil)
	actx.Launcher = &fakeLauncher{err: schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "no such workflow")}

	result, err := subProcessExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeWorkflowNotFound, result.Error.Code)
}

func TestSubProcess_MissingWorkflowIDRejected(t *testing.T) {
	act := schema.Activity{
		ID:         "fulfil",
		Type:       schema.ActivitySubProcess,
		SubProcess: &schema.SubProcessConfig{},
	}
	actx := execContext(t, act, nil)
	actx.Launcher = &fakeLauncher{}

	result, err := subProcessExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeValidation, result.Error.Code)
}

func TestSubProcess_NoLauncherConfigured(t *testing.T) {
	act := schema.Activity{
		ID:         "fulfil",
		Type:       schema.ActivitySubProcess,
		SubProcess: &schema.SubProcessConfig{WorkflowID: "wf-child"},
	}
	actx := execContext(t, act, nil)
	actx.Launcher = nil

	result, err := subProcessExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeExecution, result.Error.Code)
}

func TestSubProcess_ResumeMapsChildOutput(t *testing.T) {
	act := schema.Activity{
		ID:   "fulfil",
		Type: schema.ActivitySubProcess,
		SubProcess: &schema.SubProcessConfig{
			WorkflowID:        "wf-child",
			WaitForCompletion: true,
			OutputMappings:    map[string]string{"shipment": "input.shipment_id"},
		},
	}
	actx := execContext(t, act, map[string]any{})

	result, err := subProcessExecutor{}.Resume(context.Background(), actx, map[string]any{"shipment_id": "shp-3"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "shp-3", actx.Instance.Variables["shipment"])
}
