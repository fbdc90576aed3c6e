package activities

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/pkg/schema"
)

func execContext(t *testing.T, act schema.Activity, vars map[string]any) *ActivityContext {
	t.Helper()
	def := &schema.WorkflowDefinition{
		ID:         "wf-basic",
		Version:    1,
		Activities: map[string]schema.Activity{act.ID: act},
	}
	return &ActivityContext{
		Definition: def,
		Instance: &schema.WorkflowInstanceState{
			ID:         "inst-1",
			WorkflowID: def.ID,
			Status:     schema.InstanceRunning,
			Variables:  vars,
		},
		Activity: &act,
		Resolver: expressions.DefaultResolver{},
		Scripts:  expressions.NewDefaultRegistry(),
		Handlers: NewHandlerRegistry(),
		Now:      time.Now,
	}
}

// --- Start / End ---

func TestStart_Completes(t *testing.T) {
	actx := execContext(t, schema.Activity{ID: "s", Type: schema.ActivityStart}, nil)
	result, err := startExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Nil(t, result.Error)
}

func TestEnd_MapsFinalOutput(t *testing.T) {
	act := schema.Activity{
		ID:   "e",
		Type: schema.ActivityEnd,
		End: &schema.EndConfig{
			FinalOutputMappings: map[string]string{
				"total":  "var.amount",
				"status": "'done'",
			},
		},
	}
	actx := execContext(t, act, map[string]any{"amount": 42.0})

	result, err := endExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 42.0, actx.Instance.Output["total"])
	assert.Equal(t, "done", actx.Instance.Output["status"])
}

func TestEnd_NoMappingsLeavesOutputUntouched(t *testing.T) {
	actx := execContext(t, schema.Activity{ID: "e", Type: schema.ActivityEnd}, nil)
	result, err := endExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Nil(t, actx.Instance.Output)
}

// --- Task ---

func TestTask_InvokesHandlerAndMapsOutput(t *testing.T) {
	act := schema.Activity{
		ID:   "t",
		Type: schema.ActivityTask,
		Task: &schema.TaskConfig{
			Handler:        "charge",
			InputMappings:  map[string]string{"amount": "var.amount"},
			OutputMappings: map[string]string{"receipt": "input.receipt_id"},
		},
	}
	actx := execContext(t, act, map[string]any{"amount": 99.0})

	var gotInput map[string]any
	actx.Handlers.RegisterTask("charge", func(_ context.Context, input map[string]any) (map[string]any, error) {
		gotInput = input
		return map[string]any{"receipt_id": "r-7"}, nil
	})

	result, err := taskExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 99.0, gotInput["amount"])
	assert.Equal(t, "r-7", actx.Instance.Variables["receipt"])
	assert.Equal(t, "r-7", result.Output["receipt_id"])
}

func TestTask_MissingHandlerFails(t *testing.T) {
	act := schema.Activity{
		ID:   "t",
		Type: schema.ActivityTask,
		Task: &schema.TaskConfig{Handler: "nope"},
	}
	actx := execContext(t, act, nil)

	result, err := taskExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeExecution, result.Error.Code)
}

func TestTask_HandlerErrorCarriesFlowErrorCode(t *testing.T) {
	act := schema.Activity{
		ID:   "t",
		Type: schema.ActivityTask,
		Task: &schema.TaskConfig{Handler: "flaky"},
	}
	actx := execContext(t, act, nil)
	actx.Handlers.RegisterTask("flaky", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, schema.NewErrorf("PAYMENT_DECLINED", "card rejected")
	})

	result, err := taskExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	assert.Equal(t, "PAYMENT_DECLINED", result.Error.Code)
}

func TestTask_PlainErrorDefaultsToExecutionCode(t *testing.T) {
	act := schema.Activity{
		ID:   "t",
		Type: schema.ActivityTask,
		Task: &schema.TaskConfig{Handler: "broken"},
	}
	actx := execContext(t, act, nil)
	actx.Handlers.RegisterTask("broken", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	})

	result, err := taskExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeExecution, result.Error.Code)
	assert.Equal(t, "t", result.Error.ActivityID)
}

// --- Service task ---

type fakeInvoker struct {
	method string
	input  map[string]any
	out    map[string]any
	err    error
}

func (f *fakeInvoker) Invoke(_ context.Context, methodName string, input map[string]any) (map[string]any, error) {
	f.method = methodName
	f.input = input
	return f.out, f.err
}

func TestServiceTask_InvokesRegisteredService(t *testing.T) {
	act := schema.Activity{
		ID:   "svc",
		Type: schema.ActivityServiceTask,
		ServiceTask: &schema.ServiceTaskConfig{
			ServiceType:    "billing",
			MethodName:     "capture",
			InputMappings:  map[string]string{"order": "var.order_id"},
			OutputMappings: map[string]string{"captured": "input.ok"},
		},
	}
	actx := execContext(t, act, map[string]any{"order_id": "o-1"})
	inv := &fakeInvoker{out: map[string]any{"ok": true}}
	actx.Handlers.RegisterService("billing", inv)

	result, err := serviceTaskExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "capture", inv.method)
	assert.Equal(t, "o-1", inv.input["order"])
	assert.Equal(t, true, actx.Instance.Variables["captured"])
}

func TestServiceTask_UnknownServiceFails(t *testing.T) {
	act := schema.Activity{
		ID:   "svc",
		Type: schema.ActivityServiceTask,
		ServiceTask: &schema.ServiceTaskConfig{
			ServiceType: "nowhere",
			MethodName:  "noop",
		},
	}
	actx := execContext(t, act, nil)

	result, err := serviceTaskExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeExecution, result.Error.Code)
}

// --- Script ---

func TestScript_ResultVariable(t *testing.T) {
	act := schema.Activity{
		ID:   "sc",
		Type: schema.ActivityScript,
		Script: &schema.ScriptConfig{
			Language:       "expr",
			Script:         "vars.price * vars.qty",
			ResultVariable: "total",
		},
	}
	actx := execContext(t, act, map[string]any{"price": 3.0, "qty": 4.0})

	result, err := scriptExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.EqualValues(t, 12.0, actx.Instance.Variables["total"])
}

func TestScript_MapResultMergesIntoVariables(t *testing.T) {
	act := schema.Activity{
		ID:   "sc",
		Type: schema.ActivityScript,
		Script: &schema.ScriptConfig{
			Language: "expr",
			Script:   `{"a": 1, "b": 2}`,
		},
	}
	actx := execContext(t, act, map[string]any{})

	result, err := scriptExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.EqualValues(t, 1, actx.Instance.Variables["a"])
	assert.EqualValues(t, 2, actx.Instance.Variables["b"])
}

func TestScript_UnknownLanguageFails(t *testing.T) {
	act := schema.Activity{
		ID:   "sc",
		Type: schema.ActivityScript,
		Script: &schema.ScriptConfig{
			Language: "lua",
			Script:   "return 1",
		},
	}
	actx := execContext(t, act, nil)

	result, err := scriptExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeValidation, result.Error.Code)
}

func TestScript_EmptyScriptFails(t *testing.T) {
	act := schema.Activity{
		ID:     "sc",
		Type:   schema.ActivityScript,
		Script: &schema.ScriptConfig{},
	}
	actx := execContext(t, act, nil)

	result, err := scriptExecutor{}.Execute(context.Background(), actx)
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeValidation, result.Error.Code)
}

// --- Registry ---

func TestRegistry_AllVariantsRegistered(t *testing.T) {
	reg := NewRegistry()
	for _, typ := range []schema.ActivityType{
		schema.ActivityStart, schema.ActivityEnd, schema.ActivityTask,
		schema.ActivityServiceTask, schema.ActivityUserTask, schema.ActivityScript,
		schema.ActivityTimer, schema.ActivitySignalReceive, schema.ActivitySignalThrow,
		schema.ActivityExclusiveGateway, schema.ActivityParallelGateway,
		schema.ActivityInclusiveGateway, schema.ActivitySubProcess,
	} {
		ex, err := reg.Get(typ)
		require.NoError(t, err, "type %s", typ)
		assert.NotNil(t, ex)
	}
}

func TestRegistry_UnknownTypeRejected(t *testing.T) {
	_, err := NewRegistry().Get("teleport")
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeUnsupportedActivity, fe.Code)
}

func TestNotResumable_RejectsResume(t *testing.T) {
	actx := execContext(t, schema.Activity{ID: "s", Type: schema.ActivityStart}, nil)
	_, err := startExecutor{}.Resume(context.Background(), actx, nil)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeInvalidState, fe.Code)
}
