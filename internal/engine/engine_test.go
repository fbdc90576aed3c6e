package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(mem, mem, mem, mem, nil, Config{Logger: logger}), mem
}

func saveDefinition(t *testing.T, mem *store.MemoryStore, def *schema.WorkflowDefinition) {
	t.Helper()
	def.IsActive = true
	require.NoError(t, mem.SaveDefinition(context.Background(), def))
}

func linearDefinition(id string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:              id,
		Version:         1,
		Name:            "linear",
		StartActivityID: "start",
		Activities: map[string]schema.Activity{
			"start": {ID: "start", Type: schema.ActivityStart},
			"work":  {ID: "work", Type: schema.ActivityTask, Task: &schema.TaskConfig{Handler: "work"}},
			"end": {ID: "end", Type: schema.ActivityEnd, End: &schema.EndConfig{
				FinalOutputMappings: map[string]string{"done": "true"},
			}},
		},
		Transitions: []schema.Transition{
			{SourceID: "start", TargetID: "work"},
			{SourceID: "work", TargetID: "end"},
		},
	}
}

// --- Create / Start ---

func TestRun_LinearWorkflowCompletes(t *testing.T) {
	e, mem := newTestEngine(t)
	saveDefinition(t, mem, linearDefinition("wf-linear"))

	invoked := 0
	e.Handlers().RegisterTask("work", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		invoked++
		return map[string]any{"ok": true}, nil
	})

	id, err := e.Run(context.Background(), "wf-linear", map[string]any{"amount": 10.0})
	require.NoError(t, err)
	assert.Equal(t, 1, invoked)

	inst, err := e.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	require.NotNil(t, inst.CompletedAt)
	assert.Equal(t, true, inst.Output["done"])
	assert.Empty(t, inst.Bookmarks)

	history, err := e.GetHistory(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "start", history[0].ActivityID)
	assert.Equal(t, "work", history[1].ActivityID)
	assert.Equal(t, "end", history[2].ActivityID)
	for _, rec := range history {
		assert.Equal(t, schema.OutcomeCompleted, rec.Outcome)
	}
}

func TestCreateInstance_MissingRequiredInput(t *testing.T) {
	e, mem := newTestEngine(t)
	def := linearDefinition("wf-req")
	def.InputParameters = []schema.ParameterDefinition{{Name: "order_id", Required: true}}
	saveDefinition(t, mem, def)

	_, err := e.CreateInstance(context.Background(), "wf-req", nil, nil)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestCreateInstance_AppliesVariableDefaults(t *testing.T) {
	e, mem := newTestEngine(t)
	def := linearDefinition("wf-defaults")
	def.Variables = []schema.VariableDefinition{{Name: "region", DefaultValue: "eu"}}
	def.InputParameters = []schema.ParameterDefinition{{Name: "retries", DefaultValue: 3.0}}
	saveDefinition(t, mem, def)

	inst, err := e.CreateInstance(context.Background(), "wf-defaults", map[string]any{"amount": 7.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, "eu", inst.Variables["region"])
	assert.Equal(t, 3.0, inst.Variables["retries"])
	assert.Equal(t, 7.0, inst.Variables["amount"])
	assert.Equal(t, schema.InstancePending, inst.Status)
}

func TestCreateInstance_UnknownWorkflow(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateInstance(context.Background(), "ghost", nil, nil)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeWorkflowNotFound, fe.Code)
}

func TestStart_RejectsNonPending(t *testing.T) {
	e, mem := newTestEngine(t)
	saveDefinition(t, mem, linearDefinition("wf-twice"))
	e.Handlers().RegisterTask("work", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, nil
	})

	id, err := e.Run(context.Background(), "wf-twice", nil)
	require.NoError(t, err)

	err = e.Start(context.Background(), id)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeInvalidState, fe.Code)
}

// --- Exclusive routing ---

func TestRun_ExclusiveGatewayRoutesByVariable(t *testing.T) {
	e, mem := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID:              "wf-route",
		Version:         1,
		StartActivityID: "start",
		Activities: map[string]schema.Activity{
			"start": {ID: "start", Type: schema.ActivityStart},
			"route": {ID: "route", Type: schema.ActivityExclusiveGateway, ExclusiveGateway: &schema.ExclusiveGatewayConfig{
				Conditions: []schema.GatewayCondition{
					{TargetActivityID: "high", Expression: "var.amount >= 100"},
					{TargetActivityID: "low", Expression: "var.amount < 100"},
				},
			}},
			"high": {ID: "high", Type: schema.ActivityTask, Task: &schema.TaskConfig{Handler: "high"}},
			"low":  {ID: "low", Type: schema.ActivityTask, Task: &schema.TaskConfig{Handler: "low"}},
			"end":  {ID: "end", Type: schema.ActivityEnd},
		},
		Transitions: []schema.Transition{
			{SourceID: "start", TargetID: "route"},
			{SourceID: "route", TargetID: "high"},
			{SourceID: "route", TargetID: "low"},
			{SourceID: "high", TargetID: "end"},
			{SourceID: "low", TargetID: "end"},
		},
	}
	saveDefinition(t, mem, def)

	var taken []string
	for _, name := range []string{"high", "low"} {
		name := name
		e.Handlers().RegisterTask(name, func(_ context.Context, _ map[string]any) (map[string]any, error) {
			taken = append(taken, name)
			return nil, nil
		})
	}

	id, err := e.Run(context.Background(), "wf-route", map[string]any{"amount": 150.0})
	require.NoError(t, err)

	inst, err := e.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Equal(t, []string{"high"}, taken)
}

func TestRun_NoPathFaults(t *testing.T) {
	e, mem := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID:              "wf-nopath",
		Version:         1,
		StartActivityID: "start",
		Activities: map[string]schema.Activity{
			"start": {ID: "start", Type: schema.ActivityStart},
			"route": {ID: "route", Type: schema.ActivityExclusiveGateway, ExclusiveGateway: &schema.ExclusiveGatewayConfig{
				Conditions: []schema.GatewayCondition{
					{TargetActivityID: "end", Expression: "var.amount >= 100"},
				},
			}},
			"end": {ID: "end", Type: schema.ActivityEnd},
		},
		Transitions: []schema.Transition{
			{SourceID: "start", TargetID: "route"},
			{SourceID: "route", TargetID: "end"},
		},
	}
	saveDefinition(t, mem, def)

	id, err := e.Run(context.Background(), "wf-nopath", map[string]any{"amount": 10.0})
	require.NoError(t, err)

	inst, err := e.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceFaulted, inst.Status)
	require.NotNil(t, inst.LastError)
	assert.Equal(t, schema.ErrCodeNoPath, inst.LastError.Code)
}

// --- Suspension and resume ---

func userTaskDefinition(id string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:              id,
		Version:         1,
		StartActivityID: "start",
		Activities: map[string]schema.Activity{
			"start": {ID: "start", Type: schema.ActivityStart},
			"approve": {ID: "approve", Type: schema.ActivityUserTask, UserTask: &schema.UserTaskConfig{
				OutputMappings: map[string]string{"approved": "input.approved"},
			}},
			"end": {ID: "end", Type: schema.ActivityEnd},
		},
		Transitions: []schema.Transition{
			{SourceID: "start", TargetID: "approve"},
			{SourceID: "approve", TargetID: "end"},
		},
	}
}

func TestUserTask_SuspendAndResume(t *testing.T) {
	e, mem := newTestEngine(t)
	saveDefinition(t, mem, userTaskDefinition("wf-approve"))
	ctx := context.Background()

	id, err := e.Run(ctx, "wf-approve", nil)
	require.NoError(t, err)

	inst, err := e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceSuspended, inst.Status)
	require.Len(t, inst.Bookmarks, 1)
	assert.Equal(t, "userTask_approve", inst.Bookmarks[0].Name)

	err = e.Resume(ctx, id, "userTask_approve", map[string]any{"approved": true})
	require.NoError(t, err)

	inst, err = e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Equal(t, true, inst.Variables["approved"])
	assert.Empty(t, inst.Bookmarks)
}

func TestResume_UnknownBookmark(t *testing.T) {
	e, mem := newTestEngine(t)
	saveDefinition(t, mem, userTaskDefinition("wf-bm"))
	ctx := context.Background()

	id, err := e.Run(ctx, "wf-bm", nil)
	require.NoError(t, err)

	err = e.Resume(ctx, id, "userTask_nothing", nil)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeBookmarkNotFound, fe.Code)
}

func TestResume_ConsumedBookmarkCannotFireTwice(t *testing.T) {
	e, mem := newTestEngine(t)
	saveDefinition(t, mem, userTaskDefinition("wf-once"))
	ctx := context.Background()

	id, err := e.Run(ctx, "wf-once", nil)
	require.NoError(t, err)
	require.NoError(t, e.Resume(ctx, id, "userTask_approve", nil))

	// The bookmark was consumed by the first resume, so the retry reports
	// the missing bookmark rather than the instance's new status.
	err = e.Resume(ctx, id, "userTask_approve", nil)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeBookmarkNotFound, fe.Code)
}

func TestResume_ExistingBookmarkWrongStatus(t *testing.T) {
	e, mem := newTestEngine(t)
	saveDefinition(t, mem, userTaskDefinition("wf-gate"))
	ctx := context.Background()

	id, err := e.Run(ctx, "wf-gate", nil)
	require.NoError(t, err)

	// Force a non-suspended status while the bookmark is still present.
	inst, err := mem.GetInstance(ctx, id)
	require.NoError(t, err)
	require.Len(t, inst.Bookmarks, 1)
	inst.Status = schema.InstanceFaulted
	require.NoError(t, mem.SaveInstance(ctx, inst))

	err = e.Resume(ctx, id, "userTask_approve", nil)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeInvalidState, fe.Code)
}

// --- Fault and retry ---

func TestRetry_RecoversFaultedInstance(t *testing.T) {
	e, mem := newTestEngine(t)
	saveDefinition(t, mem, linearDefinition("wf-retry"))
	ctx := context.Background()

	calls := 0
	e.Handlers().RegisterTask("work", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient failure")
		}
		return nil, nil
	})

	id, err := e.Run(ctx, "wf-retry", nil)
	require.NoError(t, err)

	inst, err := e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceFaulted, inst.Status)
	require.NotNil(t, inst.LastError)
	assert.Equal(t, "work", inst.LastError.ActivityID)
	assert.Equal(t, 0, inst.FaultCount)

	require.NoError(t, e.Retry(ctx, id))

	inst, err = e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Equal(t, 1, inst.FaultCount)
	assert.Nil(t, inst.LastError)
	assert.Equal(t, 2, calls)
}

func TestRetry_RejectsNonFaulted(t *testing.T) {
	e, mem := newTestEngine(t)
	saveDefinition(t, mem, userTaskDefinition("wf-retry-bad"))
	ctx := context.Background()

	id, err := e.Run(ctx, "wf-retry-bad", nil)
	require.NoError(t, err)

	err = e.Retry(ctx, id)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeInvalidState, fe.Code)
}

func TestErrorHandler_RetryPolicyRecoversInPlace(t *testing.T) {
	e, mem := newTestEngine(t)
	def := linearDefinition("wf-handler-retry")
	def.Activities["recover"] = schema.Activity{ID: "recover", Type: schema.ActivityTask, Task: &schema.TaskConfig{Handler: "recover"}}
	def.ErrorHandlers = []schema.ErrorHandler{{
		ErrorCodes:        []string{"*"},
		HandlerActivityID: "recover",
		RetryPolicy:       &schema.RetryPolicy{MaxAttempts: 2},
	}}
	saveDefinition(t, mem, def)
	ctx := context.Background()

	calls := 0
	e.Handlers().RegisterTask("work", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("flaky")
		}
		return nil, nil
	})

	id, err := e.Run(ctx, "wf-handler-retry", nil)
	require.NoError(t, err)

	inst, err := e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Equal(t, 2, calls, "one failed attempt plus one retry")
}

func TestErrorHandler_RoutesToHandlerActivity(t *testing.T) {
	e, mem := newTestEngine(t)
	def := linearDefinition("wf-handler-route")
	def.Activities["notify"] = schema.Activity{ID: "notify", Type: schema.ActivityTask, Task: &schema.TaskConfig{Handler: "notify"}}
	def.ErrorHandlers = []schema.ErrorHandler{{
		ErrorCodes:        []string{"PAYMENT_DECLINED"},
		HandlerActivityID: "notify",
	}}
	saveDefinition(t, mem, def)
	ctx := context.Background()

	notified := false
	e.Handlers().RegisterTask("work", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, schema.NewErrorf("PAYMENT_DECLINED", "card rejected")
	})
	e.Handlers().RegisterTask("notify", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		notified = true
		return nil, nil
	})

	id, err := e.Run(ctx, "wf-handler-route", nil)
	require.NoError(t, err)

	inst, err := e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.True(t, notified)
	require.NotNil(t, inst.LastError)
	assert.Equal(t, "PAYMENT_DECLINED", inst.LastError.Code)
}

func TestErrorHandler_TerminateForcesFault(t *testing.T) {
	e, mem := newTestEngine(t)
	def := linearDefinition("wf-handler-term")
	def.Activities["notify"] = schema.Activity{ID: "notify", Type: schema.ActivityTask, Task: &schema.TaskConfig{Handler: "notify"}}
	def.ErrorHandlers = []schema.ErrorHandler{{
		ErrorCodes:        []string{"*"},
		HandlerActivityID: "notify",
		Terminate:         true,
	}}
	saveDefinition(t, mem, def)
	ctx := context.Background()

	e.Handlers().RegisterTask("work", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("fatal")
	})

	id, err := e.Run(ctx, "wf-handler-term", nil)
	require.NoError(t, err)

	inst, err := e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceFaulted, inst.Status)
}

// --- Parallel execution ---

func TestRun_ParallelForkJoin(t *testing.T) {
	e, mem := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID:              "wf-par",
		Version:         1,
		StartActivityID: "start",
		Activities: map[string]schema.Activity{
			"start": {ID: "start", Type: schema.ActivityStart},
			"fork": {ID: "fork", Type: schema.ActivityParallelGateway, ParallelGateway: &schema.ParallelGatewayConfig{
				Direction: schema.GatewaySplit,
			}},
			"a": {ID: "a", Type: schema.ActivityTask, Task: &schema.TaskConfig{Handler: "a"}},
			"b": {ID: "b", Type: schema.ActivityTask, Task: &schema.TaskConfig{Handler: "b"}},
			"join": {ID: "join", Type: schema.ActivityParallelGateway, ParallelGateway: &schema.ParallelGatewayConfig{
				Direction: schema.GatewayJoin,
			}},
			"after": {ID: "after", Type: schema.ActivityTask, Task: &schema.TaskConfig{Handler: "after"}},
			"end":   {ID: "end", Type: schema.ActivityEnd},
		},
		Transitions: []schema.Transition{
			{SourceID: "start", TargetID: "fork"},
			{SourceID: "fork", TargetID: "a"},
			{SourceID: "fork", TargetID: "b"},
			{SourceID: "a", TargetID: "join"},
			{SourceID: "b", TargetID: "join"},
			{SourceID: "join", TargetID: "after"},
			{SourceID: "after", TargetID: "end"},
		},
	}
	saveDefinition(t, mem, def)
	ctx := context.Background()

	var order []string
	for _, name := range []string{"a", "b", "after"} {
		name := name
		e.Handlers().RegisterTask(name, func(_ context.Context, _ map[string]any) (map[string]any, error) {
			order = append(order, name)
			return nil, nil
		})
	}

	id, err := e.Run(ctx, "wf-par", nil)
	require.NoError(t, err)

	inst, err := e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Empty(t, inst.JoinArrivals, "join counters are consumed once the join fires")
	assert.ElementsMatch(t, []string{"a", "b", "after"}, order)
	assert.Equal(t, "after", order[2], "join must wait for both branches")
}

// --- Cancel / Terminate ---

func TestCancel_ClearsBookmarksAndTimers(t *testing.T) {
	e, mem := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID:              "wf-cancel",
		Version:         1,
		StartActivityID: "start",
		Activities: map[string]schema.Activity{
			"start": {ID: "start", Type: schema.ActivityStart},
			"wait":  {ID: "wait", Type: schema.ActivityTimer, Timer: &schema.TimerConfig{Duration: "1h"}},
			"end":   {ID: "end", Type: schema.ActivityEnd},
		},
		Transitions: []schema.Transition{
			{SourceID: "start", TargetID: "wait"},
			{SourceID: "wait", TargetID: "end"},
		},
	}
	saveDefinition(t, mem, def)
	ctx := context.Background()

	id, err := e.Run(ctx, "wf-cancel", nil)
	require.NoError(t, err)

	inst, err := e.GetInstance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, schema.InstanceSuspended, inst.Status)

	require.NoError(t, e.Cancel(ctx, id, "operator request"))

	inst, err = e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCancelled, inst.Status)
	assert.Empty(t, inst.Bookmarks)

	due, err := mem.DueTimers(ctx, inst.CreatedAt.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due, "pending timers are cancelled with the instance")

	err = e.Cancel(ctx, id, "again")
	require.Error(t, err, "terminal instances cannot be cancelled")
}

func TestTerminate_IsIdempotentOnTerminal(t *testing.T) {
	e, mem := newTestEngine(t)
	saveDefinition(t, mem, userTaskDefinition("wf-term"))
	ctx := context.Background()

	id, err := e.Run(ctx, "wf-term", nil)
	require.NoError(t, err)

	require.NoError(t, e.Terminate(ctx, id, "stuck"))
	inst, err := e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceFaulted, inst.Status)
	require.NotNil(t, inst.LastError)
	assert.Equal(t, "stuck", inst.LastError.Message)

	require.NoError(t, e.Terminate(ctx, id, "again"))
}

// --- Signals ---

func signalDefinition(id, signal string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:              id,
		Version:         1,
		StartActivityID: "start",
		Activities: map[string]schema.Activity{
			"start": {ID: "start", Type: schema.ActivityStart},
			"wait": {ID: "wait", Type: schema.ActivitySignalReceive, SignalReceive: &schema.SignalReceiveConfig{
				SignalName:     signal,
				OutputMappings: map[string]string{"payload": "input.value"},
			}},
			"end": {ID: "end", Type: schema.ActivityEnd},
		},
		Transitions: []schema.Transition{
			{SourceID: "start", TargetID: "wait"},
			{SourceID: "wait", TargetID: "end"},
		},
	}
}

func TestBroadcastSignal_ResumesAllWaiters(t *testing.T) {
	e, mem := newTestEngine(t)
	saveDefinition(t, mem, signalDefinition("wf-sig", "go"))
	ctx := context.Background()

	id1, err := e.Run(ctx, "wf-sig", nil)
	require.NoError(t, err)
	id2, err := e.Run(ctx, "wf-sig", nil)
	require.NoError(t, err)

	resumed, err := e.BroadcastSignal(ctx, "go", map[string]any{"value": 9.0}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, resumed)

	for _, id := range []string{id1, id2} {
		inst, err := e.GetInstance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.InstanceCompleted, inst.Status)
		assert.Equal(t, 9.0, inst.Variables["payload"])
	}
}

func TestSignal_ThrowFansOutToReceivers(t *testing.T) {
	e, mem := newTestEngine(t)
	saveDefinition(t, mem, signalDefinition("wf-recv", "order_shipped"))

	thrower := &schema.WorkflowDefinition{
		ID:              "wf-throw",
		Version:         1,
		StartActivityID: "start",
		Activities: map[string]schema.Activity{
			"start": {ID: "start", Type: schema.ActivityStart},
			"announce": {ID: "announce", Type: schema.ActivitySignalThrow, SignalThrow: &schema.SignalThrowConfig{
				SignalName: "order_shipped",
			}},
			"end": {ID: "end", Type: schema.ActivityEnd},
		},
		Transitions: []schema.Transition{
			{SourceID: "start", TargetID: "announce"},
			{SourceID: "announce", TargetID: "end"},
		},
	}
	saveDefinition(t, mem, thrower)
	ctx := context.Background()

	receiverID, err := e.Run(ctx, "wf-recv", nil)
	require.NoError(t, err)

	throwerID, err := e.Run(ctx, "wf-throw", nil)
	require.NoError(t, err)

	for _, id := range []string{receiverID, throwerID} {
		inst, err := e.GetInstance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.InstanceCompleted, inst.Status, "instance %s", id)
	}
}

func TestSignal_ThrowScalarPayloadReachesReceiver(t *testing.T) {
	e, mem := newTestEngine(t)

	receiver := signalDefinition("wf-track", "parcel_scanned")
	receiver.Activities["wait"] = schema.Activity{
		ID: "wait", Type: schema.ActivitySignalReceive,
		SignalReceive: &schema.SignalReceiveConfig{
			SignalName:     "parcel_scanned",
			OutputMappings: map[string]string{"tracking": "input.payload"},
		},
	}
	saveDefinition(t, mem, receiver)

	thrower := &schema.WorkflowDefinition{
		ID:              "wf-scan",
		Version:         1,
		StartActivityID: "start",
		Activities: map[string]schema.Activity{
			"start": {ID: "start", Type: schema.ActivityStart},
			"announce": {ID: "announce", Type: schema.ActivitySignalThrow, SignalThrow: &schema.SignalThrowConfig{
				SignalName:        "parcel_scanned",
				PayloadExpression: "'trk-9'",
			}},
			"end": {ID: "end", Type: schema.ActivityEnd},
		},
		Transitions: []schema.Transition{
			{SourceID: "start", TargetID: "announce"},
			{SourceID: "announce", TargetID: "end"},
		},
	}
	saveDefinition(t, mem, thrower)
	ctx := context.Background()

	receiverID, err := e.Run(ctx, "wf-track", nil)
	require.NoError(t, err)

	_, err = e.Run(ctx, "wf-scan", nil)
	require.NoError(t, err)

	inst, err := e.GetInstance(ctx, receiverID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Equal(t, "trk-9", inst.Variables["tracking"])
}

// --- Event triggers ---

func TestTriggerEvent_StartsMatchingDefinitions(t *testing.T) {
	e, mem := newTestEngine(t)
	def := linearDefinition("wf-event")
	def.Triggers = []schema.TriggerDefinition{
		{Kind: schema.TriggerEvent, Enabled: true, EventName: "order.created"},
	}
	saveDefinition(t, mem, def)

	other := linearDefinition("wf-other-event")
	other.Triggers = []schema.TriggerDefinition{
		{Kind: schema.TriggerEvent, Enabled: true, EventName: "order.deleted"},
	}
	saveDefinition(t, mem, other)

	e.Handlers().RegisterTask("work", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, nil
	})

	ids, err := e.TriggerEvent(context.Background(), "order.created", map[string]any{"order_id": "o-1"})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	inst, err := e.GetInstance(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, "wf-event", inst.WorkflowID)
	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Equal(t, "o-1", inst.Variables["order_id"])
}

// --- Sub-processes ---

func TestSubProcess_ParentWaitsForChildOutput(t *testing.T) {
	e, mem := newTestEngine(t)

	child := &schema.WorkflowDefinition{
		ID:              "wf-child",
		Version:         1,
		StartActivityID: "start",
		Activities: map[string]schema.Activity{
			"start": {ID: "start", Type: schema.ActivityStart},
			"end": {ID: "end", Type: schema.ActivityEnd, End: &schema.EndConfig{
				FinalOutputMappings: map[string]string{"shipment_id": "'shp-1'"},
			}},
		},
		Transitions: []schema.Transition{{SourceID: "start", TargetID: "end"}},
	}
	saveDefinition(t, mem, child)

	parent := &schema.WorkflowDefinition{
		ID:              "wf-parent",
		Version:         1,
		StartActivityID: "start",
		Activities: map[string]schema.Activity{
			"start": {ID: "start", Type: schema.ActivityStart},
			"fulfil": {ID: "fulfil", Type: schema.ActivitySubProcess, SubProcess: &schema.SubProcessConfig{
				WorkflowID:        "wf-child",
				WaitForCompletion: true,
				OutputMappings:    map[string]string{"shipment": "input.shipment_id"},
			}},
			"end": {ID: "end", Type: schema.ActivityEnd},
		},
		Transitions: []schema.Transition{
			{SourceID: "start", TargetID: "fulfil"},
			{SourceID: "fulfil", TargetID: "end"},
		},
	}
	saveDefinition(t, mem, parent)
	ctx := context.Background()

	id, err := e.Run(ctx, "wf-parent", nil)
	require.NoError(t, err)

	inst, err := e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Equal(t, "shp-1", inst.Variables["shipment"])

	children, err := e.QueryInstances(ctx, store.InstanceFilter{WorkflowID: "wf-child"})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, schema.InstanceCompleted, children[0].Status)
	assert.Equal(t, id, children[0].ParentInstanceID)
}

func TestSubProcess_ChildFaultPropagatesToParent(t *testing.T) {
	e, mem := newTestEngine(t)

	child := linearDefinition("wf-bad-child")
	saveDefinition(t, mem, child)
	e.Handlers().RegisterTask("work", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("child broke")
	})

	parent := &schema.WorkflowDefinition{
		ID:              "wf-parent-fault",
		Version:         1,
		StartActivityID: "start",
		Activities: map[string]schema.Activity{
			"start": {ID: "start", Type: schema.ActivityStart},
			"sub": {ID: "sub", Type: schema.ActivitySubProcess, SubProcess: &schema.SubProcessConfig{
				WorkflowID:        "wf-bad-child",
				WaitForCompletion: true,
			}},
			"end": {ID: "end", Type: schema.ActivityEnd},
		},
		Transitions: []schema.Transition{
			{SourceID: "start", TargetID: "sub"},
			{SourceID: "sub", TargetID: "end"},
		},
	}
	saveDefinition(t, mem, parent)
	ctx := context.Background()

	id, err := e.Run(ctx, "wf-parent-fault", nil)
	require.NoError(t, err)

	inst, err := e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceFaulted, inst.Status)
	require.NotNil(t, inst.LastError)
	assert.Contains(t, inst.LastError.Message, "sub-process faulted")
}

// countingLocks wraps a LockProvider and counts store-level acquire/release
// calls per instance.
type countingLocks struct {
	inner    store.LockProvider
	mu       sync.Mutex
	acquires map[string]int
	releases map[string]int
}

func newCountingLocks(inner store.LockProvider) *countingLocks {
	return &countingLocks{
		inner:    inner,
		acquires: make(map[string]int),
		releases: make(map[string]int),
	}
}

func (c *countingLocks) TryAcquireLock(ctx context.Context, instanceID, holderID string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	c.acquires[instanceID]++
	c.mu.Unlock()
	return c.inner.TryAcquireLock(ctx, instanceID, holderID, ttl)
}

func (c *countingLocks) ReleaseLock(ctx context.Context, instanceID, holderID string) error {
	c.mu.Lock()
	c.releases[instanceID]++
	c.mu.Unlock()
	return c.inner.ReleaseLock(ctx, instanceID, holderID)
}

func TestSubProcess_NestedParentResumeKeepsLockHeld(t *testing.T) {
	mem := store.NewMemoryStore()
	locks := newCountingLocks(mem)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(mem, mem, mem, locks, nil, Config{Logger: logger})

	child := &schema.WorkflowDefinition{
		ID:              "wf-child",
		Version:         1,
		StartActivityID: "start",
		Activities: map[string]schema.Activity{
			"start": {ID: "start", Type: schema.ActivityStart},
			"end": {ID: "end", Type: schema.ActivityEnd, End: &schema.EndConfig{
				FinalOutputMappings: map[string]string{"shipment_id": "'shp-1'"},
			}},
		},
		Transitions: []schema.Transition{{SourceID: "start", TargetID: "end"}},
	}
	saveDefinition(t, mem, child)

	parent := &schema.WorkflowDefinition{
		ID:              "wf-parent",
		Version:         1,
		StartActivityID: "start",
		Activities: map[string]schema.Activity{
			"start": {ID: "start", Type: schema.ActivityStart},
			"fulfil": {ID: "fulfil", Type: schema.ActivitySubProcess, SubProcess: &schema.SubProcessConfig{
				WorkflowID:        "wf-child",
				WaitForCompletion: true,
				OutputMappings:    map[string]string{"shipment": "input.shipment_id"},
			}},
			"end": {ID: "end", Type: schema.ActivityEnd},
		},
		Transitions: []schema.Transition{
			{SourceID: "start", TargetID: "fulfil"},
			{SourceID: "fulfil", TargetID: "end"},
		},
	}
	saveDefinition(t, mem, parent)
	ctx := context.Background()

	id, err := e.Run(ctx, "wf-parent", nil)
	require.NoError(t, err)

	inst, err := e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, inst.Status)

	// The child's synchronous completion resumes the parent inside the
	// parent's own lock section. Re-entry is depth-counted: the store lock
	// is taken once for the whole unit of work and released once at the end.
	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Equal(t, 1, locks.acquires[id], "store lock acquired once for the parent")
	assert.Equal(t, 1, locks.releases[id], "store lock released once for the parent")
}
