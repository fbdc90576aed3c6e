package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/procflow/internal/activities"
	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/pkg/schema"
)

// run is one unit of work over a single instance: the loop executes frontier
// activities to their next suspension or terminal state while the engine
// holds the instance's advisory lock.
type run struct {
	e    *Engine
	def  *schema.WorkflowDefinition
	inst *schema.WorkflowInstanceState

	frontier []string
	// children are sub-process instances created during this run; they are
	// started only after the instance state (including any suspension
	// bookmark a parent is waiting on) has been persisted.
	children []string
	stopped  bool
}

func newRun(e *Engine, def *schema.WorkflowDefinition, inst *schema.WorkflowInstanceState) *run {
	return &run{e: e, def: def, inst: inst}
}

// runLoop drives a fresh frontier to quiescence.
func (e *Engine) runLoop(ctx context.Context, def *schema.WorkflowDefinition, inst *schema.WorkflowInstanceState, frontier []string) error {
	r := newRun(e, def, inst)
	r.frontier = frontier
	return r.drain(ctx)
}

// drain executes frontier activities until the run suspends, completes or
// faults, then reconciles the instance status.
func (r *run) drain(ctx context.Context) error {
	for len(r.frontier) > 0 && !r.stopped {
		next := r.frontier[0]
		r.frontier = r.frontier[1:]
		if err := r.executeActivity(ctx, next); err != nil {
			return err
		}
	}
	return r.finish(ctx)
}

func (r *run) executeActivity(ctx context.Context, activityID string) error {
	activity, ok := r.def.Activities[activityID]
	if !ok {
		return r.fault(ctx, &schema.ActivityError{
			Code:       schema.ErrCodeExecution,
			Message:    "transition references unknown activity",
			ActivityID: activityID,
		})
	}

	executor, err := r.e.registry.Get(activity.Type)
	if err != nil {
		return r.fault(ctx, &schema.ActivityError{
			Code:       schema.ErrCodeUnsupportedActivity,
			Message:    err.Error(),
			ActivityID: activityID,
		})
	}

	r.inst.CurrentActivityID = activityID
	ctx = logging.WithActivityID(ctx, activityID)

	started := r.e.now()
	result, err := executor.Execute(ctx, r.activityContext(&activity, nil))
	if err != nil {
		return err
	}
	r.e.appendHistory(ctx, r.inst, &activity, outcomeOf(result), started, result)

	if err := r.handleResult(ctx, &activity, result); err != nil {
		return err
	}
	if err := r.e.instances.SaveInstance(ctx, r.inst); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save instance: %s", err.Error()).WithCause(err)
	}
	return nil
}

// handleResult applies an activity result to the run: fault handling,
// bookmark creation, signal fan-out and successor selection.
func (r *run) handleResult(ctx context.Context, activity *schema.Activity, result *activities.Result) error {
	if result.Error != nil {
		return r.handleFault(ctx, activity, result.Error)
	}

	if result.Suspend {
		r.addBookmark(result.BookmarkName, activity.ID)
		return nil
	}

	// Signal fan-out happens before the throwing instance advances.
	if name, ok := result.Output[activities.OutputSignalName].(string); ok && name != "" {
		payload := signalPayload(result.Output[activities.OutputSignalPayload])
		if _, err := r.e.BroadcastSignal(ctx, name, payload, ""); err != nil {
			return err
		}
	}

	switch {
	case len(result.ParallelNextActivityIDs) > 0:
		r.creditSkippedPaths(activity, result.ParallelNextActivityIDs)
		for _, target := range result.ParallelNextActivityIDs {
			r.arrive(target)
		}
		return nil
	case result.NextActivityID != "":
		r.creditSkippedPaths(activity, []string{result.NextActivityID})
		r.arrive(result.NextActivityID)
		return nil
	default:
		return r.followTransitions(ctx, activity)
	}
}

// signalPayload shapes a throw payload for delivery. Maps pass through;
// a scalar payload expression is wrapped under "payload" so receivers can
// still map it.
func signalPayload(v any) map[string]any {
	switch p := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return p
	default:
		return map[string]any{"payload": p}
	}
}

// followTransitions selects the successor of an activity that did not pick
// its own path: first transition whose condition holds, otherwise the default,
// else fault. Transitions without a condition are unconditional.
func (r *run) followTransitions(ctx context.Context, activity *schema.Activity) error {
	outgoing := r.def.TransitionsFrom(activity.ID)
	if len(outgoing) == 0 {
		// End of this branch.
		return nil
	}

	env := expressions.Env{Variables: r.inst.Variables}
	for _, t := range outgoing {
		if t.IsDefault {
			continue
		}
		if t.Condition == "" {
			r.arrive(t.TargetID)
			return nil
		}
		matched, err := expressions.Evaluate(t.Condition, env, r.e.resolver)
		if err != nil {
			return r.handleFault(ctx, activity, &schema.ActivityError{
				Code:       schema.ErrCodeExecution,
				Message:    err.Error(),
				ActivityID: activity.ID,
			})
		}
		if matched {
			r.arrive(t.TargetID)
			return nil
		}
	}

	for _, t := range outgoing {
		if t.IsDefault {
			r.arrive(t.TargetID)
			return nil
		}
	}

	return r.handleFault(ctx, activity, &schema.ActivityError{
		Code:       schema.ErrCodeNoPath,
		Message:    "no outgoing transition matched",
		ActivityID: activity.ID,
	})
}

// arrive pushes a target onto the frontier, or parks the branch when the
// target is a parallel join still waiting for other branches. Expected
// arrivals equal the join's incoming transition count; counts persist on the
// instance so joins survive suspension.
func (r *run) arrive(target string) {
	join, ok := r.def.Activities[target]
	if ok && isJoin(&join) {
		expected := len(r.def.TransitionsTo(target))
		if expected > 1 {
			if r.inst.JoinArrivals == nil {
				r.inst.JoinArrivals = make(map[string]int)
			}
			r.inst.JoinArrivals[target]++
			if r.inst.JoinArrivals[target] < expected {
				return
			}
			delete(r.inst.JoinArrivals, target)
		}
	}
	r.frontier = append(r.frontier, target)
}

// creditSkippedPaths credits one arrival to the downstream join of each
// outgoing path a gateway did not select, so a join never waits for a branch
// that was never forked.
func (r *run) creditSkippedPaths(gateway *schema.Activity, selected []string) {
	if gateway.Type != schema.ActivityInclusiveGateway {
		return
	}

	chosen := make(map[string]bool, len(selected))
	for _, id := range selected {
		chosen[id] = true
	}

	for _, t := range r.def.TransitionsFrom(gateway.ID) {
		if chosen[t.TargetID] {
			continue
		}
		if join := r.findDownstreamJoin(t.TargetID); join != "" {
			if r.inst.JoinArrivals == nil {
				r.inst.JoinArrivals = make(map[string]int)
			}
			r.inst.JoinArrivals[join]++
		}
	}
}

// findDownstreamJoin walks transitions from start until it reaches a
// parallel join, returning its id or "".
func (r *run) findDownstreamJoin(start string) string {
	visited := map[string]bool{}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		if a, ok := r.def.Activities[id]; ok && isJoin(&a) {
			return id
		}
		for _, t := range r.def.TransitionsFrom(id) {
			queue = append(queue, t.TargetID)
		}
	}
	return ""
}

func isJoin(a *schema.Activity) bool {
	return a.Type == schema.ActivityParallelGateway &&
		a.ParallelGateway != nil &&
		a.ParallelGateway.Direction == schema.GatewayJoin
}

// handleFault consults the definition's error handlers before faulting the
// instance: a matching handler may retry the activity in place and reroute
// to its handler activity.
func (r *run) handleFault(ctx context.Context, activity *schema.Activity, actErr *schema.ActivityError) error {
	handler := r.def.HandlerFor(actErr.Code)
	if handler != nil && handler.HandlerActivityID != "" && handler.HandlerActivityID != activity.ID {
		if handler.RetryPolicy != nil && handler.RetryPolicy.MaxAttempts > 0 {
			recovered, err := r.retryActivity(ctx, activity, handler.RetryPolicy)
			if err != nil || recovered {
				return err
			}
		}
		if handler.Compensate {
			r.compensate(ctx, activity)
		}
		if !handler.Terminate {
			r.inst.LastError = actErr
			r.arrive(handler.HandlerActivityID)
			return nil
		}
	}
	return r.fault(ctx, actErr)
}

// retryActivity re-executes a faulted activity per the retry policy.
// Returns true when an attempt succeeds; the successful result is handled in
// place.
func (r *run) retryActivity(ctx context.Context, activity *schema.Activity, policy *schema.RetryPolicy) (bool, error) {
	executor, err := r.e.registry.Get(activity.Type)
	if err != nil {
		return false, nil
	}

	var delay time.Duration
	if policy.Delay != "" {
		delay, _ = time.ParseDuration(policy.Delay)
	}

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(backoffDelay(policy.Backoff, delay, attempt)):
			}
		}

		started := r.e.now()
		result, err := executor.Execute(ctx, r.activityContext(activity, nil))
		if err != nil {
			return false, err
		}
		r.e.appendHistory(ctx, r.inst, activity, outcomeOf(result), started, result)
		if result.Error == nil {
			return true, r.handleResult(ctx, activity, result)
		}
	}
	return false, nil
}

// compensate best-effort invokes the compensation method of a faulted
// service task. Failures are logged, never propagated.
func (r *run) compensate(ctx context.Context, activity *schema.Activity) {
	cfg := activity.ServiceTask
	if cfg == nil || cfg.CompensationMethod == "" {
		return
	}
	svc, ok := r.e.handlers.Service(cfg.ServiceType)
	if !ok {
		return
	}
	if _, err := svc.Invoke(ctx, cfg.CompensationMethod, r.inst.Variables); err != nil {
		logging.LogWith(ctx, r.e.logger).Error("compensation failed",
			slog.String("instance_id", r.inst.ID),
			slog.String("activity_id", activity.ID),
			slog.String("error", err.Error()),
		)
	}
}

// fault transitions the instance to Faulted, records the error and stops the
// run. The fault stays isolated to this instance.
func (r *run) fault(ctx context.Context, actErr *schema.ActivityError) error {
	r.stopped = true
	r.inst.LastError = actErr
	if err := transition(r.inst, schema.InstanceFaulted); err != nil {
		return err
	}
	if err := r.e.instances.SaveInstance(ctx, r.inst); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save instance: %s", err.Error()).WithCause(err)
	}

	logging.LogWith(ctx, r.e.logger).Warn("instance faulted",
		slog.String("instance_id", r.inst.ID),
		slog.String("activity_id", actErr.ActivityID),
		slog.String("code", actErr.Code),
	)

	r.notifyParentFault(ctx, actErr)
	return nil
}

// finish reconciles the instance status once the frontier drains, persists
// it, notifies a waiting parent and starts any sub-process children created
// during the run.
func (r *run) finish(ctx context.Context) error {
	if r.inst.Status == schema.InstanceRunning {
		var to schema.InstanceStatus
		if len(r.inst.Bookmarks) > 0 {
			to = schema.InstanceSuspended
		} else {
			to = schema.InstanceCompleted
			completed := r.e.now()
			r.inst.CompletedAt = &completed
		}
		if err := transition(r.inst, to); err != nil {
			return err
		}
		if err := r.e.instances.SaveInstance(ctx, r.inst); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "save instance: %s", err.Error()).WithCause(err)
		}
	}

	// Children start only now, after the parent's bookmarks are durable, so
	// a synchronously-completing child can find the bookmark it resumes.
	for _, childID := range r.children {
		if err := r.e.Start(ctx, childID); err != nil {
			logging.LogWith(ctx, r.e.logger).Error("sub-process start failed",
				slog.String("instance_id", r.inst.ID),
				slog.String("child_id", childID),
				slog.String("error", err.Error()),
			)
		}
	}
	r.children = nil

	if r.inst.Status == schema.InstanceCompleted {
		r.notifyParentCompleted(ctx)
	}
	return nil
}

// notifyParentCompleted resumes a parent waiting on this sub-process.
func (r *run) notifyParentCompleted(ctx context.Context) {
	if r.inst.ParentInstanceID == "" || r.inst.ParentBookmark == "" {
		return
	}
	if err := r.e.Resume(ctx, r.inst.ParentInstanceID, r.inst.ParentBookmark, r.inst.Output); err != nil {
		logging.LogWith(ctx, r.e.logger).Error("parent resume failed",
			slog.String("instance_id", r.inst.ID),
			slog.String("parent_id", r.inst.ParentInstanceID),
			slog.String("error", err.Error()),
		)
	}
}

// notifyParentFault faults a parent waiting on this sub-process.
func (r *run) notifyParentFault(ctx context.Context, actErr *schema.ActivityError) {
	if r.inst.ParentInstanceID == "" || r.inst.ParentBookmark == "" {
		return
	}
	err := r.e.withLock(ctx, r.inst.ParentInstanceID, func(parent *schema.WorkflowInstanceState) error {
		if !parent.RemoveBookmark(r.inst.ParentBookmark) {
			return nil
		}
		if err := transition(parent, schema.InstanceFaulted); err != nil {
			return err
		}
		parent.LastError = &schema.ActivityError{
			Code:    actErr.Code,
			Message: "sub-process faulted: " + actErr.Message,
		}
		return r.e.instances.SaveInstance(ctx, parent)
	})
	if err != nil {
		logging.LogWith(ctx, r.e.logger).Error("parent fault propagation failed",
			slog.String("instance_id", r.inst.ID),
			slog.String("parent_id", r.inst.ParentInstanceID),
			slog.String("error", err.Error()),
		)
	}
}

// addBookmark records a suspension point, replacing any bookmark with the
// same name.
func (r *run) addBookmark(name, activityID string) {
	r.inst.RemoveBookmark(name)
	r.inst.Bookmarks = append(r.inst.Bookmarks, schema.Bookmark{
		Name:       name,
		ActivityID: activityID,
		CreatedAt:  r.e.now(),
	})
}

// activityContext assembles the execution context handed to an executor.
func (r *run) activityContext(activity *schema.Activity, input map[string]any) *activities.ActivityContext {
	if r.inst.Variables == nil {
		r.inst.Variables = make(map[string]any)
	}
	return &activities.ActivityContext{
		Definition: r.def,
		Instance:   r.inst,
		Activity:   activity,
		Input:      input,
		Resolver:   r.e.resolver,
		Scripts:    r.e.scripts,
		Handlers:   r.e.handlers,
		Timers:     r.e.timers,
		Launcher:   r,
		Now:        r.e.now,
	}
}

// LaunchSubProcess creates a child instance but defers its start to finish,
// once this run's state is persisted.
func (r *run) LaunchSubProcess(ctx context.Context, workflowID string, input map[string]any, parentInstanceID, parentBookmark string) (string, error) {
	childID, err := r.e.LaunchSubProcess(ctx, workflowID, input, parentInstanceID, parentBookmark)
	if err != nil {
		return "", err
	}
	r.children = append(r.children, childID)
	return childID, nil
}

func outcomeOf(result *activities.Result) string {
	switch {
	case result == nil:
		return schema.OutcomeCompleted
	case result.Error != nil:
		return schema.OutcomeFaulted
	case result.Suspend:
		return schema.OutcomeSuspended
	default:
		return schema.OutcomeCompleted
	}
}

func backoffDelay(mode string, base time.Duration, attempt int) time.Duration {
	switch mode {
	case "linear":
		return base * time.Duration(attempt)
	case "exponential":
		return base << (attempt - 1)
	default:
		return base
	}
}
