package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procflow/internal/activities"
	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// DefaultLockTTL bounds how long an engine holds an instance's advisory lock
// before it is considered expired.
const DefaultLockTTL = 30 * time.Second

// Config holds engine configuration. Zero values are defaulted.
type Config struct {
	LockTTL time.Duration
	Logger  *slog.Logger
}

// CreateOptions customize instance creation.
type CreateOptions struct {
	// Version pins the instance to an explicit definition version;
	// zero resolves the latest active non-draft version.
	Version            int
	Name               string
	CorrelationID      string
	Priority           int
	TenantID           string
	ScheduledStartTime *time.Time
}

// Engine orchestrates instance lifecycles by walking definition graphs. It
// never mutates an instance without holding its advisory lock, and it depends
// only on the store interfaces.
type Engine struct {
	definitions store.DefinitionStore
	instances   store.InstanceStore
	timers      store.TimerStore
	locks       store.LockProvider

	registry *activities.Registry
	handlers *activities.HandlerRegistry
	scripts  *expressions.Registry
	resolver expressions.Resolver

	logger   *slog.Logger
	holderID string
	lockTTL  time.Duration
	now      func() time.Time

	// lockDepth counts nested withLock sections per instance so a nested
	// unit of work (a child completion resuming its parent) does not
	// release the store lock while the outer section still holds it.
	lockMu    sync.Mutex
	lockDepth map[string]int
}

// New creates an Engine over the given stores and handler registry.
func New(defs store.DefinitionStore, insts store.InstanceStore, timers store.TimerStore, locks store.LockProvider, handlers *activities.HandlerRegistry, cfg Config) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if handlers == nil {
		handlers = activities.NewHandlerRegistry()
	}

	return &Engine{
		definitions: defs,
		instances:   insts,
		timers:      timers,
		locks:       locks,
		registry:    activities.NewRegistry(),
		handlers:    handlers,
		scripts:     expressions.NewDefaultRegistry(),
		resolver:    expressions.DefaultResolver{},
		logger:      cfg.Logger,
		holderID:    uuid.NewString(),
		lockTTL:     cfg.LockTTL,
		now:         func() time.Time { return time.Now().UTC() },
		lockDepth:   make(map[string]int),
	}
}

// Handlers exposes the handler registry for task/service registration.
func (e *Engine) Handlers() *activities.HandlerRegistry { return e.handlers }

// Scripts exposes the script evaluator registry.
func (e *Engine) Scripts() *expressions.Registry { return e.scripts }

// CreateInstance resolves the definition, validates required inputs and
// allocates a new Pending instance.
func (e *Engine) CreateInstance(ctx context.Context, workflowID string, input map[string]any, opts *CreateOptions) (*schema.WorkflowInstanceState, error) {
	if opts == nil {
		opts = &CreateOptions{}
	}

	def, err := e.resolveDefinition(ctx, workflowID, opts.Version)
	if err != nil {
		return nil, err
	}

	for _, p := range def.InputParameters {
		if !p.Required {
			continue
		}
		if _, ok := input[p.Name]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"missing required input parameter: %s", p.Name)
		}
	}

	vars := make(map[string]any)
	for _, v := range def.Variables {
		if v.DefaultValue != nil {
			vars[v.Name] = v.DefaultValue
		}
	}
	for _, p := range def.InputParameters {
		if _, ok := input[p.Name]; !ok && p.DefaultValue != nil {
			vars[p.Name] = p.DefaultValue
		}
	}
	for k, v := range input {
		vars[k] = v
	}

	inst := &schema.WorkflowInstanceState{
		ID:                 uuid.NewString(),
		WorkflowID:         def.ID,
		WorkflowVersion:    def.Version,
		Status:             schema.InstancePending,
		Name:               opts.Name,
		CorrelationID:      opts.CorrelationID,
		Priority:           opts.Priority,
		TenantID:           opts.TenantID,
		CreatedAt:          e.now(),
		Variables:          vars,
		ScheduledStartTime: opts.ScheduledStartTime,
	}
	if inst.Name == "" {
		inst.Name = def.Name
	}

	if err := e.instances.SaveInstance(ctx, inst); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "save instance: %s", err.Error()).WithCause(err)
	}

	logging.LogWith(ctx, e.logger).Info("instance created",
		slog.String("instance_id", inst.ID),
		slog.String("workflow_id", def.ID),
		slog.Int("version", def.Version),
	)
	return inst, nil
}

// Start transitions a Pending instance to Running and drives the execution
// loop from the definition's start activity.
func (e *Engine) Start(ctx context.Context, instanceID string) error {
	return e.withLock(ctx, instanceID, func(inst *schema.WorkflowInstanceState) error {
		if inst.Status != schema.InstancePending {
			return schema.NewErrorf(schema.ErrCodeInvalidState,
				"cannot start instance in status %s", inst.Status)
		}

		def, err := e.definitions.GetDefinition(ctx, inst.WorkflowID, inst.WorkflowVersion)
		if err != nil {
			return err
		}

		if err := transition(inst, schema.InstanceRunning); err != nil {
			return err
		}
		started := e.now()
		inst.StartedAt = &started
		inst.CurrentActivityID = def.StartActivityID
		if err := e.instances.SaveInstance(ctx, inst); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "save instance: %s", err.Error()).WithCause(err)
		}

		return e.runLoop(ctx, def, inst, []string{def.StartActivityID})
	})
}

// Run creates and immediately starts an instance, returning its id.
func (e *Engine) Run(ctx context.Context, workflowID string, input map[string]any) (string, error) {
	inst, err := e.CreateInstance(ctx, workflowID, input, nil)
	if err != nil {
		return "", err
	}
	if err := e.Start(ctx, inst.ID); err != nil {
		return inst.ID, err
	}
	return inst.ID, nil
}

// Resume consumes a bookmark and re-enters the execution loop from the
// activity that owned it.
func (e *Engine) Resume(ctx context.Context, instanceID, bookmarkName string, input map[string]any) error {
	return e.withLock(ctx, instanceID, func(inst *schema.WorkflowInstanceState) error {
		// Bookmark lookup comes first: a consumed bookmark reports
		// BOOKMARK_NOT_FOUND no matter what status the instance has
		// moved to since, so callers see the same error on every retry
		// of a resume that already happened.
		bm := inst.FindBookmark(bookmarkName)
		if bm == nil {
			return schema.NewErrorf(schema.ErrCodeBookmarkNotFound,
				"bookmark %q not found on instance %s", bookmarkName, instanceID)
		}

		if inst.Status != schema.InstanceSuspended {
			return schema.NewErrorf(schema.ErrCodeInvalidState,
				"cannot resume instance in status %s", inst.Status)
		}

		def, err := e.definitions.GetDefinition(ctx, inst.WorkflowID, inst.WorkflowVersion)
		if err != nil {
			return err
		}
		activity, ok := def.Activities[bm.ActivityID]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"bookmark %q references unknown activity %s", bookmarkName, bm.ActivityID)
		}

		inst.RemoveBookmark(bookmarkName)
		if err := transition(inst, schema.InstanceRunning); err != nil {
			return err
		}
		inst.CurrentActivityID = bm.ActivityID

		// Drop any pending timer tied to this bookmark so it cannot fire
		// again after the resume.
		if err := e.timers.CancelInstanceTimers(ctx, inst.ID, bookmarkName); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "cancel timers: %s", err.Error()).WithCause(err)
		}

		run := newRun(e, def, inst)
		actx := run.activityContext(&activity, input)
		executor, err := e.registry.Get(activity.Type)
		if err != nil {
			return err
		}

		started := e.now()
		result, err := executor.Resume(ctx, actx, input)
		if err != nil {
			return err
		}
		e.appendHistory(ctx, inst, &activity, schema.OutcomeResumed, started, result)

		if err := run.handleResult(ctx, &activity, result); err != nil {
			return err
		}
		return run.drain(ctx)
	})
}

// Cancel forces a non-terminal instance to Cancelled, clearing bookmarks and
// pending timers so nothing spuriously resumes it.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) error {
	return e.withLock(ctx, instanceID, func(inst *schema.WorkflowInstanceState) error {
		if inst.Status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeInvalidState,
				"cannot cancel instance in status %s", inst.Status)
		}
		return e.finalize(ctx, inst, schema.InstanceCancelled, reason)
	})
}

// Terminate unconditionally forces a non-terminal instance to Faulted.
// Terminating an already-terminal instance is a no-op.
func (e *Engine) Terminate(ctx context.Context, instanceID, reason string) error {
	return e.withLock(ctx, instanceID, func(inst *schema.WorkflowInstanceState) error {
		if inst.Status.IsTerminal() {
			return nil
		}
		inst.LastError = &schema.ActivityError{Code: schema.ErrCodeExecution, Message: reason}
		return e.finalize(ctx, inst, schema.InstanceFaulted, reason)
	})
}

// Retry re-enters the execution loop at the faulted activity, incrementing
// the fault count. Only the caller bounds the number of retries.
func (e *Engine) Retry(ctx context.Context, instanceID string) error {
	return e.withLock(ctx, instanceID, func(inst *schema.WorkflowInstanceState) error {
		if inst.Status != schema.InstanceFaulted {
			return schema.NewErrorf(schema.ErrCodeInvalidState,
				"cannot retry instance in status %s", inst.Status)
		}

		def, err := e.definitions.GetDefinition(ctx, inst.WorkflowID, inst.WorkflowVersion)
		if err != nil {
			return err
		}

		retryAt := inst.CurrentActivityID
		if inst.LastError != nil && inst.LastError.ActivityID != "" {
			retryAt = inst.LastError.ActivityID
		}
		if retryAt == "" {
			retryAt = def.StartActivityID
		}

		inst.FaultCount++
		inst.LastError = nil
		if err := transition(inst, schema.InstanceRunning); err != nil {
			return err
		}
		if err := e.instances.SaveInstance(ctx, inst); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "save instance: %s", err.Error()).WithCause(err)
		}

		return e.runLoop(ctx, def, inst, []string{retryAt})
	})
}

// Signal resumes one instance waiting on the named signal.
func (e *Engine) Signal(ctx context.Context, instanceID, signalName string, data map[string]any) error {
	return e.Resume(ctx, instanceID, activities.SignalBookmarkName(signalName), data)
}

// BroadcastSignal resumes every instance bookmarked on the named signal,
// optionally filtered by workflow id. Returns the number of instances
// resumed; per-instance failures are logged, not propagated.
func (e *Engine) BroadcastSignal(ctx context.Context, signalName string, data map[string]any, workflowID string) (int, error) {
	bookmark := activities.SignalBookmarkName(signalName)
	waiting, err := e.instances.FindByBookmark(ctx, bookmark, workflowID)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "find by bookmark: %s", err.Error()).WithCause(err)
	}

	resumed := 0
	for _, inst := range waiting {
		if err := e.Resume(ctx, inst.ID, bookmark, data); err != nil {
			logging.LogWith(ctx, e.logger).Error("signal resume failed",
				slog.String("instance_id", inst.ID),
				slog.String("signal", signalName),
				slog.String("error", err.Error()),
			)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// TriggerEvent creates and starts one instance per active definition with an
// enabled event trigger matching eventName. Returns the new instance IDs.
func (e *Engine) TriggerEvent(ctx context.Context, eventName string, data map[string]any) ([]string, error) {
	defs, err := e.definitions.FindByTriggerKind(ctx, schema.TriggerEvent)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "find by trigger: %s", err.Error()).WithCause(err)
	}

	var ids []string
	for _, def := range defs {
		matched := false
		for _, trg := range def.Triggers {
			if trg.Kind == schema.TriggerEvent && trg.Enabled && trg.EventName == eventName {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		inst, err := e.CreateInstance(ctx, def.ID, data, &CreateOptions{Version: def.Version})
		if err != nil {
			logging.LogWith(ctx, e.logger).Error("event trigger create failed",
				slog.String("workflow_id", def.ID),
				slog.String("event", eventName),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := e.Start(ctx, inst.ID); err != nil {
			logging.LogWith(ctx, e.logger).Error("event trigger start failed",
				slog.String("instance_id", inst.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		ids = append(ids, inst.ID)
	}
	return ids, nil
}

// GetInstance returns one instance by id.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*schema.WorkflowInstanceState, error) {
	return e.instances.GetInstance(ctx, instanceID)
}

// QueryInstances returns instances matching the filter.
func (e *Engine) QueryInstances(ctx context.Context, filter store.InstanceFilter) ([]*schema.WorkflowInstanceState, error) {
	return e.instances.QueryInstances(ctx, filter)
}

// GetHistory returns the append-only execution history of an instance.
func (e *Engine) GetHistory(ctx context.Context, instanceID string) ([]*schema.ExecutionRecord, error) {
	return e.instances.GetHistory(ctx, instanceID)
}

// LaunchSubProcess creates a child instance linked to a waiting parent.
// The child is left Pending; the execution loop starts it after the parent's
// suspension has been persisted.
func (e *Engine) LaunchSubProcess(ctx context.Context, workflowID string, input map[string]any, parentInstanceID, parentBookmark string) (string, error) {
	inst, err := e.CreateInstance(ctx, workflowID, input, nil)
	if err != nil {
		return "", err
	}
	if parentInstanceID != "" {
		inst.ParentInstanceID = parentInstanceID
		inst.ParentBookmark = parentBookmark
		if err := e.instances.SaveInstance(ctx, inst); err != nil {
			return "", schema.NewErrorf(schema.ErrCodeStore, "save instance: %s", err.Error()).WithCause(err)
		}
	}
	return inst.ID, nil
}

// resolveDefinition returns the pinned version, or the latest active
// non-draft version when version is zero.
func (e *Engine) resolveDefinition(ctx context.Context, workflowID string, version int) (*schema.WorkflowDefinition, error) {
	if version > 0 {
		return e.definitions.GetDefinition(ctx, workflowID, version)
	}
	return e.definitions.GetLatestDefinition(ctx, workflowID, true)
}

// withLock runs fn with the instance's advisory lock held and the loaded
// instance state. Re-entry from the same engine is depth-counted: the store
// lock is acquired on the outermost entry and released only when the
// outermost section exits.
func (e *Engine) withLock(ctx context.Context, instanceID string, fn func(*schema.WorkflowInstanceState) error) error {
	ok, err := e.enterLock(ctx, instanceID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "acquire lock: %s", err.Error()).WithCause(err)
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeLockHeld, "instance %s is locked by another holder", instanceID)
	}
	defer e.exitLock(context.WithoutCancel(ctx), instanceID)

	inst, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	ctx = logging.WithInstanceID(ctx, instanceID)
	return fn(inst)
}

// enterLock takes the advisory lock for the outermost section, counting
// nested entries instead of re-acquiring.
func (e *Engine) enterLock(ctx context.Context, instanceID string) (bool, error) {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()

	if e.lockDepth[instanceID] > 0 {
		e.lockDepth[instanceID]++
		return true, nil
	}
	ok, err := e.locks.TryAcquireLock(ctx, instanceID, e.holderID, e.lockTTL)
	if err != nil || !ok {
		return ok, err
	}
	e.lockDepth[instanceID] = 1
	return true, nil
}

// exitLock releases the advisory lock when the outermost section exits.
func (e *Engine) exitLock(ctx context.Context, instanceID string) {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()

	e.lockDepth[instanceID]--
	if e.lockDepth[instanceID] <= 0 {
		delete(e.lockDepth, instanceID)
		_ = e.locks.ReleaseLock(ctx, instanceID, e.holderID)
	}
}

// finalize applies a terminal status, clears suspension state and persists.
func (e *Engine) finalize(ctx context.Context, inst *schema.WorkflowInstanceState, to schema.InstanceStatus, reason string) error {
	if err := transition(inst, to); err != nil {
		return err
	}
	completed := e.now()
	inst.CompletedAt = &completed
	inst.Bookmarks = nil

	if err := e.timers.CancelInstanceTimers(ctx, inst.ID, ""); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "cancel timers: %s", err.Error()).WithCause(err)
	}
	if err := e.instances.SaveInstance(ctx, inst); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save instance: %s", err.Error()).WithCause(err)
	}

	logging.LogWith(ctx, e.logger).Info("instance finalized",
		slog.String("instance_id", inst.ID),
		slog.String("status", string(to)),
		slog.String("reason", reason),
	)
	return nil
}

// appendHistory records one activity execution. History failures are logged,
// never fatal: losing a record must not fault a healthy instance.
func (e *Engine) appendHistory(ctx context.Context, inst *schema.WorkflowInstanceState, activity *schema.Activity, outcome string, started time.Time, result *activities.Result) {
	record := &schema.ExecutionRecord{
		InstanceID: inst.ID,
		ActivityID: activity.ID,
		Type:       activity.Type,
		Outcome:    outcome,
		StartedAt:  started,
		Duration:   e.now().Sub(started),
	}
	if result != nil && result.Error != nil {
		record.Error = result.Error
	}
	if err := e.instances.AppendHistory(ctx, record); err != nil {
		logging.LogWith(ctx, e.logger).Error("append history failed",
			slog.String("instance_id", inst.ID),
			slog.String("activity_id", activity.ID),
			slog.String("error", err.Error()),
		)
	}
}
