package activities

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// Output keys recorded by a signal-throw activity; the engine reads them to
// fan the signal out to waiting instances.
const (
	OutputSignalName    = "signal_name"
	OutputSignalPayload = "signal_payload"
)

// ActivityContext carries everything an executor needs for one activity
// execution. The instance is mutated in place (variable bag, output); the
// engine persists it after each step.
type ActivityContext struct {
	Definition *schema.WorkflowDefinition
	Instance   *schema.WorkflowInstanceState
	Activity   *schema.Activity
	Input      map[string]any

	Resolver expressions.Resolver
	Scripts  *expressions.Registry
	Handlers *HandlerRegistry
	Timers   store.TimerStore
	Launcher SubProcessLauncher
	Now      func() time.Time
}

// Env builds the resolver environment for the current step.
func (a *ActivityContext) Env() expressions.Env {
	return expressions.Env{Variables: a.Instance.Variables, Input: a.Input}
}

// Result is the outcome of one activity execution or resume.
type Result struct {
	Success      bool
	Error        *schema.ActivityError
	Suspend      bool
	BookmarkName string
	// NextActivityID is set when the activity itself picks its path
	// (gateways); otherwise the engine follows outgoing transitions.
	NextActivityID string
	// ParallelNextActivityIDs are successors fired as concurrent branches.
	ParallelNextActivityIDs []string
	Output                  map[string]any
}

// Completed returns a successful result with the given output.
func Completed(output map[string]any) *Result {
	return &Result{Success: true, Output: output}
}

// Failed returns an activity-level failure. It is captured as data and
// faults the instance; it never propagates as an engine error.
func Failed(activityID, code, message string) *Result {
	return &Result{Error: &schema.ActivityError{Code: code, Message: message, ActivityID: activityID}}
}

// Suspended returns a result that parks the instance on a bookmark.
func Suspended(bookmarkName string) *Result {
	return &Result{Success: true, Suspend: true, BookmarkName: bookmarkName}
}

// Executor is the execute/resume contract each activity variant implements.
// Returned errors are infrastructure failures (store unavailable); business
// failures travel inside Result.Error.
type Executor interface {
	Execute(ctx context.Context, actx *ActivityContext) (*Result, error)
	Resume(ctx context.Context, actx *ActivityContext, input map[string]any) (*Result, error)
}

// SubProcessLauncher starts nested workflows. Satisfied by the engine
// (declared here to avoid an import cycle).
type SubProcessLauncher interface {
	LaunchSubProcess(ctx context.Context, workflowID string, input map[string]any, parentInstanceID, parentBookmark string) (string, error)
}

// TaskHandler is a pluggable unit of work invoked by Task activities.
type TaskHandler func(ctx context.Context, input map[string]any) (map[string]any, error)

// ServiceInvoker dispatches ServiceTask calls for one service type.
type ServiceInvoker interface {
	Invoke(ctx context.Context, methodName string, input map[string]any) (map[string]any, error)
}

// HandlerRegistry resolves task handlers by name and service invokers by
// service type.
type HandlerRegistry struct {
	mu       sync.RWMutex
	tasks    map[string]TaskHandler
	services map[string]ServiceInvoker
}

// NewHandlerRegistry creates an empty HandlerRegistry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		tasks:    make(map[string]TaskHandler),
		services: make(map[string]ServiceInvoker),
	}
}

// RegisterTask registers a task handler under a name.
func (r *HandlerRegistry) RegisterTask(name string, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = h
}

// RegisterService registers a service invoker under a service type.
func (r *HandlerRegistry) RegisterService(serviceType string, inv ServiceInvoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[serviceType] = inv
}

// Task returns the handler registered under name.
func (r *HandlerRegistry) Task(name string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.tasks[name]
	return h, ok
}

// Service returns the invoker registered for serviceType.
func (r *HandlerRegistry) Service(serviceType string) (ServiceInvoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[serviceType]
	return s, ok
}

// Registry dispatches activity types to their executors. The set is closed:
// unknown types fail with UNSUPPORTED_ACTIVITY.
type Registry struct {
	executors map[schema.ActivityType]Executor
}

// NewRegistry creates a Registry with every built-in variant registered.
func NewRegistry() *Registry {
	return &Registry{executors: map[schema.ActivityType]Executor{
		schema.ActivityStart:            startExecutor{},
		schema.ActivityEnd:              endExecutor{},
		schema.ActivityTask:             taskExecutor{},
		schema.ActivityServiceTask:      serviceTaskExecutor{},
		schema.ActivityUserTask:         userTaskExecutor{},
		schema.ActivityScript:           scriptExecutor{},
		schema.ActivityTimer:            timerExecutor{},
		schema.ActivitySignalReceive:    signalReceiveExecutor{},
		schema.ActivitySignalThrow:      signalThrowExecutor{},
		schema.ActivityExclusiveGateway: exclusiveGatewayExecutor{},
		schema.ActivityParallelGateway:  parallelGatewayExecutor{},
		schema.ActivityInclusiveGateway: inclusiveGatewayExecutor{},
		schema.ActivitySubProcess:       subProcessExecutor{},
	}}
}

// Get returns the executor for an activity type.
func (r *Registry) Get(t schema.ActivityType) (Executor, error) {
	ex, ok := r.executors[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnsupportedActivity, "no executor for activity type %q", t)
	}
	return ex, nil
}

// notResumable is embedded by executors whose activities never suspend.
type notResumable struct{}

func (notResumable) Resume(_ context.Context, actx *ActivityContext, _ map[string]any) (*Result, error) {
	return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
		"activity type %q cannot be resumed", actx.Activity.Type)
}

// applyInputMappings resolves each mapping expression against the
// environment, producing the handler input.
func applyInputMappings(actx *ActivityContext, mappings map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(mappings))
	env := actx.Env()
	for key, expr := range mappings {
		v, err := expressions.ResolveValue(expr, env, actx.Resolver)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

// applyOutputMappings writes mapped values into the instance variable bag.
// The source map (handler output, user input, signal payload) is exposed to
// the expressions as input.*.
func applyOutputMappings(actx *ActivityContext, mappings map[string]string, source map[string]any) error {
	if len(mappings) == 0 {
		return nil
	}
	if actx.Instance.Variables == nil {
		actx.Instance.Variables = make(map[string]any)
	}
	env := expressions.Env{Variables: actx.Instance.Variables, Input: source}
	for key, expr := range mappings {
		v, err := expressions.ResolveValue(expr, env, actx.Resolver)
		if err != nil {
			return err
		}
		actx.Instance.Variables[key] = v
	}
	return nil
}
