package activities

import (
	"context"
	"errors"

	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/pkg/schema"
)

// startExecutor begins an instance. Always succeeds with no output.
type startExecutor struct{ notResumable }

func (startExecutor) Execute(_ context.Context, _ *ActivityContext) (*Result, error) {
	return Completed(nil), nil
}

// endExecutor applies final output mappings and marks completion. The engine
// transitions the instance to completed when the branch frontier drains.
type endExecutor struct{ notResumable }

func (endExecutor) Execute(_ context.Context, actx *ActivityContext) (*Result, error) {
	cfg := actx.Activity.End
	if cfg == nil || len(cfg.FinalOutputMappings) == 0 {
		return Completed(nil), nil
	}

	if actx.Instance.Output == nil {
		actx.Instance.Output = make(map[string]any, len(cfg.FinalOutputMappings))
	}
	env := actx.Env()
	for key, expr := range cfg.FinalOutputMappings {
		v, err := expressions.ResolveValue(expr, env, actx.Resolver)
		if err != nil {
			return Failed(actx.Activity.ID, schema.ErrCodeExecution, err.Error()), nil
		}
		actx.Instance.Output[key] = v
	}
	return Completed(nil), nil
}

// taskExecutor invokes a named pluggable handler. Handler failures surface
// as activity-level errors, not engine crashes.
type taskExecutor struct{ notResumable }

func (taskExecutor) Execute(ctx context.Context, actx *ActivityContext) (*Result, error) {
	cfg := actx.Activity.Task
	if cfg == nil {
		return Failed(actx.Activity.ID, schema.ErrCodeValidation, "task activity has no config"), nil
	}

	handler, ok := actx.Handlers.Task(cfg.Handler)
	if !ok {
		return Failed(actx.Activity.ID, schema.ErrCodeExecution, "no handler registered: "+cfg.Handler), nil
	}

	input, err := applyInputMappings(actx, cfg.InputMappings)
	if err != nil {
		return Failed(actx.Activity.ID, schema.ErrCodeExecution, err.Error()), nil
	}

	output, err := handler(ctx, input)
	if err != nil {
		return Failed(actx.Activity.ID, faultCode(err), err.Error()), nil
	}

	if err := applyOutputMappings(actx, cfg.OutputMappings, output); err != nil {
		return Failed(actx.Activity.ID, schema.ErrCodeExecution, err.Error()), nil
	}
	return Completed(output), nil
}

// serviceTaskExecutor invokes a registered service method.
type serviceTaskExecutor struct{ notResumable }

func (serviceTaskExecutor) Execute(ctx context.Context, actx *ActivityContext) (*Result, error) {
	cfg := actx.Activity.ServiceTask
	if cfg == nil {
		return Failed(actx.Activity.ID, schema.ErrCodeValidation, "service task activity has no config"), nil
	}

	svc, ok := actx.Handlers.Service(cfg.ServiceType)
	if !ok {
		return Failed(actx.Activity.ID, schema.ErrCodeExecution, "no service registered: "+cfg.ServiceType), nil
	}

	input, err := applyInputMappings(actx, cfg.InputMappings)
	if err != nil {
		return Failed(actx.Activity.ID, schema.ErrCodeExecution, err.Error()), nil
	}

	output, err := svc.Invoke(ctx, cfg.MethodName, input)
	if err != nil {
		return Failed(actx.Activity.ID, faultCode(err), err.Error()), nil
	}

	if err := applyOutputMappings(actx, cfg.OutputMappings, output); err != nil {
		return Failed(actx.Activity.ID, schema.ErrCodeExecution, err.Error()), nil
	}
	return Completed(output), nil
}

// scriptExecutor evaluates a script against the variable bag and assigns the
// result back into it. The language tag selects the evaluator; the default
// dialect shares the gateway condition resolver contract.
type scriptExecutor struct{ notResumable }

func (scriptExecutor) Execute(ctx context.Context, actx *ActivityContext) (*Result, error) {
	cfg := actx.Activity.Script
	if cfg == nil || cfg.Script == "" {
		return Failed(actx.Activity.ID, schema.ErrCodeValidation, "script activity has no script"), nil
	}

	engine, err := actx.Scripts.Get(cfg.Language)
	if err != nil {
		return Failed(actx.Activity.ID, schema.ErrCodeValidation, err.Error()), nil
	}

	data := map[string]any{
		"vars":  actx.Instance.Variables,
		"input": actx.Input,
		"instance": map[string]any{
			"id":             actx.Instance.ID,
			"workflow_id":    actx.Instance.WorkflowID,
			"correlation_id": actx.Instance.CorrelationID,
		},
	}

	result, err := engine.Evaluate(ctx, cfg.Script, data)
	if err != nil {
		return Failed(actx.Activity.ID, faultCode(err), err.Error()), nil
	}

	if actx.Instance.Variables == nil {
		actx.Instance.Variables = make(map[string]any)
	}
	switch {
	case cfg.ResultVariable != "":
		actx.Instance.Variables[cfg.ResultVariable] = result
	default:
		if m, ok := result.(map[string]any); ok {
			for k, v := range m {
				actx.Instance.Variables[k] = v
			}
		} else if result != nil {
			actx.Instance.Variables["result"] = result
		}
	}
	return Completed(map[string]any{"result": result}), nil
}

// faultCode extracts the FlowError code from err, defaulting to EXECUTION_ERROR.
func faultCode(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return schema.ErrCodeExecution
}
