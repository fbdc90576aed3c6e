package activities

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/pkg/schema"
)

// BookmarkName builds the conventional bookmark name for a suspension point.
func BookmarkName(t schema.ActivityType, activityID string) string {
	return string(t) + "_" + activityID
}

// SignalBookmarkName builds the bookmark name an instance waits on for a
// named signal.
func SignalBookmarkName(signalName string) string {
	return "signal_" + signalName
}

// userTaskExecutor always suspends; a human completes the task via Resume.
type userTaskExecutor struct{}

func (userTaskExecutor) Execute(_ context.Context, actx *ActivityContext) (*Result, error) {
	return Suspended(BookmarkName(schema.ActivityUserTask, actx.Activity.ID)), nil
}

func (userTaskExecutor) Resume(_ context.Context, actx *ActivityContext, input map[string]any) (*Result, error) {
	cfg := actx.Activity.UserTask
	if cfg != nil {
		if err := applyOutputMappings(actx, cfg.OutputMappings, input); err != nil {
			return Failed(actx.Activity.ID, schema.ErrCodeExecution, err.Error()), nil
		}
	}
	return Completed(input), nil
}

// cronParser accepts the standard 5-field cron syntax.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// timerExecutor computes a fire time, schedules a timer record and suspends.
// The dispatch loop resumes the instance once the timer is due.
type timerExecutor struct{}

func (timerExecutor) Execute(ctx context.Context, actx *ActivityContext) (*Result, error) {
	cfg := actx.Activity.Timer
	if cfg == nil {
		return Failed(actx.Activity.ID, schema.ErrCodeValidation, "timer activity has no config"), nil
	}

	now := actx.Now()
	var fireAt time.Time
	switch {
	case cfg.Duration != "":
		d, err := time.ParseDuration(cfg.Duration)
		if err != nil {
			return Failed(actx.Activity.ID, schema.ErrCodeValidation, "invalid timer duration: "+err.Error()), nil
		}
		fireAt = now.Add(d)
	case cfg.AbsoluteTime != "":
		t, err := time.Parse(time.RFC3339, cfg.AbsoluteTime)
		if err != nil {
			return Failed(actx.Activity.ID, schema.ErrCodeValidation, "invalid timer absolute time: "+err.Error()), nil
		}
		fireAt = t
	case cfg.Cron != "":
		sched, err := cronParser.Parse(cfg.Cron)
		if err != nil {
			return Failed(actx.Activity.ID, schema.ErrCodeValidation, "invalid timer cron: "+err.Error()), nil
		}
		fireAt = sched.Next(now)
	default:
		return Failed(actx.Activity.ID, schema.ErrCodeValidation, "timer requires duration, absolute time or cron"), nil
	}

	bookmark := BookmarkName(schema.ActivityTimer, actx.Activity.ID)
	timer := &schema.WorkflowTimer{
		ID:           uuid.NewString(),
		InstanceID:   actx.Instance.ID,
		BookmarkName: bookmark,
		FireAt:       fireAt,
	}
	if err := actx.Timers.ScheduleTimer(ctx, timer); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "schedule timer: %s", err.Error()).WithCause(err)
	}
	return Suspended(bookmark), nil
}

// Resume is a no-op success: the instance simply continues.
func (timerExecutor) Resume(_ context.Context, _ *ActivityContext, _ map[string]any) (*Result, error) {
	return Completed(nil), nil
}

// signalReceiveExecutor suspends until the named signal arrives.
type signalReceiveExecutor struct{}

func (signalReceiveExecutor) Execute(_ context.Context, actx *ActivityContext) (*Result, error) {
	cfg := actx.Activity.SignalReceive
	if cfg == nil || cfg.SignalName == "" {
		return Failed(actx.Activity.ID, schema.ErrCodeValidation, "signal receive requires a signal name"), nil
	}
	return Suspended(SignalBookmarkName(cfg.SignalName)), nil
}

func (signalReceiveExecutor) Resume(_ context.Context, actx *ActivityContext, input map[string]any) (*Result, error) {
	cfg := actx.Activity.SignalReceive
	if cfg != nil {
		if err := applyOutputMappings(actx, cfg.OutputMappings, input); err != nil {
			return Failed(actx.Activity.ID, schema.ErrCodeExecution, err.Error()), nil
		}
	}
	return Completed(input), nil
}

// signalThrowExecutor evaluates the optional payload expression and completes
// immediately, recording the signal in its output. Fan-out to instances
// bookmarked on the signal is the engine's job.
type signalThrowExecutor struct{ notResumable }

func (signalThrowExecutor) Execute(_ context.Context, actx *ActivityContext) (*Result, error) {
	cfg := actx.Activity.SignalThrow
	if cfg == nil || cfg.SignalName == "" {
		return Failed(actx.Activity.ID, schema.ErrCodeValidation, "signal throw requires a signal name"), nil
	}

	var payload any
	if cfg.PayloadExpression != "" {
		v, err := expressions.ResolveValue(cfg.PayloadExpression, actx.Env(), actx.Resolver)
		if err != nil {
			return Failed(actx.Activity.ID, schema.ErrCodeExecution, err.Error()), nil
		}
		payload = v
	}

	return Completed(map[string]any{
		OutputSignalName:    cfg.SignalName,
		OutputSignalPayload: payload,
	}), nil
}
