package validation

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/rendis/procflow/pkg/schema"
)

// Finding codes emitted by the definition validator.
const (
	CodeMissingStartActivity = "MISSING_START_ACTIVITY"
	CodeDanglingTransition   = "DANGLING_TRANSITION"
	CodeInvalidTrigger       = "INVALID_TRIGGER"
	CodeInvalidHandler       = "INVALID_HANDLER"
)

var cronSpecParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateDefinition checks an executable definition before publish: the
// start activity and every transition endpoint must exist, triggers must
// carry their kind's required config, and error handlers must target real
// activities.
func ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.StartActivityID == "" {
		result.AddCritical("start_activity_id", CodeMissingStartActivity,
			"definition has no start activity")
	} else if _, ok := def.Activities[def.StartActivityID]; !ok {
		result.AddCritical("start_activity_id", CodeMissingStartActivity,
			fmt.Sprintf("start activity %q does not exist", def.StartActivityID))
	}

	for i, t := range def.Transitions {
		path := fmt.Sprintf("transitions[%d]", i)
		if _, ok := def.Activities[t.SourceID]; !ok {
			result.AddError(path, CodeDanglingTransition,
				fmt.Sprintf("transition source %q does not exist", t.SourceID))
		}
		if _, ok := def.Activities[t.TargetID]; !ok {
			result.AddError(path, CodeDanglingTransition,
				fmt.Sprintf("transition target %q does not exist", t.TargetID))
		}
	}

	for i, trg := range def.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		switch trg.Kind {
		case schema.TriggerScheduled:
			if trg.Cron == "" {
				result.AddError(path, CodeInvalidTrigger, "scheduled trigger requires a cron expression")
			} else if _, err := cronSpecParser.Parse(trg.Cron); err != nil {
				result.AddError(path, CodeInvalidTrigger,
					fmt.Sprintf("invalid cron expression %q: %s", trg.Cron, err.Error()))
			}
		case schema.TriggerWebhook:
			if trg.Path == "" {
				result.AddError(path, CodeInvalidTrigger, "webhook trigger requires a path")
			}
		case schema.TriggerEvent:
			if trg.EventName == "" {
				result.AddError(path, CodeInvalidTrigger, "event trigger requires an event name")
			}
		default:
			result.AddError(path, CodeInvalidTrigger,
				fmt.Sprintf("unknown trigger kind %q", trg.Kind))
		}
	}

	for i, h := range def.ErrorHandlers {
		path := fmt.Sprintf("error_handlers[%d]", i)
		if len(h.ErrorCodes) == 0 {
			result.AddError(path, CodeInvalidHandler, "error handler matches no error codes")
		}
		if h.HandlerActivityID != "" {
			if _, ok := def.Activities[h.HandlerActivityID]; !ok {
				result.AddError(path, CodeInvalidHandler,
					fmt.Sprintf("handler activity %q does not exist", h.HandlerActivityID))
			}
		}
	}

	return result
}
