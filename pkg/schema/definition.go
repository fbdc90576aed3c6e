package schema

// VariableScope declares where a variable lives.
type VariableScope string

const (
	ScopeWorkflow VariableScope = "workflow"
	ScopeActivity VariableScope = "activity"
)

// TriggerKind enumerates the ways a definition can be started externally.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerWebhook   TriggerKind = "webhook"
	TriggerEvent     TriggerKind = "event"
)

// WorkflowDefinition is the versioned, immutable description of a process
// graph. The graph is read-only after publish and safely shared by every
// instance executing it.
type WorkflowDefinition struct {
	ID              string                `json:"id"`
	Version         int                   `json:"version"`
	Name            string                `json:"name,omitempty"`
	Category        string                `json:"category,omitempty"`
	Tags            []string              `json:"tags,omitempty"`
	IsActive        bool                  `json:"is_active"`
	IsDraft         bool                  `json:"is_draft"`
	StartActivityID string                `json:"start_activity_id"`
	Activities      map[string]Activity   `json:"activities"`
	Transitions     []Transition          `json:"transitions"`
	InputParameters []ParameterDefinition `json:"input_parameters,omitempty"`
	OutputParams    []ParameterDefinition `json:"output_parameters,omitempty"`
	Variables       []VariableDefinition  `json:"variables,omitempty"`
	Triggers        []TriggerDefinition   `json:"triggers,omitempty"`
	ErrorHandlers   []ErrorHandler        `json:"error_handlers,omitempty"`
}

// Transition is a directed, optionally conditional edge between activities.
type Transition struct {
	ID        string `json:"id,omitempty"`
	SourceID  string `json:"source_id"`
	TargetID  string `json:"target_id"`
	Condition string `json:"condition,omitempty"`
	IsDefault bool   `json:"is_default,omitempty"`
	Priority  int    `json:"priority,omitempty"` // lower evaluates first
	Name      string `json:"name,omitempty"`
}

// ParameterDefinition declares an input or output parameter.
type ParameterDefinition struct {
	Name         string `json:"name"`
	Type         string `json:"type,omitempty"`
	Required     bool   `json:"required,omitempty"`
	DefaultValue any    `json:"default_value,omitempty"`
	Description  string `json:"description,omitempty"`
}

// VariableDefinition declares a workflow- or activity-scoped variable.
type VariableDefinition struct {
	Name         string        `json:"name"`
	Scope        VariableScope `json:"scope,omitempty"`
	DefaultValue any           `json:"default_value,omitempty"`
}

// TriggerDefinition declares an external start condition for a definition.
// Scheduled triggers require Cron, webhook triggers require Path, event
// triggers require EventName.
type TriggerDefinition struct {
	Kind      TriggerKind `json:"kind"`
	Enabled   bool        `json:"enabled"`
	Cron      string      `json:"cron,omitempty"`
	Path      string      `json:"path,omitempty"`
	EventName string      `json:"event_name,omitempty"`
}

// ErrorHandler routes matching activity faults to a handler activity.
type ErrorHandler struct {
	ErrorCodes        []string     `json:"error_codes"`
	HandlerActivityID string       `json:"handler_activity_id"`
	RetryPolicy       *RetryPolicy `json:"retry_policy,omitempty"`
	Compensate        bool         `json:"compensate,omitempty"`
	Terminate         bool         `json:"terminate,omitempty"`
}

// RetryPolicy bounds in-loop retries before a handler fires.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	Delay       string `json:"delay,omitempty"`   // e.g. "1s"
	Backoff     string `json:"backoff,omitempty"` // none | linear | exponential
}

// TransitionsFrom returns the outgoing transitions of an activity ordered by
// priority (lower first), preserving declaration order for equal priorities.
func (d *WorkflowDefinition) TransitionsFrom(activityID string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.SourceID == activityID {
			out = append(out, t)
		}
	}
	// Stable insertion sort; outgoing fan-out is small.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority < out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// TransitionsTo returns the incoming transitions of an activity.
func (d *WorkflowDefinition) TransitionsTo(activityID string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.TargetID == activityID {
			out = append(out, t)
		}
	}
	return out
}

// HandlerFor returns the first error handler matching the given code, or nil.
func (d *WorkflowDefinition) HandlerFor(code string) *ErrorHandler {
	for i := range d.ErrorHandlers {
		for _, c := range d.ErrorHandlers[i].ErrorCodes {
			if c == code || c == "*" {
				return &d.ErrorHandlers[i]
			}
		}
	}
	return nil
}
