package schema

// ActivityType enumerates the closed set of activity variants.
type ActivityType string

const (
	ActivityStart            ActivityType = "start"
	ActivityEnd              ActivityType = "end"
	ActivityTask             ActivityType = "task"
	ActivityServiceTask      ActivityType = "serviceTask"
	ActivityUserTask         ActivityType = "userTask"
	ActivityScript           ActivityType = "script"
	ActivityTimer            ActivityType = "timer"
	ActivitySignalReceive    ActivityType = "signalReceive"
	ActivitySignalThrow      ActivityType = "signalThrow"
	ActivityExclusiveGateway ActivityType = "exclusiveGateway"
	ActivityParallelGateway  ActivityType = "parallelGateway"
	ActivityInclusiveGateway ActivityType = "inclusiveGateway"
	ActivitySubProcess       ActivityType = "subProcess"
)

// GatewayDirection distinguishes a parallel gateway split from a join.
type GatewayDirection string

const (
	GatewaySplit GatewayDirection = "split"
	GatewayJoin  GatewayDirection = "join"
)

// Activity is one node in a workflow graph. Exactly one variant config field is
// non-nil, matching Type. Activities are owned by the definition that declares
// them and are read-only once the definition is published.
type Activity struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	Description string       `json:"description,omitempty"`
	Type        ActivityType `json:"type"`

	End              *EndConfig              `json:"end,omitempty"`
	Task             *TaskConfig             `json:"task,omitempty"`
	ServiceTask      *ServiceTaskConfig      `json:"service_task,omitempty"`
	UserTask         *UserTaskConfig         `json:"user_task,omitempty"`
	Script           *ScriptConfig           `json:"script,omitempty"`
	Timer            *TimerConfig            `json:"timer,omitempty"`
	SignalReceive    *SignalReceiveConfig    `json:"signal_receive,omitempty"`
	SignalThrow      *SignalThrowConfig      `json:"signal_throw,omitempty"`
	ExclusiveGateway *ExclusiveGatewayConfig `json:"exclusive_gateway,omitempty"`
	ParallelGateway  *ParallelGatewayConfig  `json:"parallel_gateway,omitempty"`
	InclusiveGateway *InclusiveGatewayConfig `json:"inclusive_gateway,omitempty"`
	SubProcess       *SubProcessConfig       `json:"sub_process,omitempty"`
}

// EndConfig terminates an instance, mapping final outputs.
type EndConfig struct {
	// FinalOutputMappings maps instance output key -> expression.
	FinalOutputMappings map[string]string `json:"final_output_mappings,omitempty"`
}

// TaskConfig invokes a named handler.
type TaskConfig struct {
	Handler        string            `json:"handler"`
	InputMappings  map[string]string `json:"input_mappings,omitempty"`
	OutputMappings map[string]string `json:"output_mappings,omitempty"`
}

// ServiceTaskConfig invokes a registered service method.
type ServiceTaskConfig struct {
	ServiceType        string            `json:"service_type"`
	MethodName         string            `json:"method_name"`
	CompensationMethod string            `json:"compensation_method,omitempty"`
	InputMappings      map[string]string `json:"input_mappings,omitempty"`
	OutputMappings     map[string]string `json:"output_mappings,omitempty"`
}

// UserTaskConfig suspends until a human completes the task.
type UserTaskConfig struct {
	Assignee       string            `json:"assignee,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	OutputMappings map[string]string `json:"output_mappings,omitempty"`
}

// ScriptConfig evaluates a script against instance variables.
type ScriptConfig struct {
	Language string `json:"language,omitempty"` // expression | cel | expr | jq (default: expression)
	Script   string `json:"script"`
	// ResultVariable receives the script result; empty means the result is a
	// map merged into the variable bag.
	ResultVariable string `json:"result_variable,omitempty"`
}

// TimerConfig computes a fire time from exactly one of its fields.
type TimerConfig struct {
	Duration     string `json:"duration,omitempty"`      // e.g. "30s", "5m"
	AbsoluteTime string `json:"absolute_time,omitempty"` // RFC3339
	Cron         string `json:"cron,omitempty"`          // standard 5-field cron
}

// SignalReceiveConfig suspends until the named signal arrives.
type SignalReceiveConfig struct {
	SignalName     string            `json:"signal_name"`
	OutputMappings map[string]string `json:"output_mappings,omitempty"`
}

// SignalThrowConfig raises a named signal with an optional payload expression.
type SignalThrowConfig struct {
	SignalName        string `json:"signal_name"`
	PayloadExpression string `json:"payload_expression,omitempty"`
}

// GatewayCondition is one ordered routing condition of a gateway.
type GatewayCondition struct {
	TargetActivityID string `json:"target_activity_id"`
	Expression       string `json:"expression"`
}

// ExclusiveGatewayConfig routes to the first matching condition.
type ExclusiveGatewayConfig struct {
	// Conditions are evaluated in declaration order; the first true wins.
	Conditions  []GatewayCondition `json:"conditions,omitempty"`
	DefaultPath string             `json:"default_path,omitempty"`
}

// ParallelGatewayConfig forks all paths (split) or synchronizes them (join).
type ParallelGatewayConfig struct {
	Direction     GatewayDirection `json:"direction"`
	OutgoingPaths []string         `json:"outgoing_paths,omitempty"`
}

// InclusiveGatewayConfig forks every matching path.
type InclusiveGatewayConfig struct {
	Conditions  []GatewayCondition `json:"conditions,omitempty"`
	DefaultPath string             `json:"default_path,omitempty"`
}

// SubProcessConfig runs a nested workflow.
type SubProcessConfig struct {
	WorkflowID        string            `json:"workflow_id"`
	WaitForCompletion bool              `json:"wait_for_completion"`
	InputMappings     map[string]string `json:"input_mappings,omitempty"`
	OutputMappings    map[string]string `json:"output_mappings,omitempty"`
}
