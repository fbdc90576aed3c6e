package designer

import (
	"fmt"

	"github.com/rendis/procflow/pkg/schema"
)

// nodeCodec is one bidirectional mapping between a designer node type tag and
// an Activity variant. Adding an activity type means registering one pair
// here; nothing is derived by reflection.
type nodeCodec struct {
	decode func(node *schema.DesignerNode, act *schema.Activity) error
	encode func(act *schema.Activity, node *schema.DesignerNode)
}

var nodeCodecs = map[schema.ActivityType]nodeCodec{
	schema.ActivityStart: {
		decode: func(node *schema.DesignerNode, act *schema.Activity) error { return nil },
		encode: func(act *schema.Activity, node *schema.DesignerNode) { node.IsStart = true },
	},
	schema.ActivityEnd: {
		decode: func(node *schema.DesignerNode, act *schema.Activity) error {
			act.End = &schema.EndConfig{
				FinalOutputMappings: cfgStringMap(node.Config, "final_output_mappings"),
			}
			return nil
		},
		encode: func(act *schema.Activity, node *schema.DesignerNode) {
			node.IsEnd = true
			if act.End != nil && len(act.End.FinalOutputMappings) > 0 {
				setConfig(node, "final_output_mappings", stringMapToAny(act.End.FinalOutputMappings))
			}
		},
	},
	schema.ActivityTask: {
		decode: func(node *schema.DesignerNode, act *schema.Activity) error {
			handler := cfgString(node.Config, "handler")
			if handler == "" {
				return decodeErr(node, "task node requires config %q", "handler")
			}
			act.Task = &schema.TaskConfig{
				Handler:        handler,
				InputMappings:  node.InputMappings,
				OutputMappings: node.OutputMappings,
			}
			return nil
		},
		encode: func(act *schema.Activity, node *schema.DesignerNode) {
			if act.Task == nil {
				return
			}
			setConfig(node, "handler", act.Task.Handler)
			node.InputMappings = act.Task.InputMappings
			node.OutputMappings = act.Task.OutputMappings
		},
	},
	schema.ActivityServiceTask: {
		decode: func(node *schema.DesignerNode, act *schema.Activity) error {
			serviceType := cfgString(node.Config, "service_type")
			methodName := cfgString(node.Config, "method_name")
			if serviceType == "" || methodName == "" {
				return decodeErr(node, "service task node requires config %q and %q", "service_type", "method_name")
			}
			act.ServiceTask = &schema.ServiceTaskConfig{
				ServiceType:        serviceType,
				MethodName:         methodName,
				CompensationMethod: cfgString(node.Config, "compensation_method"),
				InputMappings:      node.InputMappings,
				OutputMappings:     node.OutputMappings,
			}
			return nil
		},
		encode: func(act *schema.Activity, node *schema.DesignerNode) {
			if act.ServiceTask == nil {
				return
			}
			setConfig(node, "service_type", act.ServiceTask.ServiceType)
			setConfig(node, "method_name", act.ServiceTask.MethodName)
			if act.ServiceTask.CompensationMethod != "" {
				setConfig(node, "compensation_method", act.ServiceTask.CompensationMethod)
			}
			node.InputMappings = act.ServiceTask.InputMappings
			node.OutputMappings = act.ServiceTask.OutputMappings
		},
	},
	schema.ActivityUserTask: {
		decode: func(node *schema.DesignerNode, act *schema.Activity) error {
			act.UserTask = &schema.UserTaskConfig{
				Assignee:       cfgString(node.Config, "assignee"),
				Priority:       cfgInt(node.Config, "priority"),
				OutputMappings: node.OutputMappings,
			}
			return nil
		},
		encode: func(act *schema.Activity, node *schema.DesignerNode) {
			if act.UserTask == nil {
				return
			}
			if act.UserTask.Assignee != "" {
				setConfig(node, "assignee", act.UserTask.Assignee)
			}
			if act.UserTask.Priority != 0 {
				setConfig(node, "priority", act.UserTask.Priority)
			}
			node.OutputMappings = act.UserTask.OutputMappings
		},
	},
	schema.ActivityScript: {
		decode: func(node *schema.DesignerNode, act *schema.Activity) error {
			script := cfgString(node.Config, "script")
			if script == "" {
				return decodeErr(node, "script node requires config %q", "script")
			}
			act.Script = &schema.ScriptConfig{
				Language:       cfgString(node.Config, "language"),
				Script:         script,
				ResultVariable: cfgString(node.Config, "result_variable"),
			}
			return nil
		},
		encode: func(act *schema.Activity, node *schema.DesignerNode) {
			if act.Script == nil {
				return
			}
			setConfig(node, "script", act.Script.Script)
			if act.Script.Language != "" {
				setConfig(node, "language", act.Script.Language)
			}
			if act.Script.ResultVariable != "" {
				setConfig(node, "result_variable", act.Script.ResultVariable)
			}
		},
	},
	schema.ActivityTimer: {
		decode: func(node *schema.DesignerNode, act *schema.Activity) error {
			cfg := &schema.TimerConfig{
				Duration:     cfgString(node.Config, "duration"),
				AbsoluteTime: cfgString(node.Config, "absolute_time"),
				Cron:         cfgString(node.Config, "cron"),
			}
			if cfg.Duration == "" && cfg.AbsoluteTime == "" && cfg.Cron == "" {
				return decodeErr(node, "timer node requires one of %q, %q or %q", "duration", "absolute_time", "cron")
			}
			act.Timer = cfg
			return nil
		},
		encode: func(act *schema.Activity, node *schema.DesignerNode) {
			if act.Timer == nil {
				return
			}
			if act.Timer.Duration != "" {
				setConfig(node, "duration", act.Timer.Duration)
			}
			if act.Timer.AbsoluteTime != "" {
				setConfig(node, "absolute_time", act.Timer.AbsoluteTime)
			}
			if act.Timer.Cron != "" {
				setConfig(node, "cron", act.Timer.Cron)
			}
		},
	},
	schema.ActivitySignalReceive: {
		decode: func(node *schema.DesignerNode, act *schema.Activity) error {
			name := cfgString(node.Config, "signal_name")
			if name == "" {
				return decodeErr(node, "signal receive node requires config %q", "signal_name")
			}
			act.SignalReceive = &schema.SignalReceiveConfig{
				SignalName:     name,
				OutputMappings: node.OutputMappings,
			}
			return nil
		},
		encode: func(act *schema.Activity, node *schema.DesignerNode) {
			if act.SignalReceive == nil {
				return
			}
			setConfig(node, "signal_name", act.SignalReceive.SignalName)
			node.OutputMappings = act.SignalReceive.OutputMappings
		},
	},
	schema.ActivitySignalThrow: {
		decode: func(node *schema.DesignerNode, act *schema.Activity) error {
			name := cfgString(node.Config, "signal_name")
			if name == "" {
				return decodeErr(node, "signal throw node requires config %q", "signal_name")
			}
			act.SignalThrow = &schema.SignalThrowConfig{
				SignalName:        name,
				PayloadExpression: cfgString(node.Config, "payload_expression"),
			}
			return nil
		},
		encode: func(act *schema.Activity, node *schema.DesignerNode) {
			if act.SignalThrow == nil {
				return
			}
			setConfig(node, "signal_name", act.SignalThrow.SignalName)
			if act.SignalThrow.PayloadExpression != "" {
				setConfig(node, "payload_expression", act.SignalThrow.PayloadExpression)
			}
		},
	},
	schema.ActivityExclusiveGateway: {
		decode: func(node *schema.DesignerNode, act *schema.Activity) error {
			act.ExclusiveGateway = &schema.ExclusiveGatewayConfig{
				Conditions:  cfgConditions(node.Config, "conditions"),
				DefaultPath: cfgString(node.Config, "default_path"),
			}
			return nil
		},
		encode: func(act *schema.Activity, node *schema.DesignerNode) {
			if act.ExclusiveGateway == nil {
				return
			}
			encodeConditions(node, act.ExclusiveGateway.Conditions, act.ExclusiveGateway.DefaultPath)
		},
	},
	schema.ActivityParallelGateway: {
		decode: func(node *schema.DesignerNode, act *schema.Activity) error {
			direction := schema.GatewayDirection(cfgString(node.Config, "direction"))
			if direction == "" {
				direction = schema.GatewaySplit
			}
			if direction != schema.GatewaySplit && direction != schema.GatewayJoin {
				return decodeErr(node, "parallel gateway direction must be %q or %q", string(schema.GatewaySplit), string(schema.GatewayJoin))
			}
			act.ParallelGateway = &schema.ParallelGatewayConfig{
				Direction:     direction,
				OutgoingPaths: cfgStringSlice(node.Config, "outgoing_paths"),
			}
			return nil
		},
		encode: func(act *schema.Activity, node *schema.DesignerNode) {
			if act.ParallelGateway == nil {
				return
			}
			setConfig(node, "direction", string(act.ParallelGateway.Direction))
			if len(act.ParallelGateway.OutgoingPaths) > 0 {
				setConfig(node, "outgoing_paths", stringSliceToAny(act.ParallelGateway.OutgoingPaths))
			}
		},
	},
	schema.ActivityInclusiveGateway: {
		decode: func(node *schema.DesignerNode, act *schema.Activity) error {
			act.InclusiveGateway = &schema.InclusiveGatewayConfig{
				Conditions:  cfgConditions(node.Config, "conditions"),
				DefaultPath: cfgString(node.Config, "default_path"),
			}
			return nil
		},
		encode: func(act *schema.Activity, node *schema.DesignerNode) {
			if act.InclusiveGateway == nil {
				return
			}
			encodeConditions(node, act.InclusiveGateway.Conditions, act.InclusiveGateway.DefaultPath)
		},
	},
	schema.ActivitySubProcess: {
		decode: func(node *schema.DesignerNode, act *schema.Activity) error {
			workflowID := cfgString(node.Config, "workflow_id")
			if workflowID == "" {
				return decodeErr(node, "sub-process node requires config %q", "workflow_id")
			}
			act.SubProcess = &schema.SubProcessConfig{
				WorkflowID:        workflowID,
				WaitForCompletion: cfgBool(node.Config, "wait_for_completion"),
				InputMappings:     node.InputMappings,
				OutputMappings:    node.OutputMappings,
			}
			return nil
		},
		encode: func(act *schema.Activity, node *schema.DesignerNode) {
			if act.SubProcess == nil {
				return
			}
			setConfig(node, "workflow_id", act.SubProcess.WorkflowID)
			setConfig(node, "wait_for_completion", act.SubProcess.WaitForCompletion)
			node.InputMappings = act.SubProcess.InputMappings
			node.OutputMappings = act.SubProcess.OutputMappings
		},
	},
}

// Decode converts a designer document into an executable definition: node
// type tags become typed Activity variants and edges become Transitions. The
// document should already have passed graph validation; decode still rejects
// unknown type tags and missing required config.
func Decode(doc *schema.DesignerDocument) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{
		ID:         doc.WorkflowID,
		Name:       doc.Name,
		Category:   doc.Category,
		Activities: make(map[string]schema.Activity, len(doc.Nodes)),
	}

	for i := range doc.Nodes {
		node := &doc.Nodes[i]
		typeTag := nodeType(node)

		codec, ok := nodeCodecs[typeTag]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"node %q has unknown type %q", node.ID, node.Type)
		}

		act := schema.Activity{
			ID:          node.ID,
			Name:        node.Name,
			Description: node.Description,
			Type:        typeTag,
		}
		if err := codec.decode(node, &act); err != nil {
			return nil, err
		}
		def.Activities[node.ID] = act

		if typeTag == schema.ActivityStart {
			def.StartActivityID = node.ID
		}
	}

	for _, edge := range doc.Edges {
		def.Transitions = append(def.Transitions, schema.Transition{
			ID:        edge.ID,
			SourceID:  edge.Source,
			TargetID:  edge.Target,
			Name:      edge.Label,
			Condition: edge.Condition,
			IsDefault: edge.IsDefault,
			Priority:  edge.Priority,
		})
	}

	return def, nil
}

// Encode converts an executable definition back into the designer document
// shape, the inverse of Decode.
func Encode(def *schema.WorkflowDefinition) (*schema.DesignerDocument, error) {
	doc := &schema.DesignerDocument{
		WorkflowID: def.ID,
		Name:       def.Name,
		Category:   def.Category,
	}

	for _, id := range sortedActivityIDs(def) {
		act := def.Activities[id]
		codec, ok := nodeCodecs[act.Type]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"activity %q has unknown type %q", act.ID, act.Type)
		}

		node := schema.DesignerNode{
			ID:          act.ID,
			Type:        string(act.Type),
			Name:        act.Name,
			Description: act.Description,
		}
		codec.encode(&act, &node)
		doc.Nodes = append(doc.Nodes, node)
	}

	for i, t := range def.Transitions {
		edgeID := t.ID
		if edgeID == "" {
			edgeID = fmt.Sprintf("edge-%d", i+1)
		}
		doc.Edges = append(doc.Edges, schema.DesignerEdge{
			ID:        edgeID,
			Source:    t.SourceID,
			Target:    t.TargetID,
			Label:     t.Name,
			Condition: t.Condition,
			IsDefault: t.IsDefault,
			Priority:  t.Priority,
		})
	}

	return doc, nil
}

func nodeType(node *schema.DesignerNode) schema.ActivityType {
	switch {
	case node.Type != "":
		return schema.ActivityType(node.Type)
	case node.IsStart:
		return schema.ActivityStart
	case node.IsEnd:
		return schema.ActivityEnd
	default:
		return ""
	}
}

func decodeErr(node *schema.DesignerNode, format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"node %q: %s", node.ID, fmt.Sprintf(format, args...))
}
