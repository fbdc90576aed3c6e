package designer

import (
	"encoding/json"
	"sort"

	"github.com/rendis/procflow/pkg/schema"
)

// Config map accessors. Designer documents arrive as parsed JSON, so numbers
// may be float64 or json.Number and every value needs a type check before it
// crosses into the typed Activity variants.

func cfgString(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

func cfgBool(config map[string]any, key string) bool {
	b, _ := config[key].(bool)
	return b
}

func cfgInt(config map[string]any, key string) int {
	switch v := config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

func cfgStringMap(config map[string]any, key string) map[string]string {
	raw, ok := config[key].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func cfgStringSlice(config map[string]any, key string) []string {
	raw, ok := config[key].([]any)
	if !ok {
		if typed, ok := config[key].([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// cfgConditions decodes an ordered condition list of
// [{"target_activity_id": ..., "expression": ...}, ...].
func cfgConditions(config map[string]any, key string) []schema.GatewayCondition {
	raw, ok := config[key].([]any)
	if !ok {
		if typed, ok := config[key].([]schema.GatewayCondition); ok {
			return typed
		}
		return nil
	}

	out := make([]schema.GatewayCondition, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, schema.GatewayCondition{
			TargetActivityID: cfgString(m, "target_activity_id"),
			Expression:       cfgString(m, "expression"),
		})
	}
	return out
}

func setConfig(node *schema.DesignerNode, key string, value any) {
	if node.Config == nil {
		node.Config = make(map[string]any)
	}
	node.Config[key] = value
}

func encodeConditions(node *schema.DesignerNode, conditions []schema.GatewayCondition, defaultPath string) {
	if len(conditions) > 0 {
		raw := make([]any, 0, len(conditions))
		for _, c := range conditions {
			raw = append(raw, map[string]any{
				"target_activity_id": c.TargetActivityID,
				"expression":         c.Expression,
			})
		}
		setConfig(node, "conditions", raw)
	}
	if defaultPath != "" {
		setConfig(node, "default_path", defaultPath)
	}
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringSliceToAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// sortedActivityIDs gives Encode a deterministic node order.
func sortedActivityIDs(def *schema.WorkflowDefinition) []string {
	ids := make([]string, 0, len(def.Activities))
	for id := range def.Activities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
