package validation

import (
	"fmt"

	"github.com/rendis/procflow/pkg/schema"
)

// Finding codes emitted by the designer-graph validator.
const (
	CodeNoStartNode        = "NO_START_NODE"
	CodeMultipleStartNodes = "MULTIPLE_START_NODES"
	CodeMissingEndNode     = "MISSING_END_NODE"
	CodeDuplicateID        = "DUPLICATE_ID"
	CodeDanglingEdge       = "DANGLING_EDGE"
	CodeSelfLoop           = "SELF_LOOP"
	CodeUnreachableNode    = "UNREACHABLE_NODE"
	CodeDeadEndNode        = "DEAD_END_NODE"
	CodeGatewayNoPath      = "GATEWAY_NO_PATH"
	CodeMissingConfig      = "MISSING_CONFIG"
)

// ValidateGraph runs every structural check over a designer document and
// classifies each finding as Warning, Error or Critical. The graph is never
// mutated; callers decide what severity blocks a publish.
func ValidateGraph(doc *schema.DesignerDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	result.Merge(checkStartEnd(doc))
	result.Merge(checkIdentifiers(doc))
	result.Merge(checkEdges(doc))
	result.Merge(checkReachability(doc))
	result.Merge(checkGatewayPaths(doc))
	result.Merge(checkNodeConfigs(doc))
	return result
}

func isStartNode(n *schema.DesignerNode) bool {
	return n.IsStart || n.Type == string(schema.ActivityStart)
}

func isEndNode(n *schema.DesignerNode) bool {
	return n.IsEnd || n.Type == string(schema.ActivityEnd)
}

// checkStartEnd enforces exactly one start node and warns on a missing end.
func checkStartEnd(doc *schema.DesignerDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	starts := 0
	ends := 0
	for i := range doc.Nodes {
		if isStartNode(&doc.Nodes[i]) {
			starts++
		}
		if isEndNode(&doc.Nodes[i]) {
			ends++
		}
	}

	switch {
	case starts == 0:
		result.AddCritical("nodes", CodeNoStartNode, "workflow has no start node")
	case starts > 1:
		result.AddCritical("nodes", CodeMultipleStartNodes,
			fmt.Sprintf("workflow has %d start nodes, expected exactly one", starts))
	}
	if ends == 0 {
		result.AddWarning("nodes", CodeMissingEndNode, "workflow has no end node")
	}
	return result
}

// checkIdentifiers flags duplicate node and edge ids.
func checkIdentifiers(doc *schema.DesignerDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seenNodes := make(map[string]bool, len(doc.Nodes))
	for _, n := range doc.Nodes {
		if seenNodes[n.ID] {
			result.AddError(fmt.Sprintf("nodes[%s]", n.ID), CodeDuplicateID,
				fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seenNodes[n.ID] = true
	}

	seenEdges := make(map[string]bool, len(doc.Edges))
	for _, e := range doc.Edges {
		if seenEdges[e.ID] {
			result.AddError(fmt.Sprintf("edges[%s]", e.ID), CodeDuplicateID,
				fmt.Sprintf("duplicate edge id %q", e.ID))
		}
		seenEdges[e.ID] = true
	}
	return result
}

// checkEdges flags edges referencing missing nodes and warns on self-loops.
func checkEdges(doc *schema.DesignerDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(doc.Nodes))
	for _, n := range doc.Nodes {
		nodeIDs[n.ID] = true
	}

	for _, e := range doc.Edges {
		path := fmt.Sprintf("edges[%s]", e.ID)
		if !nodeIDs[e.Source] {
			result.AddError(path, CodeDanglingEdge,
				fmt.Sprintf("edge source %q does not exist", e.Source))
		}
		if !nodeIDs[e.Target] {
			result.AddError(path, CodeDanglingEdge,
				fmt.Sprintf("edge target %q does not exist", e.Target))
		}
		if e.Source == e.Target && e.Source != "" {
			result.AddWarning(path, CodeSelfLoop,
				fmt.Sprintf("edge loops node %q back to itself", e.Source))
		}
	}
	return result
}

// checkReachability runs BFS from the start node, warning on unreachable
// nodes and on non-end nodes with no outgoing edges.
func checkReachability(doc *schema.DesignerDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	var start string
	for i := range doc.Nodes {
		if isStartNode(&doc.Nodes[i]) {
			start = doc.Nodes[i].ID
			break
		}
	}
	if start == "" {
		return result // no start, reachability is meaningless
	}

	outgoing := make(map[string][]string, len(doc.Nodes))
	for _, e := range doc.Edges {
		outgoing[e.Source] = append(outgoing[e.Source], e.Target)
	}

	reachable := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range outgoing[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for i := range doc.Nodes {
		n := &doc.Nodes[i]
		path := fmt.Sprintf("nodes[%s]", n.ID)
		if !reachable[n.ID] {
			result.AddWarning(path, CodeUnreachableNode,
				fmt.Sprintf("node %q is unreachable from the start node", n.ID))
		}
		if len(outgoing[n.ID]) == 0 && !isEndNode(n) {
			result.AddWarning(path, CodeDeadEndNode,
				fmt.Sprintf("node %q has no outgoing edges and is not an end node", n.ID))
		}
	}
	return result
}

// checkGatewayPaths warns when an exclusive gateway splits without any
// routing information: multiple outgoing edges but no edge conditions, no
// gateway conditions and no default.
func checkGatewayPaths(doc *schema.DesignerDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	outgoing := make(map[string][]schema.DesignerEdge)
	for _, e := range doc.Edges {
		outgoing[e.Source] = append(outgoing[e.Source], e)
	}

	for i := range doc.Nodes {
		n := &doc.Nodes[i]
		if n.Type != string(schema.ActivityExclusiveGateway) {
			continue
		}
		edges := outgoing[n.ID]
		if len(edges) < 2 {
			continue
		}

		routed := false
		for _, e := range edges {
			if e.Condition != "" || e.IsDefault {
				routed = true
				break
			}
		}
		if !routed {
			if configConditionCount(n.Config) > 0 {
				routed = true
			}
			if dp, ok := n.Config["default_path"].(string); ok && dp != "" {
				routed = true
			}
		}
		if !routed {
			result.AddWarning(fmt.Sprintf("nodes[%s]", n.ID), CodeGatewayNoPath,
				fmt.Sprintf("exclusive gateway %q has %d outgoing edges but no conditions and no default", n.ID, len(edges)))
		}
	}
	return result
}

// configConditionCount counts routing conditions in a gateway node's config.
// The canonical shape is an ordered list of {target_activity_id, expression}
// objects; typed slices and the legacy target→expression map are accepted too.
func configConditionCount(config map[string]any) int {
	switch conds := config["conditions"].(type) {
	case []any:
		return len(conds)
	case []schema.GatewayCondition:
		return len(conds)
	case map[string]any:
		return len(conds)
	default:
		return 0
	}
}

// checkNodeConfigs enforces type-specific required config keys.
func checkNodeConfigs(doc *schema.DesignerDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	required := map[string][]string{
		string(schema.ActivityServiceTask):   {"service_type", "method_name"},
		string(schema.ActivitySubProcess):    {"workflow_id"},
		string(schema.ActivitySignalReceive): {"signal_name"},
		string(schema.ActivitySignalThrow):   {"signal_name"},
		string(schema.ActivityScript):        {"script"},
	}

	for i := range doc.Nodes {
		n := &doc.Nodes[i]
		keys, ok := required[n.Type]
		if !ok {
			continue
		}
		for _, key := range keys {
			if !hasConfigValue(n.Config, key) {
				result.AddError(fmt.Sprintf("nodes[%s]", n.ID), CodeMissingConfig,
					fmt.Sprintf("%s node %q is missing required config %q", n.Type, n.ID, key))
			}
		}
	}
	return result
}

func hasConfigValue(config map[string]any, key string) bool {
	v, ok := config[key]
	if !ok {
		return false
	}
	s, isString := v.(string)
	return !isString || s != ""
}
