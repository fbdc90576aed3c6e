package designer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/pkg/schema"
)

func multiTypeDocument() *schema.DesignerDocument {
	return &schema.DesignerDocument{
		WorkflowID: "wf-order",
		Name:       "order processing",
		Category:   "sales",
		Nodes: []schema.DesignerNode{
			{ID: "start", Type: "start"},
			{ID: "charge", Type: "serviceTask", Config: map[string]any{
				"service_type":        "billing",
				"method_name":         "capture",
				"compensation_method": "refund",
			}, InputMappings: map[string]string{"amount": "var.amount"}},
			{ID: "route", Type: "exclusiveGateway", Config: map[string]any{
				"conditions": []any{
					map[string]any{"target_activity_id": "approve", "expression": "var.amount >= 1000"},
				},
				"default_path": "wait",
			}},
			{ID: "approve", Type: "userTask", Config: map[string]any{
				"assignee": "finance",
				"priority": float64(2),
			}, OutputMappings: map[string]string{"approved": "input.approved"}},
			{ID: "wait", Type: "timer", Config: map[string]any{"duration": "5m"}},
			{ID: "sub", Type: "subProcess", Config: map[string]any{
				"workflow_id":         "wf-fulfilment",
				"wait_for_completion": true,
			}},
			{ID: "end", Type: "end", Config: map[string]any{
				"final_output_mappings": map[string]any{"status": "'done'"},
			}},
		},
		Edges: []schema.DesignerEdge{
			{ID: "e1", Source: "start", Target: "charge"},
			{ID: "e2", Source: "charge", Target: "route"},
			{ID: "e3", Source: "route", Target: "approve", Label: "high value"},
			{ID: "e4", Source: "route", Target: "wait"},
			{ID: "e5", Source: "approve", Target: "sub"},
			{ID: "e6", Source: "wait", Target: "sub"},
			{ID: "e7", Source: "sub", Target: "end"},
		},
	}
}

// --- Decode ---

func TestDecode_MultiTypeDocument(t *testing.T) {
	def, err := Decode(multiTypeDocument())
	require.NoError(t, err)

	assert.Equal(t, "wf-order", def.ID)
	assert.Equal(t, "start", def.StartActivityID)
	require.Len(t, def.Activities, 7)
	require.Len(t, def.Transitions, 7)

	charge := def.Activities["charge"]
	require.NotNil(t, charge.ServiceTask)
	assert.Equal(t, "billing", charge.ServiceTask.ServiceType)
	assert.Equal(t, "capture", charge.ServiceTask.MethodName)
	assert.Equal(t, "refund", charge.ServiceTask.CompensationMethod)
	assert.Equal(t, "var.amount", charge.ServiceTask.InputMappings["amount"])

	route := def.Activities["route"]
	require.NotNil(t, route.ExclusiveGateway)
	require.Len(t, route.ExclusiveGateway.Conditions, 1)
	assert.Equal(t, "approve", route.ExclusiveGateway.Conditions[0].TargetActivityID)
	assert.Equal(t, "wait", route.ExclusiveGateway.DefaultPath)

	approve := def.Activities["approve"]
	require.NotNil(t, approve.UserTask)
	assert.Equal(t, "finance", approve.UserTask.Assignee)
	assert.Equal(t, 2, approve.UserTask.Priority)

	sub := def.Activities["sub"]
	require.NotNil(t, sub.SubProcess)
	assert.True(t, sub.SubProcess.WaitForCompletion)

	end := def.Activities["end"]
	require.NotNil(t, end.End)
	assert.Equal(t, "'done'", end.End.FinalOutputMappings["status"])

	// Edge identity and metadata survive the conversion.
	assert.Equal(t, "e3", def.Transitions[2].ID)
	assert.Equal(t, "high value", def.Transitions[2].Name)
}

func TestDecode_UnknownNodeType(t *testing.T) {
	doc := &schema.DesignerDocument{
		Nodes: []schema.DesignerNode{{ID: "x", Type: "teleport"}},
	}
	_, err := Decode(doc)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestDecode_FlagsInferTypeWhenTagMissing(t *testing.T) {
	doc := &schema.DesignerDocument{
		WorkflowID: "wf",
		Nodes: []schema.DesignerNode{
			{ID: "s", IsStart: true},
			{ID: "e", IsEnd: true},
		},
		Edges: []schema.DesignerEdge{{ID: "e1", Source: "s", Target: "e"}},
	}
	def, err := Decode(doc)
	require.NoError(t, err)
	assert.Equal(t, schema.ActivityStart, def.Activities["s"].Type)
	assert.Equal(t, schema.ActivityEnd, def.Activities["e"].Type)
	assert.Equal(t, "s", def.StartActivityID)
}

func TestDecode_MissingRequiredConfig(t *testing.T) {
	cases := []schema.DesignerNode{
		{ID: "t", Type: "task"},
		{ID: "svc", Type: "serviceTask", Config: map[string]any{"service_type": "billing"}},
		{ID: "sc", Type: "script"},
		{ID: "tm", Type: "timer", Config: map[string]any{}},
		{ID: "sr", Type: "signalReceive"},
		{ID: "st", Type: "signalThrow"},
		{ID: "sp", Type: "subProcess"},
		{ID: "pg", Type: "parallelGateway", Config: map[string]any{"direction": "sideways"}},
	}
	for _, node := range cases {
		_, err := Decode(&schema.DesignerDocument{Nodes: []schema.DesignerNode{node}})
		require.Error(t, err, "node type %s", node.Type)
		var fe *schema.FlowError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	}
}

func TestDecode_ParallelGatewayDefaultsToSplit(t *testing.T) {
	doc := &schema.DesignerDocument{
		Nodes: []schema.DesignerNode{{ID: "fork", Type: "parallelGateway"}},
	}
	def, err := Decode(doc)
	require.NoError(t, err)
	require.NotNil(t, def.Activities["fork"].ParallelGateway)
	assert.Equal(t, schema.GatewaySplit, def.Activities["fork"].ParallelGateway.Direction)
}

// --- Round trip ---

func TestRoundTrip_DecodeEncodeDecode(t *testing.T) {
	original, err := Decode(multiTypeDocument())
	require.NoError(t, err)

	doc, err := Encode(original)
	require.NoError(t, err)

	again, err := Decode(doc)
	require.NoError(t, err)

	assert.Equal(t, original.ID, again.ID)
	assert.Equal(t, original.StartActivityID, again.StartActivityID)
	assert.Equal(t, original.Activities, again.Activities)
	assert.ElementsMatch(t, original.Transitions, again.Transitions)
}

func TestEncode_GeneratesEdgeIDsWhenMissing(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID: "wf",
		Activities: map[string]schema.Activity{
			"a": {ID: "a", Type: schema.ActivityStart},
			"b": {ID: "b", Type: schema.ActivityEnd},
		},
		StartActivityID: "a",
		Transitions:     []schema.Transition{{SourceID: "a", TargetID: "b"}},
	}
	doc, err := Encode(def)
	require.NoError(t, err)
	require.Len(t, doc.Edges, 1)
	assert.Equal(t, "edge-1", doc.Edges[0].ID)
}

func TestEncode_UnknownActivityType(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID:         "wf",
		Activities: map[string]schema.Activity{"x": {ID: "x", Type: "teleport"}},
	}
	_, err := Encode(def)
	require.Error(t, err)
}

func TestEncode_DeterministicNodeOrder(t *testing.T) {
	def, err := Decode(multiTypeDocument())
	require.NoError(t, err)

	first, err := Encode(def)
	require.NoError(t, err)
	second, err := Encode(def)
	require.NoError(t, err)

	require.Equal(t, len(first.Nodes), len(second.Nodes))
	for i := range first.Nodes {
		assert.Equal(t, first.Nodes[i].ID, second.Nodes[i].ID)
	}
}

// --- JSON boundary ---

func TestParseDocument_ValidJSON(t *testing.T) {
	raw := []byte(`{
		"workflow_id": "wf",
		"nodes": [
			{"id": "start", "type": "start", "position": {"x": 10, "y": 20}},
			{"id": "end", "type": "end"}
		],
		"edges": [
			{"id": "e1", "source": "start", "target": "end"}
		]
	}`)

	doc, err := ParseDocument(raw)
	require.NoError(t, err)
	require.Len(t, doc.Nodes, 2)
	require.NotNil(t, doc.Nodes[0].Position)
	assert.Equal(t, 10.0, doc.Nodes[0].Position.X)
}

func TestParseDocument_RejectsUnknownType(t *testing.T) {
	raw := []byte(`{
		"nodes": [{"id": "x", "type": "teleport"}],
		"edges": []
	}`)

	_, err := ParseDocument(raw)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestParseDocument_RejectsMalformedJSON(t *testing.T) {
	_, err := ParseDocument([]byte(`{"nodes": [`))
	require.Error(t, err)
}

func TestParseDocument_RequiresNodes(t *testing.T) {
	_, err := ParseDocument([]byte(`{"nodes": [], "edges": []}`))
	require.Error(t, err, "schema requires at least one node")
}
