package schema

// DesignerDocument is the graph shape produced by the visual designer. Config
// stays a free-form map at this boundary only; the codec converts it into the
// strongly typed Activity variants before anything reaches the engine.
type DesignerDocument struct {
	WorkflowID string         `json:"workflow_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Category   string         `json:"category,omitempty"`
	Nodes      []DesignerNode `json:"nodes"`
	Edges      []DesignerEdge `json:"edges"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DesignerNode is one node of the designer graph.
type DesignerNode struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Name           string            `json:"name,omitempty"`
	Description    string            `json:"description,omitempty"`
	Position       *NodePosition     `json:"position,omitempty"`
	IsStart        bool              `json:"is_start,omitempty"`
	IsEnd          bool              `json:"is_end,omitempty"`
	Config         map[string]any    `json:"config,omitempty"`
	InputMappings  map[string]string `json:"input_mappings,omitempty"`
	OutputMappings map[string]string `json:"output_mappings,omitempty"`
}

// NodePosition is the node's location on the designer canvas.
type NodePosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DesignerEdge is one edge of the designer graph.
type DesignerEdge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Label     string `json:"label,omitempty"`
	Condition string `json:"condition,omitempty"`
	IsDefault bool   `json:"is_default,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}
