package flow

import (
	"errors"
	"testing"
)

func TestParseFlow(t *testing.T) {
	data := []byte(`{
		"id": "f1",
		"nodes": [
			{"id": "t", "type": "trigger", "name": "manualTrigger", "data": {"inputs": {"q": "hi"}}},
			{"id": "a", "name": "setData", "label": "Set", "data": {"id": "a"}}
		],
		"edges": [{"source": "t", "target": "a", "sourceHandle": "t-output-0"}]
	}`)

	f, err := ParseFlow(data)
	if err != nil {
		t.Fatalf("ParseFlow: %v", err)
	}
	if f.ID != "f1" || len(f.Nodes) != 2 || len(f.Edges) != 1 {
		t.Fatalf("flow = %+v", f)
	}
	if f.Nodes[0].Data.ID != "t" {
		t.Errorf("empty data.id not filled: %q", f.Nodes[0].Data.ID)
	}
	if f.Nodes[1].Type != NodeAction {
		t.Errorf("default type = %q, want action", f.Nodes[1].Type)
	}
	if n, ok := f.Node("a"); !ok || n.DisplayName() != "Set" {
		t.Errorf("Node(a) = %+v, %v", n, ok)
	}
	if n, _ := f.Node("t"); n.DisplayName() != "t" {
		t.Errorf("DisplayName fallback = %q", n.DisplayName())
	}

	if _, err := ParseFlow([]byte(`{`)); err == nil {
		t.Error("expected decode error")
	}
}

func TestFlow_Validate(t *testing.T) {
	tests := []struct {
		name string
		flow Flow
		code string
	}{
		{"no nodes", Flow{}, "INVALID_FLOW"},
		{"missing id", Flow{Nodes: []Node{{Name: "x"}}}, "INVALID_FLOW"},
		{"duplicate", Flow{Nodes: []Node{{ID: "a"}, {ID: "a"}}}, "DUPLICATE_NODE"},
		{"identity mismatch", Flow{Nodes: []Node{{ID: "a", Data: NodeData{ID: "b"}}}}, "INVALID_FLOW"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.flow.Validate()
			var engErr *EngineError
			if !errors.As(err, &engErr) || engErr.Code != tt.code {
				t.Fatalf("err = %v, want code %s", err, tt.code)
			}
			if !errors.Is(err, ErrInvalidFlow) {
				t.Errorf("err = %v, want ErrInvalidFlow", err)
			}
		})
	}
}

func TestFlow_Clone(t *testing.T) {
	orig := Flow{
		ID: "f",
		Nodes: []Node{{
			ID:   "a",
			Data: NodeData{ID: "a", Inputs: map[string]any{"nested": map[string]any{"k": "v"}, "list": []any{"x"}}},
		}},
		Edges: []Edge{{Source: "a", Target: "a"}},
	}

	c := orig.Clone()
	c.Nodes[0].Data.Inputs["nested"].(map[string]any)["k"] = "changed"
	c.Nodes[0].Data.Inputs["list"].([]any)[0] = "changed"
	c.Edges[0].Target = "b"

	if orig.Nodes[0].Data.Inputs["nested"].(map[string]any)["k"] != "v" {
		t.Error("nested map shared between clone and original")
	}
	if orig.Nodes[0].Data.Inputs["list"].([]any)[0] != "x" {
		t.Error("slice shared between clone and original")
	}
	if orig.Edges[0].Target != "a" {
		t.Error("edges shared between clone and original")
	}
}

func TestNodeType_IsOrigin(t *testing.T) {
	if !NodeTrigger.IsOrigin() || !NodeWebhook.IsOrigin() || NodeAction.IsOrigin() {
		t.Error("IsOrigin mismatch")
	}
}
