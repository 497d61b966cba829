package flow

import (
	"errors"
	"reflect"
	"testing"
)

func TestStartingNodes(t *testing.T) {
	t.Run("linear chain", func(t *testing.T) {
		nodes := nodesOf("start", "a", "b", "end")
		edges := []Edge{edge("start", "a"), edge("a", "b"), edge("b", "end")}
		rev, _ := BuildGraph(nodes, edges, true)

		starts, depths, err := StartingNodes(rev, "end", nil)
		if err != nil {
			t.Fatalf("StartingNodes: %v", err)
		}
		if !reflect.DeepEqual(starts, []string{"start"}) {
			t.Errorf("starts = %v, want [start]", starts)
		}
		want := DepthQueue{"end": 0, "b": 1, "a": 2, "start": 3}
		if !reflect.DeepEqual(depths, want) {
			t.Errorf("depths = %v, want %v", depths, want)
		}
	})

	t.Run("end without predecessors is its own start", func(t *testing.T) {
		rev, _ := BuildGraph(nodesOf("solo", "other"), nil, true)
		starts, depths, err := StartingNodes(rev, "solo", nil)
		if err != nil {
			t.Fatalf("StartingNodes: %v", err)
		}
		if !reflect.DeepEqual(starts, []string{"solo"}) {
			t.Errorf("starts = %v", starts)
		}
		if len(depths) != 1 {
			t.Errorf("depths = %v, want only solo", depths)
		}
	})

	t.Run("several roots", func(t *testing.T) {
		nodes := nodesOf("r1", "r2", "join")
		edges := []Edge{edge("r1", "join"), edge("r2", "join")}
		rev, _ := BuildGraph(nodes, edges, true)

		starts, _, err := StartingNodes(rev, "join", nil)
		if err != nil {
			t.Fatalf("StartingNodes: %v", err)
		}
		if !reflect.DeepEqual(starts, []string{"r1", "r2"}) {
			t.Errorf("starts = %v, want [r1 r2]", starts)
		}
	})

	t.Run("walk stops at origin nodes", func(t *testing.T) {
		// trigger -> a -> end, with a loop back-edge a -> trigger.
		nodes := nodesOf("trigger", "a", "end")
		edges := []Edge{edge("trigger", "a"), edge("a", "end"), edge("a", "trigger")}
		rev, _ := BuildGraph(nodes, edges, true)

		isOrigin := func(id string) bool { return id == "trigger" }
		starts, depths, err := StartingNodes(rev, "end", isOrigin)
		if err != nil {
			t.Fatalf("StartingNodes: %v", err)
		}
		if !reflect.DeepEqual(starts, []string{"trigger"}) {
			t.Errorf("starts = %v, want [trigger]", starts)
		}
		if depths["trigger"] != 2 {
			t.Errorf("depths[trigger] = %d, want 2", depths["trigger"])
		}
	})

	t.Run("cycle without roots falls back to deepest nodes", func(t *testing.T) {
		nodes := nodesOf("a", "b")
		edges := []Edge{edge("a", "b"), edge("b", "a")}
		rev, _ := BuildGraph(nodes, edges, true)

		starts, _, err := StartingNodes(rev, "b", nil)
		if err != nil {
			t.Fatalf("StartingNodes: %v", err)
		}
		if !reflect.DeepEqual(starts, []string{"a"}) {
			t.Errorf("starts = %v, want [a]", starts)
		}
	})

	t.Run("unknown end node", func(t *testing.T) {
		rev, _ := BuildGraph(nodesOf("a"), nil, true)
		_, _, err := StartingNodes(rev, "missing", nil)
		if !errors.Is(err, ErrEndNodeNotFound) {
			t.Fatalf("err = %v, want ErrEndNodeNotFound", err)
		}
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "NODE_NOT_FOUND" {
			t.Errorf("err = %#v, want EngineError NODE_NOT_FOUND", err)
		}
	})
}

func TestStartingNodesForEnds(t *testing.T) {
	// r1 -> a -> e1 ; r2 -> e2 ; r1 -> e2
	nodes := nodesOf("r1", "r2", "a", "e1", "e2")
	edges := []Edge{edge("r1", "a"), edge("a", "e1"), edge("r2", "e2"), edge("r1", "e2")}
	rev, _ := BuildGraph(nodes, edges, true)

	starts, depths, err := StartingNodesForEnds(rev, []string{"e1", "e2"}, nil)
	if err != nil {
		t.Fatalf("StartingNodesForEnds: %v", err)
	}
	if !reflect.DeepEqual(starts, []string{"r1", "r2"}) {
		t.Errorf("starts = %v, want [r1 r2]", starts)
	}
	if depths["r1"] != 1 {
		t.Errorf("depths[r1] = %d, want minimum distance 1", depths["r1"])
	}
	if depths["a"] != 1 || depths["e1"] != 0 || depths["e2"] != 0 {
		t.Errorf("depths = %v", depths)
	}

	if _, _, err := StartingNodesForEnds(rev, []string{"e1", "nope"}, nil); !errors.Is(err, ErrEndNodeNotFound) {
		t.Errorf("err = %v, want ErrEndNodeNotFound", err)
	}
}
