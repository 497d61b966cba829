package flow

// DepthQueue maps every node discovered by the backward walk to its distance
// from the ending node.
type DepthQueue map[string]int

// StartingNodes walks the reversed graph backward from endNodeID and returns
// the nodes execution must begin from, plus the distance of every visited
// node from endNodeID.
//
// A node is a starting node when it has no predecessors, or when isOrigin
// reports that it can originate execution (triggers and webhooks). The walk
// does not continue past an origin node: its predecessors can only be loop
// back-edges. If every root is hidden inside a cycle, the deepest visited
// nodes are returned instead.
//
// isOrigin may be nil, in which case only roots qualify.
func StartingNodes(reversed Graph, endNodeID string, isOrigin func(id string) bool) ([]string, DepthQueue, error) {
	if _, ok := reversed[endNodeID]; !ok {
		return nil, nil, &EngineError{
			Message: "ending node does not exist: " + endNodeID,
			Code:    "NODE_NOT_FOUND",
			Err:     ErrEndNodeNotFound,
		}
	}

	depths := DepthQueue{endNodeID: 0}
	queue := []string{endNodeID}

	var (
		starts   []string
		deepest  []string
		maxDepth int
	)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		d := depths[id]

		if d > maxDepth {
			maxDepth = d
			deepest = []string{id}
		} else if d == maxDepth {
			deepest = append(deepest, id)
		}

		preds := reversed[id]
		if len(preds) == 0 || (isOrigin != nil && isOrigin(id)) {
			starts = append(starts, id)
			continue
		}

		for _, p := range preds {
			if _, seen := depths[p]; seen {
				continue
			}
			depths[p] = d + 1
			queue = append(queue, p)
		}
	}

	if len(starts) == 0 {
		starts = deepest
	}

	return starts, depths, nil
}

// StartingNodesForEnds resolves starting nodes for several ending nodes and
// unions the results. Starting ids keep first-seen order without duplicates;
// each node keeps its smallest distance to any ending node.
func StartingNodesForEnds(reversed Graph, endNodeIDs []string, isOrigin func(id string) bool) ([]string, DepthQueue, error) {
	var starts []string
	seen := make(map[string]struct{})
	merged := make(DepthQueue)

	for _, end := range endNodeIDs {
		ids, depths, err := StartingNodes(reversed, end, isOrigin)
		if err != nil {
			return nil, nil, err
		}
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			starts = append(starts, id)
		}
		for id, d := range depths {
			if prev, ok := merged[id]; !ok || d < prev {
				merged[id] = d
			}
		}
	}

	return starts, merged, nil
}
