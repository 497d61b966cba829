package flow

// Graph maps a node id to its ordered successor ids (or predecessor ids for
// a reversed graph). It is built once per request and never mutated during
// traversal.
type Graph map[string][]string

// Dependencies maps a node id to the number of distinct incoming edges.
type Dependencies map[string]int

// BuildGraph converts flat node and edge lists into adjacency form.
//
// Every node id is a key of the returned graph, with an empty list when the
// node has no edges, and no other keys exist. Successor order follows edge
// input order. When reversed is true each edge is stored target -> source;
// dependencies are always counted on the forward orientation.
//
// Edges whose endpoints are not both present in nodes are skipped: callers
// build filtered subgraphs that reference only part of a flow.
func BuildGraph(nodes []Node, edges []Edge, reversed bool) (Graph, Dependencies) {
	graph := make(Graph, len(nodes))
	deps := make(Dependencies, len(nodes))
	for _, n := range nodes {
		graph[n.ID] = []string{}
		deps[n.ID] = 0
	}

	counted := make(map[edgeKey]struct{}, len(edges))
	for _, e := range edges {
		if _, ok := graph[e.Source]; !ok {
			continue
		}
		if _, ok := graph[e.Target]; !ok {
			continue
		}

		if reversed {
			graph[e.Target] = append(graph[e.Target], e.Source)
		} else {
			graph[e.Source] = append(graph[e.Source], e.Target)
		}

		k := keyOf(e)
		if _, dup := counted[k]; dup {
			continue
		}
		counted[k] = struct{}{}
		deps[e.Target]++
	}

	return graph, deps
}

// Roots returns the ids of nodes without incoming edges, in node order.
func Roots(nodes []Node, deps Dependencies) []string {
	var roots []string
	for _, n := range nodes {
		if deps[n.ID] == 0 {
			roots = append(roots, n.ID)
		}
	}
	return roots
}

type edgeKey struct {
	id, source, handle, target string
}

func keyOf(e Edge) edgeKey {
	if e.ID != "" {
		return edgeKey{id: e.ID}
	}
	return edgeKey{source: e.Source, handle: e.SourceHandle, target: e.Target}
}
