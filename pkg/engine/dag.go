package engine

import (
	"fmt"
	"strings"
)

// Graph is the resolved requisite graph of one compiled run. Admission
// works off the chunk edges directly; the graph is derived for
// inspection, wave previews and DOT export.
type Graph struct {
	// Nodes indexes the graph by execution tag.
	Nodes map[string]*GraphNode

	// Edges lists every resolved requisite, including the non-gating
	// listen and ESM edges.
	Edges []GraphEdge

	// Roots are the tags with no gating requisites.
	Roots []string

	// Levels groups tags into waves: every tag in a level gates only on
	// earlier levels, so a level could execute in parallel.
	Levels [][]string
}

// GraphNode is one chunk in the requisite graph.
type GraphNode struct {
	Tag   string
	Chunk *Chunk

	// Level is the wave index assigned by topological sort.
	Level int

	// Requires lists the tags this node gates on.
	Requires []string

	// Dependents lists the tags gating on this node.
	Dependents []string
}

// GraphEdge is one resolved requisite drawn from its target to the
// declaring chunk.
type GraphEdge struct {
	// From must finish before To may start.
	From string
	To   string
	Kind RequisiteKind

	// ESM marks an edge satisfied from managed state. Like listen edges
	// it never gates admission.
	ESM bool
}

// Gating reports whether the edge constrains execution order.
func (e GraphEdge) Gating() bool {
	return !e.ESM && e.Kind != RequisiteListen
}

// BuildGraph derives the requisite graph from compiled low data. Chunk
// order is preserved within each level. A requisite cycle is an error
// carrying the cycle path.
func BuildGraph(low []*Chunk) (*Graph, error) {
	g := &Graph{
		Nodes:  make(map[string]*GraphNode, len(low)),
		Roots:  []string{},
		Levels: [][]string{},
	}

	order := make([]string, 0, len(low))
	for _, c := range low {
		tag := Tag(c)
		if _, dup := g.Nodes[tag]; dup {
			return nil, NewValidationError(fmt.Sprintf("duplicate execution tag %s", tag))
		}
		g.Nodes[tag] = &GraphNode{Tag: tag, Chunk: c}
		order = append(order, tag)
	}

	inDegree := make(map[string]int, len(low))
	for _, tag := range order {
		node := g.Nodes[tag]
		for _, edge := range node.Chunk.Edges {
			ge := GraphEdge{From: edge.Tag, To: tag, Kind: edge.Kind, ESM: edge.ESM}
			g.Edges = append(g.Edges, ge)
			if !ge.Gating() {
				continue
			}
			target, ok := g.Nodes[edge.Tag]
			if !ok {
				return nil, NewValidationError(fmt.Sprintf(
					"chunk %s requires %s which is not part of the run", tag, edge.Tag))
			}
			node.Requires = append(node.Requires, edge.Tag)
			target.Dependents = append(target.Dependents, tag)
			inDegree[tag]++
		}
	}

	if cycle := findCycle(order, g.Nodes); cycle != nil {
		return nil, NewValidationError(fmt.Sprintf(
			"circular requisite dependency: %s", strings.Join(cycle, " -> ")))
	}

	// Kahn's algorithm, walking the preserved chunk order so levels stay
	// deterministic.
	current := []string{}
	for _, tag := range order {
		if inDegree[tag] == 0 {
			current = append(current, tag)
		}
	}
	g.Roots = append(g.Roots, current...)

	level := 0
	for len(current) > 0 {
		g.Levels = append(g.Levels, current)
		next := []string{}
		for _, tag := range current {
			g.Nodes[tag].Level = level
			for _, dep := range g.Nodes[tag].Dependents {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = sortByOrder(next, order)
		level++
	}
	return g, nil
}

// findCycle walks gating requisites depth-first and returns the first
// cycle path found, nil when the graph is acyclic.
func findCycle(order []string, nodes map[string]*GraphNode) []string {
	const (
		unseen = iota
		active
		done
	)
	state := make(map[string]int, len(nodes))

	var walk func(tag string, path []string) []string
	walk = func(tag string, path []string) []string {
		state[tag] = active
		path = append(path, tag)
		for _, req := range nodes[tag].Requires {
			switch state[req] {
			case active:
				for i, p := range path {
					if p == req {
						return append(path[i:], req)
					}
				}
				return append(path, req)
			case unseen:
				if cycle := walk(req, path); cycle != nil {
					return cycle
				}
			}
		}
		state[tag] = done
		return nil
	}

	for _, tag := range order {
		if state[tag] == unseen {
			if cycle := walk(tag, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func sortByOrder(tags []string, order []string) []string {
	if len(tags) <= 1 {
		return tags
	}
	member := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		member[t] = struct{}{}
	}
	out := make([]string, 0, len(tags))
	for _, t := range order {
		if _, ok := member[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// ToDOT renders the graph for Graphviz, one dashed cluster per wave.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph requisites {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=\"filled,rounded\"];\n\n")

	for level, tags := range g.Levels {
		fmt.Fprintf(&sb, "  subgraph cluster_wave_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"wave %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, tag := range tags {
			c := g.Nodes[tag].Chunk
			label := fmt.Sprintf("%s\\n%s.%s", c.ID, c.State, c.Fun)
			fmt.Fprintf(&sb, "    %q [label=\"%s\", fillcolor=%q];\n",
				tag, label, funColor(c.Fun))
		}
		sb.WriteString("  }\n\n")
	}

	for _, edge := range g.Edges {
		fmt.Fprintf(&sb, "  %q -> %q [%s];\n", edge.From, edge.To, edgeStyle(edge))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func funColor(fun string) string {
	switch fun {
	case "absent":
		return "lightcoral"
	case "present", "managed":
		return "lightgreen"
	default:
		return "lightblue"
	}
}

func edgeStyle(edge GraphEdge) string {
	switch {
	case edge.ESM:
		return "style=dotted, color=gray, label=\"esm\""
	case edge.Kind == RequisiteListen:
		return "style=dashed, color=blue"
	case edge.Kind == RequisiteArgBind:
		return "style=solid, color=darkgreen"
	case edge.Kind == RequisiteRequireAny:
		return "style=solid, color=black, label=\"any\""
	default:
		return "style=solid, color=black"
	}
}
