package dag

import (
	"fmt"

	"github.com/nucleus/sync-core/pkg/entity"
)

// Route is the compiled routing for one entity definition: the ordered
// transformer chain to run, and the destination nodes that are terminal
// sinks for entities of this definition.
type Route struct {
	DefinitionID string
	Stages       []Transformer
	Destinations []string
}

// Terminal reports whether entities of this definition go straight to
// destinations with no further transformation.
func (r *Route) Terminal() bool { return len(r.Stages) == 0 }

// RoutingTable answers, for each entity definition a source emits, which
// stages must run and where the results land. Immutable after Compile; the
// table only orders stages, it never executes them.
type RoutingTable struct {
	routes       map[string]*Route
	destinations []string
}

// Route returns the route for the given definition id.
// Unknown definitions fail with UnroutableEntityError.
func (t *RoutingTable) Route(definitionID string) (*Route, error) {
	r, ok := t.routes[definitionID]
	if !ok {
		return nil, &UnroutableEntityError{DefinitionID: definitionID}
	}
	return r, nil
}

// Definitions returns the definition ids the table can route.
func (t *RoutingTable) Definitions() []string {
	defs := make([]string, 0, len(t.routes))
	for def := range t.routes {
		defs = append(defs, def)
	}
	return defs
}

// DestinationNodes returns the ids of all destination nodes in the DAG, in
// first-seen order. The orchestrator binds each to a destination handle.
func (t *RoutingTable) DestinationNodes() []string {
	return t.destinations
}

// Compile validates the DAG and builds the routing table. Transformer nodes
// are instantiated once here so stage construction failures surface before
// the job enters RUNNING.
func Compile(def *Definition, transformers *TransformerRegistry, definitions map[string]entity.Definition) (*RoutingTable, error) {
	if def == nil || len(def.Nodes) == 0 {
		return nil, &InvalidDagError{Reason: "empty definition"}
	}

	nodes := make(map[string]*Node, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			return nil, &InvalidDagError{Reason: "node with empty id"}
		}
		if _, dup := nodes[n.ID]; dup {
			return nil, &InvalidDagError{Reason: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		switch n.Kind {
		case NodeSource, NodeEntity, NodeTransformer, NodeDestination:
		default:
			return nil, &InvalidDagError{Reason: fmt.Sprintf("node %q has unknown kind %q", n.ID, n.Kind)}
		}
		if n.Kind == NodeEntity {
			if n.DefinitionID == "" {
				return nil, &InvalidDagError{Reason: fmt.Sprintf("entity node %q missing definition id", n.ID)}
			}
			if _, ok := definitions[n.DefinitionID]; !ok {
				return nil, &InvalidDagError{Reason: fmt.Sprintf("entity node %q references undefined entity type %q", n.ID, n.DefinitionID)}
			}
		}
		nodes[n.ID] = n
	}

	out := make(map[string][]string)
	indegree := make(map[string]int, len(nodes))
	for id := range nodes {
		indegree[id] = 0
	}
	for _, e := range def.Edges {
		if _, ok := nodes[e.From]; !ok {
			return nil, &InvalidDagError{Reason: fmt.Sprintf("edge references unknown node %q", e.From)}
		}
		if _, ok := nodes[e.To]; !ok {
			return nil, &InvalidDagError{Reason: fmt.Sprintf("edge references unknown node %q", e.To)}
		}
		out[e.From] = append(out[e.From], e.To)
		indegree[e.To]++
	}

	if err := checkAcyclic(nodes, out, indegree); err != nil {
		return nil, err
	}
	if err := checkDestinationsReachable(nodes, out); err != nil {
		return nil, err
	}

	table := &RoutingTable{routes: make(map[string]*Route)}
	for _, n := range def.Nodes {
		if n.Kind == NodeDestination {
			table.destinations = append(table.destinations, n.ID)
		}
	}

	for _, n := range def.Nodes {
		if n.Kind != NodeEntity {
			continue
		}
		route := &Route{DefinitionID: n.DefinitionID}

		var chainStart *Node
		for _, succ := range out[n.ID] {
			s := nodes[succ]
			switch s.Kind {
			case NodeDestination:
				route.Destinations = append(route.Destinations, s.ID)
			case NodeTransformer:
				if chainStart != nil {
					return nil, &InvalidDagError{Reason: fmt.Sprintf("entity node %q has an ambiguous transform chain", n.ID)}
				}
				chainStart = s
			case NodeEntity:
				return nil, &InvalidDagError{Reason: fmt.Sprintf("entity node %q feeds entity node %q directly", n.ID, s.ID)}
			}
		}

		for cur := chainStart; cur != nil; {
			stage, err := transformers.Create(cur.Name, cur.Config)
			if err != nil {
				return nil, &InvalidDagError{Reason: fmt.Sprintf("transformer node %q: %v", cur.ID, err)}
			}
			route.Stages = append(route.Stages, stage)

			var next *Node
			for _, succ := range out[cur.ID] {
				s := nodes[succ]
				if s.Kind == NodeTransformer {
					if next != nil {
						return nil, &InvalidDagError{Reason: fmt.Sprintf("transformer node %q has an ambiguous successor", cur.ID)}
					}
					next = s
				}
			}
			cur = next
		}

		if prev, dup := table.routes[n.DefinitionID]; dup && prev != nil {
			return nil, &InvalidDagError{Reason: fmt.Sprintf("definition %q routed by multiple entity nodes", n.DefinitionID)}
		}
		table.routes[n.DefinitionID] = route
	}

	if len(table.routes) == 0 {
		return nil, &InvalidDagError{Reason: "no entity nodes"}
	}
	return table, nil
}

// checkAcyclic runs Kahn's algorithm; leftover nodes mean a cycle.
func checkAcyclic(nodes map[string]*Node, out map[string][]string, indegree map[string]int) error {
	deg := make(map[string]int, len(indegree))
	for k, v := range indegree {
		deg[k] = v
	}
	queue := make([]string, 0, len(nodes))
	for id, d := range deg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range out[id] {
			deg[succ]--
			if deg[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if visited != len(nodes) {
		return &InvalidDagError{Reason: "graph contains a cycle"}
	}
	return nil
}

// checkDestinationsReachable verifies every destination node has an inbound
// path from some source node.
func checkDestinationsReachable(nodes map[string]*Node, out map[string][]string) error {
	reachable := make(map[string]bool)
	var stack []string
	for id, n := range nodes {
		if n.Kind == NodeSource {
			stack = append(stack, id)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		stack = append(stack, out[id]...)
	}
	for id, n := range nodes {
		if n.Kind == NodeDestination && !reachable[id] {
			return &InvalidDagError{Reason: fmt.Sprintf("destination node %q has no inbound path from a source", id)}
		}
	}
	return nil
}
