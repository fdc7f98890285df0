// Package dag models the persisted sync graph and compiles it into the
// in-memory routing table used for one run.
package dag

import "fmt"

// NodeKind discriminates the node variants of a sync DAG.
type NodeKind string

const (
	NodeSource      NodeKind = "source"
	NodeEntity      NodeKind = "entity"
	NodeTransformer NodeKind = "transformer"
	NodeDestination NodeKind = "destination"
)

// Node is one vertex of a sync DAG.
type Node struct {
	ID   string   `yaml:"id"`
	Kind NodeKind `yaml:"kind"`

	// Name resolves transformer nodes against the transformer registry.
	Name string `yaml:"name,omitempty"`

	// DefinitionID references the entity definition for entity nodes, or the
	// output definition a transformer emits.
	DefinitionID string `yaml:"definitionId,omitempty"`

	// Config is passed to transformer factories as-is.
	Config map[string]any `yaml:"config,omitempty"`
}

// Edge is one producer-to-consumer connection.
type Edge struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Definition is a persisted sync DAG: immutable for the duration of a run
// once compiled.
type Definition struct {
	Nodes []Node `yaml:"nodes"`
	Edges []Edge `yaml:"edges"`
}

// InvalidDagError reports a structurally unusable DAG: cycles, dangling
// references, or destinations with no inbound path from a source.
type InvalidDagError struct {
	Reason string
}

func (e *InvalidDagError) Error() string {
	return fmt.Sprintf("invalid sync dag: %s", e.Reason)
}

// UnroutableEntityError reports an entity whose definition has no route in
// the compiled table. Recorded as skipped by callers, never fatal to a job.
type UnroutableEntityError struct {
	DefinitionID string
}

func (e *UnroutableEntityError) Error() string {
	return fmt.Sprintf("no route for entity definition %q", e.DefinitionID)
}
