// Package plan defines the Execution Plan DAG: node and edge variants,
// construction helpers, and topological/structural validation
// (spec.md component L, §3, §4.10).
package plan

import (
	"fmt"

	"github.com/filegrind/capns-go/binding"
	"github.com/filegrind/capns-go/cardinality"
)

// NodeKind discriminates the seven node variants an Execution Plan is
// built from.
type NodeKind int

const (
	NodeCap NodeKind = iota
	NodeForEach
	NodeCollect
	NodeMerge
	NodeSplit
	NodeInputSlot
	NodeOutput
)

// MergeStrategy is how a Merge node combines its inputs.
type MergeStrategy int

const (
	MergeConcat MergeStrategy = iota
	MergeZipWith
	MergeFirstSuccess
	MergeAllSuccessful
)

// Node is a single Execution Plan node. Only the fields relevant to Kind
// are meaningful, mirroring spec.md §3's node variant table.
type Node struct {
	ID   string
	Kind NodeKind

	// NodeCap
	CapUrn        string
	ArgBindings   map[string]binding.Binding
	PreferredCap  string

	// NodeForEach
	ForEachInput     string
	ForEachBodyEntry string
	ForEachBodyExit  string

	// NodeCollect
	CollectInputs        []string
	CollectOutputMediaUrn string

	// NodeMerge
	MergeStrategy MergeStrategy
	MergeInputs   []string

	// NodeSplit
	SplitOutputCount int
	SplitInput       string

	// NodeInputSlot
	SlotName            string
	SlotExpectedMediaUrn string
	SlotCardinality      cardinality.InputCardinality

	// NodeOutput
	OutputName   string
	OutputSource string
}

// EdgeKind discriminates how a successor node consumes a predecessor's
// output.
type EdgeKind int

const (
	EdgeDirect EdgeKind = iota
	EdgeJSONField
	EdgeJSONPath
	EdgeIteration
	EdgeCollection
)

// Edge is a directed arc between two node IDs, carrying the transform
// applied at read time (spec.md §4.9).
type Edge struct {
	From      string
	To        string
	Kind      EdgeKind
	FieldName string // EdgeJSONField
	Path      string // EdgeJSONPath
}

// Plan is the full Execution Plan: a DAG of nodes and edges plus its
// declared entry/output nodes.
type Plan struct {
	Name        string
	Nodes       map[string]*Node
	Edges       []Edge
	EntryNodes  []string
	OutputNodes []string
	Metadata    map[string]interface{}
}

// New creates an empty, named plan.
func New(name string) *Plan {
	return &Plan{
		Name:     name,
		Nodes:    make(map[string]*Node),
		Metadata: make(map[string]interface{}),
	}
}

// AddNode registers a node, keyed by its own ID.
func (p *Plan) AddNode(n *Node) {
	p.Nodes[n.ID] = n
}

// AddEdge registers a directed edge between two existing node IDs.
func (p *Plan) AddEdge(e Edge) {
	p.Edges = append(p.Edges, e)
}

// Error is the typed error sum for plan validation failures.
type Error struct {
	Type    string
	NodeID  string
	Message string
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s (node %s): %s", e.Type, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func newErr(kind, nodeID, format string, args ...interface{}) *Error {
	return &Error{Type: kind, NodeID: nodeID, Message: fmt.Sprintf(format, args...)}
}

// outgoingEdges indexes edges by From node for validation and topological sort.
func (p *Plan) outgoingEdges() map[string][]Edge {
	idx := make(map[string][]Edge)
	for _, e := range p.Edges {
		idx[e.From] = append(idx[e.From], e)
	}
	return idx
}

// TopologicalOrder returns the plan's nodes in a valid execution order, or
// an error if the graph contains a cycle (validate rejects cycles, per
// spec.md §3's invariants).
func (p *Plan) TopologicalOrder() ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Nodes))
	for id := range p.Nodes {
		color[id] = white
	}
	out := p.outgoingEdges()

	var order []string
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, e := range out[id] {
			switch color[e.To] {
			case gray:
				return newErr("cycle-detected", e.To, "cycle detected via edge from %s", id)
			case white:
				if err := visit(e.To); err != nil {
					return err
				}
			}
		}
		color[id] = black
		order = append(order, id)
		return nil
	}

	for id := range p.Nodes {
		if color[id] == white {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}

	// visit appends post-order; reverse for a valid topological (dependency-first) order.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// Validate checks every structural invariant spec.md §4.10 requires,
// short of cardinality/media-compatibility (which the planner already
// guarantees by construction when it builds the plan).
func (p *Plan) Validate() error {
	for _, e := range p.Edges {
		if _, ok := p.Nodes[e.From]; !ok {
			return newErr("dangling-edge", e.From, "edge references unknown source node")
		}
		if _, ok := p.Nodes[e.To]; !ok {
			return newErr("dangling-edge", e.To, "edge references unknown target node")
		}
	}

	if _, err := p.TopologicalOrder(); err != nil {
		return err
	}

	incoming := make(map[string]int)
	for _, e := range p.Edges {
		incoming[e.To]++
	}

	for id, n := range p.Nodes {
		switch n.Kind {
		case NodeInputSlot:
			if incoming[id] != 0 {
				return newErr("invalid-input-slot", id, "input slot must have zero incoming edges, has %d", incoming[id])
			}
		case NodeOutput:
			if n.OutputSource == "" {
				return newErr("invalid-output-node", id, "output node has no source-node")
			}
			if _, ok := p.Nodes[n.OutputSource]; !ok {
				return newErr("invalid-output-node", id, "output node's source %q does not exist", n.OutputSource)
			}
		case NodeForEach:
			if _, ok := p.Nodes[n.ForEachBodyEntry]; !ok {
				return newErr("invalid-foreach", id, "body-entry %q does not exist", n.ForEachBodyEntry)
			}
			if _, ok := p.Nodes[n.ForEachBodyExit]; !ok {
				return newErr("invalid-foreach", id, "body-exit %q does not exist", n.ForEachBodyExit)
			}
		}
	}

	for _, id := range p.EntryNodes {
		n, ok := p.Nodes[id]
		if !ok {
			return newErr("invalid-entry-node", id, "entry node does not exist")
		}
		if n.Kind != NodeInputSlot {
			return newErr("invalid-entry-node", id, "entry node must be an InputSlot")
		}
	}

	for _, id := range p.OutputNodes {
		n, ok := p.Nodes[id]
		if !ok {
			return newErr("invalid-output-node", id, "output node does not exist")
		}
		if n.Kind != NodeOutput {
			return newErr("invalid-output-node", id, "declared output node must be of kind Output")
		}
	}

	return nil
}
