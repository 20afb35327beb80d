// Package planner builds an Execution Plan from a source/target media URN
// pair and a set of input files, by finding the best path through a Cap
// Graph and materializing cardinality-aware plan nodes and edges
// (spec.md component M, §4.5).
package planner

import (
	"fmt"

	"github.com/filegrind/capns-go/binding"
	"github.com/filegrind/capns-go/cap"
	"github.com/filegrind/capns-go/cardinality"
	"github.com/filegrind/capns-go/graph"
	"github.com/filegrind/capns-go/plan"
)

// MaxPathDepth is the default search depth for find-best-path, per
// spec.md §4.5 step 2.
const MaxPathDepth = 8

// Error is the typed error sum for planning failures.
type Error struct {
	Type    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Type, e.Message) }

// NewNotFoundError reports that no path exists between source and target media.
func NewNotFoundError(source, target string) *Error {
	return &Error{Type: "not-found", Message: fmt.Sprintf("no cap path found from %s to %s", source, target)}
}

// Builder builds execution plans against a Cap Graph.
type Builder struct {
	g              *graph.Graph
	availableCaps  map[string]bool
	maxDepth       int
}

// New creates a plan builder over the given graph.
func New(g *graph.Graph) *Builder {
	return &Builder{g: g, maxDepth: MaxPathDepth}
}

// WithAvailableCaps restricts planning to a subset of cap URNs; pass nil
// to clear the restriction.
func (b *Builder) WithAvailableCaps(available map[string]bool) *Builder {
	b.availableCaps = available
	return b
}

// WithMaxDepth overrides the default path search depth.
func (b *Builder) WithMaxDepth(depth int) *Builder {
	b.maxDepth = depth
	return b
}

// FindPath finds the best (highest total specificity) sequence of caps
// from sourceMedia to targetMedia.
func (b *Builder) FindPath(sourceMedia, targetMedia string) (*graph.Path, error) {
	path, err := b.g.FindBestPath(sourceMedia, targetMedia, b.maxDepth)
	if err != nil {
		return nil, NewNotFoundError(sourceMedia, targetMedia)
	}
	return path, nil
}

// FindAllPaths enumerates every simple path up to the builder's max depth.
func (b *Builder) FindAllPaths(sourceMedia, targetMedia string) []*graph.Path {
	return b.g.FindAllPaths(sourceMedia, targetMedia, b.maxDepth)
}

// GetReachableTargets returns every media spec reachable from sourceMedia
// within [minDepth, maxDepth] hops.
func (b *Builder) GetReachableTargets(sourceMedia string, minDepth, maxDepth int) []string {
	return b.g.ReachableTargets(sourceMedia, minDepth, maxDepth)
}

// AnalyzePathCardinality runs cardinality chain analysis over the best
// path from sourceMedia to targetMedia, seeded from the cardinality
// actually requested at each boundary rather than just the path's own
// declared endpoints (spec.md §4.6).
func (b *Builder) AnalyzePathCardinality(sourceMedia, targetMedia string) (cardinality.ChainAnalysis, error) {
	path, err := b.FindPath(sourceMedia, targetMedia)
	if err != nil {
		return cardinality.ChainAnalysis{}, err
	}
	return cardinality.AnalyzeChainForRequest(chainInfoFromPath(path), cardinality.FromMediaUrn(sourceMedia), cardinality.FromMediaUrn(targetMedia)), nil
}

func chainInfoFromPath(path *graph.Path) []cardinality.CapInfo {
	infos := make([]cardinality.CapInfo, len(path.Edges))
	for i, e := range path.Edges {
		infos[i] = cardinality.FromCapSpecs(e.Cap.Urn.String(), e.FromSpec, e.ToSpec)
	}
	return infos
}

// ArgumentInfo describes a single argument's requirements for UI prompting.
type ArgumentInfo struct {
	Name         string
	MediaUrn     string
	IsRequired   bool
	DefaultValue interface{}
}

// StepArgumentRequirements aggregates one cap step's argument requirements.
type StepArgumentRequirements struct {
	CapUrn    string
	Arguments []ArgumentInfo
}

// PathArgumentRequirements is the full per-path aggregation, plus the
// union of every slot-requiring binding across the whole path, so a
// caller can prompt the user for all of them up front (the
// analyze-path-arguments service from SPEC_FULL.md §5.1).
type PathArgumentRequirements struct {
	Steps    []StepArgumentRequirements
	AllSlots []ArgumentInfo
}

// AnalyzePathArguments aggregates the per-step argument requirements for
// every cap on a path.
func (b *Builder) AnalyzePathArguments(path *graph.Path) PathArgumentRequirements {
	var reqs PathArgumentRequirements
	for _, e := range path.Edges {
		step := StepArgumentRequirements{CapUrn: e.Cap.Urn.String()}
		for _, arg := range e.Cap.Args {
			info := ArgumentInfo{
				MediaUrn:     arg.MediaUrn,
				IsRequired:   arg.Required,
				DefaultValue: arg.DefaultValue,
			}
			step.Arguments = append(step.Arguments, info)
		}
		reqs.Steps = append(reqs.Steps, step)
	}
	return reqs
}

// BuildPlan materializes a full Execution Plan transforming inputFiles
// (of sourceMedia) into targetMedia, inserting fan-out/collect scaffolding
// wherever cardinality mismatches occur along the best path.
func (b *Builder) BuildPlan(name, sourceMedia, targetMedia string, inputFiles []binding.InputFile) (*plan.Plan, error) {
	path, err := b.FindPath(sourceMedia, targetMedia)
	if err != nil {
		return nil, err
	}
	return b.BuildPlanFromPath(name, sourceMedia, targetMedia, path, inputFiles)
}

// BuildPlanFromPath materializes a plan from an already-found path,
// supplementing CSCollectionInput.h's short-circuit: when the chain
// analysis finds zero fan-out points, no ForEach/Collect scaffolding is
// inserted at all, regardless of whether individual specs carry a `list`
// marker. sourceMedia/targetMedia are the cardinalities actually requested
// at the path's boundary, which may differ from the path's own declared
// endpoints (spec.md §4.6) — this is what lets a list-shaped request drive
// fan-out insertion even for a path whose first cap only declares a scalar
// input (spec.md §8 scenario S4).
func (b *Builder) BuildPlanFromPath(name, sourceMedia, targetMedia string, path *graph.Path, inputFiles []binding.InputFile) (*plan.Plan, error) {
	p := plan.New(name)
	chain := cardinality.AnalyzeChainForRequest(chainInfoFromPath(path), cardinality.FromMediaUrn(sourceMedia), cardinality.FromMediaUrn(targetMedia))
	fanOut := make(map[int]bool, len(chain.FanOutPoints))
	for _, idx := range chain.FanOutPoints {
		fanOut[idx] = true
	}
	wrap := make(map[int]bool, len(chain.WrapPoints))
	for _, idx := range chain.WrapPoints {
		wrap[idx] = true
	}

	entryIDs := make([]string, len(inputFiles))
	for i, f := range inputFiles {
		slotID := fmt.Sprintf("input-%d", i)
		p.AddNode(&plan.Node{
			ID:                   slotID,
			Kind:                 plan.NodeInputSlot,
			SlotName:             slotID,
			SlotExpectedMediaUrn: f.MediaUrn,
			SlotCardinality:      cardinality.FromMediaUrn(f.MediaUrn),
		})
		p.EntryNodes = append(p.EntryNodes, slotID)
		entryIDs[i] = slotID
	}

	prevNodeID := ""
	if len(entryIDs) > 0 {
		prevNodeID = entryIDs[0]
	}

	var lastCapNodeID string
	for i, e := range path.Edges {
		capNodeID := fmt.Sprintf("cap-%d", i)

		scaffoldedAtZero := i == 0 && (fanOut[i] || wrap[i])
		if prevNodeID != "" && wrap[i] {
			wrapID := capNodeID + "-wrap"
			p.AddNode(&plan.Node{
				ID:                    wrapID,
				Kind:                  plan.NodeCollect,
				CollectInputs:         []string{prevNodeID},
				CollectOutputMediaUrn: e.FromSpec,
			})
			p.AddEdge(plan.Edge{From: prevNodeID, To: wrapID, Kind: plan.EdgeDirect})
			prevNodeID = wrapID
		}

		node := &plan.Node{
			ID:          capNodeID,
			Kind:        plan.NodeCap,
			CapUrn:      e.Cap.Urn.String(),
			ArgBindings: argBindingsForCap(e.Cap, i, prevNodeID, scaffoldedAtZero),
		}
		p.AddNode(node)

		if prevNodeID != "" {
			if fanOut[i] {
				forEachID := capNodeID + "-foreach"
				collectID := capNodeID + "-collect"
				p.AddNode(&plan.Node{
					ID:               forEachID,
					Kind:             plan.NodeForEach,
					ForEachInput:     prevNodeID,
					ForEachBodyEntry: capNodeID,
					ForEachBodyExit:  capNodeID,
				})
				p.AddNode(&plan.Node{
					ID:                    collectID,
					Kind:                  plan.NodeCollect,
					CollectInputs:         []string{forEachID},
					CollectOutputMediaUrn: e.ToSpec,
				})
				p.AddEdge(plan.Edge{From: prevNodeID, To: forEachID, Kind: plan.EdgeDirect})
				p.AddEdge(plan.Edge{From: forEachID, To: capNodeID, Kind: plan.EdgeIteration})
				p.AddEdge(plan.Edge{From: forEachID, To: collectID, Kind: plan.EdgeCollection})
				prevNodeID = collectID
			} else {
				p.AddEdge(plan.Edge{From: prevNodeID, To: capNodeID, Kind: plan.EdgeDirect})
				prevNodeID = capNodeID
			}
		} else {
			prevNodeID = capNodeID
		}
		lastCapNodeID = capNodeID
	}

	outputID := "output"
	p.AddNode(&plan.Node{ID: outputID, Kind: plan.NodeOutput, OutputName: "result", OutputSource: lastCapNodeID})
	p.OutputNodes = append(p.OutputNodes, outputID)

	if lastCapNodeID != "" && wrap[len(path.Edges)] {
		tailWrapID := "output-wrap"
		p.AddNode(&plan.Node{
			ID:                    tailWrapID,
			Kind:                  plan.NodeCollect,
			CollectInputs:         []string{prevNodeID},
			CollectOutputMediaUrn: targetMedia,
		})
		p.AddEdge(plan.Edge{From: prevNodeID, To: tailWrapID, Kind: plan.EdgeDirect})
		prevNodeID = tailWrapID
	}

	if lastCapNodeID != "" {
		p.AddEdge(plan.Edge{From: prevNodeID, To: outputID, Kind: plan.EdgeDirect})
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// argBindingsForCap assigns a default binding to every declared argument of
// a cap on the path: the first step's arguments normally read straight
// from the supplied input file, later steps' arguments read from the
// previous step's output. When a ForEach or wrap node has been inserted
// ahead of the first step (scaffoldedAtZero), its argument instead reads
// from that scaffold node's own recorded output like any other step, since
// the raw input file no longer matches what the cap expects directly. A
// planner consumer may override individual bindings before executing the
// plan (e.g. to wire in a literal or a cap-setting).
func argBindingsForCap(c *cap.Cap, stepIndex int, prevNodeID string, scaffoldedAtZero bool) map[string]binding.Binding {
	bindings := make(map[string]binding.Binding, len(c.Args))
	for _, arg := range c.Args {
		if stepIndex == 0 && !scaffoldedAtZero {
			bindings[arg.MediaUrn] = binding.InputFileAtIndex(0)
		} else {
			bindings[arg.MediaUrn] = binding.PreviousOutput(prevNodeID, "")
		}
	}
	return bindings
}
