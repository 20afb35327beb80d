// Package graph builds a directed multigraph of media URN conversions
// implied by a set of registered caps, and answers reachability and
// path-finding queries over it (spec.md component I).
package graph

import (
	"fmt"

	"github.com/filegrind/capns-go/cap"
	"github.com/filegrind/capns-go/urn"
)

// Edge is a single cap's contribution to the graph: a directed arc from its
// input media spec to its output media spec.
type Edge struct {
	FromSpec     string
	ToSpec       string
	Cap          *cap.Cap
	ProviderName string
	Specificity  int
}

// Stats summarizes the size and shape of a graph.
type Stats struct {
	NodeCount       int
	EdgeCount       int
	InputSpecCount  int
	OutputSpecCount int
}

// Graph is a directed multigraph over media specs, with one edge per
// registered cap capable of producing ToSpec from FromSpec.
type Graph struct {
	edges    []Edge
	outgoing map[string][]int
	incoming map[string][]int
	nodes    map[string]bool
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		outgoing: make(map[string][]int),
		incoming: make(map[string][]int),
		nodes:    make(map[string]bool),
	}
}

// AddCap registers a single cap as one directed edge.
func (g *Graph) AddCap(c *cap.Cap, providerName string) {
	if c.Urn == nil || c.Urn.InSpec() == "" || c.Urn.OutSpec() == "" {
		return
	}
	from := c.Urn.InSpec()
	to := c.Urn.OutSpec()

	idx := len(g.edges)
	g.edges = append(g.edges, Edge{
		FromSpec:     from,
		ToSpec:       to,
		Cap:          c,
		ProviderName: providerName,
		Specificity:  c.Urn.Specificity(),
	})
	g.outgoing[from] = append(g.outgoing[from], idx)
	g.incoming[to] = append(g.incoming[to], idx)
	g.nodes[from] = true
	g.nodes[to] = true
}

// BuildFromCaps constructs a graph from a flat slice of (cap, providerName)
// registrations, as produced by a router.Matrix/Cube's AllCaps-equivalent.
func BuildFromCaps(entries map[string][]*cap.Cap) *Graph {
	g := New()
	for providerName, caps := range entries {
		for _, c := range caps {
			g.AddCap(c, providerName)
		}
	}
	return g
}

// Nodes returns every distinct media spec string appearing in the graph.
func (g *Graph) Nodes() []string {
	nodes := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

// Edges returns every edge in the graph.
func (g *Graph) Edges() []Edge {
	return g.edges
}

// mediaUrnSatisfies reports whether a candidate media spec string satisfies
// a declared requirement spec string: the requirement, parsed as a pattern,
// must accept the candidate as an instance. Falls back to exact string
// equality when either side fails to parse (tolerates the `*` wildcard cap
// URN direction, which is not itself a well-formed media URN).
func mediaUrnSatisfies(candidate, requirement string) bool {
	if candidate == requirement {
		return true
	}
	requirementUrn, err := urn.NewMediaUrnFromString(requirement)
	if err != nil {
		return false
	}
	candidateUrn, err := urn.NewMediaUrnFromString(candidate)
	if err != nil {
		return false
	}
	return requirementUrn.Accepts(candidateUrn)
}

// sortEdgesBySpecificityDesc sorts edge indices by decreasing specificity,
// stable on ties (insertion order preserved), matching spec.md §4.2's
// deterministic tie-break.
func (g *Graph) sortEdgesBySpecificityDesc(indices []int) []int {
	sorted := make([]int, len(indices))
	copy(sorted, indices)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && g.edges[sorted[j]].Specificity > g.edges[sorted[j-1]].Specificity; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted
}

// GetOutgoing returns every edge whose FromSpec is satisfied by spec,
// sorted by decreasing specificity.
func (g *Graph) GetOutgoing(spec string) []Edge {
	var matched []int
	for from, indices := range g.outgoing {
		if mediaUrnSatisfies(spec, from) {
			matched = append(matched, indices...)
		}
	}
	sorted := g.sortEdgesBySpecificityDesc(matched)
	result := make([]Edge, len(sorted))
	for i, idx := range sorted {
		result[i] = g.edges[idx]
	}
	return result
}

// GetIncoming returns every edge whose ToSpec is satisfied by spec.
func (g *Graph) GetIncoming(spec string) []Edge {
	var matched []int
	for to, indices := range g.incoming {
		if mediaUrnSatisfies(spec, to) {
			matched = append(matched, indices...)
		}
	}
	sorted := g.sortEdgesBySpecificityDesc(matched)
	result := make([]Edge, len(sorted))
	for i, idx := range sorted {
		result[i] = g.edges[idx]
	}
	return result
}

// HasDirectEdge reports whether some cap converts directly from `from` to `to`.
func (g *Graph) HasDirectEdge(from, to string) bool {
	for _, e := range g.GetOutgoing(from) {
		if mediaUrnSatisfies(e.ToSpec, to) || e.ToSpec == to {
			return true
		}
	}
	return false
}

// GetDirectEdges returns every direct edge from `from` to `to`, specificity-sorted.
func (g *Graph) GetDirectEdges(from, to string) []Edge {
	var out []Edge
	for _, e := range g.GetOutgoing(from) {
		if e.ToSpec == to || mediaUrnSatisfies(e.ToSpec, to) {
			out = append(out, e)
		}
	}
	return out
}

// Path is an ordered sequence of edges connecting a source spec to a target spec.
type Path struct {
	Edges []Edge
}

// TotalSpecificity sums the specificity of every edge on the path.
func (p Path) TotalSpecificity() int {
	total := 0
	for _, e := range p.Edges {
		total += e.Specificity
	}
	return total
}

// backtrackInfo records how a node was first reached during a BFS, so a
// shortest path can be reconstructed by walking predecessors.
type backtrackInfo struct {
	prevSpec string
	edgeIdx  int
}

// CanConvert reports whether target is reachable from source via zero or
// more cap conversions.
func (g *Graph) CanConvert(source, target string) bool {
	if mediaUrnSatisfies(target, source) || source == target {
		return true
	}
	visited := map[string]bool{source: true}
	queue := []string{source}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.GetOutgoing(cur) {
			if visited[e.ToSpec] {
				continue
			}
			if mediaUrnSatisfies(target, e.ToSpec) || e.ToSpec == target {
				return true
			}
			visited[e.ToSpec] = true
			queue = append(queue, e.ToSpec)
		}
	}
	return false
}

// FindPath returns the shortest (fewest-edges) path from source to target,
// breadth-first. Returns an error if no path exists.
func (g *Graph) FindPath(source, target string) (*Path, error) {
	if source == target {
		return &Path{}, nil
	}

	visited := map[string]bool{source: true}
	backtrack := map[string]backtrackInfo{}
	queue := []string{source}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, e := range g.GetOutgoing(cur) {
			if visited[e.ToSpec] {
				continue
			}
			visited[e.ToSpec] = true
			idx := -1
			for i, ee := range g.edges {
				if ee == e {
					idx = i
					break
				}
			}
			backtrack[e.ToSpec] = backtrackInfo{prevSpec: cur, edgeIdx: idx}

			if e.ToSpec == target || mediaUrnSatisfies(target, e.ToSpec) {
				return reconstructPath(g, backtrack, source, e.ToSpec), nil
			}
			queue = append(queue, e.ToSpec)
		}
	}

	return nil, fmt.Errorf("no path found from %s to %s", source, target)
}

func reconstructPath(g *Graph, backtrack map[string]backtrackInfo, source, target string) *Path {
	var edges []Edge
	cur := target
	for cur != source {
		info, ok := backtrack[cur]
		if !ok {
			break
		}
		edges = append([]Edge{g.edges[info.edgeIdx]}, edges...)
		cur = info.prevSpec
	}
	return &Path{Edges: edges}
}

// FindAllPaths returns every simple path from source to target up to
// maxDepth edges, sorted shortest-first.
func (g *Graph) FindAllPaths(source, target string, maxDepth int) []*Path {
	var results []*Path
	visited := map[string]bool{source: true}
	g.dfsFindPaths(source, target, maxDepth, visited, nil, &results)

	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && len(results[j].Edges) < len(results[j-1].Edges); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
	return results
}

func (g *Graph) dfsFindPaths(cur, target string, remaining int, visited map[string]bool, path []Edge, results *[]*Path) {
	if remaining <= 0 {
		return
	}
	for _, e := range g.GetOutgoing(cur) {
		if visited[e.ToSpec] {
			continue
		}
		nextPath := append(append([]Edge{}, path...), e)

		if e.ToSpec == target || mediaUrnSatisfies(target, e.ToSpec) {
			*results = append(*results, &Path{Edges: nextPath})
			continue
		}

		visited[e.ToSpec] = true
		g.dfsFindPaths(e.ToSpec, target, remaining-1, visited, nextPath, results)
		delete(visited, e.ToSpec)
	}
}

// FindBestPath returns the path among FindAllPaths with the greatest total
// specificity, preferring the first found on ties.
func (g *Graph) FindBestPath(source, target string, maxDepth int) (*Path, error) {
	paths := g.FindAllPaths(source, target, maxDepth)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no path found from %s to %s", source, target)
	}
	best := paths[0]
	for _, p := range paths[1:] {
		if p.TotalSpecificity() > best.TotalSpecificity() {
			best = p
		}
	}
	return best, nil
}

// ReachableTargets returns every node reachable from source within
// [minDepth, maxDepth] edges, a frontier query distinct from FindPath
// (ported from the original implementation's get-reachable-targets).
func (g *Graph) ReachableTargets(source string, minDepth, maxDepth int) []string {
	type frontierEntry struct {
		spec  string
		depth int
	}

	visited := map[string]bool{source: true}
	queue := []frontierEntry{{spec: source, depth: 0}}
	var out []string
	seenOut := map[string]bool{}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}
		for _, e := range g.GetOutgoing(cur.spec) {
			if visited[e.ToSpec] {
				continue
			}
			visited[e.ToSpec] = true
			nextDepth := cur.depth + 1
			if nextDepth >= minDepth && !seenOut[e.ToSpec] {
				out = append(out, e.ToSpec)
				seenOut[e.ToSpec] = true
			}
			queue = append(queue, frontierEntry{spec: e.ToSpec, depth: nextDepth})
		}
	}
	return out
}

// GetInputSpecs returns every distinct FromSpec in the graph.
func (g *Graph) GetInputSpecs() []string {
	specs := make([]string, 0, len(g.outgoing))
	for s := range g.outgoing {
		specs = append(specs, s)
	}
	return specs
}

// GetOutputSpecs returns every distinct ToSpec in the graph.
func (g *Graph) GetOutputSpecs() []string {
	specs := make([]string, 0, len(g.incoming))
	for s := range g.incoming {
		specs = append(specs, s)
	}
	return specs
}

// Stats summarizes the graph's size.
func (g *Graph) Stats() Stats {
	return Stats{
		NodeCount:       len(g.nodes),
		EdgeCount:       len(g.edges),
		InputSpecCount:  len(g.outgoing),
		OutputSpecCount: len(g.incoming),
	}
}
