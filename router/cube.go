package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/filegrind/capns-go/cap"
	"github.com/filegrind/capns-go/graph"
)

// registryEntry is one named Matrix within a Cube.
type registryEntry struct {
	name   string
	matrix *Matrix
}

// Cube is a composite router over multiple named Matrix registries,
// polling each for the best match and picking the single best overall
// (spec.md component H).
type Cube struct {
	mu         sync.RWMutex
	registries []registryEntry
}

// NewCube creates an empty Cube.
func NewCube() *Cube {
	return &Cube{}
}

// AddRegistry registers a named Matrix with the cube. Registries are
// polled in registration order, which breaks ties among equal-specificity
// matches across registries.
func (cb *Cube) AddRegistry(name string, m *Matrix) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.registries = append(cb.registries, registryEntry{name: name, matrix: m})
}

// RemoveRegistry removes a named registry, reporting whether it existed.
func (cb *Cube) RemoveRegistry(name string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for i, r := range cb.registries {
		if r.name == name {
			cb.registries = append(cb.registries[:i], cb.registries[i+1:]...)
			return true
		}
	}
	return false
}

// GetRegistry returns a named registry's Matrix, if present.
func (cb *Cube) GetRegistry(name string) (*Matrix, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	for _, r := range cb.registries {
		if r.name == name {
			return r.matrix, true
		}
	}
	return nil, false
}

// GetRegistryNames returns every registered registry's name, in
// registration order.
func (cb *Cube) GetRegistryNames() []string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	names := make([]string, len(cb.registries))
	for i, r := range cb.registries {
		names[i] = r.name
	}
	return names
}

// bestMatch is the outcome of polling every registry for a request.
type bestMatch struct {
	Match        Match
	RegistryName string
}

// findBestInRegistry polls a single registry, returning its best match if any.
func (cb *Cube) findBestInRegistry(name string, m *Matrix, requestUrn string) (*bestMatch, error) {
	match, err := m.Best(requestUrn)
	if err != nil {
		return nil, err
	}
	return &bestMatch{Match: *match, RegistryName: name}, nil
}

// FindBestCapSet polls every registry and returns the strictly best match
// (highest specificity across all registries), first-registered wins ties.
func (cb *Cube) FindBestCapSet(requestUrn string) (*bestMatch, error) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	var best *bestMatch
	for _, r := range cb.registries {
		candidate, err := cb.findBestInRegistry(r.name, r.matrix, requestUrn)
		if err != nil {
			continue
		}
		if best == nil || candidate.Match.Specificity > best.Match.Specificity {
			best = candidate
		}
	}
	if best == nil {
		return nil, NewNoSetsFoundError(requestUrn)
	}
	return best, nil
}

// CanHandle reports whether any registry can satisfy requestUrn.
func (cb *Cube) CanHandle(requestUrn string) bool {
	_, err := cb.FindBestCapSet(requestUrn)
	return err == nil
}

// Can finds the best provider for requestUrn across every registry and
// returns a ready-to-invoke CapCaller bound to a CompositeCapSet spanning
// all registries (so a fan-out plan step can still route sub-requests to
// whichever registry actually serves them).
func (cb *Cube) Can(requestUrn string) (*cap.CapCaller, error) {
	best, err := cb.FindBestCapSet(requestUrn)
	if err != nil {
		return nil, err
	}

	composite := newCompositeCapSet(cb)
	return cap.NewCapCaller(requestUrn, composite, best.Match.Cap), nil
}

// Graph builds a graph.Graph from every cap registered across every
// registry in this cube.
func (cb *Cube) Graph() *graph.Graph {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	g := graph.New()
	for _, r := range cb.registries {
		for _, c := range r.matrix.AllCaps() {
			g.AddCap(c, r.name)
		}
	}
	return g
}

// compositeCapSet implements cap.CapSet by routing each execution to
// whichever registry in the cube actually matches the request, re-running
// the same specificity poll Can() used to select the definition.
type compositeCapSet struct {
	cube *Cube
}

func newCompositeCapSet(cube *Cube) *compositeCapSet {
	return &compositeCapSet{cube: cube}
}

func (cs *compositeCapSet) ExecuteCap(ctx context.Context, capUrn string, arguments []cap.CapArgumentValue) (*cap.HostResult, error) {
	best, err := cs.cube.FindBestCapSet(capUrn)
	if err != nil {
		return nil, fmt.Errorf("composite cap set: %w", err)
	}
	return best.Match.Provider.ExecuteCap(ctx, capUrn, arguments)
}
