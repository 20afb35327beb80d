// Package router implements the single-registry Matrix and the composite
// Cube that routes a cap request to the best-matching provider across
// multiple registries, by graded specificity with deterministic
// tie-breaking.
package router

import (
	"fmt"

	"github.com/filegrind/capns-go/cap"
	"github.com/filegrind/capns-go/urn"
)

// MatrixError is the typed error sum for Matrix/Cube routing failures.
type MatrixError struct {
	Type    string
	Message string
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewNoSetsFoundError reports that no registered provider accepts a request.
func NewNoSetsFoundError(capUrn string) *MatrixError {
	return &MatrixError{Type: "NoSetsFound", Message: fmt.Sprintf("no cap sets found for capability: %s", capUrn)}
}

// NewInvalidUrnError reports a malformed request or registry cap URN.
func NewInvalidUrnError(capUrn, reason string) *MatrixError {
	return &MatrixError{Type: "InvalidUrn", Message: fmt.Sprintf("invalid capability URN: %s: %s", capUrn, reason)}
}

// setEntry is a single registered provider within a Matrix: a name, the
// CapSet that can execute its caps, and the caps it declares.
type setEntry struct {
	name string
	host cap.CapSet
	caps []*cap.Cap
}

// Matrix is a single-registry index of cap definitions to their executing
// providers (spec.md component G).
type Matrix struct {
	sets  map[string]*setEntry
	order []string
}

// NewMatrix creates an empty Matrix.
func NewMatrix() *Matrix {
	return &Matrix{sets: make(map[string]*setEntry)}
}

// Register adds a named provider and the caps it serves. Re-registering an
// existing name updates its caps in place without disturbing its original
// position in registration order.
func (m *Matrix) Register(name string, host cap.CapSet, caps []*cap.Cap) {
	if _, exists := m.sets[name]; !exists {
		m.order = append(m.order, name)
	}
	m.sets[name] = &setEntry{name: name, host: host, caps: caps}
}

// Unregister removes a named provider, reporting whether it existed.
func (m *Matrix) Unregister(name string) bool {
	if _, ok := m.sets[name]; !ok {
		return false
	}
	delete(m.sets, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// Clear removes every registered provider.
func (m *Matrix) Clear() {
	m.sets = make(map[string]*setEntry)
	m.order = nil
}

// Match pairs a matching cap definition with the provider and specificity
// score that produced it.
type Match struct {
	Cap         *cap.Cap
	Specificity int
	Provider    cap.CapSet
}

// FindMatches returns every provider whose cap accepts requestUrn, sorted by
// decreasing specificity. Ties keep registration (insertion) order, as
// required by spec.md §4.2.
func (m *Matrix) FindMatches(requestUrn string) ([]Match, error) {
	request, err := urn.NewCapUrnFromString(requestUrn)
	if err != nil {
		return nil, NewInvalidUrnError(requestUrn, err.Error())
	}

	var matches []Match
	for _, name := range m.order {
		entry := m.sets[name]
		for _, c := range entry.caps {
			if c.Urn.Matches(request) {
				matches = append(matches, Match{Cap: c, Specificity: c.Urn.Specificity(), Provider: entry.host})
				break
			}
		}
	}

	if len(matches) == 0 {
		return nil, NewNoSetsFoundError(requestUrn)
	}

	// Stable sort by decreasing specificity; insertion order (already the
	// iteration order collected above within a stable sort) wins ties.
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Specificity > matches[j-1].Specificity; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}

	return matches, nil
}

// Best returns the single best (highest-specificity) match for a request.
func (m *Matrix) Best(requestUrn string) (*Match, error) {
	matches, err := m.FindMatches(requestUrn)
	if err != nil {
		return nil, err
	}
	return &matches[0], nil
}

// Accepts reports whether any registered provider can handle requestUrn.
func (m *Matrix) Accepts(requestUrn string) bool {
	_, err := m.FindMatches(requestUrn)
	return err == nil
}

// ProviderNames returns the names of every registered provider, in
// registration order.
func (m *Matrix) ProviderNames() []string {
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}

// AllCaps returns every cap definition registered across all providers, in
// registration order.
func (m *Matrix) AllCaps() []*cap.Cap {
	var caps []*cap.Cap
	for _, name := range m.order {
		caps = append(caps, m.sets[name].caps...)
	}
	return caps
}
