// Package cardinality detects and reasons about single-vs-list media URN
// shapes, deciding whether a cap chain needs fan-out/collect scaffolding
// (spec.md component K).
package cardinality

import (
	"github.com/filegrind/capns-go/urn"
)

// InputCardinality is the shape of a cap's input or output: a single
// item, or a list (sequence) of items.
type InputCardinality int

const (
	// Single is exactly one item: no `list` marker on the media URN.
	Single InputCardinality = iota
	// Sequence is an array of items: the media URN carries a `list` marker.
	Sequence
	// AtLeastOne accepts either shape (used by caps declared with `*` in
	// a position that tolerates both).
	AtLeastOne
)

// FromMediaUrn parses cardinality from a media URN string. Registered
// media specs (media/spec.go's MediaStringArray and friends) tag list
// shape as `form=list`, while URNs built directly through the urn
// package use a bare `list` marker tag; both conventions are in active
// use across the cap definitions this runtime consumes, so both are
// recognized here. No marker of either kind means Single. An
// unparseable URN is treated as Single.
func FromMediaUrn(mediaUrn string) InputCardinality {
	m, err := urn.NewMediaUrnFromString(mediaUrn)
	if err != nil {
		return Single
	}
	if isListShaped(m) {
		return Sequence
	}
	return Single
}

func isListShaped(m *urn.MediaUrn) bool {
	if m.IsList() {
		return true
	}
	form, ok := m.GetTag("form")
	return ok && form == "list"
}

// IsMultiple reports whether this cardinality can represent more than one item.
func (c InputCardinality) IsMultiple() bool {
	return c == Sequence || c == AtLeastOne
}

// AcceptsSingle reports whether this cardinality can represent exactly one item.
func (c InputCardinality) AcceptsSingle() bool {
	return c == Single || c == AtLeastOne
}

// ApplyToUrn returns baseUrn with this cardinality's `list` marker applied
// (added for Sequence, left as-is for Single/AtLeastOne).
func ApplyToUrn(c InputCardinality, baseUrn string) string {
	if c != Sequence {
		return baseUrn
	}
	m, err := urn.NewMediaUrnFromString(baseUrn)
	if err != nil {
		return baseUrn
	}
	if m.IsList() {
		return baseUrn
	}
	return baseUrn + ";list=*"
}

// Compatibility describes how data of one cardinality can flow into an
// input expecting another.
type Compatibility int

const (
	// Direct means no transformation is needed.
	Direct Compatibility = iota
	// WrapInArray means a single item must be wrapped in a one-element list.
	WrapInArray
	// RequiresFanOut means the sequence must be iterated, running the
	// downstream step once per item.
	RequiresFanOut
)

// IsCompatibleWith reports how data with the given source cardinality can
// flow into an input expecting the target cardinality.
func IsCompatibleWith(target, source InputCardinality) Compatibility {
	switch {
	case target == source:
		return Direct
	case target == Sequence && source == Single:
		return WrapInArray
	case target == Single && source == Sequence:
		return RequiresFanOut
	case target == AtLeastOne:
		return Direct
	case source == AtLeastOne:
		return Direct
	default:
		return Direct
	}
}

// Pattern describes the cardinality shape of a single cap transformation.
type Pattern int

const (
	OneToOne Pattern = iota
	OneToMany
	ManyToOne
	ManyToMany
)

// ProducesVector reports whether this pattern may produce multiple outputs.
func (p Pattern) ProducesVector() bool {
	return p == OneToMany || p == ManyToMany
}

// RequiresVector reports whether this pattern requires multiple inputs.
func (p Pattern) RequiresVector() bool {
	return p == ManyToOne || p == ManyToMany
}

// CapInfo is the cardinality analysis for a single cap, derived from its
// declared input and output media specs.
type CapInfo struct {
	CapUrn string
	Input  InputCardinality
	Output InputCardinality
}

// FromCapSpecs builds a CapInfo from a cap's in/out spec strings.
func FromCapSpecs(capUrn, inSpec, outSpec string) CapInfo {
	return CapInfo{
		CapUrn: capUrn,
		Input:  FromMediaUrn(inSpec),
		Output: FromMediaUrn(outSpec),
	}
}

// Pattern describes the cardinality transformation this cap performs.
func (ci CapInfo) Pattern() Pattern {
	switch {
	case !ci.Input.IsMultiple() && !ci.Output.IsMultiple():
		return OneToOne
	case !ci.Input.IsMultiple() && ci.Output.IsMultiple():
		return OneToMany
	case ci.Input.IsMultiple() && !ci.Output.IsMultiple():
		return ManyToOne
	default:
		return ManyToMany
	}
}

// ChainAnalysis summarizes cardinality flow through a sequence of caps,
// identifying exactly where fan-out and single-to-list wrap scaffolding
// must be inserted.
type ChainAnalysis struct {
	InitialInput InputCardinality
	FinalOutput  InputCardinality
	// FanOutPoints are the indices of caps that must run inside a
	// ForEach/Collect pair because the running cardinality arriving at
	// that step is a list but the cap itself only accepts a single item.
	FanOutPoints []int
	// WrapPoints are boundary indices needing a single-item-to-one-element-
	// list wrap: index i is the boundary immediately before chain[i], and
	// index len(chain) is the boundary after the last cap (a wrap to match
	// a list-shaped requested output).
	WrapPoints []int
}

// AnalyzeChain walks a chain of CapInfo (in execution order), assuming the
// request's input and output cardinalities equal the chain's own declared
// endpoints. Most callers have an actual requested source/target
// cardinality, which may differ from the chain's own endpoints, and should
// call AnalyzeChainForRequest instead.
func AnalyzeChain(chain []CapInfo) ChainAnalysis {
	if len(chain) == 0 {
		return ChainAnalysis{}
	}
	return AnalyzeChainForRequest(chain, chain[0].Input, chain[len(chain)-1].Output)
}

// AnalyzeChainForRequest walks a chain of CapInfo (in execution order),
// seeded from the cardinality actually requested at the chain's input and
// output boundary — the requested input file's cardinality and the
// requested target's — which may differ from the chain's own declared
// endpoints (e.g. a list input feeding a chain whose first cap only
// declares a scalar input). It records every point requiring a
// ForEach/Collect pair (FanOutPoints) and every boundary requiring a
// single-to-one-element-list wrap (WrapPoints), per spec.md §4.6's
// compatibility table.
//
// When no mismatch occurs anywhere in the chain, both point lists are empty
// and the Plan Builder can short-circuit and emit a flat sequence of Invoke
// nodes with no scaffolding at all (the supplemented collection-input
// behavior from CSCollectionInput.h).
func AnalyzeChainForRequest(chain []CapInfo, requestedInput, requestedOutput InputCardinality) ChainAnalysis {
	if len(chain) == 0 {
		return ChainAnalysis{}
	}

	analysis := ChainAnalysis{
		InitialInput: chain[0].Input,
		FinalOutput:  chain[len(chain)-1].Output,
	}

	running := requestedInput
	for i, step := range chain {
		switch IsCompatibleWith(step.Input, running) {
		case RequiresFanOut:
			analysis.FanOutPoints = append(analysis.FanOutPoints, i)
			// A Collect always reassembles per-element outputs into a list.
			running = Sequence
		case WrapInArray:
			analysis.WrapPoints = append(analysis.WrapPoints, i)
			running = step.Output
		default:
			running = step.Output
		}
	}

	// Only a trailing wrap is handled here: reducing a genuinely fanned-out
	// list down to a requested scalar output has no corresponding plan node
	// (no Reduce node exists), so a tail RequiresFanOut is left unreported.
	if IsCompatibleWith(requestedOutput, running) == WrapInArray {
		analysis.WrapPoints = append(analysis.WrapPoints, len(chain))
	}

	return analysis
}
