package urn

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Error codes for CapUrn operations, layered on top of the TaggedUrn codes.
const (
	ErrorMissingInSpec   = 10
	ErrorMissingOutSpec  = 11
	ErrorInvalidMediaUrn = 12
)

// CapUrnError is the single error type for the cap URN subsystem.
type CapUrnError struct {
	Code    int
	Message string
}

func (e *CapUrnError) Error() string {
	return e.Message
}

func isValidMediaUrnOrWildcard(value string) bool {
	return value == "*" || strings.HasPrefix(value, "media:")
}

// CapUrn is a TaggedUrn whose prefix is "cap" and which must carry both an
// `in` and an `out` tag, each either `*` or a valid media URN string.
// Direction is integral to a cap's identity, so in/out are stored apart from
// the free-form tags.
type CapUrn struct {
	inSpec  string
	outSpec string
	tags    map[string]string
}

// NewCapUrnFromString parses `cap:in=...;out=...;k=v;...`.
func NewCapUrnFromString(s string) (*CapUrn, error) {
	if s == "" {
		return nil, &CapUrnError{Code: ErrorInvalidFormat, Message: "cap URN cannot be empty"}
	}
	if len(s) < 4 || !strings.EqualFold(s[:4], "cap:") {
		return nil, &CapUrnError{Code: ErrorMissingCapPrefix, Message: "cap URN must start with 'cap:'"}
	}

	parsed, err := NewTaggedUrnFromString(s)
	if err != nil {
		if te, ok := err.(*TaggedUrnError); ok {
			return nil, &CapUrnError{Code: te.Code, Message: te.Message}
		}
		return nil, &CapUrnError{Code: ErrorInvalidFormat, Message: err.Error()}
	}
	if parsed.GetPrefix() != "cap" {
		return nil, &CapUrnError{Code: ErrorMissingCapPrefix, Message: "cap URN must start with 'cap:'"}
	}

	inSpec, hasIn := parsed.GetTag("in")
	if !hasIn || inSpec == "" {
		return nil, &CapUrnError{Code: ErrorMissingInSpec, Message: "cap URN is missing required 'in' tag - use media:void for no input"}
	}
	if !isValidMediaUrnOrWildcard(inSpec) {
		return nil, &CapUrnError{Code: ErrorInvalidMediaUrn, Message: fmt.Sprintf("'in' value must be a media URN or '*', got: %s", inSpec)}
	}

	outSpec, hasOut := parsed.GetTag("out")
	if !hasOut || outSpec == "" {
		return nil, &CapUrnError{Code: ErrorMissingOutSpec, Message: "cap URN is missing required 'out' tag"}
	}
	if !isValidMediaUrnOrWildcard(outSpec) {
		return nil, &CapUrnError{Code: ErrorInvalidMediaUrn, Message: fmt.Sprintf("'out' value must be a media URN or '*', got: %s", outSpec)}
	}

	tags := make(map[string]string)
	for k, v := range parsed.AllTags() {
		if k != "in" && k != "out" {
			tags[k] = v
		}
	}
	return &CapUrn{inSpec: inSpec, outSpec: outSpec, tags: tags}, nil
}

// Error codes reused from the tagged URN layer plus a cap-specific prefix code.
const ErrorMissingCapPrefix = 20

// NewCapUrnFromTags builds a CapUrn directly from a tag map that must
// contain `in` and `out`.
func NewCapUrnFromTags(tags map[string]string) (*CapUrn, error) {
	normalized := make(map[string]string, len(tags))
	for k, v := range tags {
		normalized[strings.ToLower(k)] = v
	}
	inSpec, hasIn := normalized["in"]
	if !hasIn {
		return nil, &CapUrnError{Code: ErrorMissingInSpec, Message: "cap URN is missing required 'in' tag"}
	}
	delete(normalized, "in")
	if !isValidMediaUrnOrWildcard(inSpec) {
		return nil, &CapUrnError{Code: ErrorInvalidMediaUrn, Message: fmt.Sprintf("'in' value must be a media URN or '*', got: %s", inSpec)}
	}

	outSpec, hasOut := normalized["out"]
	if !hasOut {
		return nil, &CapUrnError{Code: ErrorMissingOutSpec, Message: "cap URN is missing required 'out' tag"}
	}
	delete(normalized, "out")
	if !isValidMediaUrnOrWildcard(outSpec) {
		return nil, &CapUrnError{Code: ErrorInvalidMediaUrn, Message: fmt.Sprintf("'out' value must be a media URN or '*', got: %s", outSpec)}
	}

	return &CapUrn{inSpec: inSpec, outSpec: outSpec, tags: normalized}, nil
}

// NewCapUrn builds a CapUrn from direction specs and a free-form tag map.
func NewCapUrn(inSpec, outSpec string, tags map[string]string) *CapUrn {
	normalized := make(map[string]string, len(tags))
	for k, v := range tags {
		kl := strings.ToLower(k)
		if kl != "in" && kl != "out" {
			normalized[kl] = v
		}
	}
	return &CapUrn{inSpec: inSpec, outSpec: outSpec, tags: normalized}
}

// InSpec returns the input direction spec.
func (c *CapUrn) InSpec() string { return c.inSpec }

// OutSpec returns the output direction spec.
func (c *CapUrn) OutSpec() string { return c.outSpec }

// GetTag returns a tag's value; "in"/"out" resolve to the direction specs.
func (c *CapUrn) GetTag(key string) (string, bool) {
	switch strings.ToLower(key) {
	case "in":
		return c.inSpec, true
	case "out":
		return c.outSpec, true
	default:
		v, ok := c.tags[strings.ToLower(key)]
		return v, ok
	}
}

// HasTag reports whether a tag is present with an exact value.
func (c *CapUrn) HasTag(key, value string) bool {
	switch strings.ToLower(key) {
	case "in":
		return c.inSpec == value
	case "out":
		return c.outSpec == value
	default:
		v, ok := c.tags[strings.ToLower(key)]
		return ok && v == value
	}
}

// WithTag returns a copy with a tag added or replaced. "in"/"out" are not
// settable this way; use WithInSpec/WithOutSpec.
func (c *CapUrn) WithTag(key, value string) *CapUrn {
	kl := strings.ToLower(key)
	if kl == "in" || kl == "out" {
		return c
	}
	newTags := make(map[string]string, len(c.tags)+1)
	for k, v := range c.tags {
		newTags[k] = v
	}
	newTags[kl] = value
	return &CapUrn{inSpec: c.inSpec, outSpec: c.outSpec, tags: newTags}
}

// WithInSpec returns a copy with a different input spec.
func (c *CapUrn) WithInSpec(inSpec string) *CapUrn {
	return &CapUrn{inSpec: inSpec, outSpec: c.outSpec, tags: c.tags}
}

// WithOutSpec returns a copy with a different output spec.
func (c *CapUrn) WithOutSpec(outSpec string) *CapUrn {
	return &CapUrn{inSpec: c.inSpec, outSpec: outSpec, tags: c.tags}
}

// WithoutTag returns a copy with a tag removed. "in"/"out" cannot be removed.
func (c *CapUrn) WithoutTag(key string) *CapUrn {
	kl := strings.ToLower(key)
	if kl == "in" || kl == "out" {
		return c
	}
	newTags := make(map[string]string, len(c.tags))
	for k, v := range c.tags {
		if k != kl {
			newTags[k] = v
		}
	}
	return &CapUrn{inSpec: c.inSpec, outSpec: c.outSpec, tags: newTags}
}

// WithWildcardTag returns a copy with the given tag forced to "*".
func (c *CapUrn) WithWildcardTag(key string) *CapUrn {
	switch strings.ToLower(key) {
	case "in":
		return c.WithInSpec("*")
	case "out":
		return c.WithOutSpec("*")
	default:
		kl := strings.ToLower(key)
		if _, ok := c.tags[kl]; !ok {
			return c
		}
		return c.WithTag(kl, "*")
	}
}

// Subset returns a copy retaining only the named free-form tags (in/out
// always remain, since they are required).
func (c *CapUrn) Subset(keys []string) *CapUrn {
	newTags := make(map[string]string)
	for _, key := range keys {
		kl := strings.ToLower(key)
		if kl == "in" || kl == "out" {
			continue
		}
		if v, ok := c.tags[kl]; ok {
			newTags[kl] = v
		}
	}
	return &CapUrn{inSpec: c.inSpec, outSpec: c.outSpec, tags: newTags}
}

// Merge returns a copy combining this cap's tags with other's, other taking
// precedence on conflicts; direction specs come from other.
func (c *CapUrn) Merge(other *CapUrn) *CapUrn {
	newTags := make(map[string]string, len(c.tags)+len(other.tags))
	for k, v := range c.tags {
		newTags[k] = v
	}
	for k, v := range other.tags {
		newTags[k] = v
	}
	return &CapUrn{inSpec: other.inSpec, outSpec: other.outSpec, tags: newTags}
}

func directionUrn(spec string) (*TaggedUrn, error) {
	return NewTaggedUrnFromString(spec)
}

// Matches reports whether this cap, acting as a handler, accepts the given
// request: request-in must conform to cap-in (contravariant), cap-out must
// conform to request-out (covariant), and all other tags follow the
// standard conformance table.
func (c *CapUrn) Matches(request *CapUrn) bool {
	if request == nil {
		return true
	}

	if c.inSpec != "*" && request.inSpec != "*" {
		capIn, err := directionUrn(c.inSpec)
		if err != nil {
			return false
		}
		reqIn, err := directionUrn(request.inSpec)
		if err != nil {
			return false
		}
		ok, err := reqIn.Matches(capIn)
		if err != nil || !ok {
			return false
		}
	}

	if c.outSpec != "*" && request.outSpec != "*" {
		capOut, err := directionUrn(c.outSpec)
		if err != nil {
			return false
		}
		reqOut, err := directionUrn(request.outSpec)
		if err != nil {
			return false
		}
		ok, err := capOut.Matches(reqOut)
		if err != nil || !ok {
			return false
		}
	}

	allKeys := make(map[string]bool, len(c.tags)+len(request.tags))
	for k := range c.tags {
		allKeys[k] = true
	}
	for k := range request.tags {
		allKeys[k] = true
	}
	for key := range allKeys {
		capVal, capOk := c.tags[key]
		reqVal, reqOk := request.tags[key]
		var inst, patt *string
		if reqOk {
			inst = &reqVal
		}
		if capOk {
			patt = &capVal
		}
		if !valueConforms(inst, patt) {
			return false
		}
	}
	return true
}

// CanHandle is an alias of Matches read from the provider's point of view.
func (c *CapUrn) CanHandle(request *CapUrn) bool {
	return c.Matches(request)
}

// Accepts is the glossary-level name for Matches: this cap, as a pattern,
// accepts the given instance cap.
func (c *CapUrn) Accepts(instance *CapUrn) bool {
	return c.Matches(instance)
}

// ConformsTo is the dual of Accepts: c.ConformsTo(pattern) == pattern.Accepts(c).
func (c *CapUrn) ConformsTo(pattern *CapUrn) bool {
	if pattern == nil {
		return true
	}
	return pattern.Matches(c)
}

func valueScore(value string) int {
	switch value {
	case "?":
		return 0
	case "!":
		return 1
	case "*":
		return 2
	default:
		return 3
	}
}

// Specificity is the graded score used for routing tie-breaking: every tag,
// including the in/out direction specs, scores by the same
// exact(3)/must-have(2)/must-not(1)/unconstrained(0) grading (spec.md §3).
// A direction spec is a concrete media URN (exact, 3) unless it is the
// wildcard "*" (must-have, 2), "!" (must-not, 1), or "?"/absent
// (unconstrained, 0).
func (c *CapUrn) Specificity() int {
	score := valueScore(c.inSpec) + valueScore(c.outSpec)
	for _, v := range c.tags {
		score += valueScore(v)
	}
	return score
}

// IsMoreSpecificThan reports whether this cap outranks other: both must be
// compatible, and this one's specificity must be strictly greater.
func (c *CapUrn) IsMoreSpecificThan(other *CapUrn) bool {
	if other == nil {
		return true
	}
	if !c.IsCompatibleWith(other) {
		return false
	}
	return c.Specificity() > other.Specificity()
}

// IsCompatibleWith reports whether two caps could potentially match the
// same requests, treating wildcards and absent tags as joker values.
func (c *CapUrn) IsCompatibleWith(other *CapUrn) bool {
	if other == nil {
		return true
	}

	if c.inSpec != "*" && other.inSpec != "*" {
		a, errA := directionUrn(c.inSpec)
		b, errB := directionUrn(other.inSpec)
		if errA != nil || errB != nil {
			return false
		}
		fwd, _ := a.Matches(b)
		rev, _ := b.Matches(a)
		if !fwd && !rev {
			return false
		}
	}

	if c.outSpec != "*" && other.outSpec != "*" {
		a, errA := directionUrn(c.outSpec)
		b, errB := directionUrn(other.outSpec)
		if errA != nil || errB != nil {
			return false
		}
		fwd, _ := a.Matches(b)
		rev, _ := b.Matches(a)
		if !fwd && !rev {
			return false
		}
	}

	allKeys := make(map[string]bool, len(c.tags)+len(other.tags))
	for k := range c.tags {
		allKeys[k] = true
	}
	for k := range other.tags {
		allKeys[k] = true
	}
	for key := range allKeys {
		v1, ok1 := c.tags[key]
		v2, ok2 := other.tags[key]
		if ok1 && ok2 && v1 != "*" && v2 != "*" && v1 != v2 {
			return false
		}
	}
	return true
}

// ToString renders the canonical form via the underlying tagged URN.
func (c *CapUrn) ToString() string {
	allTags := make(map[string]string, len(c.tags)+2)
	allTags["in"] = c.inSpec
	allTags["out"] = c.outSpec
	for k, v := range c.tags {
		allTags[k] = v
	}
	return NewTaggedUrnFromTags("cap", allTags).String()
}

// String implements fmt.Stringer.
func (c *CapUrn) String() string { return c.ToString() }

// Equals reports exact tag-set equality including direction specs.
func (c *CapUrn) Equals(other *CapUrn) bool {
	if other == nil {
		return false
	}
	if c.inSpec != other.inSpec || c.outSpec != other.outSpec {
		return false
	}
	if len(c.tags) != len(other.tags) {
		return false
	}
	for k, v := range c.tags {
		ov, ok := other.tags[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Hash returns a content hash of the canonical string form.
func (c *CapUrn) Hash() string {
	h := sha256.Sum256([]byte(c.ToString()))
	return fmt.Sprintf("%x", h)
}

// MarshalJSON implements json.Marshaler.
func (c *CapUrn) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.ToString())
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *CapUrn) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to unmarshal CapUrn: expected string, got %s", string(data))
	}
	parsed, err := NewCapUrnFromString(s)
	if err != nil {
		return err
	}
	c.inSpec = parsed.inSpec
	c.outSpec = parsed.outSpec
	c.tags = parsed.tags
	return nil
}

// CapMatcher groups specificity-ranked matching utilities over a flat slice
// of cap URNs; the Matrix/Cube types build on the same relation at the
// registry level.
type CapMatcher struct{}

// FindBestMatch returns the most specific cap handling request, or nil.
func (m *CapMatcher) FindBestMatch(caps []*CapUrn, request *CapUrn) *CapUrn {
	var best *CapUrn
	bestScore := -1
	for _, c := range caps {
		if c.CanHandle(request) {
			if s := c.Specificity(); s > bestScore {
				best = c
				bestScore = s
			}
		}
	}
	return best
}

// FindAllMatches returns every cap handling request, most specific first.
func (m *CapMatcher) FindAllMatches(caps []*CapUrn, request *CapUrn) []*CapUrn {
	var matches []*CapUrn
	for _, c := range caps {
		if c.CanHandle(request) {
			matches = append(matches, c)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Specificity() > matches[j].Specificity()
	})
	return matches
}

// AreCompatible reports whether any pair across the two sets is compatible.
func (m *CapMatcher) AreCompatible(caps1, caps2 []*CapUrn) bool {
	for _, c1 := range caps1 {
		for _, c2 := range caps2 {
			if c1.IsCompatibleWith(c2) {
				return true
			}
		}
	}
	return false
}

// CapUrnBuilder is a fluent builder for CapUrn; in/out must be set before Build.
type CapUrnBuilder struct {
	inSpec  *string
	outSpec *string
	tags    map[string]string
}

// NewCapUrnBuilder creates an empty builder.
func NewCapUrnBuilder() *CapUrnBuilder {
	return &CapUrnBuilder{tags: make(map[string]string)}
}

// InSpec sets the required input spec.
func (b *CapUrnBuilder) InSpec(spec string) *CapUrnBuilder {
	b.inSpec = &spec
	return b
}

// OutSpec sets the required output spec.
func (b *CapUrnBuilder) OutSpec(spec string) *CapUrnBuilder {
	b.outSpec = &spec
	return b
}

// Tag adds a free-form tag; "in"/"out" are ignored here.
func (b *CapUrnBuilder) Tag(key, value string) *CapUrnBuilder {
	kl := strings.ToLower(key)
	if kl == "in" || kl == "out" {
		return b
	}
	b.tags[kl] = value
	return b
}

// Build validates and constructs the CapUrn.
func (b *CapUrnBuilder) Build() (*CapUrn, error) {
	if b.inSpec == nil {
		return nil, &CapUrnError{Code: ErrorMissingInSpec, Message: "cap URN is missing required 'in' spec"}
	}
	if b.outSpec == nil {
		return nil, &CapUrnError{Code: ErrorMissingOutSpec, Message: "cap URN is missing required 'out' spec"}
	}
	return &CapUrn{inSpec: *b.inSpec, outSpec: *b.outSpec, tags: b.tags}, nil
}
