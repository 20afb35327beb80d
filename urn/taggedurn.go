// Package urn implements the tagged URN algebra shared by every media and
// cap identifier in the system: parsing, canonical serialization, and the
// wildcard conformance relation that the router and planner build on.
package urn

import (
	"fmt"
	"sort"
	"strings"
)

// Error codes for TaggedUrn parsing failures.
const (
	ErrorInvalidFormat    = 1
	ErrorEmptyTag         = 2
	ErrorInvalidCharacter = 3
	ErrorInvalidTagFormat = 4
	ErrorPrefixMismatch   = 5
	ErrorDuplicateKey     = 6
	ErrorNumericKey       = 7
	ErrorUnterminatedQuote = 8
	ErrorInvalidEscape    = 9
)

// TaggedUrnError is the single error type for the tagged URN subsystem, with
// a kind discriminator rather than distinct error types per failure mode.
type TaggedUrnError struct {
	Code    int
	Message string
}

func (e *TaggedUrnError) Error() string {
	return e.Message
}

func newErr(code int, format string, args ...interface{}) *TaggedUrnError {
	return &TaggedUrnError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// TaggedUrn is the immutable parsed form of `prefix:k1=v1;k2=v2;...`.
// Pattern literals for a tag value: a concrete string, "*" (must-have-any),
// "!" (must-not-have), or "?" (unconstrained, equivalent to absence).
type TaggedUrn struct {
	prefix string
	tags   map[string]string
}

// NewTaggedUrnFromTags builds a TaggedUrn from a prefix and tag map.
// Keys are lowercased; values are preserved as-is.
func NewTaggedUrnFromTags(prefix string, tags map[string]string) *TaggedUrn {
	normalized := make(map[string]string, len(tags))
	for k, v := range tags {
		normalized[strings.ToLower(k)] = v
	}
	return &TaggedUrn{prefix: strings.ToLower(prefix), tags: normalized}
}

// NewTaggedUrnFromString parses a tagged URN string.
func NewTaggedUrnFromString(s string) (*TaggedUrn, error) {
	if s == "" {
		return nil, newErr(ErrorInvalidFormat, "tagged URN cannot be empty")
	}

	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return nil, newErr(ErrorInvalidFormat, "tagged URN must contain a ':' after the prefix")
	}
	prefix := s[:colon]
	if prefix == "" {
		return nil, newErr(ErrorInvalidFormat, "tagged URN prefix cannot be empty")
	}
	rest := s[colon+1:]

	tags := make(map[string]string)
	order := make([]string, 0, 4)

	i := 0
	n := len(rest)
	for i < n {
		// skip a stray trailing separator
		for i < n && rest[i] == ';' {
			i++
		}
		if i >= n {
			break
		}

		keyStart := i
		for i < n && rest[i] != '=' && rest[i] != ';' {
			i++
		}
		key := rest[keyStart:i]
		if key == "" {
			return nil, newErr(ErrorEmptyTag, "empty tag key in %q", s)
		}
		if key[0] >= '0' && key[0] <= '9' {
			return nil, newErr(ErrorNumericKey, "tag key %q cannot start with a digit", key)
		}
		for _, r := range key {
			if !isKeyChar(r) {
				return nil, newErr(ErrorInvalidCharacter, "invalid character in tag key %q", key)
			}
		}
		keyLower := strings.ToLower(key)

		var value string
		if i < n && rest[i] == '=' {
			i++ // consume '='
			if i < n && rest[i] == '"' {
				i++ // consume opening quote
				var b strings.Builder
				closed := false
				for i < n {
					c := rest[i]
					if c == '\\' {
						if i+1 >= n {
							return nil, newErr(ErrorInvalidEscape, "dangling escape in %q", s)
						}
						next := rest[i+1]
						switch next {
						case '\\', '"', ';', '=':
							b.WriteByte(next)
						default:
							return nil, newErr(ErrorInvalidEscape, "invalid escape sequence '\\%c' in %q", next, s)
						}
						i += 2
						continue
					}
					if c == '"' {
						closed = true
						i++
						break
					}
					b.WriteByte(c)
					i++
				}
				if !closed {
					return nil, newErr(ErrorUnterminatedQuote, "unterminated quoted value in %q", s)
				}
				value = b.String()
			} else {
				valStart := i
				for i < n && rest[i] != ';' {
					i++
				}
				value = rest[valStart:i]
				if value == "" {
					return nil, newErr(ErrorInvalidTagFormat, "tag %q has '=' with no value", key)
				}
				for _, r := range value {
					if !isBareValueChar(r) {
						return nil, newErr(ErrorInvalidCharacter, "invalid character in bare value %q", value)
					}
				}
			}
		} else {
			// marker tag: bare key, sugar for k=*
			value = "*"
		}

		if _, dup := tags[keyLower]; dup {
			return nil, newErr(ErrorDuplicateKey, "duplicate tag key %q", keyLower)
		}
		tags[keyLower] = value
		order = append(order, keyLower)
	}

	return &TaggedUrn{prefix: strings.ToLower(prefix), tags: tags}, nil
}

func isKeyChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.'
}

func isBareValueChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '-' || r == '_' || r == '.' || r == ':' || r == '/'
}

// GetPrefix returns the URN's prefix.
func (t *TaggedUrn) GetPrefix() string {
	if t == nil {
		return ""
	}
	return t.prefix
}

// GetTag returns the raw value for a key (case-insensitive lookup).
func (t *TaggedUrn) GetTag(key string) (string, bool) {
	if t == nil {
		return "", false
	}
	v, ok := t.tags[strings.ToLower(key)]
	return v, ok
}

// AllTags returns a copy of the full tag map.
func (t *TaggedUrn) AllTags() map[string]string {
	if t == nil {
		return nil
	}
	out := make(map[string]string, len(t.tags))
	for k, v := range t.tags {
		out[k] = v
	}
	return out
}

// WithTag returns a new TaggedUrn with the given tag added or replaced.
func (t *TaggedUrn) WithTag(key, value string) *TaggedUrn {
	tags := t.AllTags()
	if tags == nil {
		tags = make(map[string]string)
	}
	tags[strings.ToLower(key)] = value
	return &TaggedUrn{prefix: t.prefix, tags: tags}
}

// WithoutTag returns a new TaggedUrn with the given tag removed.
func (t *TaggedUrn) WithoutTag(key string) *TaggedUrn {
	tags := t.AllTags()
	delete(tags, strings.ToLower(key))
	return &TaggedUrn{prefix: t.prefix, tags: tags}
}

func needsQuoting(v string) bool {
	if v == "" {
		return true
	}
	for _, r := range v {
		if r == ';' || r == '=' || r == '"' || r == '\\' || r == ' ' || r == '\t' {
			return true
		}
	}
	return false
}

func quoteValue(v string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range v {
		switch r {
		case '\\', '"', ';', '=':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// String renders the canonical form: lowercase keys sorted lexicographically,
// quoting values that require it.
func (t *TaggedUrn) String() string {
	if t == nil {
		return ""
	}
	keys := make([]string, 0, len(t.tags))
	for k := range t.tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(t.prefix)
	b.WriteByte(':')
	for idx, k := range keys {
		if idx > 0 {
			b.WriteByte(';')
		}
		v := t.tags[k]
		if v == "*" {
			b.WriteString(k)
			continue
		}
		b.WriteString(k)
		b.WriteByte('=')
		if needsQuoting(v) {
			b.WriteString(quoteValue(v))
		} else {
			b.WriteString(v)
		}
	}
	return b.String()
}

// Specificity is the raw tag count, used by MediaUrn (and as a fallback
// before the cap-URN graded scheme takes over at the cap layer).
func (t *TaggedUrn) Specificity() int {
	if t == nil {
		return 0
	}
	return len(t.tags)
}

// valueConforms implements the per-key conformance table from the spec:
// pattern may be a concrete value, "*", "!", "?", or absent.
func valueConforms(instanceVal *string, patternVal *string) bool {
	if patternVal == nil || *patternVal == "?" {
		return true
	}
	switch *patternVal {
	case "!":
		return instanceVal == nil
	case "*":
		return instanceVal != nil
	default:
		return instanceVal != nil && *instanceVal == *patternVal
	}
}

// Accepts reports whether this TaggedUrn, acting as a pattern, accepts the
// given instance: for every key in the union of both tag sets, the
// conformance table must hold.
func (t *TaggedUrn) Accepts(instance *TaggedUrn) (bool, error) {
	if t == nil || instance == nil {
		return false, newErr(ErrorInvalidFormat, "cannot match a nil tagged URN")
	}
	if t.prefix != instance.prefix {
		return false, newErr(ErrorPrefixMismatch, "prefix mismatch: %q vs %q", t.prefix, instance.prefix)
	}
	keys := make(map[string]bool, len(t.tags)+len(instance.tags))
	for k := range t.tags {
		keys[k] = true
	}
	for k := range instance.tags {
		keys[k] = true
	}
	for k := range keys {
		pv, pok := t.tags[k]
		iv, iok := instance.tags[k]
		var pp, ip *string
		if pok {
			pp = &pv
		}
		if iok {
			ip = &iv
		}
		if !valueConforms(ip, pp) {
			return false, nil
		}
	}
	return true, nil
}

// ConformsTo is the dual of Accepts: instance.ConformsTo(pattern) == pattern.Accepts(instance).
func (t *TaggedUrn) ConformsTo(pattern *TaggedUrn) (bool, error) {
	return pattern.Accepts(t)
}

// Matches is an alias used by call sites that read more naturally as
// "does the other side match me" (contravariant/covariant cap direction checks).
func (t *TaggedUrn) Matches(other *TaggedUrn) (bool, error) {
	return t.Accepts(other)
}

// Equals reports tag-set equality (order-independent), not raw string equality.
func (t *TaggedUrn) Equals(other *TaggedUrn) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.prefix != other.prefix || len(t.tags) != len(other.tags) {
		return false
	}
	for k, v := range t.tags {
		ov, ok := other.tags[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}
