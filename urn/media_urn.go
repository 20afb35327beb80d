package urn

import (
	"encoding/json"

	"github.com/filegrind/capns-go/standard"
)

// MediaUrn is a TaggedUrn whose prefix is fixed to "media" and which carries
// the semantic predicates (cardinality, structure, kind) used throughout the
// graph and planner.
type MediaUrn struct {
	inner *TaggedUrn
}

// NewMediaUrnFromString parses a media URN string.
func NewMediaUrnFromString(s string) (*MediaUrn, error) {
	u, err := NewTaggedUrnFromString(s)
	if err != nil {
		return nil, err
	}
	if u.GetPrefix() != "media" {
		return nil, newErr(ErrorPrefixMismatch, "invalid prefix for media URN: expected 'media:', got %q", u.GetPrefix())
	}
	return &MediaUrn{inner: u}, nil
}

// String returns the canonical string representation.
func (m *MediaUrn) String() string {
	if m == nil || m.inner == nil {
		return ""
	}
	return m.inner.String()
}

// HasTag checks for tag presence regardless of value.
func (m *MediaUrn) HasTag(tag string) bool {
	if m == nil || m.inner == nil {
		return false
	}
	_, ok := m.inner.GetTag(tag)
	return ok
}

// GetTag retrieves a tag's raw value.
func (m *MediaUrn) GetTag(tag string) (string, bool) {
	if m == nil || m.inner == nil {
		return "", false
	}
	return m.inner.GetTag(tag)
}

// Accepts reports whether this MediaUrn, as a pattern, accepts the instance.
func (m *MediaUrn) Accepts(instance *MediaUrn) bool {
	if m == nil || m.inner == nil || instance == nil || instance.inner == nil {
		return false
	}
	ok, err := m.inner.Accepts(instance.inner)
	return err == nil && ok
}

// ConformsTo is the dual of Accepts.
func (m *MediaUrn) ConformsTo(pattern *MediaUrn) bool {
	if m == nil || m.inner == nil || pattern == nil || pattern.inner == nil {
		return false
	}
	ok, err := m.inner.ConformsTo(pattern.inner)
	return err == nil && ok
}

// Equals reports tag-set equality, independent of serialization order.
func (m *MediaUrn) Equals(other *MediaUrn) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.inner == nil || other.inner == nil {
		return m.inner == other.inner
	}
	return m.inner.Equals(other.inner)
}

// Specificity returns the raw tag count.
func (m *MediaUrn) Specificity() int {
	if m == nil || m.inner == nil {
		return 0
	}
	return m.inner.Specificity()
}

// TagCount is an alias of Specificity, kept because cap-URN specificity
// scoring sums direction-spec tag counts under this name.
func (m *MediaUrn) TagCount() int {
	if m == nil || m.inner == nil {
		return 0
	}
	return len(m.inner.AllTags())
}

// MarshalJSON implements json.Marshaler.
func (m *MediaUrn) MarshalJSON() ([]byte, error) {
	if m == nil || m.inner == nil {
		return json.Marshal("")
	}
	return json.Marshal(m.inner.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *MediaUrn) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		m.inner = nil
		return nil
	}
	parsed, err := NewMediaUrnFromString(s)
	if err != nil {
		return err
	}
	m.inner = parsed.inner
	return nil
}

func (m *MediaUrn) hasMarkerTag(name string) bool {
	if m == nil || m.inner == nil {
		return false
	}
	v, ok := m.inner.GetTag(name)
	return ok && v == "*"
}

// IsList reports the `list` marker (sequence cardinality).
func (m *MediaUrn) IsList() bool { return m.hasMarkerTag("list") }

// IsScalar is the default cardinality: no `list` marker.
func (m *MediaUrn) IsScalar() bool { return !m.hasMarkerTag("list") }

// IsRecord reports the `record` marker (internal key/value structure).
func (m *MediaUrn) IsRecord() bool { return m.hasMarkerTag("record") }

// IsOpaque is the default structure: no `record` marker.
func (m *MediaUrn) IsOpaque() bool { return !m.hasMarkerTag("record") }

// IsStructured is an alias of IsRecord for list-agnostic structure checks.
func (m *MediaUrn) IsStructured() bool { return m.IsRecord() }

// IsText reports the `textable` marker.
func (m *MediaUrn) IsText() bool { return m.HasTag("textable") }

// IsBinary is the default kind: no `textable` marker.
func (m *MediaUrn) IsBinary() bool { return !m.HasTag("textable") }

// IsTextable is an alias kept for call sites ported from the textable-naming convention.
func (m *MediaUrn) IsTextable() bool { return m.HasTag("textable") }

// IsJSON reports the `json` marker.
func (m *MediaUrn) IsJSON() bool { return m.HasTag("json") }

// IsVoid reports the `void` marker.
func (m *MediaUrn) IsVoid() bool { return m.HasTag("void") }

// IsImage reports the `image` marker.
func (m *MediaUrn) IsImage() bool { return m.HasTag("image") }

// IsAudio reports the `audio` marker.
func (m *MediaUrn) IsAudio() bool { return m.HasTag("audio") }

// IsVideo reports the `video` marker.
func (m *MediaUrn) IsVideo() bool { return m.HasTag("video") }

// IsNumeric reports the `numeric` marker.
func (m *MediaUrn) IsNumeric() bool { return m.HasTag("numeric") }

// IsBool reports the `bool` marker.
func (m *MediaUrn) IsBool() bool { return m.HasTag("bool") }

// IsFilePath reports a scalar file-path media URN.
func (m *MediaUrn) IsFilePath() bool { return m.HasTag("file-path") && !m.IsList() }

// IsFilePathArray reports a list-of-file-paths media URN.
func (m *MediaUrn) IsFilePathArray() bool { return m.HasTag("file-path") && m.IsList() }

// IsAnyFilePath reports either file-path form.
func (m *MediaUrn) IsAnyFilePath() bool { return m.HasTag("file-path") }

// GetExtension returns the ext tag value if present.
func (m *MediaUrn) GetExtension() (string, bool) { return m.GetTag("ext") }

func mustMedia(s string) *MediaUrn {
	m, err := NewMediaUrnFromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

// MediaUrnVoid is the built-in void media URN.
func MediaUrnVoid() *MediaUrn { return mustMedia(standard.MediaVoid) }

// MediaUrnString is the built-in scalar string media URN.
func MediaUrnString() *MediaUrn { return mustMedia(standard.MediaString) }

// MediaUrnBytes is the built-in raw-binary media URN.
func MediaUrnBytes() *MediaUrn { return mustMedia(standard.MediaBinary) }

// MediaUrnObject is the built-in structured object (map) media URN.
func MediaUrnObject() *MediaUrn { return mustMedia(standard.MediaObject) }

// MediaUrnInteger is the built-in integer media URN.
func MediaUrnInteger() *MediaUrn { return mustMedia(standard.MediaInteger) }

// MediaUrnNumber is the built-in floating-point number media URN.
func MediaUrnNumber() *MediaUrn { return mustMedia(standard.MediaNumber) }

// MediaUrnBoolean is the built-in boolean media URN.
func MediaUrnBoolean() *MediaUrn { return mustMedia(standard.MediaBoolean) }
