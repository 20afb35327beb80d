package cap

// StdinSourceKind discriminates the two ways an argument's stdin payload
// can be carried: inline data, or a reference to a file tracked outside
// the process (e.g. via a security-scoped bookmark).
type StdinSourceKind int

const (
	StdinSourceKindData StdinSourceKind = iota
	StdinSourceKindFileReference
)

// StdinSource is the resolved origin of an argument delivered over stdin.
type StdinSource struct {
	Kind StdinSourceKind

	// Data holds the payload when Kind == StdinSourceKindData.
	Data []byte

	// FileReference fields, populated when Kind == StdinSourceKindFileReference.
	TrackedFileID    string
	OriginalPath     string
	SecurityBookmark []byte
	MediaUrn         string
}

// NewStdinSourceFromData wraps inline bytes as a stdin source.
func NewStdinSourceFromData(data []byte) *StdinSource {
	return &StdinSource{Kind: StdinSourceKindData, Data: data}
}

// NewStdinSourceFromFileReference wraps a tracked file reference as a stdin source.
func NewStdinSourceFromFileReference(trackedFileID, originalPath string, securityBookmark []byte, mediaUrn string) *StdinSource {
	return &StdinSource{
		Kind:             StdinSourceKindFileReference,
		TrackedFileID:    trackedFileID,
		OriginalPath:     originalPath,
		SecurityBookmark: securityBookmark,
		MediaUrn:         mediaUrn,
	}
}

// IsData reports whether this source carries inline data. Nil-safe.
func (s *StdinSource) IsData() bool {
	return s != nil && s.Kind == StdinSourceKindData
}

// IsFileReference reports whether this source references a tracked file. Nil-safe.
func (s *StdinSource) IsFileReference() bool {
	return s != nil && s.Kind == StdinSourceKindFileReference
}
