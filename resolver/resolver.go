// Package resolver implements the Input Resolver (spec.md component R):
// it turns a mix of file, directory, and glob-pattern paths into a flat
// set of typed files with detected media URNs, cardinality, and content
// structure — table-driven per extension, matching the original's
// CSMediaAdapters.h registry shape, but as one data table rather than one
// Go type per extension.
package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/filegrind/capns-go/cardinality"
)

// ContentStructure classifies a resolved file's internal shape. It is
// advisory: per SPEC_FULL.md §6, the planner only consults it when a
// cap's declared `in` media URN is itself ambiguous — the cap's own
// declaration always wins on disagreement.
type ContentStructure int

const (
	ScalarOpaque ContentStructure = iota
	ScalarRecord
	ListOpaque
	ListRecord
)

// Error is the typed error sum for input resolution failures.
type Error struct {
	Type    string
	Path    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Path, e.Message)
}

func newErr(kind, path, format string, args ...interface{}) *Error {
	return &Error{Type: kind, Path: path, Message: fmt.Sprintf(format, args...)}
}

// ResolvedFile is a single file with its detected media type.
type ResolvedFile struct {
	Path             string
	MediaUrn         string
	SizeBytes        int64
	ContentStructure ContentStructure
}

// IsList reports whether this file's media URN carries the list marker.
func (f ResolvedFile) IsList() bool {
	return f.ContentStructure == ListOpaque || f.ContentStructure == ListRecord
}

// IsRecord reports whether this file's media URN carries the record marker.
func (f ResolvedFile) IsRecord() bool {
	return f.ContentStructure == ScalarRecord || f.ContentStructure == ListRecord
}

// ResolvedInputSet is the outcome of resolving one or more input paths.
type ResolvedInputSet struct {
	Files       []ResolvedFile
	Cardinality cardinality.InputCardinality
	CommonMedia string // empty if files do not share a common base media type
}

// IsHomogeneous reports whether every file shares the same media type.
func (s ResolvedInputSet) IsHomogeneous() bool {
	return s.CommonMedia != ""
}

// TotalSize sums every resolved file's byte size.
func (s ResolvedInputSet) TotalSize() int64 {
	var total int64
	for _, f := range s.Files {
		total += f.SizeBytes
	}
	return total
}

// adapterEntry is one row of the extension-to-media-URN table: the media
// base (without list/record/textable markers), whether the file's content
// must be inspected to classify its structure, and its default structure
// when inspection is skipped.
type adapterEntry struct {
	mediaBase          string
	textable           bool
	requiresInspection bool
	defaultStructure   ContentStructure
}

// extensionTable is the single data-driven registry standing in for the
// original's ~80 per-format CSBaseAdapter subclasses. Grouped by family;
// covers the formats this module's caps actually operate on plus the
// common interchange/text/archive families a file-processing pipeline
// encounters. Unrecognized extensions fall back to a generic opaque
// binary classification via the fallback adapter.
var extensionTable = map[string]adapterEntry{
	// documents
	"pdf":  {mediaBase: "media:pdf", defaultStructure: ScalarOpaque},
	"epub": {mediaBase: "media:epub", defaultStructure: ScalarOpaque},
	"docx": {mediaBase: "media:docx", defaultStructure: ScalarOpaque},
	"xlsx": {mediaBase: "media:xlsx", defaultStructure: ScalarRecord},
	"pptx": {mediaBase: "media:pptx", defaultStructure: ScalarOpaque},
	"odt":  {mediaBase: "media:odt", defaultStructure: ScalarOpaque},
	"rtf":  {mediaBase: "media:rtf", textable: true, defaultStructure: ScalarOpaque},

	// images
	"png":  {mediaBase: "media:png", defaultStructure: ScalarOpaque},
	"jpg":  {mediaBase: "media:jpeg", defaultStructure: ScalarOpaque},
	"jpeg": {mediaBase: "media:jpeg", defaultStructure: ScalarOpaque},
	"gif":  {mediaBase: "media:gif", defaultStructure: ScalarOpaque},
	"webp": {mediaBase: "media:webp", defaultStructure: ScalarOpaque},
	"svg":  {mediaBase: "media:svg", textable: true, defaultStructure: ScalarOpaque},
	"tiff": {mediaBase: "media:tiff", defaultStructure: ScalarOpaque},
	"bmp":  {mediaBase: "media:bmp", defaultStructure: ScalarOpaque},
	"heic": {mediaBase: "media:heic", defaultStructure: ScalarOpaque},
	"avif": {mediaBase: "media:avif", defaultStructure: ScalarOpaque},

	// audio
	"wav":  {mediaBase: "media:wav", defaultStructure: ScalarOpaque},
	"mp3":  {mediaBase: "media:mp3", defaultStructure: ScalarOpaque},
	"flac": {mediaBase: "media:flac", defaultStructure: ScalarOpaque},
	"aac":  {mediaBase: "media:aac", defaultStructure: ScalarOpaque},
	"ogg":  {mediaBase: "media:ogg", defaultStructure: ScalarOpaque},

	// video
	"mp4":  {mediaBase: "media:mp4", defaultStructure: ScalarOpaque},
	"webm": {mediaBase: "media:webm", defaultStructure: ScalarOpaque},
	"mkv":  {mediaBase: "media:mkv", defaultStructure: ScalarOpaque},
	"mov":  {mediaBase: "media:mov", defaultStructure: ScalarOpaque},

	// data interchange — require inspection to tell scalar-record from list-record
	"json":    {mediaBase: "media:json", textable: true, requiresInspection: true, defaultStructure: ScalarRecord},
	"ndjson":  {mediaBase: "media:json", textable: true, defaultStructure: ListRecord},
	"csv":     {mediaBase: "media:csv", textable: true, defaultStructure: ListRecord},
	"tsv":     {mediaBase: "media:tsv", textable: true, defaultStructure: ListRecord},
	"yaml":    {mediaBase: "media:yaml", textable: true, requiresInspection: true, defaultStructure: ScalarRecord},
	"yml":     {mediaBase: "media:yaml", textable: true, requiresInspection: true, defaultStructure: ScalarRecord},
	"toml":    {mediaBase: "media:toml", textable: true, defaultStructure: ScalarRecord},
	"xml":     {mediaBase: "media:xml", textable: true, defaultStructure: ScalarRecord},
	"plist":   {mediaBase: "media:plist", textable: true, defaultStructure: ScalarRecord},

	// plain text
	"txt":      {mediaBase: "media:text", textable: true, defaultStructure: ScalarOpaque},
	"md":       {mediaBase: "media:markdown", textable: true, defaultStructure: ScalarOpaque},
	"log":      {mediaBase: "media:log", textable: true, defaultStructure: ListOpaque},
	"html":     {mediaBase: "media:html", textable: true, defaultStructure: ScalarOpaque},
	"css":      {mediaBase: "media:css", textable: true, defaultStructure: ScalarOpaque},

	// source code — classified as opaque text
	"rs": {mediaBase: "media:rust", textable: true, defaultStructure: ScalarOpaque},
	"py": {mediaBase: "media:python", textable: true, defaultStructure: ScalarOpaque},
	"js": {mediaBase: "media:javascript", textable: true, defaultStructure: ScalarOpaque},
	"ts": {mediaBase: "media:typescript", textable: true, defaultStructure: ScalarOpaque},
	"go": {mediaBase: "media:go", textable: true, defaultStructure: ScalarOpaque},

	// archives
	"zip": {mediaBase: "media:zip", defaultStructure: ScalarOpaque},
	"tar": {mediaBase: "media:tar", defaultStructure: ScalarOpaque},
	"gz":  {mediaBase: "media:gzip", defaultStructure: ScalarOpaque},
}

const fallbackMediaBase = "media:binary"

// buildMediaUrn composes the final media URN string from an adapter entry
// and the structure actually detected for this file.
func buildMediaUrn(entry adapterEntry, structure ContentStructure) string {
	var tags []string
	if entry.textable {
		tags = append(tags, "textable")
	}
	switch structure {
	case ListOpaque:
		tags = append(tags, "list")
	case ListRecord:
		tags = append(tags, "list", "record")
	case ScalarRecord:
		tags = append(tags, "record")
	}
	if len(tags) == 0 {
		return entry.mediaBase
	}
	return entry.mediaBase + ";" + strings.Join(tags, ";")
}

// DetectFile classifies a single file's media type from its extension
// (and, for formats that require it, a peek at its content to
// disambiguate scalar-vs-list JSON/YAML). Detection is extension-first:
// magic-byte sniffing is intentionally out of scope here (no caps in this
// module need it to disambiguate beyond what the extension already
// tells us).
func DetectFile(path string) (*ResolvedFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newErr("not-found", path, "path does not exist")
		}
		return nil, newErr("io-error", path, "%v", err)
	}
	if info.IsDir() {
		return nil, newErr("not-a-file", path, "path is a directory")
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	entry, ok := extensionTable[ext]
	if !ok {
		entry = adapterEntry{mediaBase: fallbackMediaBase, defaultStructure: ScalarOpaque}
	}

	structure := entry.defaultStructure
	if entry.requiresInspection {
		detected, err := inspectStructure(path, ext)
		if err != nil {
			return nil, newErr("inspection-failed", path, "%v", err)
		}
		structure = detected
	}

	return &ResolvedFile{
		Path:             path,
		MediaUrn:         buildMediaUrn(entry, structure),
		SizeBytes:        info.Size(),
		ContentStructure: structure,
	}, nil
}

// inspectStructure peeks at a JSON or YAML file's top-level shape to tell
// a scalar record (object) from a list of records (array). Kept minimal:
// this only needs to read the first non-whitespace byte.
func inspectStructure(path, ext string) (ContentStructure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ScalarOpaque, err
	}
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	if trimmed == "" {
		return ScalarOpaque, nil
	}
	switch trimmed[0] {
	case '[':
		return ListOpaque, nil
	case '{':
		return ScalarRecord, nil
	default:
		return ScalarOpaque, nil
	}
}

// IsGlobPattern reports whether path contains glob metacharacters.
func IsGlobPattern(path string) bool {
	return strings.ContainsAny(path, "*?[")
}

// ExpandGlob expands a glob pattern into matching file paths.
func ExpandGlob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, newErr("invalid-glob", pattern, "%v", err)
	}
	return matches, nil
}

// shouldExcludeFile reports whether a path is an OS artifact that should
// be silently skipped during directory enumeration.
func shouldExcludeFile(path string) bool {
	base := filepath.Base(path)
	switch base {
	case ".DS_Store", "Thumbs.db", "desktop.ini":
		return true
	}
	return strings.HasPrefix(base, "._")
}

// shouldExcludeDirectory reports whether a directory should not be
// traversed during recursive enumeration.
func shouldExcludeDirectory(path string) bool {
	base := filepath.Base(path)
	switch base {
	case ".git", "node_modules", ".svn", ".hg":
		return true
	}
	return false
}

// ResolvePath resolves a single path — file, directory, or glob pattern —
// into a flat ResolvedInputSet.
func ResolvePath(path string) (*ResolvedInputSet, error) {
	return ResolvePaths([]string{path})
}

// ResolvePaths resolves multiple input paths into one flat,
// deduplicated ResolvedInputSet.
func ResolvePaths(paths []string) (*ResolvedInputSet, error) {
	if len(paths) == 0 {
		return nil, &Error{Type: "empty-input", Message: "no input paths provided"}
	}

	var files []ResolvedFile
	seen := map[string]bool{}

	addFile := func(p string) error {
		if shouldExcludeFile(p) || seen[p] {
			return nil
		}
		resolved, err := DetectFile(p)
		if err != nil {
			return err
		}
		seen[p] = true
		files = append(files, *resolved)
		return nil
	}

	for _, raw := range paths {
		switch {
		case IsGlobPattern(raw):
			matches, err := ExpandGlob(raw)
			if err != nil {
				return nil, err
			}
			for _, m := range matches {
				if err := addFile(m); err != nil {
					return nil, err
				}
			}

		default:
			info, err := os.Stat(raw)
			if err != nil {
				if os.IsNotExist(err) {
					return nil, newErr("not-found", raw, "path does not exist")
				}
				return nil, newErr("io-error", raw, "%v", err)
			}
			if info.IsDir() {
				err := filepath.Walk(raw, func(p string, fi os.FileInfo, err error) error {
					if err != nil {
						return err
					}
					if fi.IsDir() {
						if p != raw && shouldExcludeDirectory(p) {
							return filepath.SkipDir
						}
						return nil
					}
					return addFile(p)
				})
				if err != nil {
					return nil, newErr("io-error", raw, "%v", err)
				}
			} else {
				if err := addFile(raw); err != nil {
					return nil, err
				}
			}
		}
	}

	if len(files) == 0 {
		return nil, &Error{Type: "no-files-resolved", Message: "all paths resolved to zero files"}
	}

	card := cardinality.Single
	if len(files) > 1 {
		card = cardinality.Sequence
	}

	commonMedia := files[0].MediaUrn
	for _, f := range files[1:] {
		if f.MediaUrn != commonMedia {
			commonMedia = ""
			break
		}
	}

	return &ResolvedInputSet{Files: files, Cardinality: card, CommonMedia: commonMedia}, nil
}
