// Package binding resolves a cap argument's declared Binding into concrete
// bytes ready for invocation, given an execution context carrying input
// files, previous node outputs, and plan metadata (spec.md component J).
package binding

import (
	"encoding/json"
	"fmt"

	"github.com/filegrind/capns-go/cap"
)

// SourceEntityType records where an input file originated, for
// traceability only — never passed to the cap itself.
type SourceEntityType int

const (
	SourceEntityListing SourceEntityType = iota
	SourceEntityChip
	SourceEntityBlock
	SourceEntityCapOutput
	SourceEntityTemporary
)

// FileMetadata is optional descriptive metadata about an input file.
type FileMetadata struct {
	Filename  string
	SizeBytes *int64
	MimeType  string
	Extra     map[string]interface{}
}

// InputFile is the uniform interface a cap sees for a file argument: it
// never observes listings, chips, or blocks directly, only a path, a
// media URN, and optional provenance.
type InputFile struct {
	FilePath   string
	MediaUrn   string
	Metadata   *FileMetadata
	SourceID   string
	SourceType SourceEntityType
	Stdin      *cap.StdinSource
}

// NewInputFile builds a basic input file reference.
func NewInputFile(filePath, mediaUrn string) InputFile {
	return InputFile{FilePath: filePath, MediaUrn: mediaUrn, SourceType: SourceEntityTemporary}
}

// FromListing builds an input file sourced from a listing entity.
func FromListing(listingID, filePath, mediaUrn string) InputFile {
	return InputFile{FilePath: filePath, MediaUrn: mediaUrn, SourceID: listingID, SourceType: SourceEntityListing}
}

// FromCapOutput builds an input file sourced from a previous cap's output.
func FromCapOutput(outputPath, mediaUrn string) InputFile {
	return InputFile{FilePath: outputPath, MediaUrn: mediaUrn, SourceType: SourceEntityCapOutput}
}

// WithFileReference attaches tracked-file provenance, mirroring
// cap.StdinSource's file-reference variant.
func (f InputFile) WithFileReference(trackedFileID, originalPath string, securityBookmark []byte) InputFile {
	f.Stdin = cap.NewStdinSourceFromFileReference(trackedFileID, originalPath, securityBookmark, f.MediaUrn)
	return f
}

// HasFileReference reports whether this input file carries tracked-file
// provenance.
func (f InputFile) HasFileReference() bool {
	return f.Stdin.IsFileReference()
}

// Source is how a resolved argument's value was obtained.
type Source int

const (
	SourceInputFile Source = iota
	SourcePreviousOutput
	SourceCapDefault
	SourceCapSetting
	SourceLiteral
	SourceSlot
	SourcePlanMetadata
)

// Binding describes how to resolve a single argument value at execution
// time. Exactly one of its fields is meaningful, selected by Kind.
type Binding struct {
	Kind Source

	InputFileIndex int // SourceInputFile

	NodeID      string // SourcePreviousOutput
	OutputField string // SourcePreviousOutput, optional

	SettingUrn string // SourceCapSetting

	LiteralValue interface{} // SourceLiteral

	SlotName   string                 // SourceSlot
	SlotSchema map[string]interface{} // SourceSlot, optional

	MetadataKey string // SourcePlanMetadata
}

// InputFileAtIndex binds to a specific input file by index.
func InputFileAtIndex(index int) Binding { return Binding{Kind: SourceInputFile, InputFileIndex: index} }

// InputFilePath binds to the current input file's path.
func InputFilePath() Binding { return Binding{Kind: SourceInputFile, InputFileIndex: -1} }

// PreviousOutput binds to a prior plan node's output, optionally a
// specific field of it.
func PreviousOutput(nodeID, outputField string) Binding {
	return Binding{Kind: SourcePreviousOutput, NodeID: nodeID, OutputField: outputField}
}

// CapDefault binds to the cap argument's own declared default value.
func CapDefault() Binding { return Binding{Kind: SourceCapDefault} }

// CapSetting binds to a named cap-level setting.
func CapSetting(settingUrn string) Binding { return Binding{Kind: SourceCapSetting, SettingUrn: settingUrn} }

// Literal binds to a fixed value supplied at plan-build time.
func Literal(value interface{}) Binding { return Binding{Kind: SourceLiteral, LiteralValue: value} }

// Slot binds to a user-supplied value, requesting it via name and
// optional JSON schema if not yet provided.
func Slot(name string, schema map[string]interface{}) Binding {
	return Binding{Kind: SourceSlot, SlotName: name, SlotSchema: schema}
}

// PlanMetadata binds to a key in the plan's own metadata map.
func PlanMetadata(key string) Binding { return Binding{Kind: SourcePlanMetadata, MetadataKey: key} }

// RequiresInput reports whether this binding cannot be resolved without
// user-supplied data.
func (b Binding) RequiresInput() bool { return b.Kind == SourceSlot }

// ReferencesPrevious reports whether this binding depends on a previous
// plan node's output.
func (b Binding) ReferencesPrevious() bool { return b.Kind == SourcePreviousOutput }

// ResolvedArgument is an argument value ready for cap invocation.
type ResolvedArgument struct {
	Name   string
	Value  []byte
	Source Source
}

// Context carries everything a Binding might need to resolve against:
// the input files for this plan run, previous node outputs, plan
// metadata, cap settings, and any slot values supplied by the user.
type Context struct {
	InputFiles       []InputFile
	CurrentFileIndex int
	PreviousOutputs  map[string]interface{}
	PlanMetadata     map[string]interface{}
	CapSettings      map[string]map[string]interface{}
	SlotValues       map[string][]byte
}

// NewContext builds a resolution context scoped to a set of input files.
func NewContext(inputFiles []InputFile) *Context {
	return &Context{InputFiles: inputFiles, PreviousOutputs: map[string]interface{}{}}
}

// CurrentFile returns the input file at CurrentFileIndex, if any.
func (c *Context) CurrentFile() *InputFile {
	if c.CurrentFileIndex < 0 || c.CurrentFileIndex >= len(c.InputFiles) {
		return nil
	}
	return &c.InputFiles[c.CurrentFileIndex]
}

// Resolve turns a Binding into a ResolvedArgument, given an invocation
// context, the cap URN being invoked, and the argument's own declared
// default value and required-ness.
func Resolve(b Binding, ctx *Context, capUrn string, defaultValue interface{}, required bool) (*ResolvedArgument, error) {
	switch b.Kind {
	case SourceInputFile:
		file, err := resolveInputFile(b, ctx)
		if err != nil {
			return nil, err
		}
		return &ResolvedArgument{Value: []byte(file.FilePath), Source: SourceInputFile}, nil

	case SourcePreviousOutput:
		output, ok := ctx.PreviousOutputs[b.NodeID]
		if !ok {
			return nil, fmt.Errorf("no previous output recorded for node %q", b.NodeID)
		}
		if b.OutputField != "" {
			m, ok := output.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("previous output of node %q is not a record, cannot extract field %q", b.NodeID, b.OutputField)
			}
			field, ok := m[b.OutputField]
			if !ok {
				return nil, fmt.Errorf("previous output of node %q has no field %q", b.NodeID, b.OutputField)
			}
			output = field
		}
		return encodeJSON(output, SourcePreviousOutput)

	case SourceCapDefault:
		if defaultValue == nil {
			if required {
				return nil, fmt.Errorf("cap %s has no default value for a required argument", capUrn)
			}
			return &ResolvedArgument{Value: nil, Source: SourceCapDefault}, nil
		}
		return encodeJSON(defaultValue, SourceCapDefault)

	case SourceCapSetting:
		settings, ok := ctx.CapSettings[capUrn]
		if !ok {
			return nil, fmt.Errorf("no settings registered for cap %s", capUrn)
		}
		value, ok := settings[b.SettingUrn]
		if !ok {
			return nil, fmt.Errorf("cap %s has no setting %q", capUrn, b.SettingUrn)
		}
		return encodeJSON(value, SourceCapSetting)

	case SourceLiteral:
		return encodeJSON(b.LiteralValue, SourceLiteral)

	case SourceSlot:
		value, ok := ctx.SlotValues[b.SlotName]
		if !ok {
			return nil, fmt.Errorf("slot %q requires user input before this plan can execute", b.SlotName)
		}
		return &ResolvedArgument{Name: b.SlotName, Value: value, Source: SourceSlot}, nil

	case SourcePlanMetadata:
		value, ok := ctx.PlanMetadata[b.MetadataKey]
		if !ok {
			return nil, fmt.Errorf("plan metadata has no key %q", b.MetadataKey)
		}
		return encodeJSON(value, SourcePlanMetadata)

	default:
		return nil, fmt.Errorf("unknown binding kind %d", b.Kind)
	}
}

func resolveInputFile(b Binding, ctx *Context) (*InputFile, error) {
	if b.InputFileIndex < 0 {
		file := ctx.CurrentFile()
		if file == nil {
			return nil, fmt.Errorf("no current input file at index %d", ctx.CurrentFileIndex)
		}
		return file, nil
	}
	if b.InputFileIndex >= len(ctx.InputFiles) {
		return nil, fmt.Errorf("input file index %d out of range (have %d files)", b.InputFileIndex, len(ctx.InputFiles))
	}
	return &ctx.InputFiles[b.InputFileIndex], nil
}

func encodeJSON(value interface{}, source Source) (*ResolvedArgument, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode argument value: %w", err)
	}
	return &ResolvedArgument{Value: data, Source: source}, nil
}
