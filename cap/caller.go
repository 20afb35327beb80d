package cap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/filegrind/capns-go/media"
	"github.com/filegrind/capns-go/urn"
)

// CapSet is the interface a cap host (plugin, registry entry, or composite
// router) implements to actually run a cap once it has been selected.
type CapSet interface {
	ExecuteCap(ctx context.Context, capUrn string, arguments []CapArgumentValue) (*HostResult, error)
}

// HostResult is the raw result returned by a CapSet before it is wrapped
// and validated into a ResponseWrapper.
type HostResult struct {
	BinaryOutput []byte
	TextOutput   string
}

// CapCaller binds a cap URN, its definition, and the CapSet that can
// execute it, validating arguments and the response against the
// definition around the call.
type CapCaller struct {
	cap           string
	capSet        CapSet
	capDefinition *Cap
}

// NewCapCaller creates a new cap caller.
func NewCapCaller(capUrnStr string, capSet CapSet, capDefinition *Cap) *CapCaller {
	return &CapCaller{
		cap:           capUrnStr,
		capSet:        capSet,
		capDefinition: capDefinition,
	}
}

// Call validates arguments, executes the cap via its CapSet, and validates
// and wraps the result.
func (cc *CapCaller) Call(ctx context.Context, arguments []CapArgumentValue, registry *media.MediaUrnRegistry) (*ResponseWrapper, error) {
	if err := cc.validateInputs(arguments, registry); err != nil {
		return nil, fmt.Errorf("input validation failed for %s: %w", cc.cap, err)
	}

	result, err := cc.capSet.ExecuteCap(ctx, cc.cap, arguments)
	if err != nil {
		return nil, fmt.Errorf("cap execution failed: %w", err)
	}

	response, err := cc.wrapResult(result, registry)
	if err != nil {
		return nil, err
	}

	if err := response.ValidateAgainstCap(cc.capDefinition, registry); err != nil {
		return nil, fmt.Errorf("output validation failed for %s: %w", cc.cap, err)
	}

	return response, nil
}

// resolveOutputSpec resolves the cap's declared output media URN.
func (cc *CapCaller) resolveOutputSpec(registry *media.MediaUrnRegistry) (*media.ResolvedMediaSpec, error) {
	output := cc.capDefinition.GetOutput()
	if output == nil {
		return nil, fmt.Errorf("cap %s has no output definition", cc.cap)
	}
	resolved, err := output.Resolve(cc.capDefinition.GetMediaSpecs(), registry)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output media URN '%s': %w", output.MediaUrn, err)
	}
	return resolved, nil
}

// wrapResult classifies the raw host result as binary, JSON, or text based
// on what was actually returned and the cap's declared output content type.
func (cc *CapCaller) wrapResult(result *HostResult, registry *media.MediaUrnRegistry) (*ResponseWrapper, error) {
	if len(result.BinaryOutput) > 0 {
		return NewResponseWrapperFromBinary(result.BinaryOutput), nil
	}
	if result.TextOutput != "" {
		if cc.isJSONContentType(registry) {
			return NewResponseWrapperFromJSON([]byte(result.TextOutput)), nil
		}
		return NewResponseWrapperFromText([]byte(result.TextOutput)), nil
	}
	return nil, fmt.Errorf("cap %s returned no output", cc.cap)
}

// isJSONContentType reports whether the cap's resolved output content type
// is application/json (or a +json suffix), independent of media URN tags.
func (cc *CapCaller) isJSONContentType(registry *media.MediaUrnRegistry) bool {
	resolved, err := cc.resolveOutputSpec(registry)
	if err != nil {
		return false
	}
	ct := strings.ToLower(resolved.MediaType)
	return ct == "application/json" || strings.HasSuffix(ct, "+json")
}

// validateInputs validates the supplied arguments against the cap's
// argument definitions and any JSON schemas attached to their media specs.
func (cc *CapCaller) validateInputs(arguments []CapArgumentValue, registry *media.MediaUrnRegistry) error {
	positional := make([]interface{}, len(arguments))
	named := make(map[string]interface{}, len(arguments))
	for i, arg := range arguments {
		value := cc.decodeArgumentValue(arg)
		positional[i] = value
		named[arg.MediaUrn] = value
	}

	validator := NewSchemaValidator()
	return validator.ValidateArguments(cc.capDefinition, positional, named, registry)
}

// decodeArgumentValue interprets an argument's raw bytes as JSON when
// possible, falling back to a UTF-8 string, and finally to raw bytes.
func (cc *CapCaller) decodeArgumentValue(arg CapArgumentValue) interface{} {
	var decoded interface{}
	if err := json.Unmarshal(arg.Value, &decoded); err == nil {
		return decoded
	}
	if s, err := arg.ValueAsStr(); err == nil {
		return s
	}
	return arg.Value
}

// isBinaryCap reports whether this cap's declared output is binary.
func (cc *CapCaller) isBinaryCap(registry *media.MediaUrnRegistry) bool {
	capUrn, err := urn.NewCapUrnFromString(cc.cap)
	if err != nil {
		return false
	}
	resolved, err := media.GetMediaSpecFromCapUrn(capUrn, cc.capDefinition.GetMediaSpecs(), registry)
	if err != nil {
		return false
	}
	return resolved.IsBinary()
}
