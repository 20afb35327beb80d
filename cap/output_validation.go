package cap

import (
	"github.com/filegrind/capns-go/media"
)

// OutputValidator validates a cap's produced output against its declared
// output media spec, applying JSON schema validation when the resolved
// spec carries one.
type OutputValidator struct {
	schemaValidator *SchemaValidator
}

// NewOutputValidator creates an output validator using the default
// (no-resolver) schema validator.
func NewOutputValidator() *OutputValidator {
	return &OutputValidator{schemaValidator: NewSchemaValidator()}
}

// NewOutputValidatorWithResolver creates an output validator that resolves
// external schema references via the given resolver.
func NewOutputValidatorWithResolver(resolver SchemaResolver) *OutputValidator {
	return &OutputValidator{schemaValidator: NewSchemaValidatorWithResolver(resolver)}
}

// ValidateOutput checks value against the cap's declared output media spec.
// A cap with no output declaration, or an output spec with no schema,
// passes trivially.
func (ov *OutputValidator) ValidateOutput(c *Cap, value interface{}, registry *media.MediaUrnRegistry) error {
	output := c.GetOutput()
	if output == nil {
		return nil
	}

	resolved, err := output.Resolve(c.GetMediaSpecs(), registry)
	if err != nil {
		return &SchemaValidationError{
			Type:    "UnresolvableMediaUrn",
			Details: "could not resolve output media URN '" + output.MediaUrn + "'",
		}
	}

	if resolved.Schema == nil {
		return nil
	}

	return ov.schemaValidator.ValidateOutputWithSchema(output, resolved.Schema, value)
}
