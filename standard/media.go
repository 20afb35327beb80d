// Package standard provides standard media URN constants and cap URN builders
package standard

// =============================================================================
// STANDARD MEDIA URN CONSTANTS
// =============================================================================

// MediaVoid represents the void media type
const MediaVoid = "media:void"

// MediaString represents the string media type
const MediaString = "media:string"

// MediaBinary represents the binary media type
const MediaBinary = "media:binary"

// MediaObject represents the object (map) media type
const MediaObject = "media:object"

// MediaInteger represents the integer media type
const MediaInteger = "media:integer"

// MediaNumber represents the number (float) media type
const MediaNumber = "media:number"

// MediaBoolean represents the boolean media type
const MediaBoolean = "media:boolean"

// Domain-specific media types

// MediaModelSpec represents model specification media type
const MediaModelSpec = "media:model-spec"

// MediaAvailabilityOutput represents model availability output media type
const MediaAvailabilityOutput = "media:availability-output"

// MediaPathOutput represents path output media type
const MediaPathOutput = "media:path-output"

// MediaLlmInferenceOutput represents LLM inference output media type
const MediaLlmInferenceOutput = "media:llm-inference-output"
