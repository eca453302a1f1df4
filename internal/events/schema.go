package events

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema is the wire contract for one structured event as produced by
// execution backends. Only the envelope is constrained; payloadJson stays an
// arbitrary object whose semantics are resolved through the alias tables.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["schemaVersion", "sequence", "eventType"],
	"properties": {
		"schemaVersion": {"type": "string", "minLength": 1},
		"sequence": {"type": "integer", "minimum": 1},
		"eventType": {"type": "string", "minLength": 1},
		"category": {"type": "string"},
		"summary": {"type": "string"},
		"error": {"type": "string"},
		"payloadJson": {"type": "string"},
		"timestampUtc": {"type": "string"}
	}
}`

var (
	envelopeOnce     sync.Once
	envelopeCompiled *jsonschema.Schema
	envelopeErr      error
)

func compiledEnvelope() (*jsonschema.Schema, error) {
	envelopeOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			envelopeErr = fmt.Errorf("unmarshal envelope schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("envelope.json", doc); err != nil {
			envelopeErr = fmt.Errorf("add envelope schema: %w", err)
			return
		}
		envelopeCompiled, envelopeErr = c.Compile("envelope.json")
	})
	return envelopeCompiled, envelopeErr
}

// ValidateEnvelope checks a raw event document against the wire contract.
// Intended for the ingest edge, before the envelope is decoded into an
// IncomingEvent. jsonschema.UnmarshalJSON is used for correct number
// handling (json.Number rather than float64).
func ValidateEnvelope(raw []byte) error {
	schema, err := compiledEnvelope()
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}
