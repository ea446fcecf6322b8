package pushstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Payload is the body every non-handshake event carries on the wire.
type Payload struct {
	Message   string    `json:"message"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type envelope struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload"`
}

const payloadSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["message", "createdAt"],
	"properties": {
		"message": {"type": "string", "minLength": 1},
		"url": {"type": "string"},
		"createdAt": {"type": "string", "format": "date-time"}
	}
}`

var payloadSchema = mustCompileSchema("notifeed://push-payload.schema.json", payloadSchemaJSON)

func mustCompileSchema(name, source string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(source)))
	if err != nil {
		panic(fmt.Sprintf("pushstream: invalid schema source: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("pushstream: add schema resource: %v", err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("pushstream: compile schema: %v", err))
	}
	return schema
}

// parsePayload validates raw against the payload schema before
// decoding, so a malformed event is rejected in one place and never
// reaches a dispatcher half-decoded.
func parsePayload(raw json.RawMessage) (Payload, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Payload{}, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := payloadSchema.Validate(doc); err != nil {
		return Payload{}, fmt.Errorf("payload schema: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}
