package payload

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// triggerSchema rejects structurally malformed payloads before any
// canonicalisation happens. Alias mapping and dedup are handled afterwards,
// so the schema only pins field types.
const triggerSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "sources":        {"type": "array", "items": {"type": "string"}},
    "layers":         {"type": "array", "items": {"type": "string"}},
    "from":           {"type": "string", "format": "date-time"},
    "to":             {"type": "string", "format": "date-time"},
    "userId":         {"type": "string"},
    "userIds":        {"type": "array", "items": {"type": "string"}},
    "topicIds":       {"type": "array", "items": {"type": "string"}},
    "sourceIds":      {"type": "array", "items": {"type": "string"}},
    "identityCursor": {"type": "integer", "minimum": 0},
    "mode":           {"type": "string", "enum": ["workflow", "direct"]},
    "forceAll":       {"type": "boolean"},
    "forceTopics":    {"type": "boolean"},
    "asyncTaskId":    {"type": "string"},
    "userInitiated":  {"type": "boolean"},
    "baseUrl":        {"type": "string"}
  },
  "additionalProperties": true
}`

var compiledTriggerSchema = jsonschema.MustCompileString("trigger-payload.json", triggerSchema)

func validateSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload")
	}
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := compiledTriggerSchema.Validate(doc); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
