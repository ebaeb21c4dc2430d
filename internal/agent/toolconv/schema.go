// Package toolconv converts registry tools into each vendor's tool declaration
// format.
package toolconv

import (
	"encoding/json"

	invjsonschema "github.com/invopop/jsonschema"
	"github.com/kohtravel/agentd/internal/agent"
)

// SchemaMap decodes a tool's parameter schema. Tools without a usable schema
// are declared as taking an empty object.
func SchemaMap(tool agent.Tool) map[string]any {
	var schema map[string]any
	if raw := tool.Schema(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &schema); err != nil {
			schema = nil
		}
	}
	if schema == nil {
		schema = map[string]any{}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]any{}
	}
	return schema
}

// ReflectSchema derives a tool parameter schema from a params struct using
// its json and jsonschema tags. Definitions are inlined and the $schema and
// $id keys are dropped since vendors expect a bare object schema.
func ReflectSchema(params any) json.RawMessage {
	r := &invjsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	data, err := json.Marshal(r.Reflect(params))
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	out, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return out
}
