package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var quotedName = regexp.MustCompile(`'([^']+)'`)

// compileSchema compiles a tool's parameter schema. An empty schema accepts
// any object.
func compileSchema(toolName string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	schema, err := jsonschema.CompileString("tool_"+toolName+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateArguments checks params against schema. It returns a ToolError of
// kind InvalidArguments naming every offending field.
func validateArguments(toolName string, schema *jsonschema.Schema, params json.RawMessage) *ToolError {
	if len(params) > MaxToolParamsSize {
		return NewToolError(KindInvalidArguments, toolName, nil).
			WithMessage(fmt.Sprintf("arguments exceed maximum size of %d bytes", MaxToolParamsSize))
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	var payload any
	if err := json.Unmarshal(params, &payload); err != nil {
		return NewToolError(KindInvalidArguments, toolName, err).
			WithMessage("arguments are not valid JSON")
	}
	if _, ok := payload.(map[string]any); !ok {
		return NewToolError(KindInvalidArguments, toolName, nil).
			WithMessage("arguments must be a JSON object")
	}
	if schema == nil {
		return nil
	}

	err := schema.Validate(payload)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return NewToolError(KindInvalidArguments, toolName, err).
			WithMessage("invalid arguments")
	}

	fields := offendingFields(verr)
	msg := "invalid arguments"
	if len(fields) > 0 {
		msg = "invalid arguments: " + strings.Join(fields, ", ")
	}
	if detail := leafMessages(verr); detail != "" {
		msg += " (" + detail + ")"
	}
	return NewToolError(KindInvalidArguments, toolName, err).
		WithMessage(msg).
		WithFields(fields...)
}

// offendingFields flattens a validation error tree into the argument paths it
// complains about, e.g. "query" for a missing property or "limit" for a
// mistyped one.
func offendingFields(verr *jsonschema.ValidationError) []string {
	seen := make(map[string]struct{})
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, cause := range e.Causes {
				walk(cause)
			}
			return
		}
		base := pointerToPath(e.InstanceLocation)
		if strings.HasPrefix(e.Message, "missing properties") ||
			strings.HasPrefix(e.Message, "additionalProperties") {
			for _, m := range quotedName.FindAllStringSubmatch(e.Message, -1) {
				seen[joinPath(base, m[1])] = struct{}{}
			}
			return
		}
		if base == "" {
			base = "(root)"
		}
		seen[base] = struct{}{}
	}
	walk(verr)

	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func leafMessages(verr *jsonschema.ValidationError) string {
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := pointerToPath(e.InstanceLocation)
			if loc == "" {
				msgs = append(msgs, e.Message)
			} else {
				msgs = append(msgs, loc+": "+e.Message)
			}
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return strings.Join(msgs, "; ")
}

func pointerToPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}
	parts := strings.Split(ptr, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return strings.Join(parts, ".")
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

// schemaValue decodes a raw schema for embedding in JSON responses.
func schemaValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return v
}
