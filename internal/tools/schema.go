package tools

import (
	"encoding/json"
	"errors"
	"fmt"

	reflectschema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// emptyObjectSchema accepts any JSON object.
const emptyObjectSchema = `{"type":"object","properties":{}}`

// SchemaFor reflects a JSON Schema from the fields of T.
//
// Field names follow json tags; descriptions and enums come from jsonschema
// tags. Fields without omitempty are required.
func SchemaFor[T any]() json.RawMessage {
	r := &reflectschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
		Anonymous:      true,
	}
	s := r.Reflect(new(T))
	s.Version = ""
	data, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(emptyObjectSchema)
	}
	return data
}

// compileValidator compiles schema and returns a validator over raw JSON args.
func compileValidator(name string, schema []byte) (func(json.RawMessage) error, error) {
	if len(schema) == 0 {
		schema = []byte(emptyObjectSchema)
	}
	compiled, err := jsonschema.CompileString("tool_"+name, string(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	return func(raw json.RawMessage) error {
		var payload any
		if len(raw) == 0 {
			payload = map[string]any{}
		} else if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("arguments are not valid JSON: %w", err)
		}
		if err := compiled.Validate(payload); err != nil {
			var verr *jsonschema.ValidationError
			if errors.As(err, &verr) {
				return fmt.Errorf("invalid arguments: %s", leafMessage(verr))
			}
			return fmt.Errorf("invalid arguments: %w", err)
		}
		return nil
	}, nil
}

// leafMessage reports the most specific cause of a validation failure.
func leafMessage(err *jsonschema.ValidationError) string {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	if err.InstanceLocation == "" {
		return err.Message
	}
	return err.InstanceLocation + ": " + err.Message
}
