package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateArgs checks raw arguments against the tool's schema. The schema is
// compiled once and reused. An empty args string validates as an empty
// object, matching what providers emit for no-argument calls.
func (t *Tool) ValidateArgs(args json.RawMessage) error {
	if len(args) > MaxArgsSize {
		return fmt.Errorf("arguments exceed %d bytes", MaxArgsSize)
	}
	if len(t.Schema) == 0 {
		return nil
	}
	t.compileOnce.Do(func() {
		t.compiled, t.compileErr = jsonschema.CompileString(t.Name+".json", string(t.Schema))
	})
	if t.compileErr != nil {
		return fmt.Errorf("schema for %s: %w", t.Name, t.compileErr)
	}

	var v any
	if len(bytes.TrimSpace(args)) == 0 {
		v = map[string]any{}
	} else {
		dec := json.NewDecoder(bytes.NewReader(args))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("parse arguments: %w", err)
		}
	}
	return t.compiled.Validate(v)
}

// SchemaFor derives a self-contained JSON Schema from a Go struct, for tools
// that declare their arguments as a typed record.
func SchemaFor[T any]() json.RawMessage {
	r := &invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var v T
	data, err := json.Marshal(r.Reflect(&v))
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
