package tools

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map

// ValidateArgs checks call parameters against the tool's declared
// schema. Violations wrap ErrInvalidArgs with the validator's message so
// the model can correct the call; tools without a schema accept
// anything.
func ValidateArgs(desc *Descriptor, params map[string]any) error {
	if len(desc.Schema) == 0 {
		return nil
	}

	compiled, err := compileSchema(desc.Schema)
	if err != nil {
		// Uncompilable schemas never block execution.
		return nil
	}

	value := any(params)
	if params == nil {
		value = map[string]any{}
	}
	if err := compiled.Validate(value); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgs, desc.Name, err)
	}
	return nil
}

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
