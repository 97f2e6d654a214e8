package tools

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateArguments checks an argument payload against the tool's declared
// schema. Tools without a schema accept any payload.
func ValidateArguments(info Info, params json.RawMessage) error {
	if info.ArgumentSchema == nil {
		return nil
	}

	raw, err := json.Marshal(info.ArgumentSchema)
	if err != nil {
		return fmt.Errorf("tool %s has an unusable schema: %w", info.Name, err)
	}
	compiled, err := jsonschema.CompileString(info.Name+".schema.json", string(raw))
	if err != nil {
		return fmt.Errorf("tool %s has an unusable schema: %w", info.Name, err)
	}

	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return compiled.Validate(doc)
}
