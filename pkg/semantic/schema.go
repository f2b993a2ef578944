package semantic

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// semanticsSchema constrains the shape of semantics accepted for
// encryption. Hints and routing rules stay open objects; the action type
// must come from the obfuscation vocabulary.
const semanticsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action_type"],
  "properties": {
    "action_type": {
      "type": "string",
      "enum": ["price_query", "swap_execute", "wallet_balance", "transfer", "compose", "delegate", "invoke"]
    },
    "parameters": {"type": "object"},
    "execution_hints": {"type": "object"},
    "routing_rules": {"type": "object"}
  },
  "additionalProperties": false
}`

var compiledSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("semantics.json", bytes.NewReader([]byte(semanticsSchema))); err != nil {
		panic(fmt.Sprintf("semantic: schema resource: %v", err))
	}
	return c.MustCompile("semantics.json")
}()

// checkSchema validates semantics against the embedded schema.
func checkSchema(sem *Semantics) error {
	raw, err := json.Marshal(sem)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return compiledSchema.Validate(doc)
}
