package runner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaResource = "expected_response.json"

// ValidateSchema checks instance against a JSON Schema document. The returned
// message is the feedback text for the result log.
func ValidateSchema(instance interface{}, schema json.RawMessage) (ok bool, message string) {
	if schemaIsEmpty(schema) {
		return true, "No response schema was defined for this test case."
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
			message = fmt.Sprintf("An unexpected error occurred during schema validation: %v", r)
		}
	}()

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, bytes.NewReader(schema)); err != nil {
		return false, fmt.Sprintf("An unexpected error occurred during schema validation: %v", err)
	}
	compiled, err := compiler.Compile(schemaResource)
	if err != nil {
		return false, fmt.Sprintf("An unexpected error occurred during schema validation: %v", err)
	}

	err = compiled.Validate(instance)
	if err == nil {
		return true, "Response JSON matches the expected schema."
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return false, fmt.Sprintf("An unexpected error occurred during schema validation: %v", err)
	}
	leaf := firstLeafCause(verr)
	return false, fmt.Sprintf("Response JSON validation failed. Error in field '%s': %s",
		instancePath(leaf.InstanceLocation), leaf.Message)
}

func schemaIsEmpty(schema json.RawMessage) bool {
	trimmed := bytes.TrimSpace(schema)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err == nil && len(obj) == 0 {
		return true
	}
	return false
}

// firstLeafCause follows the first cause down to the violation that has no
// further causes.
func firstLeafCause(err *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	return err
}

// instancePath turns a JSON pointer such as "/items/0/name" into "items.0.name".
func instancePath(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return ""
	}
	parts := strings.Split(pointer, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return strings.Join(parts, ".")
}
