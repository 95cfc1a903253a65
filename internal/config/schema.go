package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed config.schema.json
var schemaJSON []byte

const schemaURL = "config.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// validateSchema checks the marshalled form of c.
func validateSchema(c *Config) ValidationErrors {
	data, err := json.Marshal(c)
	if err != nil {
		return ValidationErrors{{Field: "config", Message: err.Error()}}
	}
	return ValidateDocument(data)
}

// ValidateDocument checks a raw JSON document against the config schema.
// Unknown keys are reported, which catches typos a struct decode would
// silently drop.
func ValidateDocument(data []byte) ValidationErrors {
	s, err := compiledSchema()
	if err != nil {
		return ValidationErrors{{Field: "schema", Message: err.Error()}}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return ValidationErrors{{Field: "config", Message: fmt.Sprintf("not valid JSON: %v", err)}}
	}

	err = s.Validate(instance)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return ValidationErrors{{Field: "config", Message: err.Error()}}
	}

	var errs ValidationErrors
	collectSchemaErrors(ve, &errs)
	return errs
}

func collectSchemaErrors(ve *jsonschema.ValidationError, out *ValidationErrors) {
	if len(ve.Causes) == 0 {
		*out = append(*out, ValidationError{
			Field:   pointerToField(ve.InstanceLocation),
			Message: ve.Message,
		})
		return
	}
	for _, cause := range ve.Causes {
		collectSchemaErrors(cause, out)
	}
}

// pointerToField turns "/remote/api_url" into "remote.api_url".
func pointerToField(ptr string) string {
	field := strings.ReplaceAll(strings.TrimPrefix(ptr, "/"), "/", ".")
	if field == "" {
		return "config"
	}
	return field
}

func decodeJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// toJSONDocument re-encodes a TOML or YAML decoded tree as JSON so the
// schema sees one representation regardless of the source format.
func toJSONDocument(tree map[string]any) ([]byte, error) {
	return json.Marshal(normalize(tree))
}

// normalize converts the map[any]any nodes some decoders produce into
// map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
