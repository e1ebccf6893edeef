package store

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// configSchemas holds one compiled JSON Schema per integration kind,
// validated against UserIntegrationConfig.ConfigJSON and
// IntegrationDefault.ConfigJSON before either is persisted (spec.md
// §4.5's per-kind configuration contract).
var configSchemas = compileConfigSchemas(map[string]string{
	"webhook": `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"method": {"type": "string"},
			"headers": {"type": "object"},
			"auth": {
				"type": "object",
				"properties": {
					"type": {"enum": ["bearer", "api_key", "basic", ""]},
					"token": {"type": "string"},
					"api_key_header": {"type": "string"},
					"api_key_value": {"type": "string"},
					"username": {"type": "string"},
					"password": {"type": "string"}
				}
			},
			"insecure_skip_verify": {"type": "boolean"},
			"timeout_seconds": {"type": "integer", "minimum": 0}
		}
	}`,
	"chat": `{
		"type": "object",
		"required": ["channel_id"],
		"properties": {
			"channel_id": {"type": "string", "minLength": 1},
			"thread_id": {"type": "string"}
		}
	}`,
	"email": `{
		"type": "object",
		"required": ["to"],
		"properties": {
			"to": {"type": "string", "minLength": 1},
			"reply_to": {"type": "string"},
			"subject": {"type": "string"}
		}
	}`,
	"test": `{"type": "object"}`,
})

// compileConfigSchemas compiles every entry of raw up front and panics on
// a malformed literal schema, the same fail-fast-at-init posture the
// teacher's command layer uses for its own embedded constants.
func compileConfigSchemas(raw map[string]string) map[string]*jsonschema.Schema {
	compiled := make(map[string]*jsonschema.Schema, len(raw))
	for kind, schemaJSON := range raw {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			panic(fmt.Sprintf("store: unmarshal %s config schema: %v", kind, err))
		}
		resource := kind + ".schema.json"
		c := jsonschema.NewCompiler()
		if err := c.AddResource(resource, doc); err != nil {
			panic(fmt.Sprintf("store: add %s config schema resource: %v", kind, err))
		}
		schema, err := c.Compile(resource)
		if err != nil {
			panic(fmt.Sprintf("store: compile %s config schema: %v", kind, err))
		}
		compiled[kind] = schema
	}
	return compiled
}

// validateConfigJSON checks configJSON against the kind's schema. An
// empty configJSON is always accepted (every field has a handler-side
// default); a kind with no registered schema is accepted unvalidated,
// since the dispatcher's handler map and the store's schema set are
// allowed to evolve independently.
func validateConfigJSON(kind, configJSON string) error {
	if strings.TrimSpace(configJSON) == "" {
		return nil
	}
	schema, ok := configSchemas[kind]
	if !ok {
		return nil
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(configJSON))
	if err != nil {
		return fmt.Errorf("invalid %s config: %w", kind, err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("%s config failed schema validation: %w", kind, err)
	}
	return nil
}
