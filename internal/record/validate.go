package record

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Remote peers share the store but not our codebase; a buggy or hostile
// writer can leave arbitrary bytes under its keys. Every record read
// from another peer is checked against these schemas before it is
// trusted, so one malformed value degrades to a skipped record instead
// of a failed sync.

const metaSchemaJSON = `{
	"type": "object",
	"required": ["version", "lastIncrement", "shards"],
	"properties": {
		"version": {"type": "integer", "minimum": 0},
		"lastIncrement": {"type": "integer", "minimum": 0},
		"shards": {"type": "array", "items": {"type": "integer", "minimum": 0}}
	}
}`

const eventsSchemaJSON = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["increment", "hlcTime", "hlcCounter", "op"],
		"properties": {
			"increment": {"type": "integer", "minimum": 1},
			"hlcTime": {"type": "integer", "minimum": 0},
			"hlcCounter": {"type": "integer", "minimum": 0},
			"op": {
				"type": "object",
				"required": ["type"],
				"properties": {"type": {"type": "string"}}
			}
		}
	}
}`

const baselineSchemaJSON = `{
	"type": "object",
	"required": ["includes"],
	"properties": {
		"includes": {
			"type": "object",
			"additionalProperties": {"type": "integer", "minimum": 0}
		}
	}
}`

const seenSchemaJSON = `{
	"type": "object",
	"required": ["increments", "lastActive"],
	"properties": {
		"increments": {
			"type": "object",
			"additionalProperties": {"type": "integer", "minimum": 0}
		},
		"lastActive": {"type": "integer"}
	}
}`

var (
	metaSchema     = mustCompile("meta.json", metaSchemaJSON)
	eventsSchema   = mustCompile("events.json", eventsSchemaJSON)
	baselineSchema = mustCompile("baseline.json", baselineSchemaJSON)
	seenSchema     = mustCompile("seen.json", seenSchemaJSON)
)

func mustCompile(name, schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader([]byte(schema))); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

// validateSchema checks raw JSON against a compiled schema.
func validateSchema(schema *jsonschema.Schema, data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}
