package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Inbound message types on /ws/{roomID}.
const (
	msgJoin      = "join"
	msgHeartbeat = "heartbeat"
	msgFrame     = "frame"
	msgIncident  = "incident"
	msgLeave     = "leave"

	roomIncidentSchema = "room_incident"
)

const levelEnum = `"enum": ["S1", "S2", "S3", "S4"]`

var schemaSources = map[string]string{
	msgJoin: `{
		"type": "object",
		"required": ["type", "userId"],
		"properties": {
			"type": {"const": "join"},
			"userId": {"type": "string", "minLength": 1, "maxLength": 128},
			"role": {"enum": ["candidate", "proctor", "observer"]}
		}
	}`,
	msgHeartbeat: `{
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {"const": "heartbeat"},
			"ts": {"type": "integer", "minimum": 0}
		}
	}`,
	msgFrame: `{
		"type": "object",
		"required": ["type", "kind", "data"],
		"properties": {
			"type": {"const": "frame"},
			"kind": {"enum": ["camera", "screen", "audio"]},
			"data": {"type": "string", "minLength": 1},
			"format": {"enum": ["s16le", "f32le"]},
			"sampleRate": {"type": "integer", "minimum": 1},
			"channels": {"type": "integer", "minimum": 1, "maximum": 8},
			"ts": {"type": "integer", "minimum": 0}
		},
		"if": {"properties": {"kind": {"const": "audio"}}},
		"then": {"required": ["sampleRate"]}
	}`,
	msgIncident: `{
		"type": "object",
		"required": ["type", "tag"],
		"properties": {
			"type": {"const": "incident"},
			"tag": {"type": "string", "pattern": "^[A-Z][0-9]{1,2}$"},
			"level": {` + levelEnum + `},
			"note": {"type": "string", "maxLength": 1000},
			"ts": {"type": "integer", "minimum": 0},
			"by": {"type": "string"}
		}
	}`,
	msgLeave: `{
		"type": "object",
		"required": ["type"],
		"properties": {"type": {"const": "leave"}}
	}`,
	// body of POST /rooms/{roomID}/incidents
	roomIncidentSchema: `{
		"type": "object",
		"required": ["tag", "level", "note", "ts", "by"],
		"properties": {
			"tag": {"type": "string", "pattern": "^[A-Z][0-9]{1,2}$"},
			"level": {` + levelEnum + `},
			"note": {"type": "string", "maxLength": 1000},
			"ts": {"type": "integer", "minimum": 0},
			"by": {"type": "string", "minLength": 1}
		}
	}`,
}

var schemas = mustCompileSchemas(schemaSources)

func mustCompileSchemas(src map[string]string) map[string]*gojsonschema.Schema {
	out := make(map[string]*gojsonschema.Schema, len(src))
	for name, s := range src {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
		if err != nil {
			panic(fmt.Sprintf("schema %s: %v", name, err))
		}
		out[name] = schema
	}
	return out
}

// ValidationError lists every schema violation of one message.
type ValidationError struct {
	Schema string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s message: %s", e.Schema, strings.Join(e.Errors, "; "))
}

// validate checks raw against the named schema. Unknown names are an error.
func validate(name string, raw []byte) error {
	schema, ok := schemas[name]
	if !ok {
		return fmt.Errorf("no schema for %q", name)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validate %s: %w", name, err)
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		errs[i] = desc.String()
	}
	return &ValidationError{Schema: name, Errors: errs}
}

// messageType reads the "type" field without decoding the rest.
func messageType(raw []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}
