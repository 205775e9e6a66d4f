package gateway

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FlowSubmission is the POST /api/v1/flows request body.
type FlowSubmission struct {
	TargetSessionKey  string `json:"targetSessionKey"`
	DisplayKey        string `json:"displayKey,omitempty"`
	Message           string `json:"message"`
	ConversationID    string `json:"conversationId,omitempty"`
	MaxPingPongTurns  int    `json:"maxPingPongTurns,omitempty"`
	AnnounceTimeoutMs int    `json:"announceTimeoutMs,omitempty"`
}

// defaultFlowSchema is the built-in submission contract, used when the
// operator has not placed a flows.schema.json in the home directory.
const defaultFlowSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["targetSessionKey", "message"],
  "properties": {
    "targetSessionKey": {"type": "string", "minLength": 1},
    "displayKey": {"type": "string"},
    "message": {"type": "string", "minLength": 1},
    "conversationId": {"type": "string"},
    "maxPingPongTurns": {"type": "integer", "minimum": 0, "maximum": 50},
    "announceTimeoutMs": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`

// SubmissionValidator validates flow submissions against a compiled
// JSON Schema before any job is created.
type SubmissionValidator struct {
	schema *jsonschema.Schema
}

// NewSubmissionValidator compiles the given schema. An empty schemaJSON
// compiles the built-in default.
func NewSubmissionValidator(schemaJSON []byte) (*SubmissionValidator, error) {
	if len(schemaJSON) == 0 {
		schemaJSON = []byte(defaultFlowSchema)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("flows.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}
	schema, err := c.Compile("flows.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}
	return &SubmissionValidator{schema: schema}, nil
}

// LoadSubmissionValidator reads flows.schema.json from the home
// directory, falling back to the built-in schema when the file is
// missing or does not compile.
func LoadSubmissionValidator(homeDir string, logger *slog.Logger) *SubmissionValidator {
	path := filepath.Join(homeDir, "flows.schema.json")
	data, err := os.ReadFile(path)
	if err == nil {
		if v, cerr := NewSubmissionValidator(data); cerr == nil {
			logger.Debug("flow schema loaded", "path", path)
			return v
		} else {
			logger.Warn("flow schema invalid, using built-in", "path", path, "error", cerr)
		}
	}
	v, err := NewSubmissionValidator(nil)
	if err != nil {
		// The built-in schema is a constant; failing to compile it is a
		// programming error.
		panic(fmt.Sprintf("compile built-in flow schema: %v", err))
	}
	return v
}

// Validate checks a raw request body against the schema.
func (v *SubmissionValidator) Validate(body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
