package promptspace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/logabell/conversator/pkg/models"
)

//go:embed handoff.schema.json
var handoffSchemaJSON []byte

var (
	handoffSchemaOnce sync.Once
	handoffSchema     *jsonschema.Schema
	handoffSchemaErr  error
)

// compiledSchema compiles the embedded handoff contract schema once.
func compiledSchema() (*jsonschema.Schema, error) {
	handoffSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(handoffSchemaJSON))
		if err != nil {
			handoffSchemaErr = fmt.Errorf("failed to parse embedded handoff schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("handoff.schema.json", doc); err != nil {
			handoffSchemaErr = fmt.Errorf("failed to add handoff schema resource: %w", err)
			return
		}
		handoffSchema, handoffSchemaErr = c.Compile("handoff.schema.json")
	})
	return handoffSchema, handoffSchemaErr
}

// ValidateSpec checks a handoff spec against the contract schema and the
// supported major version.
func ValidateSpec(spec *models.HandoffSpec) error {
	if spec.Version != models.HandoffVersion {
		return fmt.Errorf("unsupported handoff version %d (supported: %d)",
			spec.Version, models.HandoffVersion)
	}
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to marshal handoff spec: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to reparse handoff spec: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("handoff spec does not satisfy contract: %w", err)
	}
	return nil
}

// ReadSpec loads and validates a frozen handoff.json. Unknown major versions
// are rejected before any field is interpreted.
func ReadSpec(path string) (*models.HandoffSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read handoff spec: %w", err)
	}
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse handoff spec: %w", err)
	}
	if probe.Version != models.HandoffVersion {
		return nil, fmt.Errorf("unsupported handoff version %d (supported: %d)",
			probe.Version, models.HandoffVersion)
	}
	var spec models.HandoffSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("failed to decode handoff spec: %w", err)
	}
	if err := ValidateSpec(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}
