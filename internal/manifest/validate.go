package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed reef.schema.json
var schemaJSON []byte

// Validator checks manifest documents against the registry's
// structural schema. The schema is compiled once at construction and
// the Validator is injected into the publisher, never read from
// ambient globals.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the bundled reef.schema.json.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("reef.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to load manifest schema: %w", err)
	}
	schema, err := compiler.Compile("reef.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile manifest schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks raw manifest bytes against the schema. On schema
// violation it returns every violation, not just the first, each
// formatted as "<instance location> <message>". A nil return means the
// document is structurally valid.
func (v *Validator) Validate(raw []byte) []string {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []string{fmt.Sprintf("/ %v", err)}
	}

	err := v.schema.Validate(doc)
	if err == nil {
		return nil
	}

	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{fmt.Sprintf("/ %v", err)}
	}

	var violations []string
	for _, cause := range ve.BasicOutput().Errors {
		// The basic output interleaves aggregate entries ("doesn't
		// validate with ...") with the leaf violations; only the
		// leaves carry information a publisher can act on.
		if cause.Error == "" || strings.Contains(cause.Error, "doesn't validate with") {
			continue
		}
		loc := cause.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		violations = append(violations, fmt.Sprintf("%s %s", loc, cause.Error))
	}
	if len(violations) == 0 {
		violations = []string{fmt.Sprintf("/ %v", ve)}
	}
	return violations
}
