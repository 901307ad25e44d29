// Package manifest defines the reef.json manifest document bundled
// inside every published tarball, and validates it against the
// registry's structural schema.
package manifest

import (
	"encoding/json"
	"fmt"
)

// DefaultType is assumed when a manifest omits the type field.
const DefaultType = "solo"

// Manifest is the structured descriptor extracted from a tarball's
// reef.json. Raw holds the original document bytes so the catalog can
// store exactly what was published.
type Manifest struct {
	Name        string                     `json:"name"`
	Version     string                     `json:"version"`
	Description string                     `json:"description,omitempty"`
	Type        string                     `json:"type,omitempty"`
	License     string                     `json:"license,omitempty"`
	Repository  string                     `json:"repository,omitempty"`
	Agents      map[string]json.RawMessage `json:"agents,omitempty"`

	Raw []byte `json:"-"`
}

// Parse decodes manifest bytes. It only checks that the document is
// well-formed JSON with the expected field shapes; structural schema
// validation is a separate step (Validator.Validate).
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest is not valid JSON: %w", err)
	}
	m.Raw = data
	return &m, nil
}

// EffectiveType returns the manifest's type, or DefaultType when unset.
func (m *Manifest) EffectiveType() string {
	if m.Type == "" {
		return DefaultType
	}
	return m.Type
}

// AgentCount returns the number of agents declared by the manifest.
func (m *Manifest) AgentCount() int {
	return len(m.Agents)
}
