package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/atelierhq/atelier/internal/errors"
)

// document is the on-disk shape of a hand-written plan. JSON is accepted
// too since it parses as YAML.
type document struct {
	Goal  string `yaml:"goal"`
	Steps []struct {
		ID          string         `yaml:"id"`
		Action      string         `yaml:"action"`
		Description string         `yaml:"description"`
		Params      map[string]any `yaml:"params"`
	} `yaml:"steps"`
}

// Parse builds a new plan from YAML or JSON.
func Parse(data []byte) (*Plan, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse plan: %v", errors.ErrInvalidInput, err)
	}
	steps := make([]Step, len(doc.Steps))
	for i, s := range doc.Steps {
		steps[i] = Step{
			ID:          s.ID,
			Action:      Action(s.Action),
			Description: s.Description,
			Params:      s.Params,
		}
	}
	return New(doc.Goal, steps)
}

// LoadFile reads a plan definition from path.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}
