package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a named batch of prompts to run against configured agents
type Scenario struct {
	Name  string `yaml:"name"`
	Cases []Case `yaml:"cases"`
}

// Case is one prompt sent to one agent, with optional expectations
type Case struct {
	Name   string `yaml:"name"`
	Agent  string `yaml:"agent"`
	Prompt string `yaml:"prompt"`

	// Session overrides the agent's configured session for this case,
	// chaining cases that share the value
	Session string `yaml:"session,omitempty"`

	// ExpectContains asserts substrings of the final response
	ExpectContains []string `yaml:"expect_contains,omitempty"`

	// MaxTurns overrides the agent's turn limit for this case
	MaxTurns int `yaml:"max_turns,omitempty"`
}

// LoadScenario reads a scenario file
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario file: %w", err)
	}

	if len(sc.Cases) == 0 {
		return nil, fmt.Errorf("scenario %s has no cases", path)
	}
	for i, c := range sc.Cases {
		if c.Agent == "" {
			return nil, fmt.Errorf("case %d (%s): agent is required", i, c.Name)
		}
		if c.Prompt == "" {
			return nil, fmt.Errorf("case %d (%s): prompt is required", i, c.Name)
		}
	}

	return &sc, nil
}
