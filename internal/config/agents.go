package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentsConfig names the runnable agents. Definitions may live inline or in
// a standalone file; the file is watched for changes when hot reload is on.
// When both are set, file definitions replace inline ones with the same name.
type AgentsConfig struct {
	File        string            `yaml:"file"`
	Definitions []AgentDefinition `yaml:"definitions"`
}

// AgentDefinition declares one agent.
type AgentDefinition struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Instructions string `yaml:"instructions"`

	// Provider selects the model transport. Empty uses providers.default.
	Provider string `yaml:"provider"`

	// Model overrides the transport's default model.
	Model string `yaml:"model"`

	MaxTurns  int `yaml:"max_turns"`
	MaxTokens int `yaml:"max_tokens"`

	// Tools names registry tools attached to this agent.
	Tools []string `yaml:"tools"`

	// SubAgents names other agents exposed to this one as tools.
	SubAgents []string `yaml:"sub_agents"`
}

type agentsFile struct {
	Agents []AgentDefinition `yaml:"agents"`
}

// LoadAgentsFile reads agent definitions from a standalone YAML file of the
// form:
//
//	agents:
//	  - name: support
//	    instructions: |
//	      You help customers.
//	    tools: [search_orders]
func LoadAgentsFile(path string) ([]AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var file agentsFile
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse agents file: %w", err)
	}
	if err := validateAgents(file.Agents); err != nil {
		return nil, err
	}
	return file.Agents, nil
}

func validateAgents(defs []AgentDefinition) error {
	seen := make(map[string]bool, len(defs))
	for i, def := range defs {
		if def.Name == "" {
			return fmt.Errorf("agents.definitions[%d].name: required", i)
		}
		if seen[def.Name] {
			return fmt.Errorf("agents.definitions[%d].name: duplicate agent %q", i, def.Name)
		}
		seen[def.Name] = true
		if def.MaxTurns < 0 {
			return fmt.Errorf("agents.definitions[%d].max_turns: must not be negative, got %d", i, def.MaxTurns)
		}
		if def.MaxTokens < 0 {
			return fmt.Errorf("agents.definitions[%d].max_tokens: must not be negative, got %d", i, def.MaxTokens)
		}
		for _, sub := range def.SubAgents {
			if sub == def.Name {
				return fmt.Errorf("agents.definitions[%d].sub_agents: agent %q cannot be its own sub-agent", i, def.Name)
			}
		}
	}
	return nil
}

// ValidateAgentRefs checks sub-agent references against the merged set of
// definitions. Inline and file definitions may reference each other, so the
// check runs after the merge rather than per source.
func ValidateAgentRefs(defs []AgentDefinition) error {
	known := make(map[string]bool, len(defs))
	for _, def := range defs {
		known[def.Name] = true
	}
	for i, def := range defs {
		for _, sub := range def.SubAgents {
			if !known[sub] {
				return fmt.Errorf("agents.definitions[%d].sub_agents: unknown agent %q", i, sub)
			}
		}
	}
	return nil
}

// MergeAgents overlays file definitions onto inline ones. File entries win
// on name conflicts; otherwise order is inline first, then file.
func MergeAgents(inline, fromFile []AgentDefinition) []AgentDefinition {
	if len(fromFile) == 0 {
		return inline
	}
	override := make(map[string]AgentDefinition, len(fromFile))
	for _, def := range fromFile {
		override[def.Name] = def
	}
	merged := make([]AgentDefinition, 0, len(inline)+len(fromFile))
	for _, def := range inline {
		if replacement, ok := override[def.Name]; ok {
			merged = append(merged, replacement)
			delete(override, def.Name)
			continue
		}
		merged = append(merged, def)
	}
	for _, def := range fromFile {
		if _, ok := override[def.Name]; ok {
			merged = append(merged, def)
		}
	}
	return merged
}
