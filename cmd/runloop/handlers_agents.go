package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/runloop/internal/config"
)

// =============================================================================
// Agent Command Helpers
// =============================================================================

// printAgentsList prints the merged agent definitions.
func printAgentsList(out io.Writer, configPath string) error {
	cfg, defs, sources, err := loadMergedAgents(configPath)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Configured Agents")
	fmt.Fprintln(out, "=================")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Source: %s\n\n", strings.Join(sources, ", "))

	if len(defs) == 0 {
		fmt.Fprintln(out, "No agents defined.")
		return nil
	}

	fmt.Fprintln(out, "Name            Provider    Model                     Tools  Sub-agents")
	fmt.Fprintln(out, "--------------  ----------  ------------------------  -----  ----------")
	for _, def := range defs {
		provider := def.Provider
		if provider == "" {
			provider = cfg.Providers.Default
		}
		model := def.Model
		if model == "" {
			model = "-"
		}
		fmt.Fprintf(out, "%-14s  %-10s  %-24s  %5d  %d\n",
			truncate(def.Name, 14), provider, truncate(model, 24), len(def.Tools), len(def.SubAgents))
	}
	fmt.Fprintln(out)

	return nil
}

// printAgentShow prints one agent's full definition.
func printAgentShow(out io.Writer, configPath, name string) error {
	cfg, defs, sources, err := loadMergedAgents(configPath)
	if err != nil {
		return err
	}

	var target *config.AgentDefinition
	for i := range defs {
		if defs[i].Name == name {
			target = &defs[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("agent not found: %s (source: %s)", name, strings.Join(sources, ", "))
	}

	provider := target.Provider
	if provider == "" {
		provider = fmt.Sprintf("%s (default)", cfg.Providers.Default)
	}

	fmt.Fprintf(out, "Agent: %s\n", target.Name)
	fmt.Fprintln(out, "==========")
	if target.Description != "" {
		fmt.Fprintf(out, "Description: %s\n", target.Description)
	}
	fmt.Fprintf(out, "Provider: %s\n", provider)
	if target.Model != "" {
		fmt.Fprintf(out, "Model: %s\n", target.Model)
	}
	if target.MaxTurns > 0 {
		fmt.Fprintf(out, "Max Turns: %d\n", target.MaxTurns)
	}
	if target.MaxTokens > 0 {
		fmt.Fprintf(out, "Max Tokens: %d\n", target.MaxTokens)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Instructions:")
	if strings.TrimSpace(target.Instructions) == "" {
		fmt.Fprintln(out, "  (empty)")
	} else {
		for _, line := range strings.Split(target.Instructions, "\n") {
			if line == "" {
				fmt.Fprintln(out)
				continue
			}
			fmt.Fprintf(out, "  %s\n", line)
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Tools:")
	if len(target.Tools) == 0 {
		fmt.Fprintln(out, "  (none)")
	} else {
		for _, tool := range target.Tools {
			fmt.Fprintf(out, "  - %s\n", tool)
		}
	}

	if len(target.SubAgents) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Sub-agents:")
		for _, sub := range target.SubAgents {
			fmt.Fprintf(out, "  - %s\n", sub)
		}
	}

	return nil
}

// loadMergedAgents loads the config and overlays the agents file when one is
// configured. The returned sources name where definitions came from.
func loadMergedAgents(configPath string) (*config.Config, []config.AgentDefinition, []string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	defs := cfg.Agents.Definitions
	sources := []string{configPath}
	if cfg.Agents.File != "" {
		agentsPath := resolveAgentsPath(configPath, cfg.Agents.File)
		fileDefs, err := config.LoadAgentsFile(agentsPath)
		if err != nil {
			return nil, nil, nil, err
		}
		defs = config.MergeAgents(defs, fileDefs)
		sources = append(sources, agentsPath)
	}
	if err := config.ValidateAgentRefs(defs); err != nil {
		return nil, nil, nil, err
	}
	return cfg, defs, sources, nil
}

// resolveAgentsPath resolves the agents file relative to the config file's
// directory so the pair can move together.
func resolveAgentsPath(configPath, agentsFile string) string {
	if filepath.IsAbs(agentsFile) {
		return agentsFile
	}
	return filepath.Join(filepath.Dir(configPath), agentsFile)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
