package tools

import (
	"fmt"
	"sort"
	"sync"
)

// Resource limits applied before a tool call touches a registry or executor.
const (
	// MaxNameLength is the maximum length of a tool name.
	MaxNameLength = 256

	// MaxArgsSize is the maximum size of a tool's JSON arguments (10MB).
	MaxArgsSize = 10 << 20
)

// Registry is the per-agent tool table. Registration replaces an existing
// tool of the same name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]map[string]*Tool // agent name -> tool name -> tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]map[string]*Tool)}
}

// Register adds a tool for an agent.
func (r *Registry) Register(agentName string, tool *Tool) error {
	if agentName == "" {
		return fmt.Errorf("tools: agent name is required")
	}
	if tool == nil || tool.Name == "" {
		return fmt.Errorf("tools: tool name is required")
	}
	if len(tool.Name) > MaxNameLength {
		return fmt.Errorf("tools: tool name exceeds %d characters", MaxNameLength)
	}
	if tool.Execute == nil {
		return fmt.Errorf("tools: tool %q has no execute function", tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	agentTools, ok := r.tools[agentName]
	if !ok {
		agentTools = make(map[string]*Tool)
		r.tools[agentName] = agentTools
	}
	agentTools[tool.Name] = tool
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(agentName, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agentTools, ok := r.tools[agentName]; ok {
		delete(agentTools, name)
	}
}

// ClearAgent removes every tool registered for an agent. Used when an
// agent's definition is replaced wholesale.
func (r *Registry) ClearAgent(agentName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, agentName)
}

// Get returns a tool and whether it was found. Missing tools are a normal
// condition the caller surfaces as a tool-result message, not an error.
func (r *Registry) Get(agentName, name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[agentName][name]
	return tool, ok
}

// List returns an agent's tools sorted by name, for stable provider
// payloads.
func (r *Registry) List(agentName string) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agentTools := r.tools[agentName]
	out := make([]*Tool, 0, len(agentTools))
	for _, t := range agentTools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
