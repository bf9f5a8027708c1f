// Package engine drives multi-turn agent runs: it alternates model calls
// with tool execution, yields interrupted outcomes when a tool needs a human
// decision or an authorization grant, and resumes deterministically from a
// persisted transcript.
package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Agent is a named configuration the engine can run: a model transport plus
// the prompt and limits that shape its turns. Tools are attached through the
// tool registry under the agent's name.
type Agent struct {
	// Name uniquely identifies the agent.
	Name string

	// Description is surfaced by listing endpoints and sub-agent tools.
	Description string

	// Instructions is the system prompt.
	Instructions string

	// Model selects the transport model. Empty uses the transport default.
	Model string

	// Transport performs completion calls.
	Transport ModelTransport

	// MaxTurns overrides the engine default for this agent. 0 keeps the
	// engine default; per-run requests override both.
	MaxTurns int

	// MaxTokens bounds each completion. 0 uses the transport default.
	MaxTokens int
}

// AgentRegistry holds runnable agents by name.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]*Agent)}
}

// Register adds an agent. Registering an existing name replaces it.
func (r *AgentRegistry) Register(agent *Agent) error {
	if agent == nil {
		return fmt.Errorf("agent is nil")
	}
	if agent.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if agent.Transport == nil {
		return fmt.Errorf("agent %q has no transport", agent.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.Name] = agent
	return nil
}

// Unregister removes an agent by name. Unknown names are a no-op.
func (r *AgentRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
}

// Get returns the named agent.
func (r *AgentRegistry) Get(name string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// List returns all agents sorted by name.
func (r *AgentRegistry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
