package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/runloop/internal/tools"
	"github.com/haasonsaas/runloop/pkg/models"
)

// agentToolArgs is the default argument shape for a sub-agent tool.
type agentToolArgs struct {
	Input string `json:"input" jsonschema:"description=Request forwarded to the sub-agent"`
}

type agentToolConfig struct {
	name         string
	description  string
	schema       json.RawMessage
	customSchema bool
	maxTurns     int
	extract      func(*RunResult) string
}

// AgentToolOption customizes how a child agent is exposed as a tool.
type AgentToolOption func(*agentToolConfig)

// WithToolName overrides the derived tool name.
func WithToolName(name string) AgentToolOption {
	return func(c *agentToolConfig) { c.name = name }
}

// WithToolDescription overrides the tool description shown to the model.
func WithToolDescription(desc string) AgentToolOption {
	return func(c *agentToolConfig) { c.description = desc }
}

// WithToolSchema replaces the default {input: string} argument schema. The
// raw arguments become the child's user message when they do not carry an
// input field.
func WithToolSchema(schema json.RawMessage) AgentToolOption {
	return func(c *agentToolConfig) {
		c.schema = schema
		c.customSchema = true
	}
}

// WithToolMaxTurns caps the nested run's turns.
func WithToolMaxTurns(n int) AgentToolOption {
	return func(c *agentToolConfig) { c.maxTurns = n }
}

// WithOutputExtractor derives the tool result from the nested run instead
// of using its final assistant text.
func WithOutputExtractor(fn func(*RunResult) string) AgentToolOption {
	return func(c *agentToolConfig) { c.extract = fn }
}

// AgentTool wraps a child agent as a callable tool. Each invocation starts
// a nested run with a fresh run id, messages seeded from the input
// argument, the caller's context value, and the parent's trace id. The
// nested transcript is not persisted; approval decisions are shared with
// the parent's conversation so an interrupted child resumes after the
// caller decides. Interruptions propagate outward as the parent's
// interrupt. The child is registered with the engine when it is not
// already.
func (e *Engine) AgentTool(child *Agent, opts ...AgentToolOption) (*tools.Tool, error) {
	if child == nil || child.Name == "" {
		return nil, ErrAgentNameRequired
	}
	if _, ok := e.agents.Get(child.Name); !ok {
		if err := e.agents.Register(child); err != nil {
			return nil, err
		}
	}

	cfg := agentToolConfig{
		name:        subAgentToolName(child.Name),
		description: child.Description,
		schema:      tools.SchemaFor[agentToolArgs](),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.description == "" {
		cfg.description = "Delegates the request to the " + child.Name + " agent and returns its answer."
	}

	return &tools.Tool{
		Name:        cfg.name,
		Description: cfg.description,
		Schema:      cfg.schema,
		Execute: func(ctx context.Context, args json.RawMessage, rc *tools.RunContext) tools.Outcome {
			input, err := subAgentInput(args, cfg.customSchema)
			if err != nil {
				return tools.Invalidf("%v", err)
			}
			res, err := e.Run(ctx, &RunRequest{
				AgentName:     child.Name,
				Messages:      []models.Message{models.NewUserMessage(input)},
				Context:       rc.Context,
				MaxTurns:      cfg.maxTurns,
				TraceID:       rc.TraceID,
				ApprovalScope: rc.ConversationID,
				Memory:        &MemoryOptions{Disabled: true},
			})
			if err != nil {
				return tools.Errf("sub-agent %s: %v", child.Name, err)
			}
			switch res.Outcome.Status {
			case models.RunCompleted:
				if cfg.extract != nil {
					return tools.Ok(cfg.extract(res))
				}
				return tools.Ok(res.Outcome.Output)
			case models.RunInterrupted:
				return tools.PropagateInterruptions(res.Outcome.Interruptions)
			default:
				if res.Outcome.Error != nil {
					return tools.Errf("sub-agent %s failed: %s", child.Name, res.Outcome.Error.Message)
				}
				return tools.Errf("sub-agent %s failed", child.Name)
			}
		},
	}, nil
}

// subAgentInput extracts the child's user message from the tool arguments:
// the input field when present, otherwise the raw arguments of a custom
// schema.
func subAgentInput(args json.RawMessage, customSchema bool) (string, error) {
	var parsed agentToolArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		if !customSchema {
			return "", err
		}
		parsed.Input = ""
	}
	if parsed.Input != "" {
		return parsed.Input, nil
	}
	if customSchema && len(args) > 0 {
		return string(args), nil
	}
	return "", errInputRequired
}

// subAgentToolName derives a provider-safe tool name from an agent name.
func subAgentToolName(agentName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(agentName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
