package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/runloop/internal/approvals"
	"github.com/haasonsaas/runloop/internal/auth"
	"github.com/haasonsaas/runloop/internal/memory"
	"github.com/haasonsaas/runloop/internal/tools"
	"github.com/haasonsaas/runloop/pkg/models"
)

// Deps carries the engine's collaborators. Agents is required; Tools
// defaults to an empty registry; the stores and auth flow are optional and
// disable their gates when nil.
type Deps struct {
	Agents    *AgentRegistry
	Tools     *tools.Registry
	Memory    memory.Provider
	Approvals approvals.Store
	Auth      *auth.Flow

	// Sinks receive the event stream of every run, in addition to any
	// per-run sink on the request.
	Sinks []Sink
}

// Engine executes agent runs. It is safe for concurrent use; each run is
// advanced by exactly one goroutine.
type Engine struct {
	agents    *AgentRegistry
	tools     *tools.Registry
	memory    memory.Provider
	approvals approvals.Store
	auth      *auth.Flow
	sinks     []Sink
	opts      *Options
	logger    *slog.Logger
}

// New creates an engine. If opts is nil, DefaultOptions is used.
func New(deps Deps, opts *Options) *Engine {
	opts = sanitizeOptions(opts)
	agents := deps.Agents
	if agents == nil {
		agents = NewAgentRegistry()
	}
	registry := deps.Tools
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Engine{
		agents:    agents,
		tools:     registry,
		memory:    deps.Memory,
		approvals: deps.Approvals,
		auth:      deps.Auth,
		sinks:     deps.Sinks,
		opts:      opts,
		logger:    opts.Logger,
	}
}

// Agents returns the agent registry.
func (e *Engine) Agents() *AgentRegistry { return e.agents }

// Tools returns the tool registry.
func (e *Engine) Tools() *tools.Registry { return e.tools }

// Memory returns the conversation provider, or nil when unconfigured.
func (e *Engine) Memory() memory.Provider { return e.memory }

// Approvals returns the approval store, or nil when unconfigured.
func (e *Engine) Approvals() approvals.Store { return e.approvals }

// Auth returns the credential flow, or nil when unconfigured.
func (e *Engine) Auth() *auth.Flow { return e.auth }

// MemoryOptions controls conversation persistence for one run.
type MemoryOptions struct {
	// Disabled opts out of persistence. By default runs with a
	// conversation id store their messages automatically.
	Disabled bool `json:"disabled,omitempty"`

	// MaxMessages bounds the transcript window handed to the model
	// (the first system message is preserved). 0 disables trimming.
	MaxMessages int `json:"maxMessages,omitempty"`

	// CompressionThreshold is accepted for compatibility and currently
	// advisory.
	CompressionThreshold int `json:"compressionThreshold,omitempty"`

	// StoreOnCompletion defers persistence to run end instead of writing
	// after each appended message.
	StoreOnCompletion bool `json:"storeOnCompletion,omitempty"`
}

// ApprovalSubmission is a caller-supplied decision applied before the run
// starts.
type ApprovalSubmission struct {
	ToolCallID        string         `json:"toolCallId"`
	SessionID         string         `json:"sessionId,omitempty"`
	Approved          bool           `json:"approved"`
	AdditionalContext map[string]any `json:"additionalContext,omitempty"`
}

// Entry converts the submission to an approval entry.
func (s ApprovalSubmission) Entry() models.ApprovalEntry {
	status := models.ApprovalRejected
	if s.Approved {
		status = models.ApprovalApproved
	}
	return models.ApprovalEntry{
		ToolCallID:        s.ToolCallID,
		Status:            status,
		Approved:          s.Approved,
		AdditionalContext: s.AdditionalContext,
	}
}

// RunRequest describes one engine run.
type RunRequest struct {
	// AgentName selects the registered agent.
	AgentName string

	// Messages are appended to the loaded conversation (if any) before the
	// first model call. May be empty when resuming.
	Messages []models.Message

	// Context is an opaque caller value passed unchanged to tools.
	Context any

	// MaxTurns overrides the agent and engine defaults when > 0.
	MaxTurns int

	// ConversationID keys persistence and resume. Empty runs are
	// ephemeral.
	ConversationID string

	// ApprovalScope overrides the conversation id under which approval
	// decisions are read and recorded. Sub-agent runs set it to the
	// parent's conversation so decisions recorded there reach the nested
	// run; messages stay scoped by ConversationID. Empty means
	// ConversationID.
	ApprovalScope string

	// RunID and TraceID are minted when empty.
	RunID   string
	TraceID string

	// Memory tunes persistence for this run.
	Memory *MemoryOptions

	// Approvals are decisions recorded before the run starts.
	Approvals []ApprovalSubmission

	// Hooks observe the run. Advisory only.
	Hooks *Hooks

	// Sink receives this run's events in addition to the engine sinks.
	Sink Sink
}

// RunResult is the terminal result of a run.
type RunResult struct {
	RunID          string
	TraceID        string
	ConversationID string

	// Messages is the full final transcript; NewMessages holds only those
	// produced by this run (assistant and tool messages).
	Messages    []models.Message
	NewMessages []models.Message

	Outcome       models.RunOutcome
	TurnCount     int
	Usage         models.TokenUsage
	DroppedEvents int
	Duration      time.Duration
}

// Run executes one run to a terminal outcome. It returns an error only when
// the request cannot be admitted (nil request, unknown agent); failures
// after admission surface in the outcome.
func (e *Engine) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	if req.AgentName == "" {
		return nil, ErrAgentNameRequired
	}
	agent, ok := e.agents.Get(req.AgentName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, req.AgentName)
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	sinks := make([]Sink, 0, len(e.sinks)+1)
	sinks = append(sinks, e.sinks...)
	if req.Sink != nil {
		sinks = append(sinks, req.Sink)
	}

	approvalScope := req.ApprovalScope
	if approvalScope == "" {
		approvalScope = req.ConversationID
	}

	r := &run{
		eng:            e,
		agent:          agent,
		req:            req,
		opts:           e.opts,
		logger:         e.logger.With("run_id", runID, "agent", agent.Name),
		em:             newEmitter(runID, traceID, req.ConversationID, agent.Name, sinks...),
		runID:          runID,
		traceID:        traceID,
		conversationID: req.ConversationID,
		approvalScope:  approvalScope,
		maxTurns:       e.effectiveMaxTurns(agent, req),
	}
	return r.execute(ctx), nil
}

func (e *Engine) effectiveMaxTurns(agent *Agent, req *RunRequest) int {
	if req.MaxTurns > 0 {
		return req.MaxTurns
	}
	if agent.MaxTurns > 0 {
		return agent.MaxTurns
	}
	return e.opts.MaxTurns
}
