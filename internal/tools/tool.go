// Package tools defines the tool contract: declarative tool records, the
// per-agent registry, argument schema validation, and the typed outcome a
// tool execution yields.
package tools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/runloop/internal/auth"
)

// ExecuteFunc runs a tool call. Args is the raw JSON arguments string from
// the model, already validated against the tool's schema.
type ExecuteFunc func(ctx context.Context, args json.RawMessage, rc *RunContext) Outcome

// ApprovalFunc decides whether one specific invocation needs human approval.
type ApprovalFunc func(args json.RawMessage, rc *RunContext) bool

// Tool is a declarative tool record. Name must be unique within an agent.
type Tool struct {
	Name        string
	Description string

	// Schema is a JSON Schema for the arguments object. Empty means any
	// arguments are accepted.
	Schema json.RawMessage

	// NeedsApproval gates execution behind a human decision. Nil means the
	// tool never needs approval.
	NeedsApproval ApprovalFunc

	// Auth, when set, makes the engine acquire a credential before the tool
	// runs and exposes it on the RunContext.
	Auth *auth.Config

	// Independent marks the tool safe to run concurrently with other
	// independent tools of the same batch. Advisory, default false.
	Independent bool

	Execute ExecuteFunc

	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
}

// ApprovalAlways is a NeedsApproval predicate that always requires approval.
func ApprovalAlways(json.RawMessage, *RunContext) bool { return true }

// RunContext is the per-invocation view a tool receives: run identity, the
// opaque caller context, the resolved credential, and the event reporter.
type RunContext struct {
	RunID          string
	TraceID        string
	ConversationID string
	// SessionID routes interruption decisions back to this run. Equal to
	// RunID for top-level runs.
	SessionID string
	AgentName string

	// Context is the caller-supplied value, passed through unchanged.
	Context any

	// Credential is set when the tool declares Auth and acquisition
	// succeeded. Auth can refresh or revoke it mid-call.
	Credential *auth.Credential
	Auth       auth.Invoker

	// Report streams partial output while the tool runs. Never nil.
	Report Reporter
}

// Reporter forwards tool-emitted progress into the run's event stream. The
// engine binds one per tool call.
type Reporter interface {
	PartialResult(data string)
	StreamingOutput(data string)
	Progress(message string, fraction float64)
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) PartialResult(string)     {}
func (NopReporter) StreamingOutput(string)   {}
func (NopReporter) Progress(string, float64) {}
