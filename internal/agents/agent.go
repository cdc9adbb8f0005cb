// Package agents defines the contract for AI backend runtimes consumed
// by the gateway. A runtime owns its sessions; the gateway addresses
// them by the session id it gets back from CreateSession.
package agents

import "context"

// ModelInfo describes one model a runtime can serve.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SessionInfo is the introspectable state of one session.
type SessionInfo struct {
	Model       string `json:"model"`
	ProjectPath string `json:"project_path"`
}

// EventKind distinguishes the session events pushed to subscribers.
type EventKind string

const (
	// EventDelta carries the accumulated assistant text so far.
	EventDelta EventKind = "delta"
	// EventFinal carries the complete assistant reply.
	EventFinal EventKind = "final"
	// EventError reports a failure inside the runtime.
	EventError EventKind = "error"
)

// Event is one session update pushed to subscribers.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Handler consumes session events.
type Handler func(evt Event)

// Agent is an AI backend runtime adapter.
type Agent interface {
	// ID returns the unique agent id used in bindings.
	ID() string

	// Initialize starts the runtime. Idempotent callers check
	// Initialized first; a second Initialize is runtime-defined.
	Initialize(ctx context.Context) error

	// Shutdown stops the runtime and all its sessions.
	Shutdown(ctx context.Context) error

	// Initialized reports whether the runtime is ready for sessions.
	Initialized() bool

	// CreateSession opens a fresh session rooted at projectPath. An
	// empty model picks the runtime default.
	CreateSession(ctx context.Context, projectPath, model string) (string, error)

	// GetOrCreateSession returns the existing session for projectPath
	// or creates one.
	GetOrCreateSession(ctx context.Context, projectPath, model string) (string, error)

	// SwitchModel changes the model for an existing session.
	SwitchModel(ctx context.Context, sessionID, model string) error

	// ClearHistory drops the session's conversation history.
	ClearHistory(ctx context.Context, sessionID string) error

	// Send submits a user message; replies arrive via Subscribe.
	Send(ctx context.Context, sessionID, message string) error

	// Abort stops in-progress generation, reporting whether anything
	// was aborted.
	Abort(ctx context.Context, sessionID string) (bool, error)

	// Summarize compacts the session history, reporting whether a
	// summary was produced.
	Summarize(ctx context.Context, sessionID string) (bool, error)

	// ExecuteCommand runs a runtime command inside the session and
	// returns its output.
	ExecuteCommand(ctx context.Context, sessionID, command string) (string, error)

	// Subscribe registers handler for the session's events. The
	// returned func removes exactly this registration.
	Subscribe(sessionID string, handler Handler) (func(), error)

	// ListModels enumerates the models the runtime can serve.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// GetSessionInfo reports the session's current model and project path.
	GetSessionInfo(ctx context.Context, sessionID string) (SessionInfo, error)
}
