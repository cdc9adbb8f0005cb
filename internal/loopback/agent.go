package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/switchboard/internal/agents"
)

const (
	modelEcho    = "echo"
	modelReverse = "reverse"
)

type session struct {
	id          string
	projectPath string
	model       string
	history     int
}

// Agent is an in-memory agents.Agent. Every Send streams a short delta
// followed by a final reply that echoes (or, under the reverse model,
// reverses) the message text.
type Agent struct {
	id string

	mu          sync.Mutex
	initialized bool
	sessions    map[string]*session
	byPath      map[string]string
	subs        map[string]map[int]agents.Handler
	nextSub     int
}

// NewAgent returns an uninitialized loopback agent with the given id.
func NewAgent(id string) *Agent {
	return &Agent{
		id:       id,
		sessions: make(map[string]*session),
		byPath:   make(map[string]string),
		subs:     make(map[string]map[int]agents.Handler),
	}
}

func (a *Agent) ID() string { return a.id }

func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initialized = true
	return nil
}

func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initialized = false
	return nil
}

func (a *Agent) Initialized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initialized
}

func (a *Agent) CreateSession(ctx context.Context, projectPath, model string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if model == "" {
		model = modelEcho
	}
	s := &session{id: uuid.NewString(), projectPath: projectPath, model: model}
	a.sessions[s.id] = s
	a.byPath[projectPath] = s.id
	return s.id, nil
}

func (a *Agent) GetOrCreateSession(ctx context.Context, projectPath, model string) (string, error) {
	a.mu.Lock()
	if id, ok := a.byPath[projectPath]; ok {
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()
	return a.CreateSession(ctx, projectPath, model)
}

func (a *Agent) SwitchModel(ctx context.Context, sessionID, model string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return fmt.Errorf("agent %s: unknown session %s", a.id, sessionID)
	}
	if model != modelEcho && model != modelReverse {
		return fmt.Errorf("agent %s: unknown model %q", a.id, model)
	}
	s.model = model
	return nil
}

func (a *Agent) ClearHistory(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return fmt.Errorf("agent %s: unknown session %s", a.id, sessionID)
	}
	s.history = 0
	return nil
}

// Send replies synchronously: one delta with a partial answer, then the
// final text. Subscribers registered for the session receive both.
func (a *Agent) Send(ctx context.Context, sessionID, message string) error {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("agent %s: unknown session %s", a.id, sessionID)
	}
	s.history++
	model := s.model
	handlers := make([]agents.Handler, 0, len(a.subs[sessionID]))
	for _, h := range a.subs[sessionID] {
		handlers = append(handlers, h)
	}
	a.mu.Unlock()

	text := message
	if model == modelReverse {
		text = reverse(message)
	}
	runes := []rune(text)
	half := string(runes[:len(runes)/2])
	for _, h := range handlers {
		if half != "" {
			h(agents.Event{Kind: agents.EventDelta, Text: half})
		}
		h(agents.Event{Kind: agents.EventFinal, Text: text})
	}
	return nil
}

func (a *Agent) Abort(ctx context.Context, sessionID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[sessionID]; !ok {
		return false, fmt.Errorf("agent %s: unknown session %s", a.id, sessionID)
	}
	return false, nil
}

func (a *Agent) Summarize(ctx context.Context, sessionID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("agent %s: unknown session %s", a.id, sessionID)
	}
	if s.history == 0 {
		return false, nil
	}
	s.history = 1
	return true, nil
}

func (a *Agent) ExecuteCommand(ctx context.Context, sessionID, command string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("agent %s: unknown session %s", a.id, sessionID)
	}
	return fmt.Sprintf("ran %q in %s", command, s.projectPath), nil
}

func (a *Agent) Subscribe(sessionID string, handler agents.Handler) (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("agent %s: unknown session %s", a.id, sessionID)
	}
	if a.subs[sessionID] == nil {
		a.subs[sessionID] = make(map[int]agents.Handler)
	}
	a.nextSub++
	tok := a.nextSub
	a.subs[sessionID][tok] = handler
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subs[sessionID], tok)
	}, nil
}

func (a *Agent) ListModels(ctx context.Context) ([]agents.ModelInfo, error) {
	return []agents.ModelInfo{
		{ID: modelEcho, Name: "Echo", Description: "repeat the message back"},
		{ID: modelReverse, Name: "Reverse", Description: "repeat the message back, reversed"},
	}, nil
}

func (a *Agent) GetSessionInfo(ctx context.Context, sessionID string) (agents.SessionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return agents.SessionInfo{}, fmt.Errorf("agent %s: unknown session %s", a.id, sessionID)
	}
	return agents.SessionInfo{Model: s.model, ProjectPath: s.projectPath}, nil
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

var _ agents.Agent = (*Agent)(nil)
