// Package channels provides the channel abstraction layer for multi-platform
// messaging. A channel adapts one chat platform (Telegram, Discord, Feishu,
// etc.) to the gateway core; the core only ever talks to the Channel
// interface and owns instances by id.
package channels

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

// Feature names a discrete capability a channel may support.
type Feature string

const (
	FeatureEditMessage   Feature = "edit_message"
	FeatureRecallMessage Feature = "recall_message"
	FeatureAttachments   Feature = "attachments"
	FeatureUserInfo      Feature = "user_info"
)

// Capabilities describes what a channel instance can do.
// StreamingInterval is the minimum gap between message edits; zero
// disables streaming previews even when edits are supported.
// MaxMessageLength of zero means no length limit.
type Capabilities struct {
	Features          []Feature     `json:"features"`
	StreamingInterval time.Duration `json:"streaming_interval"`
	MaxMessageLength  int           `json:"max_message_length"`
	MaxAttachments    int           `json:"max_attachments"`
}

// Has reports whether f is in the feature set.
func (c Capabilities) Has(f Feature) bool {
	for _, have := range c.Features {
		if have == f {
			return true
		}
	}
	return false
}

// UpdateResult carries the edit outcome beyond the error itself.
// RateLimited signals the platform pushed back and the caller should
// slow down before the next edit.
type UpdateResult struct {
	RateLimited bool `json:"rate_limited,omitempty"`
}

// UserInfo is a channel user profile lookup result.
type UserInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// EventType names a channel event stream.
type EventType string

const (
	EventMessage      EventType = "message"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
)

// Handler consumes channel events. Message events carry the full
// inbound message; lifecycle events carry only the channel identity.
type Handler func(msg bus.InboundMessage)

// HandlerToken identifies one registered handler for removal.
type HandlerToken uint64

// Channel defines the interface all channel adapters must satisfy.
type Channel interface {
	// ID returns the unique instance id (e.g. "telegram-main").
	ID() string

	// Type returns the platform kind (e.g. "telegram", "feishu").
	Type() string

	// Capabilities returns the static capability descriptor.
	Capabilities() Capabilities

	// HasCapability reports whether the channel supports f.
	HasCapability(f Feature) bool

	// Connect establishes the platform connection. Non-blocking after setup.
	Connect(ctx context.Context) error

	// Disconnect tears the platform connection down.
	Disconnect(ctx context.Context) error

	// IsConnected reports whether the channel is currently connected.
	IsConnected() bool

	// SendMessage delivers reply to a chat and returns the platform
	// message id.
	SendMessage(ctx context.Context, chatID string, reply bus.Reply) (string, error)

	// UpdateMessage edits a previously sent message in place.
	UpdateMessage(ctx context.Context, messageID string, reply bus.Reply) (UpdateResult, error)

	// RecallMessage deletes a previously sent message where the
	// platform allows it, reporting whether it was recalled.
	RecallMessage(ctx context.Context, messageID string) (bool, error)

	// DownloadAttachment fetches the raw bytes of an inbound attachment.
	DownloadAttachment(ctx context.Context, id string) ([]byte, error)

	// GetUserInfo resolves a platform user profile.
	GetUserInfo(ctx context.Context, userID string) (UserInfo, error)

	// On registers a handler for an event stream and returns its
	// removal token.
	On(event EventType, h Handler) HandlerToken

	// Off removes one handler by token.
	Off(event EventType, token HandlerToken)
}

// Emitter provides the On/Off half of Channel for embedding in adapter
// implementations. Handlers live in per-event sets keyed by an opaque
// token, so removal never depends on comparing functions.
type Emitter struct {
	mu       sync.RWMutex
	nextTok  HandlerToken
	handlers map[EventType]map[HandlerToken]Handler
}

// On registers h for event and returns its removal token.
func (e *Emitter) On(event EventType, h Handler) HandlerToken {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[EventType]map[HandlerToken]Handler)
	}
	e.nextTok++
	tok := e.nextTok
	set, ok := e.handlers[event]
	if !ok {
		set = make(map[HandlerToken]Handler)
		e.handlers[event] = set
	}
	set[tok] = h
	return tok
}

// Off removes one handler by token. Unknown tokens are ignored.
func (e *Emitter) Off(event EventType, token HandlerToken) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers[event], token)
}

// Emit delivers msg to every handler registered for event, on the
// caller's goroutine.
func (e *Emitter) Emit(event EventType, msg bus.InboundMessage) {
	e.mu.RLock()
	hs := make([]Handler, 0, len(e.handlers[event]))
	for _, h := range e.handlers[event] {
		hs = append(hs, h)
	}
	e.mu.RUnlock()

	for _, h := range hs {
		h(msg)
	}
}

// Truncate shortens a string to at most max runes, ending a shortened
// string with "..." inside the limit.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
