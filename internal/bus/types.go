// Package bus defines the message and event values exchanged between
// channels, agents and the gateway core, plus the in-process event
// broker feeding the ops stream.
package bus

// Chat kinds observed on inbound messages.
const (
	ChatPrivate = "private"
	ChatGroup   = "group"
)

// InboundMessage is a normalized message received from a channel.
type InboundMessage struct {
	ChannelID   string            `json:"channel_id"`
	ChannelType string            `json:"channel_type"`
	ChatID      string            `json:"chat_id"`
	ChatType    string            `json:"chat_type"`
	UserID      string            `json:"user_id"`
	Text        string            `json:"text,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Reply is the outbound payload delivered back through a channel.
// Attachments are local file paths staged by the sender.
type Reply struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

// Event is a broadcastable gateway event. Names live in pkg/protocol.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler consumes broadcast events.
type EventHandler func(evt Event)

// EventPublisher fans gateway events out to subscribers keyed by id.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(evt Event)
}
