// Package loopback provides an in-memory channel and agent pair. It is
// the default wiring for local runs: injected messages travel the full
// route/dispatch path and come back as echoed replies, with nothing
// external attached.
package loopback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/channels"
)

// Sent records one outbound delivery for inspection.
type Sent struct {
	MessageID string
	ChatID    string
	Reply     bus.Reply
	Edits     int
}

// Channel is an in-memory channels.Channel. Inject plays the role of
// the platform pushing a message; outbound replies are recorded and
// readable through Sent.
type Channel struct {
	channels.Emitter

	id string

	mu        sync.Mutex
	connected bool
	sent      []*Sent
	byID      map[string]*Sent
	users     map[string]channels.UserInfo
	files     map[string][]byte
}

// NewChannel returns a disconnected loopback channel with the given id.
func NewChannel(id string) *Channel {
	return &Channel{
		id:    id,
		byID:  make(map[string]*Sent),
		users: make(map[string]channels.UserInfo),
		files: make(map[string][]byte),
	}
}

func (c *Channel) ID() string   { return c.id }
func (c *Channel) Type() string { return "loopback" }

func (c *Channel) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		Features: []channels.Feature{
			channels.FeatureEditMessage,
			channels.FeatureRecallMessage,
			channels.FeatureAttachments,
			channels.FeatureUserInfo,
		},
		StreamingInterval: 20 * time.Millisecond,
		MaxMessageLength:  4000,
		MaxAttachments:    4,
	}
}

func (c *Channel) HasCapability(f channels.Feature) bool {
	return c.Capabilities().Has(f)
}

func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.Emit(channels.EventConnected, bus.InboundMessage{ChannelID: c.id, ChannelType: "loopback"})
	return nil
}

func (c *Channel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.Emit(channels.EventDisconnected, bus.InboundMessage{ChannelID: c.id, ChannelType: "loopback"})
	return nil
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Channel) SendMessage(ctx context.Context, chatID string, reply bus.Reply) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return "", fmt.Errorf("loopback %s: not connected", c.id)
	}
	s := &Sent{MessageID: uuid.NewString(), ChatID: chatID, Reply: reply}
	c.sent = append(c.sent, s)
	c.byID[s.MessageID] = s
	return s.MessageID, nil
}

func (c *Channel) UpdateMessage(ctx context.Context, messageID string, reply bus.Reply) (channels.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byID[messageID]
	if !ok {
		return channels.UpdateResult{}, fmt.Errorf("loopback %s: unknown message %s", c.id, messageID)
	}
	s.Reply = reply
	s.Edits++
	return channels.UpdateResult{}, nil
}

func (c *Channel) RecallMessage(ctx context.Context, messageID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byID[messageID]
	if !ok {
		return false, nil
	}
	delete(c.byID, messageID)
	for i, have := range c.sent {
		if have == s {
			c.sent = append(c.sent[:i], c.sent[i+1:]...)
			break
		}
	}
	return true, nil
}

func (c *Channel) DownloadAttachment(ctx context.Context, id string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.files[id]
	if !ok {
		return nil, fmt.Errorf("loopback %s: unknown attachment %s", c.id, id)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (c *Channel) GetUserInfo(ctx context.Context, userID string) (channels.UserInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.users[userID]; ok {
		return u, nil
	}
	return channels.UserInfo{ID: userID, Name: "user " + userID}, nil
}

// Inject delivers a message as if the platform pushed it.
func (c *Channel) Inject(chatID, chatType, userID, text string, attachments ...string) {
	c.Emit(channels.EventMessage, bus.InboundMessage{
		ChannelID:   c.id,
		ChannelType: "loopback",
		ChatID:      chatID,
		ChatType:    chatType,
		UserID:      userID,
		Text:        text,
		Attachments: attachments,
	})
}

// AddUser seeds a user profile for GetUserInfo.
func (c *Channel) AddUser(u channels.UserInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.ID] = u
}

// AddFile seeds attachment bytes for DownloadAttachment.
func (c *Channel) AddFile(id string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[id] = data
}

// Sent snapshots the outbound deliveries in send order.
func (c *Channel) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	for i, s := range c.sent {
		out[i] = *s
	}
	return out
}

var _ channels.Channel = (*Channel)(nil)
