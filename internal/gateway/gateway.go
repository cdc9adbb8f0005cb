// Package gateway wires channels, agents, the bindings router, and the
// dispatch queue into one unit. Inbound messages are routed to an agent,
// serialized per conversation, and answered back through the channel
// they arrived on.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/switchboard/internal/agents"
	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/channels"
	"github.com/nextlevelbuilder/switchboard/internal/dispatch"
	"github.com/nextlevelbuilder/switchboard/internal/routing"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/telemetry"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Config carries the gateway's tunables. Zero values fall back to the
// dispatch queue's defaults; DefaultAgent is required.
type Config struct {
	DefaultAgent   string
	MaxConcurrency int
	MaxPending     int
	Workspace      string
	Bindings       []routing.Binding
}

// Gateway owns the channel and agent registries and the message path
// between them.
type Gateway struct {
	cfg    Config
	router *routing.Router
	queue  *dispatch.Queue
	events bus.EventPublisher

	mu       sync.RWMutex
	channels map[string]channels.Channel
	agents   map[string]agents.Agent
	tokens   map[string]channels.HandlerToken
	started  bool
}

// New builds a gateway, seeding the router with cfg.Bindings. A nil
// events publisher gets a private broker so broadcasts never nil-check.
func New(cfg Config, events bus.EventPublisher) (*Gateway, error) {
	if cfg.DefaultAgent == "" {
		return nil, fmt.Errorf("gateway: default agent required")
	}
	if events == nil {
		events = bus.NewBroker()
	}

	router := routing.NewRouter(cfg.DefaultAgent)
	for _, b := range cfg.Bindings {
		if err := router.AddBinding(b); err != nil {
			return nil, fmt.Errorf("gateway: seed bindings: %w", err)
		}
	}

	var opts []dispatch.Option
	if cfg.MaxConcurrency > 0 {
		opts = append(opts, dispatch.WithMaxConcurrency(cfg.MaxConcurrency))
	}
	if cfg.MaxPending > 0 {
		opts = append(opts, dispatch.WithMaxPending(cfg.MaxPending))
	}

	return &Gateway{
		cfg:      cfg,
		router:   router,
		queue:    dispatch.NewQueue(opts...),
		events:   events,
		channels: make(map[string]channels.Channel),
		agents:   make(map[string]agents.Agent),
		tokens:   make(map[string]channels.HandlerToken),
	}, nil
}

// RegisterChannel adds a channel and hooks its message events into the
// dispatch path. Registering an id twice is a RegistrationError.
func (g *Gateway) RegisterChannel(ch channels.Channel) error {
	g.mu.Lock()
	if _, ok := g.channels[ch.ID()]; ok {
		g.mu.Unlock()
		return &RegistrationError{Kind: "channel", ID: ch.ID()}
	}
	g.channels[ch.ID()] = ch
	g.tokens[ch.ID()] = ch.On(channels.EventMessage, func(msg bus.InboundMessage) {
		if err := g.Dispatch(context.Background(), msg); err != nil {
			slog.Error("dispatch failed",
				"channel", msg.ChannelID,
				"chat", msg.ChatID,
				"error", err,
			)
		}
	})
	g.mu.Unlock()

	g.events.Broadcast(bus.Event{Name: protocol.ChannelEventRegistered, Payload: map[string]string{
		"channel_id":   ch.ID(),
		"channel_type": ch.Type(),
	}})
	slog.Info("channel registered", "channel", ch.ID(), "type", ch.Type())
	return nil
}

// UnregisterChannel removes a channel and detaches its message handler.
// Unknown ids are a no-op.
func (g *Gateway) UnregisterChannel(id string) {
	g.mu.Lock()
	ch, ok := g.channels[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	tok := g.tokens[id]
	delete(g.channels, id)
	delete(g.tokens, id)
	g.mu.Unlock()

	ch.Off(channels.EventMessage, tok)
	g.events.Broadcast(bus.Event{Name: protocol.ChannelEventUnregistered, Payload: map[string]string{
		"channel_id": id,
	}})
	slog.Info("channel unregistered", "channel", id)
}

// RegisterAgent adds an agent runtime. Registering an id twice is a
// RegistrationError.
func (g *Gateway) RegisterAgent(a agents.Agent) error {
	g.mu.Lock()
	if _, ok := g.agents[a.ID()]; ok {
		g.mu.Unlock()
		return &RegistrationError{Kind: "agent", ID: a.ID()}
	}
	g.agents[a.ID()] = a
	g.mu.Unlock()

	g.events.Broadcast(bus.Event{Name: protocol.AgentEventRegistered, Payload: map[string]string{
		"agent_id": a.ID(),
	}})
	slog.Info("agent registered", "agent", a.ID())
	return nil
}

// UnregisterAgent removes an agent. Unknown ids are a no-op. Bindings
// pointing at the removed agent stay in place and fail at dispatch time.
func (g *Gateway) UnregisterAgent(id string) {
	g.mu.Lock()
	_, ok := g.agents[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.agents, id)
	g.mu.Unlock()

	g.events.Broadcast(bus.Event{Name: protocol.AgentEventUnregistered, Payload: map[string]string{
		"agent_id": id,
	}})
	slog.Info("agent unregistered", "agent", id)
}

// GetChannel returns a registered channel by id.
func (g *Gateway) GetChannel(id string) (channels.Channel, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ch, ok := g.channels[id]
	return ch, ok
}

// GetAgent returns a registered agent by id.
func (g *Gateway) GetAgent(id string) (agents.Agent, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.agents[id]
	return a, ok
}

// GetRouter exposes the bindings router for the ops surface and config
// reload.
func (g *Gateway) GetRouter() *routing.Router { return g.router }

// GetQueue exposes the dispatch queue for stats reporting.
func (g *Gateway) GetQueue() *dispatch.Queue { return g.queue }

// IsStarted reports whether Start has run without a matching Stop.
func (g *Gateway) IsStarted() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.started
}

// Start connects every registered channel and initializes every
// registered agent, concurrently. Failures are collected rather than
// aborting the fan-out; already-connected channels and initialized
// agents are skipped, so a second Start only picks up newcomers.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	g.started = true
	chs := make([]channels.Channel, 0, len(g.channels))
	for _, ch := range g.channels {
		chs = append(chs, ch)
	}
	ags := make([]agents.Agent, 0, len(g.agents))
	for _, a := range g.agents {
		ags = append(ags, a)
	}
	g.mu.Unlock()

	slog.Info("gateway starting", "channels", len(chs), "agents", len(ags))

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	fail := func(err error) {
		emu.Lock()
		errs = append(errs, err)
		emu.Unlock()
	}

	for _, ch := range chs {
		if ch.IsConnected() {
			continue
		}
		wg.Add(1)
		go func(ch channels.Channel) {
			defer wg.Done()
			if err := ch.Connect(ctx); err != nil {
				slog.Error("channel connect failed", "channel", ch.ID(), "error", err)
				fail(fmt.Errorf("channel %s: %w", ch.ID(), err))
				return
			}
			g.events.Broadcast(bus.Event{Name: protocol.ChannelEventConnected, Payload: map[string]string{
				"channel_id": ch.ID(),
			}})
		}(ch)
	}
	wg.Wait()

	for _, a := range ags {
		if a.Initialized() {
			continue
		}
		wg.Add(1)
		go func(a agents.Agent) {
			defer wg.Done()
			if err := a.Initialize(ctx); err != nil {
				slog.Error("agent initialize failed", "agent", a.ID(), "error", err)
				fail(fmt.Errorf("agent %s: %w", a.ID(), err))
				return
			}
			g.events.Broadcast(bus.Event{Name: protocol.AgentEventInitialized, Payload: map[string]string{
				"agent_id": a.ID(),
			}})
		}(a)
	}
	wg.Wait()

	g.events.Broadcast(bus.Event{Name: protocol.GatewayEventStarted})
	return errors.Join(errs...)
}

// Stop drains the dispatch queue, then disconnects channels and shuts
// down agents concurrently. Calling Stop before Start performs no
// connector calls and returns nil.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = false
	chs := make([]channels.Channel, 0, len(g.channels))
	for _, ch := range g.channels {
		chs = append(chs, ch)
	}
	ags := make([]agents.Agent, 0, len(g.agents))
	for _, a := range g.agents {
		ags = append(ags, a)
	}
	g.mu.Unlock()

	slog.Info("gateway stopping")

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	fail := func(err error) {
		emu.Lock()
		errs = append(errs, err)
		emu.Unlock()
	}

	// Drain in-flight replies before the channels go away.
	if err := g.queue.Close(ctx); err != nil {
		fail(fmt.Errorf("dispatch queue: %w", err))
	}

	for _, ch := range chs {
		if !ch.IsConnected() {
			continue
		}
		wg.Add(1)
		go func(ch channels.Channel) {
			defer wg.Done()
			if err := ch.Disconnect(ctx); err != nil {
				slog.Error("channel disconnect failed", "channel", ch.ID(), "error", err)
				fail(fmt.Errorf("channel %s: %w", ch.ID(), err))
				return
			}
			g.events.Broadcast(bus.Event{Name: protocol.ChannelEventDisconnected, Payload: map[string]string{
				"channel_id": ch.ID(),
			}})
		}(ch)
	}
	wg.Wait()

	for _, a := range ags {
		if !a.Initialized() {
			continue
		}
		wg.Add(1)
		go func(a agents.Agent) {
			defer wg.Done()
			if err := a.Shutdown(ctx); err != nil {
				slog.Error("agent shutdown failed", "agent", a.ID(), "error", err)
				fail(fmt.Errorf("agent %s: %w", a.ID(), err))
				return
			}
			g.events.Broadcast(bus.Event{Name: protocol.AgentEventShutdown, Payload: map[string]string{
				"agent_id": a.ID(),
			}})
		}(a)
	}
	wg.Wait()

	g.events.Broadcast(bus.Event{Name: protocol.GatewayEventStopped})
	slog.Info("gateway stopped")
	return errors.Join(errs...)
}

// Dispatch routes one inbound message and enqueues the reply work under
// the message's session key. It returns once the work is queued; errors
// cover routing targets that are not registered and queue rejection.
func (g *Gateway) Dispatch(ctx context.Context, msg bus.InboundMessage) error {
	ctx, span := telemetry.Tracer().Start(ctx, "gateway.dispatch", trace.WithAttributes(
		attribute.String("channel.id", msg.ChannelID),
		attribute.String("chat.id", msg.ChatID),
	))
	defer span.End()

	res := g.router.Route(routing.Context{
		ChannelID:   msg.ChannelID,
		ChannelType: msg.ChannelType,
		ChatID:      msg.ChatID,
		ChatType:    msg.ChatType,
		UserID:      msg.UserID,
		MessageText: msg.Text,
		Metadata:    msg.Metadata,
	})
	span.SetAttributes(attribute.String("agent.id", res.AgentID))

	key := sessions.Key(msg.ChannelID, msg.ChatID)
	routed := map[string]any{
		"session":    key,
		"agent_id":   res.AgentID,
		"matched_by": res.MatchedBy,
	}
	if res.Binding != nil {
		routed["binding_id"] = res.Binding.ID
	}
	g.events.Broadcast(bus.Event{Name: protocol.DispatchEventRouted, Payload: routed})

	agent, ok := g.GetAgent(res.AgentID)
	if !ok {
		err := fmt.Errorf("agent %q not registered", res.AgentID)
		span.RecordError(err)
		return err
	}
	ch, ok := g.GetChannel(msg.ChannelID)
	if !ok {
		err := fmt.Errorf("channel %q not registered", msg.ChannelID)
		span.RecordError(err)
		return err
	}

	handle, err := g.queue.Enqueue(key, func(taskCtx context.Context) (any, error) {
		g.events.Broadcast(bus.Event{Name: protocol.DispatchEventStarted, Payload: map[string]any{
			"session":  key,
			"agent_id": agent.ID(),
		}})
		return nil, g.respond(taskCtx, agent, ch, msg)
	})
	if err != nil {
		g.events.Broadcast(bus.Event{Name: protocol.DispatchEventRejected, Payload: map[string]any{
			"session": key,
			"error":   err.Error(),
		}})
		span.RecordError(err)
		return fmt.Errorf("enqueue %s: %w", key, err)
	}

	g.events.Broadcast(bus.Event{Name: protocol.DispatchEventEnqueued, Payload: map[string]any{
		"session":  key,
		"agent_id": res.AgentID,
	}})

	go func() {
		<-handle.Done()
		if err := handle.Err(); err != nil {
			slog.Error("dispatch task failed", "session", key, "error", err)
			g.events.Broadcast(bus.Event{Name: protocol.DispatchEventFailed, Payload: map[string]any{
				"session": key,
				"error":   err.Error(),
			}})
			return
		}
		g.events.Broadcast(bus.Event{Name: protocol.DispatchEventFinished, Payload: map[string]any{
			"session": key,
		}})
	}()
	return nil
}

// ChannelStatus is one channel's row in the status report.
type ChannelStatus struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
}

// AgentStatus is one agent's row in the status report.
type AgentStatus struct {
	ID          string `json:"id"`
	Initialized bool   `json:"initialized"`
}

// Status is a point-in-time snapshot of the gateway for the ops surface.
type Status struct {
	Started  bool            `json:"started"`
	Channels []ChannelStatus `json:"channels"`
	Agents   []AgentStatus   `json:"agents"`
	Queue    dispatch.Stats  `json:"queue"`
}

// GetStatus reports registry contents and queue occupancy, sorted by id
// for stable output.
func (g *Gateway) GetStatus() Status {
	g.mu.RLock()
	st := Status{Started: g.started}
	for _, ch := range g.channels {
		st.Channels = append(st.Channels, ChannelStatus{
			ID:        ch.ID(),
			Type:      ch.Type(),
			Connected: ch.IsConnected(),
		})
	}
	for _, a := range g.agents {
		st.Agents = append(st.Agents, AgentStatus{
			ID:          a.ID(),
			Initialized: a.Initialized(),
		})
	}
	g.mu.RUnlock()

	sort.Slice(st.Channels, func(i, j int) bool { return st.Channels[i].ID < st.Channels[j].ID })
	sort.Slice(st.Agents, func(i, j int) bool { return st.Agents[i].ID < st.Agents[j].ID })
	st.Queue = g.queue.GetStats()
	return st
}
