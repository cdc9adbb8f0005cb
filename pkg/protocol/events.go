// Package protocol defines the event names and payload shapes shared by the
// gateway core and the ops websocket stream.
package protocol

// Top-level event categories carried over the ops stream.
const (
	EventGateway  = "gateway"
	EventChannel  = "channel"
	EventAgent    = "agent"
	EventDispatch = "dispatch"
	EventBinding  = "binding"
	EventSchedule = "schedule"
)

// Gateway lifecycle events.
const (
	GatewayEventStarted = "gateway.started"
	GatewayEventStopped = "gateway.stopped"
)

// Channel lifecycle events.
const (
	ChannelEventRegistered   = "channel.registered"
	ChannelEventUnregistered = "channel.unregistered"
	ChannelEventConnected    = "channel.connected"
	ChannelEventDisconnected = "channel.disconnected"
)

// Agent lifecycle events.
const (
	AgentEventRegistered   = "agent.registered"
	AgentEventUnregistered = "agent.unregistered"
	AgentEventInitialized  = "agent.initialized"
	AgentEventShutdown     = "agent.shutdown"
)

// Dispatch milestones for a routed message.
const (
	DispatchEventRouted   = "dispatch.routed"
	DispatchEventEnqueued = "dispatch.enqueued"
	DispatchEventStarted  = "dispatch.started"
	DispatchEventFinished = "dispatch.finished"
	DispatchEventFailed   = "dispatch.failed"
	DispatchEventRejected = "dispatch.rejected"
)

// Binding table changes (config reload or ops API).
const (
	BindingEventAdded   = "binding.added"
	BindingEventUpdated = "binding.updated"
	BindingEventRemoved = "binding.removed"
)

// Scheduler activity.
const (
	ScheduleEventFired  = "schedule.fired"
	ScheduleEventFailed = "schedule.failed"
)
