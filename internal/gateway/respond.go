package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/switchboard/internal/agents"
	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/channels"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
)

const (
	// respondTimeout bounds how long a task waits for the agent's final
	// reply before giving up on the run.
	respondTimeout = 5 * time.Minute

	placeholderText = "..."
)

// respond is the body of one dispatch task: resolve the conversation's
// session, run a control command or forward the message, and ship the
// reply back through the originating channel.
func (g *Gateway) respond(ctx context.Context, agent agents.Agent, ch channels.Channel, msg bus.InboundMessage) error {
	projectPath := sessions.ProjectPath(g.cfg.Workspace, msg.ChannelID, msg.ChatID)
	sessionID, err := agent.GetOrCreateSession(ctx, projectPath, "")
	if err != nil {
		return fmt.Errorf("session for %s: %w", sessions.Key(msg.ChannelID, msg.ChatID), err)
	}

	trimmed := strings.TrimSpace(msg.Text)
	if reply, handled := g.runCommand(ctx, agent, ch, msg, sessionID, trimmed); handled {
		return g.deliver(ctx, ch, msg.ChatID, "", bus.Reply{Text: reply})
	}

	prompt := g.stagePrompt(ctx, ch, msg, projectPath)
	return g.converse(ctx, agent, ch, msg, sessionID, prompt)
}

// runCommand intercepts the built-in control commands. Unknown slash
// text is left for the agent, so slash-prefixed prompts still flow
// through bindings that pattern-match on them.
func (g *Gateway) runCommand(ctx context.Context, agent agents.Agent, ch channels.Channel, msg bus.InboundMessage, sessionID, text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	arg := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	switch fields[0] {
	case "/clear":
		if err := agent.ClearHistory(ctx, sessionID); err != nil {
			return "clear failed: " + err.Error(), true
		}
		return "history cleared", true

	case "/abort":
		aborted, err := agent.Abort(ctx, sessionID)
		if err != nil {
			return "abort failed: " + err.Error(), true
		}
		if !aborted {
			return "nothing to abort", true
		}
		return "aborted", true

	case "/model":
		if arg == "" {
			info, err := agent.GetSessionInfo(ctx, sessionID)
			if err != nil {
				return "model lookup failed: " + err.Error(), true
			}
			return "current model: " + info.Model, true
		}
		if err := agent.SwitchModel(ctx, sessionID, arg); err != nil {
			return "switch failed: " + err.Error(), true
		}
		return "model set to " + arg, true

	case "/models":
		models, err := agent.ListModels(ctx)
		if err != nil {
			return "models lookup failed: " + err.Error(), true
		}
		var b strings.Builder
		b.WriteString("available models:")
		for _, m := range models {
			b.WriteString("\n- " + m.ID)
			if m.Name != "" && m.Name != m.ID {
				b.WriteString(" (" + m.Name + ")")
			}
		}
		return b.String(), true

	case "/summarize":
		compacted, err := agent.Summarize(ctx, sessionID)
		if err != nil {
			return "summarize failed: " + err.Error(), true
		}
		if !compacted {
			return "nothing to summarize", true
		}
		return "history summarized", true

	case "/whoami":
		if ch.HasCapability(channels.FeatureUserInfo) {
			u, err := ch.GetUserInfo(ctx, msg.UserID)
			if err == nil {
				return fmt.Sprintf("%s (%s)", u.Name, u.ID), true
			}
			slog.Debug("user info lookup failed", "channel", msg.ChannelID, "user", msg.UserID, "error", err)
		}
		return "user " + msg.UserID, true

	case "/status":
		info, err := agent.GetSessionInfo(ctx, sessionID)
		if err != nil {
			return "status failed: " + err.Error(), true
		}
		stats := g.queue.GetStats()
		return fmt.Sprintf("agent %s, model %s\nsession %s\nqueue: %d pending, %d in flight",
			agent.ID(), info.Model, sessionID, stats.Pending, stats.InFlight), true

	case "/run":
		if arg == "" {
			return "usage: /run <command>", true
		}
		out, err := agent.ExecuteCommand(ctx, sessionID, arg)
		if err != nil {
			return "run failed: " + err.Error(), true
		}
		if out == "" {
			out = "(no output)"
		}
		return out, true
	}
	return "", false
}

// stagePrompt downloads the message's attachments into the session's
// workspace and appends their paths to the prompt so the agent can read
// them. Download failures degrade to the bare text.
func (g *Gateway) stagePrompt(ctx context.Context, ch channels.Channel, msg bus.InboundMessage, projectPath string) string {
	if len(msg.Attachments) == 0 {
		return msg.Text
	}
	if !ch.HasCapability(channels.FeatureAttachments) {
		slog.Debug("channel cannot serve attachments", "channel", msg.ChannelID, "count", len(msg.Attachments))
		return msg.Text
	}
	ids := msg.Attachments
	if limit := ch.Capabilities().MaxAttachments; limit > 0 && len(ids) > limit {
		slog.Warn("dropping attachments beyond channel limit",
			"channel", msg.ChannelID, "limit", limit, "got", len(ids))
		ids = ids[:limit]
	}

	dir := filepath.Join(projectPath, "attachments")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("attachment dir create failed", "path", dir, "error", err)
		return msg.Text
	}

	var staged []string
	for _, id := range ids {
		data, err := ch.DownloadAttachment(ctx, id)
		if err != nil {
			slog.Error("attachment download failed", "channel", msg.ChannelID, "attachment", id, "error", err)
			continue
		}
		path := filepath.Join(dir, uuid.NewString()[:8]+"_"+safeFilename(id))
		if err := os.WriteFile(path, data, 0644); err != nil {
			slog.Error("attachment write failed", "path", path, "error", err)
			continue
		}
		staged = append(staged, path)
	}
	if len(staged) == 0 {
		return msg.Text
	}

	var b strings.Builder
	b.WriteString(msg.Text)
	for _, p := range staged {
		b.WriteString("\nattachment: " + p)
	}
	return b.String()
}

func safeFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// converse forwards the prompt to the agent and streams the reply back.
// Channels with edit support get a placeholder message that is updated
// in place as deltas arrive; everyone gets the final text, segmented to
// the channel's message length.
func (g *Gateway) converse(ctx context.Context, agent agents.Agent, ch channels.Channel, msg bus.InboundMessage, sessionID, prompt string) error {
	col := newCollector()
	unsub, err := agent.Subscribe(sessionID, col.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", sessionID, err)
	}
	defer unsub()

	caps := ch.Capabilities()
	streaming := ch.HasCapability(channels.FeatureEditMessage) && caps.StreamingInterval > 0

	var placeholderID string
	if streaming {
		id, err := ch.SendMessage(ctx, msg.ChatID, bus.Reply{Text: placeholderText})
		if err != nil {
			slog.Debug("placeholder send failed", "channel", msg.ChannelID, "error", err)
			streaming = false
		} else {
			placeholderID = id
		}
	}

	if err := agent.Send(ctx, sessionID, prompt); err != nil {
		if placeholderID != "" {
			ch.RecallMessage(ctx, placeholderID)
		}
		return fmt.Errorf("send to agent %s: %w", agent.ID(), err)
	}

	final, err := g.stream(ctx, ch, placeholderID, caps, col, streaming)
	if err != nil {
		// Nothing reached the chat yet: retract the bare placeholder and
		// surface the failure as its own message.
		if placeholderID != "" && col.snapshot() == "" {
			ch.RecallMessage(ctx, placeholderID)
			placeholderID = ""
		}
		note := col.snapshot()
		if note != "" {
			note += "\n\n"
		}
		note += "error: " + err.Error()
		if derr := g.deliver(ctx, ch, msg.ChatID, placeholderID, bus.Reply{Text: note}); derr != nil {
			slog.Debug("error reply delivery failed", "channel", msg.ChannelID, "error", derr)
		}
		return err
	}

	if final == "" {
		final = col.snapshot()
	}
	if final == "" {
		if placeholderID != "" {
			ch.RecallMessage(ctx, placeholderID)
		}
		return nil
	}
	return g.deliver(ctx, ch, msg.ChatID, placeholderID, bus.Reply{Text: final})
}

// stream consumes collector signals until the run finishes, editing the
// placeholder at most once per streaming interval. A RateLimited result
// spends the next limiter slot so edits back off an extra interval.
func (g *Gateway) stream(ctx context.Context, ch channels.Channel, placeholderID string, caps channels.Capabilities, col *collector, streaming bool) (string, error) {
	deadline := time.NewTimer(respondTimeout)
	defer deadline.Stop()

	var lim *rate.Limiter
	if streaming {
		lim = rate.NewLimiter(rate.Every(caps.StreamingInterval), 1)
	}

	var lastSent string
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("no reply within %s", respondTimeout)
		case <-col.done:
			return col.result()
		case <-col.dirty:
			if !streaming || !lim.Allow() {
				continue
			}
			text := col.snapshot()
			if text == "" || text == lastSent {
				continue
			}
			res, err := ch.UpdateMessage(ctx, placeholderID, bus.Reply{
				Text: channels.Truncate(text, caps.MaxMessageLength),
			})
			if err != nil {
				slog.Debug("stream edit failed", "channel", ch.ID(), "error", err)
				continue
			}
			lastSent = text
			if res.RateLimited {
				lim.Reserve()
			}
		}
	}
}

// deliver ships reply text to a chat, reusing placeholderID for the
// first segment when one exists. Text longer than the channel's limit
// goes out as multiple messages.
func (g *Gateway) deliver(ctx context.Context, ch channels.Channel, chatID, placeholderID string, reply bus.Reply) error {
	segments := channels.Split(reply.Text, ch.Capabilities().MaxMessageLength)
	if len(segments) == 0 {
		return nil
	}

	var errs []error
	for i, seg := range segments {
		out := bus.Reply{Text: seg}
		if i == len(segments)-1 {
			out.Attachments = reply.Attachments
		}
		if i == 0 && placeholderID != "" {
			if _, err := ch.UpdateMessage(ctx, placeholderID, out); err != nil {
				errs = append(errs, fmt.Errorf("update %s: %w", placeholderID, err))
			}
			continue
		}
		if _, err := ch.SendMessage(ctx, chatID, out); err != nil {
			errs = append(errs, fmt.Errorf("send segment %d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}

// collector accumulates agent events for one run. Handlers must never
// block, so signals are level-triggered: dirty has room for one pending
// notification and done closes exactly once on the terminal event.
type collector struct {
	mu     sync.Mutex
	parts  strings.Builder
	final  string
	err    error
	closed bool

	done  chan struct{}
	dirty chan struct{}
}

func newCollector() *collector {
	return &collector{
		done:  make(chan struct{}),
		dirty: make(chan struct{}, 1),
	}
}

func (c *collector) handle(e agents.Event) {
	c.mu.Lock()
	switch e.Kind {
	case agents.EventDelta:
		c.parts.WriteString(e.Text)
	case agents.EventFinal:
		if !c.closed {
			c.final = e.Text
			c.closed = true
			close(c.done)
		}
	case agents.EventError:
		if !c.closed {
			c.err = e.Err
			if c.err == nil {
				c.err = errors.New("agent reported an error")
			}
			c.closed = true
			close(c.done)
		}
	}
	c.mu.Unlock()

	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *collector) snapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parts.String()
}

func (c *collector) result() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final, c.err
}
