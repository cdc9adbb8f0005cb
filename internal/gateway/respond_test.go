package gateway

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/switchboard/internal/agents"
	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/channels"
	"github.com/nextlevelbuilder/switchboard/internal/loopback"
)

// startEchoPair wires a loopback channel and agent into a started
// gateway and returns both ends.
func startEchoPair(t *testing.T, cfg Config) (*Gateway, *loopback.Channel) {
	t.Helper()
	gw := newTestGateway(t, cfg, nil)
	ch := loopback.NewChannel("loop")
	if err := gw.RegisterChannel(ch); err != nil {
		t.Fatalf("register channel: %v", err)
	}
	if err := gw.RegisterAgent(loopback.NewAgent("echo")); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { gw.Stop(context.Background()) })
	return gw, ch
}

// await returns the reply log once it reaches n entries.
func await(t *testing.T, ch *loopback.Channel, n int) []loopback.Sent {
	t.Helper()
	var sent []loopback.Sent
	waitFor(t, func() bool {
		sent = ch.Sent()
		return len(sent) >= n
	}, "reply never arrived")
	return sent
}

// TestRespond_EchoRoundTrip verifies the full path: inject, route,
// stream into a placeholder, finalize with the echoed text.
func TestRespond_EchoRoundTrip(t *testing.T) {
	_, ch := startEchoPair(t, Config{})

	ch.Inject("chat_1", bus.ChatPrivate, "user_1", "hello there")

	waitFor(t, func() bool {
		sent := ch.Sent()
		return len(sent) == 1 && sent[0].Reply.Text == "hello there"
	}, "echo reply never arrived")

	sent := ch.Sent()
	if sent[0].Edits == 0 {
		t.Fatal("expected the placeholder to be edited in place")
	}
}

// TestRespond_Commands runs each control command through the gateway
// and checks its reply.
func TestRespond_Commands(t *testing.T) {
	_, ch := startEchoPair(t, Config{})

	tests := []struct {
		text string
		want string
	}{
		{"/clear", "history cleared"},
		{"/abort", "nothing to abort"},
		{"/model", "current model: echo"},
		{"/model reverse", "model set to reverse"},
		{"/models", "available models:"},
		{"/whoami", "user user_1 (user_1)"},
		{"/status", "agent echo"},
		{"/run", "usage: /run <command>"},
		{"/run make test", `ran "make test"`},
	}
	for i, tt := range tests {
		ch.Inject("chat_1", bus.ChatPrivate, "user_1", tt.text)
		sent := await(t, ch, i+1)
		if got := sent[i].Reply.Text; !strings.Contains(got, tt.want) {
			t.Fatalf("%s: expected reply containing %q, got %q", tt.text, tt.want, got)
		}
	}
}

// TestRespond_SummarizeCommand verifies both summarize outcomes.
func TestRespond_SummarizeCommand(t *testing.T) {
	_, ch := startEchoPair(t, Config{})

	ch.Inject("chat_1", bus.ChatPrivate, "user_1", "/summarize")
	sent := await(t, ch, 1)
	if sent[0].Reply.Text != "nothing to summarize" {
		t.Fatalf("expected empty-session reply, got %q", sent[0].Reply.Text)
	}

	ch.Inject("chat_1", bus.ChatPrivate, "user_1", "some context")
	await(t, ch, 2)
	ch.Inject("chat_1", bus.ChatPrivate, "user_1", "/summarize")
	sent = await(t, ch, 3)
	if sent[2].Reply.Text != "history summarized" {
		t.Fatalf("expected summarize to run, got %q", sent[2].Reply.Text)
	}
}

// TestRespond_ModelSwitchChangesReplies verifies that /model reverse
// takes effect for later messages in the same conversation.
func TestRespond_ModelSwitchChangesReplies(t *testing.T) {
	_, ch := startEchoPair(t, Config{})

	ch.Inject("chat_1", bus.ChatPrivate, "user_1", "/model reverse")
	await(t, ch, 1)
	ch.Inject("chat_1", bus.ChatPrivate, "user_1", "abc")

	waitFor(t, func() bool {
		sent := ch.Sent()
		return len(sent) == 2 && sent[1].Reply.Text == "cba"
	}, "reversed reply never arrived")
}

// TestRespond_UnknownSlashReachesAgent verifies that slash text outside
// the built-in command set still flows to the agent, so bindings that
// pattern-match on prefixes like "/review" keep working.
func TestRespond_UnknownSlashReachesAgent(t *testing.T) {
	_, ch := startEchoPair(t, Config{})

	ch.Inject("chat_1", bus.ChatPrivate, "user_1", "/review PR #123")

	waitFor(t, func() bool {
		sent := ch.Sent()
		return len(sent) == 1 && sent[0].Reply.Text == "/review PR #123"
	}, "slash prompt was not forwarded to the agent")
}

// TestRespond_AttachmentsStaged verifies that attachments are written
// under the conversation's workspace and referenced in the prompt.
func TestRespond_AttachmentsStaged(t *testing.T) {
	workspace := t.TempDir()
	gw := newTestGateway(t, Config{Workspace: workspace}, nil)
	ch := loopback.NewChannel("loop")
	ag := &recordingAgent{Agent: loopback.NewAgent("echo")}
	gw.RegisterChannel(ch)
	gw.RegisterAgent(ag)
	gw.Start(context.Background())
	defer gw.Stop(context.Background())

	ch.AddFile("att_1", []byte("report body"))
	ch.Inject("chat_1", bus.ChatPrivate, "user_1", "summarize this", "att_1")

	waitFor(t, func() bool { return len(ag.received()) == 1 }, "prompt never reached the agent")

	prompt := ag.received()[0]
	idx := strings.Index(prompt, "attachment: ")
	if idx < 0 {
		t.Fatalf("expected prompt to reference the staged file, got %q", prompt)
	}
	path := strings.TrimSpace(prompt[idx+len("attachment: "):])
	if !strings.HasPrefix(path, workspace) {
		t.Fatalf("expected staged file under workspace, got %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("staged file unreadable: %v", err)
	}
	if string(data) != "report body" {
		t.Fatalf("staged content mismatch: %q", data)
	}
}

// narrowChannel lowers the message length limit to force segmentation.
type narrowChannel struct {
	*loopback.Channel
}

func (c *narrowChannel) Capabilities() channels.Capabilities {
	caps := c.Channel.Capabilities()
	caps.MaxMessageLength = 10
	return caps
}

// TestRespond_LongReplySegmented verifies that replies above the channel
// limit go out as multiple messages, placeholder first.
func TestRespond_LongReplySegmented(t *testing.T) {
	gw := newTestGateway(t, Config{}, nil)
	ch := &narrowChannel{Channel: loopback.NewChannel("loop")}
	gw.RegisterChannel(ch)
	gw.RegisterAgent(loopback.NewAgent("echo"))
	gw.Start(context.Background())
	defer gw.Stop(context.Background())

	ch.Inject("chat_1", bus.ChatPrivate, "user_1", "aaaaabbbbbcccccddd")

	waitFor(t, func() bool {
		sent := ch.Sent()
		return len(sent) == 2 &&
			sent[0].Reply.Text == "aaaaabbbbb" &&
			sent[1].Reply.Text == "cccccddd"
	}, "segmented reply never arrived")
}

// failingSendAgent rejects every Send call.
type failingSendAgent struct {
	*loopback.Agent
}

func (a *failingSendAgent) Send(ctx context.Context, sessionID, message string) error {
	return errors.New("runtime gone")
}

// TestRespond_SendFailureRecallsPlaceholder verifies that when the agent
// rejects the message outright, the bare placeholder is retracted and
// the failure surfaces as a dispatch event.
func TestRespond_SendFailureRecallsPlaceholder(t *testing.T) {
	events := bus.NewBroker()
	gw := newTestGateway(t, Config{}, events)
	ch := loopback.NewChannel("loop")
	gw.RegisterChannel(ch)
	gw.RegisterAgent(&failingSendAgent{Agent: loopback.NewAgent("echo")})
	gw.Start(context.Background())
	defer gw.Stop(context.Background())

	var mu sync.Mutex
	var failed bool
	events.Subscribe("test", func(evt bus.Event) {
		if evt.Name == "dispatch.failed" {
			mu.Lock()
			failed = true
			mu.Unlock()
		}
	})
	defer events.Unsubscribe("test")

	ch.Inject("chat_1", bus.ChatPrivate, "user_1", "hello")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failed
	}, "dispatch.failed never fired")
	if sent := ch.Sent(); len(sent) != 0 {
		t.Fatalf("expected the placeholder to be recalled, got %+v", sent)
	}
}

// erroringAgent accepts Send but reports failure through the event
// stream, the way a runtime that dies mid-run would.
type erroringAgent struct {
	*loopback.Agent
	mu       sync.Mutex
	handlers map[string][]agents.Handler
}

func (a *erroringAgent) Subscribe(sessionID string, h agents.Handler) (func(), error) {
	unsub, err := a.Agent.Subscribe(sessionID, h)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	if a.handlers == nil {
		a.handlers = make(map[string][]agents.Handler)
	}
	a.handlers[sessionID] = append(a.handlers[sessionID], h)
	a.mu.Unlock()
	return unsub, nil
}

func (a *erroringAgent) Send(ctx context.Context, sessionID, message string) error {
	a.mu.Lock()
	hs := make([]agents.Handler, len(a.handlers[sessionID]))
	copy(hs, a.handlers[sessionID])
	a.mu.Unlock()
	for _, h := range hs {
		h(agents.Event{Kind: agents.EventError, Err: errors.New("boom")})
	}
	return nil
}

// TestRespond_ErrorEventReportedToChat verifies that a mid-run agent
// error replaces the placeholder with an error message.
func TestRespond_ErrorEventReportedToChat(t *testing.T) {
	gw := newTestGateway(t, Config{}, nil)
	ch := loopback.NewChannel("loop")
	gw.RegisterChannel(ch)
	gw.RegisterAgent(&erroringAgent{Agent: loopback.NewAgent("echo")})
	gw.Start(context.Background())
	defer gw.Stop(context.Background())

	ch.Inject("chat_1", bus.ChatPrivate, "user_1", "hello")

	waitFor(t, func() bool {
		sent := ch.Sent()
		return len(sent) == 1 && strings.Contains(sent[0].Reply.Text, "boom")
	}, "error reply never arrived")
}
