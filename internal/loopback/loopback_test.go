package loopback

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/switchboard/internal/agents"
	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/channels"
)

// TestChannel_InjectDeliversToHandler verifies that Inject reaches a
// registered message handler with the channel fields filled in.
func TestChannel_InjectDeliversToHandler(t *testing.T) {
	ch := NewChannel("loop")

	var got bus.InboundMessage
	ch.On(channels.EventMessage, func(msg bus.InboundMessage) { got = msg })

	ch.Inject("chat_1", bus.ChatPrivate, "user_1", "hello", "att_1")

	if got.ChannelID != "loop" || got.ChannelType != "loopback" {
		t.Fatalf("unexpected channel fields: %+v", got)
	}
	if got.ChatID != "chat_1" || got.UserID != "user_1" || got.Text != "hello" {
		t.Fatalf("unexpected message fields: %+v", got)
	}
	if len(got.Attachments) != 1 || got.Attachments[0] != "att_1" {
		t.Fatalf("unexpected attachments: %v", got.Attachments)
	}
}

// TestChannel_SendRequiresConnection verifies that SendMessage fails
// before Connect and succeeds after.
func TestChannel_SendRequiresConnection(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel("loop")

	if _, err := ch.SendMessage(ctx, "chat_1", bus.Reply{Text: "hi"}); err == nil {
		t.Fatal("expected send on disconnected channel to fail")
	}

	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !ch.IsConnected() {
		t.Fatal("expected channel to report connected")
	}

	id, err := ch.SendMessage(ctx, "chat_1", bus.Reply{Text: "hi"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a message id")
	}
}

// TestChannel_UpdateAndRecall verifies edit bookkeeping and that recall
// reports whether the message existed.
func TestChannel_UpdateAndRecall(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel("loop")
	ch.Connect(ctx)

	id, _ := ch.SendMessage(ctx, "chat_1", bus.Reply{Text: "v1"})
	if _, err := ch.UpdateMessage(ctx, id, bus.Reply{Text: "v2"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	sent := ch.Sent()
	if len(sent) != 1 || sent[0].Reply.Text != "v2" || sent[0].Edits != 1 {
		t.Fatalf("unexpected sent log: %+v", sent)
	}

	ok, err := ch.RecallMessage(ctx, id)
	if err != nil || !ok {
		t.Fatalf("expected recall to succeed, got ok=%v err=%v", ok, err)
	}
	if len(ch.Sent()) != 0 {
		t.Fatal("expected sent log to be empty after recall")
	}

	ok, err = ch.RecallMessage(ctx, id)
	if err != nil || ok {
		t.Fatalf("expected recall of unknown message to report false, got ok=%v err=%v", ok, err)
	}
}

// TestChannel_UserInfoFallback verifies that unseeded users get a
// synthesized profile instead of an error.
func TestChannel_UserInfoFallback(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel("loop")
	ch.AddUser(channels.UserInfo{ID: "u1", Name: "Alice"})

	u, err := ch.GetUserInfo(ctx, "u1")
	if err != nil || u.Name != "Alice" {
		t.Fatalf("expected seeded user, got %+v err=%v", u, err)
	}

	u, err = ch.GetUserInfo(ctx, "u2")
	if err != nil || u.ID != "u2" {
		t.Fatalf("expected synthesized user, got %+v err=%v", u, err)
	}
}

// TestAgent_SendStreamsToSubscribers verifies the delta-then-final event
// order and that an unsubscribed handler stops receiving.
func TestAgent_SendStreamsToSubscribers(t *testing.T) {
	ctx := context.Background()
	ag := NewAgent("echo")
	ag.Initialize(ctx)

	sid, err := ag.GetOrCreateSession(ctx, "/tmp/p1", "")
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}

	var events []agents.Event
	unsub, err := ag.Subscribe(sid, func(e agents.Event) { events = append(events, e) })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := ag.Send(ctx, sid, "hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected delta and final, got %d events", len(events))
	}
	if events[0].Kind != agents.EventDelta || events[1].Kind != agents.EventFinal {
		t.Fatalf("unexpected event kinds: %+v", events)
	}
	if events[1].Text != "hello" {
		t.Fatalf("expected echoed text, got %q", events[1].Text)
	}

	unsub()
	ag.Send(ctx, sid, "again")
	if len(events) != 2 {
		t.Fatalf("expected no events after unsubscribe, got %d", len(events))
	}
}

// TestAgent_SwitchModelReverses verifies session reuse by project path
// and the reverse model's observable behavior.
func TestAgent_SwitchModelReverses(t *testing.T) {
	ctx := context.Background()
	ag := NewAgent("echo")
	ag.Initialize(ctx)

	sid, _ := ag.GetOrCreateSession(ctx, "/tmp/p1", "")
	again, _ := ag.GetOrCreateSession(ctx, "/tmp/p1", "")
	if sid != again {
		t.Fatalf("expected same session for same path, got %s and %s", sid, again)
	}

	if err := ag.SwitchModel(ctx, sid, "nope"); err == nil {
		t.Fatal("expected unknown model to be rejected")
	}
	if err := ag.SwitchModel(ctx, sid, "reverse"); err != nil {
		t.Fatalf("switch failed: %v", err)
	}

	var final string
	ag.Subscribe(sid, func(e agents.Event) {
		if e.Kind == agents.EventFinal {
			final = e.Text
		}
	})
	ag.Send(ctx, sid, "abc")
	if final != "cba" {
		t.Fatalf("expected reversed reply, got %q", final)
	}

	info, err := ag.GetSessionInfo(ctx, sid)
	if err != nil || info.Model != "reverse" || info.ProjectPath != "/tmp/p1" {
		t.Fatalf("unexpected session info: %+v err=%v", info, err)
	}
}

// TestAgent_SummarizeAndClear verifies the history bookkeeping behind
// Summarize and ClearHistory.
func TestAgent_SummarizeAndClear(t *testing.T) {
	ctx := context.Background()
	ag := NewAgent("echo")
	ag.Initialize(ctx)
	sid, _ := ag.GetOrCreateSession(ctx, "/tmp/p1", "")

	ok, err := ag.Summarize(ctx, sid)
	if err != nil || ok {
		t.Fatalf("expected empty session to skip summarize, got ok=%v err=%v", ok, err)
	}

	ag.Send(ctx, sid, "one")
	ag.Send(ctx, sid, "two")
	ok, err = ag.Summarize(ctx, sid)
	if err != nil || !ok {
		t.Fatalf("expected summarize to run, got ok=%v err=%v", ok, err)
	}

	if err := ag.ClearHistory(ctx, sid); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	ok, _ = ag.Summarize(ctx, sid)
	if ok {
		t.Fatal("expected cleared session to skip summarize")
	}
}

// TestAgent_UnknownSessionErrors verifies that session-scoped calls
// reject ids the agent never issued.
func TestAgent_UnknownSessionErrors(t *testing.T) {
	ctx := context.Background()
	ag := NewAgent("echo")

	if err := ag.Send(ctx, "missing", "hi"); err == nil {
		t.Fatal("expected send to unknown session to fail")
	}
	if _, err := ag.Subscribe("missing", func(agents.Event) {}); err == nil {
		t.Fatal("expected subscribe to unknown session to fail")
	}
	if _, err := ag.GetSessionInfo(ctx, "missing"); err == nil {
		t.Fatal("expected session info for unknown session to fail")
	}
}
