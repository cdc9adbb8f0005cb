// Package routing implements the binding table that maps conversation
// contexts to agent ids. The router is a pure decision engine: no I/O,
// no logging, and every method is safe for concurrent use.
package routing

import (
	"encoding/json"
	"fmt"
)

// Chat type values accepted by Match.ChatType. ChatAny matches both.
const (
	ChatPrivate = "private"
	ChatGroup   = "group"
	ChatAny     = "*"
)

// StringList unmarshals from either a single JSON string or an array of
// strings, so config authors can write "channel_id": "telegram" as well
// as "channel_id": ["telegram", "discord"].
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = StringList(many)
	return nil
}

func (s StringList) contains(v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

// Match restricts which conversations a binding applies to. Absent
// fields impose no constraint; every present field must be satisfied.
// The four id fields are set-valued: the context value must be a member.
type Match struct {
	ChannelID      StringList `json:"channel_id,omitempty"`
	ChannelType    StringList `json:"channel_type,omitempty"`
	ChatID         StringList `json:"chat_id,omitempty"`
	UserID         StringList `json:"user_id,omitempty"`
	ChatType       string     `json:"chat_type,omitempty"`
	MessagePattern string     `json:"message_pattern,omitempty"`

	// Custom is a caller-supplied predicate. It cannot be expressed in a
	// config file and is dropped on serialization.
	Custom func(Context) bool `json:"-"`
}

// Binding maps matching conversations to a target agent. ID is the
// binding's identity and never changes; everything else is mutable
// through UpdateBinding.
type Binding struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	AgentID  string `json:"agent_id"`
	Priority int    `json:"priority,omitempty"`
	Enabled  bool   `json:"enabled"`
	Match    *Match `json:"match,omitempty"`
}

// UnmarshalJSON defaults Enabled to true when the field is absent, so
// config bindings are live unless explicitly switched off.
func (b *Binding) UnmarshalJSON(data []byte) error {
	type alias Binding
	tmp := alias{Enabled: true}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*b = Binding(tmp)
	return nil
}

// Update is a partial binding modification; nil fields stay unchanged.
// A non-nil Match replaces the previous match spec wholesale.
type Update struct {
	Name     *string `json:"name,omitempty"`
	AgentID  *string `json:"agent_id,omitempty"`
	Priority *int    `json:"priority,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
	Match    *Match  `json:"match,omitempty"`
}

// Context is the conversation snapshot a routing decision is made from.
// An empty MessageText is treated as absent.
type Context struct {
	ChannelID   string            `json:"channel_id"`
	ChannelType string            `json:"channel_type"`
	ChatID      string            `json:"chat_id"`
	ChatType    string            `json:"chat_type"`
	UserID      string            `json:"user_id"`
	MessageText string            `json:"message_text,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Result reports a routing decision. Route always produces one: AgentID
// falls back to the default agent when no binding matches, in which case
// MatchedBy is ["default"]. MatchedBy otherwise lists the match criteria
// that were present and satisfied, or ["all"] for a binding without a
// match spec.
type Result struct {
	Binding   *Binding `json:"binding,omitempty"`
	AgentID   string   `json:"agent_id"`
	MatchedBy []string `json:"matched_by"`
}

// ConfigError reports an invalid binding definition. It is detected when
// the binding is added or updated, never at route time.
type ConfigError struct {
	BindingID string
	Field     string
	Err       error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("binding %q: invalid %s: %v", e.BindingID, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
