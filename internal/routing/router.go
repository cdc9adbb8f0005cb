package routing

import (
	"regexp"
	"sort"
	"sync"
)

// Router holds the binding table and decides the target agent for each
// conversation context.
type Router struct {
	mu           sync.RWMutex
	defaultAgent string
	entries      map[string]*entry
	seq          uint64
}

// entry pairs a binding with its compiled pattern and registration
// order. The order is stable across updates so priority ties keep
// resolving the same way after a hot reload.
type entry struct {
	binding Binding
	re      *regexp.Regexp
	seq     uint64
}

// NewRouter returns a router that falls back to defaultAgent when no
// binding matches.
func NewRouter(defaultAgent string) *Router {
	return &Router{
		defaultAgent: defaultAgent,
		entries:      make(map[string]*entry),
	}
}

// DefaultAgent returns the fallback agent id.
func (r *Router) DefaultAgent() string {
	return r.defaultAgent
}

// AddBinding inserts b, or replaces the binding with the same id while
// keeping its original position in the tie-break order. An invalid
// MessagePattern is rejected with a *ConfigError.
func (r *Router) AddBinding(b Binding) error {
	re, err := compilePattern(b.ID, b.Match)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.entries[b.ID]; ok {
		prev.binding = b
		prev.re = re
		return nil
	}
	r.seq++
	r.entries[b.ID] = &entry{binding: b, re: re, seq: r.seq}
	return nil
}

// RemoveBinding deletes the binding with the given id. Removing an
// absent id is a no-op.
func (r *Router) RemoveBinding(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// UpdateBinding applies the non-nil fields of u to an existing binding.
// Updating an absent id is a no-op. An invalid new pattern is a
// *ConfigError and leaves the binding unchanged.
func (r *Router) UpdateBinding(id string, u Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	next := e.binding
	if u.Name != nil {
		next.Name = *u.Name
	}
	if u.AgentID != nil {
		next.AgentID = *u.AgentID
	}
	if u.Priority != nil {
		next.Priority = *u.Priority
	}
	if u.Enabled != nil {
		next.Enabled = *u.Enabled
	}
	if u.Match != nil {
		next.Match = u.Match
	}
	re, err := compilePattern(id, next.Match)
	if err != nil {
		return err
	}
	e.binding = next
	e.re = re
	return nil
}

// Route decides the target agent for ctx. Enabled bindings are
// considered in priority order, higher first with registration order
// breaking ties, and the first match wins. Route never fails: with no
// match it falls back to the default agent.
func (r *Router) Route(ctx Context) Result {
	candidates := r.snapshot(true)
	sortEntries(candidates)

	for i := range candidates {
		if matched, criteria := candidates[i].match(ctx); matched {
			b := candidates[i].binding
			return Result{Binding: &b, AgentID: b.AgentID, MatchedBy: criteria}
		}
	}
	return Result{AgentID: r.defaultAgent, MatchedBy: []string{"default"}}
}

// GetBindings returns every binding in route evaluation order.
func (r *Router) GetBindings() []Binding {
	entries := r.snapshot(false)
	sortEntries(entries)
	out := make([]Binding, len(entries))
	for i := range entries {
		out[i] = entries[i].binding
	}
	return out
}

// GetBinding returns the binding with the given id.
func (r *Router) GetBinding(id string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Binding{}, false
	}
	return e.binding, true
}

// GetBindingsByAgent returns every binding targeting agentID, enabled
// or not, in route evaluation order.
func (r *Router) GetBindingsByAgent(agentID string) []Binding {
	entries := r.snapshot(false)
	sortEntries(entries)
	var out []Binding
	for i := range entries {
		if entries[i].binding.AgentID == agentID {
			out = append(out, entries[i].binding)
		}
	}
	return out
}

// snapshot copies the table under the read lock so matching runs
// without holding it. Binding values are copied; Match specs are only
// ever replaced, never mutated in place, so sharing them is safe.
func (r *Router) snapshot(enabledOnly bool) []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		if enabledOnly && !e.binding.Enabled {
			continue
		}
		out = append(out, *e)
	}
	return out
}

func sortEntries(entries []entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].binding.Priority != entries[j].binding.Priority {
			return entries[i].binding.Priority > entries[j].binding.Priority
		}
		return entries[i].seq < entries[j].seq
	})
}

// match reports whether ctx satisfies every present field of the
// binding's match spec, together with the criteria that decided.
func (e *entry) match(ctx Context) (bool, []string) {
	m := e.binding.Match
	if m == nil {
		return true, []string{"all"}
	}
	var criteria []string
	if len(m.ChannelID) > 0 {
		if !m.ChannelID.contains(ctx.ChannelID) {
			return false, nil
		}
		criteria = append(criteria, "channel_id")
	}
	if len(m.ChannelType) > 0 {
		if !m.ChannelType.contains(ctx.ChannelType) {
			return false, nil
		}
		criteria = append(criteria, "channel_type")
	}
	if len(m.ChatID) > 0 {
		if !m.ChatID.contains(ctx.ChatID) {
			return false, nil
		}
		criteria = append(criteria, "chat_id")
	}
	if len(m.UserID) > 0 {
		if !m.UserID.contains(ctx.UserID) {
			return false, nil
		}
		criteria = append(criteria, "user_id")
	}
	if m.ChatType != "" {
		if m.ChatType != ChatAny && m.ChatType != ctx.ChatType {
			return false, nil
		}
		criteria = append(criteria, "chat_type")
	}
	if m.MessagePattern != "" {
		// A pattern against an absent message text is a non-match.
		if ctx.MessageText == "" || e.re == nil || !e.re.MatchString(ctx.MessageText) {
			return false, nil
		}
		criteria = append(criteria, "message_pattern")
	}
	if m.Custom != nil {
		if !m.Custom(ctx) {
			return false, nil
		}
		criteria = append(criteria, "custom")
	}
	if len(criteria) == 0 {
		criteria = []string{"all"}
	}
	return true, criteria
}

func compilePattern(id string, m *Match) (*regexp.Regexp, error) {
	if m == nil || m.MessagePattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(m.MessagePattern)
	if err != nil {
		return nil, &ConfigError{BindingID: id, Field: "message_pattern", Err: err}
	}
	return re, nil
}
