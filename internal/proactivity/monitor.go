package proactivity

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/rest"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/store"
)

// Phase is the per-conversation attention state machine position.
type Phase string

const (
	PhaseFresh     Phase = "fresh"
	PhaseStale     Phase = "stale"
	PhasePrompted  Phase = "prompted"
	PhaseEscalated Phase = "escalated"
)

// Tracked state kinds. Each has its own staleness clock.
const (
	StateAction = "action"
	StateMental = "mental"
)

// Well-known action values used by normalization.
const (
	ValueUnknown = "unknown"
	ValueWorking = "working"
	ValueResting = "resting"
)

var stateKinds = []string{StateAction, StateMental}

// EventType distinguishes the attention events the monitor emits.
type EventType string

const (
	EventPrompt   EventType = "attention_prompt"
	EventFollowUp EventType = "follow_up"
)

// Event is an attention event for one conversation. Reason names the stale
// state kinds that triggered a prompt.
type Event struct {
	Type         EventType
	Conversation string
	Reason       string
}

// Config bounds the monitor's timing knobs. Zero values select defaults.
type Config struct {
	StaleAfter     time.Duration
	PromptCooldown time.Duration
	FollowUpAfter  time.Duration
	CancelGrace    time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Hour
	}
	if c.PromptCooldown <= 0 {
		c.PromptCooldown = 10 * time.Minute
	}
	if c.FollowUpAfter <= 0 {
		c.FollowUpAfter = 10 * time.Minute
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 2 * time.Minute
	}
	return c
}

// RestQuery is the window containment view the monitor needs.
type RestQuery interface {
	WithinRest(conversation string, t time.Time) (rest.Window, bool)
	RecentCancelAt(conversation string) (time.Time, bool)
}

type stateEntry struct {
	value      string
	updatedAt  *time.Time
	promptedAt *time.Time
}

type conversation struct {
	states          map[string]*stateEntry
	phase           Phase
	lastPromptAt    *time.Time
	lastQuestionAt  *time.Time
	pendingQuestion bool
}

// Monitor runs the per-conversation staleness/prompt state machine. While a
// conversation is inside a rest window the staleness clocks keep accruing on
// wall time, but no transition emits an event. Not safe for concurrent use;
// the engine serializes access.
type Monitor struct {
	cfg   Config
	nowFn func() time.Time
	rest  RestQuery
	convs map[string]*conversation
}

type Option func(*Monitor)

// WithClock overrides the time source, for deterministic tests.
func WithClock(nowFn func() time.Time) Option {
	return func(m *Monitor) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

func NewMonitor(cfg Config, restQuery RestQuery, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:   cfg.withDefaults(),
		nowFn: func() time.Time { return time.Now().UTC() },
		rest:  restQuery,
		convs: map[string]*conversation{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Monitor) now() time.Time { return m.nowFn().UTC() }

func (m *Monitor) conv(id string) *conversation {
	c, ok := m.convs[id]
	if !ok {
		c = &conversation{states: map[string]*stateEntry{}, phase: PhaseFresh}
		m.convs[id] = c
	}
	return c
}

func (c *conversation) state(kind string) *stateEntry {
	s, ok := c.states[kind]
	if !ok {
		s = &stateEntry{value: ValueUnknown}
		c.states[kind] = s
	}
	return s
}

// UpdateState records an externally confirmed state value. Any phase resets
// to fresh and the pending question is cleared.
func (m *Monitor) UpdateState(conversationID, kind, value string) error {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind != StateAction && kind != StateMental {
		return fmt.Errorf("unknown state kind %q", kind)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		value = ValueUnknown
	}
	now := m.now()
	c := m.conv(conversationID)
	s := c.state(kind)
	s.value = value
	s.updatedAt = &now
	s.promptedAt = nil
	c.pendingQuestion = false
	c.phase = PhaseFresh
	return nil
}

// NormalizeAction keeps the action value consistent with tracker and rest
// facts: resting wins while a rest window is active, an active tracker reads
// as working, and losing the last tracker falls back to unknown.
func (m *Monitor) NormalizeAction(conversationID string, hasTracker, isResting bool) {
	c := m.conv(conversationID)
	s := c.state(StateAction)
	desired := s.value
	switch {
	case isResting:
		desired = ValueResting
	case s.value == ValueResting && hasTracker:
		desired = ValueWorking
	case s.value == ValueResting:
		desired = ValueUnknown
	case s.value == ValueWorking && !hasTracker:
		desired = ValueUnknown
	case s.value == ValueUnknown && hasTracker:
		desired = ValueWorking
	}
	if desired == s.value {
		return
	}
	now := m.now()
	s.value = desired
	s.updatedAt = &now
	s.promptedAt = nil
}

// RecordUserMessage clears any pending question: the user is back. Staleness
// clocks are untouched; only update_state confirms a value.
func (m *Monitor) RecordUserMessage(conversationID string) {
	c := m.conv(conversationID)
	c.pendingQuestion = false
	c.lastQuestionAt = nil
	if c.phase == PhasePrompted || c.phase == PhaseEscalated {
		c.phase = PhaseStale
	}
}

// RecordAgentQuestion marks an outstanding question the agent asked, which
// arms the follow-up clock. The conversation moves to prompted so the
// escalation path covers agent questions too.
func (m *Monitor) RecordAgentQuestion(conversationID string) {
	now := m.now()
	c := m.conv(conversationID)
	c.pendingQuestion = true
	c.lastQuestionAt = &now
	if c.phase == PhaseFresh || c.phase == PhaseStale {
		c.phase = PhasePrompted
	}
}

// Reset drops a conversation's monitor state entirely.
func (m *Monitor) Reset(conversationID string) {
	delete(m.convs, conversationID)
}

// Evaluate advances every conversation's state machine at the given instant
// and returns the events to deliver, plus whether any conversation's state
// changed. Phase transitions can happen without an event (inside a rest
// window emission is muted while clocks accrue), so callers persisting after
// mutations must consult the changed flag, not just the event list.
func (m *Monitor) Evaluate(now time.Time) ([]Event, bool) {
	now = now.UTC()
	ids := make([]string, 0, len(m.convs))
	for id := range m.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var events []Event
	changed := false
	for _, id := range ids {
		ev, emitted, dirty := m.evaluateConversation(id, now)
		if dirty {
			changed = true
		}
		if emitted {
			events = append(events, ev)
		}
	}
	return events, changed
}

func (m *Monitor) evaluateConversation(id string, now time.Time) (Event, bool, bool) {
	c := m.convs[id]
	missing := m.staleKinds(c, now)
	dirty := false

	if len(missing) > 0 && c.phase == PhaseFresh {
		c.phase = PhaseStale
		dirty = true
	}
	if len(missing) == 0 && c.phase == PhaseStale {
		c.phase = PhaseFresh
		dirty = true
	}

	resting := false
	if m.rest != nil {
		_, resting = m.rest.WithinRest(id, now)
	}
	if resting {
		return Event{}, false, dirty
	}
	if m.withinCancelGrace(id, now) {
		return Event{}, false, dirty
	}

	switch c.phase {
	case PhaseStale:
		if c.lastPromptAt != nil && now.Sub(*c.lastPromptAt) < m.cfg.PromptCooldown {
			return Event{}, false, dirty
		}
		for _, kind := range missing {
			s := c.state(kind)
			s.promptedAt = &now
		}
		c.lastPromptAt = &now
		c.lastQuestionAt = &now
		c.pendingQuestion = true
		c.phase = PhasePrompted
		return Event{Type: EventPrompt, Conversation: id, Reason: strings.Join(missing, ",")}, true, true

	case PhasePrompted, PhaseEscalated:
		if !c.pendingQuestion {
			return Event{}, false, dirty
		}
		since := c.lastQuestionAt
		if since == nil {
			since = c.lastPromptAt
		}
		if since == nil || now.Sub(*since) < m.cfg.FollowUpAfter {
			return Event{}, false, dirty
		}
		c.lastQuestionAt = &now
		c.phase = PhaseEscalated
		return Event{Type: EventFollowUp, Conversation: id}, true, true
	}
	return Event{}, false, dirty
}

func (m *Monitor) staleKinds(c *conversation, now time.Time) []string {
	var missing []string
	for _, kind := range stateKinds {
		s := c.state(kind)
		if s.value == ValueUnknown || s.updatedAt == nil || now.Sub(*s.updatedAt) > m.cfg.StaleAfter {
			missing = append(missing, kind)
		}
	}
	return missing
}

// withinCancelGrace suppresses prompts briefly after an in-progress rest
// window was cancelled, so the user is not nagged the moment a rest is cut
// short.
func (m *Monitor) withinCancelGrace(id string, now time.Time) bool {
	if m.rest == nil {
		return false
	}
	at, ok := m.rest.RecentCancelAt(id)
	return ok && now.Sub(at) < m.cfg.CancelGrace
}

// StateView is a read-only description of one conversation's monitor state.
type StateView struct {
	Phase           Phase
	States          map[string]StateValue
	PendingQuestion bool
	LastPromptAt    *time.Time
	LastQuestionAt  *time.Time
	NextFollowUpAt  *time.Time
}

// StateValue is one kind's current value and clocks.
type StateValue struct {
	Value      string
	UpdatedAt  *time.Time
	PromptedAt *time.Time
	StaleAt    *time.Time
}

// View returns the current state of a conversation without mutating it.
func (m *Monitor) View(conversationID string) StateView {
	c, ok := m.convs[conversationID]
	if !ok {
		c = &conversation{states: map[string]*stateEntry{}, phase: PhaseFresh}
	}
	view := StateView{
		Phase:           c.phase,
		States:          map[string]StateValue{},
		PendingQuestion: c.pendingQuestion,
		LastPromptAt:    c.lastPromptAt,
		LastQuestionAt:  c.lastQuestionAt,
	}
	for _, kind := range stateKinds {
		s, ok := c.states[kind]
		if !ok {
			view.States[kind] = StateValue{Value: ValueUnknown}
			continue
		}
		sv := StateValue{Value: s.value, UpdatedAt: s.updatedAt, PromptedAt: s.promptedAt}
		if s.updatedAt != nil {
			staleAt := s.updatedAt.Add(m.cfg.StaleAfter)
			sv.StaleAt = &staleAt
		}
		view.States[kind] = sv
	}
	if c.pendingQuestion && c.lastQuestionAt != nil {
		next := c.lastQuestionAt.Add(m.cfg.FollowUpAfter)
		view.NextFollowUpAt = &next
	}
	return view
}

// Conversations returns every conversation id the monitor tracks.
func (m *Monitor) Conversations() []string {
	out := make([]string, 0, len(m.convs))
	for id := range m.convs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SnapshotConversation converts a conversation's monitor state to a record.
func (m *Monitor) SnapshotConversation(conversationID string) *store.ProactivityRecord {
	c, ok := m.convs[conversationID]
	if !ok {
		return nil
	}
	rec := &store.ProactivityRecord{
		States:          map[string]store.StateRecord{},
		Phase:           string(c.phase),
		LastPromptAt:    c.lastPromptAt,
		LastQuestionAt:  c.lastQuestionAt,
		PendingQuestion: c.pendingQuestion,
	}
	for kind, s := range c.states {
		rec.States[kind] = store.StateRecord{
			Value:      s.value,
			UpdatedAt:  s.updatedAt,
			PromptedAt: s.promptedAt,
		}
	}
	return rec
}

// RestoreConversation rehydrates monitor state from a record.
func (m *Monitor) RestoreConversation(conversationID string, rec *store.ProactivityRecord) {
	if rec == nil {
		return
	}
	c := m.conv(conversationID)
	phase := Phase(rec.Phase)
	switch phase {
	case PhaseFresh, PhaseStale, PhasePrompted, PhaseEscalated:
		c.phase = phase
	default:
		c.phase = PhaseFresh
	}
	c.lastPromptAt = rec.LastPromptAt
	c.lastQuestionAt = rec.LastQuestionAt
	c.pendingQuestion = rec.PendingQuestion
	for kind, s := range rec.States {
		c.states[kind] = &stateEntry{
			value:      s.Value,
			updatedAt:  s.UpdatedAt,
			promptedAt: s.PromptedAt,
		}
	}
}
