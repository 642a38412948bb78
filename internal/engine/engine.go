package engine

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/delivery"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/proactivity"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/rest"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/store"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/tracker"
)

// Options tunes the engine. Zero values select defaults.
type Options struct {
	Proactivity     proactivity.Config
	TickInterval    time.Duration
	DefaultInterval time.Duration
	Clock           func() time.Time
}

// Engine wires the tracker registry, rest window service, and proactivity
// monitor behind a single command surface. One mutex serializes the command
// path and the background tick; every mutating command persists the full
// snapshot before returning. Delivery always happens outside the lock.
type Engine struct {
	mu       sync.Mutex
	store    store.Store
	sender   delivery.Sender
	trackers *tracker.Registry
	windows  *rest.Service
	monitor  *proactivity.Monitor
	nowFn    func() time.Time

	tickInterval time.Duration
	degraded     bool
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// New builds an engine, loads the snapshot, and rehydrates all services.
// A missing or corrupt snapshot starts empty; an entry whose deadline already
// passed becomes immediately due on the first tick rather than being dropped.
func New(st store.Store, sender delivery.Sender, opts Options) (*Engine, error) {
	nowFn := opts.Clock
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = 5 * time.Second
	}

	windows := rest.NewService(rest.WithClock(nowFn))
	e := &Engine{
		store:        st,
		sender:       sender,
		windows:      windows,
		trackers:     tracker.NewRegistry(windows, tracker.WithClock(nowFn), tracker.WithDefaultInterval(opts.DefaultInterval)),
		monitor:      proactivity.NewMonitor(opts.Proactivity, windows, proactivity.WithClock(nowFn)),
		nowFn:        nowFn,
		tickInterval: tick,
		stopCh:       make(chan struct{}),
	}

	snap, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	for conv, rec := range snap {
		e.windows.RestoreConversation(conv, rec.Windows)
		e.trackers.RestoreConversation(conv, rec.Trackers)
		e.monitor.RestoreConversation(conv, rec.Proactivity)
	}
	return e, nil
}

func (e *Engine) now() time.Time { return e.nowFn().UTC() }

// Degraded reports whether the engine is serving in-memory state after a
// persistence failure.
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// StartTracking creates or replaces the reminder tracker for a subject.
// intervalMinutes of zero selects the default interval.
func (e *Engine) StartTracking(conversation, subject string, intervalMinutes int, metadata map[string]string) (tracker.Entry, error) {
	if conversation == "" || subject == "" {
		return tracker.Entry{}, fmt.Errorf("conversation and subject are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, err := e.trackers.Start(conversation, subject, time.Duration(intervalMinutes)*time.Minute, metadata)
	if err != nil {
		return tracker.Entry{}, err
	}
	_, resting := e.windows.WithinRest(conversation, e.now())
	e.monitor.NormalizeAction(conversation, true, resting)
	e.persistLocked()
	return entry, nil
}

// StopTracking cancels a tracker by subject id or 1-based positional index.
func (e *Engine) StopTracking(conversation, selector string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.trackers.Stop(conversation, selector) {
		return false
	}
	e.normalizeActionLocked(conversation)
	e.persistLocked()
	return true
}

// ListTrackings returns a conversation's tracker entries in creation order.
func (e *Engine) ListTrackings(conversation string) []tracker.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trackers.List(conversation)
}

// CreateWindow creates a rest or focus window. A new rest window immediately
// defers any trackers whose next fire falls inside it; a focus window with a
// subject co-creates a tracker whose first fire is capped at the window end.
func (e *Engine) CreateWindow(conversation string, kind rest.Kind, start, end time.Time, subject, note string) (rest.Window, error) {
	if conversation == "" {
		return rest.Window{}, fmt.Errorf("conversation is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	win, err := e.windows.Create(conversation, kind, start, end, subject, note)
	if err != nil {
		return rest.Window{}, err
	}

	switch kind {
	case rest.KindRest:
		e.trackers.DeferForRest(conversation, win)
	case rest.KindFocus:
		if subject != "" {
			interval := end.Sub(start)
			if interval < tracker.MinInterval {
				interval = tracker.MinInterval
			}
			if _, err := e.trackers.Start(conversation, subject, interval, map[string]string{"window_id": win.ID}); err != nil {
				log.Printf("engine: focus window %s tracker start: %v", win.ID, err)
			} else {
				e.trackers.BoundNextFire(conversation, subject, win.EndAt)
			}
		}
	}
	e.normalizeActionLocked(conversation)
	e.persistLocked()
	return win, nil
}

// CancelWindow removes a window. Cancelling a focus window also stops the
// tracker it co-created; trackers deferred by a rest window stay deferred.
func (e *Engine) CancelWindow(conversation, windowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	win, found := e.windows.Get(conversation, windowID)
	if !e.windows.Cancel(conversation, windowID) {
		return false
	}
	if found && win.Kind == rest.KindFocus && win.SubjectID != "" {
		e.trackers.Stop(conversation, win.SubjectID)
	}
	e.normalizeActionLocked(conversation)
	e.persistLocked()
	return true
}

// ListWindows returns a conversation's active windows ordered by start.
func (e *Engine) ListWindows(conversation string) []rest.Window {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.windows.Active(conversation, e.now())
}

// UpdateState records a confirmed state value and resets the attention phase.
// An explicitly confirmed value is kept verbatim; normalization against
// tracker and window facts only runs when those facts change.
func (e *Engine) UpdateState(conversation, kind, value string) error {
	if conversation == "" {
		return fmt.Errorf("conversation is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.monitor.UpdateState(conversation, kind, value); err != nil {
		return err
	}
	e.persistLocked()
	return nil
}

// RecordUserMessage clears a pending question for the conversation.
func (e *Engine) RecordUserMessage(conversation string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.monitor.RecordUserMessage(conversation)
	e.persistLocked()
}

// RecordAgentMessage arms the follow-up clock when the agent asked a question.
func (e *Engine) RecordAgentMessage(conversation, text string) {
	if !containsQuestion(text) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.monitor.RecordAgentQuestion(conversation)
	e.persistLocked()
}

func (e *Engine) normalizeActionLocked(conversation string) {
	hasTracker := len(e.trackers.List(conversation)) > 0
	_, resting := e.windows.WithinRest(conversation, e.now())
	e.monitor.NormalizeAction(conversation, hasTracker, resting)
}

// NextView describes upcoming prompt and reminder activity for a conversation.
type NextView struct {
	State       proactivity.StateView
	Trackers    []tracker.Entry
	RestActive  bool
	RestEndsAt  *time.Time
	NextWindow  *rest.Window
	NextBoundAt *time.Time
}

// DescribeNext returns a read-only view of what the engine would do next.
func (e *Engine) DescribeNext(conversation string) NextView {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	view := NextView{
		State:    e.monitor.View(conversation),
		Trackers: e.trackers.List(conversation),
	}
	if w, ok := e.windows.WithinRest(conversation, now); ok {
		view.RestActive = true
		end := w.EndAt
		view.RestEndsAt = &end
	}
	for _, w := range e.windows.Active(conversation, now) {
		if w.StartAt.After(now) {
			win := w
			view.NextWindow = &win
			break
		}
	}
	if at, ok := e.windows.NextBoundary(conversation, now); ok {
		view.NextBoundAt = &at
	}
	return view
}

// persistLocked writes the full snapshot, retrying once. A second failure
// switches to degraded mode: the engine keeps serving in-memory state and
// logs the data-loss risk instead of failing the command.
func (e *Engine) persistLocked() {
	snap := e.snapshotLocked()
	err := e.store.Save(snap)
	if err != nil {
		err = e.store.Save(snap)
	}
	if err != nil {
		if !e.degraded {
			log.Printf("engine: persistence failing, serving in-memory state (data-loss risk): %v", err)
		}
		e.degraded = true
		return
	}
	if e.degraded {
		log.Printf("engine: persistence recovered")
		e.degraded = false
	}
}

func (e *Engine) snapshotLocked() store.Snapshot {
	snap := store.Snapshot{}
	add := func(conv string) {
		if _, ok := snap[conv]; ok {
			return
		}
		rec := store.ConversationRecord{
			Trackers:    e.trackers.SnapshotConversation(conv),
			Windows:     e.windows.SnapshotConversation(conv),
			Proactivity: e.monitor.SnapshotConversation(conv),
		}
		if len(rec.Trackers) == 0 && len(rec.Windows) == 0 && rec.Proactivity == nil {
			return
		}
		snap[conv] = rec
	}
	for _, conv := range e.trackers.Conversations() {
		add(conv)
	}
	for _, conv := range e.windows.Conversations() {
		add(conv)
	}
	for _, conv := range e.monitor.Conversations() {
		add(conv)
	}
	return snap
}

func containsQuestion(text string) bool {
	for _, r := range text {
		if r == '?' || r == '？' {
			return true
		}
	}
	return false
}
