package tracker

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/idgen"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/rest"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/store"
)

const (
	// MinInterval is the shortest accepted reminder interval.
	MinInterval = 5 * time.Minute
	// MaxInterval is the ceiling; longer requests are coerced down.
	MaxInterval = 180 * time.Minute
	// DefaultInterval applies when a start request names no interval.
	DefaultInterval = 25 * time.Minute
)

var (
	ErrIntervalTooShort = fmt.Errorf("interval below minimum %s", MinInterval)
	ErrNotFound         = errors.New("tracker entry not found")
)

// Entry is one reminder tracker, keyed by (conversation, subject). The
// generation counter is bumped on every structural mutation; the delivery
// path discards an in-flight fire whose generation no longer matches.
type Entry struct {
	ID             string
	ConversationID string
	SubjectID      string
	Interval       time.Duration
	NextFireAt     time.Time
	RestResumeAt   *time.Time
	Generation     uint64
	Seq            uint64
	CreatedAt      time.Time
	LastConsumedAt *time.Time
	Metadata       map[string]string
}

// RestQuery answers whether a timestamp falls inside an active rest window.
type RestQuery interface {
	WithinRest(conversation string, t time.Time) (rest.Window, bool)
}

// Registry owns all tracker entries. Not safe for concurrent use; the engine
// serializes access and handles persistence after each mutation.
type Registry struct {
	nowFn           func() time.Time
	rest            RestQuery
	defaultInterval time.Duration
	entries         map[string]map[string]*Entry
	tombstones      map[string]uint64
	seq             uint64
}

type Option func(*Registry)

// WithClock overrides the time source, for deterministic tests.
func WithClock(nowFn func() time.Time) Option {
	return func(r *Registry) {
		if nowFn != nil {
			r.nowFn = nowFn
		}
	}
}

// WithDefaultInterval overrides the interval used when a start request names
// none. Values outside [MinInterval, MaxInterval] are ignored.
func WithDefaultInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d >= MinInterval && d <= MaxInterval {
			r.defaultInterval = d
		}
	}
}

// NewRegistry builds a registry. restQuery may be nil, in which case no
// rest clamping is applied.
func NewRegistry(restQuery RestQuery, opts ...Option) *Registry {
	r := &Registry{
		nowFn:           func() time.Time { return time.Now().UTC() },
		rest:            restQuery,
		defaultInterval: DefaultInterval,
		entries:         map[string]map[string]*Entry{},
		tombstones:      map[string]uint64{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Registry) now() time.Time { return r.nowFn().UTC() }

func key(conversation, subject string) string { return conversation + "\x00" + subject }

// Start creates or atomically replaces the entry keyed by (conversation,
// subject). A zero interval selects the default; below the minimum is
// rejected; above the ceiling is coerced down. A naive next fire landing
// inside an active rest window is clamped to that window's end.
func (r *Registry) Start(conversation, subject string, interval time.Duration, metadata map[string]string) (Entry, error) {
	if interval == 0 {
		interval = r.defaultInterval
	}
	if interval < MinInterval {
		return Entry{}, ErrIntervalTooShort
	}
	if interval > MaxInterval {
		interval = MaxInterval
	}

	now := r.now()
	gen := r.tombstones[key(conversation, subject)]
	if prev, ok := r.get(conversation, subject); ok && prev.Generation > gen {
		gen = prev.Generation
	}

	r.seq++
	entry := &Entry{
		ID:             idgen.New(),
		ConversationID: conversation,
		SubjectID:      subject,
		Interval:       interval,
		NextFireAt:     now.Add(interval),
		Generation:     gen + 1,
		Seq:            r.seq,
		CreatedAt:      now,
		Metadata:       metadata,
	}
	r.applyRestClamp(entry, now)

	byConv := r.entries[conversation]
	if byConv == nil {
		byConv = map[string]*Entry{}
		r.entries[conversation] = byConv
	}
	byConv[subject] = entry
	delete(r.tombstones, key(conversation, subject))
	return *entry, nil
}

// Stop cancels and removes an entry by subject id or 1-based positional index.
// The removed entry's generation is remembered as a tombstone so an in-flight
// fire, and any later restart of the same subject, cannot collide.
func (r *Registry) Stop(conversation, selector string) bool {
	byConv := r.entries[conversation]
	if len(byConv) == 0 {
		return false
	}
	subject := selector
	if _, ok := byConv[subject]; !ok {
		idx, err := strconv.Atoi(selector)
		if err != nil || idx < 1 {
			return false
		}
		list := r.List(conversation)
		if idx > len(list) {
			return false
		}
		subject = list[idx-1].SubjectID
	}
	entry, ok := byConv[subject]
	if !ok {
		return false
	}
	r.tombstones[key(conversation, subject)] = entry.Generation
	delete(byConv, subject)
	if len(byConv) == 0 {
		delete(r.entries, conversation)
	}
	return true
}

// Get returns a copy of the entry for (conversation, subject).
func (r *Registry) Get(conversation, subject string) (Entry, bool) {
	e, ok := r.get(conversation, subject)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *Registry) get(conversation, subject string) (*Entry, bool) {
	e, ok := r.entries[conversation][subject]
	return e, ok
}

// List returns a conversation's entries in creation order.
func (r *Registry) List(conversation string) []Entry {
	byConv := r.entries[conversation]
	out := make([]Entry, 0, len(byConv))
	for _, e := range byConv {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Consume recomputes the next fire after a delivered reminder, re-applying
// the rest clamp, and returns the updated entry. It never performs delivery.
func (r *Registry) Consume(conversation, subject string) (Entry, error) {
	entry, ok := r.get(conversation, subject)
	if !ok {
		return Entry{}, ErrNotFound
	}
	now := r.now()
	entry.NextFireAt = now.Add(entry.Interval)
	entry.RestResumeAt = nil
	entry.LastConsumedAt = &now
	entry.Generation++
	r.applyRestClamp(entry, now)
	return *entry, nil
}

// BoundNextFire caps an entry's first fire at the given ceiling. Used when a
// focus window co-creates a tracker: the window end is an implicit ceiling.
func (r *Registry) BoundNextFire(conversation, subject string, ceiling time.Time) {
	entry, ok := r.get(conversation, subject)
	if !ok {
		return
	}
	if entry.NextFireAt.After(ceiling) {
		entry.NextFireAt = ceiling.UTC()
		entry.Generation++
	}
}

// DeferUntil reschedules a single entry to the given instant and marks it as
// rest-deferred. Used when a due fire turns out to land inside a rest window
// at delivery time, after a failed-send retry or a restart crossed the window
// start.
func (r *Registry) DeferUntil(conversation, subject string, until time.Time) (Entry, error) {
	entry, ok := r.get(conversation, subject)
	if !ok {
		return Entry{}, ErrNotFound
	}
	end := until.UTC()
	entry.NextFireAt = end
	entry.RestResumeAt = &end
	entry.Generation++
	return *entry, nil
}

// DeferForRest reschedules every entry whose next fire lies inside
// [window.start, window.end) to the window end. Entries already outside are
// untouched, so repeated application is a no-op.
func (r *Registry) DeferForRest(conversation string, window rest.Window) int {
	deferred := 0
	for _, entry := range r.entries[conversation] {
		if !window.Contains(entry.NextFireAt) {
			continue
		}
		end := window.EndAt.UTC()
		entry.NextFireAt = end
		entry.RestResumeAt = &end
		entry.Generation++
		deferred++
	}
	return deferred
}

// ListDue returns entries with next_fire_at <= now across all conversations,
// ordered by fire time then creation order so firing is deterministic.
func (r *Registry) ListDue(now time.Time) []Entry {
	var out []Entry
	for _, byConv := range r.entries {
		for _, e := range byConv {
			if !e.NextFireAt.After(now) {
				out = append(out, *e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextFireAt.Equal(out[j].NextFireAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].NextFireAt.Before(out[j].NextFireAt)
	})
	return out
}

// Conversations returns every conversation id with at least one entry.
func (r *Registry) Conversations() []string {
	out := make([]string, 0, len(r.entries))
	for conv := range r.entries {
		out = append(out, conv)
	}
	sort.Strings(out)
	return out
}

// applyRestClamp moves a fire that would land inside an active rest window to
// the window end, the one permitted coercion. A fire exactly at the end
// boundary is already outside the half-open window and stays put.
func (r *Registry) applyRestClamp(entry *Entry, now time.Time) {
	if r.rest == nil {
		return
	}
	w, ok := r.rest.WithinRest(entry.ConversationID, entry.NextFireAt)
	if !ok || !w.EndAt.After(now) {
		return
	}
	end := w.EndAt.UTC()
	entry.NextFireAt = end
	entry.RestResumeAt = &end
}

// SnapshotConversation converts a conversation's entries to persisted records.
func (r *Registry) SnapshotConversation(conversation string) []store.TrackerRecord {
	list := r.List(conversation)
	if len(list) == 0 {
		return nil
	}
	out := make([]store.TrackerRecord, 0, len(list))
	for _, e := range list {
		out = append(out, store.TrackerRecord{
			ID:              e.ID,
			ConversationID:  e.ConversationID,
			SubjectID:       e.SubjectID,
			IntervalSeconds: int64(e.Interval / time.Second),
			NextFireAt:      e.NextFireAt,
			RestResumeAt:    e.RestResumeAt,
			Generation:      e.Generation,
			Seq:             e.Seq,
			CreatedAt:       e.CreatedAt,
			LastConsumedAt:  e.LastConsumedAt,
			Metadata:        e.Metadata,
		})
	}
	return out
}

// RestoreConversation rehydrates entries from records. Persisted fire times
// are kept as-is: an entry whose deadline already passed becomes immediately
// due rather than being dropped.
func (r *Registry) RestoreConversation(conversation string, records []store.TrackerRecord) {
	for _, rec := range records {
		if rec.SubjectID == "" {
			continue
		}
		interval := time.Duration(rec.IntervalSeconds) * time.Second
		if interval < MinInterval {
			interval = DefaultInterval
		}
		entry := &Entry{
			ID:             rec.ID,
			ConversationID: conversation,
			SubjectID:      rec.SubjectID,
			Interval:       interval,
			NextFireAt:     rec.NextFireAt.UTC(),
			RestResumeAt:   rec.RestResumeAt,
			Generation:     rec.Generation,
			Seq:            rec.Seq,
			CreatedAt:      rec.CreatedAt.UTC(),
			LastConsumedAt: rec.LastConsumedAt,
			Metadata:       rec.Metadata,
		}
		if entry.ID == "" {
			entry.ID = idgen.New()
		}
		byConv := r.entries[conversation]
		if byConv == nil {
			byConv = map[string]*Entry{}
			r.entries[conversation] = byConv
		}
		byConv[rec.SubjectID] = entry
		if rec.Seq > r.seq {
			r.seq = rec.Seq
		}
	}
}
