package rest

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/idgen"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/store"
)

// Kind distinguishes windows that suppress proactive output from windows that
// tie a time block to a task.
type Kind string

const (
	KindRest  Kind = "rest"
	KindFocus Kind = "focus"
)

var (
	ErrInvalidRange  = errors.New("window end must be after start")
	ErrInvalidKind   = errors.New("unknown window kind")
	ErrWindowOverlap = errors.New("window overlaps an active window of the same kind")
)

// Window is a rest or focus time range for one conversation.
// A window is active until its end passes; expired windows are kept for
// inspection but excluded from active queries.
type Window struct {
	ID             string
	ConversationID string
	Kind           Kind
	StartAt        time.Time
	EndAt          time.Time
	SubjectID      string
	Note           string
	CreatedAt      time.Time
}

// Contains reports whether t falls inside the half-open range [start, end).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.StartAt) && t.Before(w.EndAt)
}

func (w Window) overlaps(start, end time.Time) bool {
	return start.Before(w.EndAt) && w.StartAt.Before(end)
}

// Service owns rest/focus windows per conversation. It is a pure query and
// bookkeeping surface: it never touches trackers itself. Not safe for
// concurrent use; the engine serializes all access.
type Service struct {
	nowFn        func() time.Time
	windows      map[string][]Window
	recentCancel map[string]time.Time
}

type Option func(*Service)

// WithClock overrides the time source, for deterministic tests.
func WithClock(nowFn func() time.Time) Option {
	return func(s *Service) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func NewService(opts ...Option) *Service {
	s := &Service{
		nowFn:        func() time.Time { return time.Now().UTC() },
		windows:      map[string][]Window{},
		recentCancel: map[string]time.Time{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) now() time.Time { return s.nowFn().UTC() }

// Create validates and stores a new window. Overlap with any active window of
// the same kind in the conversation is rejected, which also covers two focus
// windows targeting the same subject at overlapping times.
func (s *Service) Create(conversation string, kind Kind, start, end time.Time, subject, note string) (Window, error) {
	if kind != KindRest && kind != KindFocus {
		return Window{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if !end.After(start) {
		return Window{}, ErrInvalidRange
	}
	now := s.now()
	for _, w := range s.Active(conversation, now) {
		if w.Kind == kind && w.overlaps(start, end) {
			return Window{}, fmt.Errorf("%w: %s [%s, %s)", ErrWindowOverlap, w.ID,
				w.StartAt.Format(time.RFC3339), w.EndAt.Format(time.RFC3339))
		}
	}

	win := Window{
		ID:             idgen.New(),
		ConversationID: conversation,
		Kind:           kind,
		StartAt:        start.UTC(),
		EndAt:          end.UTC(),
		SubjectID:      subject,
		Note:           note,
		CreatedAt:      now,
	}
	s.windows[conversation] = append(s.windows[conversation], win)
	sort.SliceStable(s.windows[conversation], func(i, j int) bool {
		return s.windows[conversation][i].StartAt.Before(s.windows[conversation][j].StartAt)
	})
	s.pruneExpired(conversation, now)
	return win, nil
}

// Cancel removes a window by id. Cancelling a rest window while it is in
// progress records the cancel time so prompt due times get a short grace.
func (s *Service) Cancel(conversation, windowID string) bool {
	list := s.windows[conversation]
	for i, w := range list {
		if w.ID != windowID {
			continue
		}
		s.windows[conversation] = append(list[:i:i], list[i+1:]...)
		now := s.now()
		if w.Kind == KindRest && w.Contains(now) {
			s.recentCancel[conversation] = now
		}
		return true
	}
	return false
}

// Get returns a window by id.
func (s *Service) Get(conversation, windowID string) (Window, bool) {
	for _, w := range s.windows[conversation] {
		if w.ID == windowID {
			return w, true
		}
	}
	return Window{}, false
}

// Active returns windows whose end has not passed, ordered by start.
func (s *Service) Active(conversation string, now time.Time) []Window {
	var out []Window
	for _, w := range s.windows[conversation] {
		if w.EndAt.After(now) {
			out = append(out, w)
		}
	}
	return out
}

// WithinRest returns the rest-kind window covering t, if any. Focus windows
// never suppress reminders, so they are not considered here.
func (s *Service) WithinRest(conversation string, t time.Time) (Window, bool) {
	for _, w := range s.windows[conversation] {
		if w.Kind == KindRest && w.Contains(t) {
			return w, true
		}
	}
	return Window{}, false
}

// NextBoundary returns the earliest future window start or end after t among
// active windows, used to size the monitor's next wake interval.
func (s *Service) NextBoundary(conversation string, t time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	consider := func(candidate time.Time) {
		if !candidate.After(t) {
			return
		}
		if !found || candidate.Before(best) {
			best = candidate
			found = true
		}
	}
	for _, w := range s.Active(conversation, t) {
		consider(w.StartAt)
		consider(w.EndAt)
	}
	return best, found
}

// RecentCancelAt reports when an in-progress rest window was last cancelled.
// Entries older than 30 minutes are forgotten.
func (s *Service) RecentCancelAt(conversation string) (time.Time, bool) {
	at, ok := s.recentCancel[conversation]
	if !ok {
		return time.Time{}, false
	}
	if s.now().Sub(at) > 30*time.Minute {
		delete(s.recentCancel, conversation)
		return time.Time{}, false
	}
	return at, true
}

// Conversations returns every conversation id with at least one stored window.
func (s *Service) Conversations() []string {
	out := make([]string, 0, len(s.windows))
	for conv := range s.windows {
		out = append(out, conv)
	}
	sort.Strings(out)
	return out
}

// Expired windows are retained for a day so the snapshot stays inspectable,
// then dropped to bound growth.
func (s *Service) pruneExpired(conversation string, now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	list := s.windows[conversation]
	kept := list[:0]
	for _, w := range list {
		if w.EndAt.After(cutoff) {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		delete(s.windows, conversation)
		return
	}
	s.windows[conversation] = kept
}

// SnapshotConversation converts a conversation's windows to persisted records.
func (s *Service) SnapshotConversation(conversation string) []store.WindowRecord {
	list := s.windows[conversation]
	if len(list) == 0 {
		return nil
	}
	out := make([]store.WindowRecord, 0, len(list))
	for _, w := range list {
		out = append(out, store.WindowRecord{
			ID:             w.ID,
			ConversationID: w.ConversationID,
			Kind:           string(w.Kind),
			StartAt:        w.StartAt,
			EndAt:          w.EndAt,
			SubjectID:      w.SubjectID,
			Note:           w.Note,
			CreatedAt:      w.CreatedAt,
		})
	}
	return out
}

// RestoreConversation rehydrates a conversation's windows from records.
func (s *Service) RestoreConversation(conversation string, records []store.WindowRecord) {
	if len(records) == 0 {
		return
	}
	list := make([]Window, 0, len(records))
	for _, r := range records {
		kind := Kind(r.Kind)
		if kind != KindRest && kind != KindFocus {
			continue
		}
		list = append(list, Window{
			ID:             r.ID,
			ConversationID: conversation,
			Kind:           kind,
			StartAt:        r.StartAt.UTC(),
			EndAt:          r.EndAt.UTC(),
			SubjectID:      r.SubjectID,
			Note:           r.Note,
			CreatedAt:      r.CreatedAt.UTC(),
		})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].StartAt.Before(list[j].StartAt) })
	s.windows[conversation] = list
}
