package tracker

import (
	"errors"
	"testing"
	"time"

	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/rest"
)

func newTestRegistry(t *testing.T, at time.Time) (*Registry, *rest.Service, *time.Time) {
	t.Helper()
	clock := at
	nowFn := func() time.Time { return clock }
	windows := rest.NewService(rest.WithClock(nowFn))
	return NewRegistry(windows, WithClock(nowFn)), windows, &clock
}

func TestStartIntervalBounds(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r, _, _ := newTestRegistry(t, base)

	cases := []struct {
		name     string
		interval time.Duration
		want     time.Duration
		wantErr  error
	}{
		{"zero selects default", 0, DefaultInterval, nil},
		{"minimum accepted", MinInterval, MinInterval, nil},
		{"below minimum rejected", 4 * time.Minute, 0, ErrIntervalTooShort},
		{"above ceiling coerced", 240 * time.Minute, MaxInterval, nil},
		{"normal", 25 * time.Minute, 25 * time.Minute, nil},
	}
	for _, tc := range cases {
		e, err := r.Start("c1", "subject-"+tc.name, tc.interval, nil)
		if !errors.Is(err, tc.wantErr) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if e.Interval != tc.want {
			t.Errorf("%s: interval = %s, want %s", tc.name, e.Interval, tc.want)
		}
		if want := base.Add(tc.want); !e.NextFireAt.Equal(want) {
			t.Errorf("%s: next fire = %v, want %v", tc.name, e.NextFireAt, want)
		}
	}
}

func TestStartReplacesNotDuplicates(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r, _, clock := newTestRegistry(t, base)

	first, err := r.Start("c1", "report", 25*time.Minute, nil)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}

	*clock = base.Add(10 * time.Minute)
	second, err := r.Start("c1", "report", 40*time.Minute, nil)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}

	if got := len(r.List("c1")); got != 1 {
		t.Fatalf("entries after restart = %d, want 1", got)
	}
	if want := base.Add(10 * time.Minute).Add(40 * time.Minute); !second.NextFireAt.Equal(want) {
		t.Errorf("next fire = %v, want %v", second.NextFireAt, want)
	}
	if second.Generation <= first.Generation {
		t.Errorf("restart generation %d not above %d", second.Generation, first.Generation)
	}
}

func TestStopBySubjectAndIndex(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r, _, _ := newTestRegistry(t, base)

	r.Start("c1", "report", 25*time.Minute, nil)
	r.Start("c1", "laundry", 30*time.Minute, nil)
	r.Start("c1", "emails", 45*time.Minute, nil)

	if !r.Stop("c1", "laundry") {
		t.Fatal("stop by subject failed")
	}
	// Index 2 now resolves to "emails" in creation order.
	if !r.Stop("c1", "2") {
		t.Fatal("stop by index failed")
	}
	left := r.List("c1")
	if len(left) != 1 || left[0].SubjectID != "report" {
		t.Errorf("remaining = %+v, want only report", left)
	}

	if r.Stop("c1", "laundry") {
		t.Error("stop of removed subject reported success")
	}
	if r.Stop("c1", "0") || r.Stop("c1", "9") || r.Stop("c1", "nope") {
		t.Error("stop with bad selector reported success")
	}
}

func TestTombstoneKeepsGenerationMonotonic(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r, _, _ := newTestRegistry(t, base)

	first, _ := r.Start("c1", "report", 25*time.Minute, nil)
	if !r.Stop("c1", "report") {
		t.Fatal("stop failed")
	}
	second, _ := r.Start("c1", "report", 25*time.Minute, nil)
	if second.Generation <= first.Generation {
		t.Errorf("post-stop restart generation %d not above %d", second.Generation, first.Generation)
	}
}

func TestStartClampsIntoActiveRestWindow(t *testing.T) {
	// Start at 09:00 with a 25m interval while a rest window covers
	// [09:10, 10:00): the naive 09:25 fire lands inside and moves to 10:00.
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r, windows, _ := newTestRegistry(t, base)

	end := base.Add(time.Hour)
	if _, err := windows.Create("c1", rest.KindRest, base.Add(10*time.Minute), end, "", ""); err != nil {
		t.Fatalf("create rest window: %v", err)
	}

	e, err := r.Start("c1", "report", 25*time.Minute, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !e.NextFireAt.Equal(end) {
		t.Errorf("next fire = %v, want window end %v", e.NextFireAt, end)
	}
	if e.RestResumeAt == nil || !e.RestResumeAt.Equal(end) {
		t.Errorf("rest resume = %v, want %v", e.RestResumeAt, end)
	}
	if e.Interval != 25*time.Minute {
		t.Errorf("interval mutated to %s", e.Interval)
	}
}

func TestStartOutsideRestWindowUnclamped(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r, windows, _ := newTestRegistry(t, base)

	// Window ends before the naive fire; no clamp.
	if _, err := windows.Create("c1", rest.KindRest, base, base.Add(20*time.Minute), "", ""); err != nil {
		t.Fatalf("create rest window: %v", err)
	}
	e, err := r.Start("c1", "report", 25*time.Minute, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if want := base.Add(25 * time.Minute); !e.NextFireAt.Equal(want) {
		t.Errorf("next fire = %v, want %v", e.NextFireAt, want)
	}
	if e.RestResumeAt != nil {
		t.Errorf("rest resume set to %v for unclamped entry", e.RestResumeAt)
	}
}

func TestDeferForRestIdempotent(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r, windows, _ := newTestRegistry(t, base)

	r.Start("c1", "inside", 25*time.Minute, nil)  // naive 09:25
	r.Start("c1", "outside", 90*time.Minute, nil) // naive 10:30

	win, err := windows.Create("c1", rest.KindRest, base.Add(10*time.Minute), base.Add(time.Hour), "", "")
	if err != nil {
		t.Fatalf("create rest window: %v", err)
	}

	if got := r.DeferForRest("c1", win); got != 1 {
		t.Errorf("first defer moved %d entries, want 1", got)
	}
	inside, _ := r.Get("c1", "inside")
	if !inside.NextFireAt.Equal(win.EndAt) {
		t.Errorf("inside next fire = %v, want %v", inside.NextFireAt, win.EndAt)
	}
	outside, _ := r.Get("c1", "outside")
	if !outside.NextFireAt.Equal(base.Add(90 * time.Minute)) {
		t.Errorf("outside entry moved to %v", outside.NextFireAt)
	}

	// At the window end the fire sits on the half-open boundary, outside the
	// window, so a second application changes nothing.
	if got := r.DeferForRest("c1", win); got != 0 {
		t.Errorf("second defer moved %d entries, want 0", got)
	}
	again, _ := r.Get("c1", "inside")
	if again.Generation != inside.Generation {
		t.Errorf("idempotent defer bumped generation %d -> %d", inside.Generation, again.Generation)
	}
}

func TestDeferUntil(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r, _, _ := newTestRegistry(t, base)

	e, _ := r.Start("c1", "report", 25*time.Minute, nil)
	until := base.Add(90 * time.Minute)
	moved, err := r.DeferUntil("c1", "report", until)
	if err != nil {
		t.Fatalf("defer: %v", err)
	}
	if !moved.NextFireAt.Equal(until) {
		t.Errorf("next fire = %v, want %v", moved.NextFireAt, until)
	}
	if moved.RestResumeAt == nil || !moved.RestResumeAt.Equal(until) {
		t.Errorf("rest resume = %v, want %v", moved.RestResumeAt, until)
	}
	if moved.Generation != e.Generation+1 {
		t.Errorf("generation = %d, want %d", moved.Generation, e.Generation+1)
	}

	if _, err := r.DeferUntil("c1", "missing", until); !errors.Is(err, ErrNotFound) {
		t.Errorf("defer missing: err = %v, want ErrNotFound", err)
	}
}

func TestConsumeReclamps(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r, windows, clock := newTestRegistry(t, base)

	r.Start("c1", "report", 25*time.Minute, nil)
	if _, err := windows.Create("c1", rest.KindRest, base.Add(40*time.Minute), base.Add(2*time.Hour), "", ""); err != nil {
		t.Fatalf("create rest window: %v", err)
	}

	// Consume at 09:25: naive next fire 09:50 is inside [09:40, 11:00).
	*clock = base.Add(25 * time.Minute)
	e, err := r.Consume("c1", "report")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if want := base.Add(2 * time.Hour); !e.NextFireAt.Equal(want) {
		t.Errorf("next fire = %v, want %v", e.NextFireAt, want)
	}
	if e.LastConsumedAt == nil || !e.LastConsumedAt.Equal(*clock) {
		t.Errorf("last consumed = %v, want %v", e.LastConsumedAt, *clock)
	}

	if _, err := r.Consume("c1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("consume missing: err = %v, want ErrNotFound", err)
	}
}

func TestBoundNextFire(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r, _, _ := newTestRegistry(t, base)

	e, _ := r.Start("c1", "report", 60*time.Minute, nil)
	ceiling := base.Add(30 * time.Minute)
	r.BoundNextFire("c1", "report", ceiling)
	bounded, _ := r.Get("c1", "report")
	if !bounded.NextFireAt.Equal(ceiling) {
		t.Errorf("bounded next fire = %v, want %v", bounded.NextFireAt, ceiling)
	}
	if bounded.Generation != e.Generation+1 {
		t.Errorf("bound did not bump generation: %d", bounded.Generation)
	}

	// A ceiling after the fire leaves the entry alone.
	r.BoundNextFire("c1", "report", base.Add(3*time.Hour))
	same, _ := r.Get("c1", "report")
	if !same.NextFireAt.Equal(ceiling) || same.Generation != bounded.Generation {
		t.Error("later ceiling mutated the entry")
	}
}

func TestListDueOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r, _, clock := newTestRegistry(t, base)

	r.Start("c1", "later", 30*time.Minute, nil)
	r.Start("c1", "sooner", 10*time.Minute, nil)
	r.Start("c2", "also-sooner", 10*time.Minute, nil)

	if got := r.ListDue(base.Add(5 * time.Minute)); len(got) != 0 {
		t.Errorf("due before any deadline = %d entries", len(got))
	}

	*clock = base.Add(30 * time.Minute)
	due := r.ListDue(*clock)
	if len(due) != 3 {
		t.Fatalf("due entries = %d, want 3", len(due))
	}
	// Same fire time orders by creation; "sooner" was started before
	// "also-sooner".
	if due[0].SubjectID != "sooner" || due[1].SubjectID != "also-sooner" || due[2].SubjectID != "later" {
		t.Errorf("due order = %s, %s, %s", due[0].SubjectID, due[1].SubjectID, due[2].SubjectID)
	}
}

func TestSnapshotRestoreKeepsDeadlines(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r, _, _ := newTestRegistry(t, base)

	r.Start("c1", "report", 25*time.Minute, map[string]string{"window_id": "w1"})
	r.Start("c1", "laundry", 40*time.Minute, nil)
	records := r.SnapshotConversation("c1")
	if len(records) != 2 {
		t.Fatalf("snapshot records = %d, want 2", len(records))
	}

	// Restore an hour later: both deadlines have passed and must surface as
	// immediately due with their persisted fire times intact.
	later := base.Add(time.Hour)
	restored := NewRegistry(nil, WithClock(func() time.Time { return later }))
	restored.RestoreConversation("c1", records)

	report, ok := restored.Get("c1", "report")
	if !ok {
		t.Fatal("report entry missing after restore")
	}
	if want := base.Add(25 * time.Minute); !report.NextFireAt.Equal(want) {
		t.Errorf("restored next fire = %v, want %v", report.NextFireAt, want)
	}
	if report.Metadata["window_id"] != "w1" {
		t.Errorf("metadata lost: %v", report.Metadata)
	}
	if due := restored.ListDue(later); len(due) != 2 {
		t.Errorf("due after restore = %d, want 2", len(due))
	}

	// New entries continue from the restored sequence.
	e, _ := restored.Start("c1", "emails", 25*time.Minute, nil)
	if e.Seq <= records[1].Seq {
		t.Errorf("new seq %d not above restored %d", e.Seq, records[1].Seq)
	}
}
