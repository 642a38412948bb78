package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sampleSnapshot(t *testing.T) Snapshot {
	t.Helper()
	fire := time.Date(2026, 3, 1, 9, 25, 0, 0, time.UTC)
	resume := fire.Add(35 * time.Minute)
	updated := fire.Add(-25 * time.Minute)
	return Snapshot{
		"tg:1001": {
			Trackers: []TrackerRecord{{
				ID:              "01JK0000000000000000000001",
				ConversationID:  "tg:1001",
				SubjectID:       "report",
				IntervalSeconds: 1500,
				NextFireAt:      fire,
				RestResumeAt:    &resume,
				Generation:      3,
				Seq:             1,
				CreatedAt:       updated,
				Metadata:        map[string]string{"window_id": "w1"},
			}},
			Windows: []WindowRecord{{
				ID:             "01JK0000000000000000000002",
				ConversationID: "tg:1001",
				Kind:           "rest",
				StartAt:        fire.Add(-15 * time.Minute),
				EndAt:          resume,
				CreatedAt:      updated,
			}},
			Proactivity: &ProactivityRecord{
				States: map[string]StateRecord{
					"action": {Value: "working", UpdatedAt: &updated},
					"mental": {Value: "unknown"},
				},
				Phase:           "stale",
				PendingQuestion: true,
				LastQuestionAt:  &updated,
			},
		},
		"tg:1002": {
			Trackers: []TrackerRecord{{
				ID:              "01JK0000000000000000000003",
				ConversationID:  "tg:1002",
				SubjectID:       "laundry",
				IntervalSeconds: 600,
				NextFireAt:      fire,
				Generation:      1,
				Seq:             2,
				CreatedAt:       updated,
			}},
		},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snapshot.json")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	want := sampleSnapshot(t)
	if err := fs.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := fs.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertSnapshotEqual(t, got, want)
}

func TestFileStoreMissingFile(t *testing.T) {
	fs := &FileStore{Path: filepath.Join(t.TempDir(), "absent.json")}
	snap, err := fs.Load()
	if err != nil {
		t.Fatalf("Load missing: %v", err)
	}
	if len(snap) != 0 {
		t.Errorf("missing file produced %d records", len(snap))
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	fs := &FileStore{Path: path}
	snap, err := fs.Load()
	if err != nil {
		t.Fatalf("Load corrupt: %v", err)
	}
	if len(snap) != 0 {
		t.Errorf("corrupt file produced %d records", len(snap))
	}
}

func TestFileStoreSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	fs := &FileStore{Path: filepath.Join(dir, "snapshot.json")}
	if err := fs.Save(sampleSnapshot(t)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".snapshot-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want just the snapshot", len(entries))
	}
}

func TestSnapshotClone(t *testing.T) {
	orig := sampleSnapshot(t)
	clone := orig.Clone()

	clone["tg:1001"].Trackers[0].SubjectID = "changed"
	clone["tg:1001"].Trackers[0].Metadata["window_id"] = "other"
	clone["tg:1001"].Proactivity.Phase = "escalated"

	if orig["tg:1001"].Trackers[0].SubjectID != "report" {
		t.Error("clone shares tracker slice with original")
	}
	if orig["tg:1001"].Trackers[0].Metadata["window_id"] != "w1" {
		t.Error("clone shares metadata map with original")
	}
	if orig["tg:1001"].Proactivity.Phase != "stale" {
		t.Error("clone shares proactivity record with original")
	}
}

func assertSnapshotEqual(t *testing.T, got, want Snapshot) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("snapshot size = %d, want %d", len(got), len(want))
	}
	for conv, w := range want {
		g, ok := got[conv]
		if !ok {
			t.Errorf("conversation %s missing", conv)
			continue
		}
		if len(g.Trackers) != len(w.Trackers) {
			t.Errorf("%s: trackers = %d, want %d", conv, len(g.Trackers), len(w.Trackers))
			continue
		}
		for i := range w.Trackers {
			gt, wt := g.Trackers[i], w.Trackers[i]
			if gt.SubjectID != wt.SubjectID || gt.IntervalSeconds != wt.IntervalSeconds ||
				!gt.NextFireAt.Equal(wt.NextFireAt) || gt.Generation != wt.Generation {
				t.Errorf("%s: tracker %d = %+v, want %+v", conv, i, gt, wt)
			}
		}
		if len(g.Windows) != len(w.Windows) {
			t.Errorf("%s: windows = %d, want %d", conv, len(g.Windows), len(w.Windows))
		}
		if (g.Proactivity == nil) != (w.Proactivity == nil) {
			t.Errorf("%s: proactivity presence mismatch", conv)
		} else if w.Proactivity != nil {
			if g.Proactivity.Phase != w.Proactivity.Phase ||
				g.Proactivity.PendingQuestion != w.Proactivity.PendingQuestion {
				t.Errorf("%s: proactivity = %+v, want %+v", conv, g.Proactivity, w.Proactivity)
			}
			if g.Proactivity.States["action"].Value != w.Proactivity.States["action"].Value {
				t.Errorf("%s: action state mismatch", conv)
			}
		}
	}
}
