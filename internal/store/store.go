package store

import "time"

// Snapshot is the full persisted engine state: one record per conversation.
// Mutating commands rewrite the whole snapshot; Load is called once at startup.
type Snapshot map[string]ConversationRecord

// ConversationRecord is the durable state for a single conversation.
type ConversationRecord struct {
	Trackers    []TrackerRecord    `json:"trackers,omitempty"`
	Windows     []WindowRecord     `json:"windows,omitempty"`
	Proactivity *ProactivityRecord `json:"proactivity,omitempty"`
}

// TrackerRecord is the persisted form of a reminder tracker entry.
type TrackerRecord struct {
	ID              string            `json:"id"`
	ConversationID  string            `json:"conversation_id"`
	SubjectID       string            `json:"subject_id"`
	IntervalSeconds int64             `json:"interval_seconds"`
	NextFireAt      time.Time         `json:"next_fire_at"`
	RestResumeAt    *time.Time        `json:"rest_resume_at,omitempty"`
	Generation      uint64            `json:"generation"`
	Seq             uint64            `json:"seq"`
	CreatedAt       time.Time         `json:"created_at"`
	LastConsumedAt  *time.Time        `json:"last_consumed_at,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// WindowRecord is the persisted form of a rest or focus window.
type WindowRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Kind           string    `json:"kind"`
	StartAt        time.Time `json:"start_at"`
	EndAt          time.Time `json:"end_at"`
	SubjectID      string    `json:"subject_id,omitempty"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// StateRecord holds one tracked state kind (action or mental) for a conversation.
type StateRecord struct {
	Value      string     `json:"value"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
	PromptedAt *time.Time `json:"prompted_at,omitempty"`
}

// ProactivityRecord is the persisted attention-monitor state for a conversation.
type ProactivityRecord struct {
	States          map[string]StateRecord `json:"states,omitempty"`
	Phase           string                 `json:"phase,omitempty"`
	LastPromptAt    *time.Time             `json:"last_prompt_at,omitempty"`
	LastQuestionAt  *time.Time             `json:"last_question_at,omitempty"`
	PendingQuestion bool                   `json:"pending_question,omitempty"`
}

// Store is the durable snapshot backend. Save must be all-or-nothing: a crash
// mid-write leaves the previous snapshot readable. Load tolerates a missing or
// corrupt snapshot by returning empty state.
type Store interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
	Close() error
}

// Clone returns a deep copy of the snapshot so callers can hand it to a Store
// without racing later mutations.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for conv, rec := range s {
		out[conv] = rec.clone()
	}
	return out
}

func (r ConversationRecord) clone() ConversationRecord {
	out := ConversationRecord{}
	if len(r.Trackers) > 0 {
		out.Trackers = make([]TrackerRecord, len(r.Trackers))
		copy(out.Trackers, r.Trackers)
		for i := range out.Trackers {
			if len(r.Trackers[i].Metadata) > 0 {
				meta := make(map[string]string, len(r.Trackers[i].Metadata))
				for k, v := range r.Trackers[i].Metadata {
					meta[k] = v
				}
				out.Trackers[i].Metadata = meta
			}
		}
	}
	if len(r.Windows) > 0 {
		out.Windows = make([]WindowRecord, len(r.Windows))
		copy(out.Windows, r.Windows)
	}
	if r.Proactivity != nil {
		p := *r.Proactivity
		if len(r.Proactivity.States) > 0 {
			p.States = make(map[string]StateRecord, len(r.Proactivity.States))
			for k, v := range r.Proactivity.States {
				p.States[k] = v
			}
		}
		out.Proactivity = &p
	}
	return out
}
