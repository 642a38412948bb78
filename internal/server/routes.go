package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/rest"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/tracker"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type trackerJSON struct {
	ID              string            `json:"id"`
	SubjectID       string            `json:"subject_id"`
	IntervalMinutes int               `json:"interval_minutes"`
	NextFireAt      time.Time         `json:"next_fire_at"`
	RestResumeAt    *time.Time        `json:"rest_resume_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastConsumedAt  *time.Time        `json:"last_consumed_at,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func toTrackerJSON(e tracker.Entry) trackerJSON {
	return trackerJSON{
		ID:              e.ID,
		SubjectID:       e.SubjectID,
		IntervalMinutes: int(e.Interval / time.Minute),
		NextFireAt:      e.NextFireAt,
		RestResumeAt:    e.RestResumeAt,
		CreatedAt:       e.CreatedAt,
		LastConsumedAt:  e.LastConsumedAt,
		Metadata:        e.Metadata,
	}
}

type windowJSON struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	StartAt   time.Time `json:"start_at"`
	EndAt     time.Time `json:"end_at"`
	SubjectID string    `json:"subject_id,omitempty"`
	Note      string    `json:"note,omitempty"`
}

func toWindowJSON(w rest.Window) windowJSON {
	return windowJSON{
		ID:        w.ID,
		Kind:      string(w.Kind),
		StartAt:   w.StartAt,
		EndAt:     w.EndAt,
		SubjectID: w.SubjectID,
		Note:      w.Note,
	}
}

func (s *Server) handleListTrackers(w http.ResponseWriter, r *http.Request) {
	conversation := chi.URLParam(r, "conversationID")
	entries := s.engine.ListTrackings(conversation)
	out := make([]trackerJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, toTrackerJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"trackers": out})
}

func (s *Server) handleStartTracker(w http.ResponseWriter, r *http.Request) {
	conversation := chi.URLParam(r, "conversationID")

	var req struct {
		Subject         string            `json:"subject"`
		IntervalMinutes int               `json:"interval_minutes"`
		Metadata        map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Subject == "" {
		writeError(w, http.StatusBadRequest, "subject required")
		return
	}

	entry, err := s.engine.StartTracking(conversation, req.Subject, req.IntervalMinutes, req.Metadata)
	if err != nil {
		if errors.Is(err, tracker.ErrIntervalTooShort) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toTrackerJSON(entry))
}

func (s *Server) handleStopTracker(w http.ResponseWriter, r *http.Request) {
	conversation := chi.URLParam(r, "conversationID")
	selector := chi.URLParam(r, "selector")

	if !s.engine.StopTracking(conversation, selector) {
		writeError(w, http.StatusNotFound, "tracker not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleListWindows(w http.ResponseWriter, r *http.Request) {
	conversation := chi.URLParam(r, "conversationID")
	windows := s.engine.ListWindows(conversation)
	out := make([]windowJSON, 0, len(windows))
	for _, win := range windows {
		out = append(out, toWindowJSON(win))
	}
	writeJSON(w, http.StatusOK, map[string]any{"windows": out})
}

func (s *Server) handleCreateWindow(w http.ResponseWriter, r *http.Request) {
	conversation := chi.URLParam(r, "conversationID")

	var req struct {
		Kind    string    `json:"kind"`
		StartAt time.Time `json:"start_at"`
		EndAt   time.Time `json:"end_at"`
		Subject string    `json:"subject"`
		Note    string    `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	win, err := s.engine.CreateWindow(conversation, rest.Kind(req.Kind), req.StartAt, req.EndAt, req.Subject, req.Note)
	if err != nil {
		switch {
		case errors.Is(err, rest.ErrInvalidRange), errors.Is(err, rest.ErrInvalidKind):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, rest.ErrWindowOverlap):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, toWindowJSON(win))
}

func (s *Server) handleCancelWindow(w http.ResponseWriter, r *http.Request) {
	conversation := chi.URLParam(r, "conversationID")
	windowID := chi.URLParam(r, "windowID")

	if !s.engine.CancelWindow(conversation, windowID) {
		writeError(w, http.StatusNotFound, "window not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	conversation := chi.URLParam(r, "conversationID")

	var req struct {
		Kind  string `json:"kind"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := s.engine.UpdateState(conversation, req.Kind, req.Value); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleRecordMessage(w http.ResponseWriter, r *http.Request) {
	conversation := chi.URLParam(r, "conversationID")

	var req struct {
		Role string `json:"role"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	switch req.Role {
	case "user":
		s.engine.RecordUserMessage(conversation)
	case "agent":
		s.engine.RecordAgentMessage(conversation, req.Text)
	default:
		writeError(w, http.StatusBadRequest, "role must be user or agent")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	conversation := chi.URLParam(r, "conversationID")
	view := s.engine.DescribeNext(conversation)

	states := map[string]any{}
	for kind, sv := range view.State.States {
		states[kind] = map[string]any{
			"value":      sv.Value,
			"updated_at": sv.UpdatedAt,
			"stale_at":   sv.StaleAt,
		}
	}
	resp := map[string]any{
		"phase":            string(view.State.Phase),
		"states":           states,
		"pending_question": view.State.PendingQuestion,
		"next_follow_up":   view.State.NextFollowUpAt,
		"rest": map[string]any{
			"active":  view.RestActive,
			"ends_at": view.RestEndsAt,
		},
		"next_boundary": view.NextBoundAt,
	}
	if view.NextWindow != nil {
		resp["next_window"] = toWindowJSON(*view.NextWindow)
	}
	trackers := make([]trackerJSON, 0, len(view.Trackers))
	for _, e := range view.Trackers {
		trackers = append(trackers, toTrackerJSON(e))
	}
	resp["trackers"] = trackers

	writeJSON(w, http.StatusOK, resp)
}
