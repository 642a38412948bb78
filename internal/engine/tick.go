package engine

import (
	"context"
	"log"
	"time"

	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/delivery"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/proactivity"
)

// StartTicker runs one tick immediately and then on every tick interval until
// Stop is called.
func (e *Engine) StartTicker() {
	go func() {
		e.Tick(context.Background(), e.now())
		ticker := time.NewTicker(e.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.Tick(context.Background(), e.now())
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop shuts down the background ticking loop.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Tick collects due reminders and attention events under the lock, then
// delivers them outside it so slow sends never block unrelated commands.
// A reminder is consumed (rescheduled) only after successful delivery, and
// only if the entry's generation still matches the collected fire; a stop or
// replace that raced the delivery discards the fire. Returns the events that
// were delivered.
func (e *Engine) Tick(ctx context.Context, now time.Time) []delivery.Event {
	now = now.UTC()

	e.mu.Lock()
	dues := e.trackers.ListDue(now)
	attention, changed := e.monitor.Evaluate(now)
	if changed {
		// Prompt bookkeeping or a silent phase transition changed.
		e.persistLocked()
	}
	e.mu.Unlock()

	var delivered []delivery.Event

	for _, ev := range attention {
		out := delivery.Event{Conversation: ev.Conversation, Reason: ev.Reason}
		switch ev.Type {
		case proactivity.EventPrompt:
			out.Type = delivery.EventAttentionPrompt
		case proactivity.EventFollowUp:
			out.Type = delivery.EventFollowUp
		default:
			continue
		}
		if err := e.send(ctx, out); err != nil {
			log.Printf("engine: deliver %s to %s: %v", out.Type, out.Conversation, err)
			continue
		}
		delivered = append(delivered, out)
	}

	for _, due := range dues {
		e.mu.Lock()
		cur, ok := e.trackers.Get(due.ConversationID, due.SubjectID)
		if !ok || cur.Generation != due.Generation {
			// Stopped or rescheduled since collection; discard the fire.
			e.mu.Unlock()
			continue
		}
		// A fire can slip past a rest window start: a failed send retried on a
		// later tick, or a restart that made an old deadline immediately due.
		// Delivery mid-rest is never allowed; reschedule to the window end.
		if w, resting := e.windows.WithinRest(due.ConversationID, now); resting {
			if _, err := e.trackers.DeferUntil(due.ConversationID, due.SubjectID, w.EndAt); err == nil {
				e.persistLocked()
			}
			e.mu.Unlock()
			continue
		}
		e.mu.Unlock()

		entry := due
		out := delivery.Event{
			Type:         delivery.EventReminderDue,
			Conversation: due.ConversationID,
			Subject:      due.SubjectID,
			Entry:        &entry,
		}
		if err := e.send(ctx, out); err != nil {
			// Scheduling state stays untouched so the next tick retries.
			log.Printf("engine: deliver reminder %s/%s: %v", due.ConversationID, due.SubjectID, err)
			continue
		}

		e.mu.Lock()
		if cur, ok := e.trackers.Get(due.ConversationID, due.SubjectID); ok && cur.Generation == due.Generation {
			if _, err := e.trackers.Consume(due.ConversationID, due.SubjectID); err == nil {
				e.persistLocked()
			}
		}
		e.mu.Unlock()
		delivered = append(delivered, out)
	}
	return delivered
}

func (e *Engine) send(ctx context.Context, ev delivery.Event) error {
	if e.sender == nil {
		return nil
	}
	return e.sender.Send(ctx, ev)
}
