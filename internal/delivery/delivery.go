package delivery

import (
	"context"

	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/tracker"
)

// EventType distinguishes the messages the engine asks a Sender to deliver.
type EventType string

const (
	EventReminderDue     EventType = "reminder_due"
	EventAttentionPrompt EventType = "attention_prompt"
	EventFollowUp        EventType = "follow_up"
)

// Event is one outbound message. Entry is set for reminder events; Reason
// names the stale state kinds for attention prompts.
type Event struct {
	Type         EventType
	Conversation string
	Subject      string
	Entry        *tracker.Entry
	Reason       string
}

// Sender delivers events to the user. The engine calls Send outside its lock
// and treats an error as "not delivered": reminder scheduling stays untouched
// so the next tick retries. Implementations own their own retry policy.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}
