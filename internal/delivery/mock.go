package delivery

import (
	"context"
	"sync"
)

// Mock is a test double for the Sender interface. It can also back a dry-run
// mode where no messaging client is configured.
type Mock struct {
	mu     sync.Mutex
	Err    error
	events []Event
}

// Send records the event and returns the configured error.
func (m *Mock) Send(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of everything sent so far.
func (m *Mock) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// SetErr makes subsequent Send calls fail with err.
func (m *Mock) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}
