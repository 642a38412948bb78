package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// Telegram sends events as Telegram Bot API messages. The conversation id is
// the chat id.
type Telegram struct {
	token   string
	baseURL string
	client  *http.Client
}

// NewTelegram creates a Telegram sender. baseURL overrides the Bot API host
// for testing; empty selects the real API.
func NewTelegram(token, baseURL string) *Telegram {
	if baseURL == "" {
		baseURL = telegramAPI
	}
	return &Telegram{
		token:   token,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Send posts a sendMessage call for the event.
func (t *Telegram) Send(ctx context.Context, ev Event) error {
	reqBody := map[string]any{
		"chat_id": ev.Conversation,
		"text":    renderText(ev),
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("telegram api status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func renderText(ev Event) string {
	switch ev.Type {
	case EventReminderDue:
		name := ev.Subject
		if ev.Entry != nil {
			if n, ok := ev.Entry.Metadata["name"]; ok && n != "" {
				name = n
			}
		}
		return fmt.Sprintf("⏰ Time's up. Please report progress on [%s] and name the next step.", name)
	case EventAttentionPrompt:
		return fmt.Sprintf("It's been a while — what's your current %s?", ev.Reason)
	case EventFollowUp:
		return "Still waiting on your last answer — any update?"
	default:
		return string(ev.Type)
	}
}
