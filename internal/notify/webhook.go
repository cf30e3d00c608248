package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"freeblock/internal/queue"
	"freeblock/internal/schedule"
)

// Decode reads a reminder carried by a queue message.
func Decode(msg queue.Message) (Reminder, error) {
	if msg.Type != queue.TypeReminder {
		return Reminder{}, fmt.Errorf("notify: unexpected message type %q", msg.Type)
	}
	var r Reminder
	if err := json.Unmarshal(msg.Body, &r); err != nil {
		return Reminder{}, fmt.Errorf("notify: decode reminder: %w", err)
	}
	b, err := schedule.ParseBlock(r.Label)
	if err != nil {
		return Reminder{}, fmt.Errorf("notify: %w", err)
	}
	r.Block = b
	return r, nil
}

// Webhook delivers reminders as JSON POSTs, e.g. to a chat or mail relay.
type Webhook struct {
	URL  string
	HTTP *http.Client
}

// NewWebhook creates a webhook sink.
func NewWebhook(url string) *Webhook {
	return &Webhook{URL: url, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (w *Webhook) Remind(ctx context.Context, r Reminder) error {
	r.Label = r.Block.String()
	body, err := json.Marshal(map[string]any{
		"email":   r.Email,
		"name":    r.Name,
		"block":   r.Label,
		"due":     r.Due,
		"message": fmt.Sprintf("Free block %s ends at %s. Don't forget to check in!", r.Label, r.Due.Format("3:04 PM")),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: webhook status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
