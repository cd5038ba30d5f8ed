// Package alert delivers operator notifications for persistence trouble and
// ingestion anomalies.
package alert

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Sink sends a message to an operator channel.
type Sink interface {
	Send(msg string) error
}

// Nop discards every message. Used when alerting is not configured.
type Nop struct{}

func (Nop) Send(string) error { return nil }

// Telegram posts messages through the Bot API. Identical messages within the
// suppression window are dropped so a flapping backend does not flood the
// chat.
type Telegram struct {
	Token  string
	ChatID string

	client     *http.Client
	suppressBy time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		Token:      token,
		ChatID:     chatID,
		client:     &http.Client{Timeout: 10 * time.Second},
		suppressBy: time.Minute,
		lastSent:   make(map[string]time.Time),
	}
}

func (t *Telegram) Send(message string) error {
	t.mu.Lock()
	if last, ok := t.lastSent[message]; ok && time.Since(last) < t.suppressBy {
		t.mu.Unlock()
		return nil
	}
	t.lastSent[message] = time.Now()
	t.mu.Unlock()

	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.Token)
	resp, err := t.client.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

// SendWithRetry retries transient failures a few times before giving up.
func (t *Telegram) SendWithRetry(message string) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = t.Send(message); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * time.Second)
	}
	return err
}
