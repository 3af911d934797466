package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tradegate/internal/config"
)

const defaultTelegramAPI = "https://api.telegram.org"

// Telegram posts messages to one chat through the Bot API.
type Telegram struct {
	BotToken string
	ChatID   string
	Client   *http.Client
	APIBase  string
	// Backoff returns the pause after a failed attempt; attempts start at 1.
	Backoff func(attempt int) time.Duration
}

func NewTelegram(cfg config.TelegramConfig) *Telegram {
	return &Telegram{
		BotToken: strings.TrimSpace(cfg.BotToken),
		ChatID:   strings.TrimSpace(cfg.ChatID),
		Client:   &http.Client{Timeout: 15 * time.Second},
		APIBase:  defaultTelegramAPI,
		Backoff:  func(attempt int) time.Duration { return time.Duration(attempt) * time.Second },
	}
}

// SendText sends a message, retrying up to 3 times.
func (t *Telegram) SendText(text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("telegram config incomplete")
	}
	base := strings.TrimRight(t.APIBase, "/")
	if base == "" {
		base = defaultTelegramAPI
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)

	payload := map[string]any{
		"chat_id": t.ChatID,
		"text":    text,
	}
	body, _ := json.Marshal(payload)

	var lastErr error
	for i := 1; i <= 3; i++ {
		req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.Client.Do(req)
		if err != nil {
			lastErr = err
			t.pause(i)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			return nil
		}
		lastErr = fmt.Errorf("telegram status=%d", resp.StatusCode)
		t.pause(i)
	}
	return lastErr
}

func (t *Telegram) pause(attempt int) {
	if t.Backoff == nil {
		return
	}
	if d := t.Backoff(attempt); d > 0 {
		time.Sleep(d)
	}
}
