// Package dispatch is the operator surface: a Telegram long-poll loop
// that routes messages to read-only handlers and advisory analysis.
// It never enqueues orders.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"perpcore/internal/config"
)

const pollTimeoutSec = 25

// update is one inbound Telegram update
type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// botClient wraps the Telegram Bot API calls the dispatcher needs
type botClient struct {
	token      string
	chatID     string
	offsetFile string
	http       *http.Client
	sendLimit  *rate.Limiter
}

func newBotClient(cfg config.TelegramConfig) *botClient {
	return &botClient{
		token:      string(cfg.BotToken),
		chatID:     cfg.ChatID,
		offsetFile: cfg.OffsetFile,
		// long poll plus headroom
		http:      &http.Client{Timeout: (pollTimeoutSec + 10) * time.Second},
		sendLimit: rate.NewLimiter(rate.Limit(1), 3),
	}
}

// getUpdates blocks up to the poll timeout waiting for messages
func (b *botClient) getUpdates(ctx context.Context, offset int64) ([]update, error) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/getUpdates?timeout=%d&offset=%d",
		b.token, pollTimeoutSec, offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram getUpdates status %d", resp.StatusCode)
	}

	var body struct {
		OK     bool     `json:"ok"`
		Result []update `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if !body.OK {
		return nil, fmt.Errorf("telegram getUpdates not ok")
	}
	return body.Result, nil
}

func (b *botClient) sendMessage(ctx context.Context, text string) error {
	if err := b.sendLimit.Wait(ctx); err != nil {
		return err
	}
	payload := map[string]any{
		"chat_id": b.chatID,
		"text":    text,
	}
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", b.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram sendMessage status %d", resp.StatusCode)
	}
	return nil
}

// loadOffset restores the acknowledged update id across restarts
func (b *botClient) loadOffset() int64 {
	if b.offsetFile == "" {
		return 0
	}
	raw, err := os.ReadFile(b.offsetFile)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (b *botClient) saveOffset(offset int64) error {
	if b.offsetFile == "" {
		return nil
	}
	return os.WriteFile(b.offsetFile, []byte(strconv.FormatInt(offset, 10)), 0o644)
}

func (b *botClient) fromOwnChat(u update) bool {
	if u.Message == nil {
		return false
	}
	return strconv.FormatInt(u.Message.Chat.ID, 10) == b.chatID
}
