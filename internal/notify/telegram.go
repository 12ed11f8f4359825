package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bonzainsights/mragent/internal/httpkit"
	"github.com/bonzainsights/mragent/internal/tools"
)

const telegramAPI = "https://api.telegram.org"

// maxTelegramText is the Bot API message length limit.
const maxTelegramText = 4096

// Telegram sends messages through the Telegram Bot API.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewTelegram returns a Telegram channel posting to chatID.
func NewTelegram(token, chatID string, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: telegramAPI,
		client:  httpkit.NewClient(httpkit.WithTimeout(10 * time.Second)),
		logger:  logger,
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts text to chatID, or to the configured chat when chatID is
// empty.
func (t *Telegram) Send(ctx context.Context, chatID, text string) error {
	if t.token == "" {
		return errors.New("telegram: bot token not set")
	}
	if chatID == "" {
		chatID = t.chatID
	}
	if chatID == "" {
		return errors.New("telegram: no chat id configured")
	}
	if r := []rune(text); len(r) > maxTelegramText {
		text = string(r[:maxTelegramText-1]) + "…"
	}

	payload, err := json.Marshal(map[string]string{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("telegram: encode message: %w", err)
	}

	url := t.baseURL + "/bot" + t.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", redact(err, t.token))
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var tr telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("telegram: HTTP %d: decode response: %w", resp.StatusCode, err)
	}
	if !tr.OK {
		return fmt.Errorf("telegram: HTTP %d: %s", resp.StatusCode, tr.Description)
	}

	t.logger.Debug("telegram message sent", "chat_id", chatID, "chars", len(text))
	return nil
}

// Notify implements Notifier.
func (t *Telegram) Notify(ctx context.Context, title, body string) error {
	return t.Send(ctx, "", Format(title, body))
}

// redact hides the bot token, which net/http errors include in the URL.
func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<redacted>"))
}

// Tool returns the send_telegram tool.
func (t *Telegram) Tool() *tools.Tool {
	return &tools.Tool{
		Name:        "send_telegram",
		Description: "Send a message to a Telegram chat.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "Text message to send",
				},
				"chat_id": map[string]any{
					"type":        "string",
					"description": "Target chat ID (optional, defaults to the configured chat)",
				},
			},
			"required": []string{"message"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			message, _ := args["message"].(string)
			chatID, _ := args["chat_id"].(string)
			if chatID == "" {
				chatID = t.chatID
			}
			if err := t.Send(ctx, chatID, message); err != nil {
				return "", err
			}
			return "Message sent to Telegram chat " + chatID, nil
		},
	}
}
