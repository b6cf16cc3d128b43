package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookHandler accepts updates pushed by Telegram. Requests must carry
// secret in the secret token header when one is configured.
func (h *Handler) WebhookHandler(secret string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(secretHeader)), []byte(secret)) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","error":"Unauthorized"}`))
			return
		}
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"INVALID_BODY","error":"invalid JSON body"}`))
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}

// RegisterWebhook points Telegram at url. The library's webhook config
// predates secret tokens, so the call is made with raw params.
func (c *Client) RegisterWebhook(url, secret string) error {
	if c.bot == nil {
		return fmt.Errorf("register webhook: no bot connection")
	}
	params := tgbotapi.Params{"url": url}
	if secret != "" {
		params["secret_token"] = secret
	}
	if _, err := c.bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}
	return nil
}

// Poll receives updates by long polling until ctx is done. Any webhook is
// removed first because Telegram refuses getUpdates while one is set.
func (h *Handler) Poll(ctx context.Context) error {
	bot := h.client.BotAPI()
	if bot == nil {
		return fmt.Errorf("poll updates: no bot connection")
	}
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		slog.Warn("telegram_delete_webhook_failed", "error", err)
	}

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 60
	updates := bot.GetUpdatesChan(cfg)
	defer bot.StopReceivingUpdates()

	slog.Info("telegram_polling_started", "bot", bot.Self.UserName)
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			h.HandleUpdate(ctx, update)
		}
	}
}
