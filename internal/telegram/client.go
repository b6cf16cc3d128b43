// Package telegram connects the service to the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"html"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"confessions/bot/internal/app"
	"confessions/bot/internal/notify"
)

// sender is the part of tgbotapi.BotAPI the client uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Client publishes to the channel and messages participants.
type Client struct {
	api         sender
	bot         *tgbotapi.BotAPI
	channelID   int64
	botUsername string
}

func NewClient(token string, channelID int64) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return &Client{api: bot, bot: bot, channelID: channelID, botUsername: bot.Self.UserName}, nil
}

func newClient(api sender, channelID int64, botUsername string) *Client {
	return &Client{api: api, channelID: channelID, botUsername: botUsername}
}

// BotAPI returns the underlying API, or nil for clients built on a fake sender.
func (c *Client) BotAPI() *tgbotapi.BotAPI {
	return c.bot
}

func (c *Client) BotUsername() string {
	return c.botUsername
}

// Publish posts an approved confession to the channel and returns its
// message id as the publication handle.
func (c *Client) Publish(ctx context.Context, req app.PublishRequest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(c.channelID, channelPost(req))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(c.commentsButton(req.ConfessionID)))

	sent, err := c.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("publish confession %d: %w", req.ConfessionID, err)
	}
	return int64(sent.MessageID), nil
}

// Retract deletes a channel post.
func (c *Client) Retract(ctx context.Context, handle int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.api.Request(tgbotapi.NewDeleteMessage(c.channelID, int(handle))); err != nil {
		return fmt.Errorf("delete channel message %d: %w", handle, err)
	}
	return nil
}

// Deliver sends a notification to a participant's private chat.
func (c *Client) Deliver(ctx context.Context, externalID int64, m notify.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(externalID, m.Text)
	msg.ParseMode = tgbotapi.ModeHTML
	if len(m.Actions) > 0 {
		msg.ReplyMarkup = keyboard(m.Actions)
	}
	if _, err := c.api.Send(msg); err != nil {
		return fmt.Errorf("deliver to %d: %w", externalID, err)
	}
	return nil
}

func (c *Client) send(chatID int64, text string, actions [][]notify.Action) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if len(actions) > 0 {
		msg.ReplyMarkup = keyboard(actions)
	}
	return c.api.Send(msg)
}

func (c *Client) answer(callbackID, text string) error {
	_, err := c.api.Request(tgbotapi.NewCallback(callbackID, text))
	return err
}

func (c *Client) editActions(chatID int64, messageID int, actions [][]notify.Action) error {
	markup := tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}}
	if len(actions) > 0 {
		markup = keyboard(actions)
	}
	_, err := c.api.Request(tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, markup))
	return err
}

func (c *Client) commentsButton(confessionID int64) tgbotapi.InlineKeyboardButton {
	label := "💬 View / Add Comments"
	if c.botUsername == "" {
		return tgbotapi.NewInlineKeyboardButtonData(label, "view_comments_"+strconv.FormatInt(confessionID, 10))
	}
	return tgbotapi.NewInlineKeyboardButtonURL(label, fmt.Sprintf("https://t.me/%s?start=comments_%d", c.botUsername, confessionID))
}

func channelPost(req app.PublishRequest) string {
	text := fmt.Sprintf("<b>Confession #%d</b>\n\n%s", req.ConfessionID, html.EscapeString(req.Text))
	if req.AuthorLabel != "" {
		text += "\n\n<i>by " + html.EscapeString(req.AuthorLabel) + "</i>"
	}
	return text
}

func keyboard(actions [][]notify.Action) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(actions))
	for _, row := range actions {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, a := range row {
			if a.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(a.Label, a.URL))
				continue
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(a.Label, a.Data))
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
