// Package telegram is the concrete messenger transport. It wraps the Bot
// API SDK behind bot.Transport and feeds incoming updates to the router.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"poweron/internal/bot"
	"poweron/internal/logging"
)

const pollTimeout = 30 // seconds, long-poll hold time upstream

// Client talks to the Bot API for one bot token.
type Client struct {
	api *tgbotapi.BotAPI
}

type options struct {
	endpoint string
	http     *http.Client
}

// Option adjusts a Client.
type Option func(*options)

// WithEndpoint points the client at a different API endpoint format, e.g.
// a local test server. The format takes the token and method name.
func WithEndpoint(e string) Option {
	return func(o *options) { o.endpoint = e }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(o *options) { o.http = h }
}

// NewClient builds a client for the given bot token. The token is
// validated against the API up front.
func NewClient(token string, opts ...Option) (*Client, error) {
	o := options{
		endpoint: tgbotapi.APIEndpoint,
		http:     &http.Client{Timeout: (pollTimeout + 35) * time.Second},
	}
	for _, opt := range opts {
		opt(&o)
	}

	api, err := tgbotapi.NewBotAPIWithClient(token, o.endpoint, o.http)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	logging.Transport("connected as @%s", api.Self.UserName)
	return &Client{api: api}, nil
}

func markupFor(choices [][]bot.Choice) *tgbotapi.InlineKeyboardMarkup {
	if len(choices) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(choices))
	for _, row := range choices {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, ch := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(ch.Label, ch.Data))
		}
		rows = append(rows, buttons)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

// SendText delivers a text message with an optional inline keyboard.
func (c *Client) SendText(userID int64, text string, choices [][]bot.Choice) error {
	msg := tgbotapi.NewMessage(userID, text)
	if markup := markupFor(choices); markup != nil {
		msg.ReplyMarkup = markup
	}
	if _, err := c.api.Send(msg); err != nil {
		return fmt.Errorf("telegram: sendMessage: %w", err)
	}
	return nil
}

// SendImage uploads a PNG with a caption and an optional inline keyboard.
func (c *Client) SendImage(userID int64, image []byte, caption string, choices [][]bot.Choice) error {
	photo := tgbotapi.NewPhoto(userID, tgbotapi.FileBytes{Name: "schedule.png", Bytes: image})
	photo.Caption = caption
	if markup := markupFor(choices); markup != nil {
		photo.ReplyMarkup = markup
	}
	if _, err := c.api.Send(photo); err != nil {
		return fmt.Errorf("telegram: sendPhoto: %w", err)
	}
	return nil
}

// Poll consumes the long-poll update stream until ctx is done, dispatching
// each update to handle in its own goroutine. The SDK retries transient
// API failures on its own; only ctx cancellation ends the loop.
func (c *Client) Poll(ctx context.Context, handle func(bot.Event)) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	u.AllowedUpdates = []string{"message", "callback_query"}

	updates := c.api.GetUpdatesChan(u)
	defer c.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			ev, ack, known := eventFor(upd)
			if !known {
				continue
			}
			go func() {
				if ack != "" {
					if _, err := c.api.Request(tgbotapi.NewCallback(ack, "")); err != nil {
						logging.TransportDebug("callback ack failed: %v", err)
					}
				}
				handle(ev)
			}()
		}
	}
}

// eventFor converts one update into a router event, plus the callback ID
// to acknowledge when the update is a button press.
func eventFor(u tgbotapi.Update) (bot.Event, string, bool) {
	switch {
	case u.CallbackQuery != nil && u.CallbackQuery.From != nil:
		return bot.Event{
			UserID: u.CallbackQuery.From.ID,
			Kind:   bot.KindCallback,
			Data:   u.CallbackQuery.Data,
		}, u.CallbackQuery.ID, true
	case u.Message != nil && u.Message.From != nil && u.Message.Chat != nil:
		return bot.Event{
			UserID: u.Message.Chat.ID,
			Kind:   bot.KindMessage,
			Text:   u.Message.Text,
		}, "", true
	default:
		return bot.Event{}, "", false
	}
}
