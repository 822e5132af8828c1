// Package telegram implements the MessageChannel port with the Telegram Bot
// API. Digest markdown is rendered to Telegram's HTML subset.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.MessageChannel = (*Channel)(nil)

// Channel sends digests through a bot. The bot is created on first use so
// startup never depends on Telegram being reachable.
type Channel struct {
	token    string
	endpoint string
	client   *http.Client

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewChannel creates a Channel. endpoint is a bot API format string such as
// tgbotapi.APIEndpoint; empty uses the public API.
func NewChannel(token, endpoint string, client *http.Client) *Channel {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Channel{token: token, endpoint: endpoint, client: client}
}

// Send renders text and sends it to destination, a numeric chat ID or an
// @channel username, split into as many messages as needed. The ack lists
// the sent message IDs.
//
// Telegram calls do not take a context; ctx is checked between messages.
func (c *Channel) Send(ctx context.Context, destination, text string) (string, error) {
	bot, err := c.botAPI()
	if err != nil {
		return "", err
	}

	parts := RenderMessages(text, MaxMessageLength)
	if len(parts) == 0 {
		return "", &driven.DeliveryError{Permanent: true, Err: errors.New("empty message")}
	}

	ids := make([]string, 0, len(parts))
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return strings.Join(ids, ","), &driven.DeliveryError{Err: err}
		}

		msg, err := newMessage(destination, part)
		if err != nil {
			return "", err
		}

		sent, err := bot.Send(msg)
		if err != nil {
			slog.Warn("telegram send failed", "destination", destination, "part", i+1, "parts", len(parts), "error", err)
			return strings.Join(ids, ","), classify(err)
		}
		ids = append(ids, strconv.Itoa(sent.MessageID))
	}

	slog.Debug("telegram message sent", "destination", destination, "parts", len(parts))
	return strings.Join(ids, ","), nil
}

func (c *Channel) botAPI() (*tgbotapi.BotAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bot != nil {
		return c.bot, nil
	}
	if c.token == "" {
		return nil, &driven.DeliveryError{Permanent: true, Err: errors.New("telegram bot token not configured")}
	}

	bot, err := tgbotapi.NewBotAPIWithClient(c.token, c.endpoint, c.client)
	if err != nil {
		return nil, classify(fmt.Errorf("connecting telegram bot: %w", err))
	}
	slog.Info("telegram bot connected", "username", bot.Self.UserName)
	c.bot = bot
	return bot, nil
}

func newMessage(destination, html string) (tgbotapi.MessageConfig, error) {
	var msg tgbotapi.MessageConfig
	if strings.HasPrefix(destination, "@") {
		msg = tgbotapi.NewMessageToChannel(destination, html)
	} else {
		chatID, err := strconv.ParseInt(destination, 10, 64)
		if err != nil {
			return msg, &driven.DeliveryError{Permanent: true, Err: fmt.Errorf("invalid chat id %q", destination)}
		}
		msg = tgbotapi.NewMessage(chatID, html)
	}
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	return msg, nil
}

// classify maps Bot API errors to delivery errors. Client errors (unknown
// chat, blocked bot, bad token, bad markup) are permanent; flood control and
// network failures are transient.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return &driven.DeliveryError{Err: err}
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return &driven.DeliveryError{
			RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second,
			Err:        err,
		}
	case apiErr.Code >= 400 && apiErr.Code < 500:
		return &driven.DeliveryError{Permanent: true, Err: err}
	default:
		return &driven.DeliveryError{Err: err}
	}
}
