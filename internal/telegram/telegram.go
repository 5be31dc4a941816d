// Package telegram connects proxyfeed to the Telegram Bot API: it posts
// batches to a channel, checks sponsor-channel membership and answers the
// interactive bot's commands and buttons.
package telegram

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/die-net/proxyfeed/internal/fault"
)

// API is the subset of *tgbotapi.BotAPI used here.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

var _ API = (*tgbotapi.BotAPI)(nil)

// NewAPI authenticates token against the Bot API using client for transport.
func NewAPI(token string, client tgbotapi.HTTPClient) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fault.NewTransient("telegram login", err)
	}
	return bot, nil
}

// Distributor posts HTML messages to a channel ("@name") or chat id.
type Distributor struct {
	api    API
	logger log.Logger
}

func NewDistributor(api API, logger log.Logger) *Distributor {
	return &Distributor{
		api:    api,
		logger: log.With(logger, "component", "telegram"),
	}
}

func (d *Distributor) Distribute(ctx context.Context, dest, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := d.api.Send(newHTMLMessage(dest, text)); err != nil {
		return fault.NewDelivery("send to "+dest, err)
	}
	level.Debug(d.logger).Log("msg", "message sent", "dest", dest)
	return nil
}

func newHTMLMessage(dest, text string) tgbotapi.MessageConfig {
	var msg tgbotapi.MessageConfig
	if id, err := strconv.ParseInt(dest, 10, 64); err == nil {
		msg = tgbotapi.NewMessage(id, text)
	} else {
		msg = tgbotapi.NewMessageToChannel(ChannelUsername(dest), text)
	}
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	return msg
}

// ChannelUsername returns ref as "@name", accepting "name", "@name" or a
// t.me URL.
func ChannelUsername(ref string) string {
	ref = strings.TrimSpace(ref)
	for _, prefix := range []string{"https://", "http://", "t.me/", "@"} {
		ref = strings.TrimPrefix(ref, prefix)
	}
	ref = strings.Trim(ref, "/")
	if ref == "" {
		return ""
	}
	return "@" + ref
}
