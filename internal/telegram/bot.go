package telegram

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/die-net/proxyfeed/internal/message"
	"github.com/die-net/proxyfeed/internal/proxy"
)

// Callback data of the inline buttons.
const (
	CheckMembership = "check_membership"
	GetProxy        = "get_proxy"
)

const (
	textJoin        = "Hi! 👋\n\nTo use this bot, please join our channel first. 🌟\n\nAfter joining, tap \"Check membership\". ✅"
	textWelcome     = "Hi! 🎉\n\nThe bot is now active for you. ✨\n\nTap the button below to get proxies:"
	textStillOut    = "You are not a member of our channel yet. 😕\n\nPlease join the channel, then tap \"Check membership\" again. 🔄"
	textConfirmed   = "Congratulations! 🎊\n\nYour membership is confirmed and the bot is active for you. ✅\n\nTap the button below to get proxies:"
	textLeft        = "It looks like you left our channel. 😢\n\nPlease join again to keep using the bot. 🔄"
	textNoProxies   = "Sorry, no proxies are available right now. Please try again later. 😔"
	textCheckFailed = "Membership could not be checked right now. Please try again in a moment."
)

// UserRelay hands out proxy batches to individual users.
type UserRelay interface {
	GetForUser(ctx context.Context, userID string, count int) (proxy.Batch, error)
}

type BotConfig struct {
	// UserCount is the size of a batch handed to a user.
	UserCount int
	// Format controls how batches are rendered.
	Format message.Options
	// UpdateTimeout is the long-poll timeout in seconds.
	UpdateTimeout int
}

// Bot serves /start and the membership and proxy buttons. Every update is
// handled in its own goroutine.
type Bot struct {
	api        API
	relay      UserRelay
	membership *Membership
	cfg        BotConfig
	logger     log.Logger
}

func NewBot(api API, relay UserRelay, membership *Membership, cfg BotConfig, logger log.Logger) *Bot {
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = 60
	}
	return &Bot{
		api:        api,
		relay:      relay,
		membership: membership,
		cfg:        cfg,
		logger:     log.With(logger, "component", "bot"),
	}
}

// Run polls for updates until ctx is done, then waits for in-flight
// handlers.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.UpdateTimeout
	updates := b.api.GetUpdatesChan(u)

	stop := context.AfterFunc(ctx, b.api.StopReceivingUpdates)
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	level.Info(b.logger).Log("msg", "bot started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.Handle(ctx, update)
			}()
		}
	}
}

// Handle serves a single update.
func (b *Bot) Handle(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.IsCommand() && update.Message.Command() == "start":
		b.handleStart(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}

	reply := tgbotapi.NewMessage(msg.Chat.ID, textWelcome)
	reply.ReplyMarkup = b.getProxyKeyboard()

	member, err := b.membership.IsMember(ctx, msg.From.ID)
	switch {
	case err != nil:
		level.Warn(b.logger).Log("msg", "membership check failed", "user", msg.From.ID, "err", err)
		reply.Text = textCheckFailed
		reply.ReplyMarkup = b.joinKeyboard()
	case !member:
		reply.Text = textJoin
		reply.ReplyMarkup = b.joinKeyboard()
	}

	b.send(reply)
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		level.Debug(b.logger).Log("msg", "answering callback", "err", err)
	}
	if q.From == nil || q.Message == nil || q.Message.Chat == nil {
		return
	}

	switch q.Data {
	case CheckMembership:
		b.handleCheckMembership(ctx, q)
	case GetProxy:
		b.handleGetProxy(ctx, q)
	default:
		level.Debug(b.logger).Log("msg", "unknown callback", "data", q.Data)
	}
}

func (b *Bot) handleCheckMembership(ctx context.Context, q *tgbotapi.CallbackQuery) {
	member, err := b.membership.IsMember(ctx, q.From.ID)
	switch {
	case err != nil:
		level.Warn(b.logger).Log("msg", "membership check failed", "user", q.From.ID, "err", err)
		b.edit(q, textCheckFailed, b.joinKeyboard())
	case !member:
		b.edit(q, textStillOut, b.joinKeyboard())
	default:
		b.edit(q, textConfirmed, b.getProxyKeyboard())
	}
}

func (b *Bot) handleGetProxy(ctx context.Context, q *tgbotapi.CallbackQuery) {
	member, err := b.membership.Verify(ctx, q.From.ID)
	if err != nil {
		level.Warn(b.logger).Log("msg", "membership check failed", "user", q.From.ID, "err", err)
		b.edit(q, textCheckFailed, b.joinKeyboard())
		return
	}
	if !member {
		b.edit(q, textLeft, b.joinKeyboard())
		return
	}

	chatID := q.Message.Chat.ID
	batch, err := b.relay.GetForUser(ctx, strconv.FormatInt(q.From.ID, 10), b.cfg.UserCount)
	if err != nil {
		level.Warn(b.logger).Log("msg", "selecting proxies for user", "user", q.From.ID, "err", err)
	}
	if len(batch) == 0 {
		b.send(tgbotapi.NewMessage(chatID, textNoProxies))
		return
	}

	text, _ := message.Format(batch, b.cfg.Format)
	b.send(newHTMLMessage(strconv.FormatInt(chatID, 10), text))
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		level.Warn(b.logger).Log("msg", "sending reply", "err", err)
	}
}

func (b *Bot) edit(q *tgbotapi.CallbackQuery, text string, markup tgbotapi.InlineKeyboardMarkup) {
	b.send(tgbotapi.NewEditMessageTextAndMarkup(q.Message.Chat.ID, q.Message.MessageID, text, markup))
}

func (b *Bot) joinKeyboard() tgbotapi.InlineKeyboardMarkup {
	channel := b.membership.Channel()
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Join the channel", "https://t.me/"+strings.TrimPrefix(channel, "@"))),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Check membership", CheckMembership)),
	)
}

func (b *Bot) getProxyKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Get proxies", GetProxy)),
	)
}
