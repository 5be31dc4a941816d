package telegram

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/die-net/proxyfeed/internal/fault"
)

const (
	DefaultMembershipTTL = 10 * time.Minute
	membershipCacheSize  = 4096
)

// Membership answers whether a user belongs to the sponsor channel.
// Positive answers are cached for a while; negative ones never are, so a
// user who just joined is let in on the next check.
type Membership struct {
	api     API
	channel string
	members *expirable.LRU[int64, struct{}]
	logger  log.Logger
}

// NewMembership checks against channel. An empty channel disables the gate
// and every user counts as a member.
func NewMembership(api API, channel string, ttl time.Duration, logger log.Logger) *Membership {
	if ttl <= 0 {
		ttl = DefaultMembershipTTL
	}
	return &Membership{
		api:     api,
		channel: ChannelUsername(channel),
		members: expirable.NewLRU[int64, struct{}](membershipCacheSize, nil, ttl),
		logger:  log.With(logger, "component", "telegram"),
	}
}

// Channel returns the gate channel as "@name", or "" when there is none.
func (m *Membership) Channel() string {
	return m.channel
}

// IsMember looks userID up in the sponsor channel. A failed lookup returns
// false together with the error.
func (m *Membership) IsMember(ctx context.Context, userID int64) (bool, error) {
	if m.channel == "" {
		return true, nil
	}
	if _, ok := m.members.Get(userID); ok {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	member, err := m.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			SuperGroupUsername: m.channel,
			UserID:             userID,
		},
	})
	if err != nil {
		return false, fault.NewTransient("get chat member", err)
	}

	ok := isMemberStatus(member)
	level.Debug(m.logger).Log("msg", "membership checked", "user", userID, "status", member.Status, "member", ok)
	if ok {
		m.members.Add(userID, struct{}{})
	}
	return ok, nil
}

// Verify is IsMember without the cached answer. A user who left the channel
// is refused right away instead of once the cache entry expires.
func (m *Membership) Verify(ctx context.Context, userID int64) (bool, error) {
	m.members.Remove(userID)
	return m.IsMember(ctx, userID)
}

func isMemberStatus(member tgbotapi.ChatMember) bool {
	switch member.Status {
	case "creator", "administrator", "member":
		return true
	case "restricted":
		return member.IsMember
	default:
		return false
	}
}
