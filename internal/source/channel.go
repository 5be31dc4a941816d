package source

import (
	"context"
	"html"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/die-net/proxyfeed/internal/proxy"
)

// DefaultPreviewURL is the public web preview of Telegram channels.
const DefaultPreviewURL = "https://t.me/s/"

var linkPattern = regexp.MustCompile(`(?:(?:https?://)?t\.me|tg:/)/proxy\?server=[^&\s"'<>]+&port=[^&\s"'<>]+&secret=[^&\s"'<>|)]+`)

// ChannelSource scrapes proxy links from the recent posts of a public
// Telegram channel, as shown by its web preview page.
type ChannelSource struct {
	client     *http.Client
	previewURL string
	channel    string
	logger     log.Logger
}

// NewChannelSource accepts the channel as "name", "@name" or a t.me URL.
func NewChannelSource(client *http.Client, channel string, logger log.Logger) *ChannelSource {
	return &ChannelSource{
		client:     client,
		previewURL: DefaultPreviewURL,
		channel:    ChannelName(channel),
		logger:     log.With(logger, "component", "source", "channel", ChannelName(channel)),
	}
}

// ChannelName strips the @ prefix or t.me URL from a channel reference.
func ChannelName(ref string) string {
	ref = strings.TrimSpace(ref)
	for _, prefix := range []string{"https://", "http://", "t.me/s/", "t.me/", "@"} {
		ref = strings.TrimPrefix(ref, prefix)
	}
	return strings.Trim(ref, "/")
}

func (s *ChannelSource) Name() string {
	return "channel:" + s.channel
}

func (s *ChannelSource) Fetch(ctx context.Context) ([]proxy.Proxy, error) {
	body, err := get(ctx, s.client, s.previewURL+s.channel)
	if err != nil {
		return nil, err
	}
	return ExtractLinks(string(body), s.logger), nil
}

// ExtractLinks returns every distinct proxy link found in an HTML or plain
// text document.
func ExtractLinks(doc string, logger log.Logger) []proxy.Proxy {
	text := html.UnescapeString(doc)

	var (
		found []proxy.Proxy
		seen  = make(map[proxy.Identity]struct{})
	)
	for _, m := range linkPattern.FindAllString(text, -1) {
		p, err := proxy.FromLink(m)
		if err != nil {
			level.Debug(logger).Log("msg", "dropping malformed proxy link", "link", m, "err", err)
			continue
		}
		if _, ok := seen[p.Identity()]; ok {
			continue
		}
		seen[p.Identity()] = struct{}{}
		found = append(found, p)
	}
	return found
}
