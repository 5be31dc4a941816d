package dialer

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Scheme names an upstream kind.
type Scheme string

const (
	Direct Scheme = "direct"
	HTTP   Scheme = "http"
	HTTPS  Scheme = "https"
	SOCKS5 Scheme = "socks5"
)

func (s Scheme) defaultPort() string {
	switch s {
	case HTTP:
		return "80"
	case HTTPS:
		return "443"
	case SOCKS5:
		return "1080"
	default:
		return ""
	}
}

// Upstream is a parsed upstream proxy reference.
type Upstream struct {
	Scheme Scheme
	// Addr is the proxy's host:port. It is empty for Direct.
	Addr     string
	Username string
	Password string
}

// ParseUpstream parses one of
//
//	direct://
//	http://[user:pass@]host[:port]
//	https://[user:pass@]host[:port]
//	socks5://[user:pass@]host[:port]
//
// filling in the scheme's default port when none is given.
func ParseUpstream(raw string) (Upstream, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Upstream{}, fmt.Errorf("invalid upstream: %w", err)
	}
	if u.Path != "" && u.Path != "/" {
		return Upstream{}, errors.New("invalid upstream: path should be empty")
	}

	up := Upstream{Scheme: Scheme(strings.ToLower(u.Scheme))}
	switch up.Scheme {
	case "":
		return Upstream{}, errors.New("invalid upstream: missing scheme")
	case Direct:
		return up, nil
	case HTTP, HTTPS, SOCKS5:
	default:
		return Upstream{}, fmt.Errorf("invalid upstream scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Upstream{}, errors.New("invalid upstream: missing host")
	}
	port := u.Port()
	if port == "" {
		port = up.Scheme.defaultPort()
	}
	up.Addr = net.JoinHostPort(host, port)

	if u.User != nil {
		up.Username = u.User.Username()
		up.Password, _ = u.User.Password()
	}
	return up, nil
}

// String renders u as a URL with the password masked.
func (u Upstream) String() string {
	if u.Scheme == Direct {
		return "direct://"
	}
	ref := url.URL{Scheme: string(u.Scheme), Host: u.Addr}
	switch {
	case u.Password != "":
		ref.User = url.UserPassword(u.Username, "xxxxx")
	case u.Username != "":
		ref.User = url.User(u.Username)
	}
	return ref.String()
}

// Dialer returns a Dialer that reaches destinations through u.
func (u Upstream) Dialer(cfg Config) Dialer {
	switch u.Scheme {
	case HTTP, HTTPS:
		return NewHTTPProxyDialer(cfg, u)
	case SOCKS5:
		return NewSOCKS5ProxyDialer(cfg, u)
	default:
		return NewDirectDialer(cfg)
	}
}
