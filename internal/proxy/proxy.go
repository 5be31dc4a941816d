package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TypeMTProto is the type tag for Telegram MTProto proxies.
const TypeMTProto = "mtproto"

// Proxy is a single shared proxy server credential.
type Proxy struct {
	Type      string
	Host      string
	Port      int
	Secret    string
	Timestamp time.Time
}

// Identity is the deduplication key of a Proxy.
type Identity struct {
	Host   string
	Port   int
	Secret string
}

// Identity returns the (host, port, secret) key of p.
func (p Proxy) Identity() Identity {
	return Identity{Host: p.Host, Port: p.Port, Secret: p.Secret}
}

// Endpoint returns the host:port of p.
func (p Proxy) Endpoint() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Link returns the t.me deep link that imports p into a Telegram client.
func (p Proxy) Link() string {
	return fmt.Sprintf("https://t.me/proxy?server=%s&port=%d&secret=%s", p.Host, p.Port, p.Secret)
}

// Validate reports whether p carries every field needed to use it.
func (p Proxy) Validate() error {
	if p.Host == "" {
		return errors.New("missing host")
	}
	if p.Port <= 0 || p.Port > math.MaxUint16 {
		return fmt.Errorf("invalid port %d", p.Port)
	}
	if p.Secret == "" {
		return errors.New("missing secret")
	}
	return nil
}

// Stamped returns a copy of p discovered at t.
func (p Proxy) Stamped(t time.Time) Proxy {
	p.Timestamp = t
	return p
}

// FromLink parses a https://t.me/proxy?... or tg://proxy?... link. Query
// values are percent-decoded but a literal '+' is kept, since secrets are
// often standard base64.
func FromLink(raw string) (Proxy, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Proxy{}, fmt.Errorf("parse proxy link: %w", err)
	}

	q, err := linkParams(u.RawQuery)
	if err != nil {
		return Proxy{}, fmt.Errorf("parse proxy link query: %w", err)
	}
	port, err := strconv.Atoi(q["port"])
	if err != nil {
		return Proxy{}, fmt.Errorf("parse proxy link port: %w", err)
	}

	p := Proxy{
		Type:   TypeMTProto,
		Host:   q["server"],
		Port:   port,
		Secret: q["secret"],
	}
	if err := p.Validate(); err != nil {
		return Proxy{}, fmt.Errorf("proxy link %q: %w", raw, err)
	}
	return p, nil
}

// linkParams splits a query string keeping the first value of each key.
// Unlike url.ParseQuery it decodes with PathUnescape, which leaves '+' alone.
func linkParams(rawQuery string) (map[string]string, error) {
	params := make(map[string]string, 3)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		val, err := url.PathUnescape(v)
		if err != nil {
			return nil, err
		}
		if _, ok := params[k]; !ok {
			params[k] = val
		}
	}
	return params, nil
}

// wireProxy is the snapshot representation. Timestamps are unix seconds so
// snapshots stay readable by tools that write float epoch times.
type wireProxy struct {
	Type      string   `json:"type,omitempty"`
	Host      string   `json:"host"`
	Port      flexPort `json:"port"`
	Secret    string   `json:"secret"`
	Timestamp float64  `json:"timestamp,omitempty"`
}

func (p Proxy) MarshalJSON() ([]byte, error) {
	w := wireProxy{
		Type:   p.Type,
		Host:   p.Host,
		Port:   flexPort(p.Port),
		Secret: p.Secret,
	}
	if !p.Timestamp.IsZero() {
		w.Timestamp = float64(p.Timestamp.UnixNano()) / float64(time.Second)
	}
	return json.Marshal(w)
}

func (p *Proxy) UnmarshalJSON(b []byte) error {
	var w wireProxy
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	*p = Proxy{
		Type:   w.Type,
		Host:   w.Host,
		Port:   int(w.Port),
		Secret: w.Secret,
	}
	if w.Timestamp > 0 {
		sec, frac := math.Modf(w.Timestamp)
		p.Timestamp = time.Unix(int64(sec), int64(frac*float64(time.Second)))
	}
	return nil
}

// flexPort accepts a port written either as a JSON number or a string.
type flexPort int

func (f *flexPort) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port %s: %w", b, err)
	}
	*f = flexPort(n)
	return nil
}
