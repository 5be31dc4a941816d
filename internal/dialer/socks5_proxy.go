package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/txthinking/socks5"
)

// SOCKS5ProxyDialer tunnels TCP connections through a SOCKS5 proxy.
type SOCKS5ProxyDialer struct {
	cfg      Config
	upstream Upstream
	direct   Dialer
}

// NewSOCKS5ProxyDialer returns a CONNECT dialer for u. Username/password
// authentication is offered when u carries a username.
func NewSOCKS5ProxyDialer(cfg Config, u Upstream) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:      cfg,
		upstream: u,
		direct:   NewDirectDialer(cfg),
	}
}

func (d *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !isTCP(network) {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	c, err := d.direct.DialContext(ctx, "tcp", d.upstream.Addr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	tunnel, err := handshake(ctx, d.cfg, c, func(c net.Conn) (net.Conn, error) {
		if err := d.authenticate(c); err != nil {
			return nil, err
		}
		if err := d.connect(c, address); err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy dial %s: %w", address, err)
	}
	return tunnel, nil
}

func (d *SOCKS5ProxyDialer) authenticate(c net.Conn) error {
	methods := []byte{socks5.MethodNone}
	if d.upstream.Username != "" {
		methods = append(methods, socks5.MethodUsernamePassword)
	}

	if _, err := socks5.NewNegotiationRequest(methods).WriteTo(c); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}
	neg, err := socks5.NewNegotiationReplyFrom(c)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch neg.Method {
	case socks5.MethodNone:
		return nil
	case socks5.MethodUsernamePassword:
		if d.upstream.Username == "" {
			return errors.New("proxy requires username/password")
		}
		req := socks5.NewUserPassNegotiationRequest([]byte(d.upstream.Username), []byte(d.upstream.Password))
		if _, err := req.WriteTo(c); err != nil {
			return fmt.Errorf("write credentials: %w", err)
		}
		rep, err := socks5.NewUserPassNegotiationReplyFrom(c)
		if err != nil {
			return fmt.Errorf("read credentials reply: %w", err)
		}
		if rep.Status != socks5.UserPassStatusSuccess {
			return errors.New("proxy rejected credentials")
		}
		return nil
	default:
		return fmt.Errorf("no acceptable authentication method (got %d)", neg.Method)
	}
}

func (d *SOCKS5ProxyDialer) connect(c net.Conn, address string) error {
	atyp, host, port, err := socks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if atyp == socks5.ATYPDomain {
		// ParseAddress length-prefixes domains and NewRequest prefixes them again.
		host = host[1:]
	}

	if _, err := socks5.NewRequest(socks5.CmdConnect, atyp, host, port).WriteTo(c); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	rep, err := socks5.NewReplyFrom(c)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != socks5.RepSuccess {
		return fmt.Errorf("connect refused with reply %d", rep.Rep)
	}
	return nil
}
