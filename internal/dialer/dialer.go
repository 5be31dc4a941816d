package dialer

import (
	"context"
	"net"
	"time"
)

// Dialer is satisfied by *net.Dialer and by every dialer in this package.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// handshake runs negotiate over a fresh connection to an upstream proxy.
// The exchange is bounded by cfg.NegotiationTimeout, and c is closed if ctx
// ends before it completes. On failure c is closed; on success the
// connection negotiate returned is handed back with its deadline cleared.
func handshake(ctx context.Context, cfg Config, c net.Conn, negotiate func(net.Conn) (net.Conn, error)) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})

	if cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(cfg.NegotiationTimeout))
	}

	tunnel, err := negotiate(c)
	if !stop() && err == nil {
		// ctx ended after a successful handshake and already closed c.
		err = ctx.Err()
	}
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	if cfg.NegotiationTimeout > 0 {
		_ = tunnel.SetDeadline(time.Time{})
	}
	return tunnel, nil
}

func isTCP(network string) bool {
	switch network {
	case "tcp", "tcp4", "tcp6":
		return true
	default:
		return false
	}
}
