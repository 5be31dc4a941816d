package dialer

import (
	"net"
	"time"
)

type Config struct {
	// DialTimeout bounds DNS lookup plus TCP connect to the first hop.
	DialTimeout time.Duration

	// NegotiationTimeout bounds the upstream proxy handshake (TLS, CONNECT,
	// SOCKS5 negotiation). Zero disables the deadline.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// ResetOnClose makes Close abort the connection with a RST instead of a
	// FIN, so short-lived connections leave no TIME_WAIT sockets behind.
	// Only honoured on unix platforms.
	ResetOnClose bool
}
