package dialer

import (
	"context"
	"fmt"
	"net"
)

type directDialer struct {
	cfg Config
	nd  net.Dialer
}

// NewDirectDialer returns a Dialer that connects to the destination itself.
func NewDirectDialer(cfg Config) Dialer {
	d := &directDialer{
		cfg: cfg,
		nd: net.Dialer{
			Timeout:         cfg.DialTimeout,
			KeepAliveConfig: cfg.KeepAlive,
		},
	}
	if cfg.ResetOnClose {
		d.nd.Control = resetOnClose
	}
	return d
}

func (f *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := f.nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return conn, nil
}
