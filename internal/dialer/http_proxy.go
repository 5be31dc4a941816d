package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// HTTPProxyDialer tunnels TCP connections through an HTTP or HTTPS proxy
// with the CONNECT method.
type HTTPProxyDialer struct {
	cfg      Config
	upstream Upstream
	auth     string
	direct   Dialer
}

// NewHTTPProxyDialer returns a CONNECT dialer for u. Credentials in u are
// sent as Basic Proxy-Authorization.
func NewHTTPProxyDialer(cfg Config, u Upstream) *HTTPProxyDialer {
	d := &HTTPProxyDialer{
		cfg:      cfg,
		upstream: u,
		direct:   NewDirectDialer(cfg),
	}
	if u.Username != "" {
		d.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(u.Username+":"+u.Password))
	}
	return d
}

func (d *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !isTCP(network) {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	c, err := d.direct.DialContext(ctx, "tcp", d.upstream.Addr)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	tunnel, err := handshake(ctx, d.cfg, c, func(c net.Conn) (net.Conn, error) {
		return d.connect(ctx, c, address)
	})
	if err != nil {
		return nil, fmt.Errorf("http proxy dial %s: %w", address, err)
	}
	return tunnel, nil
}

func (d *HTTPProxyDialer) connect(ctx context.Context, c net.Conn, address string) (net.Conn, error) {
	if d.upstream.Scheme == HTTPS {
		host, _, _ := net.SplitHostPort(d.upstream.Addr)
		tc := tls.Client(c, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host})
		if err := tc.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		c = tc
	}

	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", address, address)
	if d.auth != "" {
		fmt.Fprintf(&req, "Proxy-Authorization: %s\r\n", d.auth)
	}
	req.WriteString("\r\n")
	if _, err := io.WriteString(c, req.String()); err != nil {
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("CONNECT refused: %s", resp.Status)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: c, r: br}, nil
	}
	return c, nil
}

// bufferedConn returns bytes the proxy sent right after its CONNECT
// response before reading from the socket again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
