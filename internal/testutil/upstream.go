package testutil

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"testing"

	"github.com/txthinking/socks5"
)

// StartConnectProxy runs a plain HTTP CONNECT proxy. When user is non-empty
// requests must carry matching Basic Proxy-Authorization or get a 407.
func StartConnectProxy(t *testing.T, ctx context.Context, user, pass string) net.Listener {
	t.Helper()

	want := ""
	if user != "" {
		want = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	}

	return serveEach(t, ctx, func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}

		status := http.StatusOK
		var dst net.Conn
		switch {
		case req.Method != http.MethodConnect:
			status = http.StatusMethodNotAllowed
		case req.Header.Get("Proxy-Authorization") != want:
			status = http.StatusProxyAuthRequired
		default:
			var nd net.Dialer
			if dst, err = nd.DialContext(ctx, "tcp", req.Host); err != nil {
				status = http.StatusBadGateway
			}
		}

		resp := &http.Response{StatusCode: status, ProtoMajor: 1, ProtoMinor: 1}
		if err := resp.Write(c); err != nil || dst == nil {
			return
		}
		splice(&readerConn{Conn: c, r: br}, dst)
	})
}

// StartSOCKS5Proxy runs a SOCKS5 proxy that only supports CONNECT. When user
// is non-empty it insists on username/password authentication.
func StartSOCKS5Proxy(t *testing.T, ctx context.Context, user, pass string) net.Listener {
	t.Helper()

	return serveEach(t, ctx, func(c net.Conn) {
		if !socks5Auth(c, user, pass) {
			return
		}

		req, err := socks5.NewRequestFrom(c)
		if err != nil {
			return
		}
		if req.Cmd != socks5.CmdConnect {
			_ = socks5Reply(c, socks5.RepCommandNotSupported)
			return
		}

		var nd net.Dialer
		dst, err := nd.DialContext(ctx, "tcp", req.Address())
		if err != nil {
			_ = socks5Reply(c, socks5.RepConnectionRefused)
			return
		}
		if socks5Reply(c, socks5.RepSuccess) != nil {
			_ = dst.Close()
			return
		}
		splice(c, dst)
	})
}

func socks5Auth(c net.Conn, user, pass string) bool {
	if _, err := socks5.NewNegotiationRequestFrom(c); err != nil {
		return false
	}
	if user == "" {
		_, err := socks5.NewNegotiationReply(socks5.MethodNone).WriteTo(c)
		return err == nil
	}

	if _, err := socks5.NewNegotiationReply(socks5.MethodUsernamePassword).WriteTo(c); err != nil {
		return false
	}
	creds, err := socks5.NewUserPassNegotiationRequestFrom(c)
	if err != nil {
		return false
	}
	if string(creds.Uname) != user || string(creds.Passwd) != pass {
		_, _ = socks5.NewUserPassNegotiationReply(socks5.UserPassStatusFailure).WriteTo(c)
		return false
	}
	_, err = socks5.NewUserPassNegotiationReply(socks5.UserPassStatusSuccess).WriteTo(c)
	return err == nil
}

// socks5Reply answers with an unspecified bind address.
func socks5Reply(c net.Conn, rep byte) error {
	_, err := socks5.NewReply(rep, socks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0}).WriteTo(c)
	return err
}

type readerConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *readerConn) Read(p []byte) (int, error) { return c.r.Read(p) }
