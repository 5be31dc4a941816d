package testutil

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// StartEchoServer writes every byte it receives back to the sender, on any
// number of connections, until the test ends.
func StartEchoServer(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	return serveEach(t, ctx, func(c net.Conn) {
		_, _ = io.Copy(c, c)
	})
}

// RoundTrip sends msg over c and requires the same bytes to come back.
func RoundTrip(t *testing.T, c net.Conn, msg string) {
	t.Helper()

	_, err := io.WriteString(c, msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	require.Equal(t, msg, string(got))
}

// serveEach runs handle on its own goroutine for every accepted connection
// and closes the connection when handle returns.
func serveEach(t *testing.T, ctx context.Context, handle func(net.Conn)) net.Listener {
	t.Helper()

	ln := listen(t, ctx)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handle(c)
			}()
		}
	}()
	return ln
}

func splice(a, b net.Conn) {
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(a, b)
		_ = a.Close()
		close(done)
	}()
	_, _ = io.Copy(b, a)
	_ = b.Close()
	<-done
}
