package testutil

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

// StartSingleAcceptServer accepts one connection and hands it to handler. The
// returned func closes the listener and waits for handler to return.
func StartSingleAcceptServer(t *testing.T, ctx context.Context, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	ln := listen(t, ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	}()

	wait := func() {
		_ = ln.Close()
		wg.Wait()
	}

	return ln, wait
}

// StartAcceptServer accepts and immediately closes every connection until the
// test ends. Accepted reports how many connections were taken.
func StartAcceptServer(t *testing.T, ctx context.Context) (ln net.Listener, accepted func() int64) {
	t.Helper()

	ln = listen(t, ctx)
	var n atomic.Int64
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			n.Add(1)
			_ = c.Close()
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })

	return ln, n.Load
}

// ClosedAddr returns a loopback address nothing listens on, so connecting to
// it is refused.
func ClosedAddr(t *testing.T) string {
	t.Helper()

	ln := listen(t, context.Background())
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func listen(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return ln
}
