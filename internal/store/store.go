// Package store persists the proxy pool and the distribution ledger.
//
// Every backend follows the same contract: a missing snapshot loads as an
// empty structure with a nil error, a snapshot that cannot be decoded loads
// as an empty structure with a fault.Malformed error, and I/O failures are
// reported as fault.Transient. Callers log the error and carry on with what
// they got; the next save overwrites whatever was there.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/die-net/proxyfeed/internal/fault"
	"github.com/die-net/proxyfeed/internal/proxy"
)

type Store interface {
	LoadPool(ctx context.Context) (proxy.Pool, error)
	SavePool(ctx context.Context, pool proxy.Pool) error
	LoadLedger(ctx context.Context) (*proxy.Ledger, error)
	SaveLedger(ctx context.Context, l *proxy.Ledger) error
	Close() error
}

// Open returns the backend named by location: a redis:// or rediss:// URL
// selects Redis, anything else is a directory for JSON snapshot files.
func Open(location string) (Store, error) {
	if strings.HasPrefix(location, "redis://") || strings.HasPrefix(location, "rediss://") {
		client, err := NewRedisUniversalClient(location)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, DefaultRedisPrefix), nil
	}

	s := NewFileStore(location)
	if err := s.EnsureDir(); err != nil {
		return nil, fmt.Errorf("store dir %s: %w", location, err)
	}
	return s, nil
}

func decodePool(op string, b []byte) (proxy.Pool, error) {
	var raw []proxy.Proxy
	if err := json.Unmarshal(b, &raw); err != nil {
		return proxy.Pool{}, fault.NewMalformed(op, err)
	}

	pool := make(proxy.Pool, 0, len(raw))
	for _, p := range raw {
		if p.Validate() != nil {
			continue
		}
		pool = append(pool, p)
	}
	return pool, nil
}

func encodePool(pool proxy.Pool) ([]byte, error) {
	if pool == nil {
		pool = proxy.Pool{}
	}
	return json.MarshalIndent(pool, "", "  ")
}

func decodeLedger(op string, b []byte) (*proxy.Ledger, error) {
	l := proxy.NewLedger()
	if err := json.Unmarshal(b, l); err != nil {
		return proxy.NewLedger(), fault.NewMalformed(op, err)
	}
	return l, nil
}

func encodeLedger(l *proxy.Ledger) ([]byte, error) {
	if l == nil {
		l = proxy.NewLedger()
	}
	return json.Marshal(l)
}
