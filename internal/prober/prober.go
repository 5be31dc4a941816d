// Package prober decides which proxies currently accept connections.
//
// A probe is a bare TCP connect to the proxy's host:port, closed as soon as it
// is established. It says nothing about whether the MTProto handshake would
// succeed, only that something is listening and reachable.
package prober

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/semaphore"

	"github.com/die-net/proxyfeed/internal/dialer"
	"github.com/die-net/proxyfeed/internal/fault"
	"github.com/die-net/proxyfeed/internal/metrics"
	"github.com/die-net/proxyfeed/internal/proxy"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultConcurrency = 10
)

type Config struct {
	// Timeout bounds each probe, DNS lookup included.
	Timeout time.Duration
	// Concurrency is the maximum number of probes in flight.
	Concurrency int
}

type Prober struct {
	cfg     Config
	dialer  dialer.Dialer
	logger  log.Logger
	metrics *metrics.Metrics
}

// New returns a Prober that connects through d. Zero Config fields take the
// package defaults.
func New(cfg Config, d dialer.Dialer, logger log.Logger, m *metrics.Metrics) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Prober{
		cfg:     cfg,
		dialer:  d,
		logger:  log.With(logger, "component", "prober"),
		metrics: m,
	}
}

// Probe connects to px once. A nil return means px is reachable; any failure
// is returned as a fault.Probe error. Probe never retries.
func (p *Prober) Probe(ctx context.Context, px proxy.Proxy) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	c, err := p.dialer.DialContext(ctx, "tcp", px.Endpoint())
	p.metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.Probes.WithLabelValues("unreachable").Inc()
		return fault.NewProbe("probe "+px.Endpoint(), err)
	}
	_ = c.Close()

	p.metrics.Probes.WithLabelValues("reachable").Inc()
	return nil
}

// ProbeAll probes every candidate, at most Config.Concurrency at a time, and
// returns the reachable ones once all probes have finished. The order of the
// result is the order probes completed in. Cancelling ctx makes the
// remaining candidates count as unreachable.
func (p *Prober) ProbeAll(ctx context.Context, candidates []proxy.Proxy) []proxy.Proxy {
	sem := semaphore.NewWeighted(int64(p.cfg.Concurrency))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		reachable []proxy.Proxy
	)

	for _, c := range candidates {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			if err := p.Probe(ctx, c); err != nil {
				level.Debug(p.logger).Log("msg", "proxy unreachable", "endpoint", c.Endpoint(), "err", err)
				return
			}

			mu.Lock()
			reachable = append(reachable, c)
			mu.Unlock()
		}()
	}

	wg.Wait()

	level.Info(p.logger).Log("msg", "probed proxies", "checked", len(candidates), "reachable", len(reachable))
	return reachable
}
