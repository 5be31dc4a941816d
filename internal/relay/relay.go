// Package relay ties the proxy lifecycle together: it refreshes the pool from
// the sources, probes candidates, selects a batch for an audience and records
// what was handed out.
//
// The Store is the only shared state. Every call reloads the pool and ledger
// and saves them again, so the periodic cycle and interactive requests can
// run at the same time; the last save wins.
package relay

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/proxyfeed/internal/metrics"
	"github.com/die-net/proxyfeed/internal/proxy"
	"github.com/die-net/proxyfeed/internal/selection"
	"github.com/die-net/proxyfeed/internal/source"
	"github.com/die-net/proxyfeed/internal/store"
)

const (
	DefaultMaxAge       = 48 * time.Hour
	DefaultChannelCount = 9
	DefaultUserCount    = 3
	DefaultFetchTimeout = 2 * time.Minute
)

type Config struct {
	// MaxAge is how long a proxy stays pooled after it was last discovered.
	MaxAge time.Duration
	// ChannelCount is the size of a channel batch.
	ChannelCount int
	// UserCount is the default size of a per-user batch.
	UserCount int
	// FetchTimeout bounds an on-demand fetch shared by concurrent users.
	FetchTimeout time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Prober reports which candidates are reachable.
type Prober interface {
	ProbeAll(ctx context.Context, candidates []proxy.Proxy) []proxy.Proxy
}

type Service struct {
	cfg     Config
	store   store.Store
	source  source.Source
	prober  Prober
	logger  log.Logger
	metrics *metrics.Metrics

	fetches singleflight.Group
}

func New(cfg Config, st store.Store, src source.Source, p Prober, logger log.Logger, m *metrics.Metrics) *Service {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.ChannelCount <= 0 {
		cfg.ChannelCount = DefaultChannelCount
	}
	if cfg.UserCount <= 0 {
		cfg.UserCount = DefaultUserCount
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Service{
		cfg:     cfg,
		store:   st,
		source:  src,
		prober:  p,
		logger:  log.With(logger, "component", "relay"),
		metrics: m,
	}
}

// RunCycle refreshes the pool and selects the next channel batch. Probing
// prefers the proxies this cycle discovered and falls back to the whole pool.
// An empty batch is a valid result; the error is only set when ctx ended.
func (s *Service) RunCycle(ctx context.Context) (proxy.Batch, error) {
	start := s.cfg.Clock.Now()
	logger := log.With(s.logger, "cycle", uuid.NewString())

	pool := s.loadPool(ctx, logger)
	pool, added := s.refresh(ctx, logger, pool)

	candidates := selection.Candidates(added, pool, selection.ChannelProbeLimit)
	reachable := s.prober.ProbeAll(ctx, candidates)
	if err := ctx.Err(); err != nil {
		s.metrics.Cycles.WithLabelValues("canceled").Inc()
		return nil, err
	}

	batch := s.selectAndRecord(ctx, logger, proxy.Channel, pool, reachable, s.cfg.ChannelCount)

	outcome := "ok"
	if len(batch) == 0 {
		outcome = "empty"
	}
	s.metrics.Cycles.WithLabelValues(outcome).Inc()
	s.metrics.CycleDuration.Observe(s.cfg.Clock.Since(start).Seconds())

	level.Info(logger).Log("msg", "cycle finished", "pool", len(pool), "added", len(added), "probed", len(candidates), "reachable", len(reachable), "selected", len(batch))
	return batch, nil
}

// GetForUser selects up to count proxies for userID, or Config.UserCount when
// count is not positive. An empty pool triggers an on-demand fetch that is
// shared by concurrent callers.
func (s *Service) GetForUser(ctx context.Context, userID string, count int) (proxy.Batch, error) {
	if count <= 0 {
		count = s.cfg.UserCount
	}
	logger := log.With(s.logger, "user", userID)

	pool := s.loadPool(ctx, logger)
	if len(pool) == 0 {
		v, _, _ := s.fetches.Do("fetch", func() (any, error) {
			// Shared by every waiter, so it outlives the first caller's ctx.
			fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FetchTimeout)
			defer cancel()
			pool, _ := s.refresh(fetchCtx, logger, s.loadPool(fetchCtx, logger))
			return pool, nil
		})
		pool = v.(proxy.Pool)
	}

	candidates := proxy.Newest(pool, selection.UserProbeLimit)
	reachable := s.prober.ProbeAll(ctx, candidates)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch := s.selectAndRecord(ctx, logger, proxy.User(userID), pool, reachable, count)
	level.Info(logger).Log("msg", "user batch selected", "pool", len(pool), "reachable", len(reachable), "selected", len(batch))
	return batch, nil
}

// Pool returns the current pool with expired entries removed.
func (s *Service) Pool(ctx context.Context) proxy.Pool {
	return s.loadPool(ctx, s.logger)
}

// Ledger returns the persisted distribution history.
func (s *Service) Ledger(ctx context.Context) *proxy.Ledger {
	l, err := s.store.LoadLedger(ctx)
	if err != nil {
		level.Warn(s.logger).Log("msg", "loading ledger", "err", err)
	}
	if l == nil {
		l = proxy.NewLedger()
	}
	return l
}

func (s *Service) loadPool(ctx context.Context, logger log.Logger) proxy.Pool {
	pool, err := s.store.LoadPool(ctx)
	if err != nil {
		level.Warn(logger).Log("msg", "loading pool, starting empty", "err", err)
	}
	return proxy.Clean(pool, s.cfg.MaxAge, s.cfg.Clock.Now())
}

// refresh fetches new records, merges them into pool and saves the result. A
// failed fetch leaves pool as it was.
func (s *Service) refresh(ctx context.Context, logger log.Logger, pool proxy.Pool) (proxy.Pool, []proxy.Proxy) {
	fetched, err := s.source.Fetch(ctx)
	if err != nil {
		level.Warn(logger).Log("msg", "fetch failed, keeping stored pool", "err", err)
	}

	merged, added := proxy.Merge(pool, fetched, s.cfg.Clock.Now())
	if err := s.store.SavePool(ctx, merged); err != nil {
		level.Error(logger).Log("msg", "saving pool", "err", err)
	}
	s.metrics.PoolSize.Set(float64(len(merged)))

	level.Debug(logger).Log("msg", "pool refreshed", "fetched", len(fetched), "added", len(added), "pool", len(merged))
	return merged, added
}

func (s *Service) selectAndRecord(ctx context.Context, logger log.Logger, ns proxy.Namespace, pool proxy.Pool, reachable []proxy.Proxy, target int) proxy.Batch {
	ledger := s.Ledger(ctx)

	res := selection.Select(selection.Input{
		Reachable: reachable,
		Pool:      pool,
		Recent:    ledger.Recent(ns),
		Target:    target,
	})

	kind := "user"
	if ns.IsChannel() {
		kind = "channel"
	}
	for tier, n := range res.Tiers {
		if n > 0 {
			s.metrics.Selected.WithLabelValues(kind, selection.Tier(tier).String()).Add(float64(n))
		}
	}

	if len(res.Batch) == 0 {
		return res.Batch
	}

	ledger.Record(ns, res.Batch)
	if err := s.store.SaveLedger(ctx, ledger); err != nil {
		level.Error(logger).Log("msg", "saving ledger", "namespace", ns, "err", err)
	}
	return res.Batch
}
