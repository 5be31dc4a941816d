package relay

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/proxyfeed/internal/fault"
	"github.com/die-net/proxyfeed/internal/message"
	"github.com/die-net/proxyfeed/internal/metrics"
	"github.com/die-net/proxyfeed/internal/proxy"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func mt(host string, port int, secret string) proxy.Proxy {
	return proxy.Proxy{Type: proxy.TypeMTProto, Host: host, Port: port, Secret: secret}
}

type memStore struct {
	mu     sync.Mutex
	pool   proxy.Pool
	ledger *proxy.Ledger
	saves  int
}

func (s *memStore) LoadPool(context.Context) (proxy.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pool), nil
}

func (s *memStore) SavePool(_ context.Context, pool proxy.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool = slices.Clone(pool)
	s.saves++
	return nil
}

func (s *memStore) LoadLedger(context.Context) (*proxy.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := proxy.NewLedger()
	if s.ledger != nil {
		l.Channel = slices.Clone(s.ledger.Channel)
		for k, v := range s.ledger.Users {
			l.Users[k] = slices.Clone(v)
		}
	}
	return l, nil
}

func (s *memStore) SaveLedger(_ context.Context, l *proxy.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = l
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) snapshot() (proxy.Pool, *proxy.Ledger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledger
	if l == nil {
		l = proxy.NewLedger()
	}
	return slices.Clone(s.pool), l
}

type fakeSource struct {
	mu      sync.Mutex
	proxies []proxy.Proxy
	err     error
	calls   atomic.Int32

	// When gate is set, Fetch signals started and blocks until gate is
	// closed or its ctx ends.
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(ctx context.Context) ([]proxy.Proxy, error) {
	f.calls.Add(1)
	if f.gate != nil {
		f.started <- struct{}{}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.proxies), f.err
}

// fakeProber treats every candidate as reachable unless its host is listed
// in down, and remembers the last candidate set.
type fakeProber struct {
	mu         sync.Mutex
	down       map[string]bool
	candidates []proxy.Proxy
}

func (f *fakeProber) ProbeAll(_ context.Context, candidates []proxy.Proxy) []proxy.Proxy {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = slices.Clone(candidates)

	var up []proxy.Proxy
	for _, c := range candidates {
		if !f.down[c.Host] {
			up = append(up, c)
		}
	}
	return up
}

func (f *fakeProber) lastCandidates() []proxy.Proxy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candidates
}

type harness struct {
	svc     *Service
	store   *memStore
	source  *fakeSource
	prober  *fakeProber
	clock   *clock.Mock
	metrics *metrics.Metrics
}

func newHarness(cfg Config) *harness {
	h := &harness{
		store:   &memStore{},
		source:  &fakeSource{},
		prober:  &fakeProber{down: map[string]bool{}},
		clock:   clock.NewMock(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	h.clock.Set(epoch)
	cfg.Clock = h.clock
	h.svc = New(cfg, h.store, h.source, h.prober, log.NewNopLogger(), h.metrics)
	return h
}

func hosts(ps []proxy.Proxy) []string {
	var out []string
	for _, p := range ps {
		out = append(out, p.Host)
	}
	return out
}

func TestRunCycleFetchesAndSelects(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{ChannelCount: 3})
	h.source.proxies = []proxy.Proxy{mt("h1", 1, "p1"), mt("h2", 2, "p2")}

	batch, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []proxy.Proxy{
		mt("h1", 1, "p1").Stamped(epoch),
		mt("h2", 2, "p2").Stamped(epoch),
	}, []proxy.Proxy(batch))

	pool, ledger := h.store.snapshot()
	assert.Len(t, pool, 2)
	require.Len(t, ledger.Channel, 1)
	assert.ElementsMatch(t, batch, ledger.Channel[0])
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.PoolSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues("ok")))
}

func TestRunCycleAgesOutAndProbesPool(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxAge: 48 * time.Hour})
	old := mt("old", 1, "s").Stamped(epoch.Add(-49 * time.Hour))
	fresh := mt("fresh", 2, "s").Stamped(epoch.Add(-time.Hour))
	undated := mt("undated", 3, "s")
	h.store.pool = proxy.Pool{old, fresh, undated}

	batch, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)

	pool, _ := h.store.snapshot()
	assert.Equal(t, proxy.Pool{fresh}, pool)
	assert.Equal(t, []proxy.Proxy{fresh}, h.prober.lastCandidates(), "no new proxies, so the pool is probed")
	assert.Equal(t, proxy.Batch{fresh}, batch)
}

func TestRunCycleProbesOnlyNewlyAdded(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{ChannelCount: 5})
	known := mt("known", 1, "s").Stamped(epoch.Add(-time.Hour))
	h.store.pool = proxy.Pool{known}
	h.source.proxies = []proxy.Proxy{mt("new", 2, "s")}

	batch, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"new"}, hosts(h.prober.lastCandidates()))
	assert.Equal(t, []string{"new", "known"}, hosts(batch), "unprobed pool entries fill the rest")
}

func TestRunCycleRediscoveryRefreshesTimestamp(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.store.pool = proxy.Pool{mt("h1", 1, "s").Stamped(epoch.Add(-47 * time.Hour))}
	h.source.proxies = []proxy.Proxy{mt("h1", 1, "s")}

	_, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)

	pool, _ := h.store.snapshot()
	require.Len(t, pool, 1)
	assert.Equal(t, epoch, pool[0].Timestamp)
}

func TestRunCycleFetchErrorKeepsPool(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	p := mt("h1", 1, "s").Stamped(epoch.Add(-time.Hour))
	h.store.pool = proxy.Pool{p}
	h.source.err = fault.NewTransient("GET", errors.New("connection reset"))

	batch, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, proxy.Batch{p}, batch)

	pool, _ := h.store.snapshot()
	assert.Equal(t, proxy.Pool{p}, pool)
}

func TestRunCycleEmpty(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})

	batch, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch)

	_, ledger := h.store.snapshot()
	assert.Empty(t, ledger.Channel, "empty batches are not recorded")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues("empty")))
}

func TestRunCycleRepeatsWhenNothingElseIsReachable(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{ChannelCount: 1})
	p := mt("h1", 1, "s").Stamped(epoch.Add(-time.Hour))
	h.store.pool = proxy.Pool{p}
	h.store.ledger = &proxy.Ledger{Channel: []proxy.Batch{{p}}, Users: map[string][]proxy.Batch{}}

	batch, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, proxy.Batch{p}, batch)
}

func TestRunCyclePrefersUnsent(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{ChannelCount: 1})
	sent := mt("sent", 1, "s").Stamped(epoch.Add(-time.Minute))
	unsent := mt("unsent", 2, "s").Stamped(epoch.Add(-time.Hour))
	h.store.pool = proxy.Pool{sent, unsent}
	h.store.ledger = &proxy.Ledger{Channel: []proxy.Batch{{sent}}, Users: map[string][]proxy.Batch{}}

	batch, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, proxy.Batch{unsent}, batch)
}

func TestRunCycleLedgerStaysBounded(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{ChannelCount: 1})
	for i := range 6 {
		h.source.proxies = []proxy.Proxy{mt("h", 1000+i, "s")}
		h.clock.Add(time.Minute)
		_, err := h.svc.RunCycle(context.Background())
		require.NoError(t, err)
	}

	_, ledger := h.store.snapshot()
	require.Len(t, ledger.Channel, proxy.LedgerDepth)
	assert.Equal(t, 1005, ledger.Channel[2][0].Port)
}

func TestRunCycleCanceled(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.source.proxies = []proxy.Proxy{mt("h1", 1, "s")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, err := h.svc.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, batch)
}

func TestGetForUserFetchesOnDemand(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.source.proxies = []proxy.Proxy{mt("h1", 1, "s"), mt("h2", 2, "s"), mt("h3", 3, "s"), mt("h4", 4, "s")}

	batch, err := h.svc.GetForUser(context.Background(), "42", 0)
	require.NoError(t, err)
	assert.Len(t, batch, DefaultUserCount)
	assert.EqualValues(t, 1, h.source.calls.Load())

	_, ledger := h.store.snapshot()
	require.Len(t, ledger.Users["42"], 1)
	assert.Empty(t, ledger.Channel)

	// A non-empty pool is served without fetching.
	_, err = h.svc.GetForUser(context.Background(), "42", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.source.calls.Load())
}

func TestGetForUserSharedFetchOutlivesCaller(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.source.proxies = []proxy.Proxy{mt("a", 1, "s"), mt("b", 2, "s")}
	h.source.gate = make(chan struct{})
	h.source.started = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.svc.GetForUser(ctx, "1", 0)
		done <- err
	}()

	<-h.source.started
	cancel()
	close(h.source.gate)
	assert.ErrorIs(t, <-done, context.Canceled)

	pool, _ := h.store.snapshot()
	assert.Len(t, pool, 2, "the shared fetch completes for the remaining waiters")

	batch, err := h.svc.GetForUser(context.Background(), "2", 0)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
	assert.Equal(t, int32(1), h.source.calls.Load())
}

func TestGetForUserNamespacesAreIndependent(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	a := mt("a", 1, "s").Stamped(epoch.Add(-time.Minute))
	b := mt("b", 2, "s").Stamped(epoch.Add(-time.Hour))
	h.store.pool = proxy.Pool{a, b}

	first, err := h.svc.GetForUser(context.Background(), "1", 1)
	require.NoError(t, err)
	second, err := h.svc.GetForUser(context.Background(), "1", 1)
	require.NoError(t, err)
	other, err := h.svc.GetForUser(context.Background(), "2", 1)
	require.NoError(t, err)

	assert.Equal(t, proxy.Batch{a}, first)
	assert.Equal(t, proxy.Batch{b}, second, "user 1 already saw a")
	assert.Equal(t, proxy.Batch{a}, other, "user 2 has its own history")
}

func TestGetForUserProbesNewest(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	var pool proxy.Pool
	for i := range 30 {
		pool = append(pool, mt("h", 1000+i, "s").Stamped(epoch.Add(-time.Duration(30-i)*time.Minute)))
	}
	h.store.pool = pool

	_, err := h.svc.GetForUser(context.Background(), "7", 3)
	require.NoError(t, err)

	candidates := h.prober.lastCandidates()
	require.Len(t, candidates, 20)
	assert.Equal(t, 1029, candidates[0].Port)
}

func TestGetForUserNothingAvailable(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})

	batch, err := h.svc.GetForUser(context.Background(), "42", 3)
	require.NoError(t, err)
	assert.Empty(t, batch)

	_, ledger := h.store.snapshot()
	assert.NotContains(t, ledger.Users, "42")
}

func TestGetForUserConcurrentWithCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.source.proxies = []proxy.Proxy{mt("h1", 1, "s"), mt("h2", 2, "s")}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%4 == 0 {
				_, err := h.svc.RunCycle(context.Background())
				assert.NoError(t, err)
				return
			}
			batch, err := h.svc.GetForUser(context.Background(), "u", 1)
			assert.NoError(t, err)
			assert.Len(t, batch, 1)
		}()
	}
	wg.Wait()

	pool, ledger := h.store.snapshot()
	assert.Len(t, pool, 2)
	assert.LessOrEqual(t, len(ledger.Users["u"]), proxy.LedgerDepth)
}

type recordingDistributor struct {
	sent chan string
	err  error
}

func (d *recordingDistributor) Distribute(_ context.Context, dest, text string) error {
	d.sent <- dest + "\n" + text
	return d.err
}

func TestRun(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{ChannelCount: 2})
	h.source.proxies = []proxy.Proxy{mt("h1", 1, "s"), mt("h2", 2, "s")}
	d := &recordingDistributor{sent: make(chan string, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.svc.Run(ctx, 30*time.Second, d, "@feed", message.Options{Label: "Go"})
	}()

	first := <-d.sent
	assert.True(t, strings.HasPrefix(first, "@feed\n"))
	assert.Equal(t, 2, strings.Count(first, ">Go</a>"))

	h.clock.Add(30 * time.Second)
	second := <-d.sent
	assert.Equal(t, 2, strings.Count(second, ">Go</a>"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Deliveries.WithLabelValues("sent")))
}

func TestRunDeliveryFailureContinues(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.source.proxies = []proxy.Proxy{mt("h1", 1, "s")}
	d := &recordingDistributor{sent: make(chan string, 4), err: errors.New("chat not found")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.svc.Run(ctx, time.Minute, d, "@feed", message.Options{})
	}()

	<-d.sent
	h.clock.Add(time.Minute)
	<-d.sent

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Deliveries.WithLabelValues("failed")))
}

func TestLogDistributor(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	d := LogDistributor{Logger: log.NewLogfmtLogger(&buf)}
	require.NoError(t, d.Distribute(context.Background(), "@feed", "hello"))
	assert.Contains(t, buf.String(), "dest=@feed")
	assert.Contains(t, buf.String(), "text=hello")
}
