// Package source fetches raw proxy records from upstream feeds.
//
// Sources return records without a discovery timestamp; stamping, dedup and
// aging are the caller's business. A failed fetch is reported as an error,
// and an empty result simply means there is nothing new.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/multierr"

	"github.com/die-net/proxyfeed/internal/dialer"
	"github.com/die-net/proxyfeed/internal/fault"
	"github.com/die-net/proxyfeed/internal/metrics"
	"github.com/die-net/proxyfeed/internal/proxy"
)

const (
	userAgent   = "Mozilla/5.0 (compatible; proxyfeed/1.0)"
	maxBodySize = 8 << 20
)

type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string
	Fetch(ctx context.Context) ([]proxy.Proxy, error)
}

// NewHTTPClient returns a client whose connections are made through d.
func NewHTTPClient(d dialer.Dialer, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         d.DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

func get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	op := "GET " + url

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fault.NewTransient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fault.NewTransient(op, fmt.Errorf("unexpected status %s", resp.Status))
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fault.NewTransient(op, err)
	}
	return b, nil
}

// Multi fetches from several sources in turn and concatenates the results.
// A failing source does not hide what the others returned.
type Multi struct {
	sources []Source
	logger  log.Logger
	metrics *metrics.Metrics
}

func NewMulti(logger log.Logger, m *metrics.Metrics, sources ...Source) *Multi {
	return &Multi{
		sources: sources,
		logger:  log.With(logger, "component", "source"),
		metrics: m,
	}
}

func (m *Multi) Name() string {
	return "multi"
}

// Fetch returns an error only when every source failed.
func (m *Multi) Fetch(ctx context.Context) ([]proxy.Proxy, error) {
	var (
		all  []proxy.Proxy
		errs error
		ok   int
	)

	for _, s := range m.sources {
		got, err := s.Fetch(ctx)
		if err != nil {
			m.metrics.FetchErrors.WithLabelValues(s.Name()).Inc()
			level.Warn(m.logger).Log("msg", "fetch failed", "source", s.Name(), "err", err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		ok++
		m.metrics.Fetched.WithLabelValues(s.Name()).Add(float64(len(got)))
		level.Info(m.logger).Log("msg", "fetched proxies", "source", s.Name(), "count", len(got))
		all = append(all, got...)
	}

	if ok == 0 && errs != nil {
		return nil, errs
	}
	return all, nil
}
