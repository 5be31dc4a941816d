package relay

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/die-net/proxyfeed/internal/fault"
	"github.com/die-net/proxyfeed/internal/message"
)

// Distributor delivers a rendered message to a destination such as a
// channel or a chat id.
type Distributor interface {
	Distribute(ctx context.Context, dest, text string) error
}

// LogDistributor writes messages to a logger instead of sending them.
type LogDistributor struct {
	Logger log.Logger
}

func (d LogDistributor) Distribute(_ context.Context, dest, text string) error {
	return level.Info(d.Logger).Log("msg", "distribute", "dest", dest, "text", text)
}

// Run performs a cycle immediately and then once per interval until ctx is
// done, handing every non-empty batch to d for dest. Delivery failures are
// logged and not retried.
func (s *Service) Run(ctx context.Context, interval time.Duration, d Distributor, dest string, opts message.Options) error {
	ticker := s.cfg.Clock.Ticker(interval)
	defer ticker.Stop()

	for {
		s.distribute(ctx, d, dest, opts)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) distribute(ctx context.Context, d Distributor, dest string, opts message.Options) {
	batch, err := s.RunCycle(ctx)
	if err != nil {
		return
	}
	if len(batch) == 0 {
		s.metrics.Deliveries.WithLabelValues("skipped").Inc()
		level.Info(s.logger).Log("msg", "nothing to distribute")
		return
	}

	text, links := message.Format(batch, opts)
	if err := d.Distribute(ctx, dest, text); err != nil {
		s.metrics.Deliveries.WithLabelValues("failed").Inc()
		level.Error(s.logger).Log("msg", "distribution failed", "dest", dest, "err", fault.NewDelivery("distribute to "+dest, err))
		return
	}
	s.metrics.Deliveries.WithLabelValues("sent").Inc()
	level.Info(s.logger).Log("msg", "batch distributed", "dest", dest, "links", len(links))
}
