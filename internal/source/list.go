package source

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/die-net/proxyfeed/internal/fault"
	"github.com/die-net/proxyfeed/internal/proxy"
)

// ListSource downloads a JSON array of {host, port, secret, ...} objects.
type ListSource struct {
	client *http.Client
	url    string
	logger log.Logger
}

func NewListSource(client *http.Client, url string, logger log.Logger) *ListSource {
	return &ListSource{
		client: client,
		url:    url,
		logger: log.With(logger, "component", "source", "url", url),
	}
}

func (s *ListSource) Name() string {
	return "list"
}

func (s *ListSource) Fetch(ctx context.Context) ([]proxy.Proxy, error) {
	body, err := get(ctx, s.client, s.url)
	if err != nil {
		return nil, err
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fault.NewMalformed("decode "+s.url, err)
	}

	found := make([]proxy.Proxy, 0, len(entries))
	for _, raw := range entries {
		var p proxy.Proxy
		if err := json.Unmarshal(raw, &p); err != nil {
			level.Debug(s.logger).Log("msg", "dropping malformed entry", "entry", string(raw), "err", err)
			continue
		}
		if err := p.Validate(); err != nil {
			level.Debug(s.logger).Log("msg", "dropping malformed entry", "entry", string(raw), "err", err)
			continue
		}
		if p.Type == "" {
			p.Type = proxy.TypeMTProto
		}
		// Discovery time is assigned when the record enters the pool.
		p.Timestamp = time.Time{}
		found = append(found, p)
	}
	return found, nil
}
