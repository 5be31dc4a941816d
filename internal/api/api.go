// Package api serves the admin HTTP interface: health, pool and ledger
// inspection, on-demand user batches and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/die-net/proxyfeed/internal/fault"
	"github.com/die-net/proxyfeed/internal/proxy"
)

// MaxCount bounds the count parameter of user requests.
const MaxCount = 100

// Relay is the part of relay.Service the API exposes.
type Relay interface {
	Pool(ctx context.Context) proxy.Pool
	Ledger(ctx context.Context) *proxy.Ledger
	GetForUser(ctx context.Context, userID string, count int) (proxy.Batch, error)
}

type Server struct {
	relay  Relay
	logger log.Logger
}

// New returns an echo instance with every route registered.
func New(relay Relay, gatherer prometheus.Gatherer, logger log.Logger) *echo.Echo {
	s := &Server{
		relay:  relay,
		logger: log.With(logger, "component", "api"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.GET("/healthz", s.Health)
	e.GET("/v1/pool", s.GetPool)
	e.GET("/v1/ledger", s.GetLedger)
	e.GET("/v1/users/:id/proxies", s.GetUserProxies)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return e
}

type proxyResponse struct {
	Type      string  `json:"type"`
	Host      string  `json:"host"`
	Port      int     `json:"port"`
	Secret    string  `json:"secret"`
	Timestamp float64 `json:"timestamp,omitempty"`
	Link      string  `json:"link"`
}

type listResponse struct {
	Count   int             `json:"count"`
	Proxies []proxyResponse `json:"proxies"`
}

func toListResponse(proxies []proxy.Proxy) listResponse {
	resp := listResponse{Count: len(proxies), Proxies: make([]proxyResponse, 0, len(proxies))}
	for _, p := range proxies {
		r := proxyResponse{Type: p.Type, Host: p.Host, Port: p.Port, Secret: p.Secret, Link: p.Link()}
		if !p.Timestamp.IsZero() {
			r.Timestamp = float64(p.Timestamp.UnixNano()) / float64(time.Second)
		}
		resp.Proxies = append(resp.Proxies, r)
	}
	return resp
}

// Health (GET /healthz).
func (s *Server) Health(ectx echo.Context) error {
	return ectx.String(http.StatusOK, "ok\n")
}

// GetPool (GET /v1/pool) lists the pool, newest first.
func (s *Server) GetPool(ectx echo.Context) error {
	pool := s.relay.Pool(ectx.Request().Context())
	return ectx.JSON(http.StatusOK, toListResponse(proxy.NewestFirst(pool)))
}

// GetLedger (GET /v1/ledger) returns the distribution history.
func (s *Server) GetLedger(ectx echo.Context) error {
	return ectx.JSON(http.StatusOK, s.relay.Ledger(ectx.Request().Context()))
}

// GetUserProxies (GET /v1/users/{id}/proxies?count=N) selects a batch for a
// user exactly like the bot's "get proxies" button.
func (s *Server) GetUserProxies(ectx echo.Context) error {
	id := ectx.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing user id")
	}

	var count int
	if raw := ectx.QueryParam("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > MaxCount {
			return echo.NewHTTPError(http.StatusBadRequest, "count must be between 1 and "+strconv.Itoa(MaxCount))
		}
		count = n
	}

	batch, err := s.relay.GetForUser(ectx.Request().Context(), id, count)
	if err != nil {
		return err
	}
	return ectx.JSON(http.StatusOK, toListResponse(batch))
}

type errResponse struct {
	Error errBody `json:"error"`
}

type errBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) handleError(err error, ectx echo.Context) {
	if ectx.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := errBody{Kind: fault.KindOf(err).String(), Message: err.Error()}

	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		status = he.Code
		if m, ok := he.Message.(string); ok {
			body.Message = m
		}
	case fault.Is(err, fault.Transient), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		level.Error(s.logger).Log("msg", "HTTP request error", "path", ectx.Path(), "err", err)
	}

	if ectx.Request().Method == http.MethodHead {
		_ = ectx.NoContent(status)
		return
	}
	_ = ectx.JSON(status, errResponse{Error: body})
}
