package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/proxyfeed/internal/api"
	"github.com/die-net/proxyfeed/internal/dialer"
	"github.com/die-net/proxyfeed/internal/message"
	"github.com/die-net/proxyfeed/internal/metrics"
	"github.com/die-net/proxyfeed/internal/prober"
	"github.com/die-net/proxyfeed/internal/relay"
	"github.com/die-net/proxyfeed/internal/source"
	"github.com/die-net/proxyfeed/internal/store"
	"github.com/die-net/proxyfeed/internal/telegram"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		storeLocation  = pflag.String("store", "data", "Snapshot directory, or redis://[:pass@]host:port/db to keep state in Redis")
		channelSources = pflag.StringArray("channel-source", nil, "Public Telegram channel to scrape proxy links from (name, @name or t.me URL). Repeatable.")
		listURL        = pflag.String("list-url", "", "URL of a JSON list of {host, port, secret} proxies. Empty disables.")

		upstream = pflag.String("upstream", defaultUpstream(), "Upstream for outbound connections: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")

		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for upstream proxy negotiation")
		fetchTimeout       = pflag.Duration("fetch-timeout", 30*time.Second, "Timeout for a single source fetch")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")

		probeTimeout     = pflag.Duration("probe-timeout", prober.DefaultTimeout, "Timeout for a single liveness probe")
		probeConcurrency = pflag.Int("probe-concurrency", prober.DefaultConcurrency, "Maximum number of liveness probes in flight")

		maxAge       = pflag.Duration("max-age", relay.DefaultMaxAge, "Drop proxies not seen for this long")
		interval     = pflag.Duration("interval", 30*time.Second, "Time between distribution cycles")
		channelCount = pflag.Int("channel-count", relay.DefaultChannelCount, "Proxies per channel post")
		userCount    = pflag.Int("user-count", relay.DefaultUserCount, "Proxies per user request")

		telegramToken   = pflag.String("telegram-token", os.Getenv("TELEGRAM_BOT_TOKEN"), "Telegram bot token. Empty logs batches instead of sending them.")
		telegramChannel = pflag.String("telegram-channel", os.Getenv("TELEGRAM_CHANNEL_ID"), "Channel (@name) or chat id that receives batches")
		sponsorChannel  = pflag.String("sponsor-channel", os.Getenv("SPONSOR_CHANNEL_ID"), "Channel users must join before the bot serves them. Empty disables the check.")
		membershipTTL   = pflag.Duration("membership-ttl", telegram.DefaultMembershipTTL, "How long a confirmed membership is cached")
		linkLabel       = pflag.String("link-label", "Proxy", "Text of every proxy link")
		footer          = pflag.String("footer", "", "HTML appended to every message")

		apiListen   = pflag.String("api-listen", "", "Admin API listen address (e.g. 127.0.0.1:8080). Empty disables.")
		debugListen = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
		logLevel    = pflag.String("log-level", "info", "Log level: debug|info|warn|error")
		logFormat   = pflag.String("log-format", "logfmt", "Log format: logfmt|json")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	logger, err := newLogger(*logFormat, *logLevel)
	if err != nil {
		return err
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if len(*channelSources) == 0 && *listURL == "" {
		return errors.New("no sources enabled (set at least one of --channel-source, --list-url)")
	}

	up, err := dialer.ParseUpstream(*upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}
	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
	}
	fetchDialer := up.Dialer(dialCfg)
	probeCfg := dialCfg
	probeCfg.ResetOnClose = true
	probeDialer := up.Dialer(probeCfg)

	st, err := store.Open(*storeLocation)
	if err != nil {
		return fmt.Errorf("invalid --store: %w", err)
	}
	if rs, ok := st.(*store.RedisStore); ok {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rs.Ping(pingCtx)
		cancel()
		if err != nil {
			return multierr.Append(fmt.Errorf("redis: %w", err), st.Close())
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	client := source.NewHTTPClient(fetchDialer, *fetchTimeout)
	var sources []source.Source
	for _, ch := range *channelSources {
		sources = append(sources, source.NewChannelSource(client, ch, logger))
	}
	if *listURL != "" {
		sources = append(sources, source.NewListSource(client, *listURL, logger))
	}

	svc := relay.New(relay.Config{
		MaxAge:       *maxAge,
		ChannelCount: *channelCount,
		UserCount:    *userCount,
	}, st, source.NewMulti(logger, m, sources...),
		prober.New(prober.Config{Timeout: *probeTimeout, Concurrency: *probeConcurrency}, probeDialer, logger, m),
		logger, m)

	format := message.Options{Label: *linkLabel, Footer: *footer}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var distributor relay.Distributor = relay.LogDistributor{Logger: logger}
	if *telegramToken != "" {
		bot, err := telegram.NewAPI(*telegramToken, source.NewHTTPClient(fetchDialer, 0))
		if err != nil {
			return multierr.Append(err, st.Close())
		}
		level.Info(logger).Log("msg", "telegram bot authorized", "username", bot.Self.UserName)

		if *telegramChannel != "" {
			distributor = telegram.NewDistributor(bot, logger)
		}

		membership := telegram.NewMembership(bot, *sponsorChannel, *membershipTTL, logger)
		b := telegram.NewBot(bot, svc, membership, telegram.BotConfig{UserCount: *userCount, Format: format}, logger)
		g.Go(func() error {
			return b.Run(ctx)
		})
	}

	g.Go(func() error {
		return svc.Run(ctx, *interval, distributor, *telegramChannel, format)
	})

	if *apiListen != "" {
		srv := &http.Server{Handler: api.New(svc, reg, logger), ReadHeaderTimeout: 10 * time.Second}
		if err := serve(ctx, g, srv, *apiListen, ka); err != nil {
			return fmt.Errorf("api listen: %w", err)
		}
		level.Info(logger).Log("msg", "api listening", "addr", *apiListen)
	}

	if *debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		if err := serve(ctx, g, debugSrv, *debugListen, ka); err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		level.Info(logger).Log("msg", "debug listening", "addr", *debugListen)
	}

	level.Info(logger).Log("msg", "started", "sources", len(sources), "interval", *interval, "upstream", up, "probe_concurrency", *probeConcurrency)

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	level.Info(logger).Log("msg", "shutting down")
	return multierr.Append(err, st.Close())
}

// serve runs srv on addr in g until ctx is done.
func serve(ctx context.Context, g *errgroup.Group, srv *http.Server, addr string, ka net.KeepAliveConfig) error {
	lc := net.ListenConfig{KeepAliveConfig: ka}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	context.AfterFunc(ctx, func() {
		_ = srv.Close()
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("serve %s: %w", addr, err)
		}
		return nil
	})
	return nil
}

func newLogger(format, lvl string) (log.Logger, error) {
	w := log.NewSyncWriter(os.Stderr)

	var logger log.Logger
	switch strings.ToLower(format) {
	case "logfmt":
		logger = log.NewLogfmtLogger(w)
	case "json":
		logger = log.NewJSONLogger(w)
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}

	var allow level.Option
	switch strings.ToLower(lvl) {
	case "debug":
		allow = level.AllowDebug()
	case "info":
		allow = level.AllowInfo()
	case "warn":
		allow = level.AllowWarn()
	case "error":
		allow = level.AllowError()
	default:
		return nil, fmt.Errorf("invalid --log-level %q", lvl)
	}

	logger = level.NewFilter(logger, allow)
	logger = log.WithPrefix(logger, "ts", log.DefaultTimestampUTC)
	logger = log.WithPrefix(logger, "caller", log.DefaultCaller)
	return logger, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
