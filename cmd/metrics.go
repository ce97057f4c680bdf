package cmd

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/pfkit/internal/channel"
	"grimm.is/pfkit/internal/errors"
	"grimm.is/pfkit/internal/health"
	"grimm.is/pfkit/internal/logging"
	"grimm.is/pfkit/internal/metrics"
	"grimm.is/pfkit/internal/states"
)

// DefaultMetricsListen is used when neither -listen nor metrics_listen is set.
const DefaultMetricsListen = ":9469"

// RunMetrics samples the state table periodically and serves Prometheus
// metrics until interrupted.
func RunMetrics(g Globals, args []string) error {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	listen := fs.String("listen", "", "HTTP address to serve /metrics on")
	interval := fs.Duration("interval", 0, "State sampling interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := g.open()
	if err != nil {
		return err
	}
	defer s.Close()

	addr := *listen
	if addr == "" {
		addr = s.cfg.MetricsListen
	}
	if addr == "" {
		addr = DefaultMetricsListen
	}
	every := *interval
	if every <= 0 {
		every = s.cfg.Interval()
	}

	collector := metrics.NewCollector(s.logger, states.Source(s.ctl.Requester(), nil), every)
	go collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", newChecker(s, collector, every).Handler())
	mux.Handle("/livez", health.LivenessHandler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Serving metrics", "listen", addr, "interval", every.String())
		errCh <- srv.ListenAndServe()
	}()

serve:
	for {
		select {
		case err := <-errCh:
			return errors.Wrap(err, errors.KindUnavailable, "metrics listener")
		case <-hup:
			if err := s.reload(g); err != nil {
				s.logger.Warn("reload failed", "error", err)
			}
		case <-ctx.Done():
			break serve
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// reload re-reads the config and applies its log level to the running
// session. Anchors are not touched; use apply for that.
func (s *session) reload(g Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if old := s.logger.GetLevel(); old != level {
		s.logger.SetLevel(level)
		s.logger.Info("log level changed", "from", old.String(), "to", level.String())
	}
	return nil
}

// newChecker registers the device, collector and journal checks. A stale
// collector sample counts as degraded once it is older than two intervals.
func newChecker(s *session, c *metrics.Collector, every time.Duration) *health.Checker {
	checker := health.NewChecker(5*time.Second, nil)
	checker.Register("device", health.Func(func(context.Context) error {
		_, err := s.ctl.Requester().Request(channel.StatesRequest())
		return err
	}, health.StatusUnhealthy))
	checker.Register("collector", health.Func(func(context.Context) error {
		if _, err := c.GetStateStats(); err != nil {
			return err
		}
		if age := time.Since(c.GetLastUpdate()); age > 2*every {
			return errors.Errorf(errors.KindUnavailable, "last sample %s ago", age.Round(time.Second))
		}
		return nil
	}, health.StatusDegraded))
	if s.journal != nil {
		checker.Register("journal", health.Func(func(context.Context) error {
			_, err := s.journal.Count()
			return err
		}, health.StatusDegraded))
	}
	return checker
}
