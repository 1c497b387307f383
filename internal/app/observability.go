package app

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ggonzalez94/cover-cli/internal/config"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/ggonzalez94/cover-cli/internal/execution"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// newLogger builds the process logger. Logs go to stderr so stdout stays a
// clean envelope stream.
func newLogger(settings config.Settings, w io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(strings.TrimSpace(settings.LogLevel))
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(level)
	switch settings.LogFormat {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}
	return log, nil
}

// startMetrics registers ticket metrics and, when a listen address is
// configured, serves them on /metrics for the lifetime of the command.
func (s *runtimeState) startMetrics() error {
	if s.metrics != nil {
		return nil
	}
	reg := prometheus.NewRegistry()
	metrics, err := execution.NewMetrics(reg)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "register metrics", err)
	}
	s.registry = reg
	s.metrics = metrics

	addr := strings.TrimSpace(s.settings.MetricsListen)
	if addr == "" {
		return nil
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("listen for metrics on %s", addr), err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Warn("metrics listener stopped")
		}
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("serving metrics")
	return nil
}
