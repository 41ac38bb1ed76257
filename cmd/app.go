package cmd

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"sshlink/config"
	"sshlink/internal/metrics"
	"sshlink/internal/transport"
	"sshlink/remote"
	"sshlink/secrets"
	"sshlink/tunnel"
	"sshlink/util"
)

// app holds the components shared by every command.
type app struct {
	cfg     *config.Config
	log     *util.Logger
	out     io.Writer
	metrics *metrics.Collector

	dialer  transport.Dialer
	conns   *remote.Registry
	limiter *remote.Limiter

	tunnels atomic.Pointer[tunnel.Registry]

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, out io.Writer) (*app, error) {
	logger := util.NewLogger(cfg.Verbose)
	a := &app{
		cfg:     cfg,
		log:     logger,
		out:     out,
		metrics: metrics.New(),
	}

	store, err := openSecrets(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, func() { c.Close() })
	}

	var prompt transport.Prompter
	if cfg.Interactive {
		prompt = transport.TerminalPrompter
	}
	a.dialer = transport.NewSSHDialer(store, prompt, cfg.ConnTimeout, logger)
	a.conns = remote.NewRegistry(a.remoteOptions(), cfg.ResetPause)
	a.limiter = remote.NewLimiter(cfg.MaxConnsPerServer)
	a.closers = append(a.closers, func() { a.conns.ResetAll(context.Background()) })

	if cfg.MetricsAddr != "" {
		stop, err := a.serveMetrics(cfg.MetricsAddr)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, stop)
	}
	return a, nil
}

func (a *app) remoteOptions() remote.Options {
	return remote.OptionsFrom(a.cfg, a.dialer, a.log, a.metrics)
}

// close runs the registered cleanups in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// withHandle runs fn on the shared connection to the configured server.
func (a *app) withHandle(ctx context.Context, fn func(*remote.Handle) error) error {
	return remote.WithConnection(ctx, a.conns, a.limiter, a.cfg.Server, fn)
}

// tunnelStatus reports the running tunnels, if any.
func (a *app) tunnelStatus() []tunnel.Status {
	if reg := a.tunnels.Load(); reg != nil {
		return reg.Snapshot()
	}
	return nil
}

// openSecrets picks the secret backend: Redis, a YAML file, or an
// empty in-memory store.
func openSecrets(ctx context.Context, cfg *config.Config) (secrets.Store, error) {
	switch {
	case cfg.RedisAddr != "":
		return secrets.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case cfg.SecretsPath != "":
		return secrets.OpenFile(cfg.SecretsPath)
	default:
		return secrets.NewMemory(nil), nil
	}
}

// serveMetrics starts the metrics endpoint and returns a func that shuts
// it down.
func (a *app) serveMetrics(addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           metricsMux(a.metrics, a.tunnelStatus),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log := a.log.Named("metrics")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("server: %v", err)
		}
	}()
	log.Info("serving on http://%s/metrics", ln.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx) //nolint:errcheck
	}, nil
}
