// Package reverseproxy implements the fixed-target TCP reverse proxy
// session: every accepted connection is relayed to the same configured
// upstream host:port, with an optional accept hook the only gate in
// between.
package reverseproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/multiproxy/internal/conntrack"
	"github.com/postalsys/multiproxy/internal/dialer"
	"github.com/postalsys/multiproxy/internal/logging"
	"github.com/postalsys/multiproxy/internal/metrics"
	"github.com/postalsys/multiproxy/internal/policy"
	"github.com/postalsys/multiproxy/internal/ratelimit"
	"github.com/postalsys/multiproxy/internal/recovery"
	"github.com/postalsys/multiproxy/internal/relay"
)

// ListenerConfig configures a fixed-target reverse proxy listener.
type ListenerConfig struct {
	// Address to listen on (e.g., "0.0.0.0:8443").
	Address string

	// Upstream is the fixed dial target, e.g. "10.0.0.5:443".
	Upstream string

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	// ConnectTimeout bounds the dial to Upstream.
	ConnectTimeout time.Duration

	// Dialer makes the outbound connection; defaults to a direct dialer.
	Dialer dialer.Dialer

	// Hooks carries the optional accept predicate; Connect and Auth are
	// not consulted since the target is fixed at construction.
	Hooks policy.Hooks

	// RateLimit gates Accept() calls; nil/disabled means unlimited.
	RateLimit *ratelimit.Limiter

	// Logger receives structured session logs; defaults to a no-op logger.
	Logger *slog.Logger

	// Metrics receives connection/byte counters; defaults to the process default.
	Metrics *metrics.Metrics
}

// DefaultListenerConfig returns sensible defaults.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		MaxConnections: 1000,
		ConnectTimeout: 30 * time.Second,
	}
}

// Listener accepts TCP connections and relays each to a fixed upstream.
type Listener struct {
	cfg      ListenerConfig
	dialer   dialer.Dialer
	listener net.Listener
	logger   *slog.Logger
	metrics  *metrics.Metrics

	tracker *conntrack.Tracker[net.Conn]

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewListener creates a reverse proxy listener from cfg.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirect(cfg.ConnectTimeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Listener{
		cfg:     cfg,
		dialer:  cfg.Dialer,
		logger:  logger,
		metrics: m,
		tracker: conntrack.New[net.Conn](),
		stopCh:  make(chan struct{}),
	}
}

// Start begins accepting connections.
func (l *Listener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	l.listener = ln
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	return nil
}

// Stop closes the listener and all active connections, then waits for
// in-flight sessions to exit.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)

		if l.listener != nil {
			err = l.listener.Close()
		}
		l.tracker.CloseAll()
	})

	l.wg.Wait()
	return err
}

// Address returns the listening address.
func (l *Listener) Address() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Upstream returns the configured fixed dial target.
func (l *Listener) Upstream() string {
	return l.cfg.Upstream
}

// ConnectionCount returns the number of active connections.
func (l *Listener) ConnectionCount() int64 {
	return l.tracker.Count()
}

// IsRunning reports whether the listener is currently accepting connections.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "reverseproxy.Listener.acceptLoop")

	for {
		if l.cfg.RateLimit != nil {
			l.cfg.RateLimit.Wait(context.Background())
		}

		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				continue
			}
		}

		if l.cfg.MaxConnections > 0 && l.tracker.Count() >= int64(l.cfg.MaxConnections) {
			conn.Close()
			continue
		}

		if !l.cfg.Hooks.AllowAccept(conn.RemoteAddr()) {
			conn.Close()
			continue
		}

		l.tracker.Add(conn)
		l.metrics.ConnectionsActive.WithLabelValues("reverse").Inc()
		l.metrics.ConnectionsTotal.WithLabelValues("reverse").Inc()
		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "reverseproxy.Listener.handleConnection")
	defer l.tracker.Remove(conn)
	defer l.metrics.ConnectionsActive.WithLabelValues("reverse").Dec()
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ConnectTimeout)
	defer cancel()

	// Abandon the dial the moment the listener is stopped, instead of
	// waiting out the full timeout. A client disconnect during the dial
	// is not watched for.
	monitorDone := make(chan struct{})
	defer close(monitorDone)
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-monitorDone:
		}
	}()

	start := time.Now()
	target, err := l.dialer.DialContext(ctx, "tcp", l.cfg.Upstream)
	l.metrics.DialLatency.WithLabelValues("reverse").Observe(time.Since(start).Seconds())
	if err != nil {
		l.metrics.ConnectErrors.WithLabelValues("reverse").Inc()
		l.logger.Debug("reverse proxy dial failed",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyTarget, l.cfg.Upstream,
			logging.KeyError, err)
		return
	}
	defer target.Close()

	l.logger.Debug("reverse proxy session established",
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
		logging.KeyTarget, l.cfg.Upstream)

	recorder := relay.Recorder{
		OnClientToUpstream: func(n int64) { l.metrics.BytesRelayed.WithLabelValues("reverse", "up").Add(float64(n)) },
		OnUpstreamToClient: func(n int64) { l.metrics.BytesRelayed.WithLabelValues("reverse", "down").Add(float64(n)) },
	}

	if err := relay.Pump(conn, target, relay.Options{Logger: l.logger, Recorder: recorder}); err != nil {
		l.logger.Debug("reverse proxy session ended",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyError, err)
	}
}
