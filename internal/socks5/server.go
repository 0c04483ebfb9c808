package socks5

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
)

// ServerConfig holds SOCKS5 listener configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:1080").
	Address string

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	// ConnectTimeout bounds outbound dials.
	ConnectTimeout time.Duration

	// IdleTimeout is a deadline set on each connection at accept, bounding
	// the handshake; it is cleared once relaying starts (0 = none).
	IdleTimeout time.Duration

	// Authenticators selects the accepted method negotiation handlers.
	Authenticators []Authenticator

	// Dialer makes outbound connections; defaults to a direct dialer.
	Dialer dialer.Dialer

	// Hooks are the optional accept/auth/connect policy predicates.
	Hooks policy.Hooks

	// RateLimit gates Accept() calls; nil/disabled means unlimited.
	RateLimit *ratelimit.Limiter

	// Logger receives structured session logs; defaults to a no-op logger.
	Logger *slog.Logger

	// Metrics receives connection/byte counters; defaults to the process default.
	Metrics *metrics.Metrics
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "127.0.0.1:1080",
		MaxConnections: 1000,
		ConnectTimeout: 30 * time.Second,
		IdleTimeout:    5 * time.Minute,
		Authenticators: []Authenticator{&NoAuthAuthenticator{}},
		Dialer:         dialer.NewDirect(30 * time.Second),
	}
}

// Server is a SOCKS5 proxy listener.
type Server struct {
	cfg      ServerConfig
	session  *Session
	listener net.Listener
	logger   *slog.Logger
	metrics  *metrics.Metrics

	tracker *conntrack.Tracker[net.Conn]

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a SOCKS5 listener from cfg.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirect(cfg.ConnectTimeout)
	}
	if len(cfg.Authenticators) == 0 {
		cfg.Authenticators = []Authenticator{&NoAuthAuthenticator{}}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	session := NewSession(cfg.Authenticators, cfg.Dialer, cfg.Hooks, logger)
	session.SetMetrics(m)
	if host, _, err := net.SplitHostPort(cfg.Address); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			session.SetUDPBindIP(ip)
		}
	}
	session.OnUDPAssociation(func(*UDPRelay) {
		m.UDPAssociations.Inc()
	})

	return &Server{
		cfg:     cfg,
		session: session,
		logger:  logger,
		metrics: m,
		tracker: conntrack.New[net.Conn](),
		stopCh:  make(chan struct{}),
	}
}

// Start begins accepting connections.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the server, closing the listener and all active
// connections, then waiting for in-flight sessions to exit.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}
		s.tracker.CloseAll()
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops the server, returning ctx.Err() if it expires first.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listening address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int64 {
	return s.tracker.Count()
}

// IsRunning reports whether the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "socks5.Server.acceptLoop")

	for {
		if s.cfg.RateLimit != nil {
			s.cfg.RateLimit.Wait(context.Background())
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.tracker.Count() >= int64(s.cfg.MaxConnections) {
			conn.Close()
			continue
		}

		s.tracker.Add(conn)
		s.metrics.ConnectionsActive.WithLabelValues("socks5").Inc()
		s.metrics.ConnectionsTotal.WithLabelValues("socks5").Inc()
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "socks5.Server.handleConn")
	defer s.tracker.Remove(conn)
	defer s.metrics.ConnectionsActive.WithLabelValues("socks5").Dec()
	defer conn.Close()

	if s.cfg.IdleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}

	if err := s.session.Handle(conn); err != nil {
		s.logger.Debug("socks5 session ended", logging.KeyError, err, logging.KeyRemoteAddr, conn.RemoteAddr().String())
	}
}

// WithAuthenticators returns a copy of cfg with the given authenticators.
func (cfg ServerConfig) WithAuthenticators(auths ...Authenticator) ServerConfig {
	cfg.Authenticators = auths
	return cfg
}

// WithDialer returns a copy of cfg with a custom dialer.
func (cfg ServerConfig) WithDialer(d dialer.Dialer) ServerConfig {
	cfg.Dialer = d
	return cfg
}

// WithMaxConnections returns a copy of cfg with a connection cap.
func (cfg ServerConfig) WithMaxConnections(max int) ServerConfig {
	cfg.MaxConnections = max
	return cfg
}
