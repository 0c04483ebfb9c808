package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/postalsys/multiproxy/internal/dialer"
	"github.com/postalsys/multiproxy/internal/logging"
	"github.com/postalsys/multiproxy/internal/metrics"
	"github.com/postalsys/multiproxy/internal/policy"
	"github.com/postalsys/multiproxy/internal/relay"
)

// udpHoldReadTimeout bounds each read of the TCP control connection held
// open for the duration of a UDP association (spec: 1s read timeout loop).
const udpHoldReadTimeout = 1 * time.Second

// Session processes one accepted SOCKS5 connection end to end: method
// negotiation, optional sub-negotiation, request parsing, and the
// CONNECT or UDP_ASSOCIATE branch.
type Session struct {
	authenticators []Authenticator
	dialer         dialer.Dialer
	hooks          policy.Hooks
	udpBindIP      net.IP
	logger         *slog.Logger
	metrics        *metrics.Metrics

	// onUDPAssociation, if set, is invoked once a UDP relay has been
	// created, so the owning server can count it in its metrics.
	onUDPAssociation func(*UDPRelay)
}

// NewSession creates a Session. A nil dialer falls back to a direct
// dialer with no timeout; an empty authenticator list falls back to
// NO_AUTH only.
func NewSession(auths []Authenticator, d dialer.Dialer, hooks policy.Hooks, logger *slog.Logger) *Session {
	if d == nil {
		d = dialer.NewDirect(0)
	}
	if len(auths) == 0 {
		auths = []Authenticator{&NoAuthAuthenticator{}}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Session{authenticators: auths, dialer: d, hooks: hooks, logger: logger, metrics: metrics.Default()}
}

// SetMetrics overrides the metrics instance used by the session;
// defaults to the process-wide default registry.
func (s *Session) SetMetrics(m *metrics.Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// SetUDPBindIP sets the address UDP relay sockets bind to, matching the
// TCP listener's interface.
func (s *Session) SetUDPBindIP(ip net.IP) {
	s.udpBindIP = ip
}

// OnUDPAssociation registers a callback invoked after a UDP relay is
// created, letting the server track active associations.
func (s *Session) OnUDPAssociation(fn func(*UDPRelay)) {
	s.onUDPAssociation = fn
}

// Handle runs the SOCKS5 state machine to completion.
func (s *Session) Handle(conn net.Conn) error {
	if !s.hooks.AllowAccept(conn.RemoteAddr()) {
		return nil
	}

	if _, err := s.authenticate(conn); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	req, err := s.readRequest(conn)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	switch req.Command {
	case CmdConnect:
		return s.handleConnect(conn, req)
	case CmdUDPAssociate:
		return s.handleUDPAssociate(conn, req)
	default:
		conn.Write(GenerateReply(ReplyCmdNotSupported, nil, 0))
		return fmt.Errorf("unsupported command: 0x%02x", req.Command)
	}
}

// authenticate performs method negotiation and, if selected, the
// username/password sub-negotiation (RFC 1929).
func (s *Session) authenticate(conn net.Conn) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", err
	}
	if header[0] != SOCKS5Version {
		return "", fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}

	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", err
	}

	var selected Authenticator
	for _, auth := range s.authenticators {
		for _, m := range methods {
			if m == auth.GetMethod() {
				selected = auth
				break
			}
		}
		if selected != nil {
			break
		}
	}

	if selected == nil {
		conn.Write([]byte{SOCKS5Version, AuthMethodNoAcceptable})
		return "", errors.New("no acceptable authentication method")
	}

	if _, err := conn.Write([]byte{SOCKS5Version, selected.GetMethod()}); err != nil {
		return "", err
	}

	username, err := selected.Authenticate(conn, conn)
	if err != nil {
		s.metrics.AuthFailures.WithLabelValues("socks5").Inc()
	}
	return username, err
}

// request is the parsed CMD + destination of a SOCKS5 request.
type request struct {
	Command byte
	Dest    AddrPort
}

// readRequest reads [VER][CMD][RSV][ATYP][DST.ADDR][DST.PORT].
func (s *Session) readRequest(conn net.Conn) (*request, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	if header[0] != SOCKS5Version {
		return nil, fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}

	dest, err := UnpackAddrPort(conn)
	if err != nil {
		conn.Write(GenerateReply(ReplyAddrNotSupported, nil, 0))
		return nil, err
	}

	return &request{Command: header[1], Dest: dest}, nil
}

// handleConnect dials the requested destination and, on success, relays
// bytes until either side closes. Cancels the dial if the client
// disconnects mid-handshake.
func (s *Session) handleConnect(conn net.Conn, req *request) error {
	targetAddr := net.JoinHostPort(req.Dest.Addr(), strconv.Itoa(int(req.Dest.Port)))

	host := req.Dest.Addr()
	if !s.hooks.AllowConnect(host, int(req.Dest.Port)) {
		conn.Write(GenerateReply(ReplyNotAllowed, nil, 0))
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialDone := make(chan struct{})
	monitorExited := make(chan struct{})

	go func() {
		defer close(monitorExited)
		buf := make([]byte, 1)
		for {
			select {
			case <-dialDone:
				return
			default:
			}
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			_, err := conn.Read(buf)
			select {
			case <-dialDone:
				return
			default:
			}
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				cancel()
				return
			}
			cancel()
			return
		}
	}()

	dialStart := time.Now()
	target, err := s.dialer.DialContext(ctx, "tcp", targetAddr)
	s.metrics.DialLatency.WithLabelValues("socks5").Observe(time.Since(dialStart).Seconds())
	close(dialDone)
	conn.SetReadDeadline(time.Now().Add(-time.Second))
	<-monitorExited
	conn.SetReadDeadline(time.Time{})

	if err != nil {
		s.metrics.ConnectErrors.WithLabelValues("socks5").Inc()
		if ctx.Err() == context.Canceled {
			return fmt.Errorf("client disconnected during dial to %s", targetAddr)
		}
		conn.Write(GenerateReply(mapErrorToReply(err), nil, 0))
		return fmt.Errorf("dial %s: %w", targetAddr, err)
	}
	defer target.Close()

	if _, err := conn.Write(GenerateReply(ReplySucceeded, net.IPv4zero, 0)); err != nil {
		return err
	}

	conn.SetDeadline(time.Time{})
	target.SetDeadline(time.Time{})

	recorder := relay.Recorder{
		OnClientToUpstream: func(n int64) { s.metrics.BytesRelayed.WithLabelValues("socks5", "up").Add(float64(n)) },
		OnUpstreamToClient: func(n int64) { s.metrics.BytesRelayed.WithLabelValues("socks5", "down").Add(float64(n)) },
	}

	return relay.Pump(conn, target, relay.Options{Logger: s.logger, Recorder: recorder})
}

// handleUDPAssociate binds a UDP relay per spec §4.6 and holds the TCP
// control connection open, draining reads on a 1s timeout loop until the
// client closes it (or an error occurs), at which point the association
// is torn down.
func (s *Session) handleUDPAssociate(conn net.Conn, req *request) error {
	if !s.hooks.AllowConnect(req.Dest.Addr(), int(req.Dest.Port)) {
		conn.Write(GenerateReply(ReplyNotAllowed, nil, 0))
		return nil
	}

	udpRelay, err := NewUDPRelay(s.udpBindIP, req.Dest, s.logger)
	if err != nil {
		conn.Write(GenerateReply(ReplyServerFailure, nil, 0))
		return fmt.Errorf("create UDP relay: %w", err)
	}
	udpRelay.SetMetrics(s.metrics)

	if s.onUDPAssociation != nil {
		s.onUDPAssociation(udpRelay)
	}

	bindAddr := udpRelay.LocalAddr()
	if _, err := conn.Write(GenerateReply(ReplySucceeded, bindAddr.IP, uint16(bindAddr.Port))); err != nil {
		udpRelay.Close()
		return err
	}

	go udpRelay.Serve()

	conn.SetDeadline(time.Time{})
	buf := make([]byte, 1)
	for {
		conn.SetReadDeadline(time.Now().Add(udpHoldReadTimeout))
		_, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			break
		}
	}

	udpRelay.Close()
	return nil
}

// mapErrorToReply converts a dial error to the appropriate SOCKS5 reply code.
func mapErrorToReply(err error) byte {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReplyHostUnreachable
	}
	if netErr, ok := err.(*net.OpError); ok {
		if netErr.Timeout() {
			return ReplyTTLExpired
		}
		if netErr.Op == "dial" {
			return ReplyHostUnreachable
		}
	}
	return ReplyServerFailure
}
