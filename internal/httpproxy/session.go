// Package httpproxy implements the HTTP forward proxy session: request
// parsing, optional Basic auth over Proxy-Authorization, the policy
// hooks, and both the CONNECT tunnel and plain-request forwarding paths.
package httpproxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/postalsys/multiproxy/internal/dialer"
	"github.com/postalsys/multiproxy/internal/logging"
	"github.com/postalsys/multiproxy/internal/metrics"
	"github.com/postalsys/multiproxy/internal/policy"
	"github.com/postalsys/multiproxy/internal/relay"
)

// ForwardTimeout bounds the dial-and-forward phase of a session.
const ForwardTimeout = 30 * time.Second

// connectEstablished is the literal response written for a successful CONNECT.
const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// Session drives one HTTP proxy connection to completion.
type Session struct {
	dialer  dialer.Dialer
	hooks   policy.Hooks
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewSession creates a Session bound to d for outbound dials, hooks for
// the three policy predicates, and logger for structured session logs.
func NewSession(d dialer.Dialer, hooks policy.Hooks, logger *slog.Logger) *Session {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Session{dialer: d, hooks: hooks, logger: logger, metrics: metrics.Default()}
}

// SetMetrics overrides the metrics instance used by the session;
// defaults to the process-wide default registry.
func (s *Session) SetMetrics(m *metrics.Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// Handle drives conn through the full proxy state machine: accept hook,
// request parsing, optional Basic auth, connect hook, forward. It always
// closes conn before returning.
func (s *Session) Handle(conn net.Conn) error {
	defer conn.Close()

	if !s.hooks.AllowAccept(conn.RemoteAddr()) {
		return nil
	}

	br := bufio.NewReader(conn)
	req, err := ReadRequest(br)
	if err != nil {
		return fmt.Errorf("parse request: %w", err)
	}

	if s.hooks.Auth != nil {
		ok, err := s.checkProxyAuth(req)
		if err != nil {
			return nil
		}
		if !ok {
			s.metrics.AuthFailures.WithLabelValues("http").Inc()
			return nil
		}
	}

	if !s.hooks.AllowConnect(req.Host, req.Port) {
		return nil
	}

	return s.forward(conn, req)
}

// checkProxyAuth reads Proxy-Authorization, requiring Basic scheme, and
// evaluates the auth hook. A missing header or decode failure is treated
// as a failed auth when a hook is registered.
func (s *Session) checkProxyAuth(req *Request) (bool, error) {
	header, ok := req.Get("Proxy-Authorization")
	if !ok {
		return false, nil
	}

	scheme, encoded, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return false, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, nil
	}

	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return false, nil
	}

	return s.hooks.CheckAuth(username, password), nil
}

// forward performs the dial and either the CONNECT handshake or a
// rewritten plain-request forward, then hands both streams to the relay.
func (s *Session) forward(conn net.Conn, req *Request) error {
	ctx, cancel := context.WithTimeout(context.Background(), ForwardTimeout)
	defer cancel()

	targetAddr := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))

	// Abandon the dial the instant the client disconnects, mirroring
	// the cancellation-on-disconnect idiom used by the SOCKS5 session:
	// poll with a short read deadline instead of blocking, so the
	// monitor never consumes bytes the relay will need later.
	dialDone := make(chan struct{})
	monitorExited := make(chan struct{})
	var early []byte
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
			n, err := conn.Read(buf)
			if n > 0 {
				// Client data, not a disconnect: keep it for the upstream.
				early = append(early, buf[:n]...)
				return
			}
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
	upstream, err := s.dialer.DialContext(ctx, "tcp", targetAddr)
	s.metrics.DialLatency.WithLabelValues("http").Observe(time.Since(dialStart).Seconds())
	close(dialDone)
	conn.SetReadDeadline(time.Now().Add(-time.Second))
	<-monitorExited
	conn.SetReadDeadline(time.Time{})

	if err != nil {
		s.metrics.ConnectErrors.WithLabelValues("http").Inc()
		return fmt.Errorf("dial %s: %w", targetAddr, err)
	}
	defer func() {
		if upstream != nil {
			upstream.Close()
		}
	}()

	// The reply and request writes share the dial's ForwardTimeout deadline.
	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
		upstream.SetWriteDeadline(dl)
	}

	if req.IsConnect {
		if _, err := conn.Write([]byte(connectEstablished)); err != nil {
			return fmt.Errorf("write connect reply: %w", err)
		}
	} else {
		if err := writeForwardedRequest(upstream, req); err != nil {
			return fmt.Errorf("write forwarded request: %w", err)
		}
	}
	if len(early) > 0 {
		if _, err := upstream.Write(early); err != nil {
			return fmt.Errorf("write early client bytes: %w", err)
		}
	}

	// Handshake deadlines end here; the relay bounds its own reads.
	conn.SetDeadline(time.Time{})
	upstream.SetDeadline(time.Time{})

	s.logger.Debug("http proxy session established",
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
		logging.KeyTarget, targetAddr,
		"method", req.Method)

	dst := upstream
	upstream = nil // ownership transferred to relay.Pump's close

	recorder := relay.Recorder{
		OnClientToUpstream: func(n int64) { s.metrics.BytesRelayed.WithLabelValues("http", "up").Add(float64(n)) },
		OnUpstreamToClient: func(n int64) { s.metrics.BytesRelayed.WithLabelValues("http", "down").Add(float64(n)) },
	}

	return relay.Pump(conn, dst, relay.Options{Logger: s.logger, Recorder: recorder})
}

// writeForwardedRequest emits the rewritten request line and kept
// headers to upstream. No request body is forwarded; this proxy
// generation handles header-only forwarding (GET/HEAD-shaped traffic
// and CONNECT tunnels), not request bodies.
func writeForwardedRequest(upstream net.Conn, req *Request) error {
	if _, err := fmt.Fprintf(upstream, "%s %s %s\r\n", req.Method, req.Path, req.Proto); err != nil {
		return err
	}
	for _, h := range req.HeadersToSend() {
		if _, err := fmt.Fprintf(upstream, "%s: %s\r\n", h.Name, h.Value); err != nil {
			return err
		}
	}
	_, err := upstream.Write([]byte("\r\n"))
	return err
}
