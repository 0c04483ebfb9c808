package socks5

import (
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/postalsys/multiproxy/internal/logging"
	"github.com/postalsys/multiproxy/internal/metrics"
	"github.com/postalsys/multiproxy/internal/recovery"
)

// UDPRelay implements the SOCKS5 UDP ASSOCIATE relay (spec §4.6): a
// client-facing datagram endpoint bound at association time, and an
// origin-facing endpoint created lazily on the first client datagram.
// Only one origin-facing endpoint exists per association; subsequent
// datagrams reuse it.
type UDPRelay struct {
	clientConn *net.UDPConn

	filterIP   net.IP
	filterPort uint16

	originOnce sync.Once
	originConn *net.UDPConn

	remoteMu   sync.RWMutex
	remoteAddr *net.UDPAddr

	closed  atomic.Bool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewUDPRelay binds the client-facing socket on bindIP:0 (OS-assigned
// port) and records the expected client endpoint filter from the
// UDP_ASSOCIATE request's destination fields.
func NewUDPRelay(bindIP net.IP, filter AddrPort, logger *slog.Logger) (*UDPRelay, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if bindIP == nil {
		bindIP = net.IPv4zero
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bindIP, Port: 0})
	if err != nil {
		return nil, err
	}

	return &UDPRelay{
		clientConn: conn,
		filterIP:   filter.IP,
		filterPort: filter.Port,
		logger:     logger,
		metrics:    metrics.Default(),
	}, nil
}

// SetMetrics overrides the metrics instance used by the relay; defaults
// to the process-wide default registry.
func (r *UDPRelay) SetMetrics(m *metrics.Metrics) {
	if m != nil {
		r.metrics = m
	}
}

// LocalAddr returns the bound address of the client-facing socket,
// reported to the client in the SOCKS5 reply.
func (r *UDPRelay) LocalAddr() *net.UDPAddr {
	return r.clientConn.LocalAddr().(*net.UDPAddr)
}

// Serve runs the client-facing read loop until Close is called. Each
// datagram is validated against the client filter, decapsulated, and
// forwarded to its stated destination via the lazily-created
// origin-facing endpoint.
func (r *UDPRelay) Serve() {
	defer recovery.RecoverWithLog(r.logger, "socks5.UDPRelay.Serve")

	buf := make([]byte, 65535)
	for {
		n, from, err := r.clientConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if r.closed.Load() {
			return
		}
		if !r.matchesFilter(from) {
			continue
		}

		hdr, payload, err := UnpackUDPHeader(buf[:n])
		if err != nil {
			continue
		}

		r.remoteMu.Lock()
		r.remoteAddr = from
		r.remoteMu.Unlock()

		origin, err := r.ensureOriginConn()
		if err != nil {
			continue
		}

		dstAddr := &net.UDPAddr{IP: hdr.IP, Port: int(hdr.Port)}
		if hdr.AddrType == AddrTypeDomain {
			resolved, err := net.ResolveUDPAddr("udp", net.JoinHostPort(hdr.Domain, strconv.Itoa(int(hdr.Port))))
			if err != nil {
				continue
			}
			dstAddr = resolved
		}

		origin.WriteToUDP(payload, dstAddr)
		r.metrics.UDPDatagrams.WithLabelValues("up").Inc()
	}
}

// matchesFilter reports whether from satisfies the expected client
// endpoint, applying the "any" relaxation to unspecified IP/port values.
func (r *UDPRelay) matchesFilter(from *net.UDPAddr) bool {
	if r.filterIP != nil && !r.filterIP.IsUnspecified() {
		if !from.IP.Equal(r.filterIP) {
			return false
		}
	}
	if r.filterPort != 0 && int(r.filterPort) != from.Port {
		return false
	}
	return true
}

// ensureOriginConn lazily creates the origin-facing endpoint on first
// use and starts its read loop.
func (r *UDPRelay) ensureOriginConn() (*net.UDPConn, error) {
	var err error
	r.originOnce.Do(func() {
		var conn *net.UDPConn
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
		if err != nil {
			return
		}
		r.originConn = conn
		go r.originReadLoop(conn)
	})
	if err != nil {
		return nil, err
	}
	return r.originConn, nil
}

// originReadLoop reads replies from origins and re-encapsulates them
// with a SOCKS5 UDP header addressed back to the remembered client.
func (r *UDPRelay) originReadLoop(conn *net.UDPConn) {
	defer recovery.RecoverWithLog(r.logger, "socks5.UDPRelay.originReadLoop")

	buf := make([]byte, 65535)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if r.closed.Load() {
			return
		}

		r.remoteMu.RLock()
		client := r.remoteAddr
		r.remoteMu.RUnlock()
		if client == nil {
			continue
		}

		header := PackUDPHeader(from.IP.String(), uint16(from.Port))
		packet := make([]byte, len(header)+n)
		copy(packet, header)
		copy(packet[len(header):], buf[:n])

		r.clientConn.WriteToUDP(packet, client)
		r.metrics.UDPDatagrams.WithLabelValues("down").Inc()
	}
}

// Close tears down both datagram endpoints. Safe to call more than once.
func (r *UDPRelay) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.clientConn.Close()
	if conn := r.originConn; conn != nil {
		conn.Close()
	}
	return nil
}
