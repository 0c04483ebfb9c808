// Package relay implements the bidirectional byte-pump shared by every
// proxy session once a handshake has produced a second stream.
package relay

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/multiproxy/internal/logging"
	"github.com/postalsys/multiproxy/internal/recovery"
)

// DefaultChunkSize is the per-read buffer size. The spec allows 1KiB-64KiB;
// 32KiB amortizes syscall overhead without holding large idle buffers.
const DefaultChunkSize = 32 * 1024

// DefaultReadTimeout bounds each direction's read so that an idle,
// already-finished peer is noticed within one timeout window.
const DefaultReadTimeout = 2 * time.Second

// halfCloser is implemented by connections that support a half-close
// (TCP and anything else that can stop writing without hanging up reads).
type halfCloser interface {
	CloseWrite() error
}

// deadlineConn is implemented by connections that support read deadlines.
// Every net.Conn, net.Pipe endpoints included, satisfies it; pumpOne
// skips the per-read deadline only for a stream that does not.
type deadlineConn interface {
	SetReadDeadline(t time.Time) error
}

// Recorder receives byte counts as each direction completes. Either
// function may be nil.
type Recorder struct {
	OnClientToUpstream func(n int64)
	OnUpstreamToClient func(n int64)
}

// Options configures a Pump.
type Options struct {
	ChunkSize   int
	ReadTimeout time.Duration
	Logger      *slog.Logger
	Recorder    Recorder
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.NopLogger()
	}
	return o
}

// Pump copies bytes between client and upstream concurrently until
// either source reaches EOF or a read/write error occurs, then closes
// both streams. It returns the first non-nil, non-EOF error observed,
// or nil on a clean bidirectional shutdown.
//
// Each direction reads in bounded chunks gated by a read deadline (when
// the stream supports one); on a timeout it simply rechecks a shared
// stop flag and loops, which guarantees the idle side notices the other
// direction's EOF within one timeout window without a dedicated
// cancellation channel.
func Pump(client, upstream net.Conn, opts Options) error {
	opts = opts.withDefaults()

	var stopped atomic.Bool
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(opts.Logger, "relay.Pump client->upstream")
		n, err := pumpOne(client, upstream, &stopped, opts)
		if opts.Recorder.OnClientToUpstream != nil {
			opts.Recorder.OnClientToUpstream(n)
		}
		errs[0] = err
	}()

	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(opts.Logger, "relay.Pump upstream->client")
		n, err := pumpOne(upstream, client, &stopped, opts)
		if opts.Recorder.OnUpstreamToClient != nil {
			opts.Recorder.OnUpstreamToClient(n)
		}
		errs[1] = err
	}()

	wg.Wait()

	closeStream(client)
	closeStream(upstream)

	if errs[0] != nil {
		return errs[0]
	}
	return errs[1]
}

// pumpOne copies src->dst until EOF, a non-timeout error, or the stop
// flag is observed set by the peer direction. It signals the stop flag
// itself on EOF so the other direction's next timeout tick exits too,
// and half-closes dst's write side instead of a hard close.
func pumpOne(src, dst net.Conn, stopped *atomic.Bool, opts Options) (int64, error) {
	buf := make([]byte, opts.ChunkSize)
	var total int64

	_, supportsDeadline := src.(deadlineConn)

	for {
		if stopped.Load() {
			return total, nil
		}

		if supportsDeadline {
			src.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		}

		n, err := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				stopped.Store(true)
				// A write failure on an already-closing peer is a clean
				// termination, not a reportable error.
				return total, nil
			}
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			stopped.Store(true)
			halfClose(dst)
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

func halfClose(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		hc.CloseWrite()
		return
	}
}

func closeStream(conn net.Conn) {
	conn.Close()
}
