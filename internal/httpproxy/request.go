package httpproxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// maxLineLength bounds a single request or header line.
const maxLineLength = 65536

// maxHeaders bounds the number of header lines accepted per request.
const maxHeaders = 100

// hopByHop is the fixed set of headers never forwarded to the origin.
// Matching against it is case-sensitive on the wire form received, per
// the parser's contract.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// ErrLineTooLong is returned when a request or header line exceeds maxLineLength.
var ErrLineTooLong = errors.New("httpproxy: line exceeds maximum length")

// ErrTooManyHeaders is returned when more than maxHeaders lines are present.
var ErrTooManyHeaders = errors.New("httpproxy: too many headers")

// Header is a single header as seen on the wire, preserving original case.
type Header struct {
	Name  string
	Value string
}

// Request is a parsed inbound proxy request.
type Request struct {
	Method   string
	Target   string
	Proto    string
	Headers  []Header
	IsConnect bool

	// Host, Port, Path are derived per §4.3. Path is empty for CONNECT.
	Host string
	Port int
	Path string
}

// HeadersToSend returns the subset of Headers forwarded to the origin:
// everything except the literal Proxy-* prefix and the fixed hop-by-hop
// set, matched case-sensitively against the wire form.
func (r *Request) HeadersToSend() []Header {
	kept := make([]Header, 0, len(r.Headers))
	for _, h := range r.Headers {
		if strings.HasPrefix(h.Name, "Proxy-") {
			continue
		}
		if _, hop := hopByHop[h.Name]; hop {
			continue
		}
		kept = append(kept, h)
	}
	return kept
}

// Get returns the first header value matching name case-insensitively,
// as needed to locate Proxy-Authorization regardless of the client's casing.
func (r *Request) Get(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// ReadRequest reads a request line and header block terminated by
// "\r\n\r\n" from br, parses it per spec §4.3, and normalizes the
// derived host to its IDNA A-label form.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, fmt.Errorf("read request line: %w", err)
	}

	fields := strings.Fields(line)
	if len(fields) != 3 {
		return nil, fmt.Errorf("malformed request line: %q", line)
	}

	req := &Request{Method: fields[0], Target: fields[1], Proto: fields[2]}
	req.IsConnect = req.Method == "CONNECT"

	for {
		line, err := readLine(br)
		if err != nil {
			return nil, fmt.Errorf("read headers: %w", err)
		}
		if line == "" {
			break
		}
		if len(req.Headers) >= maxHeaders {
			return nil, ErrTooManyHeaders
		}

		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		req.Headers = append(req.Headers, Header{Name: name, Value: value})
	}

	if err := req.deriveTarget(); err != nil {
		return nil, err
	}
	return req, nil
}

// deriveTarget fills Host/Port/Path per §3's CONNECT-vs-absolute-form rules.
func (r *Request) deriveTarget() error {
	if r.IsConnect {
		host, portStr, err := splitHostPort(r.Target)
		if err != nil {
			return fmt.Errorf("malformed CONNECT target %q: %w", r.Target, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("malformed CONNECT port %q: %w", r.Target, err)
		}
		r.Host = host
		r.Port = port
	} else {
		u, err := url.Parse(r.Target)
		if err != nil {
			return fmt.Errorf("malformed target %q: %w", r.Target, err)
		}
		r.Host = u.Hostname()
		r.Path = u.EscapedPath()
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return fmt.Errorf("malformed port in target %q: %w", r.Target, err)
			}
			r.Port = port
		} else {
			r.Port = 80
		}
	}

	if r.Host == "" {
		return errors.New("empty host")
	}
	if r.Port == 0 {
		return errors.New("zero port")
	}

	if normalized, err := idna.Lookup.ToASCII(r.Host); err == nil {
		r.Host = normalized
	}

	return nil
}

// splitHostPort splits "HOST:PORT" on the final colon, tolerating
// bracketed IPv6 literals.
func splitHostPort(target string) (host, port string, err error) {
	if strings.HasPrefix(target, "[") {
		end := strings.IndexByte(target, ']')
		if end < 0 {
			return "", "", fmt.Errorf("unterminated IPv6 literal")
		}
		host = target[1:end]
		rest := target[end+1:]
		if !strings.HasPrefix(rest, ":") {
			return "", "", fmt.Errorf("missing port")
		}
		return host, rest[1:], nil
	}

	idx := strings.LastIndexByte(target, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("missing port")
	}
	return target[:idx], target[idx+1:], nil
}

// readLine reads a single CRLF-terminated line, enforcing maxLineLength
// and stripping the trailing "\r\n" (or bare "\n").
func readLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", err
		}
		sb.Write(chunk)
		if sb.Len() > maxLineLength {
			return "", ErrLineTooLong
		}
		if !isPrefix {
			return sb.String(), nil
		}
	}
}
