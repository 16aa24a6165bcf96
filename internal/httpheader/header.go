// Package httpheader incrementally collects an HTTP/1.x message header from a byte
// stream and classifies how the message body is framed.
package httpheader

import (
	"bytes"
	"math"
	"net"
	"strconv"
	"strings"

	"github.com/go-pantheon/fabrica-proxy/internal/stream"
	"github.com/go-pantheon/fabrica-util/errors"
)

var (
	// ErrMalformed is returned when the header cannot be parsed.
	ErrMalformed = errors.New("malformed http header")
	// ErrTooLarge is returned when no header end is found within the size limit.
	ErrTooLarge = errors.New("http header too large")
	// ErrUnsupported is returned for requests this proxy does not forward.
	ErrUnsupported = errors.New("unsupported http request")
	// ErrNoHost is returned when a request names no target host.
	ErrNoHost = errors.New("http request has no host")
)

const (
	DefaultMaxSize = 64 << 10
	DefaultPort    = 80
)

var headerEnd = []byte("\r\n\r\n")

type State int

const (
	StateReading State = iota
	StateParsed
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateParsed:
		return "parsed"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Framing tells how the end of a message body is found.
type Framing int

const (
	FramingUndefined Framing = iota
	FramingFixedLength
	FramingChunked
)

func (f Framing) String() string {
	switch f {
	case FramingUndefined:
		return "undefined"
	case FramingFixedLength:
		return "fixed-length"
	case FramingChunked:
		return "chunked"
	default:
		return "unknown"
	}
}

// Header accumulates raw bytes until the blank line that ends an HTTP header.
// Bytes received after the header stay in the accumulator and are returned by Bytes.
type Header struct {
	maxSize     int
	defaultPort int

	data          []byte
	state         State
	framing       Framing
	contentLength int
	size          int

	request bool
	method  string
	host    string
}

func New(maxSize, defaultPort int) *Header {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	if defaultPort <= 0 {
		defaultPort = DefaultPort
	}

	return &Header{
		maxSize:     maxSize,
		defaultPort: defaultPort,
	}
}

// Append adds chunk to the header. Once the header end is seen the header is parsed
// and the state becomes StateComplete; later chunks are kept as body bytes.
func (h *Header) Append(chunk []byte) error {
	from := len(h.data) - len(headerEnd) + 1
	if from < 0 {
		from = 0
	}

	h.data = append(h.data, chunk...)

	if h.state != StateReading {
		return nil
	}

	i := bytes.Index(h.data[from:], headerEnd)
	if i < 0 {
		if len(h.data) > h.maxSize {
			return errors.Wrapf(ErrTooLarge, "size=%d max=%d", len(h.data), h.maxSize)
		}

		return nil
	}

	end := from + i + len(headerEnd)
	if end > h.maxSize {
		return errors.Wrapf(ErrTooLarge, "size=%d max=%d", end, h.maxSize)
	}

	h.state = StateParsed
	h.size = end

	if err := h.parse(); err != nil {
		return err
	}

	h.state = StateComplete

	return nil
}

func (h *Header) parse() error {
	lines := strings.Split(string(h.data[:h.size-len(headerEnd)]), "\r\n")

	startLine := lines[0]
	if startLine == "" {
		return errors.Wrap(ErrMalformed, "empty start line")
	}

	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return errors.Wrapf(ErrMalformed, "header line=%q", line)
		}

		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(name)) {
		case "content-length":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return errors.Wrapf(ErrMalformed, "content-length=%q", value)
			}

			// The message span is header size plus body and must fit in an int.
			if n > math.MaxInt-h.size {
				return errors.Wrapf(ErrMalformed, "content-length=%q overflows", value)
			}

			if h.framing != FramingChunked {
				h.framing = FramingFixedLength
			}

			h.contentLength = n
		case "transfer-encoding":
			if strings.Contains(strings.ToLower(value), "chunked") {
				h.framing = FramingChunked
			}
		case "host":
			if h.host == "" {
				h.host = value
			}
		}
	}

	if strings.HasPrefix(startLine, "HTTP/") {
		return h.parseStatusLine(startLine)
	}

	return h.parseRequestLine(startLine)
}

// parseStatusLine drops the body of responses that never carry one.
func (h *Header) parseStatusLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return errors.Wrapf(ErrMalformed, "status line=%q", line)
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return errors.Wrapf(ErrMalformed, "status line=%q", line)
	}

	if code < 200 || code == 204 || code == 304 {
		h.framing = FramingUndefined
		h.contentLength = 0
	}

	return nil
}

func (h *Header) parseRequestLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return errors.Wrapf(ErrMalformed, "request line=%q", line)
	}

	h.request = true
	method, uri, proto := parts[0], parts[1], parts[2]
	h.method = strings.ToUpper(method)

	if strings.EqualFold(method, "CONNECT") {
		return errors.Wrapf(ErrUnsupported, "method=%s", method)
	}

	authority, path, ok := splitAbsolute(uri)
	if !ok {
		return nil
	}

	h.host = authority
	h.rewriteStartLine(method + " " + path + " " + proto)

	return nil
}

// splitAbsolute splits an absolute-form request target into authority and origin-form path.
func splitAbsolute(uri string) (authority, path string, ok bool) {
	const scheme = "http://"

	if len(uri) < len(scheme) || !strings.EqualFold(uri[:len(scheme)], scheme) {
		return "", "", false
	}

	rest := uri[len(scheme):]

	i := strings.IndexAny(rest, "/?")
	if i < 0 {
		return rest, "/", true
	}

	path = rest[i:]
	if path[0] == '?' {
		path = "/" + path
	}

	return rest[:i], path, true
}

// rewriteStartLine replaces the first line, keeping header fields and body bytes.
func (h *Header) rewriteStartLine(line string) {
	eol := bytes.Index(h.data, []byte("\r\n"))

	rewritten := make([]byte, 0, len(h.data)-eol+len(line))
	rewritten = append(rewritten, line...)
	rewritten = append(rewritten, h.data[eol:]...)

	h.size += len(line) - eol
	h.data = rewritten
}

// Host returns the target host of a request without port.
func (h *Header) Host() (string, error) {
	host, _, err := h.target()
	return host, err
}

// Port returns the target port of a request, the default port when none is given.
func (h *Header) Port() (int, error) {
	_, port, err := h.target()
	return port, err
}

// Target returns host:port of a request.
func (h *Header) Target() (string, error) {
	host, port, err := h.target()
	if err != nil {
		return "", err
	}

	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func (h *Header) target() (string, int, error) {
	if h.state != StateComplete || !h.request {
		return "", 0, errors.Wrapf(ErrNoHost, "state=%s request=%v", h.state, h.request)
	}

	if h.host == "" {
		return "", 0, ErrNoHost
	}

	host, portStr, err := net.SplitHostPort(h.host)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(h.host, "["), "]")
		if host == "" {
			return "", 0, ErrNoHost
		}

		return host, h.defaultPort, nil
	}

	if host == "" {
		return "", 0, ErrNoHost
	}

	if portStr == "" {
		return host, h.defaultPort, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, errors.Wrapf(ErrMalformed, "port=%q", portStr)
	}

	return host, port, nil
}

// BodyRemaining returns the number of bytes the whole message spans, header included,
// or stream.Unknown for chunked bodies.
func (h *Header) BodyRemaining() int {
	switch h.framing {
	case FramingChunked:
		return stream.Unknown
	case FramingFixedLength:
		return h.size + h.contentLength
	default:
		return h.size
	}
}

func (h *Header) State() State {
	return h.state
}

func (h *Header) Complete() bool {
	return h.state == StateComplete
}

func (h *Header) Framing() Framing {
	return h.framing
}

func (h *Header) ContentLength() int {
	return h.contentLength
}

// Method returns the upper-cased request method, empty for responses.
func (h *Header) Method() string {
	return h.method
}

// IsRequest reports whether the parsed message is a request.
func (h *Header) IsRequest() bool {
	return h.request
}

// Size returns the number of collected bytes while reading and the header length once complete.
func (h *Header) Size() int {
	if h.state != StateComplete {
		return len(h.data)
	}

	return h.size
}

// Bytes returns every collected byte: the header and anything received after it.
func (h *Header) Bytes() []byte {
	return h.data
}

func (h *Header) Clear() {
	h.data = h.data[:0]
	h.state = StateReading
	h.framing = FramingUndefined
	h.contentLength = 0
	h.size = 0
	h.request = false
	h.method = ""
	h.host = ""
}
