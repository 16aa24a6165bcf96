package httpheader

import (
	"fmt"
	"math"
	"strconv"
	"testing"

	"github.com/go-pantheon/fabrica-proxy/internal/stream"
	"github.com/go-pantheon/fabrica-util/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendSplitRequest(t *testing.T) {
	t.Parallel()

	h := New(0, 0)

	require.NoError(t, h.Append([]byte("GET / HTTP/1.1\r\nHost: examp")))
	assert.Equal(t, StateReading, h.State())
	assert.Equal(t, 27, h.Size())

	require.NoError(t, h.Append([]byte("le.com\r\n\r\n")))
	assert.Equal(t, StateComplete, h.State())

	host, err := h.Host()
	require.NoError(t, err)
	assert.Equal(t, "example.com", host)

	port, err := h.Port()
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, port)

	assert.Equal(t, FramingUndefined, h.Framing())
	assert.Equal(t, h.Size(), h.BodyRemaining())
}

func TestClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		raw         string
		wantFraming Framing
		wantLength  int
		wantRemain  func(size int) int
	}{
		{
			name:        "content length",
			raw:         "POST /a HTTP/1.1\r\nHost: a.com\r\nContent-Length: 12\r\n\r\n",
			wantFraming: FramingFixedLength,
			wantLength:  12,
			wantRemain:  func(size int) int { return size + 12 },
		},
		{
			name:        "content length case insensitive",
			raw:         "HTTP/1.1 200 OK\r\ncontent-length:3\r\n\r\n",
			wantFraming: FramingFixedLength,
			wantLength:  3,
			wantRemain:  func(size int) int { return size + 3 },
		},
		{
			name:        "chunked",
			raw:         "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n",
			wantFraming: FramingChunked,
			wantRemain:  func(int) int { return stream.Unknown },
		},
		{
			name:        "chunked wins over content length",
			raw:         "HTTP/1.1 200 OK\r\nContent-Length: 10\r\nTransfer-Encoding: gzip, chunked\r\n\r\n",
			wantFraming: FramingChunked,
			wantLength:  10,
			wantRemain:  func(int) int { return stream.Unknown },
		},
		{
			name:        "no body",
			raw:         "GET / HTTP/1.1\r\nHost: a.com\r\n\r\n",
			wantFraming: FramingUndefined,
			wantRemain:  func(size int) int { return size },
		},
		{
			name:        "not modified ignores length",
			raw:         "HTTP/1.1 304 Not Modified\r\nContent-Length: 99\r\n\r\n",
			wantFraming: FramingUndefined,
			wantRemain:  func(size int) int { return size },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := New(0, 0)
			require.NoError(t, h.Append([]byte(tt.raw)))
			require.True(t, h.Complete())

			assert.Equal(t, tt.wantFraming, h.Framing())
			assert.Equal(t, tt.wantLength, h.ContentLength())
			assert.Equal(t, len(tt.raw), h.Size())
			assert.Equal(t, tt.wantRemain(h.Size()), h.BodyRemaining())
		})
	}
}

func TestChunkBoundaryIndependence(t *testing.T) {
	t.Parallel()

	raw := []byte("POST http://example.com:8080/upload?x=1 HTTP/1.1\r\n" +
		"Host: ignored.example\r\nContent-Length: 5\r\n\r\nhello")

	whole := New(0, 0)
	require.NoError(t, whole.Append(raw))
	require.True(t, whole.Complete())

	for i := 0; i <= len(raw); i++ {
		for j := i; j <= len(raw); j++ {
			h := New(0, 0)

			require.NoError(t, h.Append(raw[:i]))
			require.NoError(t, h.Append(raw[i:j]))
			require.NoError(t, h.Append(raw[j:]))

			msg := fmt.Sprintf("split at %d/%d", i, j)
			require.True(t, h.Complete(), msg)
			assert.Equal(t, whole.Framing(), h.Framing(), msg)
			assert.Equal(t, whole.ContentLength(), h.ContentLength(), msg)
			assert.Equal(t, whole.Size(), h.Size(), msg)
			assert.Equal(t, string(whole.Bytes()), string(h.Bytes()), msg)
		}
	}
}

func TestAbsoluteFormRewrite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        string
		wantLine   string
		wantTarget string
	}{
		{
			name:       "with path and port",
			raw:        "GET http://example.com:8080/a/b?c=d HTTP/1.1\r\nHost: example.com:8080\r\n\r\n",
			wantLine:   "GET /a/b?c=d HTTP/1.1\r\n",
			wantTarget: "example.com:8080",
		},
		{
			name:       "no path",
			raw:        "GET http://example.com HTTP/1.0\r\n\r\n",
			wantLine:   "GET / HTTP/1.0\r\n",
			wantTarget: "example.com:80",
		},
		{
			name:       "query only",
			raw:        "GET HTTP://Example.com?q=1 HTTP/1.1\r\n\r\n",
			wantLine:   "GET /?q=1 HTTP/1.1\r\n",
			wantTarget: "Example.com:80",
		},
		{
			name:       "origin form untouched",
			raw:        "GET /index.html HTTP/1.1\r\nHost: [::1]:9000\r\n\r\n",
			wantLine:   "GET /index.html HTTP/1.1\r\n",
			wantTarget: "[::1]:9000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := New(0, 0)
			require.NoError(t, h.Append([]byte(tt.raw+"BODY")))
			require.True(t, h.Complete())

			assert.Equal(t, tt.wantLine, string(h.Bytes()[:len(tt.wantLine)]))
			assert.Equal(t, "\r\n\r\n", string(h.Bytes()[h.Size()-4:h.Size()]))
			assert.Equal(t, "BODY", string(h.Bytes()[h.Size():]))

			target, err := h.Target()
			require.NoError(t, err)
			assert.Equal(t, tt.wantTarget, target)
		})
	}
}

func TestErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{
			name:    "bad content length",
			raw:     "HTTP/1.1 200 OK\r\nContent-Length: abc\r\n\r\n",
			wantErr: ErrMalformed,
		},
		{
			name:    "header line without colon",
			raw:     "GET / HTTP/1.1\r\nbroken\r\n\r\n",
			wantErr: ErrMalformed,
		},
		{
			name:    "bad request line",
			raw:     "GET /\r\nHost: a\r\n\r\n",
			wantErr: ErrMalformed,
		},
		{
			name:    "content length overflows",
			raw:     "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 9223372036854775807\r\n\r\n",
			wantErr: ErrMalformed,
		},
		{
			name:    "connect",
			raw:     "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n",
			wantErr: ErrUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := New(0, 0)
			err := h.Append([]byte(tt.raw))
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.False(t, h.Complete())
		})
	}
}

func TestNoHost(t *testing.T) {
	t.Parallel()

	h := New(0, 0)
	require.NoError(t, h.Append([]byte("GET / HTTP/1.1\r\nAccept: */*\r\n\r\n")))

	_, err := h.Host()
	assert.True(t, errors.Is(err, ErrNoHost))

	_, err = h.Target()
	assert.True(t, errors.Is(err, ErrNoHost))
}

func TestLargestContentLength(t *testing.T) {
	t.Parallel()

	const prefix = "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: "

	size := len(prefix) + len(strconv.Itoa(math.MaxInt)) + len("\r\n\r\n")
	n := math.MaxInt - size

	h := New(0, 0)
	require.NoError(t, h.Append([]byte(prefix+strconv.Itoa(n)+"\r\n\r\n")))
	require.True(t, h.Complete())
	require.Equal(t, size, h.Size())
	assert.Equal(t, math.MaxInt, h.BodyRemaining())

	b := stream.New(h.Bytes(), h.BodyRemaining())
	assert.Equal(t, n, b.Remaining())

	b.Append([]byte("xyz"))
	assert.Equal(t, n-3, b.Remaining())
	assert.False(t, b.Received())
}

func TestTooLarge(t *testing.T) {
	t.Parallel()

	h := New(32, 0)
	require.NoError(t, h.Append([]byte("GET / HTTP/1.1\r\n")))

	err := h.Append([]byte("X-Long: 0123456789abcdef\r\n"))
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestClear(t *testing.T) {
	t.Parallel()

	h := New(0, 8080)
	require.NoError(t, h.Append([]byte("POST / HTTP/1.1\r\nHost: a.com\r\nContent-Length: 4\r\n\r\n")))
	require.True(t, h.Complete())

	h.Clear()
	assert.Equal(t, StateReading, h.State())
	assert.Equal(t, FramingUndefined, h.Framing())
	assert.Equal(t, 0, h.ContentLength())
	assert.Equal(t, 0, h.Size())
	assert.Empty(t, h.Bytes())

	require.NoError(t, h.Append([]byte("GET / HTTP/1.1\r\nHost: b.com\r\n\r\n")))

	target, err := h.Target()
	require.NoError(t, err)
	assert.Equal(t, "b.com:8080", target)
}

func TestMethod(t *testing.T) {
	t.Parallel()

	h := New(0, 0)
	require.NoError(t, h.Append([]byte("head / HTTP/1.1\r\nHost: a.com\r\n\r\n")))
	assert.Equal(t, "HEAD", h.Method())
	assert.True(t, h.IsRequest())

	h.Clear()
	require.NoError(t, h.Append([]byte("HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\n")))
	assert.Empty(t, h.Method())
	assert.False(t, h.IsRequest())
}
