// Package stream provides the relay buffer shared by both directions of a proxied
// connection. It accumulates bytes that are not yet forwarded and tracks how many
// body bytes the current message still expects.
package stream

import "fmt"

// Unknown marks a body whose end is found by the chunked terminator rather than a length.
const Unknown = -1

// ChunkedEnd is the byte sequence that closes a chunked body.
var ChunkedEnd = []byte("\r\n0\r\n\r\n")

// Buffer accumulates message bytes for forwarding.
//
// remaining is the number of bytes still expected from the producing peer. It is
// Unknown for chunked bodies until the terminator is seen, then becomes 0.
type Buffer struct {
	data      []byte
	off       int
	remaining int
	tail      []byte
}

// New seeds a buffer with the bytes already read past (and including) a header and
// the total number of bytes the message is expected to have.
func New(initial []byte, remaining int) *Buffer {
	b := &Buffer{
		tail: make([]byte, 0, len(ChunkedEnd)),
	}
	b.Reset(initial, remaining)

	return b
}

// Reset discards the buffered state and seeds it again. It returns how many bytes of
// initial were accepted; the rest belongs to whatever follows the message.
func (b *Buffer) Reset(initial []byte, remaining int) int {
	b.Clear()
	b.remaining = remaining

	return b.Append(initial)
}

// Append adds chunk to the buffer, truncated to the remaining expected length.
// It returns the number of bytes consumed from chunk.
func (b *Buffer) Append(chunk []byte) int {
	if b.remaining == 0 || len(chunk) == 0 {
		return 0
	}

	if b.remaining > 0 && len(chunk) > b.remaining {
		chunk = chunk[:b.remaining]
	}

	b.track(chunk)

	if b.remaining != Unknown {
		b.remaining -= len(chunk)
	}

	b.compact()
	b.data = append(b.data, chunk...)

	if b.remaining == Unknown && string(b.tail) == string(ChunkedEnd) {
		b.remaining = 0
	}

	return len(chunk)
}

func (b *Buffer) track(chunk []byte) {
	n := len(ChunkedEnd)

	if len(chunk) >= n {
		b.tail = append(b.tail[:0], chunk[len(chunk)-n:]...)
		return
	}

	b.tail = append(b.tail, chunk...)
	if len(b.tail) > n {
		b.tail = b.tail[:copy(b.tail, b.tail[len(b.tail)-n:])]
	}
}

// compact moves unread bytes to the front once more than half of the backing array
// has been consumed.
func (b *Buffer) compact() {
	if b.off == 0 || b.off < cap(b.data)/2 {
		return
	}

	b.data = b.data[:copy(b.data, b.data[b.off:])]
	b.off = 0
}

// Get returns a view of at most amount buffered bytes without consuming them.
// A negative amount returns everything. The view is valid until the next mutation.
func (b *Buffer) Get(amount int) []byte {
	buffered := b.data[b.off:]
	if amount < 0 || amount >= len(buffered) {
		return buffered
	}

	return buffered[:amount]
}

// Bytes returns a view of all buffered bytes.
func (b *Buffer) Bytes() []byte {
	return b.Get(-1)
}

// PopFront consumes the first amount bytes. Consuming more than is buffered is a
// programming error.
func (b *Buffer) PopFront(amount int) {
	if amount < 0 || amount > b.Len() {
		panic(fmt.Sprintf("stream: pop %d bytes from buffer of %d", amount, b.Len()))
	}

	b.off += amount
	if b.off == len(b.data) {
		b.data = b.data[:0]
		b.off = 0
	}
}

// Len returns the number of buffered, not yet consumed bytes.
func (b *Buffer) Len() int {
	return len(b.data) - b.off
}

// Remaining returns the number of bytes still expected from the producer, Unknown
// while a chunked body is unterminated, and 0 once the message is fully received.
func (b *Buffer) Remaining() int {
	return b.remaining
}

// Received reports whether the whole message has been received.
func (b *Buffer) Received() bool {
	return b.remaining == 0
}

// Drained reports whether the whole message has been received and forwarded.
func (b *Buffer) Drained() bool {
	return b.remaining == 0 && b.Len() == 0
}

// Clear empties the buffer for reuse.
func (b *Buffer) Clear() {
	b.data = b.data[:0]
	b.off = 0
	b.remaining = 0
	b.tail = b.tail[:0]
}
