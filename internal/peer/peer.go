//go:build linux

// Package peer wraps one non-blocking TCP socket of a proxied connection.
package peer

import (
	"io"
	"net"

	"github.com/go-pantheon/fabrica-proxy/conf"
	"github.com/go-pantheon/fabrica-proxy/internal/util"
	"github.com/go-pantheon/fabrica-proxy/reactor"
	"github.com/go-pantheon/fabrica-util/errors"
	"golang.org/x/sys/unix"
)

var (
	ErrClosed = errors.New("peer is closed")
	// ErrWouldBlock is returned when the socket is not ready. The caller waits for the next readiness event.
	ErrWouldBlock = errors.New("peer operation would block")
	// ErrShortWrite is returned when a ready socket accepted no bytes.
	ErrShortWrite = errors.New("peer accepted no bytes")
)

type Peer struct {
	fd   int
	addr string
}

// New takes ownership of a connected non-blocking socket.
func New(fd int, addr string) *Peer {
	return &Peer{
		fd:   fd,
		addr: addr,
	}
}

// Dial starts a non-blocking connect to ip:port. The connect completes when the
// socket turns writable; ConnectError then reports its outcome.
func Dial(ip net.IP, port int, c conf.Server) (*Peer, error) {
	sa, family := util.Sockaddr(ip, port)
	addr := util.String(sa)

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, errors.Wrapf(err, "create socket failed. addr=%s", addr)
	}

	p := New(fd, addr)

	if err = p.Setup(c); err != nil {
		return nil, errors.Join(err, p.Close())
	}

	// An interrupted non-blocking connect keeps going in the background like EINPROGRESS.
	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EINTR) {
		return nil, errors.Join(errors.Wrapf(err, "connect failed. addr=%s", addr), p.Close())
	}

	return p, nil
}

// Setup applies the socket options of c.
func (p *Peer) Setup(c conf.Server) error {
	if err := unix.SetsockoptInt(p.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return errors.Wrapf(err, "set nodelay failed. addr=%s", p.addr)
	}

	if c.KeepAlive {
		if err := unix.SetsockoptInt(p.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return errors.Wrapf(err, "set keepalive failed. addr=%s", p.addr)
		}
	}

	if c.ReadBufSize > 0 {
		if err := unix.SetsockoptInt(p.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, c.ReadBufSize); err != nil {
			return errors.Wrapf(err, "set read buffer failed. addr=%s", p.addr)
		}
	}

	if c.WriteBufSize > 0 {
		if err := unix.SetsockoptInt(p.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, c.WriteBufSize); err != nil {
			return errors.Wrapf(err, "set write buffer failed. addr=%s", p.addr)
		}
	}

	return nil
}

func (p *Peer) FD() int {
	return p.fd
}

func (p *Peer) Addr() string {
	return p.addr
}

// Read returns io.EOF once the remote side finished sending.
func (p *Peer) Read(buf []byte) (int, error) {
	if p.fd < 0 {
		return 0, ErrClosed
	}

	for {
		n, err := unix.Read(p.fd, buf)

		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, errors.Wrapf(err, "read failed. addr=%s", p.addr)
		case n == 0 && len(buf) > 0:
			return 0, io.EOF
		}

		return n, nil
	}
}

// Send makes one attempt to write b and returns how many bytes the socket accepted.
func (p *Peer) Send(b []byte) (int, error) {
	if p.fd < 0 {
		return 0, ErrClosed
	}

	for {
		n, err := unix.SendmsgN(p.fd, b, nil, nil, unix.MSG_NOSIGNAL)

		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, errors.Wrapf(err, "send failed. addr=%s", p.addr)
		case n == 0 && len(b) > 0:
			return 0, errors.Wrapf(ErrShortWrite, "addr=%s", p.addr)
		}

		return n, nil
	}
}

// Pending returns the number of received bytes not yet read.
func (p *Peer) Pending() (int, error) {
	if p.fd < 0 {
		return 0, ErrClosed
	}

	n, err := unix.IoctlGetInt(p.fd, unix.SIOCINQ)
	if err != nil {
		return 0, errors.Wrapf(err, "query pending bytes failed. addr=%s", p.addr)
	}

	return n, nil
}

// Disconnected reports whether ev says the remote side is gone with nothing left to read.
func (p *Peer) Disconnected(ev reactor.Event) bool {
	if ev.Failed {
		return true
	}

	if !ev.Hangup {
		return false
	}

	n, err := p.Pending()

	return err != nil || n == 0
}

// ConnectError reports the outcome of a non-blocking connect.
func (p *Peer) ConnectError() error {
	if p.fd < 0 {
		return ErrClosed
	}

	code, err := unix.GetsockoptInt(p.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrapf(err, "query connect result failed. addr=%s", p.addr)
	}

	if code != 0 {
		return errors.Wrapf(unix.Errno(code), "connect failed. addr=%s", p.addr)
	}

	return nil
}

// Close releases the socket. It is safe to call more than once.
func (p *Peer) Close() error {
	if p.fd < 0 {
		return nil
	}

	fd := p.fd
	p.fd = -1

	if err := unix.Close(fd); err != nil {
		return errors.Wrapf(err, "close failed. addr=%s", p.addr)
	}

	return nil
}

func (p *Peer) Closed() bool {
	return p.fd < 0
}
