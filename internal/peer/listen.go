//go:build linux

package peer

import (
	"github.com/go-pantheon/fabrica-proxy/internal/util"
	"github.com/go-pantheon/fabrica-util/errors"
	"golang.org/x/sys/unix"
)

// Listen opens a non-blocking listening socket on bind and returns it with its bound address.
func Listen(bind string, backlog int) (fd int, endpoint string, err error) {
	sa, family, err := util.ResolveSockaddr(bind)
	if err != nil {
		return -1, "", err
	}

	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, "", errors.Wrapf(err, "create listen socket failed. bind=%s", bind)
	}

	defer func() {
		if err != nil {
			err = errors.Join(err, unix.Close(fd))
			fd = -1
		}
	}()

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fd, "", errors.Wrapf(err, "set reuseaddr failed. bind=%s", bind)
	}

	if err = unix.Bind(fd, sa); err != nil {
		return fd, "", errors.Wrapf(err, "bind failed. bind=%s", bind)
	}

	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}

	if err = unix.Listen(fd, backlog); err != nil {
		return fd, "", errors.Wrapf(err, "listen failed. bind=%s", bind)
	}

	local, err := unix.Getsockname(fd)
	if err != nil {
		return fd, "", errors.Wrapf(err, "getsockname failed. bind=%s", bind)
	}

	return fd, util.String(local), nil
}

// Accept takes one pending connection from the listening socket lfd.
func Accept(lfd int) (*Peer, error) {
	for {
		fd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)

		switch {
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, ErrWouldBlock
		case err != nil:
			return nil, errors.Wrapf(err, "accept failed. lfd=%d", lfd)
		}

		return New(fd, util.String(sa)), nil
	}
}
