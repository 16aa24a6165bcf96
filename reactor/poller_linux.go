//go:build linux

package reactor

import (
	"github.com/go-pantheon/fabrica-util/errors"
	"golang.org/x/sys/unix"
)

var _ poller = (*epoll)(nil)

// epoll is a level-triggered epoll(7) multiplexer.
type epoll struct {
	fd  int
	raw []unix.EpollEvent
}

func newPoller(maxEvents int) (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}

	return &epoll{
		fd:  fd,
		raw: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func epollEvents(mask interest) uint32 {
	var ev uint32

	if mask.has(Readable) {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}

	if mask.has(Writable) {
		ev |= unix.EPOLLOUT
	}

	if mask.has(Hangup) {
		ev |= unix.EPOLLRDHUP
	}

	return ev
}

func (p *epoll) control(fd int, old, mask interest) error {
	if mask == 0 {
		if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return errors.Wrapf(err, "epoll ctl del fd=%d", fd)
		}

		return nil
	}

	op := unix.EPOLL_CTL_MOD
	if old == 0 {
		op = unix.EPOLL_CTL_ADD
	}

	ev := unix.EpollEvent{
		Events: epollEvents(mask),
		Fd:     int32(fd),
	}

	if err := unix.EpollCtl(p.fd, op, fd, &ev); err != nil {
		return errors.Wrapf(err, "epoll ctl op=%d fd=%d", op, fd)
	}

	return nil
}

func (p *epoll) wait(events []readiness, timeoutMs int) (int, error) {
	if timeoutMs < 0 {
		timeoutMs = -1
	}

	n, err := unix.EpollWait(p.fd, p.raw[:min(len(events), len(p.raw))], timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}

		return 0, errors.Wrap(err, "epoll wait")
	}

	for i, ev := range p.raw[:n] {
		events[i] = readiness{
			fd:       int(ev.Fd),
			readable: ev.Events&unix.EPOLLIN != 0,
			writable: ev.Events&unix.EPOLLOUT != 0,
			hangup:   ev.Events&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0,
			failed:   ev.Events&unix.EPOLLERR != 0,
		}
	}

	return n, nil
}

func (p *epoll) close() error {
	return unix.Close(p.fd)
}

// newWakeChannel returns a pipe whose read end is non-blocking. The write end blocks so
// a wake byte is never dropped.
func newWakeChannel() (r, w int, err error) {
	var fds [2]int

	if err = unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, errors.Wrap(err, "pipe2")
	}

	if err = unix.SetNonblock(fds[0], true); err != nil {
		return -1, -1, errors.Join(errors.Wrap(err, "set wake read end non-blocking"), closeWakeChannel(fds[0], fds[1]))
	}

	return fds[0], fds[1], nil
}

func writeWake(fd int) error {
	for {
		_, err := unix.Write(fd, []byte{'T'})
		if errors.Is(err, unix.EINTR) {
			continue
		}

		return err
	}
}

// readWake reads at most len(buf) wake bytes and returns how many were read.
func readWake(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case err != nil:
			return 0, err
		}

		return n, nil
	}
}

func closeWakeChannel(r, w int) error {
	var err error

	if closeErr := unix.Close(r); closeErr != nil {
		err = errors.Wrapf(closeErr, "close wake read end fd=%d", r)
	}

	if closeErr := unix.Close(w); closeErr != nil {
		err = errors.Join(err, errors.Wrapf(closeErr, "close wake write end fd=%d", w))
	}

	return err
}
