//go:build linux

package internal

import (
	"sync/atomic"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-pantheon/fabrica-proxy/conf"
	"github.com/go-pantheon/fabrica-proxy/internal/peer"
	"github.com/go-pantheon/fabrica-proxy/reactor"
	"github.com/go-pantheon/fabrica-util/errors"
	"golang.org/x/sys/unix"
)

// acceptBatch bounds the accepts made for one readiness event so a connection
// flood cannot starve the rest of the batch.
const acceptBatch = 64

// AcceptFunc takes ownership of a new client socket.
type AcceptFunc func(id uint64, p *peer.Peer)

// Listener is the passive socket, registered as a readable interest on the loop.
type Listener struct {
	conf     conf.Server
	fd       int
	endpoint string
	reg      *reactor.Registration
	ids      *IDGenerator
	accept   AcceptFunc
}

func newListener(c conf.Server) *Listener {
	return &Listener{
		conf: c,
		fd:   -1,
		ids:  NewIDGenerator(),
	}
}

// Start binds the socket and registers it on r.
func (l *Listener) Start(r *reactor.Reactor, accept AcceptFunc) (err error) {
	if l.fd, l.endpoint, err = peer.Listen(l.conf.Bind, l.conf.Backlog); err != nil {
		return err
	}

	l.accept = accept

	if l.reg, err = reactor.NewRegistration(r, l.fd, reactor.Readable, l.onReadable, true); err != nil {
		return errors.Join(err, l.closeSocket())
	}

	log.Infof("[Listener] listening on %s", l.endpoint)

	return nil
}

func (l *Listener) onReadable(reactor.Event) {
	for range acceptBatch {
		p, err := peer.Accept(l.fd)
		if errors.Is(err, peer.ErrWouldBlock) {
			return
		}

		if err != nil {
			log.Errorf("[Listener] %+v", err)
			return
		}

		if err = p.Setup(l.conf); err != nil {
			log.Warnf("[Listener] configure client failed. %+v", errors.Join(err, p.Close()))
			continue
		}

		l.accept(l.ids.Next(), p)
	}
}

// Stop deregisters and closes the socket.
func (l *Listener) Stop() error {
	var err error

	if l.reg != nil {
		err = l.reg.Close()
		l.reg = nil
	}

	return errors.Join(err, l.closeSocket())
}

func (l *Listener) closeSocket() error {
	if l.fd < 0 {
		return nil
	}

	fd := l.fd
	l.fd = -1

	return unix.Close(fd)
}

// Endpoint returns the bound address as a tcp:// URL.
func (l *Listener) Endpoint() (string, error) {
	if l.endpoint == "" {
		return "", errors.New("listener is not started")
	}

	return "tcp://" + l.endpoint, nil
}

// IDGenerator hands out connection ids, starting at 1.
type IDGenerator struct {
	counter *atomic.Uint64
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{
		counter: &atomic.Uint64{},
	}
}

func (g *IDGenerator) Next() uint64 {
	return g.counter.Add(1)
}
