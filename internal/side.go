//go:build linux

package internal

import (
	"github.com/go-pantheon/fabrica-proxy/internal/peer"
	"github.com/go-pantheon/fabrica-proxy/reactor"
	"github.com/go-pantheon/fabrica-util/errors"
)

// side is one peer of a Connection together with the registrations it owns.
// At most one of read and hangup is active at a time.
type side struct {
	peer   *peer.Peer
	read   *reactor.Registration
	write  *reactor.Registration
	hangup *reactor.Registration

	// target is the host:port an upstream side was dialed for.
	target string
	// connecting is set until the first writable event of a non-blocking connect.
	connecting bool
}

func idle(reactor.Event) {}

func newSide(r *reactor.Reactor, p *peer.Peer) (*side, error) {
	s := &side{peer: p}

	var err error

	if s.read, err = reactor.NewRegistration(r, p.FD(), reactor.Readable, idle, false); err != nil {
		return nil, err
	}

	if s.write, err = reactor.NewRegistration(r, p.FD(), reactor.Writable, idle, false); err != nil {
		return nil, err
	}

	if s.hangup, err = reactor.NewRegistration(r, p.FD(), reactor.Hangup, idle, false); err != nil {
		return nil, err
	}

	return s, nil
}

// reading switches from a disconnect-only watch to reading with h.
func (s *side) reading(h reactor.Handler) error {
	if err := s.hangup.Pause(); err != nil {
		return err
	}

	return s.read.Set(h)
}

// watching pauses reading and only watches for the peer going away.
func (s *side) watching(h reactor.Handler) error {
	if err := s.read.Pause(); err != nil {
		return err
	}

	return s.hangup.Set(h)
}

// quiet pauses every interest of the side.
func (s *side) quiet() error {
	return errors.Join(errors.Join(s.read.Pause(), s.write.Pause()), s.hangup.Pause())
}

// close releases the registrations before the socket.
func (s *side) close() error {
	err := errors.Join(errors.Join(s.read.Close(), s.write.Close()), s.hangup.Close())

	return errors.Join(err, s.peer.Close())
}
