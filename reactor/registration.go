package reactor

import (
	"github.com/go-pantheon/fabrica-util/errors"
)

// Registration is the single owner of one (descriptor, direction) interest. It keeps
// its handler while paused so Resume restores it. Close must be called before the
// descriptor is closed; the Registration must not outlive its Reactor.
//
// A Registration is used through its pointer and must not be copied.
type Registration struct {
	r       *Reactor
	key     Key
	handler Handler
	active  bool
	closed  bool
}

// NewRegistration binds h to (fd, dir) and registers it immediately if active.
func NewRegistration(r *Reactor, fd int, dir Direction, h Handler, active bool) (*Registration, error) {
	if h == nil {
		return nil, errors.Wrapf(ErrRegister, "nil handler fd=%d dir=%s", fd, dir)
	}

	g := &Registration{
		r:       r,
		key:     Key{FD: fd, Dir: dir},
		handler: h,
	}

	if active {
		if err := g.Resume(); err != nil {
			return nil, err
		}
	}

	return g, nil
}

// Pause removes the interest from the multiplexer and keeps the handler.
func (g *Registration) Pause() error {
	if !g.active {
		return nil
	}

	g.active = false

	return g.r.RemoveInterest(g.key.FD, g.key.Dir)
}

// Resume registers the stored handler again.
func (g *Registration) Resume() error {
	if g.active {
		return nil
	}

	if g.closed {
		return errors.Wrapf(ErrClosed, "resume closed registration %s", g.key)
	}

	if err := g.r.AddInterest(g.key.FD, g.key.Dir, g.handler); err != nil {
		return err
	}

	g.active = true

	return nil
}

// Rebind replaces the handler. An active registration switches to h immediately.
func (g *Registration) Rebind(h Handler) error {
	if h == nil {
		return errors.Wrapf(ErrRegister, "rebind nil handler %s", g.key)
	}

	g.handler = h

	if !g.active {
		return nil
	}

	return g.r.AddInterest(g.key.FD, g.key.Dir, h)
}

// Set rebinds h and resumes the registration.
func (g *Registration) Set(h Handler) error {
	if err := g.Rebind(h); err != nil {
		return err
	}

	return g.Resume()
}

func (g *Registration) Active() bool {
	return g.active
}

func (g *Registration) Key() Key {
	return g.key
}

// Close pauses the registration for good.
func (g *Registration) Close() error {
	if g.closed {
		return nil
	}

	err := g.Pause()
	g.closed = true

	return err
}
