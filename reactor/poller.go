package reactor

// readiness is one descriptor's readiness as reported by the multiplexer.
type readiness struct {
	fd       int
	readable bool
	writable bool
	hangup   bool
	failed   bool
}

func (rd readiness) fires(dir Direction) bool {
	switch dir {
	case Readable:
		return rd.readable || rd.hangup || rd.failed
	case Writable:
		return rd.writable || rd.hangup || rd.failed
	case Hangup:
		return rd.hangup || rd.failed
	default:
		return false
	}
}

// poller is the OS multiplexer behind a Reactor.
type poller interface {
	// control moves fd from the old to the new interest set; an empty set removes fd.
	control(fd int, old, mask interest) error
	// wait fills events and returns how many are ready. A negative timeoutMs blocks.
	wait(events []readiness, timeoutMs int) (int, error)
	close() error
}
