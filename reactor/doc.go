// Package reactor provides a single-goroutine readiness event loop.
//
// A Reactor owns the OS multiplexer (epoll on Linux), a wake channel used by other
// goroutines to hand work back to the loop goroutine, and a background worker pool
// for blocking work. Interests are keyed by (descriptor, direction); a Registration
// is the scoped owner of one such interest.
//
// Only PostToMain and Submit may be called from goroutines other than the one running
// Poll and Dispatch. Everything else, including every Handler, runs on the loop goroutine.
package reactor
