package reactor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-pantheon/fabrica-proxy/conf"
	"github.com/go-pantheon/fabrica-proxy/internal/workerpool"
	"github.com/go-pantheon/fabrica-util/errors"
)

var (
	// ErrRegister is returned when the multiplexer rejects an interest.
	ErrRegister = errors.New("reactor register interest failed")
	// ErrClosed is returned after the reactor is closed.
	ErrClosed = errors.New("reactor is closed")
	// ErrNotSupported is returned on platforms without a multiplexer backend.
	ErrNotSupported = errors.New("reactor is not supported on this platform")
)

const (
	defaultMaxEvents    = 128
	wakeDrainSize       = 64
	wakeDiscardInterval = 10 * time.Millisecond
)

// Direction is the kind of readiness an interest waits for.
type Direction uint8

const (
	Readable Direction = iota
	Writable
	// Hangup waits only for the peer closing its side, not for data or buffer space.
	Hangup
)

func (d Direction) String() string {
	switch d {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Hangup:
		return "hangup"
	default:
		return fmt.Sprintf("direction(%d)", d)
	}
}

func (d Direction) bit() interest {
	return 1 << d
}

type interest uint8

func (i interest) has(d Direction) bool {
	return i&d.bit() != 0
}

// Key identifies one registered interest.
type Key struct {
	FD  int
	Dir Direction
}

func (k Key) String() string {
	return fmt.Sprintf("fd=%d dir=%s", k.FD, k.Dir)
}

// Event is a readiness notification for one Key.
type Event struct {
	Key
	// Hangup is set when the peer closed its side or the descriptor reported a hang-up.
	Hangup bool
	// Failed is set when the descriptor reported an error condition.
	Failed bool
}

// Handler is invoked on the loop goroutine for a ready interest.
type Handler func(ev Event)

// Task is a unit of work handed to the loop goroutine or to a background worker.
type Task func()

type Option func(r *Reactor)

// WithPanicObserver is called on the loop goroutine after a handler panic was recovered.
func WithPanicObserver(f func(key Key, reason any)) Option {
	return func(r *Reactor) {
		r.onPanic = f
	}
}

// WithMiddleware wraps every dispatched handler. The request passed down the chain is
// the ready Event. Recovery is always the outermost middleware.
func WithMiddleware(m ...middleware.Middleware) Option {
	return func(r *Reactor) {
		r.middlewares = append(r.middlewares, m...)
	}
}

type Reactor struct {
	poller  poller
	maxWait []readiness

	handlers map[Key]Handler
	masks    map[int]interest
	removed  map[Key]struct{}
	ready    []Event

	wakeR, wakeW int
	wakeBuf      [wakeDrainSize]byte
	wakeReg      *Registration

	mu        sync.Mutex
	mainTasks *queue.Queue
	closed    bool
	posting   sync.WaitGroup

	pool *workerpool.Pool

	ctx         context.Context
	guard       middleware.Handler
	middlewares []middleware.Middleware
	onPanic     func(key Key, reason any)
}

// New creates the multiplexer, the wake channel and the background pool.
// A failure leaves nothing open behind.
func New(c conf.Reactor, opts ...Option) (r *Reactor, err error) {
	maxEvents := c.MaxEvents
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}

	p, err := newPoller(maxEvents)
	if err != nil {
		return nil, errors.Wrap(err, "create multiplexer failed")
	}

	r = &Reactor{
		poller:    p,
		maxWait:   make([]readiness, maxEvents),
		handlers:  make(map[Key]Handler),
		masks:     make(map[int]interest),
		removed:   make(map[Key]struct{}),
		ready:     make([]Event, 0, maxEvents*2),
		mainTasks: queue.New(),
		ctx:       context.Background(),
	}

	for _, o := range opts {
		o(r)
	}

	defer func() {
		if err != nil {
			if closeErr := r.poller.close(); closeErr != nil {
				err = errors.Join(err, closeErr)
			}
		}
	}()

	if r.wakeR, r.wakeW, err = newWakeChannel(); err != nil {
		return nil, errors.Wrap(err, "create wake channel failed")
	}

	if r.wakeReg, err = NewRegistration(r, r.wakeR, Readable, r.drainMain, true); err != nil {
		if closeErr := closeWakeChannel(r.wakeR, r.wakeW); closeErr != nil {
			err = errors.Join(err, closeErr)
		}

		return nil, err
	}

	chain := append([]middleware.Middleware{
		recovery.Recovery(
			recovery.WithHandler(func(ctx context.Context, req, reason any) error {
				if ev, ok := req.(Event); ok && r.onPanic != nil {
					r.onPanic(ev.Key, reason)
				}

				return errors.Errorf("handler panic: %v", reason)
			}),
		),
	}, r.middlewares...)

	r.guard = middleware.Chain(chain...)(func(ctx context.Context, req any) (any, error) {
		h, _ := ctx.Value(handlerKey{}).(Handler)
		if h != nil {
			h(req.(Event))
		}

		return nil, nil
	})

	r.pool = workerpool.New(c.Workers)

	return r, nil
}

type handlerKey struct{}

// AddInterest registers h for (fd, dir). An existing registration for the same key
// has its handler replaced.
func (r *Reactor) AddInterest(fd int, dir Direction, h Handler) error {
	if h == nil {
		return errors.Wrapf(ErrRegister, "nil handler fd=%d dir=%s", fd, dir)
	}

	key := Key{FD: fd, Dir: dir}
	old := r.masks[fd]
	mask := old | dir.bit()

	if mask != old {
		if err := r.poller.control(fd, old, mask); err != nil {
			return errors.Wrapf(errors.Join(ErrRegister, err), "add %s", key)
		}

		r.masks[fd] = mask
	}

	r.handlers[key] = h

	return nil
}

// RemoveInterest deregisters (fd, dir). Any event for the key still pending in the
// current dispatch batch is dropped.
func (r *Reactor) RemoveInterest(fd int, dir Direction) error {
	key := Key{FD: fd, Dir: dir}
	r.removed[key] = struct{}{}

	if _, ok := r.handlers[key]; !ok {
		return nil
	}

	delete(r.handlers, key)

	old := r.masks[fd]
	mask := old &^ dir.bit()

	if mask == 0 {
		delete(r.masks, fd)
	} else {
		r.masks[fd] = mask
	}

	if err := r.poller.control(fd, old, mask); err != nil {
		return errors.Wrapf(err, "remove %s", key)
	}

	return nil
}

// Registered reports whether (fd, dir) is currently registered.
func (r *Reactor) Registered(fd int, dir Direction) bool {
	_, ok := r.handlers[Key{FD: fd, Dir: dir}]
	return ok
}

// Poll waits for readiness and returns the number of ready events to Dispatch.
// A negative timeoutMs blocks until at least one interest is ready.
func (r *Reactor) Poll(timeoutMs int) (int, error) {
	if r.isClosed() {
		return 0, ErrClosed
	}

	n, err := r.poller.wait(r.maxWait, timeoutMs)
	if err != nil {
		return 0, errors.Wrap(err, "wait for readiness failed")
	}

	r.ready = r.ready[:0]

	for _, rd := range r.maxWait[:n] {
		mask := r.masks[rd.fd]

		for _, dir := range [...]Direction{Readable, Writable, Hangup} {
			if mask.has(dir) && rd.fires(dir) {
				r.ready = append(r.ready, Event{
					Key:    Key{FD: rd.fd, Dir: dir},
					Hangup: rd.hangup,
					Failed: rd.failed,
				})
			}
		}
	}

	return len(r.ready), nil
}

// Dispatch invokes the handler of each of the first n ready events once, skipping
// interests removed earlier in the same batch. A panicking handler does not stop
// the rest of the batch.
func (r *Reactor) Dispatch(n int) {
	clear(r.removed)

	if n > len(r.ready) {
		n = len(r.ready)
	}

	for _, ev := range r.ready[:n] {
		if _, ok := r.removed[ev.Key]; ok {
			continue
		}

		h, ok := r.handlers[ev.Key]
		if !ok {
			continue
		}

		if _, err := r.guard(context.WithValue(r.ctx, handlerKey{}, h), ev); err != nil {
			log.Errorf("[reactor] dispatch %s failed. %v", ev.Key, err)
		}
	}
}

// RunOnce polls and dispatches one batch.
func (r *Reactor) RunOnce(timeoutMs int) (int, error) {
	n, err := r.Poll(timeoutMs)
	if err != nil {
		return 0, err
	}

	r.Dispatch(n)

	return n, nil
}

// PostToMain queues t to run on the loop goroutine. It is safe for concurrent use.
// Every queued task is matched by exactly one byte written to the wake channel, and
// the loop runs one task per byte it reads back. The write blocks while the channel
// is full, so the loop goroutine itself must not post more than a pipe's worth of
// tasks between two dispatches.
func (r *Reactor) PostToMain(t Task) error {
	if t == nil {
		return errors.New("post nil task")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}

	r.mainTasks.Add(t)
	r.posting.Add(1)
	r.mu.Unlock()

	defer r.posting.Done()

	// The byte is written after the task is queued so a woken loop always finds it.
	if err := writeWake(r.wakeW); err != nil {
		return errors.Wrap(err, "write wake channel failed")
	}

	return nil
}

func (r *Reactor) drainMain(Event) {
	n, err := readWake(r.wakeR, r.wakeBuf[:])
	if err != nil {
		log.Errorf("[reactor] read wake channel failed. %+v", err)
		return
	}

	for range n {
		r.mu.Lock()
		if r.mainTasks.Length() == 0 {
			r.mu.Unlock()
			log.Errorf("[reactor] wake byte without a queued task")

			return
		}

		t := r.mainTasks.Remove().(Task)
		r.mu.Unlock()

		t()
	}
}

// Submit runs t on a background worker.
func (r *Reactor) Submit(t Task) error {
	if r.isClosed() {
		return ErrClosed
	}

	return r.pool.Submit(workerpool.Task(t))
}

// StopBackground shuts down the worker pool, waiting for queued tasks to finish.
func (r *Reactor) StopBackground() {
	r.pool.Shutdown()
}

// PendingMain returns the number of tasks queued for the loop goroutine.
func (r *Reactor) PendingMain() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.mainTasks.Length()
}

// Interests returns the number of registered interests, the wake channel included.
func (r *Reactor) Interests() int {
	return len(r.handlers)
}

// waitPosters stops the pool and waits for PostToMain calls already past the closed check.
// Such a caller may be blocked on a full wake channel, so the wake bytes are discarded
// meanwhile. The tasks they stand for are dropped with the rest of the queue.
func (r *Reactor) waitPosters() {
	done := make(chan struct{})

	go func() {
		defer close(done)

		r.StopBackground()
		r.posting.Wait()
	}()

	ticker := time.NewTicker(wakeDiscardInterval)
	defer ticker.Stop()

	for {
		r.discardWake()

		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (r *Reactor) discardWake() {
	for {
		n, err := readWake(r.wakeR, r.wakeBuf[:])
		if err != nil || n == 0 {
			return
		}
	}
}

func (r *Reactor) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closed
}

// Close stops the background pool and releases the wake channel and the multiplexer.
// Tasks still queued for the loop goroutine are dropped.
func (r *Reactor) Close() (err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}

	r.closed = true
	r.mu.Unlock()

	r.waitPosters()

	if closeErr := r.wakeReg.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}

	if closeErr := closeWakeChannel(r.wakeR, r.wakeW); closeErr != nil {
		err = errors.Join(err, closeErr)
	}

	if closeErr := r.poller.close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}

	if dropped := r.PendingMain(); dropped > 0 {
		log.Warnf("[reactor] closed with %d main tasks pending", dropped)
	}

	return err
}
