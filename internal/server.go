//go:build linux

package internal

import (
	"context"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-pantheon/fabrica-proxy/internal/bufpool"
	"github.com/go-pantheon/fabrica-proxy/internal/metrics"
	"github.com/go-pantheon/fabrica-proxy/internal/peer"
	"github.com/go-pantheon/fabrica-proxy/reactor"
	"github.com/go-pantheon/fabrica-proxy/server"
	"github.com/go-pantheon/fabrica-proxy/xnet"
	"github.com/go-pantheon/fabrica-util/errors"
	"github.com/go-pantheon/fabrica-util/xsync"
)

const (
	stopTimeout = time.Second * 30
	// pollTimeoutMs bounds one wait so the loop notices a canceled context.
	pollTimeoutMs = 500
)

var _ xnet.Server = (*BaseServer)(nil)

// BaseServer runs the proxy loop: one goroutine owns the reactor, the listener and every Connection.
type BaseServer struct {
	xsync.Stoppable
	*server.Options

	metrics  *metrics.Metrics
	bufs     *bufpool.Pool
	manager  *ConnectionManager
	listener *Listener

	reactor *reactor.Reactor
	env     *connEnv
	cancel  context.CancelFunc

	started  atomic.Bool
	quit     bool
	loopDone chan struct{}
	closeErr error
}

func NewBaseServer(options *server.Options) (*BaseServer, error) {
	if options == nil {
		options = server.NewOptions()
	}

	if err := options.Conf().Validate(); err != nil {
		return nil, err
	}

	bufs, err := bufpool.New(options.Conf().Connection.ReadChunkSize)
	if err != nil {
		return nil, err
	}

	s := &BaseServer{
		Stoppable: xsync.NewStopper(stopTimeout),
		Options:   options,
		metrics:   metrics.New(options.Registry()),
		bufs:      bufs,
		manager:   newConnectionManager(defaultBucketSize),
		listener:  newListener(options.Conf().Server),
		loopDone:  make(chan struct{}),
	}

	return s, nil
}

// Start binds the listener and runs the loop on its own goroutine.
func (s *BaseServer) Start(ctx context.Context) (err error) {
	if s.started.Load() {
		return errors.New("server already started")
	}

	filters := append([]middleware.Middleware{s.countEvents}, s.DispatchFilters()...)

	s.reactor, err = reactor.New(s.Conf().Reactor,
		reactor.WithPanicObserver(s.onPanic),
		reactor.WithMiddleware(filters...),
	)
	if err != nil {
		return err
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.env = &connEnv{
		ctx:       ctx,
		reactor:   s.reactor,
		conf:      s.Conf(),
		resolver:  s.Resolver(),
		metrics:   s.metrics,
		bufs:      s.bufs,
		onDeleted: s.onDeleted,
	}

	if err = s.listener.Start(s.reactor, s.onAccept); err != nil {
		s.cancel()
		return errors.Join(err, s.reactor.Close())
	}

	s.started.Store(true)

	s.GoAndStop("BaseServer.loop", func() error {
		return s.loop(ctx)
	}, func() error {
		return s.Stop(ctx)
	})

	log.Infof("[BaseServer] started.")

	return nil
}

func (s *BaseServer) countEvents(next middleware.Handler) middleware.Handler {
	return func(ctx context.Context, req any) (any, error) {
		s.metrics.EventsDispatched.Inc()
		return next(ctx, req)
	}
}

func (s *BaseServer) onPanic(key reactor.Key, reason any) {
	s.metrics.HandlerPanics.Inc()
	log.Errorf("[BaseServer] handler %s panic: %v", key, reason)
}

func (s *BaseServer) loop(ctx context.Context) error {
	defer close(s.loopDone)
	defer s.shutdown()

	for !s.quit {
		select {
		case <-s.StopTriggered():
			return xsync.ErrStopByTrigger
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := s.reactor.RunOnce(pollTimeoutMs); err != nil {
			return err
		}
	}

	return nil
}

// shutdown runs on the loop goroutine after the last dispatch.
func (s *BaseServer) shutdown() {
	var err error

	s.cancel()

	if stopErr := s.listener.Stop(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}

	s.manager.Walk(func(c *Connection) bool {
		c.Close(ReasonServerStopping)
		return true
	})

	if closeErr := s.reactor.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}

	s.closeErr = err

	log.Infof("[BaseServer] stopped.")
}

func (s *BaseServer) onAccept(id uint64, p *peer.Peer) {
	c, err := newConnection(id, s.env, p)
	if err != nil {
		log.Errorf("[BaseServer] %+v", errors.Join(err, p.Close()))
		return
	}

	s.metrics.Accepted()

	if old := s.manager.Put(c); old != nil {
		old.Close(ReasonDisconnect)
	}

	ctx := s.hookContext(c, xnet.OperationConnect, "")
	if err = s.AfterConnect()(server.EmptyInspectorFunc)(ctx, c); err != nil {
		log.Infof("[BaseServer] id=%d rejected. %+v", id, err)
		c.Close(ReasonDisconnect)

		return
	}

	c.Start()
}

func (s *BaseServer) onDeleted(c *Connection, reason string) {
	s.manager.Del(c.ID())
	s.metrics.Deleted(reason)

	ctx := s.hookContext(c, xnet.OperationDelete, reason)
	if err := s.AfterDelete()(server.EmptyInspectorFunc)(ctx, c); err != nil {
		log.Warnf("[BaseServer] id=%d after delete hook failed. %+v", c.ID(), err)
	}
}

func (s *BaseServer) hookContext(c *Connection, operation, reason string) context.Context {
	header := xnet.HeaderCarrier{}
	header.Set(xnet.HeaderConnectionID, strconv.FormatUint(c.ID(), 10))
	header.Set(xnet.HeaderClientAddr, c.ClientAddr())
	header.Set(xnet.HeaderState, c.State().String())

	if target := c.Target(); target != "" {
		header.Set(xnet.HeaderTarget, target)
	}

	if reason != "" {
		header.Set(xnet.HeaderReason, reason)
	}

	endpoint, _ := s.listener.Endpoint()

	return xnet.NewServerContext(s.env.ctx, endpoint, operation, header)
}

func (s *BaseServer) Stop(ctx context.Context) error {
	return s.TurnOff(func() error {
		if !s.started.Load() {
			return nil
		}

		if err := s.reactor.PostToMain(func() { s.quit = true }); err != nil && !errors.Is(err, reactor.ErrClosed) {
			log.Warnf("[BaseServer] wake loop failed. %+v", err)
		}

		select {
		case <-s.loopDone:
			return s.closeErr
		default:
		}

		select {
		case <-s.loopDone:
			return s.closeErr
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "wait for loop to stop")
		}
	})
}

// Disconnect deletes connection id on the loop goroutine and waits for it.
func (s *BaseServer) Disconnect(ctx context.Context, id uint64) error {
	if s.OnStopping() || !s.started.Load() {
		return xsync.ErrIsStopped
	}

	done := make(chan error, 1)

	if err := s.reactor.PostToMain(func() {
		c := s.manager.Get(id)
		if c == nil {
			done <- errors.Errorf("connection not found. id=%d", id)
			return
		}

		c.Close(ReasonDisconnect)
		done <- nil
	}); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BaseServer) Active() int {
	return s.manager.Size()
}

func (s *BaseServer) IDList() []uint64 {
	if s.OnStopping() {
		return nil
	}

	return s.manager.IDs()
}

func (s *BaseServer) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *BaseServer) Endpoint() (*url.URL, error) {
	endpointStr, err := s.listener.Endpoint()
	if err != nil {
		return nil, err
	}

	return url.Parse(endpointStr)
}
