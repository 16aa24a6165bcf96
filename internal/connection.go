//go:build linux

package internal

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-pantheon/fabrica-proxy/conf"
	"github.com/go-pantheon/fabrica-proxy/internal/bufpool"
	"github.com/go-pantheon/fabrica-proxy/internal/httpheader"
	"github.com/go-pantheon/fabrica-proxy/internal/metrics"
	"github.com/go-pantheon/fabrica-proxy/internal/peer"
	"github.com/go-pantheon/fabrica-proxy/internal/stream"
	"github.com/go-pantheon/fabrica-proxy/reactor"
	"github.com/go-pantheon/fabrica-proxy/xnet"
	"github.com/go-pantheon/fabrica-util/errors"
)

// Reasons a connection is deleted.
const (
	ReasonClientClosed   = "client_closed"
	ReasonServerClosed   = "server_closed"
	ReasonMalformed      = "malformed"
	ReasonResolve        = "resolve"
	ReasonConnect        = "connect"
	ReasonWrite          = "write"
	ReasonInternal       = "internal"
	ReasonDisconnect     = "disconnect"
	ReasonServerStopping = "stopping"
)

// highWatermark pauses the producing side while this many bytes wait to be forwarded.
const highWatermark = 256 << 10

var _ xnet.Connection = (*Connection)(nil)

// connEnv is shared by every Connection of one server.
type connEnv struct {
	ctx       context.Context
	reactor   *reactor.Reactor
	conf      conf.Config
	resolver  xnet.Resolver
	metrics   *metrics.Metrics
	bufs      *bufpool.Pool
	onDeleted func(c *Connection, reason string)
}

// Connection relays HTTP/1.x exchanges between one client and the upstream named by each request.
// All of its methods except the xnet.Connection getters run on the loop goroutine.
type Connection struct {
	id  uint64
	env *connEnv

	state      xnet.State
	client     *side
	server     *side
	clientAddr string
	target     string

	header *httpheader.Header
	buf    *stream.Buffer
	// method of the request in flight; HEAD responses carry no body.
	method string
	// leftover holds client bytes read past the end of the current request.
	leftover []byte

	resolving bool
	deleted   bool
}

func newConnection(id uint64, env *connEnv, client *peer.Peer) (*Connection, error) {
	cs, err := newSide(env.reactor, client)
	if err != nil {
		return nil, errors.Wrapf(err, "register client failed. id=%d", id)
	}

	c := &Connection{
		id:         id,
		env:        env,
		client:     cs,
		clientAddr: client.Addr(),
		header:     httpheader.New(env.conf.Connection.MaxHeaderSize, env.conf.Connection.DefaultPort),
		buf:        stream.New(nil, 0),
	}

	return c, nil
}

func (c *Connection) ID() uint64 {
	return c.id
}

func (c *Connection) State() xnet.State {
	return c.state
}

func (c *Connection) ClientAddr() string {
	return c.clientAddr
}

// Target returns host:port of the latest resolved request.
func (c *Connection) Target() string {
	return c.target
}

func (c *Connection) Deleted() bool {
	return c.deleted
}

func (c *Connection) enter(s xnet.State) {
	log.Debugf("[proxy.Connection] id=%d %s -> %s", c.id, c.state, s)

	c.state = s
	c.env.metrics.Entered(s)
}

// Start begins receiving the first request header.
func (c *Connection) Start() {
	c.receiveClientHeader()
}

func (c *Connection) receiveClientHeader() {
	c.enter(xnet.ReceivingClientHeader)

	c.header.Clear()
	c.buf.Clear()
	c.method = ""

	if c.server != nil {
		if err := errors.Join(c.server.quiet(), c.server.hangup.Set(c.onServerIdleHangup)); err != nil {
			c.fail(ReasonInternal, err)
			return
		}
	}

	if err := errors.Join(c.client.write.Pause(), c.client.reading(c.onClientHeader)); err != nil {
		c.fail(ReasonInternal, err)
		return
	}

	if len(c.leftover) > 0 {
		data := c.leftover
		c.leftover = nil

		c.feedClientHeader(data)
	}
}

// read makes one read of at most ReadChunkSize bytes from p and hands them to consume.
// End of stream or a read error deletes the connection with reason.
func (c *Connection) read(p *peer.Peer, reason string, consume func(data []byte)) {
	chunk := c.env.bufs.Get(c.env.conf.Connection.ReadChunkSize)
	defer c.env.bufs.Put(chunk)

	n, err := p.Read(chunk)

	switch {
	case errors.Is(err, peer.ErrWouldBlock):
		return
	case errors.Is(err, io.EOF):
		c.delete(reason)
		return
	case err != nil:
		c.fail(reason, err)
		return
	}

	consume(chunk[:n])
}

func (c *Connection) onClientHeader(ev reactor.Event) {
	if c.client.peer.Disconnected(ev) {
		c.delete(ReasonClientClosed)
		return
	}

	c.read(c.client.peer, ReasonClientClosed, c.feedClientHeader)
}

func (c *Connection) feedClientHeader(data []byte) {
	if err := c.header.Append(data); err != nil {
		c.fail(ReasonMalformed, err)
		return
	}

	if !c.header.Complete() {
		return
	}

	if !c.header.IsRequest() {
		c.fail(ReasonMalformed, errors.Wrap(httpheader.ErrMalformed, "client sent a response"))
		return
	}

	c.resolve()
}

func (c *Connection) resolve() {
	host, err := c.header.Host()
	if err != nil {
		c.fail(ReasonMalformed, err)
		return
	}

	port, err := c.header.Port()
	if err != nil {
		c.fail(ReasonMalformed, err)
		return
	}

	target, err := c.header.Target()
	if err != nil {
		c.fail(ReasonMalformed, err)
		return
	}

	c.method = c.header.Method()

	c.enter(xnet.Resolving)

	if err = c.client.write.Pause(); err == nil {
		err = c.client.watching(c.onClientHangupResolving)
	}

	if err == nil && c.server != nil {
		err = errors.Join(c.server.quiet(), c.server.hangup.Set(c.onServerIdleHangup))
	}

	if err != nil {
		c.fail(ReasonInternal, err)
		return
	}

	c.resolving = true

	env := c.env

	err = env.reactor.Submit(func() {
		start := time.Now()
		ip, rerr := env.resolver.Resolve(env.ctx, host)
		env.metrics.Resolved(rerr, time.Since(start))

		if perr := env.reactor.PostToMain(func() {
			c.onResolved(target, ip, port, rerr)
		}); perr != nil {
			log.Warnf("[proxy.Connection] id=%d resolution result dropped. %v", c.id, perr)
		}
	})
	if err != nil {
		c.resolving = false
		c.fail(ReasonInternal, err)
	}
}

func (c *Connection) onClientHangupResolving(ev reactor.Event) {
	if !c.client.peer.Disconnected(ev) {
		// Pending bytes are read once the request is forwarded.
		if err := c.client.hangup.Pause(); err != nil {
			c.fail(ReasonInternal, err)
		}

		return
	}

	log.Infof("[proxy.Connection] id=%d client left while resolving", c.id)

	c.releaseClient()
}

func (c *Connection) releaseClient() {
	if c.client == nil {
		return
	}

	if err := c.client.close(); err != nil {
		log.Warnf("[proxy.Connection] id=%d release client failed. %+v", c.id, err)
	}

	c.client = nil
}

func (c *Connection) releaseServer() {
	if c.server == nil {
		return
	}

	if err := c.server.close(); err != nil {
		log.Warnf("[proxy.Connection] id=%d release server failed. %+v", c.id, err)
	}

	c.server = nil
}

// onResolved runs on the loop goroutine once the background lookup finished.
func (c *Connection) onResolved(target string, ip net.IP, port int, err error) {
	c.resolving = false

	if c.deleted {
		return
	}

	if c.client == nil {
		c.delete(ReasonClientClosed)
		return
	}

	if err != nil {
		log.Infof("[proxy.Connection] id=%d resolve %s failed. %v", c.id, target, err)
		c.delete(ReasonResolve)

		return
	}

	c.target = target

	if err = c.attachServer(target, ip, port); err != nil {
		c.fail(ReasonConnect, err)
		return
	}

	data := c.header.Bytes()
	if consumed := c.buf.Reset(data, c.header.BodyRemaining()); consumed < len(data) {
		c.leftover = append(c.leftover, data[consumed:]...)
	}

	c.sendToServer()
}

// attachServer keeps an upstream already connected to target and dials a new one otherwise.
func (c *Connection) attachServer(target string, ip net.IP, port int) error {
	if c.server != nil && c.server.target == target {
		log.Debugf("[proxy.Connection] id=%d reuse upstream %s", c.id, target)
		return nil
	}

	c.releaseServer()

	p, err := peer.Dial(ip, port, c.env.conf.Server)
	if err != nil {
		return err
	}

	s, err := newSide(c.env.reactor, p)
	if err != nil {
		return errors.Join(err, p.Close())
	}

	s.target = target
	s.connecting = true
	c.server = s

	return nil
}

func (c *Connection) sendToServer() {
	c.enter(xnet.SendingToServer)

	err := errors.Join(c.server.quiet(), c.server.write.Set(c.onServerWritable))
	if err == nil {
		err = c.watchClientBody()
	}

	if err != nil {
		c.fail(ReasonInternal, err)
	}
}

// watchClientBody reads the request body until it is complete, then only watches the client.
func (c *Connection) watchClientBody() error {
	if c.buf.Received() {
		return c.client.watching(c.onClientHangup)
	}

	return c.client.reading(c.onClientBody)
}

func (c *Connection) onClientBody(ev reactor.Event) {
	if c.client.peer.Disconnected(ev) {
		c.delete(ReasonClientClosed)
		return
	}

	c.read(c.client.peer, ReasonClientClosed, func(data []byte) {
		if consumed := c.buf.Append(data); consumed < len(data) {
			c.leftover = append(c.leftover, data[consumed:]...)
		}

		err := c.server.write.Resume()

		switch {
		case err != nil:
		case c.buf.Received():
			err = c.client.watching(c.onClientHangup)
		case c.buf.Len() >= highWatermark:
			err = c.client.read.Pause()
		}

		if err != nil {
			c.fail(ReasonInternal, err)
		}
	})
}

func (c *Connection) onServerWritable(ev reactor.Event) {
	if c.server.connecting {
		c.server.connecting = false

		if err := c.server.peer.ConnectError(); err != nil {
			c.fail(ReasonConnect, err)
			return
		}
	}

	if c.server.peer.Disconnected(ev) {
		c.delete(ReasonServerClosed)
		return
	}

	if !c.flush(c.server.peer, metrics.Upstream) {
		return
	}

	if c.buf.Drained() {
		c.receiveServer()
		return
	}

	var err error

	if c.buf.Len() == 0 {
		err = c.server.write.Pause()
	}

	if err == nil && !c.buf.Received() && !c.client.read.Active() && c.buf.Len() < highWatermark/2 {
		err = c.client.read.Resume()
	}

	if err != nil {
		c.fail(ReasonInternal, err)
	}
}

// flush makes one send attempt of the buffered bytes to p. It returns false when
// the connection was deleted.
func (c *Connection) flush(p *peer.Peer, direction string) bool {
	data := c.buf.Bytes()
	if len(data) == 0 {
		return true
	}

	n, err := p.Send(data)
	if errors.Is(err, peer.ErrWouldBlock) {
		return true
	}

	if err != nil {
		c.fail(ReasonWrite, err)
		return false
	}

	c.buf.PopFront(n)
	c.env.metrics.Relayed(direction, n)

	return true
}

func (c *Connection) receiveServer() {
	c.enter(xnet.ReceivingServer)

	c.header.Clear()
	c.buf.Clear()

	err := errors.Join(c.client.write.Pause(), c.client.watching(c.onClientHangup))
	if err == nil {
		err = errors.Join(c.server.quiet(), c.server.read.Set(c.onServerHeader))
	}

	if err != nil {
		c.fail(ReasonInternal, err)
	}
}

func (c *Connection) onClientHangup(ev reactor.Event) {
	if c.client.peer.Disconnected(ev) {
		c.delete(ReasonClientClosed)
		return
	}

	if err := c.client.hangup.Pause(); err != nil {
		c.fail(ReasonInternal, err)
	}
}

func (c *Connection) onServerHeader(ev reactor.Event) {
	if c.server.peer.Disconnected(ev) {
		c.delete(ReasonServerClosed)
		return
	}

	c.read(c.server.peer, ReasonServerClosed, c.feedServerHeader)
}

func (c *Connection) feedServerHeader(data []byte) {
	if err := c.header.Append(data); err != nil {
		c.fail(ReasonMalformed, err)
		return
	}

	if !c.header.Complete() {
		return
	}

	if c.header.IsRequest() {
		c.fail(ReasonMalformed, errors.Wrap(httpheader.ErrMalformed, "upstream sent a request"))
		return
	}

	remaining := c.header.BodyRemaining()
	if c.method == "HEAD" {
		remaining = c.header.Size()
	}

	data = c.header.Bytes()
	if consumed := c.buf.Reset(data, remaining); consumed < len(data) {
		log.Debugf("[proxy.Connection] id=%d dropped %d bytes past the response", c.id, len(data)-consumed)
	}

	c.sendToClient()
}

func (c *Connection) sendToClient() {
	c.enter(xnet.SendingToClient)

	err := errors.Join(c.client.quiet(), c.client.write.Set(c.onClientWritable))
	if err == nil {
		err = errors.Join(c.server.write.Pause(), c.watchServerBody())
	}

	if err != nil {
		c.fail(ReasonInternal, err)
	}
}

// watchServerBody reads the response body until it is complete. The upstream is then
// idle and its hang-up only releases it.
func (c *Connection) watchServerBody() error {
	if c.buf.Received() {
		return c.server.watching(c.onServerIdleHangup)
	}

	return c.server.reading(c.onServerBody)
}

func (c *Connection) onServerBody(ev reactor.Event) {
	if c.server.peer.Disconnected(ev) {
		c.delete(ReasonServerClosed)
		return
	}

	c.read(c.server.peer, ReasonServerClosed, func(data []byte) {
		if consumed := c.buf.Append(data); consumed < len(data) {
			log.Debugf("[proxy.Connection] id=%d dropped %d bytes past the response", c.id, len(data)-consumed)
		}

		err := c.client.write.Resume()

		switch {
		case err != nil:
		case c.buf.Received():
			err = c.server.watching(c.onServerIdleHangup)
		case c.buf.Len() >= highWatermark:
			err = c.server.read.Pause()
		}

		if err != nil {
			c.fail(ReasonInternal, err)
		}
	})
}

func (c *Connection) onClientWritable(ev reactor.Event) {
	if c.client.peer.Disconnected(ev) {
		c.delete(ReasonClientClosed)
		return
	}

	if !c.flush(c.client.peer, metrics.Downstream) {
		return
	}

	if c.buf.Drained() {
		c.receiveClientHeader()
		return
	}

	var err error

	if c.buf.Len() == 0 {
		err = c.client.write.Pause()
	}

	if err == nil && c.server != nil && !c.buf.Received() && !c.server.read.Active() && c.buf.Len() < highWatermark/2 {
		err = c.server.read.Resume()
	}

	if err != nil {
		c.fail(ReasonInternal, err)
	}
}

// onServerIdleHangup drops an upstream that closed while no response was expected from it.
func (c *Connection) onServerIdleHangup(reactor.Event) {
	log.Debugf("[proxy.Connection] id=%d upstream %s closed while idle", c.id, c.server.target)

	c.releaseServer()
}

func (c *Connection) fail(reason string, err error) {
	log.Infof("[proxy.Connection] id=%d %s. %+v", c.id, reason, err)

	c.delete(reason)
}

// delete releases both peers. A lookup still in flight finds the connection deleted
// when its result arrives and does nothing.
func (c *Connection) delete(reason string) {
	if c.deleted {
		return
	}

	c.deleted = true
	c.enter(xnet.Deleted)

	c.releaseClient()
	c.releaseServer()

	c.leftover = nil

	if c.env.onDeleted != nil {
		c.env.onDeleted(c, reason)
	}
}

// Close deletes the connection with reason.
func (c *Connection) Close(reason string) {
	c.delete(reason)
}
