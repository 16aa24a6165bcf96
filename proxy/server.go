//go:build linux

package proxy

import (
	"context"
	"net/url"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-pantheon/fabrica-proxy/internal"
	"github.com/go-pantheon/fabrica-proxy/server"
	"github.com/go-pantheon/fabrica-proxy/xnet"
	"github.com/go-pantheon/fabrica-util/errors"
)

var _ xnet.Server = (*Server)(nil)

// Server is a forward HTTP/1.x proxy listening on bind.
type Server struct {
	*internal.BaseServer

	bind string
}

// NewServer creates a proxy server. Options are applied before bind.
func NewServer(bind string, opts ...server.Option) (*Server, error) {
	if bind == "" {
		return nil, errors.New("bind is required")
	}

	options := server.NewOptions(append(opts, server.WithBind(bind))...)

	if options.Logger() != nil {
		log.SetLogger(options.Logger())
	}

	baseServer, err := internal.NewBaseServer(options)
	if err != nil {
		return nil, err
	}

	s := &Server{
		BaseServer: baseServer,
		bind:       bind,
	}

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	log.Infof("[proxy.Server] starting on %s reactor-workers=%d resolver-timeout=%s",
		s.bind, s.Conf().Reactor.Workers, s.Conf().Resolver.Timeout)

	return s.BaseServer.Start(ctx)
}

func (s *Server) Stop(ctx context.Context) error {
	log.Infof("[proxy.Server] stopping")
	return s.BaseServer.Stop(ctx)
}

func (s *Server) Endpoint() (*url.URL, error) {
	return s.BaseServer.Endpoint()
}
