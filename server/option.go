package server

import (
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-pantheon/fabrica-proxy/conf"
	"github.com/go-pantheon/fabrica-proxy/xnet"
	"github.com/prometheus/client_golang/prometheus"
)

type Option func(o *Options)

func WithConf(conf conf.Config) Option {
	return func(o *Options) {
		o.conf = conf
	}
}

// WithBind overrides the listen address of the configuration, whichever option comes first.
func WithBind(bind string) Option {
	return func(o *Options) {
		o.bind = bind
	}
}

func WithLogger(logger log.Logger) Option {
	return func(o *Options) {
		o.logger = logger
	}
}

// WithResolver replaces the system DNS resolver.
func WithResolver(r xnet.Resolver) Option {
	return func(o *Options) {
		o.resolver = r
	}
}

// WithMetrics registers the proxy collectors on reg instead of a private registry.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(o *Options) {
		o.registry = reg
	}
}

// WithDispatchFilter wraps every event handler run by the loop.
func WithDispatchFilter(m middleware.Middleware) Option {
	return func(o *Options) {
		o.dispatchFilters = append(o.dispatchFilters, m)
	}
}

// WithAfterConnect runs f on the loop goroutine for every accepted connection.
// An error closes the connection.
func WithAfterConnect(f Inspector) Option {
	return func(o *Options) {
		o.afterConnect = Wrap(o.afterConnect, f)
	}
}

// WithAfterDelete runs f on the loop goroutine once a connection reached Deleted.
func WithAfterDelete(f Inspector) Option {
	return func(o *Options) {
		o.afterDelete = Wrap(o.afterDelete, f)
	}
}

type Options struct {
	conf            conf.Config
	bind            string
	logger          log.Logger
	resolver        xnet.Resolver
	registry        *prometheus.Registry
	dispatchFilters []middleware.Middleware
	afterConnect    Inspector
	afterDelete     Inspector
}

func NewOptions(opts ...Option) *Options {
	ret := &Options{
		conf:         conf.Default(),
		logger:       log.DefaultLogger,
		afterConnect: emptyInspector,
		afterDelete:  emptyInspector,
	}

	for _, o := range opts {
		o(ret)
	}

	if ret.bind != "" {
		ret.conf.Server.Bind = ret.bind
	}

	if nilResolver(ret.resolver) {
		ret.resolver = xnet.NewDNSResolver(ret.conf.Resolver.Timeout)
	}

	if ret.registry == nil {
		ret.registry = prometheus.NewRegistry()
	}

	return ret
}

// nilResolver reports whether r is nil or wraps a nil implementation.
func nilResolver(r xnet.Resolver) bool {
	switch v := r.(type) {
	case nil:
		return true
	case xnet.ResolverFunc:
		return v == nil
	case *xnet.DNSResolver:
		return v == nil
	default:
		return false
	}
}

func (o *Options) Conf() conf.Config {
	return o.conf
}

func (o *Options) Logger() log.Logger {
	return o.logger
}

func (o *Options) Resolver() xnet.Resolver {
	return o.resolver
}

func (o *Options) Registry() *prometheus.Registry {
	return o.registry
}

func (o *Options) DispatchFilters() []middleware.Middleware {
	return o.dispatchFilters
}

func (o *Options) AfterConnect() Inspector {
	return o.afterConnect
}

func (o *Options) AfterDelete() Inspector {
	return o.afterDelete
}
