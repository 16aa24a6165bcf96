package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-pantheon/fabrica-proxy/conf"
	"github.com/go-pantheon/fabrica-proxy/xnet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptionsDefaults(t *testing.T) {
	t.Parallel()

	o := NewOptions()

	assert.Equal(t, conf.Default(), o.Conf())
	assert.NotNil(t, o.Logger())
	assert.IsType(t, &xnet.DNSResolver{}, o.Resolver())
	assert.NotNil(t, o.Registry())
	assert.Empty(t, o.DispatchFilters())
	assert.NoError(t, o.AfterConnect()(EmptyInspectorFunc)(context.Background(), nil))
}

func TestNewOptionsOverrides(t *testing.T) {
	t.Parallel()

	c := conf.Default()
	c.Resolver.Timeout = time.Second
	reg := prometheus.NewRegistry()
	res := &xnet.DNSResolver{}

	o := NewOptions(WithConf(c), WithMetrics(reg), WithResolver(res))

	assert.Equal(t, time.Second, o.Conf().Resolver.Timeout)
	assert.Same(t, reg, o.Registry())
	assert.Same(t, res, o.Resolver())
}

func TestNilResolverFallsBackToDNS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		resolver xnet.Resolver
	}{
		{name: "nil interface", resolver: nil},
		{name: "nil func", resolver: xnet.ResolverFunc(nil)},
		{name: "nil dns resolver", resolver: (*xnet.DNSResolver)(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			o := NewOptions(WithResolver(tt.resolver))
			require.IsType(t, &xnet.DNSResolver{}, o.Resolver())

			ip, err := o.Resolver().Resolve(context.Background(), "127.0.0.1")
			require.NoError(t, err)
			assert.Equal(t, "127.0.0.1", ip.String())
		})
	}
}

func TestResolverFuncIsKept(t *testing.T) {
	t.Parallel()

	called := false
	res := xnet.ResolverFunc(func(context.Context, string) (net.IP, error) {
		called = true
		return net.IPv4(10, 0, 0, 1), nil
	})

	o := NewOptions(WithResolver(res))

	ip, err := o.Resolver().Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "10.0.0.1", ip.String())
}

func TestInspectorOrder(t *testing.T) {
	t.Parallel()

	var calls []string

	record := func(name string) Inspector {
		return func(next InspectorFunc) InspectorFunc {
			return func(ctx context.Context, c xnet.Connection) error {
				calls = append(calls, name)
				return next(ctx, c)
			}
		}
	}

	o := NewOptions(WithAfterDelete(record("first")), WithAfterDelete(record("second")))

	require.NoError(t, o.AfterDelete()(func(context.Context, xnet.Connection) error {
		calls = append(calls, "final")
		return nil
	})(context.Background(), nil))

	assert.Equal(t, []string{"first", "second", "final"}, calls)
}

func TestWithBind(t *testing.T) {
	t.Parallel()

	c := conf.Default()
	c.Server.Bind = "127.0.0.1:1"

	tests := []struct {
		name string
		opts []Option
	}{
		{name: "before conf", opts: []Option{WithBind("127.0.0.1:2"), WithConf(c)}},
		{name: "after conf", opts: []Option{WithConf(c), WithBind("127.0.0.1:2")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, "127.0.0.1:2", NewOptions(tt.opts...).Conf().Server.Bind)
		})
	}
}
