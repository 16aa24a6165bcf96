package xnet

import (
	"context"
	"net"
	"time"

	"github.com/go-pantheon/fabrica-util/errors"
)

var ErrResolve = errors.New("resolve host failed")

// Resolver maps a host name to an address. It may block and is only called off the loop goroutine.
type Resolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, host string) (net.IP, error)

func (f ResolverFunc) Resolve(ctx context.Context, host string) (net.IP, error) {
	return f(ctx, host)
}

var _ Resolver = (*DNSResolver)(nil)

// DNSResolver resolves through the system resolver and prefers IPv4 answers.
type DNSResolver struct {
	resolver *net.Resolver
	timeout  time.Duration
}

// NewDNSResolver bounds every lookup by timeout; zero means no bound.
func NewDNSResolver(timeout time.Duration) *DNSResolver {
	return &DNSResolver{
		resolver: net.DefaultResolver,
		timeout:  timeout,
	}
}

func (r *DNSResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if host == "" {
		return nil, errors.Wrap(ErrResolve, "empty host")
	}

	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	addrs, err := r.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(errors.Join(ErrResolve, err), "host=%s", host)
	}

	if len(addrs) == 0 {
		return nil, errors.Wrapf(ErrResolve, "no address. host=%s", host)
	}

	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}

	return addrs[0].IP, nil
}
