package server

import (
	"context"

	"github.com/go-pantheon/fabrica-proxy/xnet"
)

// Inspector decorates the hook run when a connection is accepted or deleted.
type Inspector func(InspectorFunc) InspectorFunc

// InspectorFunc observes one connection. The context carries an xnet.Transport describing the event.
type InspectorFunc func(ctx context.Context, c xnet.Connection) error

func emptyInspector(f InspectorFunc) InspectorFunc {
	return f
}

func EmptyInspectorFunc(_ context.Context, _ xnet.Connection) error {
	return nil
}

// Wrap chains inspectors so the first one runs outermost.
func Wrap(w ...Inspector) Inspector {
	return func(f InspectorFunc) InspectorFunc {
		for i := len(w) - 1; i >= 0; i-- {
			f = w[i](f)
		}

		return f
	}
}
