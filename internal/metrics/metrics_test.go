package metrics

import (
	"testing"
	"time"

	"github.com/go-pantheon/fabrica-proxy/xnet"
	"github.com/go-pantheon/fabrica-util/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestConnectionLifecycle(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.Accepted()
	m.Accepted()
	m.Deleted("resolve")

	assert.InDelta(t, 2, testutil.ToFloat64(m.ConnectionsAccepted), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ConnectionsActive), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ConnectionsDeleted.WithLabelValues("resolve")), 0)
}

func TestResolvedAndRelayed(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.Resolved(nil, time.Millisecond)
	m.Resolved(errors.New("nxdomain"), time.Millisecond)
	m.Resolved(nil, time.Millisecond)
	m.Relayed(Upstream, 10)
	m.Relayed(Upstream, 5)
	m.Entered(xnet.Resolving)

	assert.InDelta(t, 2, testutil.ToFloat64(m.Resolutions.WithLabelValues(ResolveOK)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Resolutions.WithLabelValues(ResolveFailed)), 0)
	assert.InDelta(t, 15, testutil.ToFloat64(m.BytesRelayed.WithLabelValues(Upstream)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.StateTransitions.WithLabelValues("resolving")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.ResolveDuration))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	New(reg)

	assert.Panics(t, func() { New(reg) })
}
