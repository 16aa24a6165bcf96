package xnet

import (
	"context"
	"testing"

	"github.com/go-kratos/kratos/v2/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerContext(t *testing.T) {
	t.Parallel()

	header := HeaderCarrier{}
	header.Set(HeaderClientAddr, "127.0.0.1:5000")
	header.Add(HeaderTarget, "example.com:80")

	ctx := NewServerContext(context.Background(), "tcp://127.0.0.1:2538", OperationConnect, header)

	tr, ok := transport.FromServerContext(ctx)
	require.True(t, ok)

	assert.Equal(t, KindProxy, tr.Kind())
	assert.Equal(t, OperationConnect, tr.Operation())
	assert.Equal(t, "tcp://127.0.0.1:2538", tr.Endpoint())
	assert.Equal(t, "127.0.0.1:5000", tr.RequestHeader().Get(HeaderClientAddr))
	assert.Equal(t, []string{"example.com:80"}, tr.RequestHeader().Values(HeaderTarget))
	assert.Empty(t, tr.ReplyHeader().Keys())
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{ReceivingClientHeader, "receiving_client_header"},
		{Resolving, "resolving"},
		{SendingToServer, "sending_to_server"},
		{ReceivingServer, "receiving_server"},
		{SendingToClient, "sending_to_client"},
		{Deleted, "deleted"},
		{State(42), "state(42)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}

	assert.Len(t, States(), 6)
}
