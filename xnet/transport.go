package xnet

import (
	"context"

	"github.com/go-kratos/kratos/v2/transport"
	"google.golang.org/grpc/metadata"
)

// KindProxy is the transport kind of proxied connections.
const KindProxy transport.Kind = "proxy"

const (
	OperationConnect = "/proxy/connect"
	OperationDelete  = "/proxy/delete"

	HeaderConnectionID = "x-proxy-connection-id"
	HeaderClientAddr   = "x-proxy-client-addr"
	HeaderTarget       = "x-proxy-target"
	HeaderState        = "x-proxy-state"
	HeaderReason       = "x-proxy-reason"
)

var _ transport.Transporter = (*Transport)(nil)

// Transport describes one connection event to kratos-aware hooks and middleware.
type Transport struct {
	endpoint      string
	operation     string
	requestHeader HeaderCarrier
	replyHeader   HeaderCarrier
}

func NewTransport(endpoint string,
	operation string,
	requestHeader HeaderCarrier,
	replyHeader HeaderCarrier,
) *Transport {
	return &Transport{
		endpoint:      endpoint,
		operation:     operation,
		requestHeader: requestHeader,
		replyHeader:   replyHeader,
	}
}

// NewServerContext attaches a Transport for operation on the listener endpoint.
func NewServerContext(ctx context.Context, endpoint, operation string, header HeaderCarrier) context.Context {
	return transport.NewServerContext(ctx, NewTransport(endpoint, operation, header, HeaderCarrier{}))
}

func (tr *Transport) Kind() transport.Kind {
	return KindProxy
}

func (tr *Transport) Endpoint() string {
	return tr.endpoint
}

func (tr *Transport) Operation() string {
	return tr.operation
}

func (tr *Transport) RequestHeader() transport.Header {
	return tr.requestHeader
}

func (tr *Transport) ReplyHeader() transport.Header {
	return tr.replyHeader
}

// HeaderCarrier is a wrapper around metadata.MD.
type HeaderCarrier metadata.MD

// Get returns the first value associated with the given key.
// If there are no values associated with the key, Get returns "".
func (mc HeaderCarrier) Get(key string) string {
	vals := metadata.MD(mc).Get(key)
	if len(vals) > 0 {
		return vals[0]
	}

	return ""
}

func (mc HeaderCarrier) Set(key string, value string) {
	metadata.MD(mc).Set(key, value)
}

func (mc HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(mc))
	for k := range metadata.MD(mc) {
		keys = append(keys, k)
	}

	return keys
}

func (mc HeaderCarrier) Add(key string, value string) {
	metadata.MD(mc).Append(key, value)
}

func (mc HeaderCarrier) Values(key string) []string {
	return metadata.MD(mc).Get(key)
}
