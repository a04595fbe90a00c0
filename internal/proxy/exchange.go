package proxy

import (
	"net/http"
	"time"
)

// Exchange is the raw request/response pair captured by the Forwarder. It is
// handed off once the response has been fully relayed (or abandoned).
type Exchange struct {
	StartedAt  time.Time
	Duration   time.Duration
	RemoteAddr string

	Method        string
	Path          string
	RawQuery      string
	RequestHeader http.Header

	RequestBody          []byte
	RequestBodyTruncated bool

	ResponseStatus int
	ResponseHeader http.Header

	ResponseBody          []byte
	ResponseBodyTruncated bool

	// ProxyError is set when the response was produced by the proxy itself.
	ProxyError *ProxyError
	// UpstreamErr is the raw round-trip failure behind ProxyError, if any.
	UpstreamErr error
}

// ExchangeEmitter receives completed exchanges. Implementations must not
// block the caller.
type ExchangeEmitter interface {
	EmitExchange(Exchange)
}

// NoOpExchangeEmitter discards every exchange.
type NoOpExchangeEmitter struct{}

func (NoOpExchangeEmitter) EmitExchange(Exchange) {}

// ExchangeEmitterFunc adapts a function to ExchangeEmitter.
type ExchangeEmitterFunc func(Exchange)

func (f ExchangeEmitterFunc) EmitExchange(ex Exchange) { f(ex) }
