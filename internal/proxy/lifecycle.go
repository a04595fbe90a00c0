package proxy

import (
	"net/http"
	"time"
)

// exchangeLifecycle accumulates per-request capture state and emits exactly
// one Exchange on finish.
type exchangeLifecycle struct {
	startedAt time.Time
	events    ExchangeEmitter
	ex        Exchange

	reqBody  *bodyCapture
	respBody *bodyCapture
}

func newExchangeLifecycle(events ExchangeEmitter, r *http.Request) *exchangeLifecycle {
	now := time.Now()
	return &exchangeLifecycle{
		startedAt: now,
		events:    events,
		ex: Exchange{
			StartedAt:     now,
			RemoteAddr:    r.RemoteAddr,
			Method:        r.Method,
			Path:          r.URL.Path,
			RawQuery:      r.URL.RawQuery,
			RequestHeader: r.Header.Clone(),
		},
	}
}

func (l *exchangeLifecycle) finish() {
	if l.reqBody != nil {
		l.ex.RequestBody, l.ex.RequestBodyTruncated = l.reqBody.Snapshot()
	}
	if l.respBody != nil {
		l.ex.ResponseBody, l.ex.ResponseBodyTruncated = l.respBody.Snapshot()
	}
	if l.ex.RequestHeader == nil {
		l.ex.RequestHeader = http.Header{}
	}
	if l.ex.ResponseHeader == nil {
		l.ex.ResponseHeader = http.Header{}
	}
	l.ex.Duration = time.Since(l.startedAt)
	l.events.EmitExchange(l.ex)
}

func (l *exchangeLifecycle) setReqBodyCapture(c *bodyCapture) {
	l.reqBody = c
}

func (l *exchangeLifecycle) setRespBodyCapture(c *bodyCapture) {
	l.respBody = c
}

func (l *exchangeLifecycle) setResponse(status int, header http.Header) {
	l.ex.ResponseStatus = status
	l.ex.ResponseHeader = header.Clone()
}

// setProxyError records a proxy-generated response. The synthetic body is
// recorded as written.
func (l *exchangeLifecycle) setProxyError(pe *ProxyError, upstreamErr error) {
	l.ex.ProxyError = pe
	l.ex.UpstreamErr = upstreamErr
	l.ex.ResponseStatus = pe.HTTPCode
	l.respBody = nil
	if pe == ErrClientClosedRequest {
		l.ex.ResponseHeader = http.Header{}
		l.ex.ResponseBody = nil
		return
	}
	l.ex.ResponseHeader = http.Header{
		ErrorHeader:    {pe.Code},
		"Content-Type": {"text/plain; charset=utf-8"},
	}
	l.ex.ResponseBody = []byte(pe.Message)
}
