package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

// Test error types for classifyUpstreamError tests.

type deadlineExceededErr struct{}

func (deadlineExceededErr) Error() string   { return "deadline exceeded" }
func (deadlineExceededErr) Timeout() bool   { return true }
func (deadlineExceededErr) Temporary() bool { return true }
func (deadlineExceededErr) Unwrap() error   { return context.DeadlineExceeded }

type canceledErr struct{}

func (canceledErr) Error() string { return "context canceled" }
func (canceledErr) Unwrap() error { return context.Canceled }

// dialErr simulates a net.OpError with Op="dial".
type dialErr struct{}

func (dialErr) Error() string { return "dial tcp: connection refused" }
func (dialErr) Unwrap() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host"}}
}

type genericErr struct{}

func (genericErr) Error() string { return "some generic error" }

type chanEmitter struct {
	ch chan Exchange
}

func newChanEmitter() *chanEmitter {
	return &chanEmitter{ch: make(chan Exchange, 64)}
}

func (e *chanEmitter) EmitExchange(ex Exchange) {
	e.ch <- ex
}

func (e *chanEmitter) wait(t *testing.T) Exchange {
	t.Helper()
	select {
	case ex := <-e.ch:
		return ex
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exchange")
		return Exchange{}
	}
}

func (e *chanEmitter) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case ex := <-e.ch:
		t.Fatalf("unexpected exchange: %s %s -> %d", ex.Method, ex.Path, ex.ResponseStatus)
	case <-time.After(within):
	}
}

// newTestProxy starts an admission-gated forwarder in front of upstream.
func newTestProxy(t *testing.T, upstream string, captureMax int, transport http.RoundTripper) (*httptest.Server, *chanEmitter) {
	t.Helper()
	u, err := url.Parse(upstream)
	if err != nil {
		t.Fatalf("parse upstream: %v", err)
	}
	emitter := newChanEmitter()
	fwd, err := NewForwarder(ForwarderConfig{
		Upstream:        u,
		Transport:       transport,
		Events:          emitter,
		CaptureMaxBytes: captureMax,
	})
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	gate := NewAdmissionFilter(AdmissionConfig{})
	srv := httptest.NewServer(gate.Wrap(fwd))
	t.Cleanup(srv.Close)
	return srv, emitter
}
