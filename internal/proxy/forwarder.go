package proxy

import (
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
)

// DefaultUpstream is the CodeTime API host.
const DefaultUpstream = "https://api.codetime.dev"

// ParseUpstream normalises an upstream base URL: surrounding space and
// trailing slashes are trimmed and an empty value selects DefaultUpstream.
func ParseUpstream(raw string) (*url.URL, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		raw = DefaultUpstream
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("proxy parse upstream: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("proxy parse upstream: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy parse upstream: missing host in %q", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("proxy parse upstream: query and fragment are not allowed")
	}
	return u, nil
}

// forwardingHeaders are stripped by httputil.ReverseProxy in Rewrite mode.
// The proxy is transparent, so inbound values are carried over unchanged
// and nothing is added.
var forwardingHeaders = []string{
	"Forwarded",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
}

func restoreForwardingHeaders(out, in http.Header) {
	for _, h := range forwardingHeaders {
		if v, ok := in[h]; ok {
			out[h] = append([]string(nil), v...)
		}
	}
}

// buildTargetURL joins the upstream base with the inbound escaped path and
// raw query. An empty inbound path becomes "/".
func buildTargetURL(base *url.URL, in *url.URL) *url.URL {
	reqPath := in.EscapedPath()
	if !strings.HasPrefix(reqPath, "/") {
		reqPath = "/" + reqPath
	}
	rawPath := strings.TrimSuffix(base.EscapedPath(), "/") + reqPath

	target := &url.URL{
		Scheme:   base.Scheme,
		User:     base.User,
		Host:     base.Host,
		RawQuery: in.RawQuery,
	}
	if p, err := url.PathUnescape(rawPath); err == nil {
		target.Path = p
		if target.EscapedPath() != rawPath {
			target.RawPath = rawPath
		}
	} else {
		target.Path = rawPath
	}
	return target
}

// ForwarderConfig holds dependencies for the Forwarder.
type ForwarderConfig struct {
	Upstream  *url.URL
	Transport http.RoundTripper
	Events    ExchangeEmitter
	// CaptureMaxBytes bounds each captured body; < 0 means unlimited and 0
	// disables capture.
	CaptureMaxBytes int
	Logger          *slog.Logger
}

// Forwarder relays every request to the upstream exactly once, streams the
// response back and emits the captured Exchange when done.
type Forwarder struct {
	upstream   *url.URL
	transport  http.RoundTripper
	events     ExchangeEmitter
	captureMax int
	logger     *slog.Logger
	errorLog   *log.Logger
}

func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	if cfg.Upstream == nil {
		return nil, fmt.Errorf("proxy new forwarder: nil upstream")
	}
	ev := cfg.Events
	if ev == nil {
		ev = NoOpExchangeEmitter{}
	}
	transport := cfg.Transport
	if transport == nil {
		transport = NewUpstreamTransport(TransportConfig{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "forwarder")
	return &Forwarder{
		upstream:   cfg.Upstream,
		transport:  transport,
		events:     ev,
		captureMax: cfg.CaptureMaxBytes,
		logger:     logger,
		errorLog:   slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}, nil
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lifecycle := newExchangeLifecycle(f.events, r)
	var reqCapture *bodyCapture
	if r.Body != nil && r.Body != http.NoBody {
		reqCapture = newRequestBodyCapture(r.Body, f.captureMax)
		r.Body = reqCapture
		lifecycle.setReqBodyCapture(reqCapture)
	}
	// Runs on the ErrAbortHandler panic raised when the client goes away
	// mid-stream, so the captured prefix is still emitted.
	defer lifecycle.finish()

	target := buildTargetURL(f.upstream, r.URL)

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = target
			pr.Out.Host = target.Host
			restoreForwardingHeaders(pr.Out.Header, pr.In.Header)
		},
		Transport:     f.transport,
		FlushInterval: -1,
		ErrorLog:      f.errorLog,
		ModifyResponse: func(resp *http.Response) error {
			lifecycle.setResponse(resp.StatusCode, resp.Header)
			if resp.StatusCode == http.StatusSwitchingProtocols {
				// Upgrade bodies must stay io.ReadWriteCloser.
				return nil
			}
			if resp.Body != nil && resp.Body != http.NoBody {
				c := newBodyCapture(resp.Body, f.captureMax)
				resp.Body = c
				lifecycle.setRespBodyCapture(c)
			}
			return nil
		},
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			pe := classifyUpstreamError(err)
			lifecycle.setProxyError(pe, err)
			if pe == ErrClientClosedRequest {
				f.logger.Debug("client closed request",
					"method", req.Method,
					"path", req.URL.Path,
				)
				return
			}
			if reqCapture != nil {
				reqCapture.drain()
			}
			f.logger.Warn("upstream request failed",
				"method", req.Method,
				"target", target.String(),
				"code", pe.Code,
				"err", err,
			)
			writeProxyError(rw, pe)
		},
	}
	rp.ServeHTTP(w, r)
}
